package buildinfo

import (
	"runtime"
	"strings"
	"testing"
)

func TestInfo_ContainsVersion(t *testing.T) {
	info := Info()
	for _, k := range []string{"version", "revision", "vcs_time", "go_version", "os", "arch", "uptime"} {
		if info[k] == "" {
			t.Errorf("Info() missing key %q", k)
		}
	}
	if info["version"] != Current().Version {
		t.Errorf("version = %q, want %q", info["version"], Current().Version)
	}
	if info["go_version"] != runtime.Version() {
		t.Errorf("go_version = %q", info["go_version"])
	}
}

func TestUserAgent(t *testing.T) {
	ua := UserAgent()
	want := "chatrelay/" + Current().Version + " (" + runtime.GOOS + "/" + runtime.GOARCH + ")"
	if ua != want {
		t.Errorf("UserAgent() = %q, want %q", ua, want)
	}
}

func TestString(t *testing.T) {
	s := String()
	if !strings.HasPrefix(s, "chatrelay "+Current().Version+" (") || !strings.Contains(s, runtime.Version()) {
		t.Errorf("String() = %q", s)
	}
}

func TestCurrent_Stable(t *testing.T) {
	if Current() != Current() {
		t.Error("Current() changed between calls")
	}
	if Current().Version == "" || Current().Revision == "" {
		t.Errorf("Current() = %+v, want version and revision filled", Current())
	}
}
