// Package buildinfo reports what binary is running. The version can be
// stamped with -ldflags "-X .../buildinfo.Version=v1.2.0"; the VCS
// revision comes from the metadata the Go toolchain embeds.
package buildinfo

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"time"
)

// Version is the release version. Left at "dev", the main module's
// version from the build info is used instead when there is one.
var Version = "dev"

var startTime = time.Now()

// Build is the VCS state the binary was built from.
type Build struct {
	Version  string
	Revision string
	Time     string
	Modified bool
}

var readBuild = sync.OnceValue(func() Build {
	b := Build{Version: Version, Revision: "unknown", Time: "unknown"}
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return b
	}
	if b.Version == "dev" && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
		b.Version = bi.Main.Version
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			b.Revision = s.Value
		case "vcs.time":
			b.Time = s.Value
		case "vcs.modified":
			b.Modified = s.Value == "true"
		}
	}
	return b
})

// Current returns the build of the running binary.
func Current() Build {
	return readBuild()
}

// Info returns build and runtime details for the version command and
// endpoint.
func Info() map[string]string {
	b := Current()
	rev := b.Revision
	if b.Modified {
		rev += "-dirty"
	}
	return map[string]string{
		"version":    b.Version,
		"revision":   rev,
		"vcs_time":   b.Time,
		"go_version": runtime.Version(),
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
		"uptime":     Uptime().String(),
	}
}

// Uptime returns the time since the process started, to the second.
func Uptime() time.Duration {
	return time.Since(startTime).Truncate(time.Second)
}

// UserAgent is sent on outbound requests, e.g.
// "chatrelay/v1.2.0 (linux/amd64)".
func UserAgent() string {
	return fmt.Sprintf("chatrelay/%s (%s/%s)", Current().Version, runtime.GOOS, runtime.GOARCH)
}

// String is the first line of `chatrelay version`.
func String() string {
	b := Current()
	short := b.Revision
	if len(short) > 12 {
		short = short[:12]
	}
	return fmt.Sprintf("chatrelay %s (%s, %s)", b.Version, short, runtime.Version())
}
