package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nugget/chatrelay/internal/config"
	"github.com/nugget/chatrelay/internal/llm"
)

// isolate points config discovery and the backend environment away from
// the developer's machine.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("HOME", dir)
	for _, k := range []string{"LLM_PROVIDER", "PORT", "OPENROUTER_API_KEY", "ANTHROPIC_API_KEY", "GEMINI_API_KEY", "LM_STUDIO_URL", "OLLAMA_URL"} {
		t.Setenv(k, "")
	}
	return dir
}

// writeMockConfig writes a config for the mock backend and returns its
// path.
func writeMockConfig(t *testing.T, dir string, port int) string {
	t.Helper()
	body := fmt.Sprintf(`provider:
  backend: mock
mock:
  delay: 1ms
listen:
  address: 127.0.0.1
  port: %d
data_dir: %s
`, port, filepath.Join(dir, "data"))
	path := filepath.Join(dir, "chatrelay.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRun_Version(t *testing.T) {
	var out bytes.Buffer
	if err := run(context.Background(), &out, io.Discard, []string{"version"}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.HasPrefix(out.String(), "chatrelay ") || !strings.Contains(out.String(), "go_version:") {
		t.Errorf("output = %q", out.String())
	}

	out.Reset()
	if err := run(context.Background(), &out, io.Discard, []string{"-o", "json", "version"}); err != nil {
		t.Fatalf("run: %v", err)
	}
	var info map[string]string
	if err := json.Unmarshal(out.Bytes(), &info); err != nil {
		t.Fatalf("json output: %v\n%s", err, out.String())
	}
	if info["version"] == "" || info["go_version"] == "" {
		t.Errorf("info = %v", info)
	}
}

func TestRun_Usage(t *testing.T) {
	for _, args := range [][]string{nil, {"-h"}, {"--help"}} {
		var out bytes.Buffer
		if err := run(context.Background(), &out, io.Discard, args); err != nil {
			t.Fatalf("run(%v): %v", args, err)
		}
		if !strings.Contains(out.String(), "Usage: chatrelay") {
			t.Errorf("run(%v) output = %q", args, out.String())
		}
	}
}

func TestRun_ArgumentErrors(t *testing.T) {
	tests := []struct {
		args []string
		want string
	}{
		{[]string{"bogus"}, "unknown command: bogus"},
		{[]string{"--bogus"}, "unknown flag: --bogus"},
		{[]string{"-o", "yaml", "version"}, "unknown output format"},
		{[]string{"ask"}, "usage: chatrelay ask"},
	}
	for _, tt := range tests {
		err := run(context.Background(), io.Discard, io.Discard, tt.args)
		if err == nil || !strings.Contains(err.Error(), tt.want) {
			t.Errorf("run(%v) = %v, want error containing %q", tt.args, err, tt.want)
		}
	}
}

func TestRun_ExplicitConfigMissing(t *testing.T) {
	isolate(t)
	err := run(context.Background(), io.Discard, io.Discard, []string{"-config", "nope.yaml", "ask", "hi"})
	if err == nil || !strings.Contains(err.Error(), "config file not found") {
		t.Errorf("err = %v", err)
	}
}

func TestLoadConfig_DefaultsWithoutFile(t *testing.T) {
	isolate(t)
	cfg, path, err := loadConfig("")
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if path != "" {
		t.Errorf("path = %q, want empty", path)
	}
	if cfg.Provider.Backend != config.BackendMock || cfg.Listen.Port != 3001 {
		t.Errorf("cfg = %+v", cfg.Provider)
	}
}

func TestLoadConfig_Invalid(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("provider:\n  backend: carrier-pigeon\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, _, err := loadConfig(""); err == nil || !strings.Contains(err.Error(), "invalid config") {
		t.Errorf("err = %v, want invalid config", err)
	}
}

func TestRun_AskMock(t *testing.T) {
	dir := isolate(t)
	cfgPath := writeMockConfig(t, dir, 3001)

	ask := func(msg string) string {
		t.Helper()
		var out, errOut bytes.Buffer
		if err := run(context.Background(), &out, &errOut, []string{"-config", cfgPath, "ask", msg}); err != nil {
			t.Fatalf("ask %q: %v (stderr %q)", msg, err, errOut.String())
		}
		return out.String()
	}

	if got := ask("/remember color=blue"); got != "Noted: color = blue\n" {
		t.Errorf("remember = %q", got)
	}
	// Memory persists across invocations through the data directory.
	if got := ask("/list"); got != "Memory items: color=blue\n" {
		t.Errorf("list = %q", got)
	}
	if got := ask("hello"); got != llm.MockReply+"\n" {
		t.Errorf("reply = %q, want %q", got, llm.MockReply)
	}
}

func TestRun_AskCommandError(t *testing.T) {
	dir := isolate(t)
	cfgPath := writeMockConfig(t, dir, 3001)

	var out, errOut bytes.Buffer
	err := run(context.Background(), &out, &errOut, []string{"-config", cfgPath, "ask", "/forget", "missing"})
	if err == nil {
		t.Fatal("ask succeeded for a missing key")
	}
	if out.Len() != 0 {
		t.Errorf("stdout = %q, want empty", out.String())
	}
	if !strings.Contains(errOut.String(), "missing") {
		t.Errorf("stderr = %q", errOut.String())
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func TestRun_ServeLifecycle(t *testing.T) {
	dir := isolate(t)
	port := freePort(t)
	cfgPath := writeMockConfig(t, dir, port)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- run(ctx, io.Discard, io.Discard, []string{"-config", cfgPath, "serve"})
	}()

	base := fmt.Sprintf("http://127.0.0.1:%d", port)
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err := http.Get(base + "/health")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				break
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("server never became healthy: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	resp, err := http.Post(base+"/api/completions/stream", "application/json",
		strings.NewReader(`{"messages":[{"role":"user","content":"hello"}]}`))
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.HasSuffix(string(body), "data: [DONE]\n\n") {
		t.Errorf("stream = %q", body)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("serve returned %v", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("serve did not stop")
	}

	for _, f := range []string{memoryDBFile, chatsDBFile} {
		if _, err := os.Stat(filepath.Join(dir, "data", f)); err != nil {
			t.Errorf("database %s: %v", f, err)
		}
	}
}

func TestConfiguredLogger_LogFile(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.LogFile.Path = filepath.Join(dir, "chatrelay.log")
	cfg.LogFormat = "json"

	var out bytes.Buffer
	logger, closeLog := configuredLogger(&out, cfg, slog.LevelInfo)
	logger.Debug("hidden")
	logger.Info("relay ready", "port", 3001)
	closeLog()

	data, err := os.ReadFile(cfg.LogFile.Path)
	if err != nil {
		t.Fatalf("log file: %v", err)
	}
	for name, got := range map[string]string{"stdout": out.String(), "file": string(data)} {
		if !strings.Contains(got, `"msg":"relay ready"`) {
			t.Errorf("%s = %q, want the info record", name, got)
		}
		if strings.Contains(got, "hidden") {
			t.Errorf("%s contains a debug record", name)
		}
	}
}

func TestConsoleSink(t *testing.T) {
	var out, errOut bytes.Buffer
	s := &consoleSink{out: &out, errOut: &errOut}

	s.SetupHeaders()
	s.WriteChunk("Hello ", llm.FinishNone)
	s.WriteChunk("", llm.FinishStop)
	s.End()
	if out.String() != "Hello \n" {
		t.Errorf("out = %q", out.String())
	}

	out.Reset()
	s = &consoleSink{out: &out, errOut: &errOut}
	cause := errors.New("upstream gone")
	s.WriteError(cause)
	s.End()
	if out.Len() != 0 || !errors.Is(s.err, cause) || errOut.String() != "error: upstream gone\n" {
		t.Errorf("out = %q stderr = %q err = %v", out.String(), errOut.String(), s.err)
	}
}
