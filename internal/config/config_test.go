package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// clearEnv neutralizes overrides that may be set on the host.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"LLM_PROVIDER", "PORT", "OPENROUTER_API_KEY", "ANTHROPIC_API_KEY", "GEMINI_API_KEY", "LM_STUDIO_URL", "OLLAMA_URL"} {
		t.Setenv(k, "")
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestFindConfig_Explicit(t *testing.T) {
	path := writeConfig(t, "listen:\n  port: 9999\n")

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	if _, err := FindConfig("/nonexistent/config.yaml"); err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_CWD(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("listen:\n  port: 8080\n"), 0600)
	t.Chdir(dir)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "config.yaml" {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, "config.yaml")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(writeConfig(t, "{}\n"))
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Provider.Backend != BackendMock {
		t.Errorf("backend = %q, want %q", cfg.Provider.Backend, BackendMock)
	}
	if cfg.Listen.Port != 3001 {
		t.Errorf("port = %d, want 3001", cfg.Listen.Port)
	}
	if cfg.Provider.Temperature != 0.7 {
		t.Errorf("temperature = %v, want 0.7", cfg.Provider.Temperature)
	}
	if cfg.Mock.Delay != 250*time.Millisecond {
		t.Errorf("mock delay = %v, want 250ms", cfg.Mock.Delay)
	}
	if cfg.Provider.HealthPoll != 60*time.Second {
		t.Errorf("health poll = %v, want 60s", cfg.Provider.HealthPoll)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	clearEnv(t)
	t.Setenv("CHATRELAY_TEST_KEY", "secret123")
	cfg, err := Load(writeConfig(t, "openrouter:\n  api_key: ${CHATRELAY_TEST_KEY}\n"))
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.OpenRouter.APIKey != "secret123" {
		t.Errorf("api_key = %q, want %q", cfg.OpenRouter.APIKey, "secret123")
	}
}

func TestLoad_Durations(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(writeConfig(t, "server:\n  request_timeout: 90s\n  keepalive: 5s\nmock:\n  delay: 10ms\n"))
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Server.RequestTimeout != 90*time.Second {
		t.Errorf("request_timeout = %v", cfg.Server.RequestTimeout)
	}
	if cfg.Server.KeepAlive != 5*time.Second {
		t.Errorf("keepalive = %v", cfg.Server.KeepAlive)
	}
	if cfg.Mock.Delay != 10*time.Millisecond {
		t.Errorf("mock delay = %v", cfg.Mock.Delay)
	}
}

func TestEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("LLM_PROVIDER", " OpenRouter ")
	t.Setenv("PORT", "4000")
	t.Setenv("LM_STUDIO_URL", "http://studio:1234/v1")

	cfg, err := Load(writeConfig(t, "provider:\n  backend: ollama\nlisten:\n  port: 9000\n"))
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Provider.Backend != BackendOpenRouter {
		t.Errorf("backend = %q, want env override %q", cfg.Provider.Backend, BackendOpenRouter)
	}
	if cfg.Listen.Port != 4000 {
		t.Errorf("port = %d, want 4000", cfg.Listen.Port)
	}
	if cfg.LMStudio.URL != "http://studio:1234/v1" {
		t.Errorf("lmstudio url = %q", cfg.LMStudio.URL)
	}
	if key, missing := cfg.NeedsKey(); !missing || key != "openrouter.api_key" {
		t.Errorf("NeedsKey() = %q, %v; want openrouter.api_key, true", key, missing)
	}
}

func TestDefault_NoFile(t *testing.T) {
	clearEnv(t)
	t.Setenv("LLM_PROVIDER", "gemini")
	cfg := Default()
	if cfg.Provider.Backend != BackendGemini {
		t.Errorf("backend = %q, want gemini", cfg.Provider.Backend)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"ok", func(*Config) {}, ""},
		{"unknown backend", func(c *Config) { c.Provider.Backend = "gpt4all" }, "provider.backend"},
		{"route backend", func(c *Config) { c.Provider.Models = []ModelRoute{{Name: "m", Backend: "nope"}} }, "unknown backend"},
		{"route name", func(c *Config) { c.Provider.Models = []ModelRoute{{Backend: "mock"}} }, "empty name"},
		{"port", func(c *Config) { c.Listen.Port = 70000 }, "listen.port"},
		{"log level", func(c *Config) { c.LogLevel = "loud" }, "unknown log level"},
		{"log format", func(c *Config) { c.LogFormat = "xml" }, "log_format"},
		{"mqtt broker", func(c *Config) { c.MQTT.Enabled = true }, "mqtt.broker"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"", slog.LevelInfo, false},
		{"TRACE", LevelTrace, false},
		{" debug ", slog.LevelDebug, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"verbose", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLogLevel(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestReplaceLogLevelNames(t *testing.T) {
	a := ReplaceLogLevelNames(nil, slog.Any(slog.LevelKey, LevelTrace))
	if a.Value.String() != "TRACE" {
		t.Errorf("trace level rendered as %q", a.Value.String())
	}
	b := ReplaceLogLevelNames(nil, slog.Any(slog.LevelKey, slog.LevelInfo))
	if b.Value.Any().(slog.Level) != slog.LevelInfo {
		t.Errorf("info level was rewritten to %v", b.Value)
	}
}
