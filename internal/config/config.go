// Package config handles chatrelay configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Backend names accepted in provider.backend and LLM_PROVIDER.
const (
	BackendMock       = "mock"
	BackendOpenRouter = "openrouter"
	BackendLMStudio   = "lmstudio"
	BackendOllama     = "ollama"
	BackendAnthropic  = "anthropic"
	BackendGemini     = "gemini"
)

// Backends lists every backend name in a stable order.
var Backends = []string{
	BackendMock,
	BackendOpenRouter,
	BackendLMStudio,
	BackendOllama,
	BackendAnthropic,
	BackendGemini,
}

// defaultModels holds the model each backend uses when neither the
// request nor the configuration names one.
var defaultModels = map[string]string{
	BackendMock:       "mock",
	BackendOpenRouter: "qwen/qwen3-1.7b",
	BackendLMStudio:   "qwen/qwen3-1.7b",
	BackendOllama:     "qwen3:1.7b",
	BackendAnthropic:  "claude-sonnet-4-20250514",
	BackendGemini:     "gemini-2.5-flash",
}

// DefaultModel returns the built-in model for a backend, or "" for an
// unknown backend.
func DefaultModel(backend string) string {
	return defaultModels[backend]
}

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/chatrelay/config.yaml, /etc/chatrelay/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "chatrelay", "config.yaml"))
	}

	paths = append(paths, "/etc/chatrelay/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all chatrelay configuration.
type Config struct {
	Listen       ListenConfig       `yaml:"listen"`
	Server       ServerConfig       `yaml:"server"`
	Provider     ProviderConfig     `yaml:"provider"`
	OpenRouter   OpenRouterConfig   `yaml:"openrouter"`
	LMStudio     LMStudioConfig     `yaml:"lmstudio"`
	Ollama       OllamaConfig       `yaml:"ollama"`
	Anthropic    AnthropicConfig    `yaml:"anthropic"`
	Gemini       GeminiConfig       `yaml:"gemini"`
	Mock         MockConfig         `yaml:"mock"`
	Conversation ConversationConfig `yaml:"conversation"`
	MQTT         MQTTConfig         `yaml:"mqtt"`
	LogFile      LogFileConfig      `yaml:"log_file"`
	DataDir      string             `yaml:"data_dir"`
	Owner        string             `yaml:"owner"`
	LogLevel     string             `yaml:"log_level"`
	LogFormat    string             `yaml:"log_format"` // text or json
}

// ListenConfig defines the API server bind settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// ServerConfig tunes long-lived streaming responses.
type ServerConfig struct {
	// RequestTimeout caps a single streamed completion. Zero disables it.
	RequestTimeout time.Duration `yaml:"request_timeout"`
	// KeepAlive is the interval between SSE keepalive comments.
	KeepAlive time.Duration `yaml:"keepalive"`
	// WriteTimeout bounds each individual write to a streaming client.
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// ProviderConfig selects and tunes the language model backend.
type ProviderConfig struct {
	Backend     string        `yaml:"backend"`
	Model       string        `yaml:"model"`
	Temperature float64       `yaml:"temperature"`
	MaxTokens   int           `yaml:"max_tokens"` // 0 = backend default
	Models      []ModelRoute  `yaml:"models"`
	Retry       RetryConfig   `yaml:"retry"`
	Timeout     time.Duration `yaml:"timeout"` // non-streaming calls (ping)
	// HealthPoll is how often local backends are probed once startup
	// backoff has finished.
	HealthPoll time.Duration `yaml:"health_poll"`
}

// ModelRoute pins a model identifier to a backend, overriding the
// active backend for requests that name that model.
type ModelRoute struct {
	Name    string `yaml:"name"`
	Backend string `yaml:"backend"`
}

// RetryConfig controls dial-level retries for HTTP backends.
type RetryConfig struct {
	Count int           `yaml:"count"`
	Delay time.Duration `yaml:"delay"`
}

// OpenRouterConfig defines the hosted OpenRouter endpoint.
type OpenRouterConfig struct {
	URL     string `yaml:"url"`
	APIKey  string `yaml:"api_key"`
	Referer string `yaml:"referer"`
	Title   string `yaml:"title"`
}

// LMStudioConfig defines a local OpenAI-compatible model runner.
type LMStudioConfig struct {
	URL string `yaml:"url"`
}

// OllamaConfig defines a local Ollama server.
type OllamaConfig struct {
	URL string `yaml:"url"`
}

// AnthropicConfig defines Anthropic API settings.
type AnthropicConfig struct {
	APIKey string `yaml:"api_key"`
}

// GeminiConfig defines Google Gemini API settings.
type GeminiConfig struct {
	APIKey string `yaml:"api_key"`
}

// MockConfig tunes the built-in deterministic backend.
type MockConfig struct {
	Delay time.Duration `yaml:"delay"` // pause between words
}

// ConversationConfig controls transcript side effects of streaming.
type ConversationConfig struct {
	// PersistUserMessages also records the inbound user message in the
	// chat transcript when a chat_id is supplied.
	PersistUserMessages bool `yaml:"persist_user_messages"`
}

// MQTTConfig defines the optional event forwarder.
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"` // e.g. mqtt://localhost:1883
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
}

// LogFileConfig enables rotated file logging alongside stdout.
type LogFileConfig struct {
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// Load reads configuration from a YAML file, expanding ${VAR}
// references, then applies environment overrides and defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	cfg.applyEnvOverrides()
	cfg.applyDefaults()
	return cfg, nil
}

// Default returns the configuration used when no file is found:
// built-in defaults plus environment overrides.
func Default() *Config {
	cfg := &Config{}
	cfg.applyEnvOverrides()
	cfg.applyDefaults()
	return cfg
}

// applyEnvOverrides lets the process environment select the backend and
// supply credentials without a config file.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("LLM_PROVIDER"); v != "" {
		c.Provider.Backend = strings.ToLower(strings.TrimSpace(v))
	}
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Listen.Port = port
		}
	}
	if v := os.Getenv("OPENROUTER_API_KEY"); v != "" {
		c.OpenRouter.APIKey = v
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		c.Anthropic.APIKey = v
	}
	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		c.Gemini.APIKey = v
	}
	if v := os.Getenv("LM_STUDIO_URL"); v != "" {
		c.LMStudio.URL = v
	}
	if v := os.Getenv("OLLAMA_URL"); v != "" {
		c.Ollama.URL = v
	}
}

func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 3001
	}
	if c.Provider.Backend == "" {
		c.Provider.Backend = BackendMock
	}
	if c.Provider.Model == "" {
		c.Provider.Model = DefaultModel(c.Provider.Backend)
	}
	if c.Provider.Temperature == 0 {
		c.Provider.Temperature = 0.7
	}
	if c.Provider.Timeout == 0 {
		c.Provider.Timeout = 30 * time.Second
	}
	if c.Provider.HealthPoll == 0 {
		c.Provider.HealthPoll = 60 * time.Second
	}
	if c.Server.KeepAlive == 0 {
		c.Server.KeepAlive = 15 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 120 * time.Second
	}
	if c.OpenRouter.URL == "" {
		c.OpenRouter.URL = "https://openrouter.ai/api/v1/chat/completions"
	}
	if c.OpenRouter.Title == "" {
		c.OpenRouter.Title = "chatrelay"
	}
	if c.LMStudio.URL == "" {
		c.LMStudio.URL = "http://localhost:1234/v1"
	}
	if c.Ollama.URL == "" {
		c.Ollama.URL = "http://localhost:11434"
	}
	if c.Mock.Delay == 0 {
		c.Mock.Delay = 250 * time.Millisecond
	}
	if c.Owner == "" {
		c.Owner = "default"
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "chatrelay"
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "chatrelay"
	}
	if c.LogFile.MaxSizeMB == 0 {
		c.LogFile.MaxSizeMB = 50
	}
	if c.LogFile.MaxBackups == 0 {
		c.LogFile.MaxBackups = 5
	}
	if c.LogFile.MaxAgeDays == 0 {
		c.LogFile.MaxAgeDays = 28
	}
}

// Validate checks the configuration for values that would fail at
// startup rather than at first use.
func (c *Config) Validate() error {
	if !slices.Contains(Backends, c.Provider.Backend) {
		return fmt.Errorf("provider.backend %q is not one of %v", c.Provider.Backend, Backends)
	}
	for _, r := range c.Provider.Models {
		if r.Name == "" {
			return fmt.Errorf("provider.models: route with empty name")
		}
		if !slices.Contains(Backends, r.Backend) {
			return fmt.Errorf("provider.models[%s]: unknown backend %q", r.Name, r.Backend)
		}
	}
	if c.Listen.Port < 1 || c.Listen.Port > 65535 {
		return fmt.Errorf("listen.port %d out of range", c.Listen.Port)
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("log_format %q must be text or json", c.LogFormat)
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	return nil
}

// NeedsKey reports whether the active backend requires an API key that
// is missing, returning the config path to set.
func (c *Config) NeedsKey() (string, bool) {
	switch c.Provider.Backend {
	case BackendOpenRouter:
		return "openrouter.api_key", c.OpenRouter.APIKey == ""
	case BackendAnthropic:
		return "anthropic.api_key", c.Anthropic.APIKey == ""
	case BackendGemini:
		return "gemini.api_key", c.Gemini.APIKey == ""
	}
	return "", false
}
