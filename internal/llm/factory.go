package llm

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nugget/chatrelay/internal/config"
	"github.com/nugget/chatrelay/internal/httpkit"
)

// New builds a Router from configuration: the active backend plus any
// backend named by a model route. A route whose backend cannot be built
// (missing key, bad URL) is skipped with a warning; failure to build the
// active backend is an error.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Router, error) {
	if logger == nil {
		logger = slog.Default()
	}
	active, err := NewBackend(ctx, cfg, cfg.Provider.Backend, cfg.Provider.Model, logger)
	if err != nil {
		return nil, fmt.Errorf("backend %s: %w", cfg.Provider.Backend, err)
	}

	r := NewRouter(active, logger)
	for _, route := range cfg.Provider.Models {
		if _, ok := r.Backend(route.Backend); !ok {
			p, err := NewBackend(ctx, cfg, route.Backend, config.DefaultModel(route.Backend), logger)
			if err != nil {
				logger.Warn("skipping model route", "model", route.Name, "backend", route.Backend, "error", err)
				continue
			}
			r.AddBackend(p)
		}
		r.AddModel(route.Name, route.Backend)
	}

	logger.Info("language model backend ready",
		"backend", active.Name(),
		"model", cfg.Provider.Model,
		"routes", len(cfg.Provider.Models),
	)
	return r, nil
}

// NewBackend constructs a single named backend whose default model is
// model.
func NewBackend(ctx context.Context, cfg *config.Config, name, model string, logger *slog.Logger) (Provider, error) {
	httpOpts := []httpkit.ClientOption{httpkit.WithLogger(logger)}
	if cfg.Provider.Retry.Count > 0 {
		httpOpts = append(httpOpts, httpkit.WithRetry(cfg.Provider.Retry.Count, cfg.Provider.Retry.Delay))
	}

	switch name {
	case config.BackendMock:
		return NewMock(cfg.Mock.Delay), nil
	case config.BackendOpenRouter:
		if cfg.OpenRouter.APIKey == "" {
			return nil, fmt.Errorf("openrouter.api_key (or OPENROUTER_API_KEY) is required")
		}
		return NewOpenRouterClient(OpenRouterOptions{
			URL:          cfg.OpenRouter.URL,
			APIKey:       cfg.OpenRouter.APIKey,
			DefaultModel: model,
			Referer:      cfg.OpenRouter.Referer,
			Title:        cfg.OpenRouter.Title,
			HTTPOptions:  httpOpts,
		}, logger), nil
	case config.BackendLMStudio:
		return NewLMStudioClient(cfg.LMStudio.URL, model, logger, httpOpts...), nil
	case config.BackendOllama:
		return NewOllamaClient(cfg.Ollama.URL, model, logger, httpOpts...), nil
	case config.BackendAnthropic:
		if cfg.Anthropic.APIKey == "" {
			return nil, fmt.Errorf("anthropic.api_key (or ANTHROPIC_API_KEY) is required")
		}
		return NewAnthropicClient(cfg.Anthropic.APIKey, model, logger, httpOpts...), nil
	case config.BackendGemini:
		return NewGeminiClient(ctx, cfg.Gemini.APIKey, model, logger)
	default:
		return nil, fmt.Errorf("unknown backend %q", name)
	}
}
