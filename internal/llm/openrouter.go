package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/nugget/chatrelay/internal/httpkit"
	"github.com/nugget/chatrelay/internal/result"
)

// OpenRouterClient streams from an OpenAI-compatible hosted endpoint
// (OpenRouter by default) that frames output as "data: {json}" lines
// terminated by "data: [DONE]".
type OpenRouterClient struct {
	url          string
	apiKey       string
	defaultModel string
	httpClient   *http.Client
	logger       *slog.Logger
}

// OpenRouterOptions configures an OpenRouterClient.
type OpenRouterOptions struct {
	URL          string
	APIKey       string
	DefaultModel string
	Referer      string
	Title        string
	HTTPOptions  []httpkit.ClientOption
}

// NewOpenRouterClient creates a client for a hosted completion endpoint.
func NewOpenRouterClient(opts OpenRouterOptions, logger *slog.Logger) *OpenRouterClient {
	if logger == nil {
		logger = slog.Default()
	}
	httpOpts := append([]httpkit.ClientOption{}, opts.HTTPOptions...)
	if opts.Referer != "" {
		httpOpts = append(httpOpts, httpkit.WithHeader("HTTP-Referer", opts.Referer))
	}
	if opts.Title != "" {
		httpOpts = append(httpOpts, httpkit.WithHeader("X-Title", opts.Title))
	}
	return &OpenRouterClient{
		url:          opts.URL,
		apiKey:       opts.APIKey,
		defaultModel: opts.DefaultModel,
		httpClient:   httpkit.NewStreamingClient(httpOpts...),
		logger:       logger.With("provider", "openrouter"),
	}
}

type openAIChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Stream      bool      `json:"stream"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

type openAIStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Code    any    `json:"code"`
	} `json:"error"`
}

// Name implements Provider.
func (c *OpenRouterClient) Name() string { return "openrouter" }

// Call implements Provider.
func (c *OpenRouterClient) Call(ctx context.Context, req Request) result.Result[Stream] {
	model := req.Model
	if model == "" {
		model = c.defaultModel
	}

	body, err := json.Marshal(openAIChatRequest{
		Model:       model,
		Messages:    req.Messages,
		Stream:      true,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return result.Fail[Stream](result.InternalError, "marshal request: %w", err)
	}

	c.logger.Debug("starting completion", "model", model, "messages", len(req.Messages))
	c.logger.Log(ctx, LevelTrace, "request payload", "json", string(body))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return result.Fail[Stream](result.ProviderError, "create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return result.FromError[Stream](ctx.Err())
		}
		return result.Fail[Stream](result.ProviderError, "request failed: %w", err)
	}
	if !successStatus(resp.StatusCode) || resp.Body == nil {
		errBody := httpkit.ReadErrorBody(resp.Body, httpkit.ErrorBodyLimit)
		c.logger.Error("API error", "status", resp.StatusCode, "body", errBody)
		return result.Fail[Stream](result.ProviderError, "openrouter API error %d: %s", resp.StatusCode, errBody)
	}

	return result.Ok[Stream](newLineStream(ctx, resp.Body, c.decode))
}

func (c *OpenRouterClient) decode(line []byte) (Chunk, bool, error) {
	data, ok := sseData(line)
	if !ok {
		return Chunk{}, false, nil
	}
	if string(bytes.TrimSpace(data)) == "[DONE]" {
		return Chunk{}, false, errStreamDone
	}

	var frame openAIStreamChunk
	if err := json.Unmarshal(data, &frame); err != nil {
		c.logger.Debug("skipping malformed frame", "error", err)
		return Chunk{}, false, nil
	}
	if frame.Error != nil {
		return Chunk{FinishReason: FinishError, Err: frame.Error.Message}, true, nil
	}
	if len(frame.Choices) == 0 {
		return Chunk{}, false, nil
	}

	choice := frame.Choices[0]
	ch := Chunk{Delta: choice.Delta.Content, FinishReason: mapFinishReason(choice.FinishReason)}
	if ch.Delta == "" && !ch.Final() {
		return Chunk{}, false, nil
	}
	return ch, true, nil
}

// mapFinishReason folds OpenAI-style finish reasons into the relay's
// closed set. Any normal termination (stop, length, content_filter) is
// a stop.
func mapFinishReason(reason *string) FinishReason {
	if reason == nil || *reason == "" {
		return FinishNone
	}
	if *reason == "error" {
		return FinishError
	}
	return FinishStop
}
