package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/nugget/chatrelay/internal/httpkit"
	"github.com/nugget/chatrelay/internal/result"
)

const (
	anthropicAPIURL       = "https://api.anthropic.com/v1/messages"
	anthropicAPIVersion   = "2023-06-01"
	anthropicDefaultModel = "claude-sonnet-4-20250514"

	// anthropicMaxTokens is sent when the request leaves the length
	// open; the Messages API requires a value.
	anthropicMaxTokens = 4096
)

// AnthropicClient streams from the Anthropic Messages API.
type AnthropicClient struct {
	url          string
	apiKey       string
	defaultModel string
	httpClient   *http.Client
	logger       *slog.Logger
}

// NewAnthropicClient creates a new Anthropic client.
func NewAnthropicClient(apiKey, defaultModel string, logger *slog.Logger, opts ...httpkit.ClientOption) *AnthropicClient {
	if logger == nil {
		logger = slog.Default()
	}
	if defaultModel == "" {
		defaultModel = anthropicDefaultModel
	}
	return &AnthropicClient{
		url:          anthropicAPIURL,
		apiKey:       apiKey,
		defaultModel: defaultModel,
		httpClient:   httpkit.NewStreamingClient(opts...),
		logger:       logger.With("provider", "anthropic"),
	}
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	System      string             `json:"system,omitempty"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature,omitempty"`
	Stream      bool               `json:"stream"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicStreamEvent struct {
	Type  string `json:"type"`
	Delta *struct {
		Type       string `json:"type,omitempty"`
		Text       string `json:"text,omitempty"`
		StopReason string `json:"stop_reason,omitempty"`
	} `json:"delta,omitempty"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Name implements Provider.
func (c *AnthropicClient) Name() string { return "anthropic" }

// Call implements Provider.
func (c *AnthropicClient) Call(ctx context.Context, req Request) result.Result[Stream] {
	model := req.Model
	if model == "" {
		model = c.defaultModel
	}
	msgs, system := convertToAnthropic(req.Messages)
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = anthropicMaxTokens
	}

	body, err := json.Marshal(anthropicRequest{
		Model:       model,
		Messages:    msgs,
		System:      system,
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
		Stream:      true,
	})
	if err != nil {
		return result.Fail[Stream](result.InternalError, "marshal request: %w", err)
	}

	c.logger.Debug("starting completion",
		"model", model,
		"messages", len(msgs),
		"system_len", len(system),
	)
	c.logger.Log(ctx, LevelTrace, "request payload", "json", string(body))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return result.Fail[Stream](result.ProviderError, "create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)

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
		return result.Fail[Stream](result.ProviderError, "anthropic API error %d: %s", resp.StatusCode, errBody)
	}

	return result.Ok[Stream](newLineStream(ctx, resp.Body, c.decode))
}

func (c *AnthropicClient) decode(line []byte) (Chunk, bool, error) {
	data, ok := sseData(line)
	if !ok {
		return Chunk{}, false, nil
	}

	var event anthropicStreamEvent
	if err := json.Unmarshal(data, &event); err != nil {
		c.logger.Debug("skipping malformed event", "error", err)
		return Chunk{}, false, nil
	}

	switch event.Type {
	case "content_block_delta":
		if event.Delta != nil && event.Delta.Type == "text_delta" && event.Delta.Text != "" {
			return Chunk{Delta: event.Delta.Text}, true, nil
		}
	case "message_delta":
		if event.Delta != nil && event.Delta.StopReason != "" {
			c.logger.Debug("stream finished", "stop_reason", event.Delta.StopReason)
			return Chunk{FinishReason: FinishStop}, true, nil
		}
	case "message_stop":
		return Chunk{FinishReason: FinishStop}, true, nil
	case "error":
		msg := "upstream error"
		if event.Error != nil {
			msg = event.Error.Type + ": " + event.Error.Message
		}
		return Chunk{FinishReason: FinishError, Err: msg}, true, nil
	}
	return Chunk{}, false, nil
}

// convertToAnthropic lifts system messages into the separate system
// field the Messages API expects.
func convertToAnthropic(messages []Message) ([]anthropicMessage, string) {
	var system []string
	out := make([]anthropicMessage, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			system = append(system, m.Content)
		case RoleAssistant:
			out = append(out, anthropicMessage{Role: RoleAssistant, Content: m.Content})
		default:
			out = append(out, anthropicMessage{Role: RoleUser, Content: m.Content})
		}
	}
	return out, strings.Join(system, "\n\n")
}
