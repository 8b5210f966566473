package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/nugget/chatrelay/internal/httpkit"
	"github.com/nugget/chatrelay/internal/result"
)

// OllamaClient streams from an Ollama server's /api/chat endpoint,
// which answers with newline-delimited JSON objects.
type OllamaClient struct {
	baseURL      string
	defaultModel string
	httpClient   *http.Client
	logger       *slog.Logger
}

// NewOllamaClient creates a new Ollama client.
func NewOllamaClient(baseURL, defaultModel string, logger *slog.Logger, opts ...httpkit.ClientOption) *OllamaClient {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OllamaClient{
		baseURL:      strings.TrimRight(baseURL, "/"),
		defaultModel: defaultModel,
		httpClient:   httpkit.NewStreamingClient(opts...),
		logger:       logger.With("provider", "ollama"),
	}
}

type ollamaChatRequest struct {
	Model    string         `json:"model"`
	Messages []Message      `json:"messages"`
	Stream   bool           `json:"stream"`
	Options  *ollamaOptions `json:"options,omitempty"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type ollamaChatChunk struct {
	Message    Message `json:"message"`
	Done       bool    `json:"done"`
	DoneReason string  `json:"done_reason,omitempty"`
	Error      string  `json:"error,omitempty"`
}

// Name implements Provider.
func (c *OllamaClient) Name() string { return "ollama" }

// Call implements Provider.
func (c *OllamaClient) Call(ctx context.Context, req Request) result.Result[Stream] {
	model := req.Model
	if model == "" {
		model = c.defaultModel
	}

	payload := ollamaChatRequest{Model: model, Messages: req.Messages, Stream: true}
	if req.Temperature != 0 || req.MaxTokens > 0 {
		payload.Options = &ollamaOptions{Temperature: req.Temperature, NumPredict: req.MaxTokens}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return result.Fail[Stream](result.InternalError, "marshal request: %w", err)
	}

	c.logger.Debug("starting completion", "model", model, "messages", len(req.Messages))
	c.logger.Log(ctx, LevelTrace, "request payload", "json", string(body))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return result.Fail[Stream](result.ProviderError, "create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

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
		return result.Fail[Stream](result.ProviderError, "ollama API error %d: %s", resp.StatusCode, errBody)
	}

	return result.Ok[Stream](newLineStream(ctx, resp.Body, c.decode))
}

// Ping checks that the server answers its model listing.
func (c *OllamaClient) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if !successStatus(resp.StatusCode) {
		return fmt.Errorf("ollama: status %d", resp.StatusCode)
	}
	return nil
}

func (c *OllamaClient) decode(line []byte) (Chunk, bool, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return Chunk{}, false, nil
	}

	var frame ollamaChatChunk
	if err := json.Unmarshal(line, &frame); err != nil {
		c.logger.Debug("skipping malformed frame", "error", err)
		return Chunk{}, false, nil
	}
	if frame.Error != "" {
		return Chunk{FinishReason: FinishError, Err: frame.Error}, true, nil
	}

	ch := Chunk{Delta: frame.Message.Content}
	if frame.Done {
		ch.FinishReason = FinishStop
	}
	if ch.Delta == "" && !ch.Final() {
		return Chunk{}, false, nil
	}
	return ch, true, nil
}
