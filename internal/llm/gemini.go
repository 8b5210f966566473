package llm

import (
	"context"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"strings"
	"sync"

	"google.golang.org/genai"

	"github.com/nugget/chatrelay/internal/result"
)

const geminiDefaultModel = "gemini-2.5-flash"

// geminiModels is the slice of the genai Models service this package
// uses, so tests can substitute a fake.
type geminiModels interface {
	GenerateContentStream(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) iter.Seq2[*genai.GenerateContentResponse, error]
}

// GeminiClient streams from the Google Gemini API via the genai SDK.
type GeminiClient struct {
	models       geminiModels
	defaultModel string
	logger       *slog.Logger
}

// NewGeminiClient creates a Gemini client authenticated with apiKey.
func NewGeminiClient(ctx context.Context, apiKey, defaultModel string, logger *slog.Logger) (*GeminiClient, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("gemini api_key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return newGeminiClient(client.Models, defaultModel, logger), nil
}

func newGeminiClient(models geminiModels, defaultModel string, logger *slog.Logger) *GeminiClient {
	if logger == nil {
		logger = slog.Default()
	}
	if defaultModel == "" {
		defaultModel = geminiDefaultModel
	}
	return &GeminiClient{
		models:       models,
		defaultModel: defaultModel,
		logger:       logger.With("provider", "gemini"),
	}
}

// Name implements Provider.
func (c *GeminiClient) Name() string { return "gemini" }

// Call implements Provider. The SDK connects lazily, so Call waits for
// the first response and reports a rejected request as a provider error.
func (c *GeminiClient) Call(ctx context.Context, req Request) result.Result[Stream] {
	model := req.Model
	if model == "" {
		model = c.defaultModel
	}

	var system []string
	contents := make([]*genai.Content, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case RoleSystem:
			system = append(system, m.Content)
		case RoleAssistant:
			contents = append(contents, &genai.Content{Role: genai.RoleModel, Parts: []*genai.Part{{Text: m.Content}}})
		default:
			contents = append(contents, &genai.Content{Role: genai.RoleUser, Parts: []*genai.Part{{Text: m.Content}}})
		}
	}
	if len(contents) == 0 {
		return result.Fail[Stream](result.ProviderError, "gemini: at least one user or assistant message is required")
	}

	cfg := &genai.GenerateContentConfig{}
	if len(system) > 0 {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: strings.Join(system, "\n\n")}}}
	}
	if req.Temperature > 0 {
		cfg.Temperature = genai.Ptr(float32(req.Temperature))
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}

	c.logger.Debug("starting completion", "model", model, "contents", len(contents))

	next, stop := iter.Pull2(c.models.GenerateContentStream(ctx, model, contents, cfg))
	first, err, ok := next()
	if err != nil || !ok {
		stop()
		if ctx.Err() != nil {
			return result.FromError[Stream](ctx.Err())
		}
		if err == nil {
			return result.Fail[Stream](result.ProviderError, "gemini: empty response")
		}
		c.logger.Error("API error", "error", err)
		return result.Fail[Stream](result.ProviderError, "gemini: %w", err)
	}
	return result.Ok[Stream](&geminiStream{ctx: ctx, next: next, stop: stop, pending: first})
}

// geminiStream pulls responses from the SDK iterator. Gemini reports a
// finish reason on the last candidate. Recv and Close must be called
// from the same goroutine.
type geminiStream struct {
	ctx  context.Context
	next func() (*genai.GenerateContentResponse, error, bool)
	stop func()
	done bool
	once sync.Once

	// pending is the response Call read to confirm the request.
	pending *genai.GenerateContentResponse
}

func (s *geminiStream) Recv() (Chunk, error) {
	for !s.done {
		if err := s.ctx.Err(); err != nil {
			s.finish()
			return Chunk{}, err
		}
		resp, err, ok := s.pending, error(nil), true
		if resp != nil {
			s.pending = nil
		} else {
			resp, err, ok = s.next()
		}
		if !ok {
			s.finish()
			if ctxErr := s.ctx.Err(); ctxErr != nil {
				return Chunk{}, ctxErr
			}
			return Chunk{}, io.EOF
		}
		if err != nil {
			s.finish()
			return Chunk{}, recvError(s.ctx, err)
		}

		ch := Chunk{Delta: geminiText(resp)}
		if reason := geminiFinish(resp); reason != "" {
			ch.FinishReason = FinishStop
			if isGeminiFailure(reason) {
				ch.FinishReason = FinishError
				ch.Err = "gemini finished with " + reason
			}
		}
		if ch.Delta == "" && !ch.Final() {
			continue
		}
		if ch.Final() {
			s.finish()
		}
		return ch, nil
	}
	return Chunk{}, io.EOF
}

func (s *geminiStream) finish() {
	s.done = true
	s.Close()
}

func (s *geminiStream) Close() error {
	s.once.Do(s.stop)
	return nil
}

func geminiText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0] == nil || resp.Candidates[0].Content == nil {
		return ""
	}
	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part == nil || part.Thought || part.Text == "" {
			continue
		}
		sb.WriteString(part.Text)
	}
	return sb.String()
}

func geminiFinish(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
		return ""
	}
	return string(resp.Candidates[0].FinishReason)
}

// isGeminiFailure reports finish reasons that mean the answer was
// withheld rather than completed.
func isGeminiFailure(reason string) bool {
	switch genai.FinishReason(reason) {
	case genai.FinishReasonStop, genai.FinishReasonMaxTokens, genai.FinishReasonUnspecified:
		return false
	}
	return true
}
