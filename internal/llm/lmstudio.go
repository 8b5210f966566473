package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/packages/ssestream"

	"github.com/nugget/chatrelay/internal/httpkit"
	"github.com/nugget/chatrelay/internal/result"
)

// lmStudioAPIKey is sent because the SDK requires a key; local runners
// ignore it.
const lmStudioAPIKey = "lm-studio"

// LMStudioClient streams from a local OpenAI-compatible model runner
// such as LM Studio, using the OpenAI SDK.
type LMStudioClient struct {
	client       openai.Client
	defaultModel string
	logger       *slog.Logger
}

// NewLMStudioClient creates a client for the runner at baseURL
// (e.g. http://localhost:1234/v1). A full completions URL is accepted
// too.
func NewLMStudioClient(baseURL, defaultModel string, logger *slog.Logger, opts ...httpkit.ClientOption) *LMStudioClient {
	if logger == nil {
		logger = slog.Default()
	}
	baseURL = strings.TrimSuffix(strings.TrimRight(baseURL, "/"), "/chat/completions")
	client := openai.NewClient(
		option.WithAPIKey(lmStudioAPIKey),
		option.WithBaseURL(baseURL+"/"),
		option.WithHTTPClient(httpkit.NewStreamingClient(opts...)),
		option.WithMaxRetries(0),
	)
	return &LMStudioClient{
		client:       client,
		defaultModel: defaultModel,
		logger:       logger.With("provider", "lmstudio"),
	}
}

// Name implements Provider.
func (c *LMStudioClient) Name() string { return "lmstudio" }

// Call implements Provider.
func (c *LMStudioClient) Call(ctx context.Context, req Request) result.Result[Stream] {
	model := req.Model
	if model == "" {
		model = c.defaultModel
	}

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case RoleSystem:
			messages = append(messages, openai.SystemMessage(m.Content))
		case RoleAssistant:
			messages = append(messages, openai.AssistantMessage(m.Content))
		default:
			messages = append(messages, openai.UserMessage(m.Content))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(model),
		Messages: messages,
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}

	c.logger.Debug("starting completion", "model", model, "messages", len(messages))

	stream := c.client.Chat.Completions.NewStreaming(ctx, params)
	if err := stream.Err(); err != nil {
		stream.Close()
		if ctx.Err() != nil {
			return result.FromError[Stream](ctx.Err())
		}
		c.logger.Error("API error", "error", err)
		return result.Fail[Stream](result.ProviderError, "lmstudio: %w", err)
	}
	return result.Ok[Stream](&sdkStream{ctx: ctx, stream: stream})
}

// Ping checks that the runner answers its model listing.
func (c *LMStudioClient) Ping(ctx context.Context) error {
	if _, err := c.client.Models.List(ctx); err != nil {
		return fmt.Errorf("lmstudio: %w", err)
	}
	return nil
}

// sdkStream adapts the OpenAI SDK's server-sent event stream.
type sdkStream struct {
	ctx    context.Context
	stream *ssestream.Stream[openai.ChatCompletionChunk]
	done   bool
	once   sync.Once
}

func (s *sdkStream) Recv() (Chunk, error) {
	for !s.done {
		if !s.stream.Next() {
			s.done = true
			err := s.stream.Err()
			s.Close()
			if err == nil || errors.Is(err, io.EOF) {
				if ctxErr := s.ctx.Err(); ctxErr != nil {
					return Chunk{}, ctxErr
				}
				return Chunk{}, io.EOF
			}
			return Chunk{}, recvError(s.ctx, err)
		}

		cur := s.stream.Current()
		if len(cur.Choices) == 0 {
			continue
		}
		choice := cur.Choices[0]
		reason := string(choice.FinishReason)
		ch := Chunk{Delta: choice.Delta.Content, FinishReason: mapFinishReason(&reason)}
		if ch.Delta == "" && !ch.Final() {
			continue
		}
		if ch.Final() {
			s.done = true
			s.Close()
		}
		return ch, nil
	}
	return Chunk{}, io.EOF
}

func (s *sdkStream) Close() error {
	var err error
	s.once.Do(func() { err = s.stream.Close() })
	return err
}
