// Package llm adapts language model backends to a single pull-based
// streaming contract. Each backend turns its own wire format into
// [Chunk] values before they leave the package.
package llm

import (
	"context"
	"log/slog"

	"github.com/nugget/chatrelay/internal/result"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one role-tagged turn of a conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a completion call. An empty Model selects the backend's
// default; a MaxTokens of zero leaves the length to the backend.
type Request struct {
	Model       string
	Messages    []Message
	MaxTokens   int
	Temperature float64
}

// FinishReason marks a terminal chunk.
type FinishReason string

const (
	FinishNone  FinishReason = ""
	FinishStop  FinishReason = "stop"
	FinishError FinishReason = "error"
)

// Chunk is one increment of model output. A chunk with a FinishReason
// other than FinishNone is the last one a stream yields; Err carries
// the upstream explanation when FinishReason is FinishError.
type Chunk struct {
	Delta        string
	FinishReason FinishReason
	Err          string
}

// Final reports whether c terminates its stream.
func (c Chunk) Final() bool { return c.FinishReason != FinishNone }

// Stream is an in-flight completion. Recv blocks until the next chunk
// is available and returns io.EOF once the stream is exhausted. When
// the call's context is cancelled, Recv returns the context's error
// promptly. Close releases the upstream connection and may be called
// at any time, more than once.
type Stream interface {
	Recv() (Chunk, error)
	Close() error
}

// Provider starts completions against one backend. A failed Result
// carries result.ProviderError and no stream.
type Provider interface {
	Name() string
	Call(ctx context.Context, req Request) result.Result[Stream]
}
