package llm

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nugget/chatrelay/internal/result"
)

// MockWords is the fixed reply of the mock backend.
var MockWords = []string{"Hello ", "there ", "friend! "}

// MockReply is MockWords joined, the text a full mock stream carries.
const MockReply = "Hello there friend! "

// Mock is a deterministic in-process backend. It emits Words one at a
// time, pausing Delay before each, then a stop chunk.
type Mock struct {
	Words []string
	Delay time.Duration

	// FailWith makes Call fail with a provider error carrying this text.
	FailWith string

	calls atomic.Int64
}

// NewMock creates a mock backend with the standard reply.
func NewMock(delay time.Duration) *Mock {
	return &Mock{Words: MockWords, Delay: delay}
}

// Name implements Provider.
func (m *Mock) Name() string { return "mock" }

// Calls reports how many completions have been started.
func (m *Mock) Calls() int64 { return m.calls.Load() }

// Call implements Provider.
func (m *Mock) Call(ctx context.Context, req Request) result.Result[Stream] {
	m.calls.Add(1)
	if m.FailWith != "" {
		return result.Fail[Stream](result.ProviderError, "mock: %s", m.FailWith)
	}
	if err := ctx.Err(); err != nil {
		return result.FromError[Stream](err)
	}
	return result.Ok[Stream](&mockStream{ctx: ctx, words: m.Words, delay: m.Delay})
}

type mockStream struct {
	ctx   context.Context
	words []string
	delay time.Duration
	next  int
	done  bool

	mu     sync.Mutex
	closed bool
}

func (s *mockStream) Recv() (Chunk, error) {
	if s.done || s.isClosed() {
		return Chunk{}, io.EOF
	}
	if s.delay > 0 {
		t := time.NewTimer(s.delay)
		select {
		case <-s.ctx.Done():
			t.Stop()
			s.done = true
			return Chunk{}, s.ctx.Err()
		case <-t.C:
		}
	} else if err := s.ctx.Err(); err != nil {
		s.done = true
		return Chunk{}, err
	}

	if s.next < len(s.words) {
		w := s.words[s.next]
		s.next++
		return Chunk{Delta: w}, nil
	}
	s.done = true
	return Chunk{FinishReason: FinishStop}, nil
}

func (s *mockStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *mockStream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
