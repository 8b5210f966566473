package conversation

import (
	"context"
	"database/sql"
	"io"
	"strings"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nugget/chatrelay/internal/chats"
	"github.com/nugget/chatrelay/internal/llm"
	"github.com/nugget/chatrelay/internal/memory"
	"github.com/nugget/chatrelay/internal/result"
)

const testOwner = "alice"

// fixture wires an orchestrator to in-memory stores and a mock backend.
type fixture struct {
	orch   *Orchestrator
	mock   *llm.Mock
	facade *memory.Facade
	chats  *chats.Store
}

func newFixture(t *testing.T, provider llm.Provider, opts Options) *fixture {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	mem, err := memory.NewSQLiteStoreWithDB(db)
	if err != nil {
		t.Fatalf("memory store: %v", err)
	}
	cs, err := chats.NewStoreWithDB(db)
	if err != nil {
		t.Fatalf("chat store: %v", err)
	}

	f := &fixture{
		facade: memory.NewFacade(mem, mem, nil),
		chats:  cs,
	}
	if provider == nil {
		f.mock = llm.NewMock(0)
		provider = f.mock
	}
	if opts.Owner == "" {
		opts.Owner = testOwner
	}
	f.orch = NewOrchestrator(nil, f.facade, NewBuilder(f.facade, nil), provider, opts)
	f.orch.SetTranscripts(cs)
	return f
}

func (f *fixture) newChat(t *testing.T) string {
	t.Helper()
	id, err := f.chats.CreateChat(context.Background(), testOwner, time.Now())
	if err != nil {
		t.Fatalf("CreateChat: %v", err)
	}
	return id
}

func userRequest(text string) Request {
	return Request{Messages: []llm.Message{{Role: llm.RoleUser, Content: text}}}
}

type sinkEvent struct {
	kind   string // "chunk" or "error"
	delta  string
	finish llm.FinishReason
	code   result.Code
}

// recordingSink captures everything the orchestrator writes.
type recordingSink struct {
	setups int
	ends   int
	events []sinkEvent

	// failAfter makes the chunk write after that many successful
	// chunk writes fail, as a departed client would.
	failAfter int
	chunks    int

	// onChunk runs after each successful chunk write.
	onChunk func(n int)
}

func (s *recordingSink) SetupHeaders() error {
	s.setups++
	return nil
}

func (s *recordingSink) WriteChunk(delta string, finish llm.FinishReason) error {
	if s.ends > 0 {
		return result.Errorf(result.WriteFailed, "stream already ended")
	}
	if s.failAfter > 0 && s.chunks >= s.failAfter {
		return result.Errorf(result.WriteFailed, "client connection lost")
	}
	s.chunks++
	s.events = append(s.events, sinkEvent{kind: "chunk", delta: delta, finish: finish})
	if s.onChunk != nil {
		s.onChunk(s.chunks)
	}
	return nil
}

func (s *recordingSink) WriteError(err error) error {
	s.events = append(s.events, sinkEvent{kind: "error", code: result.CodeOf(err)})
	return nil
}

func (s *recordingSink) End() error {
	s.ends++
	return nil
}

// text concatenates the deltas of every chunk written.
func (s *recordingSink) text() string {
	var b strings.Builder
	for _, e := range s.events {
		if e.kind == "chunk" {
			b.WriteString(e.delta)
		}
	}
	return b.String()
}

func (s *recordingSink) errors() []result.Code {
	var codes []result.Code
	for _, e := range s.events {
		if e.kind == "error" {
			codes = append(codes, e.code)
		}
	}
	return codes
}

// scriptedProvider replays a fixed list of chunks and records the
// request it was called with.
type scriptedProvider struct {
	chunks  []llm.Chunk
	recvErr error
	got     llm.Request
	calls   int
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Call(_ context.Context, req llm.Request) result.Result[llm.Stream] {
	p.calls++
	p.got = req
	return result.Ok[llm.Stream](&scriptedStream{chunks: p.chunks, err: p.recvErr})
}

type scriptedStream struct {
	chunks []llm.Chunk
	err    error
	closed bool
}

func (s *scriptedStream) Recv() (llm.Chunk, error) {
	if len(s.chunks) == 0 {
		if s.err != nil {
			return llm.Chunk{}, s.err
		}
		return llm.Chunk{}, io.EOF
	}
	c := s.chunks[0]
	s.chunks = s.chunks[1:]
	return c, nil
}

func (s *scriptedStream) Close() error {
	s.closed = true
	return nil
}
