package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/nugget/chatrelay/internal/llm"
	"github.com/nugget/chatrelay/internal/result"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// Started by an init in the Gemini SDK's dependencies.
		goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"),
	)
}

// syncRecorder is a ResponseWriter that can be read while the
// keepalive goroutine is writing.
type syncRecorder struct {
	mu      sync.Mutex
	header  http.Header
	body    bytes.Buffer
	flushes int
	failAt  int // fail the Nth write when > 0
	writes  int
}

func newSyncRecorder() *syncRecorder {
	return &syncRecorder{header: make(http.Header)}
}

func (r *syncRecorder) Header() http.Header { return r.header }
func (r *syncRecorder) WriteHeader(int)     {}

func (r *syncRecorder) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writes++
	if r.failAt > 0 && r.writes >= r.failAt {
		return 0, errors.New("broken pipe")
	}
	return r.body.Write(p)
}

func (r *syncRecorder) Flush() {
	r.mu.Lock()
	r.flushes++
	r.mu.Unlock()
}

func (r *syncRecorder) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.body.String()
}

func newWriter(t *testing.T, w http.ResponseWriter) *Writer {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/completions/stream", nil)
	return New(w, req, Options{ID: "chatcmpl-test", Model: "mock"})
}

// frames splits an event-stream body into its data payloads.
func frames(body string) []string {
	var out []string
	for _, block := range strings.Split(body, "\n\n") {
		if data, ok := strings.CutPrefix(block, "data: "); ok {
			out = append(out, data)
		}
	}
	return out
}

func TestSetupHeaders_Once(t *testing.T) {
	rec := httptest.NewRecorder()
	s := newWriter(t, rec)

	if err := s.SetupHeaders(); err != nil {
		t.Fatalf("SetupHeaders: %v", err)
	}
	if err := s.SetupHeaders(); err != nil {
		t.Fatalf("second SetupHeaders: %v", err)
	}

	for k, want := range map[string]string{
		"Content-Type":      "text/event-stream",
		"Cache-Control":     "no-cache",
		"Connection":        "keep-alive",
		"X-Accel-Buffering": "no",
	} {
		if got := rec.Header().Get(k); got != want {
			t.Errorf("%s = %q, want %q", k, got, want)
		}
	}
	if got := rec.Body.String(); got != ":\n\n" {
		t.Errorf("body = %q, want a single priming comment", got)
	}
	if !rec.Flushed {
		t.Error("priming write was not flushed")
	}
}

func TestWriteChunk_Framing(t *testing.T) {
	rec := httptest.NewRecorder()
	s := newWriter(t, rec)
	if err := s.SetupHeaders(); err != nil {
		t.Fatal(err)
	}

	if err := s.WriteChunk("Hello ", llm.FinishNone); err != nil {
		t.Fatalf("WriteChunk: %v", err)
	}
	if err := s.WriteChunk("", llm.FinishStop); err != nil {
		t.Fatalf("WriteChunk final: %v", err)
	}
	if err := s.End(); err != nil {
		t.Fatalf("End: %v", err)
	}

	got := frames(rec.Body.String())
	if len(got) != 3 {
		t.Fatalf("got %d frames, want 3: %q", len(got), got)
	}

	var first Chunk
	if err := json.Unmarshal([]byte(got[0]), &first); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if first.Choices[0].Delta.Content != "Hello " {
		t.Errorf("content = %q", first.Choices[0].Delta.Content)
	}
	if first.Choices[0].FinishReason != nil {
		t.Errorf("finish_reason = %q, want null", *first.Choices[0].FinishReason)
	}
	if !strings.Contains(got[0], `"finish_reason":null`) {
		t.Errorf("frame %q does not carry an explicit null finish_reason", got[0])
	}
	if first.Model != "mock" || first.Object != "chat.completion.chunk" {
		t.Errorf("chunk metadata = %+v", first)
	}

	var last Chunk
	if err := json.Unmarshal([]byte(got[1]), &last); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if last.Choices[0].FinishReason == nil || *last.Choices[0].FinishReason != "stop" {
		t.Errorf("final finish_reason = %v, want stop", last.Choices[0].FinishReason)
	}
	if got[2] != DoneSentinel {
		t.Errorf("last frame = %q, want %q", got[2], DoneSentinel)
	}
}

func TestWriteError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode result.Code
		wantMsg  string
	}{
		{
			name:     "coded",
			err:      result.Errorf(result.NotFound, "Nothing remembered under %q", "x"),
			wantCode: result.NotFound,
			wantMsg:  `Nothing remembered under "x"`,
		},
		{
			name:     "plain error hidden",
			err:      errors.New("database is locked"),
			wantCode: result.InternalError,
			wantMsg:  "internal error",
		},
		{
			name:     "internal error hidden",
			err:      result.Errorf(result.InternalError, "sql: %s", "boom"),
			wantCode: result.InternalError,
			wantMsg:  "internal error",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			s := newWriter(t, rec)
			if err := s.SetupHeaders(); err != nil {
				t.Fatal(err)
			}
			if err := s.WriteError(tt.err); err != nil {
				t.Fatalf("WriteError: %v", err)
			}

			got := frames(rec.Body.String())
			if len(got) != 1 {
				t.Fatalf("frames = %q", got)
			}
			var ev ErrorEvent
			if err := json.Unmarshal([]byte(got[0]), &ev); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if ev.Error.Code != tt.wantCode || ev.Error.Message != tt.wantMsg || !ev.Done {
				t.Errorf("event = %+v", ev)
			}
		})
	}
}

func TestEnd_Idempotent(t *testing.T) {
	rec := httptest.NewRecorder()
	s := newWriter(t, rec)
	if err := s.SetupHeaders(); err != nil {
		t.Fatal(err)
	}

	for range 3 {
		if err := s.End(); err != nil {
			t.Fatalf("End: %v", err)
		}
	}
	if n := strings.Count(rec.Body.String(), "data: [DONE]"); n != 1 {
		t.Errorf("sentinel written %d times, want 1", n)
	}

	err := s.WriteChunk("late", llm.FinishNone)
	if result.CodeOf(err) != result.WriteFailed {
		t.Errorf("WriteChunk after End = %v, want WriteFailed", err)
	}
}

func TestWriteBeforeSetup(t *testing.T) {
	s := newWriter(t, httptest.NewRecorder())
	err := s.WriteChunk("x", llm.FinishNone)
	if result.CodeOf(err) != result.WriteFailed {
		t.Errorf("err = %v, want WriteFailed", err)
	}
}

func TestWriteFailure_MarksBroken(t *testing.T) {
	rec := newSyncRecorder()
	rec.failAt = 2 // priming succeeds, first chunk fails
	s := newWriter(t, rec)

	if err := s.SetupHeaders(); err != nil {
		t.Fatal(err)
	}
	err := s.WriteChunk("Hello ", llm.FinishNone)
	if result.CodeOf(err) != result.WriteFailed {
		t.Fatalf("err = %v, want WriteFailed", err)
	}
	if !s.Broken() {
		t.Error("relay not marked broken")
	}

	// Later writes fail fast without touching the transport.
	writes := rec.writes
	if err := s.WriteChunk("there", llm.FinishNone); result.CodeOf(err) != result.WriteFailed {
		t.Errorf("second write = %v", err)
	}
	if err := s.End(); err != nil {
		t.Errorf("End on broken relay: %v", err)
	}
	if rec.writes != writes {
		t.Errorf("transport written %d more times after failure", rec.writes-writes)
	}
}

func TestClientGone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodPost, "/", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	s := New(rec, req, Options{})

	if err := s.SetupHeaders(); err != nil {
		t.Fatal(err)
	}
	cancel()

	err := s.WriteChunk("x", llm.FinishNone)
	if result.CodeOf(err) != result.WriteFailed {
		t.Fatalf("err = %v, want WriteFailed", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want wrapped context.Canceled", err)
	}
	if err := s.End(); err != nil {
		t.Errorf("End: %v", err)
	}
	if strings.Contains(rec.Body.String(), DoneSentinel) {
		t.Error("sentinel written to a departed client")
	}
}

func TestKeepAlive_StopsBeforeEnd(t *testing.T) {
	rec := newSyncRecorder()
	s := newWriter(t, rec)
	if err := s.SetupHeaders(); err != nil {
		t.Fatal(err)
	}

	s.StartKeepAlive(5 * time.Millisecond)
	deadline := time.Now().Add(2 * time.Second)
	for !strings.Contains(rec.String(), ": keepalive\n\n") {
		if time.Now().After(deadline) {
			t.Fatal("no keepalive written")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := s.End(); err != nil {
		t.Fatalf("End: %v", err)
	}
	body := rec.String()
	if !strings.HasSuffix(body, "data: [DONE]\n\n") {
		t.Errorf("body does not end with the sentinel: %q", body)
	}

	time.Sleep(20 * time.Millisecond)
	if rec.String() != body {
		t.Error("keepalive written after End")
	}
}
