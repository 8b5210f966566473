// Package relay writes a completion to an HTTP client as server-sent
// events. Every write is checked; the first failed write marks the
// relay broken and is reported as result.WriteFailed so the caller can
// stop generating.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/nugget/chatrelay/internal/llm"
	"github.com/nugget/chatrelay/internal/result"
)

// DoneSentinel is the payload of the last event of every stream.
const DoneSentinel = "[DONE]"

// DefaultWriteTimeout bounds each write to the client.
const DefaultWriteTimeout = 120 * time.Second

// Chunk is the wire form of one streamed increment, a subset of the
// OpenAI chat.completion.chunk object.
type Chunk struct {
	ID      string   `json:"id,omitempty"`
	Object  string   `json:"object,omitempty"`
	Created int64    `json:"created,omitempty"`
	Model   string   `json:"model,omitempty"`
	Choices []Choice `json:"choices"`
}

// Choice is one entry of Chunk.Choices.
type Choice struct {
	Index        int     `json:"index"`
	Delta        Delta   `json:"delta"`
	FinishReason *string `json:"finish_reason"`
}

// Delta carries the text added by a chunk.
type Delta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content"`
}

// ErrorEvent is the wire form of a failed stream.
type ErrorEvent struct {
	Error ErrorBody `json:"error"`
	Done  bool      `json:"done"`
}

// ErrorBody describes the failure.
type ErrorBody struct {
	Code    result.Code `json:"code"`
	Message string      `json:"message"`
}

// Options configures a Writer.
type Options struct {
	// ID and Model label every chunk.
	ID    string
	Model string

	// WriteTimeout is re-armed before each write. Zero means
	// DefaultWriteTimeout.
	WriteTimeout time.Duration

	Logger *slog.Logger
}

// Writer frames events onto one HTTP response. It is safe for use by
// the streaming goroutine and its keepalive ticker concurrently.
type Writer struct {
	w       io.Writer
	rc      *http.ResponseController
	header  http.Header
	ctx     context.Context
	opts    Options
	created int64
	logger  *slog.Logger

	mu      sync.Mutex
	started bool
	broken  bool
	ended   bool

	stopKeepAlive chan struct{}
	keepAliveWG   sync.WaitGroup
}

// New creates a relay over the response to r. The request's context
// tells the relay when the client has gone away.
func New(w http.ResponseWriter, r *http.Request, opts Options) *Writer {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{
		w:       w,
		rc:      http.NewResponseController(w),
		header:  w.Header(),
		ctx:     r.Context(),
		opts:    opts,
		created: time.Now().Unix(),
		logger:  logger.With("component", "relay"),
	}
}

// SetupHeaders sends the event-stream headers and a priming comment.
// Only the first call writes anything.
func (s *Writer) SetupHeaders() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return s.state()
	}
	s.started = true

	s.header.Set("Content-Type", "text/event-stream")
	s.header.Set("Cache-Control", "no-cache")
	s.header.Set("Connection", "keep-alive")
	s.header.Set("X-Accel-Buffering", "no") // Disable nginx buffering

	return s.write(":\n\n")
}

// WriteChunk sends one delta. A finish reason other than FinishNone
// marks the chunk as the last content event.
func (s *Writer) WriteChunk(delta string, finish llm.FinishReason) error {
	chunk := Chunk{
		ID:      s.opts.ID,
		Object:  "chat.completion.chunk",
		Created: s.created,
		Model:   s.opts.Model,
		Choices: []Choice{{
			Delta: Delta{Content: delta},
		}},
	}
	if finish != llm.FinishNone {
		reason := string(finish)
		chunk.Choices[0].FinishReason = &reason
	}
	return s.writeEvent(chunk)
}

// WriteError sends a structured error event. Errors without a code are
// reported as internal errors with a generic message.
func (s *Writer) WriteError(err error) error {
	body := ErrorBody{Code: result.InternalError, Message: "internal error"}
	var coded *result.Error
	if errors.As(err, &coded) && coded.Code != result.InternalError {
		body = ErrorBody{Code: coded.Code, Message: coded.Message}
	}
	return s.writeEvent(ErrorEvent{Error: body, Done: true})
}

// KeepAlive sends an SSE comment so idle proxies keep the connection.
func (s *Writer) KeepAlive() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.state(); err != nil {
		return err
	}
	return s.write(": keepalive\n\n")
}

// StartKeepAlive sends a keepalive comment every interval until End.
func (s *Writer) StartKeepAlive(interval time.Duration) {
	if interval <= 0 {
		return
	}
	s.mu.Lock()
	if s.stopKeepAlive != nil || s.ended {
		s.mu.Unlock()
		return
	}
	s.stopKeepAlive = make(chan struct{})
	stop := s.stopKeepAlive
	s.mu.Unlock()

	s.keepAliveWG.Add(1)
	go func() {
		defer s.keepAliveWG.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-s.ctx.Done():
				return
			case <-t.C:
				if err := s.KeepAlive(); err != nil {
					return
				}
			}
		}
	}()
}

// End writes the termination sentinel. It stops the keepalive ticker
// first and is a no-op after the first call. A broken relay is ended
// without writing.
func (s *Writer) End() error {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return nil
	}
	s.ended = true
	stop := s.stopKeepAlive
	s.mu.Unlock()

	if stop != nil {
		close(stop)
		s.keepAliveWG.Wait()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.broken || !s.started {
		return nil
	}
	if err := s.write("data: " + DoneSentinel + "\n\n"); err != nil {
		return err
	}
	return nil
}

// Broken reports whether a write has failed or the client has gone.
func (s *Writer) Broken() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.broken || s.ctx.Err() != nil
}

func (s *Writer) writeEvent(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return result.Errorf(result.InternalError, "marshal event: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.state(); err != nil {
		return err
	}
	return s.write(fmt.Sprintf("data: %s\n\n", data))
}

// state reports why the relay cannot be written to. Callers hold mu.
func (s *Writer) state() error {
	switch {
	case s.broken:
		return result.Errorf(result.WriteFailed, "client connection lost")
	case s.ended:
		return result.Errorf(result.WriteFailed, "stream already ended")
	case !s.started:
		return result.Errorf(result.WriteFailed, "headers not sent")
	}
	if err := s.ctx.Err(); err != nil {
		s.broken = true
		return result.Errorf(result.WriteFailed, "client went away: %w", err)
	}
	return nil
}

// write sends raw bytes and flushes them. Callers hold mu.
func (s *Writer) write(frame string) error {
	if err := s.ctx.Err(); err != nil {
		s.broken = true
		return result.Errorf(result.WriteFailed, "client went away: %w", err)
	}
	if err := s.rc.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout)); err != nil && !errors.Is(err, http.ErrNotSupported) {
		s.logger.Debug("failed to reset write deadline", "error", err)
	}
	if _, err := io.WriteString(s.w, frame); err != nil {
		s.broken = true
		s.logger.Debug("write failed", "error", err)
		return result.Errorf(result.WriteFailed, "write: %w", err)
	}
	if err := s.rc.Flush(); err != nil {
		s.broken = true
		s.logger.Debug("flush failed", "error", err)
		return result.Errorf(result.WriteFailed, "flush: %w", err)
	}
	return nil
}
