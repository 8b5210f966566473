package llm

import (
	"bufio"
	"context"
	"errors"
	"io"
	"sync"

	"github.com/nugget/chatrelay/internal/result"
)

// errStreamDone is returned by a line decoder when the upstream sent
// its own end-of-stream sentinel.
var errStreamDone = errors.New("stream done")

// lineDecoder turns one upstream line into a chunk. ok is false for
// lines that carry nothing to emit (comments, keepalives, metadata).
type lineDecoder func(line []byte) (c Chunk, ok bool, err error)

// lineStream reads a line-oriented HTTP body (SSE or NDJSON) and
// yields decoded chunks in arrival order.
type lineStream struct {
	ctx     context.Context
	body    io.ReadCloser
	scanner *bufio.Scanner
	decode  lineDecoder
	done    bool
	once    sync.Once
}

func newLineStream(ctx context.Context, body io.ReadCloser, decode lineDecoder) *lineStream {
	scanner := bufio.NewScanner(body)
	// Single frames can carry large deltas.
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &lineStream{ctx: ctx, body: body, scanner: scanner, decode: decode}
}

func (s *lineStream) Recv() (Chunk, error) {
	if s.done {
		return Chunk{}, io.EOF
	}
	for {
		if err := s.ctx.Err(); err != nil {
			s.finish()
			return Chunk{}, err
		}
		if !s.scanner.Scan() {
			s.finish()
			if err := s.ctx.Err(); err != nil {
				return Chunk{}, err
			}
			if err := s.scanner.Err(); err != nil {
				return Chunk{}, result.Errorf(result.ProviderError, "read stream: %w", err)
			}
			return Chunk{}, io.EOF
		}

		c, ok, err := s.decode(s.scanner.Bytes())
		if errors.Is(err, errStreamDone) {
			s.finish()
			return Chunk{}, io.EOF
		}
		if err != nil {
			s.finish()
			return Chunk{}, err
		}
		if !ok {
			continue
		}
		if c.Final() {
			s.finish()
		}
		return c, nil
	}
}

func (s *lineStream) finish() {
	s.done = true
	s.Close()
}

func (s *lineStream) Close() error {
	s.once.Do(func() { s.body.Close() })
	return nil
}

// sseData extracts the payload of an SSE "data:" line. Other SSE
// fields and comments report ok=false.
func sseData(line []byte) (data []byte, ok bool) {
	const prefix = "data:"
	if len(line) < len(prefix) || string(line[:len(prefix)]) != prefix {
		return nil, false
	}
	data = line[len(prefix):]
	if len(data) > 0 && data[0] == ' ' {
		data = data[1:]
	}
	return data, true
}

// recvError classifies an error from an SDK stream: cancellation stays
// as is, anything else is a provider failure.
func recvError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return result.Errorf(result.ProviderError, "read stream: %w", err)
}

// successStatus reports whether an upstream answered with a 2xx status.
func successStatus(code int) bool {
	return code >= 200 && code < 300
}
