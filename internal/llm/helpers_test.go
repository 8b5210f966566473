package llm

import (
	"errors"
	"io"
	"testing"
)

// drain reads s to the end and returns the concatenated deltas and the
// terminal chunk, if any.
func drain(t *testing.T, s Stream) (string, Chunk, error) {
	t.Helper()
	defer s.Close()
	var text string
	var last Chunk
	for {
		c, err := s.Recv()
		if errors.Is(err, io.EOF) {
			return text, last, nil
		}
		if err != nil {
			return text, last, err
		}
		text += c.Delta
		if c.Final() {
			last = c
		}
	}
}
