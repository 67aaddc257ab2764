// Package llm streams chat completions from generation backends.
package llm

import (
	"context"
	"errors"
	"io"
	"strings"

	"github.com/chadiek/chemtutor/internal/memory"
)

// Request is one generation call.
type Request struct {
	Model       string
	Messages    []memory.Message
	Temperature float64
	MaxTokens   int
}

// Stream yields text fragments in order. Next returns io.EOF after the last
// fragment; any other error is a mid-stream backend failure. Fragments may be
// empty. Close is safe to call at any point.
type Stream interface {
	Next() (string, error)
	Close() error
}

// Generator starts a fragment stream. An error here means the backend call
// could not be started at all.
type Generator interface {
	Stream(ctx context.Context, req Request) (Stream, error)
}

// Pinger is implemented by backends that can report reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// BackendError is a failure reported by the backend itself, as opposed to a
// transport failure.
type BackendError struct {
	Backend string
	Message string
}

func (e *BackendError) Error() string { return e.Backend + ": " + e.Message }

// Collect drains s into one string and closes it.
func Collect(s Stream) (string, error) {
	defer s.Close()
	var b strings.Builder
	for {
		frag, err := s.Next()
		if errors.Is(err, io.EOF) {
			return b.String(), nil
		}
		if err != nil {
			return b.String(), err
		}
		b.WriteString(frag)
	}
}

// SliceStream replays fixed fragments, optionally failing after them. Useful
// for offline runs and tests.
type SliceStream struct {
	Fragments []string
	Err       error
	i         int
}

func (s *SliceStream) Next() (string, error) {
	if s.i < len(s.Fragments) {
		s.i++
		return s.Fragments[s.i-1], nil
	}
	if s.Err != nil {
		return "", s.Err
	}
	return "", io.EOF
}

func (s *SliceStream) Close() error { return nil }
