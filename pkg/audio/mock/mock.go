// Package mock provides test doubles for the audio package interfaces.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/echolens/pkg/audio"
)

// Source is a mock implementation of audio.Source. Each Open returns a fresh
// Stream pre-loaded with the configured chunks.
type Source struct {
	mu sync.Mutex

	// ChunksPerStream is copied into every opened stream. Nil means streams
	// deliver nothing and stay open until closed.
	ChunksPerStream [][]byte

	// OpenErr, if non-nil, is returned by Open.
	OpenErr error

	// OpenCalls records the format of every Open call.
	OpenCalls []audio.Format

	// Streams records every stream handed out, in order.
	Streams []*Stream
}

// Open records the call and returns a new Stream loaded with ChunksPerStream.
func (s *Source) Open(_ context.Context, format audio.Format) (audio.Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.OpenCalls = append(s.OpenCalls, format)
	if s.OpenErr != nil {
		return nil, s.OpenErr
	}
	st := NewStream(s.ChunksPerStream...)
	s.Streams = append(s.Streams, st)
	return st, nil
}

// OpenCallCount returns the number of Open calls. Thread-safe.
func (s *Source) OpenCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.OpenCalls)
}

var _ audio.Source = (*Source)(nil)

// Stream is a mock implementation of audio.Stream backed by a buffered channel.
type Stream struct {
	mu     sync.Mutex
	chunks chan []byte
	closed bool

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// NewStream creates a Stream pre-loaded with the given chunks. The channel
// stays open so tests can Push more before calling Close.
func NewStream(chunks ...[]byte) *Stream {
	ch := make(chan []byte, len(chunks)+32)
	for _, c := range chunks {
		ch <- c
	}
	return &Stream{chunks: ch}
}

// Chunks returns the chunk channel.
func (s *Stream) Chunks() <-chan []byte { return s.chunks }

// Push queues another chunk. Pushing on a closed stream panics.
func (s *Stream) Push(chunk []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks <- chunk
}

// Close records the call and closes the chunk channel once.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	if !s.closed {
		s.closed = true
		close(s.chunks)
	}
	return nil
}

var _ audio.Stream = (*Stream)(nil)
