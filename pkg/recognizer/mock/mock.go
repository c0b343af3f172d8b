// Package mock provides test doubles for the recognizer package interfaces.
//
// Use Recognizer to verify that the caller starts sessions with the expected
// Config. Use Session to feed controlled Events and to observe Stop calls.
//
// Example:
//
//	sess := mock.NewSession()
//	rec := &mock.Recognizer{Session: sess}
//	s, _ := rec.Start(ctx, cfg)
//	sess.Emit(recognizer.Event{Kind: recognizer.EventFinal, Text: "hello"})
//	sess.End()
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/echolens/pkg/recognizer"
)

// StartCall records a single invocation of Recognizer.Start.
type StartCall struct {
	// Ctx is the context passed to Start.
	Ctx context.Context
	// Cfg is the Config passed to Start.
	Cfg recognizer.Config
}

// Recognizer is a mock implementation of recognizer.Recognizer.
type Recognizer struct {
	mu sync.Mutex

	// Sessions is a queue of sessions returned by successive Start calls.
	// When exhausted (or nil), Start falls back to Session.
	Sessions []recognizer.Session

	// Session is returned by Start. If nil, Start returns a fresh NewSession().
	Session recognizer.Session

	// StartErr, if non-nil, is returned as the error from Start. It is
	// consumed once when StartErrOnce is set, allowing transient-failure tests.
	StartErr error

	// StartErrOnce makes StartErr apply to the next Start call only.
	StartErrOnce bool

	// StartCalls records every call to Start.
	StartCalls []StartCall

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// Start records the call and returns Session, StartErr.
func (r *Recognizer) Start(ctx context.Context, cfg recognizer.Config) (recognizer.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.StartCalls = append(r.StartCalls, StartCall{Ctx: ctx, Cfg: cfg})
	if r.StartErr != nil {
		err := r.StartErr
		if r.StartErrOnce {
			r.StartErr = nil
		}
		return nil, err
	}
	if len(r.Sessions) > 0 {
		sess := r.Sessions[0]
		r.Sessions = r.Sessions[1:]
		return sess, nil
	}
	if r.Session != nil {
		return r.Session, nil
	}
	return NewSession(), nil
}

// Close records the call and returns nil.
func (r *Recognizer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.CloseCallCount++
	return nil
}

// StartCallCount returns the number of Start calls. Thread-safe.
func (r *Recognizer) StartCallCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.StartCalls)
}

// CloseCount returns the number of Close calls. Thread-safe.
func (r *Recognizer) CloseCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.CloseCallCount
}

// Ensure Recognizer implements recognizer.Recognizer at compile time.
var _ recognizer.Recognizer = (*Recognizer)(nil)

// Session is a scripted mock implementation of recognizer.Session. Tests feed
// events with Emit and end the session with End; the consumer sees a normal
// event stream.
type Session struct {
	mu sync.Mutex

	events chan recognizer.Event
	ended  bool

	// StopErr, if non-nil, is returned by Stop.
	StopErr error

	// StopCallCount is the number of times Stop was called.
	StopCallCount int

	// EndOnStop makes Stop end the session immediately, the way most real
	// backends behave when there is nothing left to flush.
	EndOnStop bool
}

// NewSession creates a Session with a buffered event channel, ready to Emit.
func NewSession() *Session {
	return &Session{events: make(chan recognizer.Event, 32), EndOnStop: true}
}

// Events returns the scripted event channel.
func (s *Session) Events() <-chan recognizer.Event { return s.events }

// Stop records the call. When EndOnStop is set the session ends.
func (s *Session) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.StopCallCount++
	if s.EndOnStop && !s.ended {
		s.ended = true
		close(s.events)
	}
	return s.StopErr
}

// Emit queues an event for the consumer. Emitting on an ended session panics,
// mirroring a send on a closed channel — fix the test script instead.
func (s *Session) Emit(ev recognizer.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events <- ev
}

// End closes the event stream, ending the session. Safe to call repeatedly.
func (s *Session) End() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ended {
		s.ended = true
		close(s.events)
	}
}

// StopCount returns the number of Stop calls. Thread-safe.
func (s *Session) StopCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.StopCallCount
}

// Ensure Session implements recognizer.Session at compile time.
var _ recognizer.Session = (*Session)(nil)
