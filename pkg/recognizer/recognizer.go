// Package recognizer defines the Recognizer interface for streaming speech
// recognition backends.
//
// A recognizer wraps a speech-to-text service (e.g., Deepgram, the OpenAI
// Whisper API, or a local whisper.cpp model) and exposes a uniform
// session-oriented interface. The central abstraction is Session: one
// start-to-stop listening cycle that emits a stream of Events — readiness and
// speech boundary markers, interim and final transcripts, and faults.
//
// Implementations must be safe for concurrent use. The Events channel is
// goroutine-safe by construction.
package recognizer

import "context"

// Config describes the recognition hints for a new listening session.
type Config struct {
	// Language is the BCP-47 language tag for recognition (e.g., "zh-CN",
	// "en-US"). An empty string lets the backend auto-detect, if supported.
	Language string

	// Model selects the language model within the backend (e.g., "nova-3",
	// "whisper-1"). Empty means the backend default, typically a free-form
	// dictation model.
	Model string

	// Partials requests low-latency interim transcript events. Backends that
	// cannot produce interim results ignore this and emit finals only.
	Partials bool
}

// Session represents one live listening cycle of a recognizer. Sessions are
// single-use: once the Events channel closes the session is over and a new
// one must be started.
//
// Callers must consume Events until it closes, otherwise backend goroutines
// may block. All methods are safe for concurrent use.
type Session interface {
	// Events returns a read-only channel carrying the session's event stream
	// in emission order. The channel is closed when the session ends —
	// after Stop, after a fault, or when the backend finishes on its own.
	Events() <-chan Event

	// Stop asks the backend to stop capturing and flush pending results.
	// Trailing EventFinal events may still arrive on Events before it closes.
	// Stop is idempotent; calling it on an ended session returns nil.
	Stop() error
}

// Recognizer is the abstraction over any speech recognition backend.
//
// The handle behind a Recognizer is a scarce resource (a microphone channel,
// a model context, a network connection pool). Callers own it and must call
// Close exactly once when the recognizer is no longer needed.
type Recognizer interface {
	// Start opens a new listening session with the given recognition
	// configuration. The returned Session is capturing immediately.
	//
	// Returns an error if the backend cannot start (e.g. authentication
	// failure, busy handle, or ctx already cancelled). Start errors should be
	// wrapped around an ErrorCode via Code so callers can classify them.
	Start(ctx context.Context, cfg Config) (Session, error)

	// Close releases the underlying handle. After Close, Start returns an
	// error. Calling Close more than once is safe and returns nil.
	Close() error
}
