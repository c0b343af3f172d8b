package recognizer

import (
	"errors"
	"fmt"
)

// EventKind identifies the type of a session Event.
type EventKind int

const (
	// EventReady signals the backend is capturing and ready for speech.
	EventReady EventKind = iota

	// EventBeginOfSpeech signals the backend detected the start of an utterance.
	EventBeginOfSpeech

	// EventEndOfSpeech signals the backend detected the end of an utterance.
	EventEndOfSpeech

	// EventPartial carries a low-latency interim transcript. Partial text is
	// preliminary and may be revised by a later partial or final.
	EventPartial

	// EventFinal carries an authoritative transcript for an utterance.
	EventFinal

	// EventFault carries a session error. The session usually ends shortly
	// after a fault; the Events channel close is the authoritative signal.
	EventFault
)

// String returns the human-readable name of the event kind.
func (k EventKind) String() string {
	switch k {
	case EventReady:
		return "ready"
	case EventBeginOfSpeech:
		return "begin-of-speech"
	case EventEndOfSpeech:
		return "end-of-speech"
	case EventPartial:
		return "partial"
	case EventFinal:
		return "final"
	case EventFault:
		return "fault"
	default:
		return "unknown"
	}
}

// Event is a single item in a session's event stream.
type Event struct {
	Kind EventKind

	// Text is the transcript content for EventPartial and EventFinal.
	Text string

	// Confidence is the backend's confidence score (0.0–1.0) for transcript
	// events. Zero when the backend does not report confidence.
	Confidence float64

	// Code is the fault code for EventFault.
	Code ErrorCode
}

// ErrorCode enumerates the faults a recognizer backend can report. The set
// mirrors the fault surface of platform speech recognizers so that any
// backend can be mapped onto it.
type ErrorCode int

const (
	ErrCodeUnknown ErrorCode = iota

	// ErrCodeAudio is an audio capture or encoding fault.
	ErrCodeAudio

	// ErrCodeClient is a client-side usage fault (e.g. start on a closed handle).
	ErrCodeClient

	// ErrCodeNetwork is a network fault reaching the backend.
	ErrCodeNetwork

	// ErrCodeNetworkTimeout is a network operation that timed out.
	ErrCodeNetworkTimeout

	// ErrCodePermissions means audio capture permission is missing.
	ErrCodePermissions

	// ErrCodeBusy means the handle is already serving another session.
	ErrCodeBusy

	// ErrCodeServer is a backend-side processing fault.
	ErrCodeServer

	// ErrCodeSpeechTimeout means no speech arrived within the backend's window.
	ErrCodeSpeechTimeout

	// ErrCodeNoMatch means speech was captured but nothing was recognised.
	ErrCodeNoMatch
)

// String returns the human-readable name of the error code.
func (c ErrorCode) String() string {
	switch c {
	case ErrCodeAudio:
		return "audio"
	case ErrCodeClient:
		return "client"
	case ErrCodeNetwork:
		return "network"
	case ErrCodeNetworkTimeout:
		return "network-timeout"
	case ErrCodePermissions:
		return "permissions"
	case ErrCodeBusy:
		return "busy"
	case ErrCodeServer:
		return "server"
	case ErrCodeSpeechTimeout:
		return "speech-timeout"
	case ErrCodeNoMatch:
		return "no-match"
	default:
		return "unknown"
	}
}

// ErrClosed is returned by Start after the recognizer handle has been released.
var ErrClosed = errors.New("recognizer: handle is closed")

// codedError wraps an error with an ErrorCode so callers can classify it.
type codedError struct {
	code ErrorCode
	err  error
}

func (e *codedError) Error() string {
	return fmt.Sprintf("%s (%s)", e.err.Error(), e.code)
}

func (e *codedError) Unwrap() error { return e.err }

// WithCode annotates err with an ErrorCode retrievable via Code.
// Returns nil if err is nil.
func WithCode(code ErrorCode, err error) error {
	if err == nil {
		return nil
	}
	return &codedError{code: code, err: err}
}

// Code extracts the ErrorCode from an error produced by a recognizer.
// Errors without an annotation report ErrCodeUnknown.
func Code(err error) ErrorCode {
	var ce *codedError
	if errors.As(err, &ce) {
		return ce.code
	}
	return ErrCodeUnknown
}
