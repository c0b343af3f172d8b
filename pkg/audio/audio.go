// Package audio defines the PCM audio source abstraction that feeds backend
// speech recognizers, plus the format conversion helpers they share.
//
// A Source is the capture side of the pipeline (a microphone wrapper, a file
// player in development, a test double). Backend recognizers open a Stream per
// listening session and pump its chunks into their transcription service.
package audio

import (
	"context"
	"fmt"
)

// Format describes the sample rate and channel count of a PCM stream.
// Samples are 16-bit signed little-endian.
type Format struct {
	// SampleRate is the audio sample rate in Hz. Common values: 16000
	// (STT-optimised mono), 48000 (platform capture output).
	SampleRate int

	// Channels is the number of interleaved channels. 1 = mono.
	Channels int
}

// String returns a compact "rate/channels" description for logging.
func (f Format) String() string {
	return fmt.Sprintf("%dHz/%dch", f.SampleRate, f.Channels)
}

// Stream is an open capture stream delivering raw PCM chunks.
//
// Callers must call Close when the stream is no longer needed; failing to do
// so may leak capture goroutines or a native handle inside the Source.
type Stream interface {
	// Chunks returns a read-only channel of raw 16-bit little-endian PCM
	// chunks in capture order. The channel is closed when the stream ends.
	Chunks() <-chan []byte

	// Close stops capture and releases the stream. The Chunks channel is
	// closed afterwards. Calling Close more than once is safe and returns nil.
	Close() error
}

// Source produces capture streams. Implementations must be safe for
// concurrent use; at most one stream is typically open at a time, mirroring
// an exclusive microphone channel.
type Source interface {
	// Open starts capturing in the requested format. Implementations that
	// cannot capture natively in the requested format must convert.
	Open(ctx context.Context, format Format) (Stream, error)
}
