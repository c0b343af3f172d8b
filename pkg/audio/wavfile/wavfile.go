// Package wavfile implements an audio.Source backed by a RIFF/WAVE file.
//
// The file's PCM payload is played back at capture pace, chunked the way a
// live microphone wrapper delivers audio. Meant for desktop development and
// replay debugging where no capture device is available.
//
// Only uncompressed 16-bit little-endian PCM files are supported. The file's
// sample rate must match the rate a recognizer requests; channel count may
// differ, extra channels are down-mixed.
package wavfile

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/MrWong99/echolens/pkg/audio"
)

// ErrNotWAV is returned by New when the file is not a RIFF/WAVE container.
var ErrNotWAV = errors.New("wavfile: not a RIFF/WAVE file")

// ErrUnsupportedEncoding is returned by New when the file holds anything
// other than uncompressed 16-bit PCM.
var ErrUnsupportedEncoding = errors.New("wavfile: unsupported encoding, want 16-bit PCM")

const defaultChunkDuration = 100 * time.Millisecond

// Option configures a Source.
type Option func(*Source)

// WithLoop makes playback restart from the beginning when the file ends,
// so a stream never runs dry. Default: the stream ends with the file.
func WithLoop() Option {
	return func(s *Source) { s.loop = true }
}

// WithChunkDuration sets the playback chunk size. Default: 100ms.
func WithChunkDuration(d time.Duration) Option {
	return func(s *Source) {
		if d > 0 {
			s.chunkDur = d
		}
	}
}

// Source plays a WAV file's PCM payload as a capture stream.
type Source struct {
	pcm      []byte
	format   audio.Format
	loop     bool
	chunkDur time.Duration
}

// New reads and validates the WAV file at path. The whole payload is held in
// memory; capture recordings are short.
func New(path string, opts ...Option) (*Source, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("wavfile: read %s: %w", path, err)
	}
	pcm, format, err := parse(raw)
	if err != nil {
		return nil, fmt.Errorf("wavfile: parse %s: %w", path, err)
	}

	s := &Source{
		pcm:      pcm,
		format:   format,
		chunkDur: defaultChunkDuration,
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Format returns the file's native PCM format.
func (s *Source) Format() audio.Format { return s.format }

// Open starts a playback stream in the requested format. The file's sample
// rate must match; multi-channel payloads are down-mixed when mono is
// requested.
func (s *Source) Open(ctx context.Context, format audio.Format) (audio.Stream, error) {
	if format.SampleRate != s.format.SampleRate {
		return nil, fmt.Errorf("wavfile: sample rate mismatch: file %s, requested %s", s.format, format)
	}

	pcm := s.pcm
	channels := s.format.Channels
	if format.Channels == 1 && channels > 1 {
		pcm = audio.DownmixToMono(pcm, channels)
		channels = 1
	} else if format.Channels != channels {
		return nil, fmt.Errorf("wavfile: channel mismatch: file %s, requested %s", s.format, format)
	}

	chunkBytes := int(s.chunkDur.Milliseconds()) * format.SampleRate * channels * 2 / 1000
	if chunkBytes <= 0 {
		chunkBytes = len(pcm)
	}

	st := &stream{
		chunks: make(chan []byte),
		done:   make(chan struct{}),
	}
	go st.play(ctx, pcm, chunkBytes, s.chunkDur, s.loop)
	return st, nil
}

type stream struct {
	chunks chan []byte

	done     chan struct{}
	stopOnce sync.Once
}

func (s *stream) Chunks() <-chan []byte { return s.chunks }

func (s *stream) Close() error {
	s.stopOnce.Do(func() { close(s.done) })
	return nil
}

// play paces chunk delivery with a ticker so consumers see real-time capture
// behaviour instead of the whole file at once.
func (s *stream) play(ctx context.Context, pcm []byte, chunkBytes int, chunkDur time.Duration, loop bool) {
	defer close(s.chunks)

	ticker := time.NewTicker(chunkDur)
	defer ticker.Stop()

	offset := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
		}

		if offset >= len(pcm) {
			if !loop {
				return
			}
			offset = 0
		}

		end := min(offset+chunkBytes, len(pcm))
		chunk := pcm[offset:end]
		offset = end

		select {
		case s.chunks <- chunk:
		case <-ctx.Done():
			return
		case <-s.done:
			return
		}
	}
}

// parse extracts the PCM payload and format from a RIFF/WAVE container. Only
// the "fmt " and "data" chunks are interpreted; anything else is skipped.
func parse(raw []byte) ([]byte, audio.Format, error) {
	if len(raw) < 12 || string(raw[0:4]) != "RIFF" || string(raw[8:12]) != "WAVE" {
		return nil, audio.Format{}, ErrNotWAV
	}

	var (
		format  audio.Format
		haveFmt bool
		data    []byte
	)

	pos := 12
	for pos+8 <= len(raw) {
		id := string(raw[pos : pos+4])
		size := int(binary.LittleEndian.Uint32(raw[pos+4 : pos+8]))
		body := raw[pos+8:]
		if size > len(body) {
			size = len(body)
		}
		body = body[:size]

		switch id {
		case "fmt ":
			if len(body) < 16 {
				return nil, audio.Format{}, ErrNotWAV
			}
			audioFormat := binary.LittleEndian.Uint16(body[0:2])
			bitsPerSample := binary.LittleEndian.Uint16(body[14:16])
			if audioFormat != 1 || bitsPerSample != 16 {
				return nil, audio.Format{}, ErrUnsupportedEncoding
			}
			format = audio.Format{
				SampleRate: int(binary.LittleEndian.Uint32(body[4:8])),
				Channels:   int(binary.LittleEndian.Uint16(body[2:4])),
			}
			haveFmt = true
		case "data":
			data = body
		}

		// Chunks are word-aligned.
		pos += 8 + size + size%2
	}

	if !haveFmt || data == nil {
		return nil, audio.Format{}, ErrNotWAV
	}
	return data, format, nil
}

var (
	_ audio.Source = (*Source)(nil)
	_ audio.Stream = (*stream)(nil)
)
