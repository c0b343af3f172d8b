// Package whisper provides an on-device recognizer backed by the whisper.cpp
// CGO bindings. The whisper.cpp static library (libwhisper.a) and headers
// (whisper.h) must be available at link time via LIBRARY_PATH and
// C_INCLUDE_PATH environment variables.
//
// whisper.cpp is a batch engine, so the session simulates streaming: incoming
// PCM is segmented by an energy-based silence detector and each completed
// utterance is inferred as a batch, emitting one final per utterance. This
// gives continuous finals within one listening session without network
// round-trips.
package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/MrWong99/echolens/pkg/audio"
	"github.com/MrWong99/echolens/pkg/recognizer"
)

const (
	// silenceRMS is the normalised root-mean-square energy level below which
	// a chunk counts as silence. 0.01 is roughly 300 in 16-bit PCM units,
	// near-silence for speech audio.
	silenceRMS = 0.01

	defaultLanguage         = "en"
	defaultSilenceThreshold = 500 * time.Millisecond
	defaultMaxBuffer        = 10 * time.Second
)

var defaultFormat = audio.Format{SampleRate: 16000, Channels: 1}

// Option is a functional option for configuring a Recognizer.
type Option func(*Recognizer)

// WithFormat sets the PCM format requested from the audio source.
// Default: 16 kHz mono, the rate whisper.cpp expects.
func WithFormat(f audio.Format) Option {
	return func(r *Recognizer) { r.format = f }
}

// WithSilenceThreshold sets the consecutive-silence duration that commits the
// buffered utterance to inference. Default: 500 ms.
func WithSilenceThreshold(d time.Duration) Option {
	return func(r *Recognizer) { r.silenceThreshold = d }
}

// WithMaxBuffer sets the maximum buffered audio duration before a forced
// flush, bounding memory during continuous speech. Default: 10 s.
func WithMaxBuffer(d time.Duration) Option {
	return func(r *Recognizer) { r.maxBuffer = d }
}

// Recognizer implements recognizer.Recognizer using the whisper.cpp Go
// bindings. The model is loaded once and shared; each session creates its own
// inference context. One session may be live at a time.
type Recognizer struct {
	model  whisperlib.Model
	format audio.Format
	source audio.Source

	silenceThreshold time.Duration
	maxBuffer        time.Duration

	mu     sync.Mutex
	active bool
	closed bool
}

// New creates a Recognizer loading the whisper.cpp model from modelPath.
// The caller must call Close when the recognizer is no longer needed.
func New(modelPath string, source audio.Source, opts ...Option) (*Recognizer, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: modelPath must not be empty")
	}
	if source == nil {
		return nil, errors.New("whisper: audio source must not be nil")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", modelPath, err)
	}

	r := &Recognizer{
		model:            model,
		format:           defaultFormat,
		source:           source,
		silenceThreshold: defaultSilenceThreshold,
		maxBuffer:        defaultMaxBuffer,
	}
	for _, o := range opts {
		o(r)
	}
	return r, nil
}

// Start opens a session that segments the audio stream and emits one final
// per detected utterance.
func (r *Recognizer) Start(ctx context.Context, cfg recognizer.Config) (recognizer.Session, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, recognizer.WithCode(recognizer.ErrCodeClient, recognizer.ErrClosed)
	}
	if r.active {
		r.mu.Unlock()
		return nil, recognizer.WithCode(recognizer.ErrCodeBusy,
			errors.New("whisper: a session is already running"))
	}
	r.active = true
	r.mu.Unlock()

	stream, err := r.source.Open(ctx, r.format)
	if err != nil {
		r.mu.Lock()
		r.active = false
		r.mu.Unlock()
		return nil, recognizer.WithCode(recognizer.ErrCodeAudio,
			fmt.Errorf("whisper: open audio: %w", err))
	}

	lang := cfg.Language
	if lang == "" {
		lang = defaultLanguage
	}

	sess := &session{
		stream:           stream,
		format:           r.format,
		language:         lang,
		silenceThreshold: r.silenceThreshold,
		maxBuffer:        r.maxBuffer,
		infer:            func(pcm []byte) (string, error) { return r.infer(pcm, lang) },
		events:           make(chan recognizer.Event, 64),
		done:             make(chan struct{}),
		onEnd: func() {
			r.mu.Lock()
			r.active = false
			r.mu.Unlock()
		},
	}
	sess.events <- recognizer.Event{Kind: recognizer.EventReady}

	go sess.processLoop(ctx)
	return sess, nil
}

// Close releases the whisper model. Safe to call repeatedly.
func (r *Recognizer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	if r.model != nil {
		return r.model.Close()
	}
	return nil
}

// infer converts PCM to float32 mono, runs whisper.cpp inference on a fresh
// context, and returns the concatenated segment text. Contexts are not
// thread-safe; the shared model is.
func (r *Recognizer) infer(pcm []byte, language string) (string, error) {
	samples := audio.PCMToFloat32Mono(pcm, r.format.Channels)

	wctx, err := r.model.NewContext()
	if err != nil {
		return "", fmt.Errorf("whisper: create context: %w", err)
	}
	if err := wctx.SetLanguage(language); err != nil {
		slog.Warn("whisper: failed to set language, using default",
			"language", language, "err", err)
	}

	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return "", fmt.Errorf("whisper: process audio: %w", err)
	}

	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("whisper: read segment: %w", err)
		}
		if text := strings.TrimSpace(segment.Text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " "), nil
}

// ---- session ----

// session segments the audio stream into utterances. All mutable buffer state
// is confined to the processLoop goroutine.
type session struct {
	stream           audio.Stream
	format           audio.Format
	language         string
	silenceThreshold time.Duration
	maxBuffer        time.Duration
	infer            func(pcm []byte) (string, error)

	events chan recognizer.Event
	done   chan struct{}
	once   sync.Once
	onEnd  func()
}

// Events returns the session event channel. Closed after the final flush.
func (s *session) Events() <-chan recognizer.Event { return s.events }

// Stop ends the session. A buffered utterance is flushed first, so its final
// still arrives on Events before the channel closes. Safe to call repeatedly.
func (s *session) Stop() error {
	s.once.Do(func() {
		close(s.done)
		_ = s.stream.Close()
	})
	return nil
}

// processLoop drives silence detection, buffering, and inference dispatch.
func (s *session) processLoop(ctx context.Context) {
	defer func() {
		close(s.events)
		s.onEnd()
	}()

	var (
		buffer    []byte
		hadSpeech bool
		silence   time.Duration
	)

	maxBufferBytes := int(s.maxBuffer.Milliseconds()) *
		s.format.SampleRate * s.format.Channels * 2 / 1000

	flush := func() {
		if len(buffer) == 0 || !hadSpeech {
			buffer = nil
			hadSpeech = false
			silence = 0
			return
		}
		pcm := buffer
		buffer = nil
		hadSpeech = false
		silence = 0

		s.emit(recognizer.Event{Kind: recognizer.EventEndOfSpeech})
		text, err := s.infer(pcm)
		if err != nil {
			slog.Error("whisper: inference failed", "err", err)
			s.emit(recognizer.Event{Kind: recognizer.EventFault, Code: recognizer.ErrCodeServer})
			return
		}
		if text == "" {
			return
		}
		s.emit(recognizer.Event{Kind: recognizer.EventFinal, Text: text})
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case <-s.done:
			flush()
			return
		case chunk, ok := <-s.stream.Chunks():
			if !ok {
				flush()
				return
			}

			rms := audio.RMS(chunk)
			chunkDur := time.Duration(audio.ChunkDurationMS(chunk, s.format)) * time.Millisecond

			if rms < silenceRMS {
				// Leading silence before any speech is discarded.
				if hadSpeech {
					silence += chunkDur
					buffer = append(buffer, chunk...)
					if silence >= s.silenceThreshold {
						flush()
					}
				}
			} else {
				if !hadSpeech {
					s.emit(recognizer.Event{Kind: recognizer.EventBeginOfSpeech})
				}
				hadSpeech = true
				silence = 0
				buffer = append(buffer, chunk...)
				if maxBufferBytes > 0 && len(buffer) >= maxBufferBytes {
					flush()
				}
			}
		}
	}
}

// emit never blocks the process loop.
func (s *session) emit(ev recognizer.Event) {
	select {
	case s.events <- ev:
	default:
		slog.Debug("whisper: event dropped, consumer not keeping up", "kind", ev.Kind.String())
	}
}

var _ recognizer.Recognizer = (*Recognizer)(nil)
var _ recognizer.Session = (*session)(nil)
