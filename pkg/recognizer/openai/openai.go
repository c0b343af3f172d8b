// Package openai provides a recognizer backed by the OpenAI audio
// transcription API.
//
// The API is batch, not streaming: the session buffers the listening window's
// PCM and submits it as one WAV upload when the session stops, emitting a
// single final transcript. That fits a short-window listening cadence, where
// each window is a few seconds long. No partials are ever emitted.
package openai

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/MrWong99/echolens/pkg/audio"
	"github.com/MrWong99/echolens/pkg/recognizer"
)

const (
	defaultModel = "whisper-1"

	// silenceRMS is the normalised energy level below which a whole window
	// counts as silence and is not worth an upload. 0.01 is roughly 300 in
	// 16-bit PCM units.
	silenceRMS = 0.01

	// maxBufferDuration caps the buffered window so a runaway session cannot
	// grow without bound.
	maxBufferDuration = 30 * time.Second

	transcribeTimeout = 30 * time.Second
)

var defaultFormat = audio.Format{SampleRate: 16000, Channels: 1}

// config holds optional constructor configuration.
type config struct {
	model   string
	baseURL string
	format  audio.Format
	timeout time.Duration
}

// Option is a functional option for the Recognizer.
type Option func(*config)

// WithModel sets the transcription model. Default: "whisper-1".
func WithModel(model string) Option {
	return func(c *config) { c.model = model }
}

// WithBaseURL overrides the API base URL. Used in tests.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithFormat sets the PCM format requested from the audio source.
// Default: 16 kHz mono.
func WithFormat(f audio.Format) Option {
	return func(c *config) { c.format = f }
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// Recognizer implements recognizer.Recognizer on the OpenAI transcription
// API. One session may be live at a time.
type Recognizer struct {
	client oai.Client
	model  string
	format audio.Format
	source audio.Source

	mu     sync.Mutex
	active bool
	closed bool
}

// New creates a Recognizer. apiKey must be non-empty and source supplies the
// microphone PCM stream.
func New(apiKey string, source audio.Source, opts ...Option) (*Recognizer, error) {
	if apiKey == "" {
		return nil, errors.New("openai: apiKey must not be empty")
	}
	if source == nil {
		return nil, errors.New("openai: audio source must not be nil")
	}

	cfg := &config{model: defaultModel, format: defaultFormat}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}))
	}

	return &Recognizer{
		client: oai.NewClient(reqOpts...),
		model:  cfg.model,
		format: cfg.format,
		source: source,
	}, nil
}

// Start opens a buffering session. The transcript arrives as one final event
// after Stop.
func (r *Recognizer) Start(ctx context.Context, cfg recognizer.Config) (recognizer.Session, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, recognizer.WithCode(recognizer.ErrCodeClient, recognizer.ErrClosed)
	}
	if r.active {
		r.mu.Unlock()
		return nil, recognizer.WithCode(recognizer.ErrCodeBusy,
			errors.New("openai: a session is already running"))
	}
	r.active = true
	r.mu.Unlock()

	stream, err := r.source.Open(ctx, r.format)
	if err != nil {
		r.mu.Lock()
		r.active = false
		r.mu.Unlock()
		return nil, recognizer.WithCode(recognizer.ErrCodeAudio,
			fmt.Errorf("openai: open audio: %w", err))
	}

	model := cfg.Model
	if model == "" {
		model = r.model
	}

	sess := &session{
		rec:      r,
		stream:   stream,
		model:    model,
		language: cfg.Language,
		events:   make(chan recognizer.Event, 8),
		done:     make(chan struct{}),
	}
	sess.events <- recognizer.Event{Kind: recognizer.EventReady}

	go sess.run(ctx)
	return sess, nil
}

// Close releases the handle. Any live session keeps draining; new starts fail
// with a client-coded error.
func (r *Recognizer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

// transcribe uploads one WAV window and returns its text.
func (r *Recognizer) transcribe(ctx context.Context, wav []byte, model, language string) (string, error) {
	params := oai.AudioTranscriptionNewParams{
		File:  oai.File(bytes.NewReader(wav), "window.wav", "audio/wav"),
		Model: oai.AudioModel(model),
	}
	if language != "" {
		params.Language = oai.String(language)
	}

	resp, err := r.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("openai: transcribe: %w", err)
	}
	return resp.Text, nil
}

// ---- session ----

// session buffers one listening window of PCM.
type session struct {
	rec      *Recognizer
	stream   audio.Stream
	model    string
	language string

	events chan recognizer.Event
	done   chan struct{}
	once   sync.Once
}

// Events returns the session event channel. Closed after the final flush.
func (s *session) Events() <-chan recognizer.Event { return s.events }

// Stop ends the window and triggers the transcription flush. Trailing events
// (the final, or a fault) arrive on Events before it closes. Safe to call
// repeatedly.
func (s *session) Stop() error {
	s.once.Do(func() {
		close(s.done)
		_ = s.stream.Close()
	})
	return nil
}

// run accumulates PCM until the window ends, then flushes.
func (s *session) run(ctx context.Context) {
	defer func() {
		close(s.events)
		s.rec.mu.Lock()
		s.rec.active = false
		s.rec.mu.Unlock()
	}()

	maxBytes := int(maxBufferDuration.Seconds()) *
		s.rec.format.SampleRate * s.rec.format.Channels * 2

	var buffer []byte
	sawBegin := false

loop:
	for {
		select {
		case <-s.done:
			break loop
		case <-ctx.Done():
			_ = s.Stop()
			break loop
		case chunk, ok := <-s.stream.Chunks():
			if !ok {
				break loop
			}
			if len(buffer)+len(chunk) > maxBytes {
				continue
			}
			if !sawBegin && audio.RMS(chunk) >= silenceRMS {
				sawBegin = true
				s.emit(recognizer.Event{Kind: recognizer.EventBeginOfSpeech})
			}
			buffer = append(buffer, chunk...)
		}
	}

	s.flush(buffer)
}

// flush uploads the buffered window and emits the resulting event.
func (s *session) flush(buffer []byte) {
	if len(buffer) == 0 || audio.RMS(buffer) < silenceRMS {
		// Nothing worth uploading: the window was silent.
		s.emit(recognizer.Event{Kind: recognizer.EventFault, Code: recognizer.ErrCodeNoMatch})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), transcribeTimeout)
	defer cancel()

	wav := audio.EncodeWAV(buffer, s.rec.format)
	text, err := s.rec.transcribe(ctx, wav, s.model, s.language)
	if err != nil {
		code := recognizer.ErrCodeServer
		if errors.Is(err, context.DeadlineExceeded) {
			code = recognizer.ErrCodeNetworkTimeout
		}
		s.emit(recognizer.Event{Kind: recognizer.EventFault, Code: code})
		return
	}
	if text == "" {
		s.emit(recognizer.Event{Kind: recognizer.EventFault, Code: recognizer.ErrCodeNoMatch})
		return
	}

	s.emit(recognizer.Event{Kind: recognizer.EventEndOfSpeech})
	s.emit(recognizer.Event{Kind: recognizer.EventFinal, Text: text})
}

// emit never blocks; the events buffer is sized for the handful of events one
// window can produce.
func (s *session) emit(ev recognizer.Event) {
	select {
	case s.events <- ev:
	default:
		slog.Debug("openai: event dropped, consumer not keeping up", "kind", ev.Kind.String())
	}
}

var _ recognizer.Recognizer = (*Recognizer)(nil)
var _ recognizer.Session = (*session)(nil)
