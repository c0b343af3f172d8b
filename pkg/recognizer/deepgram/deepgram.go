// Package deepgram provides a recognizer backed by the Deepgram streaming
// WebSocket API. It pumps PCM audio from an audio.Source into the socket and
// translates Deepgram result messages into recognizer events.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"

	"github.com/coder/websocket"

	"github.com/MrWong99/echolens/pkg/audio"
	"github.com/MrWong99/echolens/pkg/recognizer"
)

const (
	defaultEndpoint = "wss://api.deepgram.com/v1/listen"
	defaultModel    = "nova-3"
	defaultLanguage = "en"
)

var defaultFormat = audio.Format{SampleRate: 16000, Channels: 1}

// Option is a functional option for configuring the Recognizer.
type Option func(*Recognizer)

// WithModel sets the Deepgram model (e.g. "nova-3", "base").
func WithModel(model string) Option {
	return func(r *Recognizer) { r.model = model }
}

// WithEndpoint overrides the streaming endpoint URL. Used in tests.
func WithEndpoint(endpoint string) Option {
	return func(r *Recognizer) { r.endpoint = endpoint }
}

// WithFormat sets the PCM format requested from the audio source.
// Default: 16 kHz mono.
func WithFormat(f audio.Format) Option {
	return func(r *Recognizer) { r.format = f }
}

// Recognizer implements recognizer.Recognizer backed by the Deepgram
// streaming API. One session may be live at a time; starting a second returns
// a busy-coded error.
type Recognizer struct {
	apiKey   string
	endpoint string
	model    string
	format   audio.Format
	source   audio.Source

	mu     sync.Mutex
	active bool
	closed bool
	live   *session
}

// New creates a Recognizer. apiKey must be non-empty and source supplies the
// microphone PCM stream.
func New(apiKey string, source audio.Source, opts ...Option) (*Recognizer, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	if source == nil {
		return nil, errors.New("deepgram: audio source must not be nil")
	}
	r := &Recognizer{
		apiKey:   apiKey,
		endpoint: defaultEndpoint,
		model:    defaultModel,
		format:   defaultFormat,
		source:   source,
	}
	for _, o := range opts {
		o(r)
	}
	return r, nil
}

// Start opens a streaming session. The session ends when Stop is called or
// the socket fails; either way its event channel closes.
func (r *Recognizer) Start(ctx context.Context, cfg recognizer.Config) (recognizer.Session, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, recognizer.WithCode(recognizer.ErrCodeClient, recognizer.ErrClosed)
	}
	if r.active {
		r.mu.Unlock()
		return nil, recognizer.WithCode(recognizer.ErrCodeBusy,
			errors.New("deepgram: a session is already running"))
	}
	r.active = true
	r.mu.Unlock()

	sess, err := r.dial(ctx, cfg)
	if err != nil {
		r.mu.Lock()
		r.active = false
		r.mu.Unlock()
		return nil, err
	}

	r.mu.Lock()
	r.live = sess
	r.mu.Unlock()
	return sess, nil
}

// dial connects the socket, opens the audio stream, and spins up the session
// goroutines.
func (r *Recognizer) dial(ctx context.Context, cfg recognizer.Config) (*session, error) {
	wsURL, err := r.buildURL(cfg)
	if err != nil {
		return nil, recognizer.WithCode(recognizer.ErrCodeClient,
			fmt.Errorf("deepgram: build URL: %w", err))
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+r.apiKey)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		code := recognizer.ErrCodeNetwork
		if errors.Is(err, context.DeadlineExceeded) {
			code = recognizer.ErrCodeNetworkTimeout
		}
		return nil, recognizer.WithCode(code, fmt.Errorf("deepgram: dial: %w", err))
	}

	stream, err := r.source.Open(ctx, r.format)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "audio source unavailable")
		return nil, recognizer.WithCode(recognizer.ErrCodeAudio,
			fmt.Errorf("deepgram: open audio: %w", err))
	}

	sess := &session{
		conn:   conn,
		stream: stream,
		events: make(chan recognizer.Event, 64),
		done:   make(chan struct{}),
		onEnd: func() {
			r.mu.Lock()
			r.active = false
			r.live = nil
			r.mu.Unlock()
		},
	}
	sess.events <- recognizer.Event{Kind: recognizer.EventReady}

	sess.wg.Add(1)
	go sess.writeLoop(ctx)
	go sess.readLoop(ctx)
	return sess, nil
}

// buildURL constructs the streaming endpoint URL for the given config.
func (r *Recognizer) buildURL(cfg recognizer.Config) (string, error) {
	u, err := url.Parse(r.endpoint)
	if err != nil {
		return "", err
	}

	model := cfg.Model
	if model == "" {
		model = r.model
	}
	lang := cfg.Language
	if lang == "" {
		lang = defaultLanguage
	}

	q := u.Query()
	q.Set("model", model)
	q.Set("language", lang)
	q.Set("punctuate", "true")
	q.Set("interim_results", strconv.FormatBool(cfg.Partials))
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(r.format.SampleRate))
	q.Set("channels", strconv.Itoa(r.format.Channels))
	q.Set("vad_events", "true")

	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Close releases the handle. A live session is stopped first.
func (r *Recognizer) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	live := r.live
	r.mu.Unlock()

	if live != nil {
		return live.Stop()
	}
	return nil
}

// ---- session ----

// deepgramResponse is the JSON structure of a Deepgram streaming message.
type deepgramResponse struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// session is one live streaming session.
type session struct {
	conn   *websocket.Conn
	stream audio.Stream
	events chan recognizer.Event

	done  chan struct{}
	once  sync.Once
	wg    sync.WaitGroup
	onEnd func()
}

// Events returns the session event channel. Closed when the session ends.
func (s *session) Events() <-chan recognizer.Event { return s.events }

// Stop requests a graceful end: the audio pump halts and Deepgram is asked to
// flush pending results. Trailing finals still arrive on Events before it
// closes. Safe to call repeatedly.
func (s *session) Stop() error {
	s.once.Do(func() {
		close(s.done)
		// Ask the server to flush and finish; the read loop ends when the
		// server closes the stream.
		_ = s.conn.Write(context.Background(), websocket.MessageText,
			[]byte(`{"type":"CloseStream"}`))
		_ = s.stream.Close()
	})
	return nil
}

// writeLoop pumps PCM chunks from the audio stream into the socket.
func (s *session) writeLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case chunk, ok := <-s.stream.Chunks():
			if !ok {
				return
			}
			if err := s.conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
				return
			}
		}
	}
}

// readLoop receives Deepgram messages and dispatches them as events. It owns
// the events channel: the channel closes exactly when this loop returns.
func (s *session) readLoop(ctx context.Context) {
	defer func() {
		// The server may end the stream on its own; halt the audio pump
		// before waiting on it.
		_ = s.Stop()
		s.wg.Wait()
		s.conn.Close(websocket.StatusNormalClosure, "session ended")
		close(s.events)
		s.onEnd()
	}()

	for {
		_, msg, err := s.conn.Read(ctx)
		if err != nil {
			select {
			case <-s.done:
				// Expected close after Stop.
			default:
				s.emit(recognizer.Event{
					Kind: recognizer.EventFault,
					Code: recognizer.ErrCodeNetwork,
				})
			}
			return
		}

		if ev, ok := parseMessage(msg); ok {
			s.emit(ev)
		}
	}
}

// emit delivers an event without ever blocking the read loop forever.
func (s *session) emit(ev recognizer.Event) {
	select {
	case s.events <- ev:
	default:
		slog.Debug("deepgram: event dropped, consumer not keeping up", "kind", ev.Kind.String())
	}
}

// parseMessage translates one Deepgram message into a session event.
// Returns false for messages that carry nothing actionable.
func parseMessage(data []byte) (recognizer.Event, bool) {
	var resp deepgramResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return recognizer.Event{}, false
	}

	switch resp.Type {
	case "SpeechStarted":
		return recognizer.Event{Kind: recognizer.EventBeginOfSpeech}, true
	case "UtteranceEnd":
		return recognizer.Event{Kind: recognizer.EventEndOfSpeech}, true
	case "Results":
	default:
		return recognizer.Event{}, false
	}

	if len(resp.Channel.Alternatives) == 0 {
		return recognizer.Event{}, false
	}
	alt := resp.Channel.Alternatives[0]
	if alt.Transcript == "" {
		return recognizer.Event{}, false
	}

	kind := recognizer.EventPartial
	if resp.IsFinal {
		kind = recognizer.EventFinal
	}
	return recognizer.Event{
		Kind:       kind,
		Text:       alt.Transcript,
		Confidence: alt.Confidence,
	}, true
}

var _ recognizer.Recognizer = (*Recognizer)(nil)
