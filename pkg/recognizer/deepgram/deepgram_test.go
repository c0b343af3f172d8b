package deepgram

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/echolens/pkg/audio"
	audiomock "github.com/MrWong99/echolens/pkg/audio/mock"
	"github.com/MrWong99/echolens/pkg/recognizer"
)

// ---- URL / query-param tests ----

func TestBuildURL_Defaults(t *testing.T) {
	r, err := New("test-key", &audiomock.Source{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rawURL, err := r.buildURL(recognizer.Config{Language: "en", Partials: true})
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("parse URL: %v", err)
	}
	q := u.Query()

	assertEqual(t, "model", "nova-3", q.Get("model"))
	assertEqual(t, "language", "en", q.Get("language"))
	assertEqual(t, "punctuate", "true", q.Get("punctuate"))
	assertEqual(t, "interim_results", "true", q.Get("interim_results"))
	assertEqual(t, "encoding", "linear16", q.Get("encoding"))
	assertEqual(t, "sample_rate", "16000", q.Get("sample_rate"))
	assertEqual(t, "channels", "1", q.Get("channels"))
}

func TestBuildURL_Overrides(t *testing.T) {
	r, err := New("key", &audiomock.Source{},
		WithModel("base"),
		WithFormat(audio.Format{SampleRate: 48000, Channels: 2}),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rawURL, err := r.buildURL(recognizer.Config{Language: "de-DE"})
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}

	u, _ := url.Parse(rawURL)
	q := u.Query()

	assertEqual(t, "model", "base", q.Get("model"))
	assertEqual(t, "language", "de-DE", q.Get("language"))
	assertEqual(t, "sample_rate", "48000", q.Get("sample_rate"))
	assertEqual(t, "channels", "2", q.Get("channels"))
	assertEqual(t, "interim_results", "false", q.Get("interim_results"))
}

func TestBuildURL_ConfigModelWins(t *testing.T) {
	r, err := New("key", &audiomock.Source{}, WithModel("base"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rawURL, err := r.buildURL(recognizer.Config{Model: "nova-2"})
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}

	u, _ := url.Parse(rawURL)
	assertEqual(t, "model", "nova-2", u.Query().Get("model"))
}

// ---- message parsing tests ----

func TestParseMessage_Final(t *testing.T) {
	raw := []byte(`{
		"type": "Results",
		"is_final": true,
		"channel": {
			"alternatives": [{"transcript": "你吃饭了吗", "confidence": 0.95}]
		}
	}`)

	ev, ok := parseMessage(raw)
	if !ok {
		t.Fatal("expected ok=true for valid Results message")
	}
	if ev.Kind != recognizer.EventFinal {
		t.Errorf("kind = %v, want final", ev.Kind)
	}
	assertEqual(t, "text", "你吃饭了吗", ev.Text)
	if ev.Confidence != 0.95 {
		t.Errorf("confidence = %f, want 0.95", ev.Confidence)
	}
}

func TestParseMessage_Partial(t *testing.T) {
	raw := []byte(`{
		"type": "Results",
		"is_final": false,
		"channel": {
			"alternatives": [{"transcript": "你吃", "confidence": 0.7}]
		}
	}`)

	ev, ok := parseMessage(raw)
	if !ok {
		t.Fatal("expected ok=true")
	}
	if ev.Kind != recognizer.EventPartial {
		t.Errorf("kind = %v, want partial", ev.Kind)
	}
	assertEqual(t, "text", "你吃", ev.Text)
}

func TestParseMessage_SpeechEvents(t *testing.T) {
	ev, ok := parseMessage([]byte(`{"type":"SpeechStarted"}`))
	if !ok || ev.Kind != recognizer.EventBeginOfSpeech {
		t.Errorf("SpeechStarted = (%v, %v), want begin-of-speech", ev.Kind, ok)
	}
	ev, ok = parseMessage([]byte(`{"type":"UtteranceEnd"}`))
	if !ok || ev.Kind != recognizer.EventEndOfSpeech {
		t.Errorf("UtteranceEnd = (%v, %v), want end-of-speech", ev.Kind, ok)
	}
}

func TestParseMessage_Ignored(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{name: "metadata", raw: `{"type":"Metadata","request_id":"abc"}`},
		{name: "empty alternatives", raw: `{"type":"Results","is_final":true,"channel":{"alternatives":[]}}`},
		{name: "empty transcript", raw: `{"type":"Results","channel":{"alternatives":[{"transcript":""}]}}`},
		{name: "invalid JSON", raw: `{invalid`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, ok := parseMessage([]byte(tc.raw)); ok {
				t.Errorf("parseMessage(%s) should be ignored", tc.raw)
			}
		})
	}
}

// ---- constructor tests ----

func TestNew_Validation(t *testing.T) {
	if _, err := New("", &audiomock.Source{}); err == nil {
		t.Error("expected error for empty API key")
	}
	if _, err := New("key", nil); err == nil {
		t.Error("expected error for nil audio source")
	}
}

// ---- live session tests against a local server ----

// fakeDeepgram is a minimal WebSocket server that echoes scripted responses
// after the first binary (audio) message arrives.
func fakeDeepgram(t *testing.T, responses ...string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")

		ctx := r.Context()
		for {
			kind, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			if kind == websocket.MessageBinary {
				for _, resp := range responses {
					if err := conn.Write(ctx, websocket.MessageText, []byte(resp)); err != nil {
						return
					}
				}
				continue
			}
			// A CloseStream request ends the session server-side.
			if strings.Contains(string(data), "CloseStream") {
				return
			}
		}
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestSession_DeliversTranscripts(t *testing.T) {
	srv := fakeDeepgram(t,
		`{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"你吃饭了吗","confidence":0.9}]}}`,
	)
	defer srv.Close()

	source := &audiomock.Source{ChunksPerStream: [][]byte{make([]byte, 640)}}
	rec, err := New("key", source, WithEndpoint(wsURL(srv)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer rec.Close()

	sess, err := rec.Start(context.Background(), recognizer.Config{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer sess.Stop()

	deadline := time.After(5 * time.Second)
	var sawReady, sawFinal bool
	for !sawFinal {
		select {
		case ev, ok := <-sess.Events():
			if !ok {
				t.Fatal("event channel closed before the final arrived")
			}
			switch ev.Kind {
			case recognizer.EventReady:
				sawReady = true
			case recognizer.EventFinal:
				if ev.Text != "你吃饭了吗" {
					t.Errorf("final text = %q", ev.Text)
				}
				sawFinal = true
			}
		case <-deadline:
			t.Fatal("timed out waiting for the final transcript")
		}
	}
	if !sawReady {
		t.Error("no ready event before the first transcript")
	}
}

func TestSession_StopClosesEvents(t *testing.T) {
	srv := fakeDeepgram(t)
	defer srv.Close()

	source := &audiomock.Source{}
	rec, err := New("key", source, WithEndpoint(wsURL(srv)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer rec.Close()

	sess, err := rec.Start(context.Background(), recognizer.Config{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := sess.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := sess.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-sess.Events():
			if !ok {
				// Stream closed; the mic stream must be released too.
				if source.Streams[0].CloseCallCount == 0 {
					t.Error("audio stream not closed on Stop")
				}
				return
			}
		case <-deadline:
			t.Fatal("event channel did not close after Stop")
		}
	}
}

func TestStart_BusyWhileSessionLive(t *testing.T) {
	srv := fakeDeepgram(t)
	defer srv.Close()

	rec, err := New("key", &audiomock.Source{}, WithEndpoint(wsURL(srv)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer rec.Close()

	sess, err := rec.Start(context.Background(), recognizer.Config{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer sess.Stop()

	if _, err := rec.Start(context.Background(), recognizer.Config{}); recognizer.Code(err) != recognizer.ErrCodeBusy {
		t.Errorf("second Start code = %v, want busy", recognizer.Code(err))
	}
}

func TestStart_NetworkErrorCoded(t *testing.T) {
	rec, err := New("key", &audiomock.Source{}, WithEndpoint("ws://127.0.0.1:1"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer rec.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = rec.Start(ctx, recognizer.Config{})
	if err == nil {
		t.Fatal("Start should fail against a dead endpoint")
	}
	code := recognizer.Code(err)
	if code != recognizer.ErrCodeNetwork && code != recognizer.ErrCodeNetworkTimeout {
		t.Errorf("error code = %v, want a network code", code)
	}
}

func TestStart_AfterCloseIsClientError(t *testing.T) {
	rec, err := New("key", &audiomock.Source{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := rec.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := rec.Start(context.Background(), recognizer.Config{}); recognizer.Code(err) != recognizer.ErrCodeClient {
		t.Errorf("Start after Close code = %v, want client", recognizer.Code(err))
	}
}

// ---- helpers ----

func assertEqual(t *testing.T, label, want, got string) {
	t.Helper()
	if want != got {
		t.Errorf("%s: want %q, got %q", label, want, got)
	}
}
