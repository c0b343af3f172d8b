package listen

import (
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/echolens/internal/trigger"
	"github.com/MrWong99/echolens/pkg/recognizer"
	"github.com/MrWong99/echolens/pkg/recognizer/mock"
)

const waitTimeout = 2 * time.Second

// waitState polls until the controller reports want or the timeout elapses.
func waitState(t *testing.T, c *Controller, want State) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		if c.State() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("state = %v, want %v", c.State(), want)
}

// waitFor polls an arbitrary condition.
func waitFor(t *testing.T, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", desc)
}

// recvFired receives one fired trigger or fails the test.
func recvFired(t *testing.T, c *Controller) FiredTrigger {
	t.Helper()
	select {
	case ft, ok := <-c.Fired():
		if !ok {
			t.Fatal("fired channel closed unexpectedly")
		}
		return ft
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for a fired trigger")
	}
	return FiredTrigger{}
}

// expectNoFired asserts that nothing arrives on the fired channel for a short
// settling period.
func expectNoFired(t *testing.T, c *Controller) {
	t.Helper()
	select {
	case ft, ok := <-c.Fired():
		if ok {
			t.Fatalf("unexpected fired trigger %q", ft.Trigger.Keyword)
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func TestController_StartStopLifecycle(t *testing.T) {
	t.Parallel()

	sess := mock.NewSession()
	rec := &mock.Recognizer{Session: sess}
	c := NewController(ControllerConfig{Recognizer: rec})
	defer c.Release()

	c.StartListening()
	waitState(t, c, StateListening)
	if got := rec.StartCallCount(); got != 1 {
		t.Fatalf("start calls = %d, want 1", got)
	}

	// A second start while listening is a no-op.
	c.StartListening()
	waitState(t, c, StateListening)
	if got := rec.StartCallCount(); got != 1 {
		t.Errorf("start calls after redundant start = %d, want 1", got)
	}

	c.StopListening()
	waitState(t, c, StateIdle)
	if got := sess.StopCount(); got != 1 {
		t.Errorf("session stop calls = %d, want 1", got)
	}

	// A second stop while idle is a no-op, including a stop with no session
	// ever started.
	c.StopListening()
	waitState(t, c, StateIdle)
	if got := sess.StopCount(); got != 1 {
		t.Errorf("session stop calls after redundant stop = %d, want 1", got)
	}
}

func TestController_StopBeforeAnyStart(t *testing.T) {
	t.Parallel()

	rec := &mock.Recognizer{}
	c := NewController(ControllerConfig{Recognizer: rec})
	defer c.Release()

	c.StopListening()
	waitState(t, c, StateIdle)
	if got := rec.StartCallCount(); got != 0 {
		t.Errorf("start calls = %d, want 0", got)
	}
}

func TestController_TriggerFiresOncePerSession(t *testing.T) {
	t.Parallel()

	kt := mustTrigger(t, "吗")
	sess := mock.NewSession()
	rec := &mock.Recognizer{Session: sess}
	c := NewController(ControllerConfig{
		Recognizer: rec,
		Triggers:   []trigger.KeywordTrigger{kt},
	})
	defer c.Release()

	c.StartListening()
	waitState(t, c, StateListening)

	sess.Emit(recognizer.Event{Kind: recognizer.EventFinal, Text: "你吃饭了吗"})

	ft := recvFired(t, c)
	if ft.Trigger.ID != kt.ID {
		t.Fatalf("fired trigger ID = %q, want %q", ft.Trigger.ID, kt.ID)
	}

	// Same keyword again within the session: deduplicated.
	sess.Emit(recognizer.Event{Kind: recognizer.EventFinal, Text: "你吃饭了吗"})
	expectNoFired(t, c)
}

func TestController_RearmPerSessionOnRestart(t *testing.T) {
	t.Parallel()

	kt := mustTrigger(t, "吗")
	sess1 := mock.NewSession()
	sess2 := mock.NewSession()
	rec := &mock.Recognizer{Sessions: []recognizer.Session{sess1, sess2}}
	c := NewController(ControllerConfig{
		Recognizer: rec,
		Triggers:   []trigger.KeywordTrigger{kt},
	})
	defer c.Release()

	c.StartListening()
	waitState(t, c, StateListening)
	sess1.Emit(recognizer.Event{Kind: recognizer.EventFinal, Text: "吃了吗"})
	recvFired(t, c)

	c.StopListening()
	waitState(t, c, StateIdle)

	// A fresh session re-arms the trigger.
	c.StartListening()
	waitState(t, c, StateListening)
	sess2.Emit(recognizer.Event{Kind: recognizer.EventFinal, Text: "吃了吗"})
	recvFired(t, c)
}

func TestController_RearmOnResolutionPolicy(t *testing.T) {
	t.Parallel()

	kt := mustTrigger(t, "吗")
	sess1 := mock.NewSession()
	sess2 := mock.NewSession()
	rec := &mock.Recognizer{Sessions: []recognizer.Session{sess1, sess2}}
	c := NewController(ControllerConfig{
		Recognizer: rec,
		Triggers:   []trigger.KeywordTrigger{kt},
		Rearm:      RearmOnResolution,
	})
	defer c.Release()

	c.StartListening()
	waitState(t, c, StateListening)
	sess1.Emit(recognizer.Event{Kind: recognizer.EventFinal, Text: "吃了吗"})
	recvFired(t, c)

	c.StopListening()
	waitState(t, c, StateIdle)

	// Restart alone does not re-arm under the resolution policy.
	c.StartListening()
	waitState(t, c, StateListening)
	sess2.Emit(recognizer.Event{Kind: recognizer.EventFinal, Text: "吃了吗"})
	expectNoFired(t, c)

	c.Rearm()
	sess2.Emit(recognizer.Event{Kind: recognizer.EventFinal, Text: "吃了吗"})
	recvFired(t, c)
}

func TestController_PartialsIgnoredByDefault(t *testing.T) {
	t.Parallel()

	kt := mustTrigger(t, "吗")
	sess := mock.NewSession()
	rec := &mock.Recognizer{Session: sess}
	c := NewController(ControllerConfig{
		Recognizer: rec,
		Triggers:   []trigger.KeywordTrigger{kt},
	})
	defer c.Release()

	c.StartListening()
	waitState(t, c, StateListening)

	sess.Emit(recognizer.Event{Kind: recognizer.EventPartial, Text: "你吃饭了吗"})
	expectNoFired(t, c)

	sess.Emit(recognizer.Event{Kind: recognizer.EventFinal, Text: "你吃饭了吗"})
	recvFired(t, c)
}

func TestController_PartialsEvaluatedWhenEnabled(t *testing.T) {
	t.Parallel()

	kt := mustTrigger(t, "吗")
	sess := mock.NewSession()
	rec := &mock.Recognizer{Session: sess}
	c := NewController(ControllerConfig{
		Recognizer:       rec,
		Triggers:         []trigger.KeywordTrigger{kt},
		EvaluatePartials: true,
	})
	defer c.Release()

	c.StartListening()
	waitState(t, c, StateListening)

	sess.Emit(recognizer.Event{Kind: recognizer.EventPartial, Text: "你吃饭了吗"})
	recvFired(t, c)

	// The following final repeats the keyword: still one firing total.
	sess.Emit(recognizer.Event{Kind: recognizer.EventFinal, Text: "你吃饭了吗"})
	expectNoFired(t, c)
}

func TestController_ExternalTranscriptAlwaysEvaluated(t *testing.T) {
	t.Parallel()

	kt := mustTrigger(t, "吗")
	c := NewController(ControllerConfig{
		Recognizer: &mock.Recognizer{},
		Triggers:   []trigger.KeywordTrigger{kt},
	})
	defer c.Release()

	// Interim text supplied through the external path is evaluated even
	// though session partials would not be.
	c.OnTranscript("你吃饭了吗", false)
	recvFired(t, c)
}

func TestController_TransientStartErrorRecovers(t *testing.T) {
	t.Parallel()

	rec := &mock.Recognizer{
		StartErr:     recognizer.WithCode(recognizer.ErrCodeBusy, errors.New("handle busy")),
		StartErrOnce: true,
	}
	c := NewController(ControllerConfig{Recognizer: rec})
	defer c.Release()

	c.StartListening()
	waitFor(t, "first start attempt", func() bool { return rec.StartCallCount() == 1 })
	waitState(t, c, StateIdle)

	// The next cadence tick retries and succeeds.
	c.StartListening()
	waitState(t, c, StateListening)
	if got := rec.StartCallCount(); got != 2 {
		t.Errorf("start calls = %d, want 2", got)
	}
}

func TestController_FaultEndsSessionAtIdle(t *testing.T) {
	t.Parallel()

	sess := mock.NewSession()
	rec := &mock.Recognizer{Session: sess}
	c := NewController(ControllerConfig{Recognizer: rec})
	defer c.Release()

	c.StartListening()
	waitState(t, c, StateListening)

	sess.Emit(recognizer.Event{Kind: recognizer.EventFault, Code: recognizer.ErrCodeNetwork})
	sess.End()
	waitState(t, c, StateIdle)
}

func TestController_StartWhileStoppingIsQueued(t *testing.T) {
	t.Parallel()

	sess1 := mock.NewSession()
	sess1.EndOnStop = false // keep the stopping window open
	sess2 := mock.NewSession()
	rec := &mock.Recognizer{Sessions: []recognizer.Session{sess1, sess2}}
	c := NewController(ControllerConfig{Recognizer: rec})
	defer c.Release()

	c.StartListening()
	waitState(t, c, StateListening)

	c.StopListening()
	waitState(t, c, StateStopping)

	// The start request arrives while trailing events are still pending.
	c.StartListening()
	time.Sleep(20 * time.Millisecond)
	if got := rec.StartCallCount(); got != 1 {
		t.Fatalf("start calls during stopping = %d, want 1", got)
	}

	// Once the old session drains, the queued start runs.
	sess1.End()
	waitState(t, c, StateListening)
	if got := rec.StartCallCount(); got != 2 {
		t.Errorf("start calls after drain = %d, want 2", got)
	}
}

func TestController_TrailingFinalEvaluatedWhileStopping(t *testing.T) {
	t.Parallel()

	kt := mustTrigger(t, "吗")
	sess := mock.NewSession()
	sess.EndOnStop = false
	rec := &mock.Recognizer{Session: sess}
	c := NewController(ControllerConfig{
		Recognizer: rec,
		Triggers:   []trigger.KeywordTrigger{kt},
	})
	defer c.Release()

	c.StartListening()
	waitState(t, c, StateListening)
	c.StopListening()
	waitState(t, c, StateStopping)

	// Finals queued before the stream closed must still be matched.
	sess.Emit(recognizer.Event{Kind: recognizer.EventFinal, Text: "你吃饭了吗"})
	sess.End()

	recvFired(t, c)
	waitState(t, c, StateIdle)
}

func TestController_UpdateTriggersAppliesToNextTranscript(t *testing.T) {
	t.Parallel()

	kt := mustTrigger(t, "吗")
	sess := mock.NewSession()
	rec := &mock.Recognizer{Session: sess}
	c := NewController(ControllerConfig{Recognizer: rec})
	defer c.Release()

	c.StartListening()
	waitState(t, c, StateListening)

	sess.Emit(recognizer.Event{Kind: recognizer.EventFinal, Text: "你吃饭了吗"})
	expectNoFired(t, c)

	c.UpdateTriggers([]trigger.KeywordTrigger{kt})
	sess.Emit(recognizer.Event{Kind: recognizer.EventFinal, Text: "你吃饭了吗"})
	recvFired(t, c)
}

func TestController_TranscriptFuncSeesEveryTranscript(t *testing.T) {
	t.Parallel()

	type transcript struct {
		text  string
		final bool
	}
	got := make(chan transcript, 4)

	sess := mock.NewSession()
	rec := &mock.Recognizer{Session: sess}
	c := NewController(ControllerConfig{
		Recognizer: rec,
		TranscriptFunc: func(text string, isFinal bool) {
			got <- transcript{text: text, final: isFinal}
		},
	})
	defer c.Release()

	c.StartListening()
	waitState(t, c, StateListening)

	sess.Emit(recognizer.Event{Kind: recognizer.EventPartial, Text: "你吃"})
	sess.Emit(recognizer.Event{Kind: recognizer.EventFinal, Text: "你吃饭了"})

	want := []transcript{
		{text: "你吃", final: false},
		{text: "你吃饭了", final: true},
	}
	for i, w := range want {
		select {
		case tr := <-got:
			if tr != w {
				t.Errorf("transcript %d = %+v, want %+v", i, tr, w)
			}
		case <-time.After(waitTimeout):
			t.Fatalf("timed out waiting for transcript %d", i)
		}
	}
}

func TestController_ReleaseIsIdempotentAndTerminal(t *testing.T) {
	t.Parallel()

	sess := mock.NewSession()
	rec := &mock.Recognizer{Session: sess}
	c := NewController(ControllerConfig{Recognizer: rec})

	c.StartListening()
	waitState(t, c, StateListening)

	c.Release()
	c.Release()

	waitFor(t, "recognizer close", func() bool { return rec.CloseCount() == 1 })
	waitFor(t, "session stop", func() bool { return sess.StopCount() >= 1 })

	// The fired channel closes exactly once.
	waitFor(t, "fired channel close", func() bool {
		select {
		case _, ok := <-c.Fired():
			return !ok
		default:
			return false
		}
	})

	// All further operations are no-ops.
	c.StartListening()
	c.StopListening()
	time.Sleep(20 * time.Millisecond)
	if got := rec.StartCallCount(); got != 1 {
		t.Errorf("start calls after release = %d, want 1", got)
	}
	if got := c.State(); got != StateReleased {
		t.Errorf("state after release = %v, want released", got)
	}
}

func TestController_ReleaseWaitsForQuiescence(t *testing.T) {
	t.Parallel()

	sess := mock.NewSession()
	rec := &mock.Recognizer{Session: sess}
	c := NewController(ControllerConfig{Recognizer: rec})

	c.StartListening()
	waitState(t, c, StateListening)

	// Release blocks until the owner goroutine and the event forwarder have
	// exited, so teardown is fully observable the moment it returns.
	c.Release()

	if got := rec.CloseCount(); got != 1 {
		t.Errorf("recognizer close calls after Release = %d, want 1", got)
	}
	if got := sess.StopCount(); got < 1 {
		t.Errorf("session stop calls after Release = %d, want at least 1", got)
	}
	if got := c.State(); got != StateReleased {
		t.Errorf("state after Release = %v, want released", got)
	}
	if _, ok := <-c.Fired(); ok {
		t.Error("fired channel should be closed after Release")
	}
}

func TestController_ReleaseWithoutStart(t *testing.T) {
	t.Parallel()

	rec := &mock.Recognizer{}
	c := NewController(ControllerConfig{Recognizer: rec})
	c.Release()

	waitFor(t, "recognizer close", func() bool { return rec.CloseCount() == 1 })
}

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		code recognizer.ErrorCode
		want Class
	}{
		{recognizer.ErrCodeNoMatch, ClassInformational},
		{recognizer.ErrCodeSpeechTimeout, ClassInformational},
		{recognizer.ErrCodeBusy, ClassTransient},
		{recognizer.ErrCodeNetwork, ClassTransient},
		{recognizer.ErrCodeNetworkTimeout, ClassTransient},
		{recognizer.ErrCodeServer, ClassTransient},
		{recognizer.ErrCodePermissions, ClassPermanent},
		{recognizer.ErrCodeClient, ClassPermanent},
		{recognizer.ErrCodeAudio, ClassPermanent},
		{recognizer.ErrCodeUnknown, ClassTransient},
	}

	for _, tc := range tests {
		t.Run(tc.code.String(), func(t *testing.T) {
			t.Parallel()
			if got := Classify(tc.code); got != tc.want {
				t.Errorf("Classify(%v) = %v, want %v", tc.code, got, tc.want)
			}
		})
	}
}
