// Package listen implements keyword detection on speech recognizer output and
// the session controller that owns the recognizer handle.
//
// The controller is a finite state machine (idle → starting → listening →
// stopping → idle) driven by a single owner goroutine. Recognizer handles are
// bound to one execution context, so every public operation — lifecycle
// requests, trigger-set swaps, externally supplied transcripts — is marshalled
// onto that goroutine; callers may invoke them from any context without
// synchronisation.
//
// Keyword matches are emitted as FiredTrigger values on a buffered event
// channel with at-most-one delivery per trigger per listening session,
// consumed by a single subscriber.
package listen

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/echolens/internal/observe"
	"github.com/MrWong99/echolens/internal/trigger"
	"github.com/MrWong99/echolens/pkg/recognizer"
)

// State is the controller's session lifecycle state.
type State int32

const (
	// StateIdle means no session is live. Start requests are honoured.
	StateIdle State = iota

	// StateStarting means a start call is being issued to the recognizer.
	StateStarting

	// StateListening means a session is live and transcript events flow.
	StateListening

	// StateStopping means a stop call was issued and the controller is
	// waiting for the session's trailing events to land.
	StateStopping

	// StateReleased means the controller has been torn down for good.
	StateReleased
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateListening:
		return "listening"
	case StateStopping:
		return "stopping"
	case StateReleased:
		return "released"
	default:
		return "unknown"
	}
}

// RearmPolicy decides when a trigger becomes eligible to fire again.
type RearmPolicy string

const (
	// RearmPerSession re-arms all triggers on every session start, so one
	// trigger fires at most once per start→stop cycle. The default.
	RearmPerSession RearmPolicy = "session"

	// RearmOnResolution keeps triggers disarmed across session restarts
	// until Rearm is called explicitly (typically after the surfaced dialog
	// is resolved).
	RearmOnResolution RearmPolicy = "resolution"
)

// IsValid reports whether p is a recognised re-arm policy.
func (p RearmPolicy) IsValid() bool {
	return p == RearmPerSession || p == RearmOnResolution
}

// FiredTrigger is a one-shot event signalling that a trigger's keyword was
// detected in a transcript. Ordering follows emission order on the Fired
// channel.
type FiredTrigger struct {
	Trigger trigger.KeywordTrigger

	// Transcript is the recognized text the keyword was found in.
	Transcript string
}

// ControllerConfig holds all dependencies and tuning for a Controller.
type ControllerConfig struct {
	// Recognizer is the speech backend handle. Required. The controller
	// takes ownership: Release closes it.
	Recognizer recognizer.Recognizer

	// Recognition is passed to every Start call on the recognizer.
	Recognition recognizer.Config

	// Matcher decides keyword matches. Nil means a default substring matcher.
	Matcher *Matcher

	// Triggers is the initial trigger snapshot. May be nil.
	Triggers []trigger.KeywordTrigger

	// EvaluatePartials enables keyword evaluation on interim transcript
	// events from the recognizer session. Finals are always evaluated.
	EvaluatePartials bool

	// Rearm selects the dedup window policy. Default: RearmPerSession.
	Rearm RearmPolicy

	// TranscriptFunc, when non-nil, is invoked on the owner goroutine with
	// every transcript that reaches the controller, before matching. Used by
	// the capture loop to caption frames. Must not call back into the
	// controller.
	TranscriptFunc func(text string, isFinal bool)

	// FiredBuffer is the capacity of the Fired channel. Default: 16.
	FiredBuffer int

	// Metrics records controller telemetry. May be nil.
	Metrics *observe.Metrics
}

// Controller owns the recognizer handle and its session state machine.
// All exported methods are safe for concurrent use and become no-ops after
// Release.
type Controller struct {
	rec          recognizer.Recognizer
	recCfg       recognizer.Config
	matcher      *Matcher
	evalPartials bool
	rearm        RearmPolicy
	transcriptFn func(text string, isFinal bool)
	metrics      *observe.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	cmds  chan func()
	done  chan struct{}
	fired chan FiredTrigger

	releaseOnce sync.Once
	wg          sync.WaitGroup
	state       atomic.Int32

	// Owner-goroutine state. Never touched outside the run loop.
	session      recognizer.Session
	gen          uint64
	sessionStart time.Time
	triggers     []trigger.KeywordTrigger
	firedSet     map[string]struct{}
	pendingStart bool
}

// NewController creates a Controller and starts its owner goroutine.
// The caller must call Release exactly once when done with it.
func NewController(cfg ControllerConfig) *Controller {
	matcher := cfg.Matcher
	if matcher == nil {
		matcher = NewMatcher()
	}
	rearm := cfg.Rearm
	if rearm == "" {
		rearm = RearmPerSession
	}
	buf := cfg.FiredBuffer
	if buf <= 0 {
		buf = 16
	}

	ctx, cancel := context.WithCancel(context.Background())

	c := &Controller{
		rec:          cfg.Recognizer,
		recCfg:       cfg.Recognition,
		matcher:      matcher,
		evalPartials: cfg.EvaluatePartials,
		rearm:        rearm,
		transcriptFn: cfg.TranscriptFunc,
		metrics:      cfg.Metrics,
		ctx:          ctx,
		cancel:       cancel,
		cmds:         make(chan func(), 64),
		done:         make(chan struct{}),
		fired:        make(chan FiredTrigger, buf),
		triggers:     append([]trigger.KeywordTrigger(nil), cfg.Triggers...),
		firedSet:     make(map[string]struct{}),
	}

	c.wg.Add(1)
	go c.run()
	return c
}

// StartListening requests a new session. No-op while a session is starting or
// live; queued for after teardown while one is stopping.
func (c *Controller) StartListening() {
	c.post(c.startLocked)
}

// StopListening requests the live session to stop. No-op when idle or already
// stopping — including when no session was ever started.
func (c *Controller) StopListening() {
	c.post(c.stopLocked)
}

// OnTranscript routes externally captured text through the matcher. Unlike
// session events, interim text supplied here is always evaluated — the caller
// chose to deliver it.
func (c *Controller) OnTranscript(text string, isFinal bool) {
	c.post(func() {
		if c.transcriptFn != nil {
			c.transcriptFn(text, isFinal)
		}
		c.evaluate(text)
	})
}

// UpdateTriggers atomically swaps the active trigger snapshot. The new set
// applies from the next transcript event; transcripts already delivered are
// never re-evaluated.
func (c *Controller) UpdateTriggers(snapshot []trigger.KeywordTrigger) {
	snap := append([]trigger.KeywordTrigger(nil), snapshot...)
	c.post(func() {
		c.triggers = snap
	})
}

// Rearm clears the fired-trigger dedup set. Only meaningful under
// RearmOnResolution; under RearmPerSession every session start re-arms.
func (c *Controller) Rearm() {
	c.post(func() {
		clear(c.firedSet)
	})
}

// Fired returns the fired-trigger event channel. It is closed by Release.
func (c *Controller) Fired() <-chan FiredTrigger {
	return c.fired
}

// State returns the current session state. Safe from any goroutine; the value
// may be stale by the time the caller acts on it.
func (c *Controller) State() State {
	return State(c.state.Load())
}

// Release forcibly stops any live session, releases the recognizer handle,
// and closes the Fired channel. All other operations become no-ops. Safe to
// call repeatedly and while a start or stop request is in flight. It returns
// only after the owner goroutine and any event forwarders have exited, so
// callers can rely on quiescence. Must not be called from a TranscriptFunc
// callback, which runs on the owner goroutine.
func (c *Controller) Release() {
	c.releaseOnce.Do(func() {
		close(c.done)
		c.cancel()
	})
	c.wg.Wait()
}

// post marshals fn onto the owner goroutine. Dropped after Release.
func (c *Controller) post(fn func()) {
	select {
	case <-c.done:
	case c.cmds <- fn:
	}
}

// run is the owner goroutine: the only place session state is touched.
func (c *Controller) run() {
	defer c.wg.Done()
	for {
		select {
		case fn := <-c.cmds:
			fn()
		case <-c.done:
			c.teardown()
			return
		}
	}
}

// teardown stops a live session, closes the recognizer handle, and closes the
// fired channel. Runs once, on the owner goroutine.
func (c *Controller) teardown() {
	if c.session != nil {
		if err := c.session.Stop(); err != nil {
			slog.Warn("listen: stop during release", "err", err)
		}
		c.session = nil
	}
	if err := c.rec.Close(); err != nil {
		slog.Warn("listen: recognizer close", "err", err)
	}
	c.setState(StateReleased)
	close(c.fired)
	slog.Debug("listen: controller released")
}

// startLocked issues a start call. Owner goroutine only.
func (c *Controller) startLocked() {
	switch c.State() {
	case StateStarting, StateListening:
		return
	case StateStopping:
		// Honour the request once the current session has fully torn
		// down, so a caller retrying against a busy handle never has to
		// see an error.
		c.pendingStart = true
		return
	}

	c.setState(StateStarting)
	sess, err := c.rec.Start(c.ctx, c.recCfg)
	if err != nil {
		class := Classify(recognizer.Code(err))
		c.recordFault(recognizer.Code(err), class)
		if class == ClassTransient {
			slog.Debug("listen: start deferred", "class", class.String(), "err", err)
		} else {
			slog.Warn("listen: start failed", "class", class.String(), "err", err)
		}
		c.setState(StateIdle)
		return
	}

	if c.rearm == RearmPerSession {
		clear(c.firedSet)
	}
	c.gen++
	c.session = sess
	c.sessionStart = time.Now()
	c.setState(StateListening)
	if c.metrics != nil {
		c.metrics.SessionsStarted.Add(c.ctx, 1)
		c.metrics.ActiveSessions.Add(c.ctx, 1)
	}
	slog.Debug("listen: session started", "gen", c.gen)

	c.wg.Add(1)
	go c.forward(sess, c.gen)
}

// stopLocked issues a stop call. Owner goroutine only.
func (c *Controller) stopLocked() {
	switch c.State() {
	case StateIdle, StateStopping:
		return
	}

	c.setState(StateStopping)
	if c.session == nil {
		// Nothing live to wait for.
		c.setState(StateIdle)
		return
	}
	if err := c.session.Stop(); err != nil {
		slog.Warn("listen: stop", "err", err)
	}
	// Remain in stopping until the session's event stream closes; trailing
	// finals may still arrive and must be evaluated.
}

// forward relays one session's events onto the owner goroutine, tagged with
// the session generation so events from a superseded session are discarded.
func (c *Controller) forward(sess recognizer.Session, gen uint64) {
	defer c.wg.Done()
	for ev := range sess.Events() {
		ev := ev
		c.post(func() { c.handleEvent(gen, ev) })
	}
	c.post(func() { c.handleSessionEnd(gen) })
}

// handleEvent processes one session event. Owner goroutine only.
func (c *Controller) handleEvent(gen uint64, ev recognizer.Event) {
	if gen != c.gen {
		return
	}

	switch ev.Kind {
	case recognizer.EventReady, recognizer.EventBeginOfSpeech, recognizer.EventEndOfSpeech:
		slog.Debug("listen: session event", "kind", ev.Kind.String())

	case recognizer.EventPartial:
		if c.transcriptFn != nil {
			c.transcriptFn(ev.Text, false)
		}
		if c.evalPartials {
			c.evaluate(ev.Text)
		}

	case recognizer.EventFinal:
		if c.transcriptFn != nil {
			c.transcriptFn(ev.Text, true)
		}
		c.evaluate(ev.Text)

	case recognizer.EventFault:
		class := Classify(ev.Code)
		c.recordFault(ev.Code, class)
		switch class {
		case ClassInformational:
			slog.Debug("listen: session ended without result", "code", ev.Code.String())
		case ClassTransient:
			slog.Info("listen: transient recognizer fault", "code", ev.Code.String())
		default:
			slog.Warn("listen: recognizer fault", "code", ev.Code.String(), "class", class.String())
		}
	}
}

// handleSessionEnd returns the state machine to idle once the live session's
// event stream has closed. Owner goroutine only.
func (c *Controller) handleSessionEnd(gen uint64) {
	if gen != c.gen {
		return
	}
	c.session = nil
	c.setState(StateIdle)
	if c.metrics != nil {
		c.metrics.ActiveSessions.Add(c.ctx, -1)
		c.metrics.SessionDuration.Record(c.ctx, time.Since(c.sessionStart).Seconds())
	}
	slog.Debug("listen: session ended", "gen", gen)

	if c.pendingStart {
		c.pendingStart = false
		c.startLocked()
	}
}

// evaluate scans text against the live snapshot and emits at most one fired
// trigger, deduplicated per the re-arm policy. Owner goroutine only.
func (c *Controller) evaluate(text string) {
	t, ok := c.matcher.Match(c.triggers, text)
	if !ok {
		return
	}
	if _, dup := c.firedSet[t.ID]; dup {
		return
	}
	c.firedSet[t.ID] = struct{}{}

	select {
	case c.fired <- FiredTrigger{Trigger: t, Transcript: text}:
		if c.metrics != nil {
			c.metrics.TriggersFired.Add(c.ctx, 1,
				metric.WithAttributes(attribute.String("dialog", string(t.DialogType))))
		}
		slog.Info("listen: trigger fired", "keyword", t.Keyword, "trigger_id", t.ID)
	default:
		slog.Warn("listen: fired trigger dropped, subscriber not keeping up",
			"keyword", t.Keyword, "trigger_id", t.ID)
	}
}

func (c *Controller) recordFault(code recognizer.ErrorCode, class Class) {
	if c.metrics == nil {
		return
	}
	c.metrics.RecognitionFaults.Add(c.ctx, 1, metric.WithAttributes(
		attribute.String("code", code.String()),
		attribute.String("class", class.String()),
	))
}

func (c *Controller) setState(s State) {
	c.state.Store(int32(s))
}
