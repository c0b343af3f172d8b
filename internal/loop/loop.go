// Package loop drives the periodic listen-and-capture cadence.
//
// One cycle has four named phases: a listening window, a stop grace period
// that lets trailing recognizer finals land, a camera capture, and a settle
// period before the next window. The runner owns the cadence only — whether
// listening may actually start is decided by a gate checked at signal time,
// so a dialog opened mid-cycle keeps the next window from starting.
package loop

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Default phase durations.
const (
	DefaultListen    = 5 * time.Second
	DefaultStopGrace = 1 * time.Second
	DefaultSettle    = 1 * time.Second
)

// Phases holds the cycle phase durations.
type Phases struct {
	// Listen is the listening window length.
	Listen time.Duration

	// StopGrace is the pause between stopping the session and capturing,
	// giving trailing finals time to land.
	StopGrace time.Duration

	// Settle is the pause after a capture before the next window.
	Settle time.Duration
}

// withDefaults fills zero or negative durations.
func (p Phases) withDefaults() Phases {
	if p.Listen <= 0 {
		p.Listen = DefaultListen
	}
	if p.StopGrace <= 0 {
		p.StopGrace = DefaultStopGrace
	}
	if p.Settle <= 0 {
		p.Settle = DefaultSettle
	}
	return p
}

// ListenControl is the runner's view of the listening side.
type ListenControl interface {
	StartListening()
	StopListening()
}

// FrameCapturer is the runner's view of the capture side.
type FrameCapturer interface {
	Capture(ctx context.Context, caption string)
}

// Config holds the Runner dependencies and tuning.
type Config struct {
	// Listen is the listening control. Required.
	Listen ListenControl

	// Capture takes the per-cycle frame. Required.
	Capture FrameCapturer

	// Gate reports whether listening may start right now. Nil means always.
	Gate func() bool

	// Caption supplies the transcript to attach to the next frame. Nil
	// means empty captions.
	Caption func() string

	// Phases are the cycle durations. Zero values take defaults.
	Phases Phases
}

// Runner executes the cycle until its context is cancelled.
type Runner struct {
	listen  ListenControl
	capture FrameCapturer
	gate    func() bool
	caption func() string
	phases  Phases
}

// New creates a Runner.
func New(cfg Config) *Runner {
	gate := cfg.Gate
	if gate == nil {
		gate = func() bool { return true }
	}
	caption := cfg.Caption
	if caption == nil {
		caption = func() string { return "" }
	}
	return &Runner{
		listen:  cfg.Listen,
		capture: cfg.Capture,
		gate:    gate,
		caption: caption,
		phases:  cfg.Phases.withDefaults(),
	}
}

// Run executes cycles until ctx is cancelled, then stops listening a final
// time and returns nil.
func (r *Runner) Run(ctx context.Context) error {
	slog.Info("loop: cadence started",
		"listen", r.phases.Listen, "stop_grace", r.phases.StopGrace, "settle", r.phases.Settle)
	defer r.listen.StopListening()

	for {
		if r.gate() {
			r.listen.StartListening()
		} else {
			slog.Debug("loop: listening window skipped, gate closed")
		}
		if !sleep(ctx, r.phases.Listen) {
			return nil
		}

		r.listen.StopListening()
		if !sleep(ctx, r.phases.StopGrace) {
			return nil
		}

		r.capture.Capture(ctx, r.caption())
		if !sleep(ctx, r.phases.Settle) {
			return nil
		}
	}
}

// sleep waits for d and reports false when ctx was cancelled first.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// CaptionLatch holds the most recent final transcript until a frame consumes
// it. Safe for concurrent use.
type CaptionLatch struct {
	mu   sync.Mutex
	text string
}

// Set stores text as the pending caption. Interim transcripts should not be
// stored; callers pass finals only.
func (l *CaptionLatch) Set(text string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.text = text
}

// Take returns the pending caption and clears it, so one transcript captions
// at most one frame.
func (l *CaptionLatch) Take() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	text := l.text
	l.text = ""
	return text
}
