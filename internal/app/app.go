// Package app wires all Echolens subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run executes the capture+listen cycle and the event plumbing,
// and Shutdown tears everything down in reverse-init order.
//
// For testing, inject mock implementations via the Providers struct; the
// recognizer and camera come from the config registry in main.
package app

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/echolens/internal/capture"
	"github.com/MrWong99/echolens/internal/config"
	"github.com/MrWong99/echolens/internal/health"
	"github.com/MrWong99/echolens/internal/listen"
	"github.com/MrWong99/echolens/internal/loop"
	"github.com/MrWong99/echolens/internal/observe"
	"github.com/MrWong99/echolens/internal/state"
	"github.com/MrWong99/echolens/internal/trigger"
	"github.com/MrWong99/echolens/pkg/camera"
	"github.com/MrWong99/echolens/pkg/recognizer"
)

// Providers holds the external collaborators the application listens and
// looks through. Populated by main via the config registry; tests inject
// mocks directly.
type Providers struct {
	// Recognizer is the speech backend. Required.
	Recognizer recognizer.Recognizer

	// Camera delivers frames for the capture loop. Nil disables capture.
	Camera camera.Camera
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	// Subsystems — initialised in New, torn down in Shutdown.
	registry   *trigger.Registry
	store      *state.Store
	controller *listen.Controller
	capturer   *capture.Coordinator
	runner     *loop.Runner
	caption    *loop.CaptionLatch
	metrics    *observe.Metrics
	httpSrv    *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithMetrics injects a metrics set instead of the process-global default.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// New creates an App by wiring trigger registry, state store, session
// controller, capture coordinator, and cycle runner together.
func New(cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.Recognizer == nil {
		return nil, errors.New("app: a recognizer provider is required")
	}

	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	a.registry = trigger.NewRegistry(cfg.SeedTriggers()...)
	a.caption = &loop.CaptionLatch{}

	a.initController()
	a.initStore()
	a.initCapture()
	a.initRunner()
	a.initHTTP()

	return a, nil
}

// initController builds the recognition session controller from config.
func (a *App) initController() {
	var matcherOpts []listen.MatcherOption
	if a.cfg.Matching.Mode != "" {
		matcherOpts = append(matcherOpts, listen.WithMatchMode(a.cfg.Matching.Mode))
	}
	if a.cfg.Matching.FuzzyThreshold > 0 {
		matcherOpts = append(matcherOpts, listen.WithFuzzyThreshold(a.cfg.Matching.FuzzyThreshold))
	}

	a.controller = listen.NewController(listen.ControllerConfig{
		Recognizer: a.providers.Recognizer,
		Recognition: recognizer.Config{
			Language: a.cfg.Recognizer.Language,
			Model:    a.cfg.Recognizer.Model,
			Partials: a.cfg.Listen.Partials,
		},
		Matcher:          listen.NewMatcher(matcherOpts...),
		Triggers:         a.registry.Snapshot(),
		EvaluatePartials: a.cfg.Listen.EvaluatePartials,
		Rearm:            a.cfg.Listen.Rearm,
		TranscriptFunc: func(text string, isFinal bool) {
			// The last final of a listen window captions the next frame.
			if isFinal {
				a.caption.Set(text)
			}
		},
		Metrics: a.metrics,
	})
	a.closers = append(a.closers, func() error {
		a.controller.Release()
		return nil
	})
}

// initStore builds the state store and wires it to the controller.
func (a *App) initStore() {
	policy := state.DefaultPolicy()
	if c := a.cfg.Affection; c != (config.AffectionConfig{}) {
		if c.AcceptDelta != 0 {
			policy.AcceptDelta = c.AcceptDelta
		}
		if c.RejectDelta != 0 {
			policy.RejectDelta = c.RejectDelta
		}
		if c.AcceptAsset != "" {
			policy.AcceptAsset = c.AcceptAsset
		}
		if c.RejectAsset != "" {
			policy.RejectAsset = c.RejectAsset
		}
		if c.IdleAsset != "" {
			policy.IdleAsset = c.IdleAsset
		}
	}

	a.store = state.NewStore(a.registry,
		state.WithPolicy(policy),
		state.WithListenControl(&resumeControl{
			controller: a.controller,
			rearm:      a.cfg.Listen.Rearm == listen.RearmOnResolution,
		}),
		state.WithMetrics(a.metrics),
		state.WithTriggerSync(a.controller.UpdateTriggers),
	)
}

// initCapture builds the capture coordinator when a camera is configured.
func (a *App) initCapture() {
	if a.providers.Camera == nil {
		slog.Info("no camera provider; frame capture disabled")
		return
	}
	a.capturer = capture.NewCoordinator(capture.Config{
		Camera:  a.providers.Camera,
		Metrics: a.metrics,
	})
	a.closers = append(a.closers, a.capturer.Close)
}

// initRunner builds the periodic capture+listen cycle.
func (a *App) initRunner() {
	var frames loop.FrameCapturer = noopCapturer{}
	if a.capturer != nil {
		frames = a.capturer
	}

	a.runner = loop.New(loop.Config{
		Listen:  a.controller,
		Capture: frames,
		Gate: func() bool {
			snap := a.store.Snapshot()
			return !snap.ShowKeywordDialog && !snap.ShowTriggerDialog
		},
		Caption: a.caption.Take,
		Phases: loop.Phases{
			Listen:    a.cfg.Loop.ListenWindow.Std(),
			StopGrace: a.cfg.Loop.StopGrace.Std(),
			Settle:    a.cfg.Loop.Settle.Std(),
		},
	})
}

// initHTTP builds the metrics/health server when a listen address is set.
func (a *App) initHTTP() {
	if a.cfg.Server.ListenAddr == "" {
		return
	}

	checks := []health.Checker{
		{Name: "recognizer", Check: func(context.Context) error {
			if a.controller.State() == listen.StateReleased {
				return errors.New("recognizer handle is released")
			}
			return nil
		}},
	}
	if a.capturer != nil {
		checks = append(checks, health.Checker{Name: "camera", Check: func(context.Context) error {
			if _, ok := a.capturer.Latest(); !ok {
				return errors.New("no frame captured yet")
			}
			return nil
		}})
	}

	mux := http.NewServeMux()
	health.New(checks...).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	a.httpSrv = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           observe.Middleware(a.metrics)(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// Store exposes the state store for the presentation boundary.
func (a *App) Store() *state.Store { return a.store }

// Controller exposes the recognition session controller.
func (a *App) Controller() *listen.Controller { return a.controller }

// Run starts the capture+listen cycle, the fired-trigger plumbing, and the
// metrics server, then blocks until ctx is cancelled or a subsystem fails.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	// Fired triggers flow from the controller into the state store, which
	// opens the dialog and pauses listening.
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case ft, ok := <-a.controller.Fired():
				if !ok {
					return nil
				}
				slog.Info("trigger fired",
					"keyword", ft.Trigger.Keyword,
					"transcript", ft.Transcript,
				)
				a.store.OnFiredTrigger(ft.Trigger)
			}
		}
	})

	g.Go(func() error {
		return a.runner.Run(gctx)
	})

	if a.httpSrv != nil {
		g.Go(func() error {
			slog.Info("metrics server listening", "addr", a.httpSrv.Addr)
			var err error
			if tls := a.cfg.Server.TLS; tls != nil {
				err = a.httpSrv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
			} else {
				err = a.httpSrv.ListenAndServe()
			}
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return a.httpSrv.Shutdown(shutdownCtx)
		})
	}

	slog.Info("app running", "triggers", len(a.registry.Snapshot()))
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return ctx.Err()
	}
	return err
}

// Shutdown tears down all subsystems in init order. It respects the context
// deadline: if ctx expires before all closers finish, remaining closers are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// resumeControl adapts the controller to the store's listening side. Under
// the resolution re-arm policy, resuming after a dialog is the moment fired
// triggers become eligible again.
type resumeControl struct {
	controller *listen.Controller
	rearm      bool
}

func (r *resumeControl) StartListening() {
	if r.rearm {
		r.controller.Rearm()
	}
	r.controller.StartListening()
}

func (r *resumeControl) StopListening() {
	r.controller.StopListening()
}

// noopCapturer stands in when no camera is configured.
type noopCapturer struct{}

func (noopCapturer) Capture(context.Context, string) {}
