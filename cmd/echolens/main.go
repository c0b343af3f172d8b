// Command echolens is the main entry point for the Echolens listening
// companion server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/MrWong99/echolens/internal/app"
	"github.com/MrWong99/echolens/internal/config"
	"github.com/MrWong99/echolens/internal/observe"
	"github.com/MrWong99/echolens/internal/resilience"
	"github.com/MrWong99/echolens/internal/state"
	"github.com/MrWong99/echolens/pkg/audio"
	audiomock "github.com/MrWong99/echolens/pkg/audio/mock"
	"github.com/MrWong99/echolens/pkg/audio/wavfile"
	"github.com/MrWong99/echolens/pkg/camera"
	cameramock "github.com/MrWong99/echolens/pkg/camera/mock"
	"github.com/MrWong99/echolens/pkg/camera/static"
	"github.com/MrWong99/echolens/pkg/recognizer"
	"github.com/MrWong99/echolens/pkg/recognizer/deepgram"
	recmock "github.com/MrWong99/echolens/pkg/recognizer/mock"
	"github.com/MrWong99/echolens/pkg/recognizer/openai"
	"github.com/MrWong99/echolens/pkg/recognizer/whisper"
)

// logLevel is the process-wide log level. The config watcher adjusts it at
// runtime.
var logLevel slog.LevelVar

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Configuration + hot reload ────────────────────────────────────────────
	// The watcher performs the initial load and keeps watching the file;
	// log-level and trigger changes apply without a restart. The watcher
	// goroutine races the app construction below, so the handle lives in an
	// atomic pointer.
	var appRef atomic.Pointer[app.App]
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		applyConfigChange(appRef.Load(), config.Diff(old, new))
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "echolens: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "echolens: %v\n", err)
		}
		return 1
	}
	defer watcher.Stop()
	cfg := watcher.Current()

	// ── Logger ────────────────────────────────────────────────────────────────
	logLevel.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &logLevel})))

	slog.Info("echolens starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: "echolens",
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(cfg, providers)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}
	appRef.Store(application)

	slog.Info("server ready — press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the appropriate
// provider from the real implementation packages.
func registerBuiltinProviders(reg *config.Registry) {
	// ── Audio sources ─────────────────────────────────────────────────────────

	reg.RegisterAudio("file", func(entry config.ProviderEntry) (audio.Source, error) {
		var opts []wavfile.Option
		if entry.Options["loop"] == true {
			opts = append(opts, wavfile.WithLoop())
		}
		return wavfile.New(entry.OptionString("path"), opts...)
	})

	reg.RegisterAudio("mock", func(entry config.ProviderEntry) (audio.Source, error) {
		return &audiomock.Source{}, nil
	})

	// ── Recognizers ───────────────────────────────────────────────────────────

	reg.RegisterRecognizer("deepgram", func(entry config.ProviderEntry, source audio.Source) (recognizer.Recognizer, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		return deepgram.New(entry.APIKey, source, opts...)
	})

	reg.RegisterRecognizer("openai", func(entry config.ProviderEntry, source audio.Source) (recognizer.Recognizer, error) {
		var opts []openai.Option
		if entry.Model != "" {
			opts = append(opts, openai.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		return openai.New(entry.APIKey, source, opts...)
	})

	reg.RegisterRecognizer("whisper", func(entry config.ProviderEntry, source audio.Source) (recognizer.Recognizer, error) {
		return whisper.New(entry.OptionString("model_path"), source)
	})

	reg.RegisterRecognizer("mock", func(entry config.ProviderEntry, source audio.Source) (recognizer.Recognizer, error) {
		return &recmock.Recognizer{}, nil
	})

	// ── Cameras ───────────────────────────────────────────────────────────────

	reg.RegisterCamera("static", func(entry config.ProviderEntry) (camera.Camera, error) {
		var opts []static.Option
		if rot := optInt(entry.Options, "rotation"); rot != 0 {
			opts = append(opts, static.WithRotation(rot))
		}
		return static.New(entry.OptionString("dir"), opts...)
	})

	reg.RegisterCamera("mock", func(entry config.ProviderEntry) (camera.Camera, error) {
		return &cameramock.Camera{}, nil
	})
}

// buildProviders instantiates the providers named in cfg using the registry
// and returns them in an [app.Providers] struct.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	var source audio.Source
	if name := cfg.Audio.Name; name != "" {
		s, err := reg.CreateAudio(cfg.Audio)
		if err != nil {
			return nil, fmt.Errorf("create audio source %q: %w", name, err)
		}
		source = s
		slog.Info("provider created", "kind", "audio", "name", name)
	} else {
		slog.Warn("no audio source configured; recognizers will hear silence")
		source = &audiomock.Source{}
	}

	ps := &app.Providers{}

	if name := cfg.Recognizer.Name; name != "" {
		rec, err := reg.CreateRecognizer(cfg.Recognizer, source)
		if err != nil {
			return nil, fmt.Errorf("create recognizer %q: %w", name, err)
		}
		slog.Info("provider created", "kind", "recognizer", "name", name)

		if len(cfg.Recognizer.Fallbacks) > 0 {
			group := resilience.NewRecognizerFallback(rec, name, resilience.FallbackConfig{})
			for _, fb := range cfg.Recognizer.Fallbacks {
				fallback, err := reg.CreateRecognizer(fb, source)
				if err != nil {
					return nil, fmt.Errorf("create fallback recognizer %q: %w", fb.Name, err)
				}
				group.AddFallback(fb.Name, fallback)
				slog.Info("provider created", "kind", "recognizer", "name", fb.Name, "role", "fallback")
			}
			ps.Recognizer = group
		} else {
			ps.Recognizer = rec
		}
	} else {
		return nil, errors.New("a recognizer must be configured")
	}

	if name := cfg.Camera.Name; name != "" {
		cam, err := reg.CreateCamera(cfg.Camera)
		if err != nil {
			return nil, fmt.Errorf("create camera %q: %w", name, err)
		}
		ps.Camera = cam
		slog.Info("provider created", "kind", "camera", "name", name)
	}

	return ps, nil
}

// ── Hot reload ────────────────────────────────────────────────────────────────

// applyConfigChange applies the hot-reloadable parts of a config diff to the
// running application. Called from the watcher goroutine.
func applyConfigChange(application *app.App, d config.ConfigDiff) {
	if d.LogLevelChanged {
		logLevel.Set(slogLevel(d.NewLogLevel))
		slog.Info("log level updated", "level", d.NewLogLevel)
	}
	if application == nil {
		return
	}
	if d.TriggersChanged {
		applyTriggerChanges(application.Store(), d)
	}
	if d.AffectionChanged {
		slog.Warn("affection policy changed in config; restart to apply")
	}
}

// applyTriggerChanges maps per-keyword diffs onto store CRUD operations.
func applyTriggerChanges(store *state.Store, d config.ConfigDiff) {
	for _, change := range d.TriggerChanges {
		switch {
		case change.Added:
			if _, err := store.AddTrigger(change.Keyword, change.Dialog); err != nil {
				slog.Warn("reload: add trigger", "keyword", change.Keyword, "err", err)
				continue
			}
			slog.Info("reload: trigger added", "keyword", change.Keyword)
		case change.Removed:
			if id, ok := findTriggerID(store, change.Keyword); ok {
				store.RemoveTrigger(id)
				slog.Info("reload: trigger removed", "keyword", change.Keyword)
			}
		case change.DialogChanged:
			id, ok := findTriggerID(store, change.Keyword)
			if !ok {
				continue
			}
			if _, err := store.UpdateTrigger(id, change.Keyword, change.Dialog); err != nil {
				slog.Warn("reload: update trigger", "keyword", change.Keyword, "err", err)
				continue
			}
			slog.Info("reload: trigger updated", "keyword", change.Keyword)
		}
	}
}

// findTriggerID resolves a keyword to its registry ID, case-insensitively.
func findTriggerID(store *state.Store, keyword string) (string, bool) {
	want := strings.ToLower(strings.TrimSpace(keyword))
	for _, t := range store.Snapshot().Triggers {
		if strings.ToLower(t.Keyword) == want {
			return t.ID, true
		}
	}
	return "", false
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        Echolens — startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("Recognizer", cfg.Recognizer.Name, cfg.Recognizer.Model)
	printProvider("Audio", cfg.Audio.Name, "")
	printProvider("Camera", cfg.Camera.Name, "")
	triggers := len(cfg.Triggers)
	if triggers == 0 {
		triggers = 1 // built-in default
	}
	fmt.Printf("║  Triggers        : %-19d ║\n", triggers)
	if cfg.Matching.Mode != "" {
		fmt.Printf("║  Matching        : %-19s ║\n", cfg.Matching.Mode)
	}
	if cfg.Listen.Rearm != "" {
		fmt.Printf("║  Re-arm          : %-19s ║\n", cfg.Listen.Rearm)
	}
	if cfg.Server.ListenAddr != "" {
		fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-14s  : %-19s ║\n", kind, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optInt extracts an integer from a provider Options map[string]any. Returns
// 0 if the map is nil, the key is absent, or the value is not an integer.
func optInt(opts map[string]any, key string) int {
	if opts == nil {
		return 0
	}
	switch v := opts[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	default:
		return 0
	}
}
