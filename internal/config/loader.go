package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/echolens/internal/trigger"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"recognizer": {"deepgram", "openai", "whisper", "mock"},
	"audio":      {"file", "mock"},
	"camera":     {"static", "mock"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	// Provider name validation — warn for unknown provider names.
	validateProviderName("recognizer", cfg.Recognizer.Name)
	validateProviderName("audio", cfg.Audio.Name)
	validateProviderName("camera", cfg.Camera.Name)

	// Per-recognizer credential requirements, for the primary entry and any
	// configured fallbacks.
	errs = append(errs, validateRecognizerEntry(cfg.Recognizer, "recognizer")...)
	for i, fb := range cfg.Recognizer.Fallbacks {
		label := fmt.Sprintf("recognizer.fallbacks[%d]", i)
		validateProviderName("recognizer", fb.Name)
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("%s: name must be set", label))
			continue
		}
		errs = append(errs, validateRecognizerEntry(fb, label)...)
	}

	if cfg.Audio.Name == "file" && cfg.Audio.OptionString("path") == "" {
		errs = append(errs, errors.New(`audio "file" requires audio.options.path`))
	}
	if cfg.Camera.Name == "static" && cfg.Camera.OptionString("dir") == "" {
		errs = append(errs, errors.New(`camera "static" requires camera.options.dir`))
	}

	if cfg.Recognizer.Name == "" {
		slog.Warn("no recognizer configured; listening sessions cannot start")
	}
	if cfg.Camera.Name == "" {
		slog.Warn("no camera configured; the capture loop will skip frames")
	}

	// Triggers: non-empty keywords, valid dialog types, no case-insensitive
	// duplicates. An empty list falls back to the built-in default trigger.
	keywordsSeen := make(map[string]int, len(cfg.Triggers))
	for i, t := range cfg.Triggers {
		prefix := fmt.Sprintf("triggers[%d]", i)
		cleaned := strings.TrimSpace(t.Keyword)
		if cleaned == "" {
			errs = append(errs, fmt.Errorf("%s.keyword is required", prefix))
		} else {
			lowered := strings.ToLower(cleaned)
			if prev, ok := keywordsSeen[lowered]; ok {
				errs = append(errs, fmt.Errorf("%s.keyword %q is a duplicate of triggers[%d]", prefix, cleaned, prev))
			}
			keywordsSeen[lowered] = i
		}
		if t.Dialog != "" && !t.Dialog.IsValid() {
			errs = append(errs, fmt.Errorf("%s.dialog %q is invalid; valid values: choice", prefix, t.Dialog))
		}
	}

	// Matching
	if cfg.Matching.Mode != "" && !cfg.Matching.Mode.IsValid() {
		errs = append(errs, fmt.Errorf("matching.mode %q is invalid; valid values: substring, fuzzy", cfg.Matching.Mode))
	}
	if cfg.Matching.FuzzyThreshold != 0 {
		if cfg.Matching.FuzzyThreshold <= 0 || cfg.Matching.FuzzyThreshold > 1 {
			errs = append(errs, fmt.Errorf("matching.fuzzy_threshold %.2f is out of range (0, 1]", cfg.Matching.FuzzyThreshold))
		}
	}

	// Listen
	if cfg.Listen.Rearm != "" && !cfg.Listen.Rearm.IsValid() {
		errs = append(errs, fmt.Errorf("listen.rearm %q is invalid; valid values: session, resolution", cfg.Listen.Rearm))
	}
	if cfg.Listen.EvaluatePartials && !cfg.Listen.Partials {
		slog.Warn("listen.evaluate_partials is set but listen.partials is not; no interim transcripts will arrive")
	}

	// Affection deltas stay within one full score unit per resolution.
	if cfg.Affection.AcceptDelta < -1 || cfg.Affection.AcceptDelta > 1 {
		errs = append(errs, fmt.Errorf("affection.accept_delta %.2f is out of range [-1, 1]", cfg.Affection.AcceptDelta))
	}
	if cfg.Affection.RejectDelta < -1 || cfg.Affection.RejectDelta > 1 {
		errs = append(errs, fmt.Errorf("affection.reject_delta %.2f is out of range [-1, 1]", cfg.Affection.RejectDelta))
	}

	// Loop phases
	if cfg.Loop.ListenWindow < 0 {
		errs = append(errs, fmt.Errorf("loop.listen_window %s must not be negative", cfg.Loop.ListenWindow.Std()))
	}
	if cfg.Loop.StopGrace < 0 {
		errs = append(errs, fmt.Errorf("loop.stop_grace %s must not be negative", cfg.Loop.StopGrace.Std()))
	}
	if cfg.Loop.Settle < 0 {
		errs = append(errs, fmt.Errorf("loop.settle %s must not be negative", cfg.Loop.Settle.Std()))
	}

	return errors.Join(errs...)
}

// SeedTriggers converts the configured trigger list into registry seed
// values. An empty list yields the built-in default trigger for "吗".
func (c *Config) SeedTriggers() []trigger.KeywordTrigger {
	if len(c.Triggers) == 0 {
		return []trigger.KeywordTrigger{trigger.New("吗", trigger.DialogChoice)}
	}
	seeds := make([]trigger.KeywordTrigger, 0, len(c.Triggers))
	for _, t := range c.Triggers {
		dialog := t.Dialog
		if dialog == "" {
			dialog = trigger.DialogChoice
		}
		seeds = append(seeds, trigger.New(strings.TrimSpace(t.Keyword), dialog))
	}
	return seeds
}

// validateRecognizerEntry checks the credential requirements of a single
// recognizer provider entry. label names the entry in error messages.
func validateRecognizerEntry(entry ProviderEntry, label string) []error {
	var errs []error
	switch entry.Name {
	case "deepgram", "openai":
		if entry.APIKey == "" {
			errs = append(errs, fmt.Errorf("%s %q requires %s.api_key", label, entry.Name, label))
		}
	case "whisper":
		if entry.OptionString("model_path") == "" {
			errs = append(errs, fmt.Errorf("%s %q requires %s.options.model_path", label, entry.Name, label))
		}
	}
	return errs
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
