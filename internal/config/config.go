// Package config provides the configuration schema, loader, and provider
// registry for the Echolens listening engine.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/echolens/internal/listen"
	"github.com/MrWong99/echolens/internal/trigger"
)

// LogLevel controls log verbosity for the Echolens server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Duration is a time.Duration that unmarshals from YAML strings like "5s"
// or "150ms".
type Duration time.Duration

// UnmarshalYAML parses the duration using time.ParseDuration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders the duration in time.Duration string form.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the duration as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the root configuration structure for Echolens.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server     ServerConfig    `yaml:"server"`
	Recognizer ProviderEntry   `yaml:"recognizer"`
	Audio      ProviderEntry   `yaml:"audio"`
	Camera     ProviderEntry   `yaml:"camera"`
	Triggers   []TriggerConfig `yaml:"triggers"`
	Matching   MatchingConfig  `yaml:"matching"`
	Listen     ListenConfig    `yaml:"listen"`
	Affection  AffectionConfig `yaml:"affection"`
	Loop       LoopConfig      `yaml:"loop"`
}

// ServerConfig holds network and logging settings for the Echolens server.
type ServerConfig struct {
	// ListenAddr is the TCP address the metrics/health server listens on
	// (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// ProviderEntry is the common configuration block shared by all provider
// kinds. The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation
	// (e.g., "deepgram", "whisper").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider
	// (e.g., "nova-3", "whisper-1").
	Model string `yaml:"model"`

	// Language is the BCP-47 language tag requested from the provider
	// (e.g., "zh-CN"). Empty lets the provider auto-detect.
	Language string `yaml:"language"`

	// Options holds provider-specific configuration values not covered by
	// the standard fields above. Values may be strings, numbers, booleans,
	// or nested maps.
	Options map[string]any `yaml:"options"`

	// Fallbacks lists additional providers tried in order when this one
	// fails. Only honoured for the recognizer entry.
	Fallbacks []ProviderEntry `yaml:"fallbacks"`
}

// OptionString returns the option under key as a string, or "" when absent
// or not a string.
func (e ProviderEntry) OptionString(key string) string {
	s, _ := e.Options[key].(string)
	return s
}

// TriggerConfig declares one keyword trigger seeded into the registry at
// startup. When the triggers list is empty, a single built-in default
// trigger for the keyword "吗" is used.
type TriggerConfig struct {
	// Keyword is the phrase to listen for. Must be non-empty.
	Keyword string `yaml:"keyword"`

	// Dialog selects the dialog surfaced when the trigger fires.
	// Empty defaults to "choice".
	Dialog trigger.DialogType `yaml:"dialog"`
}

// MatchingConfig selects the keyword detection strategy.
type MatchingConfig struct {
	// Mode is "substring" (default) or "fuzzy".
	Mode listen.MatchMode `yaml:"mode"`

	// FuzzyThreshold is the minimum Jaro-Winkler score for a phonetic
	// candidate in fuzzy mode, in (0, 1]. Zero means the built-in default.
	FuzzyThreshold float64 `yaml:"fuzzy_threshold"`
}

// ListenConfig tunes the recognition session controller.
type ListenConfig struct {
	// Rearm selects the trigger dedup window: "session" (default) re-arms
	// every fired trigger on each new listening session; "resolution" keeps
	// a trigger disarmed until its dialog is resolved.
	Rearm listen.RearmPolicy `yaml:"rearm"`

	// EvaluatePartials also matches keywords against interim transcripts.
	// Finals are always evaluated.
	EvaluatePartials bool `yaml:"evaluate_partials"`

	// Partials requests interim transcript events from the recognizer.
	Partials bool `yaml:"partials"`
}

// AffectionConfig tunes the affection score policy applied when a keyword
// dialog is resolved. Zero values select the built-in defaults
// (accept −0.4 → "Ah.mp3", reject +0.4 → "casual.mp3", idle "bgm.mp3").
type AffectionConfig struct {
	// AcceptDelta is added to the affection score on accept. Range [-1, 1].
	AcceptDelta float64 `yaml:"accept_delta"`

	// RejectDelta is added to the affection score on reject. Range [-1, 1].
	RejectDelta float64 `yaml:"reject_delta"`

	// AcceptAsset is the background asset selected on accept.
	AcceptAsset string `yaml:"accept_asset"`

	// RejectAsset is the background asset selected on reject.
	RejectAsset string `yaml:"reject_asset"`

	// IdleAsset is the background asset active at startup.
	IdleAsset string `yaml:"idle_asset"`
}

// LoopConfig holds the phase durations of the periodic capture+listen cycle.
// Zero values select the built-in defaults (5s listen, 1s grace, 1s settle).
type LoopConfig struct {
	// ListenWindow is how long each listening session runs.
	ListenWindow Duration `yaml:"listen_window"`

	// StopGrace is the pause between stopping the session and capturing a
	// frame, giving trailing finals time to arrive.
	StopGrace Duration `yaml:"stop_grace"`

	// Settle is the pause after a capture before the next session starts.
	Settle Duration `yaml:"settle"`
}
