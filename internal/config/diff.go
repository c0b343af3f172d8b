package config

import (
	"strings"

	"github.com/MrWong99/echolens/internal/trigger"
)

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked: log level, the
// trigger list, and the affection policy. Provider, matching, and loop
// changes require a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	TriggersChanged bool
	TriggerChanges  []TriggerDiff // per-keyword diffs

	AffectionChanged bool
	NewAffection     AffectionConfig
}

// TriggerDiff describes what changed for a single keyword between two configs.
// Keywords are compared case-insensitively, matching registry semantics.
type TriggerDiff struct {
	Keyword       string
	Dialog        trigger.DialogType // effective dialog in the new config; zero for removals
	DialogChanged bool
	Added         bool
	Removed       bool
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	// Build trigger lookup maps keyed by lowercase keyword.
	oldTriggers := make(map[string]*TriggerConfig, len(old.Triggers))
	for i := range old.Triggers {
		oldTriggers[triggerKey(old.Triggers[i].Keyword)] = &old.Triggers[i]
	}
	newTriggers := make(map[string]*TriggerConfig, len(new.Triggers))
	for i := range new.Triggers {
		newTriggers[triggerKey(new.Triggers[i].Keyword)] = &new.Triggers[i]
	}

	// Detect modified and removed triggers.
	for key, oldT := range oldTriggers {
		newT, exists := newTriggers[key]
		if !exists {
			d.TriggerChanges = append(d.TriggerChanges, TriggerDiff{
				Keyword: oldT.Keyword,
				Removed: true,
			})
			d.TriggersChanged = true
			continue
		}
		if effectiveDialog(oldT.Dialog) != effectiveDialog(newT.Dialog) {
			d.TriggerChanges = append(d.TriggerChanges, TriggerDiff{
				Keyword:       newT.Keyword,
				Dialog:        effectiveDialog(newT.Dialog),
				DialogChanged: true,
			})
			d.TriggersChanged = true
		}
	}

	// Detect added triggers.
	for key, newT := range newTriggers {
		if _, exists := oldTriggers[key]; !exists {
			d.TriggerChanges = append(d.TriggerChanges, TriggerDiff{
				Keyword: newT.Keyword,
				Dialog:  effectiveDialog(newT.Dialog),
				Added:   true,
			})
			d.TriggersChanged = true
		}
	}

	// Affection policy
	if old.Affection != new.Affection {
		d.AffectionChanged = true
		d.NewAffection = new.Affection
	}

	return d
}

func triggerKey(keyword string) string {
	return strings.ToLower(strings.TrimSpace(keyword))
}

func effectiveDialog(d trigger.DialogType) trigger.DialogType {
	if d == "" {
		return trigger.DialogChoice
	}
	return d
}
