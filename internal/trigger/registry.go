package trigger

import (
	"fmt"
	"strings"
	"sync"
)

// Registry owns the active trigger set. Every successful mutation replaces
// the internal snapshot (no in-place aliasing) and synchronously notifies the
// registered change listener before the mutation returns, so consumers never
// process a transcript against a stale set after the mutating call completes.
//
// All methods are safe for concurrent use.
type Registry struct {
	mu       sync.Mutex
	triggers []KeywordTrigger
	onChange func([]KeywordTrigger)
}

// NewRegistry creates a Registry seeded with the given triggers. Seed
// triggers are trusted (no validation) — they come from config or the
// built-in default.
func NewRegistry(initial ...KeywordTrigger) *Registry {
	snap := make([]KeywordTrigger, len(initial))
	copy(snap, initial)
	return &Registry{triggers: snap}
}

// OnChange registers fn to be called with the new snapshot after every
// successful mutation, while the mutation is still in progress. fn must not
// call back into the Registry. Only one listener is supported; subsequent
// calls replace the previous one.
func (r *Registry) OnChange(fn func([]KeywordTrigger)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = fn
}

// Snapshot returns a copy of the current trigger set in insertion order.
func (r *Registry) Snapshot() []KeywordTrigger {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap := make([]KeywordTrigger, len(r.triggers))
	copy(snap, r.triggers)
	return snap
}

// Add validates and appends a new trigger. Checks run in order: the trimmed
// keyword must be non-empty (ErrEmptyKeyword), then it must not collide
// case-insensitively with an existing trigger (ErrDuplicateKeyword).
func (r *Registry) Add(keyword string, dialogType DialogType) (KeywordTrigger, error) {
	cleaned := strings.TrimSpace(keyword)
	if cleaned == "" {
		return KeywordTrigger{}, fmt.Errorf("add %q: %w", keyword, ErrEmptyKeyword)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.collides(cleaned, "") {
		return KeywordTrigger{}, fmt.Errorf("add %q: %w", cleaned, ErrDuplicateKeyword)
	}

	t := New(cleaned, dialogType)
	next := make([]KeywordTrigger, len(r.triggers), len(r.triggers)+1)
	copy(next, r.triggers)
	next = append(next, t)
	r.replace(next)
	return t, nil
}

// Update validates and replaces the keyword and dialog type of the trigger
// with the given ID, keeping its position and ID. The duplicate check
// excludes the trigger being updated.
func (r *Registry) Update(id, keyword string, dialogType DialogType) (KeywordTrigger, error) {
	cleaned := strings.TrimSpace(keyword)
	if cleaned == "" {
		return KeywordTrigger{}, fmt.Errorf("update %q: %w", keyword, ErrEmptyKeyword)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.collides(cleaned, id) {
		return KeywordTrigger{}, fmt.Errorf("update %q: %w", cleaned, ErrDuplicateKeyword)
	}

	idx := -1
	for i, t := range r.triggers {
		if t.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return KeywordTrigger{}, fmt.Errorf("update %q: %w", id, ErrNotFound)
	}

	next := make([]KeywordTrigger, len(r.triggers))
	copy(next, r.triggers)
	next[idx] = KeywordTrigger{ID: id, Keyword: cleaned, DialogType: dialogType}
	r.replace(next)
	return next[idx], nil
}

// Remove deletes the trigger with the given ID. Removing an absent ID is a
// no-op: the ID may have been removed concurrently and there is nothing for
// the caller to recover.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := -1
	for i, t := range r.triggers {
		if t.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return
	}

	next := make([]KeywordTrigger, 0, len(r.triggers)-1)
	next = append(next, r.triggers[:idx]...)
	next = append(next, r.triggers[idx+1:]...)
	r.replace(next)
}

// collides reports whether cleaned case-insensitively matches any trigger's
// keyword, excluding the trigger with excludeID. Must be called with r.mu held.
func (r *Registry) collides(cleaned, excludeID string) bool {
	for _, t := range r.triggers {
		if t.ID == excludeID {
			continue
		}
		if strings.EqualFold(t.Keyword, cleaned) {
			return true
		}
	}
	return false
}

// replace installs the new snapshot and fires the change listener.
// Must be called with r.mu held.
func (r *Registry) replace(next []KeywordTrigger) {
	r.triggers = next
	if r.onChange != nil {
		snap := make([]KeywordTrigger, len(next))
		copy(snap, next)
		r.onChange(snap)
	}
}
