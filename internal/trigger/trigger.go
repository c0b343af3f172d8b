// Package trigger holds keyword trigger rules: the data model, validation,
// and the registry that owns the active set.
package trigger

import (
	"errors"

	"github.com/google/uuid"
)

// DialogType selects which dialog a fired trigger surfaces.
type DialogType string

const (
	// DialogChoice is the accept/reject keyword dialog.
	DialogChoice DialogType = "choice"
)

// IsValid reports whether d is a recognised dialog type.
func (d DialogType) IsValid() bool {
	return d == DialogChoice
}

// KeywordTrigger is a single keyword-to-dialog rule. ID is assigned at
// creation and never changes; Keyword values are unique within a registry
// under case-insensitive comparison.
type KeywordTrigger struct {
	ID         string
	Keyword    string
	DialogType DialogType
}

// New creates a KeywordTrigger with a fresh unique ID. It does not validate
// the keyword; use Registry.Add for validated insertion.
func New(keyword string, dialogType DialogType) KeywordTrigger {
	return KeywordTrigger{
		ID:         uuid.NewString(),
		Keyword:    keyword,
		DialogType: dialogType,
	}
}

// Validation errors returned by Registry.Add and Registry.Update. These are
// user-input errors; callers recover locally and must not treat them as fatal.
var (
	// ErrEmptyKeyword means the keyword is empty after trimming whitespace.
	ErrEmptyKeyword = errors.New("trigger: keyword is empty")

	// ErrDuplicateKeyword means another trigger already uses the keyword
	// (case-insensitive).
	ErrDuplicateKeyword = errors.New("trigger: keyword already exists")

	// ErrNotFound means no trigger with the given ID exists.
	ErrNotFound = errors.New("trigger: not found")
)
