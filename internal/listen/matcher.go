package listen

import (
	"strings"

	"github.com/antzucaro/matchr"

	"github.com/MrWong99/echolens/internal/trigger"
)

// MatchMode selects the keyword detection strategy.
type MatchMode string

const (
	// MatchSubstring is case-insensitive substring containment, the default.
	MatchSubstring MatchMode = "substring"

	// MatchFuzzy extends substring matching with a phonetic pass (Double
	// Metaphone candidates ranked by Jaro-Winkler) for languages where the
	// recognizer mangles keywords into near-misses.
	MatchFuzzy MatchMode = "fuzzy"
)

// IsValid reports whether m is a recognised match mode.
func (m MatchMode) IsValid() bool {
	return m == MatchSubstring || m == MatchFuzzy
}

const defaultFuzzyThreshold = 0.85

// MatcherOption is a functional option for configuring a Matcher.
type MatcherOption func(*Matcher)

// WithMatchMode sets the detection strategy. Default: MatchSubstring.
func WithMatchMode(mode MatchMode) MatcherOption {
	return func(m *Matcher) { m.mode = mode }
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score required for a
// phonetic candidate in MatchFuzzy mode. Default: 0.85.
func WithFuzzyThreshold(threshold float64) MatcherOption {
	return func(m *Matcher) { m.fuzzyThreshold = threshold }
}

// Matcher decides whether and which trigger fires for a transcript. Priority
// is stable: the first matching trigger in registry (insertion) order wins.
//
// Matcher is read-only after construction and safe for concurrent use.
type Matcher struct {
	mode           MatchMode
	fuzzyThreshold float64
}

// NewMatcher creates a Matcher with the given options.
func NewMatcher(opts ...MatcherOption) *Matcher {
	m := &Matcher{
		mode:           MatchSubstring,
		fuzzyThreshold: defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Match scans text for the triggers' keywords and returns the first trigger
// in registry order whose keyword matches. Empty or whitespace-only text
// matches nothing.
func (m *Matcher) Match(triggers []trigger.KeywordTrigger, text string) (trigger.KeywordTrigger, bool) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return trigger.KeywordTrigger{}, false
	}
	lowered := strings.ToLower(trimmed)

	for _, t := range triggers {
		keyword := strings.ToLower(strings.TrimSpace(t.Keyword))
		if keyword == "" {
			continue
		}
		if strings.Contains(lowered, keyword) {
			return t, true
		}
		if m.mode == MatchFuzzy && m.fuzzyWordMatch(lowered, keyword) {
			return t, true
		}
	}
	return trigger.KeywordTrigger{}, false
}

// fuzzyWordMatch reports whether any word of text phonetically matches
// keyword: the Double Metaphone codes must overlap and the Jaro-Winkler
// similarity must reach the threshold.
func (m *Matcher) fuzzyWordMatch(text, keyword string) bool {
	kp, ks := matchr.DoubleMetaphone(keyword)
	if kp == "" && ks == "" {
		// Non-Latin keywords produce no phonetic codes; substring
		// containment already covered them.
		return false
	}

	for _, word := range strings.Fields(text) {
		wp, ws := matchr.DoubleMetaphone(word)
		if !codesOverlap(kp, ks, wp, ws) {
			continue
		}
		if matchr.JaroWinkler(word, keyword, false) >= m.fuzzyThreshold {
			return true
		}
	}
	return false
}

// codesOverlap reports whether any non-empty code from one pair equals any
// from the other.
func codesOverlap(a1, a2, b1, b2 string) bool {
	for _, a := range []string{a1, a2} {
		if a == "" {
			continue
		}
		if a == b1 || a == b2 {
			return true
		}
	}
	return false
}
