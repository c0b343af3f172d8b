package resilience

import (
	"context"
	"errors"

	"github.com/MrWong99/echolens/pkg/recognizer"
)

// RecognizerFallback implements [recognizer.Recognizer] with automatic
// failover across multiple speech backends. Each backend has its own circuit
// breaker, so a cloud recognizer that keeps refusing sessions is bypassed in
// favour of the next configured one.
type RecognizerFallback struct {
	group    *FallbackGroup[recognizer.Recognizer]
	backends []recognizer.Recognizer
}

var _ recognizer.Recognizer = (*RecognizerFallback)(nil)

// NewRecognizerFallback creates a [RecognizerFallback] with primary as the
// preferred backend.
func NewRecognizerFallback(primary recognizer.Recognizer, primaryName string, cfg FallbackConfig) *RecognizerFallback {
	return &RecognizerFallback{
		group:    NewFallbackGroup(primary, primaryName, cfg),
		backends: []recognizer.Recognizer{primary},
	}
}

// AddFallback registers an additional recognizer as a fallback.
func (f *RecognizerFallback) AddFallback(name string, rec recognizer.Recognizer) {
	f.group.AddFallback(name, rec)
	f.backends = append(f.backends, rec)
}

// Start opens a listening session against the first healthy backend. If the
// primary fails to start a session, subsequent fallbacks are tried.
func (f *RecognizerFallback) Start(ctx context.Context, cfg recognizer.Config) (recognizer.Session, error) {
	return ExecuteWithResult(f.group, func(r recognizer.Recognizer) (recognizer.Session, error) {
		return r.Start(ctx, cfg)
	})
}

// Close releases every backend. All backends are closed even when earlier
// ones fail; their errors are joined.
func (f *RecognizerFallback) Close() error {
	var errs []error
	for _, r := range f.backends {
		if err := r.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
