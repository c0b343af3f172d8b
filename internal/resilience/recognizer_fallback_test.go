package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/echolens/pkg/recognizer"
	recmock "github.com/MrWong99/echolens/pkg/recognizer/mock"
)

func TestRecognizerFallback_PrimarySuccess(t *testing.T) {
	t.Parallel()

	primary := &recmock.Recognizer{}
	secondary := &recmock.Recognizer{}
	f := NewRecognizerFallback(primary, "deepgram", FallbackConfig{})
	f.AddFallback("whisper", secondary)

	sess, err := f.Start(context.Background(), recognizer.Config{Language: "zh-CN"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if sess == nil {
		t.Fatal("Start returned nil session")
	}
	if got := primary.StartCallCount(); got != 1 {
		t.Errorf("primary start calls = %d, want 1", got)
	}
	if got := secondary.StartCallCount(); got != 0 {
		t.Errorf("secondary start calls = %d, want 0", got)
	}
}

func TestRecognizerFallback_FailsOverToSecondary(t *testing.T) {
	t.Parallel()

	primary := &recmock.Recognizer{StartErr: errors.New("quota exceeded")}
	secondary := &recmock.Recognizer{}
	f := NewRecognizerFallback(primary, "deepgram", FallbackConfig{})
	f.AddFallback("whisper", secondary)

	if _, err := f.Start(context.Background(), recognizer.Config{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := primary.StartCallCount(); got != 1 {
		t.Errorf("primary start calls = %d, want 1", got)
	}
	if got := secondary.StartCallCount(); got != 1 {
		t.Errorf("secondary start calls = %d, want 1", got)
	}
}

func TestRecognizerFallback_AllFail(t *testing.T) {
	t.Parallel()

	primary := &recmock.Recognizer{StartErr: errors.New("down")}
	secondary := &recmock.Recognizer{StartErr: errors.New("also down")}
	f := NewRecognizerFallback(primary, "deepgram", FallbackConfig{})
	f.AddFallback("openai", secondary)

	if _, err := f.Start(context.Background(), recognizer.Config{}); !errors.Is(err, ErrAllFailed) {
		t.Errorf("Start = %v, want ErrAllFailed", err)
	}
}

func TestRecognizerFallback_BreakerSkipsTrippedPrimary(t *testing.T) {
	t.Parallel()

	primary := &recmock.Recognizer{StartErr: errors.New("down")}
	secondary := &recmock.Recognizer{}
	f := NewRecognizerFallback(primary, "deepgram", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 2},
	})
	f.AddFallback("whisper", secondary)

	for range 3 {
		if _, err := f.Start(context.Background(), recognizer.Config{}); err != nil {
			t.Fatalf("Start: %v", err)
		}
	}

	// The third attempt found the primary's breaker open and skipped it.
	if got := primary.StartCallCount(); got != 2 {
		t.Errorf("primary start calls = %d, want 2", got)
	}
	if got := secondary.StartCallCount(); got != 3 {
		t.Errorf("secondary start calls = %d, want 3", got)
	}
}

func TestRecognizerFallback_CloseClosesAllBackends(t *testing.T) {
	t.Parallel()

	primary := &recmock.Recognizer{}
	secondary := &recmock.Recognizer{}
	f := NewRecognizerFallback(primary, "deepgram", FallbackConfig{})
	f.AddFallback("whisper", secondary)

	if err := f.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if primary.CloseCount() != 1 || secondary.CloseCount() != 1 {
		t.Errorf("close counts = %d/%d, want 1/1", primary.CloseCount(), secondary.CloseCount())
	}
}
