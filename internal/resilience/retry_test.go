package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestLinear(t *testing.T) {
	base := time.Second

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 3 * time.Second},
		{0, 1 * time.Second}, // clamped
	}
	for _, tt := range tests {
		if got := Linear(base, tt.attempt); got != tt.want {
			t.Errorf("Linear(base, %d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestExponential_GrowthAndCap(t *testing.T) {
	base := 2 * time.Second
	max := 10 * time.Second

	if got := Exponential(base, max, 2, 0, 1); got != 2*time.Second {
		t.Errorf("attempt 1: got %v, want 2s", got)
	}
	if got := Exponential(base, max, 2, 0, 2); got != 4*time.Second {
		t.Errorf("attempt 2: got %v, want 4s", got)
	}
	if got := Exponential(base, max, 2, 0, 3); got != 8*time.Second {
		t.Errorf("attempt 3: got %v, want 8s", got)
	}
	// Attempt 4 would be 16s; the cap holds it at 10s.
	if got := Exponential(base, max, 2, 0, 4); got != 10*time.Second {
		t.Errorf("attempt 4: got %v, want 10s cap", got)
	}
}

func TestExponential_JitterStaysInRange(t *testing.T) {
	base := time.Second
	for i := 0; i < 100; i++ {
		got := Exponential(base, 0, 2, 0.25, 1)
		if got < 750*time.Millisecond || got > 1250*time.Millisecond {
			t.Fatalf("jittered delay %v outside ±25%% of 1s", got)
		}
	}
}

func TestDoVal_SucceedsFirstTry(t *testing.T) {
	var calls int
	val, err := DoVal(context.Background(), RetryConfig{MaxAttempts: 3}, func(_ context.Context) (int, error) {
		calls++
		return 42, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if val != 42 {
		t.Errorf("expected 42, got %d", val)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestDoVal_RetriesTransientThenSucceeds(t *testing.T) {
	cfg := RetryConfig{
		MaxAttempts: 3,
		Base:        time.Millisecond,
		Jitter:      0,
		ShouldRetry: func(error) bool { return true },
	}

	var calls int
	val, err := DoVal(context.Background(), cfg, func(_ context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", errors.New("i/o timeout")
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if val != "ok" {
		t.Errorf("expected ok, got %q", val)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestDo_StopsOnPermanentError(t *testing.T) {
	var calls int
	err := Do(context.Background(), RetryConfig{MaxAttempts: 5, Base: time.Millisecond}, func(_ context.Context) error {
		calls++
		return errors.New("permission denied")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	// "permission denied" matches no transient pattern: a single attempt.
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	cfg := RetryConfig{
		MaxAttempts: 4,
		Base:        time.Millisecond,
		Jitter:      0,
		ShouldRetry: func(error) bool { return true },
	}

	var calls int
	err := Do(context.Background(), cfg, func(_ context.Context) error {
		calls++
		return errors.New("fail")
	})
	if err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	if calls != 4 {
		t.Errorf("expected exactly 4 calls, got %d", calls)
	}
}

func TestDo_ContextCancelStopsRetries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	cfg := RetryConfig{
		MaxAttempts: 10,
		Base:        50 * time.Millisecond,
		ShouldRetry: func(error) bool { return true },
	}

	var calls int
	err := Do(ctx, cfg, func(_ context.Context) error {
		calls++
		cancel()
		return errors.New("fail")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("expected 1 call before cancellation, got %d", calls)
	}
}

func TestDo_OnRetryCallback(t *testing.T) {
	var attempts []int
	cfg := RetryConfig{
		MaxAttempts: 3,
		Base:        time.Millisecond,
		Jitter:      0,
		ShouldRetry: func(error) bool { return true },
		OnRetry:     func(attempt int, _ error) { attempts = append(attempts, attempt) },
	}

	_ = Do(context.Background(), cfg, func(_ context.Context) error {
		return errors.New("fail")
	})

	// Called before each sleep: after attempts 1 and 2, not after the last.
	if len(attempts) != 2 || attempts[0] != 1 || attempts[1] != 2 {
		t.Errorf("expected OnRetry for attempts [1 2], got %v", attempts)
	}
}
