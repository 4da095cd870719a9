package backoff

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestComputeWithRand(t *testing.T) {
	tests := []struct {
		name        string
		policy      Policy
		attempt     int
		randomValue float64
		expected    time.Duration
	}{
		{
			name:        "first attempt with no jitter",
			policy:      Policy{InitialMs: 100, MaxMs: 10000, Factor: 2, Jitter: 0},
			attempt:     1,
			randomValue: 0.5,
			expected:    100 * time.Millisecond,
		},
		{
			name:        "second attempt doubles",
			policy:      Policy{InitialMs: 100, MaxMs: 10000, Factor: 2, Jitter: 0},
			attempt:     2,
			randomValue: 0.5,
			expected:    200 * time.Millisecond,
		},
		{
			name:        "clamped to max",
			policy:      Policy{InitialMs: 100, MaxMs: 500, Factor: 2, Jitter: 0},
			attempt:     10,
			randomValue: 0.5,
			expected:    500 * time.Millisecond,
		},
		{
			name:        "with 10% jitter at max random",
			policy:      Policy{InitialMs: 100, MaxMs: 10000, Factor: 2, Jitter: 0.1},
			attempt:     1,
			randomValue: 1.0,
			// base = 100, jitter = 100 * 0.1 * 1.0 = 10, total = 110
			expected: 110 * time.Millisecond,
		},
		{
			name:        "attempt 0 treated as 1",
			policy:      Policy{InitialMs: 100, MaxMs: 10000, Factor: 2, Jitter: 0},
			attempt:     0,
			randomValue: 0.5,
			expected:    100 * time.Millisecond,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ComputeWithRand(tt.policy, tt.attempt, tt.randomValue)
			if got != tt.expected {
				t.Fatalf("ComputeWithRand() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestDefaultPolicyStaysUnderCap(t *testing.T) {
	policy := DefaultPolicy()
	for attempt := 1; attempt <= 10; attempt++ {
		d := ComputeWithRand(policy, attempt, 1.0)
		if d > 5*time.Second {
			t.Fatalf("attempt %d backoff %v exceeds 5s cap", attempt, d)
		}
	}
}

func TestRetrySucceedsAfterFailures(t *testing.T) {
	policy := Policy{InitialMs: 1, MaxMs: 2, Factor: 1, Jitter: 0}
	calls := 0

	result, err := Retry(context.Background(), policy, 5, func(attempt int) (string, error) {
		calls++
		if attempt < 3 {
			return "", errors.New("transient")
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("Retry() error = %v", err)
	}
	if result.Value != "ok" {
		t.Fatalf("Retry() value = %q, want %q", result.Value, "ok")
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
}

func TestRetryExhaustsAttempts(t *testing.T) {
	policy := Policy{InitialMs: 1, MaxMs: 2, Factor: 1, Jitter: 0}
	wantErr := errors.New("always fails")

	result, err := Retry(context.Background(), policy, 3, func(int) (int, error) {
		return 0, wantErr
	})
	if !errors.Is(err, ErrMaxAttemptsExhausted) {
		t.Fatalf("Retry() error = %v, want ErrMaxAttemptsExhausted", err)
	}
	if result.Attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", result.Attempts)
	}
	if !errors.Is(result.LastError, wantErr) {
		t.Fatalf("LastError = %v, want %v", result.LastError, wantErr)
	}
}

func TestRetryStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	policy := Policy{InitialMs: 60_000, MaxMs: 60_000, Factor: 1, Jitter: 0}

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := Retry(ctx, policy, 3, func(int) (int, error) {
		return 0, errors.New("fail")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Retry() error = %v, want context.Canceled", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("cancellation took too long: %v", elapsed)
	}
}

func TestSleepHonoursCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := Sleep(ctx, time.Minute); !errors.Is(err, context.Canceled) {
		t.Fatalf("Sleep() error = %v, want context.Canceled", err)
	}
	if err := Sleep(context.Background(), 0); err != nil {
		t.Fatalf("Sleep(0) error = %v", err)
	}
}
