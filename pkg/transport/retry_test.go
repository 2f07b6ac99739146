package transport

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestWithRetrySuccess(t *testing.T) {
	callCount := 0
	successOnAttempt := 3

	fn := func(ctx context.Context) error {
		callCount++
		if callCount >= successOnAttempt {
			return nil
		}
		return NewTemporaryError(errors.New("temporary error"), true)
	}

	policy := RetryPolicy{
		MaxRetries:     5,
		InitialBackoff: 1 * time.Millisecond,
		MaxBackoff:     10 * time.Millisecond,
		BackoffFactor:  2.0,
		Jitter:         0.1,
	}

	if err := WithRetry(context.Background(), policy, fn); err != nil {
		t.Errorf("Expected success, got error: %v", err)
	}

	if callCount != successOnAttempt {
		t.Errorf("Expected %d calls, got %d", successOnAttempt, callCount)
	}
}

func TestWithRetryExceedMaxRetries(t *testing.T) {
	callCount := 0
	persistent := errors.New("persistent error")

	fn := func(ctx context.Context) error {
		callCount++
		return persistent
	}

	policy := RetryPolicy{
		MaxRetries:     3,
		InitialBackoff: 1 * time.Millisecond,
		MaxBackoff:     10 * time.Millisecond,
		BackoffFactor:  2.0,
		Jitter:         0.0, // Disable jitter for deterministic tests
		Retryable:      func(error) bool { return true },
	}

	err := WithRetry(context.Background(), policy, fn)
	if !errors.Is(err, ErrMaxRetriesExceeded) {
		t.Errorf("Expected ErrMaxRetriesExceeded, got %v", err)
	}
	if !errors.Is(err, persistent) {
		t.Errorf("Expected last error to be wrapped, got %v", err)
	}

	expectedCalls := policy.MaxRetries + 1 // Initial try + retries
	if callCount != expectedCalls {
		t.Errorf("Expected %d calls, got %d", expectedCalls, callCount)
	}
}

func TestWithRetryStopsOnPermanentError(t *testing.T) {
	callCount := 0
	permanent := errors.New("key not found")

	err := WithRetry(context.Background(), DefaultRetryPolicy(), func(ctx context.Context) error {
		callCount++
		return permanent
	})

	if err != permanent {
		t.Errorf("Expected the permanent error unwrapped, got %v", err)
	}
	if callCount != 1 {
		t.Errorf("Expected a single call, got %d", callCount)
	}
}

func TestWithRetryContextCancellation(t *testing.T) {
	callCount := 0

	fn := func(ctx context.Context) error {
		callCount++
		return NewTemporaryError(errors.New("error"), true)
	}

	policy := RetryPolicy{
		MaxRetries:     10,
		InitialBackoff: 50 * time.Millisecond,
		MaxBackoff:     1 * time.Second,
		BackoffFactor:  2.0,
		Jitter:         0.0,
	}

	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := WithRetry(ctx, policy, fn)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled error, got: %v", err)
	}
}

func TestExponentialBackoff(t *testing.T) {
	initialBackoff := 100 * time.Millisecond
	maxBackoff := 10 * time.Second
	factor := 2.0

	tests := []struct {
		name     string
		attempt  int
		expected time.Duration
	}{
		{"FirstAttempt", 0, 100 * time.Millisecond},
		{"SecondAttempt", 1, 200 * time.Millisecond},
		{"ThirdAttempt", 2, 400 * time.Millisecond},
		{"FourthAttempt", 3, 800 * time.Millisecond},
		{"MaxBackoff", 10, maxBackoff},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := ExponentialBackoff(tt.attempt, initialBackoff, maxBackoff, factor)
			if result != tt.expected {
				t.Errorf("Expected %v, got %v", tt.expected, result)
			}
		})
	}
}

func TestCircuitBreaker(t *testing.T) {
	t.Run("Initially Closed", func(t *testing.T) {
		cb := NewCircuitBreaker(3, 100*time.Millisecond)
		if cb.IsOpen() {
			t.Error("Circuit breaker should be closed initially")
		}
		if cb.State().String() != "closed" {
			t.Errorf("Expected state closed, got %s", cb.State())
		}
	})

	t.Run("Opens After Failures", func(t *testing.T) {
		cb := NewCircuitBreaker(3, 100*time.Millisecond)

		failingFn := func(ctx context.Context) error {
			return errors.New("error")
		}

		for i := 0; i < 3; i++ {
			_ = cb.Execute(context.Background(), failingFn)
		}

		if !cb.IsOpen() {
			t.Error("Circuit breaker should be open after threshold failures")
		}
	})

	t.Run("Uncounted Errors Keep It Closed", func(t *testing.T) {
		transportErr := errors.New("unavailable")
		cb := NewCircuitBreaker(1, 100*time.Millisecond).CountOnly(func(err error) bool {
			return errors.Is(err, transportErr)
		})

		appErr := errors.New("key not found")
		for i := 0; i < 5; i++ {
			if err := cb.Execute(context.Background(), func(ctx context.Context) error { return appErr }); err != appErr {
				t.Fatalf("Expected application error passed through, got %v", err)
			}
		}
		if cb.IsOpen() {
			t.Error("Application errors should not open the circuit")
		}

		_ = cb.Execute(context.Background(), func(ctx context.Context) error { return transportErr })
		if !cb.IsOpen() {
			t.Error("Counted error should open the circuit")
		}
	})

	t.Run("Stays Open Until Timeout", func(t *testing.T) {
		resetTimeout := 100 * time.Millisecond
		cb := NewCircuitBreaker(1, resetTimeout)

		cb.Trip()

		if !cb.IsOpen() {
			t.Error("Circuit breaker should be open after tripping")
		}

		err := cb.Execute(context.Background(), func(ctx context.Context) error {
			return nil
		})

		if err != ErrCircuitOpen {
			t.Errorf("Expected ErrCircuitOpen, got: %v", err)
		}

		time.Sleep(resetTimeout + 10*time.Millisecond)

		err = cb.Execute(context.Background(), func(ctx context.Context) error {
			return nil
		})

		if err != nil {
			t.Errorf("Expected successful execution, got: %v", err)
		}

		if cb.IsOpen() {
			t.Error("Circuit breaker should be closed after successful execution in half-open state")
		}
	})

	t.Run("Resets After Success", func(t *testing.T) {
		cb := NewCircuitBreaker(3, 100*time.Millisecond)

		cb.Trip()
		cb.Reset()

		if cb.IsOpen() {
			t.Error("Circuit breaker should be closed after reset")
		}
	})
}

func TestTemporaryError(t *testing.T) {
	base := errors.New("connection reset")

	temp := NewTemporaryError(base, true)
	if !IsTemporary(temp) {
		t.Error("Expected error to be temporary")
	}
	if !errors.Is(temp, base) {
		t.Error("Expected TemporaryError to unwrap to its cause")
	}
	if temp.Error() != "connection reset (temporary: true)" {
		t.Errorf("Unexpected message %q", temp.Error())
	}

	if IsTemporary(NewTemporaryError(base, false)) {
		t.Error("Expected non-temporary error")
	}
	if IsTemporary(base) {
		t.Error("Plain errors are not temporary")
	}
}
