package transport

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"
)

// RetryPolicy defines how retries are handled
type RetryPolicy struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
	Jitter         float64

	// Retryable decides whether an error is worth another attempt. A nil
	// Retryable retries only errors marked temporary.
	Retryable func(error) bool
}

func (p RetryPolicy) retryable(err error) bool {
	if p.Retryable != nil {
		return p.Retryable(err)
	}
	return IsTemporary(err)
}

// RetryableFunc is a function that can be retried
type RetryableFunc func(ctx context.Context) error

// WithRetry executes a function with retry logic based on the provided policy.
// Errors the policy does not consider retryable are returned immediately.
func WithRetry(ctx context.Context, policy RetryPolicy, fn RetryableFunc) error {
	var err error
	backoff := policy.InitialBackoff

	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}

		if !policy.retryable(err) {
			return err
		}

		if attempt == policy.MaxRetries {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		// Add jitter to prevent thundering herd
		jitter := 1.0
		if policy.Jitter > 0 {
			jitter = 1.0 + rand.Float64()*policy.Jitter
		}

		backoffWithJitter := time.Duration(float64(backoff) * jitter)
		if backoffWithJitter > policy.MaxBackoff {
			backoffWithJitter = policy.MaxBackoff
		}

		timer := time.NewTimer(backoffWithJitter)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		backoff = time.Duration(float64(backoff) * policy.BackoffFactor)
		if backoff > policy.MaxBackoff {
			backoff = policy.MaxBackoff
		}
	}

	return fmt.Errorf("%w: %w", ErrMaxRetriesExceeded, err)
}

// DefaultRetryPolicy returns a sensible default retry policy
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:     3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		BackoffFactor:  2.0,
		Jitter:         0.2,
	}
}

// CircuitBreakerState represents the state of a circuit breaker
type CircuitBreakerState int

const (
	// CircuitClosed means the circuit is closed and operations are permitted
	CircuitClosed CircuitBreakerState = iota
	// CircuitOpen means the circuit is open and operations will fail fast
	CircuitOpen
	// CircuitHalfOpen means the circuit is allowing a test operation
	CircuitHalfOpen
)

func (s CircuitBreakerState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return fmt.Sprintf("CircuitBreakerState(%d)", int(s))
	}
}

// CircuitBreaker implements the circuit breaker pattern. It is safe for
// concurrent use.
type CircuitBreaker struct {
	mu                sync.Mutex
	state             CircuitBreakerState
	failureThreshold  int
	resetTimeout      time.Duration
	failureCount      int
	lastFailure       time.Time
	lastStateChange   time.Time
	successThreshold  int
	halfOpenSuccesses int

	// counts decides which errors count as failures; nil counts all
	counts func(error) bool
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(failureThreshold int, resetTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		state:            CircuitClosed,
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
		successThreshold: 1,
	}
}

// CountOnly restricts the errors that count as failures to those accepted
// by fn. Other errors are passed through and count as successes, since the
// remote end answered.
func (cb *CircuitBreaker) CountOnly(fn func(error) bool) *CircuitBreaker {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.counts = fn
	return cb
}

// Execute attempts to execute a function with circuit breaker protection
func (cb *CircuitBreaker) Execute(ctx context.Context, fn RetryableFunc) error {
	cb.mu.Lock()
	if cb.state == CircuitOpen {
		if time.Since(cb.lastStateChange) < cb.resetTimeout {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
		cb.state = CircuitHalfOpen
		cb.halfOpenSuccesses = 0
		cb.lastStateChange = time.Now()
	}
	counts := cb.counts
	cb.mu.Unlock()

	err := fn(ctx)

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if err != nil && (counts == nil || counts(err)) {
		cb.recordFailure()
		return err
	}
	cb.recordSuccess()
	return err
}

// State returns the current state
func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// IsOpen returns whether the circuit is open
func (cb *CircuitBreaker) IsOpen() bool {
	state := cb.State()
	return state == CircuitOpen || state == CircuitHalfOpen
}

// Trip manually opens the circuit
func (cb *CircuitBreaker) Trip() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = CircuitOpen
	cb.lastStateChange = time.Now()
}

// Reset manually closes the circuit
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = CircuitClosed
	cb.failureCount = 0
	cb.lastStateChange = time.Now()
}

// recordFailure records a failure and potentially opens the circuit.
// Called with mu held.
func (cb *CircuitBreaker) recordFailure() {
	cb.lastFailure = time.Now()

	switch cb.state {
	case CircuitClosed:
		cb.failureCount++
		if cb.failureCount >= cb.failureThreshold {
			cb.state = CircuitOpen
			cb.lastStateChange = time.Now()
		}
	case CircuitHalfOpen:
		cb.state = CircuitOpen
		cb.lastStateChange = time.Now()
	}
}

// recordSuccess records a success and potentially closes the circuit.
// Called with mu held.
func (cb *CircuitBreaker) recordSuccess() {
	switch cb.state {
	case CircuitHalfOpen:
		cb.halfOpenSuccesses++
		if cb.halfOpenSuccesses >= cb.successThreshold {
			cb.state = CircuitClosed
			cb.failureCount = 0
			cb.lastStateChange = time.Now()
		}
	case CircuitClosed:
		cb.failureCount = 0
	}
}

// ExponentialBackoff calculates the next backoff duration
func ExponentialBackoff(attempt int, initialBackoff time.Duration, maxBackoff time.Duration, factor float64) time.Duration {
	backoff := float64(initialBackoff) * math.Pow(factor, float64(attempt))
	if backoff > float64(maxBackoff) {
		return maxBackoff
	}
	return time.Duration(backoff)
}
