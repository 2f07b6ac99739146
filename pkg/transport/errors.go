package transport

import (
	"errors"
	"fmt"
)

// Common error types for transport and reliability
var (
	// ErrMaxRetriesExceeded indicates the operation failed after all retries
	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")

	// ErrCircuitOpen indicates the circuit breaker is open
	ErrCircuitOpen = errors.New("circuit breaker is open")

	// ErrConnectionFailed indicates a connection failure
	ErrConnectionFailed = errors.New("connection failed")
)

// TemporaryError wraps an error with information about whether it's temporary
type TemporaryError struct {
	Err        error
	IsTemp     bool
	RetryAfter int // Suggested retry after duration in milliseconds
}

// Error returns the error string
func (e *TemporaryError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%v (temporary: %v, retry after: %dms)", e.Err, e.IsTemp, e.RetryAfter)
	}
	return fmt.Sprintf("%v (temporary: %v)", e.Err, e.IsTemp)
}

// Unwrap returns the wrapped error
func (e *TemporaryError) Unwrap() error {
	return e.Err
}

// NewTemporaryError creates a new temporary error
func NewTemporaryError(err error, isTemp bool) *TemporaryError {
	return &TemporaryError{
		Err:    err,
		IsTemp: isTemp,
	}
}

// IsTemporary checks if an error is a temporary error
func IsTemporary(err error) bool {
	var tempErr *TemporaryError
	if errors.As(err, &tempErr) {
		return tempErr.IsTemp
	}
	return false
}
