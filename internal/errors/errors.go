package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for common cases
var (
	// ErrTransient indicates a temporary error that should be retried
	ErrTransient = errors.New("transient error")

	// ErrPermanent indicates a permanent error that should not be retried
	ErrPermanent = errors.New("permanent error")

	// ErrNotFound indicates a resource was not found
	ErrNotFound = errors.New("not found")

	// ErrTimeout indicates an operation timed out
	ErrTimeout = errors.New("timeout")

	// ErrRateLimit indicates the external source signalled rate limiting.
	// The shared limiter is supposed to prevent this; when the provider
	// still returns 429 it is treated like any other transient failure.
	ErrRateLimit = errors.New("rate limit exceeded")

	// ErrMalformed indicates a response whose shape violates the expected
	// provider contract. Retrying cannot fix a parsing defect.
	ErrMalformed = errors.New("malformed response")
)

// TransientError wraps an error to mark it as transient (retryable)
type TransientError struct {
	Cause error
}

func (e *TransientError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("transient error: %v", e.Cause)
	}
	return "transient error"
}

func (e *TransientError) Unwrap() error {
	return e.Cause
}

// NewTransient creates a new transient error
func NewTransient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Cause: err}
}

// NewTransientf creates a new transient error with formatting
func NewTransientf(format string, args ...interface{}) error {
	return &TransientError{Cause: fmt.Errorf(format, args...)}
}

// PermanentError wraps an error to mark it as permanent (not retryable)
type PermanentError struct {
	Cause error
}

func (e *PermanentError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("permanent error: %v", e.Cause)
	}
	return "permanent error"
}

func (e *PermanentError) Unwrap() error {
	return e.Cause
}

// NewPermanent creates a new permanent error
func NewPermanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Cause: err}
}

// NewPermanentf creates a new permanent error with formatting
func NewPermanentf(format string, args ...interface{}) error {
	return &PermanentError{Cause: fmt.Errorf(format, args...)}
}

// MalformedError wraps an error to mark the provider response as
// violating the expected shape. Malformed errors are permanent.
type MalformedError struct {
	Cause error
}

func (e *MalformedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("malformed response: %v", e.Cause)
	}
	return "malformed response"
}

func (e *MalformedError) Unwrap() error {
	return e.Cause
}

// Is lets errors.Is(err, ErrMalformed) match wrapped malformed errors.
func (e *MalformedError) Is(target error) bool {
	return target == ErrMalformed
}

// NewMalformedf creates a new malformed-response error with formatting
func NewMalformedf(format string, args ...interface{}) error {
	return &MalformedError{Cause: fmt.Errorf(format, args...)}
}

// IsTransient checks if an error is transient using errors.As
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	// Check if explicitly marked as transient
	var transientErr *TransientError
	if errors.As(err, &transientErr) {
		return true
	}

	// Malformed and permanent marks win over any wrapped sentinel
	var malformedErr *MalformedError
	if errors.As(err, &malformedErr) {
		return false
	}
	var permanentErr *PermanentError
	if errors.As(err, &permanentErr) {
		return false
	}

	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrMalformed) {
		return false
	}

	if errors.Is(err, ErrTimeout) || errors.Is(err, ErrRateLimit) {
		return true
	}

	// Default to non-transient for safety (don't retry unknown errors)
	return false
}

// IsPermanent checks if an error is permanent (not retryable)
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}

	var permanentErr *PermanentError
	if errors.As(err, &permanentErr) {
		return true
	}
	var malformedErr *MalformedError
	return errors.As(err, &malformedErr)
}

// IsMalformed checks if an error marks a malformed provider response
func IsMalformed(err error) bool {
	if err == nil {
		return false
	}
	var malformedErr *MalformedError
	return errors.As(err, &malformedErr)
}

// IsRateLimited checks if an error carries the provider 429 signal
func IsRateLimited(err error) bool {
	return err != nil && errors.Is(err, ErrRateLimit)
}

// ClassifyHTTPStatus maps an HTTP response status from the external
// vulnerability database onto the error taxonomy. 2xx and 404 are not
// errors and return nil; callers handle the empty-result case themselves.
func ClassifyHTTPStatus(status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusNotFound:
		return nil
	case status == http.StatusTooManyRequests:
		return NewTransientf("provider signalled %d: %w", status, ErrRateLimit)
	case status >= 500:
		return NewTransientf("provider returned %d", status)
	default:
		return NewPermanentf("provider returned %d", status)
	}
}
