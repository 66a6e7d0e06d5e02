// Package errors provides structured error types for the build-mode engine.
package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors for common failure modes.
var (
	ErrTimeout      = errors.New("operation timed out")
	ErrRateLimit    = errors.New("rate limit exceeded")
	ErrNotFound     = errors.New("resource not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrUnavailable  = errors.New("service unavailable")

	ErrDuplicateProject    = errors.New("project already exists")
	ErrInvalidProject      = errors.New("invalid project identity")
	ErrStageLocked         = errors.New("stage is locked")
	ErrStepInFlight        = errors.New("iteration step already in flight")
	ErrLoopInactive        = errors.New("iteration loop is not active")
	ErrNotAwaitingApproval = errors.New("iteration loop is not awaiting approval")
	ErrMandatoryRole       = errors.New("role is mandatory")
)

// APIError represents an error from an external API call.
type APIError struct {
	Service    string
	StatusCode int
	Message    string
	Err        error
}

func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s API error (status %d): %s: %v", e.Service, e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("%s API error (status %d): %s", e.Service, e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error { return e.Err }

// NewAPIError creates a new API error.
func NewAPIError(service string, statusCode int, message string) *APIError {
	return &APIError{Service: service, StatusCode: statusCode, Message: message}
}

// GenerationError is an explicit failure reported by the model provider
// for a generation that belongs to a stage.
type GenerationError struct {
	Stage     string
	Retryable bool
	Err       error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generation failed for stage %q: %v", e.Stage, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// IsRetryable returns true if the error is likely transient and worth retrying.
func IsRetryable(err error) bool {
	var genErr *GenerationError
	if errors.As(err, &genErr) {
		return genErr.Retryable
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 429, 500, 502, 503, 504, 529:
			return true
		}
	}
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrRateLimit) || errors.Is(err, ErrUnavailable)
}
