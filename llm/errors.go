package llm

import (
	"errors"
)

// Error types for classifying model call failures.

// UnavailableError reports that the serving endpoint could not be reached or
// could not currently serve (connection failure, timeout, overload). Safe to
// retry.
type UnavailableError struct {
	err error
}

func (e *UnavailableError) Error() string {
	return e.err.Error()
}

func (e *UnavailableError) Unwrap() error {
	return e.err
}

// NewUnavailableError wraps an error as an endpoint availability failure.
func NewUnavailableError(err error) error {
	return &UnavailableError{err: err}
}

// ModelError reports that the serving endpoint answered but the call cannot
// succeed (auth failure, bad request, unusable response). Not retryable.
type ModelError struct {
	err error
}

func (e *ModelError) Error() string {
	return e.err.Error()
}

func (e *ModelError) Unwrap() error {
	return e.err
}

// NewModelError wraps an error as a model-side failure.
func NewModelError(err error) error {
	return &ModelError{err: err}
}

// IsUnavailable returns true if the error is an availability failure that may
// succeed on retry.
func IsUnavailable(err error) bool {
	var unavailable *UnavailableError
	return errors.As(err, &unavailable)
}

// IsModelError returns true if the error is a model-side failure that should
// not be retried.
func IsModelError(err error) bool {
	var modelErr *ModelError
	return errors.As(err, &modelErr)
}
