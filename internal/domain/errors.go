package domain

import "errors"

var (
	// ErrJobNotFound is returned when a job does not exist or belongs to another tenant
	ErrJobNotFound = errors.New("job not found")

	// ErrJobAlreadyClaimed is returned when a claim finds the job outside PENDING
	ErrJobAlreadyClaimed = errors.New("job already claimed or not in PENDING status")

	// ErrJobNotRunning is returned when a terminal write finds the job outside RUNNING
	ErrJobNotRunning = errors.New("job not in RUNNING status")

	// ErrInvalidTransition is returned for a status change the lifecycle does not allow
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrInvalidMessage is returned when a queue message cannot be decoded
	ErrInvalidMessage = errors.New("invalid job message")
)

// RetryableError wraps transient errors that should trigger a requeue
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return "retryable error: " + e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a new retryable error
func NewRetryableError(err error) error {
	return &RetryableError{Err: err}
}

// IsRetryable reports whether err, or anything it wraps, is a RetryableError.
func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}
