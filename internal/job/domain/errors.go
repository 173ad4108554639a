package domain

import "errors"

var (
	ErrInvalidJob        = errors.New("invalid_job")
	ErrInvalidStatus     = errors.New("invalid_job_status")
	ErrJobNotFound       = errors.New("job_not_found")
	ErrJobNotCancellable = errors.New("job_not_cancellable")
	ErrInvalidTransition = errors.New("invalid_job_transition")
	ErrTimeoutExceeded   = errors.New("TimeoutExceeded")
)
