package domain

import "errors"

var (
	ErrProviderUnavailable = errors.New("provider_unavailable")
	ErrProviderRejected    = errors.New("provider_rejected")
	ErrUnknownProvider     = errors.New("unknown_provider")
	ErrUnknownStatus       = errors.New("unknown_provider_status")
	ErrTaskNotFound        = errors.New("provider_task_not_found")
)
