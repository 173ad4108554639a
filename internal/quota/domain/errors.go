package domain

import "errors"

var (
	ErrInvalidKey           = errors.New("invalid_quota_key")
	ErrUnknownModel         = errors.New("unknown_model_variant")
	ErrQuotaExhausted       = errors.New("quota_exhausted")
	ErrConcurrencyExhausted = errors.New("concurrency_exhausted")
)
