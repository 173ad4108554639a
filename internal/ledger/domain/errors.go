package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidAccount        = errors.New("invalid_account")
	ErrInvalidAmount         = errors.New("invalid_amount")
	ErrInvalidJob            = errors.New("invalid_job")
	ErrInvalidKind           = errors.New("invalid_transaction_kind")
	ErrInvalidIdempotencyKey = errors.New("invalid_idempotency_key")
	ErrInsufficientCredits   = errors.New("insufficient_credits")
	ErrConcurrencyExhausted  = errors.New("concurrency_exhausted")
	ErrDebitNotFound         = errors.New("debit_not_found")
	ErrRefundExceedsDebit    = errors.New("refund_exceeds_debit")
)

// InsufficientCreditsError carries the shortfall so callers can prompt for a top-up.
type InsufficientCreditsError struct {
	Required  int64
	Available int64
	Shortfall int64
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient_credits: required=%d available=%d shortfall=%d", e.Required, e.Available, e.Shortfall)
}

func (e *InsufficientCreditsError) Is(target error) bool {
	return target == ErrInsufficientCredits
}
