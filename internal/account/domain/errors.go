package domain

import "errors"

var (
	ErrInvalidAccount   = errors.New("invalid_account")
	ErrAccountNotFound  = errors.New("account_not_found")
	ErrAccountExists    = errors.New("account_already_exists")
	ErrUnknownPlan      = errors.New("unknown_plan")
	ErrInvalidPeriodEnd = errors.New("invalid_period_end")
	ErrInvalidCredits   = errors.New("invalid_credits")
)
