package dispatch

import "errors"

var (
	ErrInvalidModel   = errors.New("invalid_model")
	ErrInvalidPayload = errors.New("invalid_payload")
)
