package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
)

var (
	// ErrVersionConflict signals that a conditional update lost a race and the attempt should be retried.
	ErrVersionConflict = errors.New("version_conflict")
	ErrCASExhausted    = errors.New("cas_exhausted")
)

type CASOptions struct {
	MaxAttempts     uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func DefaultCASOptions() CASOptions {
	return CASOptions{
		MaxAttempts:     10,
		InitialInterval: 5 * time.Millisecond,
		MaxInterval:     100 * time.Millisecond,
	}
}

func (o CASOptions) withDefaults() CASOptions {
	defaults := DefaultCASOptions()
	if o.MaxAttempts == 0 {
		o.MaxAttempts = defaults.MaxAttempts
	}
	if o.InitialInterval <= 0 {
		o.InitialInterval = defaults.InitialInterval
	}
	if o.MaxInterval <= 0 {
		o.MaxInterval = defaults.MaxInterval
	}
	return o
}

// RetryCAS re-runs attempt while it reports a version conflict or a duplicate-key
// race, re-reading state each time. Any other error stops the loop unchanged.
// Running out of attempts yields an error wrapping ErrCASExhausted.
func RetryCAS(ctx context.Context, opts CASOptions, attempt func(ctx context.Context) error) error {
	opts = opts.withDefaults()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = opts.InitialInterval
	b.MaxInterval = opts.MaxInterval
	b.RandomizationFactor = 0.5

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := attempt(ctx)
		if err == nil {
			return struct{}{}, nil
		}
		if isRetryableConflict(err) {
			return struct{}{}, err
		}
		return struct{}{}, backoff.Permanent(err)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(opts.MaxAttempts),
	)
	if err == nil {
		return nil
	}
	if isRetryableConflict(err) {
		return fmt.Errorf("%w after %d attempts: %v", ErrCASExhausted, opts.MaxAttempts, err)
	}
	return err
}

func isRetryableConflict(err error) bool {
	return errors.Is(err, ErrVersionConflict) || IsDuplicateKeyErr(err)
}
