package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastCAS(attempts uint) CASOptions {
	return CASOptions{MaxAttempts: attempts, InitialInterval: time.Microsecond, MaxInterval: time.Microsecond}
}

func TestRetryCASSucceedsAfterConflicts(t *testing.T) {
	calls := 0
	err := RetryCAS(context.Background(), fastCAS(5), func(context.Context) error {
		calls++
		if calls < 3 {
			return ErrVersionConflict
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryCASExhausts(t *testing.T) {
	calls := 0
	err := RetryCAS(context.Background(), fastCAS(4), func(context.Context) error {
		calls++
		return ErrVersionConflict
	})
	require.ErrorIs(t, err, ErrCASExhausted)
	assert.Equal(t, 4, calls)
}

func TestRetryCASStopsOnPermanentError(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	err := RetryCAS(context.Background(), fastCAS(5), func(context.Context) error {
		calls++
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}
