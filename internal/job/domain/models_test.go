package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTerminalStatusesHaveNoExit(t *testing.T) {
	all := []Status{StatusPending, StatusQueued, StatusProcessing, StatusSuccess, StatusFailed}
	for _, from := range []Status{StatusSuccess, StatusFailed} {
		for _, to := range all {
			assert.False(t, CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestForwardTransitions(t *testing.T) {
	cases := []struct {
		from, to Status
		ok       bool
	}{
		{StatusPending, StatusQueued, true},
		{StatusPending, StatusProcessing, true},
		{StatusQueued, StatusProcessing, true},
		{StatusProcessing, StatusSuccess, true},
		{StatusQueued, StatusFailed, true},
		{StatusPending, StatusFailed, true},
		{StatusProcessing, StatusQueued, false},
		{StatusQueued, StatusPending, false},
		{StatusProcessing, StatusProcessing, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.ok, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestParseStatus(t *testing.T) {
	status, ok := ParseStatus(" Processing ")
	assert.True(t, ok)
	assert.Equal(t, StatusProcessing, status)

	_, ok = ParseStatus("generating")
	assert.False(t, ok)
}
