package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeStatusDefaults(t *testing.T) {
	cases := map[string]Status{
		"QUEUED":      StatusQueued,
		"generating":  StatusProcessing,
		" completed ": StatusSuccess,
		"canceled":    StatusFailed,
	}
	for raw, want := range cases {
		got, err := NormalizeStatus(raw, nil)
		require.NoError(t, err, raw)
		assert.Equal(t, want, got, raw)
	}
}

func TestNormalizeStatusProviderVocabulary(t *testing.T) {
	vocab := map[string]string{"rendering": "processing", "FINISHED": "success", "done": "failed"}

	got, err := NormalizeStatus("Rendering", vocab)
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, got)

	got, err = NormalizeStatus("finished", vocab)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, got)

	got, err = NormalizeStatus("done", vocab)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got)
}

func TestNormalizeStatusUnknown(t *testing.T) {
	_, err := NormalizeStatus("teleporting", nil)
	require.ErrorIs(t, err, ErrUnknownStatus)

	_, err = NormalizeStatus("", nil)
	require.ErrorIs(t, err, ErrUnknownStatus)
}
