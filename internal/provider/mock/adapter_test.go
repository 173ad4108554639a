package mock

import (
	"context"
	"testing"
	"time"

	"github.com/smallbiznis/genledger/internal/clock"
	"github.com/smallbiznis/genledger/internal/provider/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskProgressesWithClock(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC))
	a := New("imagegen", clk)
	ctx := context.Background()

	res, err := a.Submit(ctx, domain.SubmitRequest{Model: "m", Variant: "v"})
	require.NoError(t, err)

	report, err := a.GetStatus(ctx, res.TaskID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusQueued, report.Status)

	clk.Advance(a.QueuedFor)
	report, err = a.GetStatus(ctx, res.TaskID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusProcessing, report.Status)

	clk.Advance(a.ProcessingFor)
	report, err = a.GetStatus(ctx, res.TaskID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSuccess, report.Status)
	assert.NotEmpty(t, report.ResultRef)
}

func TestFailSubmitsAreConsumedInOrder(t *testing.T) {
	a := New("imagegen", nil)
	a.FailSubmits(domain.ErrProviderUnavailable, domain.ErrProviderRejected)
	ctx := context.Background()

	_, err := a.Submit(ctx, domain.SubmitRequest{})
	require.ErrorIs(t, err, domain.ErrProviderUnavailable)
	_, err = a.Submit(ctx, domain.SubmitRequest{})
	require.ErrorIs(t, err, domain.ErrProviderRejected)
	_, err = a.Submit(ctx, domain.SubmitRequest{})
	require.NoError(t, err)
	assert.Equal(t, 3, a.SubmitCalls())
}

func TestUnknownTask(t *testing.T) {
	_, err := New("imagegen", nil).GetStatus(context.Background(), "nope")
	require.ErrorIs(t, err, domain.ErrTaskNotFound)
}
