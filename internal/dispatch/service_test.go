package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	accountdomain "github.com/smallbiznis/genledger/internal/account/domain"
	"github.com/smallbiznis/genledger/internal/config"
	"github.com/smallbiznis/genledger/internal/enginetest"
	jobdomain "github.com/smallbiznis/genledger/internal/job/domain"
	ledgerdomain "github.com/smallbiznis/genledger/internal/ledger/domain"
	providerdomain "github.com/smallbiznis/genledger/internal/provider/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCatalog() config.GenerationConfig {
	cfg := config.DefaultGenerationConfig()
	cfg.Prices = append(cfg.Prices, config.PriceConfig{
		Model: "flux", Variant: "standard", Provider: "imagegen", Credits: 30,
	})
	return cfg
}

func newDispatcher(t *testing.T) (*Service, *enginetest.Engine) {
	t.Helper()
	e := enginetest.New(t, testCatalog())
	svc := NewService(Params{
		DB:         e.DB,
		Log:        e.Log,
		GenID:      e.Node,
		Jobs:       e.Jobs,
		Accounts:   e.Accounts,
		Ledger:     e.Ledger,
		Quota:      e.Quota,
		Providers:  e.Providers,
		Reconciler: e.Reconciler,
		Catalog:    e.Catalog,
		Clock:      e.Clock,
	})
	return svc, e
}

func TestSubmitChargesAndRefundsOnProviderFailure(t *testing.T) {
	svc, e := newDispatcher(t)
	ctx := context.Background()
	accountID := e.Account(t, "", 0, 100)

	job, err := svc.Submit(ctx, SubmitRequest{
		AccountID: accountID,
		Model:     "flux",
		Variant:   "standard",
		Payload:   json.RawMessage(`{"prompt":"a lighthouse"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, jobdomain.StatusQueued, job.Status)
	assert.Equal(t, int64(30), job.ChargedCredits)
	assert.False(t, job.IncludedByQuota)
	require.NotNil(t, job.ProviderTaskID)
	assert.Equal(t, int64(70), e.Balance(t, accountID).PackageCredits)

	e.Adapters["imagegen"].SetStatus(*job.ProviderTaskID, providerdomain.StatusFailed, "", "nsfw filter")
	res, err := e.Reconciler.SyncByProviderTask(ctx, "imagegen", *job.ProviderTaskID)
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Equal(t, jobdomain.StatusFailed, res.Job.Status)
	assert.Equal(t, int64(100), e.Balance(t, accountID).PackageCredits)

	res, err = e.Reconciler.SyncByProviderTask(ctx, "imagegen", *job.ProviderTaskID)
	require.NoError(t, err)
	assert.False(t, res.Changed)
	assert.Equal(t, int64(1), e.CountTransactions(t, ledgerdomain.TransactionKindRefund, job.ID))
	assert.Equal(t, int64(100), e.Balance(t, accountID).PackageCredits)
}

func TestSubmitConsumesLastIncludedUnitThenCharges(t *testing.T) {
	svc, e := newDispatcher(t)
	ctx := context.Background()
	accountID := e.Account(t, "creator_plus", 0, 100)
	e.SetQuotaUsed(t, accountID, "nano-banana-pro", "1k_2k", 199)

	req := SubmitRequest{AccountID: accountID, Model: "nano-banana-pro", Variant: "1k_2k"}
	first, err := svc.Submit(ctx, req)
	require.NoError(t, err)
	assert.True(t, first.IncludedByQuota)
	assert.Zero(t, first.ChargedCredits)
	assert.Equal(t, int64(200), e.QuotaUsed(t, accountID, "nano-banana-pro", "1k_2k"))
	assert.Equal(t, int64(100), e.Balance(t, accountID).Total)

	second, err := svc.Submit(ctx, req)
	require.NoError(t, err)
	assert.False(t, second.IncludedByQuota)
	assert.Equal(t, int64(17), second.ChargedCredits)
	assert.Equal(t, int64(83), e.Balance(t, accountID).Total)
	assert.Equal(t, int64(200), e.QuotaUsed(t, accountID, "nano-banana-pro", "1k_2k"))
}

func TestSubmitInsufficientCreditsCreatesNoJob(t *testing.T) {
	svc, e := newDispatcher(t)
	accountID := e.Account(t, "", 0, 10)

	_, err := svc.Submit(context.Background(), SubmitRequest{AccountID: accountID, Model: "flux", Variant: "standard"})
	var insufficient *ledgerdomain.InsufficientCreditsError
	require.True(t, errors.As(err, &insufficient))
	assert.Equal(t, int64(20), insufficient.Shortfall)

	jobs, err := svc.ListJobs(context.Background(), accountID, 0)
	require.NoError(t, err)
	assert.Empty(t, jobs)
	assert.Equal(t, int64(10), e.Balance(t, accountID).PackageCredits)
}

func TestIncludedSubmitNeedsNoCredits(t *testing.T) {
	svc, e := newDispatcher(t)
	accountID := e.Account(t, "creator_plus", 0, 0)

	job, err := svc.Submit(context.Background(), SubmitRequest{AccountID: accountID, Model: "nano-banana-pro", Variant: "1k_2k"})
	require.NoError(t, err)
	assert.True(t, job.IncludedByQuota)
	assert.Equal(t, int64(1), e.QuotaUsed(t, accountID, "nano-banana-pro", "1k_2k"))
}

func TestSubmitProviderRejectionFailsAndRefunds(t *testing.T) {
	svc, e := newDispatcher(t)
	accountID := e.Account(t, "creator_plus", 50, 0)
	e.Adapters["imagegen"].FailSubmits(providerdomain.ErrProviderRejected)

	job, err := svc.Submit(context.Background(), SubmitRequest{AccountID: accountID, Model: "nano-banana-pro", Variant: "4k"})
	require.ErrorIs(t, err, providerdomain.ErrProviderRejected)
	require.NotNil(t, job)
	assert.Equal(t, jobdomain.StatusFailed, job.Status)
	assert.Equal(t, 1, e.Adapters["imagegen"].SubmitCalls())

	balance := e.Balance(t, accountID)
	assert.Equal(t, int64(25), balance.SubscriptionCredits)
	assert.Equal(t, int64(25), balance.PackageCredits)
	assert.Equal(t, int64(50), balance.Total)
	assert.Equal(t, int64(1), e.CountTransactions(t, ledgerdomain.TransactionKindRefund, job.ID))
}

func TestSubmitRetriesUnavailableProvider(t *testing.T) {
	svc, e := newDispatcher(t)
	accountID := e.Account(t, "", 0, 100)
	e.Adapters["imagegen"].FailSubmits(providerdomain.ErrProviderUnavailable, providerdomain.ErrProviderUnavailable)

	job, err := svc.Submit(context.Background(), SubmitRequest{AccountID: accountID, Model: "flux", Variant: "standard"})
	require.NoError(t, err)
	assert.Equal(t, jobdomain.StatusQueued, job.Status)
	assert.Equal(t, 3, e.Adapters["imagegen"].SubmitCalls())
}

func TestSubmitProviderFailureRestoresIncludedUnit(t *testing.T) {
	svc, e := newDispatcher(t)
	accountID := e.Account(t, "creator_plus", 0, 0)
	e.Adapters["imagegen"].FailSubmits(providerdomain.ErrProviderRejected)

	job, err := svc.Submit(context.Background(), SubmitRequest{AccountID: accountID, Model: "nano-banana-pro", Variant: "1k_2k"})
	require.Error(t, err)
	assert.Equal(t, jobdomain.StatusFailed, job.Status)
	assert.NotNil(t, e.Job(t, job.ID).QuotaReleasedAt)
	assert.Zero(t, e.QuotaUsed(t, accountID, "nano-banana-pro", "1k_2k"))
}

// disconnectingAdapter cancels the caller's context before reporting the
// provider as unreachable.
type disconnectingAdapter struct {
	name   string
	cancel context.CancelFunc
}

func (a *disconnectingAdapter) Name() string { return a.name }

func (a *disconnectingAdapter) Submit(ctx context.Context, req providerdomain.SubmitRequest) (providerdomain.SubmitResult, error) {
	a.cancel()
	return providerdomain.SubmitResult{}, fmt.Errorf("%w: %v", providerdomain.ErrProviderUnavailable, context.Canceled)
}

func (a *disconnectingAdapter) GetStatus(ctx context.Context, taskID string) (providerdomain.StatusReport, error) {
	return providerdomain.StatusReport{}, providerdomain.ErrProviderUnavailable
}

func TestSubmitRefundsWhenCallerDisconnectsDuringProviderCall(t *testing.T) {
	svc, e := newDispatcher(t)
	accountID := e.Account(t, "", 0, 100)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.Registry.Register(&disconnectingAdapter{name: "imagegen", cancel: cancel})

	job, err := svc.Submit(ctx, SubmitRequest{AccountID: accountID, Model: "flux", Variant: "standard"})
	require.ErrorIs(t, err, providerdomain.ErrProviderUnavailable)
	require.NotNil(t, job)
	assert.Equal(t, jobdomain.StatusFailed, job.Status)

	stored := e.Job(t, job.ID)
	assert.Equal(t, jobdomain.StatusFailed, stored.Status)
	assert.Equal(t, int64(100), e.Balance(t, accountID).PackageCredits)
	assert.Equal(t, int64(1), e.CountTransactions(t, ledgerdomain.TransactionKindRefund, job.ID))
}

func TestSubmitValidation(t *testing.T) {
	svc, e := newDispatcher(t)
	accountID := e.Account(t, "", 0, 100)
	ctx := context.Background()

	_, err := svc.Submit(ctx, SubmitRequest{AccountID: accountID, Model: "unknown", Variant: "x"})
	assert.ErrorIs(t, err, ErrInvalidModel)

	_, err = svc.Submit(ctx, SubmitRequest{AccountID: accountID, Model: "flux", Variant: "standard", Payload: json.RawMessage(`{`)})
	assert.ErrorIs(t, err, ErrInvalidPayload)

	_, err = svc.Submit(ctx, SubmitRequest{AccountID: e.Node.Generate(), Model: "flux", Variant: "standard"})
	assert.ErrorIs(t, err, accountdomain.ErrAccountNotFound)
}

func TestCancelJob(t *testing.T) {
	svc, e := newDispatcher(t)
	ctx := context.Background()
	accountID := e.Account(t, "", 0, 100)

	job, err := svc.Submit(ctx, SubmitRequest{AccountID: accountID, Model: "flux", Variant: "standard"})
	require.NoError(t, err)

	cancelled, err := svc.CancelJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobdomain.StatusFailed, cancelled.Status)
	require.NotNil(t, cancelled.Error)
	assert.Equal(t, "cancelled by caller", *cancelled.Error)
	assert.Equal(t, int64(100), e.Balance(t, accountID).PackageCredits)

	again, err := svc.CancelJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobdomain.StatusFailed, again.Status)
	assert.Equal(t, int64(1), e.CountTransactions(t, ledgerdomain.TransactionKindRefund, job.ID))
}

func TestCancelProcessingJobIsRejected(t *testing.T) {
	svc, e := newDispatcher(t)
	ctx := context.Background()
	accountID := e.Account(t, "", 0, 100)

	job, err := svc.Submit(ctx, SubmitRequest{AccountID: accountID, Model: "flux", Variant: "standard"})
	require.NoError(t, err)
	e.Adapters["imagegen"].SetStatus(*job.ProviderTaskID, providerdomain.StatusProcessing, "", "")
	_, err = e.Reconciler.SyncStatus(ctx, job.ID)
	require.NoError(t, err)

	_, err = svc.CancelJob(ctx, job.ID)
	assert.ErrorIs(t, err, jobdomain.ErrJobNotCancellable)
	assert.Equal(t, int64(70), e.Balance(t, accountID).PackageCredits)
}

func TestGetJobNotFound(t *testing.T) {
	svc, e := newDispatcher(t)
	_, err := svc.GetJob(context.Background(), e.Node.Generate())
	assert.ErrorIs(t, err, jobdomain.ErrJobNotFound)
}
