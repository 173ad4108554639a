package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/smallbiznis/genledger/internal/account/domain"
	"github.com/smallbiznis/genledger/internal/clock"
	"github.com/smallbiznis/genledger/internal/config"
	jobdomain "github.com/smallbiznis/genledger/internal/job/domain"
	ledgerdomain "github.com/smallbiznis/genledger/internal/ledger/domain"
	"github.com/smallbiznis/genledger/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/genledger/internal/observability/metrics"
	"github.com/smallbiznis/genledger/internal/provider"
	providerdomain "github.com/smallbiznis/genledger/internal/provider/domain"
	quotadomain "github.com/smallbiznis/genledger/internal/quota/domain"
	"github.com/smallbiznis/genledger/internal/ratelimit"
	"github.com/smallbiznis/genledger/internal/reconcile"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	// maxReserveAttempts bounds re-resolution after losing the last included
	// unit to a concurrent submit.
	maxReserveAttempts = 3

	cancelReason = "cancelled by caller"

	defaultListLimit = 50
	maxListLimit     = 200

	// settleTimeout bounds refund and release work that must outlive the
	// caller's request.
	settleTimeout = 30 * time.Second
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Jobs       jobdomain.Repository
	Accounts   accountdomain.Service
	Ledger     ledgerdomain.Service
	Quota      quotadomain.Service
	Providers  *provider.Gateway
	Reconciler *reconcile.Service
	Catalog    *config.GenerationConfigHolder
	Limiter    *ratelimit.SubmitLimiter `optional:"true"`
	Clock      clock.Clock              `optional:"true"`
	ObsMetrics *obsmetrics.Metrics      `optional:"true"`
}

// Service accepts generation requests: it prices them, takes payment and
// hands them to a provider.
type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	jobs       jobdomain.Repository
	accounts   accountdomain.Service
	ledger     ledgerdomain.Service
	quota      quotadomain.Service
	providers  *provider.Gateway
	reconciler *reconcile.Service
	catalog    *config.GenerationConfigHolder
	limiter    *ratelimit.SubmitLimiter
	clock      clock.Clock
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) *Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.NewSystemClock()
	}
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("dispatch.service"),
		genID:      p.GenID,
		jobs:       p.Jobs,
		accounts:   p.Accounts,
		ledger:     p.Ledger,
		quota:      p.Quota,
		providers:  p.Providers,
		reconciler: p.Reconciler,
		catalog:    p.Catalog,
		limiter:    p.Limiter,
		clock:      clk,
		obsMetrics: p.ObsMetrics,
	}
}

type SubmitRequest struct {
	AccountID snowflake.ID
	Model     string
	Variant   string
	Payload   json.RawMessage
}

// Submit charges for and starts one generation. When the provider refuses
// the task the failed job is returned together with the error; the charge has
// already been refunded by then.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*jobdomain.Job, error) {
	req.Model = strings.TrimSpace(req.Model)
	req.Variant = strings.TrimSpace(req.Variant)
	if req.AccountID == 0 {
		return nil, accountdomain.ErrInvalidAccount
	}
	if req.Model == "" || req.Variant == "" {
		return nil, ErrInvalidModel
	}
	if len(req.Payload) > 0 && !json.Valid(req.Payload) {
		return nil, ErrInvalidPayload
	}
	route, ok := s.catalog.Get().Price(req.Model, req.Variant)
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrInvalidModel, req.Model, req.Variant)
	}

	if err := s.checkRateLimit(ctx, req.AccountID); err != nil {
		s.obsMetrics.RecordJobSubmitted(ctx, req.Model, "rate_limited")
		return nil, err
	}

	planID := ""
	plan, hasPlan, err := s.accounts.ActivePlan(ctx, req.AccountID)
	if err != nil {
		return nil, err
	}
	if hasPlan {
		planID = plan.PlanID
	}

	resolution, err := s.resolve(ctx, req.AccountID, planID, req.Model, req.Variant)
	if err != nil {
		return nil, err
	}

	jobID := s.genID.Generate()
	log := logger.WithJob(logger.WithContext(ctx, s.log), jobID.String(), route.Provider)

	if resolution.Charge > 0 {
		if _, err := s.ledger.Debit(ctx, req.AccountID, resolution.Charge, jobID); err != nil {
			s.rollback(ctx, log, resolution, jobID, false)
			s.obsMetrics.RecordJobSubmitted(ctx, req.Model, submitOutcome(err))
			return nil, err
		}
	}

	now := s.clock.Now()
	job := &jobdomain.Job{
		ID:              jobID,
		AccountID:       req.AccountID,
		Model:           req.Model,
		Variant:         req.Variant,
		Provider:        route.Provider,
		Status:          jobdomain.StatusPending,
		ChargedCredits:  resolution.Charge,
		IncludedByQuota: resolution.Included,
		QuotaMonth:      resolution.Key.YearMonth,
		Payload:         datatypes.JSON(req.Payload),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.jobs.Insert(ctx, s.db, job); err != nil {
		s.rollback(ctx, log, resolution, jobID, resolution.Charge > 0)
		s.obsMetrics.RecordJobSubmitted(ctx, req.Model, "error")
		return nil, fmt.Errorf("insert job: %w", err)
	}

	submitted, err := s.providers.Submit(ctx, route.Provider, providerdomain.SubmitRequest{
		JobID:   jobID,
		Model:   req.Model,
		Variant: req.Variant,
		Payload: req.Payload,
	})
	if err != nil {
		s.obsMetrics.RecordJobSubmitted(ctx, req.Model, submitOutcome(err))
		settleCtx, cancel := settleContext(ctx)
		failed, failErr := s.reconciler.FailJob(settleCtx, job, "provider submit failed: "+err.Error())
		cancel()
		if failErr != nil {
			log.Error("failed job settlement incomplete", zap.Error(failErr))
			return failed, errors.Join(fmt.Errorf("submit job %s: %w", jobID, err), failErr)
		}
		return failed, fmt.Errorf("submit job %s: %w", jobID, err)
	}

	taskID := submitted.TaskID
	attachCtx, cancel := settleContext(ctx)
	moved, err := s.jobs.Transition(attachCtx, s.db, jobdomain.TransitionRequest{
		JobID:          jobID,
		To:             jobdomain.StatusQueued,
		ProviderTaskID: &taskID,
		At:             s.clock.Now(),
	})
	cancel()
	if err != nil {
		return job, fmt.Errorf("attach provider task: %w", err)
	}
	if !moved {
		log.Warn("job left pending before provider task was attached", zap.String("provider_task_id", taskID))
	}

	current, err := s.GetJob(ctx, jobID)
	if err != nil {
		return job, err
	}
	s.obsMetrics.RecordJobSubmitted(ctx, req.Model, "accepted")
	s.obsMetrics.RecordJobTransition(ctx, string(current.Status))
	log.Info("job submitted",
		zap.String("account_id", req.AccountID.String()),
		zap.String("model", req.Model),
		zap.String("variant", req.Variant),
		zap.Int64("charged_credits", resolution.Charge),
		zap.Bool("included_by_quota", resolution.Included),
		zap.Int("estimated_seconds", submitted.EstimatedSeconds),
	)
	return current, nil
}

func (s *Service) GetJob(ctx context.Context, jobID snowflake.ID) (*jobdomain.Job, error) {
	if jobID == 0 {
		return nil, jobdomain.ErrInvalidJob
	}
	job, err := s.jobs.FindByID(ctx, s.db, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, jobdomain.ErrJobNotFound
	}
	return job, nil
}

// CancelJob fails a job that has not started processing and refunds it.
// Cancelling a finished job returns it unchanged.
func (s *Service) CancelJob(ctx context.Context, jobID snowflake.ID) (*jobdomain.Job, error) {
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	switch job.Status {
	case jobdomain.StatusSuccess, jobdomain.StatusFailed:
		return job, nil
	case jobdomain.StatusProcessing:
		return job, jobdomain.ErrJobNotCancellable
	}

	updated, err := s.reconciler.FailJob(ctx, job, cancelReason)
	if err != nil {
		return updated, err
	}
	if updated.Status == jobdomain.StatusProcessing {
		return updated, jobdomain.ErrJobNotCancellable
	}
	return updated, nil
}

func (s *Service) ListJobs(ctx context.Context, accountID snowflake.ID, limit int) ([]*jobdomain.Job, error) {
	if accountID == 0 {
		return nil, accountdomain.ErrInvalidAccount
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return s.jobs.ListByAccount(ctx, s.db, accountID, limit)
}

// resolve prices the request and, when it is covered by the plan, reserves
// the included unit. Losing the last unit to a concurrent submit re-prices
// the request as billable.
func (s *Service) resolve(ctx context.Context, accountID snowflake.ID, planID, model, variant string) (quotadomain.Resolution, error) {
	for attempt := 0; attempt < maxReserveAttempts; attempt++ {
		res, err := s.quota.Resolve(ctx, accountID, planID, model, variant)
		if err != nil {
			if errors.Is(err, quotadomain.ErrUnknownModel) {
				return quotadomain.Resolution{}, fmt.Errorf("%w: %s/%s", ErrInvalidModel, model, variant)
			}
			return quotadomain.Resolution{}, err
		}
		if !res.Included {
			return res, nil
		}
		_, err = s.quota.Reserve(ctx, res.Key, res.Limit)
		if err == nil {
			return res, nil
		}
		if !errors.Is(err, quotadomain.ErrQuotaExhausted) {
			return quotadomain.Resolution{}, err
		}
	}
	return quotadomain.Resolution{}, fmt.Errorf("%w: quota reservation", quotadomain.ErrConcurrencyExhausted)
}

// rollback undoes the reservation and, when refund is set, the debit of a
// submit that never produced a job row.
func (s *Service) rollback(ctx context.Context, log *zap.Logger, res quotadomain.Resolution, jobID snowflake.ID, refund bool) {
	ctx, cancel := settleContext(ctx)
	defer cancel()

	if refund {
		if _, err := s.ledger.Refund(ctx, res.Key.AccountID, res.Charge, jobID, "job not created"); err != nil {
			log.Error("refund after failed submit", zap.Error(err))
		}
	}
	if res.Included {
		if _, err := s.quota.Release(ctx, res.Key); err != nil {
			log.Error("quota release after failed submit", zap.Error(err))
		}
	}
}

// settleContext keeps the caller's values but not its cancellation, so a
// disconnected client cannot strand a charge.
func settleContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
}

// checkRateLimit fails open when redis is unreachable.
func (s *Service) checkRateLimit(ctx context.Context, accountID snowflake.ID) error {
	if !s.limiter.Enabled() {
		return nil
	}
	res, err := s.limiter.AllowSubmit(ctx, accountID.String())
	if err != nil {
		s.log.Warn("rate limiter unavailable", zap.String("account_id", accountID.String()), zap.Error(err))
		return nil
	}
	if res.Allowed {
		return nil
	}
	s.obsMetrics.RecordRateLimitDenied(ctx, "submit", "account")
	return &ratelimit.LimitedError{RetryAfter: res.RetryAfter}
}

func submitOutcome(err error) string {
	switch {
	case errors.Is(err, ledgerdomain.ErrInsufficientCredits):
		return "insufficient_credits"
	case errors.Is(err, providerdomain.ErrProviderUnavailable):
		return "provider_unavailable"
	case errors.Is(err, providerdomain.ErrProviderRejected):
		return "provider_rejected"
	case errors.Is(err, ledgerdomain.ErrConcurrencyExhausted):
		return "concurrency_exhausted"
	default:
		return "error"
	}
}
