package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/genledger/internal/clock"
	"github.com/smallbiznis/genledger/internal/config"
	jobdomain "github.com/smallbiznis/genledger/internal/job/domain"
	ledgerdomain "github.com/smallbiznis/genledger/internal/ledger/domain"
	"github.com/smallbiznis/genledger/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/genledger/internal/observability/metrics"
	"github.com/smallbiznis/genledger/internal/provider"
	providerdomain "github.com/smallbiznis/genledger/internal/provider/domain"
	quotadomain "github.com/smallbiznis/genledger/internal/quota/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	Jobs       jobdomain.Repository
	Ledger     ledgerdomain.Service
	Quota      quotadomain.Service
	Providers  *provider.Gateway
	Catalog    *config.GenerationConfigHolder
	Clock      clock.Clock         `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

// Service applies authoritative provider status to jobs and owns the only
// path into the failed state, so every failure is followed by its refund.
type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	jobs       jobdomain.Repository
	ledger     ledgerdomain.Service
	quota      quotadomain.Service
	providers  *provider.Gateway
	catalog    *config.GenerationConfigHolder
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
		log:        p.Log.Named("reconcile.service"),
		jobs:       p.Jobs,
		ledger:     p.Ledger,
		quota:      p.Quota,
		providers:  p.Providers,
		catalog:    p.Catalog,
		clock:      clk,
		obsMetrics: p.ObsMetrics,
	}
}

// SyncResult reports what a reconciliation did. Changed is false when the
// job already reflected the provider's status or another actor got there first.
type SyncResult struct {
	Job      *jobdomain.Job
	Previous jobdomain.Status
	Changed  bool
}

// CallbackReport is a provider push notification before status normalization.
type CallbackReport struct {
	TaskID      string
	Status      string
	ResultRef   string
	ErrorDetail string
}

func (s *Service) SyncStatus(ctx context.Context, jobID snowflake.ID) (SyncResult, error) {
	job, err := s.loadJob(ctx, jobID)
	if err != nil {
		return SyncResult{}, err
	}
	return s.sync(ctx, job)
}

func (s *Service) SyncByProviderTask(ctx context.Context, providerName, taskID string) (SyncResult, error) {
	job, err := s.jobs.FindByProviderTask(ctx, s.db, providerName, taskID)
	if err != nil {
		return SyncResult{}, err
	}
	if job == nil {
		return SyncResult{}, jobdomain.ErrJobNotFound
	}
	return s.sync(ctx, job)
}

// ApplyReport applies a pushed status without polling the provider. Repeated
// deliveries of the same report are no-ops.
func (s *Service) ApplyReport(ctx context.Context, providerName string, report CallbackReport) (SyncResult, error) {
	var vocabulary map[string]string
	if cfg, ok := s.catalog.Get().Provider(providerName); ok {
		vocabulary = cfg.StatusMap
	}
	status, err := providerdomain.NormalizeStatus(report.Status, vocabulary)
	if err != nil {
		return SyncResult{}, fmt.Errorf("%w: %q", err, report.Status)
	}

	job, err := s.jobs.FindByProviderTask(ctx, s.db, providerName, report.TaskID)
	if err != nil {
		return SyncResult{}, err
	}
	if job == nil {
		return SyncResult{}, jobdomain.ErrJobNotFound
	}
	return s.apply(ctx, job, providerdomain.StatusReport{
		TaskID:      report.TaskID,
		Status:      status,
		ResultRef:   report.ResultRef,
		ErrorDetail: report.ErrorDetail,
	})
}

// FailJob moves the job to failed and settles it. Settlement runs whenever the
// persisted status is failed, including when another actor failed it first,
// because refund and quota release are both idempotent.
func (s *Service) FailJob(ctx context.Context, job *jobdomain.Job, reason string) (*jobdomain.Job, error) {
	if job == nil {
		return nil, jobdomain.ErrInvalidJob
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "failed"
	}

	moved, err := s.jobs.Transition(ctx, s.db, jobdomain.TransitionRequest{
		JobID: job.ID,
		To:    jobdomain.StatusFailed,
		Error: &reason,
		At:    s.clock.Now(),
	})
	if err != nil {
		return job, err
	}

	current, err := s.loadJob(ctx, job.ID)
	if err != nil {
		return job, err
	}
	if moved {
		s.obsMetrics.RecordJobTransition(ctx, string(jobdomain.StatusFailed))
		logger.WithJob(logger.WithContext(ctx, s.log), job.ID.String(), job.Provider).Info("job failed",
			zap.String("from", string(job.Status)),
			zap.String("reason", reason),
		)
	}
	if current.Status != jobdomain.StatusFailed {
		return current, nil
	}
	if err := s.Settle(ctx, current); err != nil {
		return current, err
	}
	return current, nil
}

// Settle refunds the charge of a failed job and returns its quota unit.
func (s *Service) Settle(ctx context.Context, job *jobdomain.Job) error {
	if job == nil || job.Status != jobdomain.StatusFailed {
		return nil
	}
	log := logger.WithJob(logger.WithContext(ctx, s.log), job.ID.String(), job.Provider)

	var errs []error
	if job.ChargedCredits > 0 {
		reason := "job failed"
		if job.Error != nil && *job.Error != "" {
			reason = *job.Error
		}
		_, err := s.ledger.Refund(ctx, job.AccountID, job.ChargedCredits, job.ID, reason)
		switch {
		case err == nil:
		case errors.Is(err, ledgerdomain.ErrDebitNotFound):
			log.Warn("failed job has no deduction to refund", zap.Int64("charged_credits", job.ChargedCredits))
		default:
			log.Error("refund failed", zap.Error(err))
			errs = append(errs, fmt.Errorf("refund job %s: %w", job.ID, err))
		}
	}

	if job.NeedsQuotaRelease() {
		if err := s.releaseQuota(ctx, job); err != nil {
			log.Error("quota release failed", zap.Error(err))
			errs = append(errs, fmt.Errorf("release quota job %s: %w", job.ID, err))
		}
	}
	return errors.Join(errs...)
}

func (s *Service) releaseQuota(ctx context.Context, job *jobdomain.Job) error {
	marked, err := s.jobs.MarkQuotaReleased(ctx, s.db, job.ID, s.clock.Now())
	if err != nil {
		return err
	}
	if !marked {
		return nil
	}
	_, err = s.quota.Release(ctx, quotadomain.Key{
		AccountID: job.AccountID,
		YearMonth: job.QuotaMonth,
		Model:     job.Model,
		Variant:   job.Variant,
	})
	if err != nil {
		if clearErr := s.jobs.ClearQuotaReleased(ctx, s.db, job.ID); clearErr != nil {
			return errors.Join(err, clearErr)
		}
		return err
	}
	return nil
}

func (s *Service) sync(ctx context.Context, job *jobdomain.Job) (SyncResult, error) {
	if job.Status.IsTerminal() {
		if err := s.Settle(ctx, job); err != nil {
			return SyncResult{Job: job, Previous: job.Status}, err
		}
		return SyncResult{Job: job, Previous: job.Status}, nil
	}
	if job.ProviderTaskID == nil || *job.ProviderTaskID == "" {
		return SyncResult{Job: job, Previous: job.Status}, nil
	}

	report, err := s.providers.GetStatus(ctx, job.Provider, *job.ProviderTaskID)
	if err != nil {
		return SyncResult{Job: job, Previous: job.Status}, err
	}
	return s.apply(ctx, job, report)
}

func (s *Service) apply(ctx context.Context, job *jobdomain.Job, report providerdomain.StatusReport) (SyncResult, error) {
	result := SyncResult{Job: job, Previous: job.Status}
	target := jobStatusOf(report.Status)

	if job.Status.IsTerminal() {
		return result, s.Settle(ctx, job)
	}
	if target == job.Status || !jobdomain.CanTransition(job.Status, target) {
		return result, nil
	}

	if target == jobdomain.StatusFailed {
		reason := "provider reported failure"
		if detail := strings.TrimSpace(report.ErrorDetail); detail != "" {
			reason = reason + ": " + detail
		}
		updated, err := s.FailJob(ctx, job, reason)
		if updated != nil {
			result.Job = updated
			result.Changed = updated.Status != result.Previous
		}
		return result, err
	}

	req := jobdomain.TransitionRequest{JobID: job.ID, To: target, At: s.clock.Now()}
	if target == jobdomain.StatusSuccess && report.ResultRef != "" {
		ref := report.ResultRef
		req.ResultRef = &ref
	}
	moved, err := s.jobs.Transition(ctx, s.db, req)
	if err != nil {
		return result, err
	}

	current, err := s.loadJob(ctx, job.ID)
	if err != nil {
		return result, err
	}
	result.Job = current
	result.Changed = moved
	if moved {
		s.obsMetrics.RecordJobTransition(ctx, string(target))
		logger.WithJob(logger.WithContext(ctx, s.log), job.ID.String(), job.Provider).Info("job status changed",
			zap.String("from", string(job.Status)),
			zap.String("to", string(target)),
		)
	}
	if current.Status == jobdomain.StatusFailed {
		return result, s.Settle(ctx, current)
	}
	return result, nil
}

func (s *Service) loadJob(ctx context.Context, jobID snowflake.ID) (*jobdomain.Job, error) {
	job, err := s.jobs.FindByID(ctx, s.db, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, jobdomain.ErrJobNotFound
	}
	return job, nil
}

func jobStatusOf(status providerdomain.Status) jobdomain.Status {
	switch status {
	case providerdomain.StatusQueued:
		return jobdomain.StatusQueued
	case providerdomain.StatusProcessing:
		return jobdomain.StatusProcessing
	case providerdomain.StatusSuccess:
		return jobdomain.StatusSuccess
	default:
		return jobdomain.StatusFailed
	}
}
