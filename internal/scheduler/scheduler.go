package scheduler

import (
	"context"
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
	obsmetrics "github.com/smallbiznis/genledger/internal/observability/metrics"
	"github.com/smallbiznis/genledger/internal/ratelimit"
	"github.com/smallbiznis/genledger/internal/reconcile"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Jobs       jobdomain.Repository
	Reconciler *reconcile.Service
	Ledger     ledgerdomain.Service
	Accounts   accountdomain.Service
	Catalog    *config.GenerationConfigHolder
	Locker     *ratelimit.Locker `optional:"true"`
	Clock      clock.Clock       `optional:"true"`
	Config     Config            `optional:"true"`
}

// Scheduler is the periodic sweeper. Every instance may run it; conditional
// job transitions and idempotent refunds keep concurrent sweeps safe.
type Scheduler struct {
	db         *gorm.DB
	log        *zap.Logger
	cfg        Config
	genID      *snowflake.Node
	clock      clock.Clock
	jobs       jobdomain.Repository
	reconciler *reconcile.Service
	ledger     ledgerdomain.Service
	accounts   accountdomain.Service
	catalog    *config.GenerationConfigHolder
	locker     *ratelimit.Locker
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.GenID == nil || p.Jobs == nil || p.Reconciler == nil ||
		p.Ledger == nil || p.Accounts == nil || p.Catalog == nil {
		return nil, ErrInvalidConfig
	}
	clk := p.Clock
	if clk == nil {
		clk = clock.NewSystemClock()
	}
	return &Scheduler{
		db:         p.DB,
		log:        p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:        p.Config.withDefaults(),
		genID:      p.GenID,
		clock:      clk,
		jobs:       p.Jobs,
		reconciler: p.Reconciler,
		ledger:     p.Ledger,
		accounts:   p.Accounts,
		catalog:    p.Catalog,
		locker:     p.Locker,
	}, nil
}

// JobReport summarizes one scheduler job run.
type JobReport struct {
	Job       string        `json:"job"`
	RunID     string        `json:"run_id"`
	Processed int           `json:"processed"`
	Errors    int           `json:"errors"`
	Duration  time.Duration `json:"duration"`
	TimedOut  bool          `json:"timed_out"`
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	batchSize int,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) (JobReport, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx, run, owner := s.ensureJobRun(ctx, name, batchSize)
	if owner {
		s.logJobStart(ctx, run)
	}
	log := s.logger(ctx).With(
		zap.String("job", name),
		zap.String("run_id", run.runID),
	)
	schedMetrics := obsmetrics.Scheduler()
	schedMetrics.IncJobRun(name)

	err := fn(ctx)
	schedMetrics.ObserveJobDuration(name, time.Since(start))
	if owner {
		if err != nil && run.errorCount == 0 {
			run.IncError()
		}
		s.logJobFinish(ctx, run)
	}
	report := run.Report(time.Since(start))
	if err == nil {
		return report, nil
	}

	// A deadline is a soft timeout: the remaining rows are picked up next run.
	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	schedMetrics.IncJobError(name, err)
	if isTimeout {
		schedMetrics.IncJobTimeout(name)
		log.Warn("job timed out",
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		report.TimedOut = true
		return report, nil
	}

	return report, fmt.Errorf("%s: %w", name, err)
}

// RunOnce runs every enabled job once, in order: sweep stale jobs first so
// the repair passes see the failures it produced.
func (s *Scheduler) RunOnce(parent context.Context) ([]JobReport, error) {
	jobs := []struct {
		Name string
		Run  func(context.Context) error
	}{
		{JobSweepStaleJobs, s.SweepStaleJobsJob},
		{JobRefundRepair, s.RefundRepairJob},
		{JobOrphanedDebitRepair, s.OrphanedDebitRepairJob},
		{JobQuotaReleaseRepair, s.QuotaReleaseRepairJob},
		{JobExpireSubscriptions, s.ExpireSubscriptionCreditsJob},
	}

	var (
		reports []JobReport
		err     error
	)
	for _, job := range jobs {
		if !s.isJobEnabled(job.Name) {
			continue
		}
		report, jobErr := s.runJob(parent, job.Name, s.cfg.BatchSize, s.cfg.JobTimeout, job.Run)
		reports = append(reports, report)
		err = errors.Join(err, jobErr)
	}
	return reports, err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := time.Now().Add(s.cfg.RunInterval)
	schedMetrics := obsmetrics.Scheduler()

	for {
		runLag := time.Since(nextRun)
		if runLag > 0 {
			schedMetrics.ObserveRunLoopLag(runLag)
		}
		if _, err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	// An empty list enables every job.
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}
