package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/smallbiznis/genledger/internal/config"
	jobdomain "github.com/smallbiznis/genledger/internal/job/domain"
	obsmetrics "github.com/smallbiznis/genledger/internal/observability/metrics"
	"github.com/smallbiznis/genledger/internal/ratelimit"
	"github.com/smallbiznis/genledger/internal/scheduler/guard"
	"go.uber.org/zap"
)

// SweepStaleJobsJob rechecks non-terminal jobs that have not moved within
// their recheck window and fails the ones stuck past their hard ceiling.
func (s *Scheduler) SweepStaleJobsJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobSweepStaleJobs, s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}
	now := s.clock.Now()
	catalog := s.catalog.Get()
	var jobErr error

	for _, status := range jobdomain.NonTerminalStatuses {
		if ctx.Err() != nil {
			return errors.Join(jobErr, ctx.Err())
		}
		remaining := s.cfg.BatchSize
		for _, filter := range staleFilters(catalog, status, now) {
			if remaining <= 0 {
				obsmetrics.Scheduler().IncBatchDeferred(JobSweepStaleJobs, obsmetrics.SchedulerBatchDeferredReasonBatchFull)
				break
			}
			jobs, err := s.fetchStaleJobs(ctx, filter, remaining)
			if err != nil {
				s.logSchedulerError(ctx, run, "scheduler.sweep.fetch.failed", JobSweepStaleJobs, err,
					zap.String("status", string(status)),
				)
				jobErr = errors.Join(jobErr, err)
				continue
			}
			remaining -= len(jobs)
			for _, job := range jobs {
				if ctx.Err() != nil {
					return errors.Join(jobErr, ctx.Err())
				}
				if err := s.sweepJob(ctx, run, catalog, job); err != nil {
					jobErr = errors.Join(jobErr, err)
				}
			}
		}
	}
	obsmetrics.Scheduler().AddBatchProcessed(JobSweepStaleJobs, obsmetrics.LockResourceStaleJobs, run.processedCount)
	return jobErr
}

// staleFilters splits one status into a query per provider with an extended
// policy plus one for every other provider, each with its own cutoff.
func staleFilters(catalog config.GenerationConfig, status jobdomain.Status, now time.Time) []staleFilter {
	if !guard.HasProviderTask(status) {
		return []staleFilter{{
			Status: status,
			Cutoff: now.Add(-guard.StatusTimeout(catalog.Timeouts, status)),
		}}
	}
	filters := make([]staleFilter, 0, len(catalog.Policies)+1)
	extended := make([]string, 0, len(catalog.Policies))
	for _, policy := range catalog.Policies {
		extended = append(extended, policy.Provider)
		filters = append(filters, staleFilter{
			Status:    status,
			Providers: []string{policy.Provider},
			Cutoff:    now.Add(-policy.Recheck),
		})
	}
	filters = append(filters, staleFilter{
		Status:    status,
		Providers: extended,
		Exclude:   true,
		Cutoff:    now.Add(-guard.StatusTimeout(catalog.Timeouts, status)),
	})
	return filters
}

func (s *Scheduler) sweepJob(ctx context.Context, run *jobRun, catalog config.GenerationConfig, job *jobdomain.Job) error {
	err := s.locker.WithJobLock(ctx, job.ID.String(), s.cfg.LockTTL, func(ctx context.Context) error {
		return s.sweepLocked(ctx, run, catalog, job)
	})
	if errors.Is(err, ratelimit.ErrLockHeld) {
		obsmetrics.Scheduler().IncSweptJob(string(job.Status), obsmetrics.SweepOutcomeDeferred)
		obsmetrics.Scheduler().IncBatchDeferred(JobSweepStaleJobs, obsmetrics.SchedulerBatchDeferredReasonLockHeld)
		return nil
	}
	return err
}

func (s *Scheduler) sweepLocked(ctx context.Context, run *jobRun, catalog config.GenerationConfig, job *jobdomain.Job) error {
	status := job.Status
	policy := guard.PolicyFor(catalog, job.Provider, status)
	schedMetrics := obsmetrics.Scheduler()

	if guard.Decide(policy, status, s.clock.Now().Sub(job.UpdatedAt)) == guard.DecisionSkip {
		return nil
	}

	result, syncErr := s.reconciler.SyncStatus(ctx, job.ID)
	if syncErr != nil {
		s.logger(ctx).Warn("scheduler.sweep.recheck.failed", append(jobFields(job), zap.Error(syncErr))...)
	}
	current := job
	if result.Job != nil {
		current = result.Job
	}
	if current.Status != status || current.Status.IsTerminal() {
		run.AddProcessed(1)
		schedMetrics.IncSweptJob(string(status), obsmetrics.SweepOutcomeResolved)
		return nil
	}

	age := s.clock.Now().Sub(current.UpdatedAt)
	if guard.Decide(policy, current.Status, age) != guard.DecisionFail {
		schedMetrics.IncSweptJob(string(status), obsmetrics.SweepOutcomeDeferred)
		schedMetrics.IncBatchDeferred(JobSweepStaleJobs, obsmetrics.SchedulerBatchDeferredReasonBelowCeiling)
		return nil
	}

	reason := guard.TimeoutReason(status, policy)
	failed, err := s.reconciler.FailJob(ctx, current, reason)
	if err != nil {
		schedMetrics.IncSweptJob(string(status), obsmetrics.SweepOutcomeError)
		s.logSchedulerError(ctx, run, "scheduler.sweep.fail.failed", JobSweepStaleJobs, err, jobFields(current)...)
		return err
	}
	run.AddProcessed(1)
	if failed.Status == jobdomain.StatusFailed {
		schedMetrics.IncSweptJob(string(status), obsmetrics.SweepOutcomeTimedOut)
		s.logger(ctx).Warn("scheduler.sweep.timed_out", append(jobFields(current),
			zap.Duration("age", age),
			zap.Duration("hard_ceiling", policy.HardCeiling),
			zap.Bool("extended_policy", policy.Extended),
		)...)
		return nil
	}
	schedMetrics.IncSweptJob(string(status), obsmetrics.SweepOutcomeResolved)
	return nil
}
