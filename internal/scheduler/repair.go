package scheduler

import (
	"context"
	"errors"

	jobdomain "github.com/smallbiznis/genledger/internal/job/domain"
	obsmetrics "github.com/smallbiznis/genledger/internal/observability/metrics"
	"go.uber.org/zap"
)

const orphanedDebitReason = "job not created"

// RefundRepairJob settles failed jobs whose deduction was never refunded, for
// example when the process died between the failed transition and the refund.
func (s *Scheduler) RefundRepairJob(ctx context.Context) error {
	return s.repair(ctx, JobRefundRepair, obsmetrics.LockResourceUnrefundedJobs, s.fetchUnrefundedJobs)
}

// QuotaReleaseRepairJob returns included units held by failed jobs.
func (s *Scheduler) QuotaReleaseRepairJob(ctx context.Context) error {
	return s.repair(ctx, JobQuotaReleaseRepair, obsmetrics.LockResourceUnreleasedQuota, s.fetchUnreleasedQuotaJobs)
}

// OrphanedDebitRepairJob refunds deductions left behind by a submit that died
// between charging the account and writing the job row.
func (s *Scheduler) OrphanedDebitRepairJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobOrphanedDebitRepair, s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	cutoff := s.clock.Now().Add(-OrphanedDebitGrace)
	debits, err := s.fetchOrphanedDebits(ctx, cutoff, s.cfg.BatchSize)
	if err != nil {
		s.logSchedulerError(ctx, run, "scheduler.repair.fetch.failed", JobOrphanedDebitRepair, err)
		return err
	}

	var jobErr error
	for _, debit := range debits {
		if ctx.Err() != nil {
			return errors.Join(jobErr, ctx.Err())
		}
		fields := []zap.Field{
			zap.String("job", JobOrphanedDebitRepair),
			zap.String("job_id", debit.JobID.String()),
			zap.String("account_id", debit.AccountID.String()),
			zap.Int64("amount", debit.Amount),
		}
		if _, err := s.ledger.Refund(ctx, debit.AccountID, debit.Amount, debit.JobID, orphanedDebitReason); err != nil {
			s.logSchedulerError(ctx, run, "scheduler.repair.refund.failed", JobOrphanedDebitRepair, err, fields...)
			jobErr = errors.Join(jobErr, err)
			continue
		}
		run.AddProcessed(1)
		s.logger(ctx).Info("scheduler.repair.orphaned_debit_refunded", fields...)
	}
	obsmetrics.Scheduler().AddBatchProcessed(JobOrphanedDebitRepair, obsmetrics.LockResourceOrphanedDebits, run.processedCount)
	return jobErr
}

func (s *Scheduler) repair(
	ctx context.Context,
	name string,
	resource string,
	fetch func(context.Context, int) ([]*jobdomain.Job, error),
) error {
	ctx, run, owner := s.ensureJobRun(ctx, name, s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	jobs, err := fetch(ctx, s.cfg.BatchSize)
	if err != nil {
		s.logSchedulerError(ctx, run, "scheduler.repair.fetch.failed", name, err)
		return err
	}
	if len(jobs) == 0 {
		return nil
	}

	var jobErr error
	for _, job := range jobs {
		if ctx.Err() != nil {
			return errors.Join(jobErr, ctx.Err())
		}
		if err := s.reconciler.Settle(ctx, job); err != nil {
			s.logSchedulerError(ctx, run, "scheduler.repair.settle.failed", name, err, jobFields(job)...)
			jobErr = errors.Join(jobErr, err)
			continue
		}
		run.AddProcessed(1)
		s.logger(ctx).Info("scheduler.repair.settled", append(jobFields(job), zap.String("job", name))...)
	}
	obsmetrics.Scheduler().AddBatchProcessed(name, resource, run.processedCount)
	return jobErr
}
