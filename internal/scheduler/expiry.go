package scheduler

import (
	"context"
	"errors"

	obsmetrics "github.com/smallbiznis/genledger/internal/observability/metrics"
	"go.uber.org/zap"
)

// ExpireSubscriptionCreditsJob closes plan periods that have ended: the
// subscription bucket is zeroed and the plan marked expired. Package credits
// are untouched.
func (s *Scheduler) ExpireSubscriptionCreditsJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobExpireSubscriptions, s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	accounts, err := s.fetchExpiredAccounts(ctx, s.clock.Now(), s.cfg.BatchSize)
	if err != nil {
		s.logSchedulerError(ctx, run, "scheduler.expiry.fetch.failed", JobExpireSubscriptions, err)
		return err
	}

	var jobErr error
	for _, account := range accounts {
		if ctx.Err() != nil {
			return errors.Join(jobErr, ctx.Err())
		}
		result, err := s.ledger.ExpireSubscriptionCredits(ctx, account.ID, account.PeriodEnd)
		if err != nil {
			s.logSchedulerError(ctx, run, "scheduler.expiry.ledger.failed", JobExpireSubscriptions, err,
				zap.String("account_id", account.ID.String()),
			)
			jobErr = errors.Join(jobErr, err)
			continue
		}
		expired, err := s.accounts.ExpirePlan(ctx, account.ID, account.PeriodEnd)
		if err != nil {
			s.logSchedulerError(ctx, run, "scheduler.expiry.plan.failed", JobExpireSubscriptions, err,
				zap.String("account_id", account.ID.String()),
			)
			jobErr = errors.Join(jobErr, err)
			continue
		}
		run.AddProcessed(1)
		s.logger(ctx).Info("scheduler.expiry.period_closed",
			zap.String("account_id", account.ID.String()),
			zap.Time("period_end", account.PeriodEnd),
			zap.Int64("expired_credits", -result.Amount),
			zap.Bool("plan_expired", expired),
			zap.Bool("duplicate", result.Duplicate),
		)
	}
	obsmetrics.Scheduler().AddBatchProcessed(JobExpireSubscriptions, obsmetrics.LockResourceExpiredAccounts, run.processedCount)
	return jobErr
}
