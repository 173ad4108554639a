package scheduler

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	jobdomain "github.com/smallbiznis/genledger/internal/job/domain"
	"github.com/smallbiznis/genledger/internal/ratelimit"
	"go.uber.org/zap"
)

// SweepNow runs every enabled job once outside the ticker.
func (s *Scheduler) SweepNow(ctx context.Context) ([]JobReport, error) {
	s.logger(ctx).Info("scheduler.sweep.manual")
	return s.RunOnce(ctx)
}

const operatorReason = "failed by operator"

// RequeueJob rechecks a single job against its provider. With force, a job
// that is still not terminal afterwards is failed and refunded.
func (s *Scheduler) RequeueJob(ctx context.Context, jobID snowflake.ID, force bool, reason string) (*jobdomain.Job, error) {
	job, err := s.jobs.FindByID(ctx, s.db, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, jobdomain.ErrJobNotFound
	}
	if job.Status.IsTerminal() {
		return job, nil
	}

	var current *jobdomain.Job
	err = s.locker.WithJobLock(ctx, job.ID.String(), s.cfg.LockTTL, func(ctx context.Context) error {
		result, syncErr := s.reconciler.SyncStatus(ctx, job.ID)
		current = job
		if result.Job != nil {
			current = result.Job
		}
		if !force || current.Status.IsTerminal() {
			return syncErr
		}
		if syncErr != nil {
			s.logger(ctx).Warn("scheduler.requeue.recheck.failed", append(jobFields(job), zap.Error(syncErr))...)
		}

		reason = strings.TrimSpace(reason)
		if reason == "" {
			reason = operatorReason
		} else {
			reason = operatorReason + ": " + reason
		}
		failed, err := s.reconciler.FailJob(ctx, current, reason)
		if failed != nil {
			current = failed
		}
		return err
	})
	if errors.Is(err, ratelimit.ErrLockHeld) {
		return job, err
	}
	if current == nil {
		current = job
	}
	s.logger(ctx).Info("scheduler.requeue",
		append(jobFields(current), zap.Bool("force", force), zap.String("previous_status", string(job.Status)))...,
	)
	return current, err
}
