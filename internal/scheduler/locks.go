package scheduler

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/smallbiznis/genledger/internal/account/domain"
	jobdomain "github.com/smallbiznis/genledger/internal/job/domain"
	ledgerdomain "github.com/smallbiznis/genledger/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/genledger/internal/observability/metrics"
	pkgdb "github.com/smallbiznis/genledger/pkg/db"
	"gorm.io/gorm"
)

const workJobColumns = `j.id, j.account_id, j.model, j.variant, j.provider, j.status,
	j.provider_task_id, j.charged_credits, j.included_by_quota, j.quota_month,
	j.result_ref, j.error, j.quota_released_at, j.created_at, j.updated_at`

// OrphanedDebit is a deduction whose job row was never written.
type OrphanedDebit struct {
	AccountID snowflake.ID
	JobID     snowflake.ID
	Amount    int64
	CreatedAt time.Time
}

// WorkAccount is an account whose plan period has ended.
type WorkAccount struct {
	ID        snowflake.ID
	PeriodEnd time.Time
}

// staleFilter selects non-terminal jobs of one status not updated since cutoff.
// Providers restricts the provider column; Exclude inverts the restriction.
type staleFilter struct {
	Status    jobdomain.Status
	Providers []string
	Exclude   bool
	Cutoff    time.Time
}

// claim runs a batch query in its own short transaction, adding SKIP LOCKED
// where the dialect supports it so the read never waits on rows a writer
// holds. The row locks end with the transaction, before any job is processed;
// two sweepers can still read the same row, and the per-job redis lock plus
// conditional transitions and idempotent settlement keep that safe.
func (s *Scheduler) claim(ctx context.Context, resource, query string, args []any, dest any) error {
	claimCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if pkgdb.SupportsSkipLocked(s.db) {
		query += "\n FOR UPDATE SKIP LOCKED"
	}
	lockStart := time.Now()
	err := s.db.WithContext(claimCtx).Transaction(func(tx *gorm.DB) error {
		return tx.Raw(query, args...).Scan(dest).Error
	})
	obsmetrics.Scheduler().ObserveDBLockWait(resource, time.Since(lockStart))
	return err
}

func (s *Scheduler) fetchStaleJobs(ctx context.Context, filter staleFilter, limit int) ([]*jobdomain.Job, error) {
	var b strings.Builder
	b.WriteString(`SELECT ` + workJobColumns + `
		 FROM generation_jobs j
		 WHERE j.status = ? AND j.updated_at <= ?`)
	args := []any{filter.Status, filter.Cutoff.UTC()}
	if len(filter.Providers) > 0 {
		if filter.Exclude {
			b.WriteString(` AND j.provider NOT IN ?`)
		} else {
			b.WriteString(` AND j.provider IN ?`)
		}
		args = append(args, filter.Providers)
	}
	b.WriteString(`
		 ORDER BY j.updated_at ASC, j.id ASC
		 LIMIT ?`)
	args = append(args, limit)

	var jobs []*jobdomain.Job
	if err := s.claim(ctx, obsmetrics.LockResourceStaleJobs, b.String(), args, &jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

// fetchUnrefundedJobs returns failed jobs whose deduction has no matching refund.
func (s *Scheduler) fetchUnrefundedJobs(ctx context.Context, limit int) ([]*jobdomain.Job, error) {
	var jobs []*jobdomain.Job
	err := s.claim(ctx, obsmetrics.LockResourceUnrefundedJobs,
		`SELECT `+workJobColumns+`
		 FROM generation_jobs j
		 WHERE j.status = ?
		   AND j.charged_credits > 0
		   AND EXISTS (
			   SELECT 1 FROM credit_transactions d
			   WHERE d.job_id = j.id AND d.kind = ?
		   )
		   AND NOT EXISTS (
			   SELECT 1 FROM credit_transactions r
			   WHERE r.job_id = j.id AND r.kind = ?
		   )
		 ORDER BY j.updated_at ASC, j.id ASC
		 LIMIT ?`,
		[]any{
			jobdomain.StatusFailed,
			ledgerdomain.TransactionKindDeduction,
			ledgerdomain.TransactionKindRefund,
			limit,
		},
		&jobs,
	)
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

func (s *Scheduler) fetchUnreleasedQuotaJobs(ctx context.Context, limit int) ([]*jobdomain.Job, error) {
	var jobs []*jobdomain.Job
	err := s.claim(ctx, obsmetrics.LockResourceUnreleasedQuota,
		`SELECT `+workJobColumns+`
		 FROM generation_jobs j
		 WHERE j.status = ?
		   AND j.included_by_quota = ?
		   AND j.quota_released_at IS NULL
		   AND j.quota_month <> ''
		 ORDER BY j.updated_at ASC, j.id ASC
		 LIMIT ?`,
		[]any{jobdomain.StatusFailed, true, limit},
		&jobs,
	)
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

// fetchOrphanedDebits returns deductions older than cutoff that have neither
// a job row nor a refund.
func (s *Scheduler) fetchOrphanedDebits(ctx context.Context, cutoff time.Time, limit int) ([]OrphanedDebit, error) {
	var debits []OrphanedDebit
	err := s.claim(ctx, obsmetrics.LockResourceOrphanedDebits,
		`SELECT d.account_id, d.job_id, -d.amount AS amount, d.created_at
		 FROM credit_transactions d
		 WHERE d.kind = ?
		   AND d.job_id IS NOT NULL
		   AND d.created_at <= ?
		   AND NOT EXISTS (
			   SELECT 1 FROM generation_jobs j WHERE j.id = d.job_id
		   )
		   AND NOT EXISTS (
			   SELECT 1 FROM credit_transactions r
			   WHERE r.job_id = d.job_id AND r.kind = ?
		   )
		 ORDER BY d.created_at ASC, d.id ASC
		 LIMIT ?`,
		[]any{
			ledgerdomain.TransactionKindDeduction,
			cutoff.UTC(),
			ledgerdomain.TransactionKindRefund,
			limit,
		},
		&debits,
	)
	if err != nil {
		return nil, err
	}
	return debits, nil
}

func (s *Scheduler) fetchExpiredAccounts(ctx context.Context, now time.Time, limit int) ([]WorkAccount, error) {
	var accounts []WorkAccount
	err := s.claim(ctx, obsmetrics.LockResourceExpiredAccounts,
		`SELECT a.id, a.period_end
		 FROM accounts a
		 WHERE a.plan_status = ?
		   AND a.period_end IS NOT NULL
		   AND a.period_end <= ?
		 ORDER BY a.period_end ASC, a.id ASC
		 LIMIT ?`,
		[]any{accountdomain.PlanStatusActive, now.UTC(), limit},
		&accounts,
	)
	if err != nil {
		return nil, err
	}
	return accounts, nil
}
