// Package schedulertest moves job and account timestamps so sweeper
// deadlines can be reached without waiting.
package schedulertest

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/smallbiznis/genledger/internal/account/domain"
	"github.com/smallbiznis/genledger/internal/clock"
	jobdomain "github.com/smallbiznis/genledger/internal/job/domain"
	"gorm.io/gorm"
)

// TimeAccelerator rewrites timestamps relative to clock.
type TimeAccelerator struct {
	db    *gorm.DB
	clock clock.Clock
}

func NewTimeAccelerator(db *gorm.DB, clk clock.Clock) *TimeAccelerator {
	if clk == nil {
		clk = clock.NewSystemClock()
	}
	return &TimeAccelerator{db: db, clock: clk}
}

// AgeJob makes a non-terminal job look as if it last changed age ago.
func (ta *TimeAccelerator) AgeJob(ctx context.Context, jobID snowflake.ID, age time.Duration) error {
	return ta.db.WithContext(ctx).Exec(
		`UPDATE generation_jobs
		 SET updated_at = ?
		 WHERE id = ? AND status IN ?`,
		ta.clock.Now().Add(-age).UTC(),
		jobID,
		jobdomain.NonTerminalStatuses,
	).Error
}

// AgeAllJobs ages every job in status and returns how many moved.
func (ta *TimeAccelerator) AgeAllJobs(ctx context.Context, status jobdomain.Status, age time.Duration) (int64, error) {
	result := ta.db.WithContext(ctx).Exec(
		`UPDATE generation_jobs
		 SET updated_at = ?
		 WHERE status = ?`,
		ta.clock.Now().Add(-age).UTC(),
		status,
	)
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

// EndPeriod moves an active plan period end one minute into the past.
func (ta *TimeAccelerator) EndPeriod(ctx context.Context, accountID snowflake.ID) error {
	now := ta.clock.Now().UTC()
	return ta.db.WithContext(ctx).Exec(
		`UPDATE accounts
		 SET period_end = ?, updated_at = ?
		 WHERE id = ? AND plan_status = ?`,
		now.Add(-time.Minute),
		now,
		accountID,
		accountdomain.PlanStatusActive,
	).Error
}

// JobInfo shows where a job stands against the sweeper for debugging.
type JobInfo struct {
	ID        snowflake.ID
	Status    jobdomain.Status
	Provider  string
	UpdatedAt time.Time
	Age       time.Duration
}

func (ta *TimeAccelerator) GetJobInfo(ctx context.Context, jobID snowflake.ID) (*JobInfo, error) {
	var row struct {
		ID        snowflake.ID
		Status    jobdomain.Status
		Provider  string
		UpdatedAt time.Time
	}
	err := ta.db.WithContext(ctx).Raw(
		`SELECT id, status, provider, updated_at
		 FROM generation_jobs
		 WHERE id = ?`,
		jobID,
	).Scan(&row).Error
	if err != nil {
		return nil, err
	}
	return &JobInfo{
		ID:        row.ID,
		Status:    row.Status,
		Provider:  row.Provider,
		UpdatedAt: row.UpdatedAt,
		Age:       ta.clock.Now().Sub(row.UpdatedAt),
	}, nil
}
