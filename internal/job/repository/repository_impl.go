package repository

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/genledger/internal/job/domain"
	"gorm.io/gorm"
)

const jobColumns = `id, account_id, model, variant, provider, status, provider_task_id,
	charged_credits, included_by_quota, quota_month, payload, result_ref, error,
	quota_released_at, created_at, updated_at`

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, job *domain.Job) error {
	if job == nil || job.ID == 0 || job.AccountID == 0 {
		return domain.ErrInvalidJob
	}
	return db.WithContext(ctx).Create(job).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Job, error) {
	var jobs []*domain.Job
	err := db.WithContext(ctx).Raw(
		`SELECT `+jobColumns+` FROM generation_jobs WHERE id = ?`,
		id,
	).Scan(&jobs).Error
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, nil
	}
	return jobs[0], nil
}

func (r *repo) FindByProviderTask(ctx context.Context, db *gorm.DB, provider, taskID string) (*domain.Job, error) {
	var jobs []*domain.Job
	err := db.WithContext(ctx).Raw(
		`SELECT `+jobColumns+` FROM generation_jobs WHERE provider = ? AND provider_task_id = ?`,
		strings.TrimSpace(provider),
		strings.TrimSpace(taskID),
	).Scan(&jobs).Error
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, nil
	}
	return jobs[0], nil
}

// Transition is a conditional update guarded by the allowed source statuses.
// Zero affected rows means another actor already moved the job.
func (r *repo) Transition(ctx context.Context, db *gorm.DB, req domain.TransitionRequest) (bool, error) {
	if req.JobID == 0 {
		return false, domain.ErrInvalidJob
	}
	sources := domain.AllowedSources(req.To)
	if len(sources) == 0 {
		return false, domain.ErrInvalidTransition
	}

	sets := []string{"status = ?", "updated_at = ?"}
	args := []any{req.To, req.At.UTC()}
	if req.ProviderTaskID != nil {
		sets = append(sets, "provider_task_id = ?")
		args = append(args, *req.ProviderTaskID)
	}
	if req.ResultRef != nil {
		sets = append(sets, "result_ref = ?")
		args = append(args, *req.ResultRef)
	}
	if req.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, *req.Error)
	}
	args = append(args, req.JobID, sources)

	res := db.WithContext(ctx).Exec(
		`UPDATE generation_jobs SET `+strings.Join(sets, ", ")+` WHERE id = ? AND status IN ?`,
		args...,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) MarkQuotaReleased(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE generation_jobs SET quota_released_at = ?
		WHERE id = ? AND quota_released_at IS NULL`,
		at.UTC(),
		id,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) ClearQuotaReleased(ctx context.Context, db *gorm.DB, id snowflake.ID) error {
	return db.WithContext(ctx).Exec(
		`UPDATE generation_jobs SET quota_released_at = NULL WHERE id = ?`,
		id,
	).Error
}

func (r *repo) ListByAccount(ctx context.Context, db *gorm.DB, accountID snowflake.ID, limit int) ([]*domain.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	var jobs []*domain.Job
	err := db.WithContext(ctx).Raw(
		`SELECT `+jobColumns+` FROM generation_jobs
		WHERE account_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`,
		accountID,
		limit,
	).Scan(&jobs).Error
	if err != nil {
		return nil, err
	}
	return jobs, nil
}
