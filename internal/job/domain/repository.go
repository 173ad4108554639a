package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, job *Job) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Job, error)
	FindByProviderTask(ctx context.Context, db *gorm.DB, provider, taskID string) (*Job, error)
	// Transition reports false when the job was not in an allowed source status.
	Transition(ctx context.Context, db *gorm.DB, req TransitionRequest) (bool, error)
	MarkQuotaReleased(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) (bool, error)
	ClearQuotaReleased(ctx context.Context, db *gorm.DB, id snowflake.ID) error
	ListByAccount(ctx context.Context, db *gorm.DB, accountID snowflake.ID, limit int) ([]*Job, error)
}
