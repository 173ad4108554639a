package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, account *Account) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Account, error)
	UpdatePlan(ctx context.Context, db *gorm.DB, id snowflake.ID, planID string, status PlanStatus, periodEnd time.Time, at time.Time) (bool, error)
	MarkExpired(ctx context.Context, db *gorm.DB, id snowflake.ID, periodEnd time.Time, at time.Time) (bool, error)
}
