package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/genledger/internal/account/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, account *domain.Account) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO accounts (id, plan_id, plan_status, period_end, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		account.ID,
		account.PlanID,
		account.PlanStatus,
		account.PeriodEnd,
		account.CreatedAt,
		account.UpdatedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Account, error) {
	var accounts []*domain.Account
	err := db.WithContext(ctx).Raw(
		`SELECT id, plan_id, plan_status, period_end, created_at, updated_at
		 FROM accounts WHERE id = ?`,
		id,
	).Scan(&accounts).Error
	if err != nil {
		return nil, err
	}
	if len(accounts) == 0 {
		return nil, nil
	}
	return accounts[0], nil
}

func (r *repo) UpdatePlan(ctx context.Context, db *gorm.DB, id snowflake.ID, planID string, status domain.PlanStatus, periodEnd time.Time, at time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE accounts SET plan_id = ?, plan_status = ?, period_end = ?, updated_at = ?
		 WHERE id = ?`,
		planID,
		status,
		periodEnd.UTC(),
		at.UTC(),
		id,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) MarkExpired(ctx context.Context, db *gorm.DB, id snowflake.ID, periodEnd time.Time, at time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE accounts SET plan_status = ?, updated_at = ?
		 WHERE id = ? AND plan_status = ? AND period_end = ?`,
		domain.PlanStatusExpired,
		at.UTC(),
		id,
		domain.PlanStatusActive,
		periodEnd.UTC(),
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
