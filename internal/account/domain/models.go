package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type PlanStatus string

const (
	PlanStatusNone      PlanStatus = ""
	PlanStatusActive    PlanStatus = "active"
	PlanStatusExpired   PlanStatus = "expired"
	PlanStatusCancelled PlanStatus = "cancelled"
)

// Account owns one credit ledger and at most one active plan.
type Account struct {
	ID         snowflake.ID `gorm:"primaryKey;autoIncrement:false" json:"id"`
	PlanID     string       `gorm:"type:varchar(64)" json:"plan_id,omitempty"`
	PlanStatus PlanStatus   `gorm:"type:varchar(16);index:ix_accounts_plan_period,priority:1" json:"plan_status,omitempty"`
	PeriodEnd  *time.Time   `gorm:"index:ix_accounts_plan_period,priority:2" json:"period_end,omitempty"`
	CreatedAt  time.Time    `gorm:"not null" json:"created_at"`
	UpdatedAt  time.Time    `gorm:"not null" json:"updated_at"`
}

// TableName sets the database table name.
func (Account) TableName() string { return "accounts" }

// ActivePlan returns the plan in force at now, if any.
func (a Account) ActivePlan(now time.Time) (ActivePlan, bool) {
	if a.PlanStatus != PlanStatusActive || a.PlanID == "" || a.PeriodEnd == nil {
		return ActivePlan{}, false
	}
	if !now.Before(*a.PeriodEnd) {
		return ActivePlan{}, false
	}
	return ActivePlan{AccountID: a.ID, PlanID: a.PlanID, PeriodEnd: *a.PeriodEnd}, true
}

type ActivePlan struct {
	AccountID snowflake.ID `json:"account_id"`
	PlanID    string       `json:"plan_id"`
	PeriodEnd time.Time    `json:"period_end"`
}

type CreateAccountRequest struct {
	ID snowflake.ID
}

// AssignPlanRequest starts a billing period. Credits are granted to the
// subscription bucket once per (account, period end).
type AssignPlanRequest struct {
	AccountID snowflake.ID
	PlanID    string
	PeriodEnd time.Time
	Credits   int64
}
