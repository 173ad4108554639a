package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
)

type Service interface {
	Create(ctx context.Context, req CreateAccountRequest) (Account, error)
	Get(ctx context.Context, id snowflake.ID) (Account, error)
	ActivePlan(ctx context.Context, id snowflake.ID) (ActivePlan, bool, error)
	AssignPlan(ctx context.Context, req AssignPlanRequest) (Account, error)
	// ExpirePlan closes the period ending at periodEnd. It reports false when the
	// account already moved on to another period.
	ExpirePlan(ctx context.Context, id snowflake.ID, periodEnd time.Time) (bool, error)
}

// PlanCache holds short-lived active plan lookups for the submit path.
type PlanCache interface {
	Get(ctx context.Context, accountID snowflake.ID) (ActivePlan, bool)
	Set(ctx context.Context, plan ActivePlan)
	Invalidate(ctx context.Context, accountID snowflake.ID)
}
