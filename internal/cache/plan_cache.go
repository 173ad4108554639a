package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	redis "github.com/redis/go-redis/v9"
	accountdomain "github.com/smallbiznis/genledger/internal/account/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	keyActivePlan        = "genledger:plan:%s"
	defaultActivePlanTTL = 45 * time.Second
)

// PlanCache keeps active plan lookups in redis. Errors degrade to cache misses.
type PlanCache struct {
	client redis.UniversalClient
	ttl    time.Duration
	log    *zap.Logger
}

type PlanCacheParams struct {
	fx.In

	Redis redis.UniversalClient `optional:"true"`
	Log   *zap.Logger
}

// NewPlanCache returns a nil interface when redis is not configured so the
// account service falls back to the database.
func NewPlanCache(p PlanCacheParams) accountdomain.PlanCache {
	if p.Redis == nil {
		return nil
	}
	return newPlanCache(p.Redis, defaultActivePlanTTL, p.Log)
}

func newPlanCache(client redis.UniversalClient, ttl time.Duration, log *zap.Logger) *PlanCache {
	if log == nil {
		log = zap.NewNop()
	}
	return &PlanCache{client: client, ttl: ttl, log: log.Named("cache.plan")}
}

func (c *PlanCache) Get(ctx context.Context, accountID snowflake.ID) (accountdomain.ActivePlan, bool) {
	raw, err := c.client.Get(ctx, planKey(accountID)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.log.Warn("plan cache read failed", zap.String("account_id", accountID.String()), zap.Error(err))
		}
		return accountdomain.ActivePlan{}, false
	}
	var plan accountdomain.ActivePlan
	if err := json.Unmarshal(raw, &plan); err != nil {
		return accountdomain.ActivePlan{}, false
	}
	return plan, true
}

func (c *PlanCache) Set(ctx context.Context, plan accountdomain.ActivePlan) {
	ttl := c.ttl
	if remaining := time.Until(plan.PeriodEnd); remaining < ttl {
		ttl = remaining
	}
	if ttl <= 0 {
		return
	}
	raw, err := json.Marshal(plan)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, planKey(plan.AccountID), raw, ttl).Err(); err != nil {
		c.log.Warn("plan cache write failed", zap.String("account_id", plan.AccountID.String()), zap.Error(err))
	}
}

func (c *PlanCache) Invalidate(ctx context.Context, accountID snowflake.ID) {
	if err := c.client.Del(ctx, planKey(accountID)).Err(); err != nil {
		c.log.Warn("plan cache invalidate failed", zap.String("account_id", accountID.String()), zap.Error(err))
	}
}

func planKey(accountID snowflake.ID) string {
	return fmt.Sprintf(keyActivePlan, accountID.String())
}
