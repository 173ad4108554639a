//go:build integration

package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	redis "github.com/redis/go-redis/v9"
	accountdomain "github.com/smallbiznis/genledger/internal/account/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestPlanCacheRoundTrip(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	ctx := context.Background()
	require.NoError(t, client.Ping(ctx).Err())
	t.Cleanup(func() { client.Close() })

	accountID := snowflake.ID(time.Now().UnixNano())
	t.Cleanup(func() { client.Del(context.Background(), planKey(accountID)) })

	c := newPlanCache(client, time.Minute, zap.NewNop())
	_, ok := c.Get(ctx, accountID)
	assert.False(t, ok)

	plan := accountdomain.ActivePlan{
		AccountID: accountID,
		PlanID:    "creator_plus",
		PeriodEnd: time.Now().Add(time.Hour).UTC().Truncate(time.Second),
	}
	c.Set(ctx, plan)

	got, ok := c.Get(ctx, accountID)
	require.True(t, ok)
	assert.Equal(t, plan.PlanID, got.PlanID)
	assert.True(t, plan.PeriodEnd.Equal(got.PeriodEnd))

	c.Invalidate(ctx, accountID)
	_, ok = c.Get(ctx, accountID)
	assert.False(t, ok)
}
