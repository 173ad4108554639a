package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/genledger/internal/account/domain"
	"github.com/smallbiznis/genledger/internal/account/repository"
	"github.com/smallbiznis/genledger/internal/clock"
	"github.com/smallbiznis/genledger/internal/config"
	ledgerdomain "github.com/smallbiznis/genledger/internal/ledger/domain"
	ledgerservice "github.com/smallbiznis/genledger/internal/ledger/service"
	"github.com/smallbiznis/genledger/pkg/db/dbtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type memoryPlanCache struct {
	mu          sync.Mutex
	plans       map[snowflake.ID]domain.ActivePlan
	invalidated []snowflake.ID
}

func newMemoryPlanCache() *memoryPlanCache {
	return &memoryPlanCache{plans: map[snowflake.ID]domain.ActivePlan{}}
}

func (c *memoryPlanCache) Get(_ context.Context, id snowflake.ID) (domain.ActivePlan, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	plan, ok := c.plans[id]
	return plan, ok
}

func (c *memoryPlanCache) Set(_ context.Context, plan domain.ActivePlan) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.plans[plan.AccountID] = plan
}

func (c *memoryPlanCache) Invalidate(_ context.Context, id snowflake.ID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.plans, id)
	c.invalidated = append(c.invalidated, id)
}

type accountFixture struct {
	svc    domain.Service
	ledger ledgerdomain.Service
	clock  *clock.FakeClock
	cache  *memoryPlanCache
}

func newAccountFixture(t *testing.T) *accountFixture {
	t.Helper()
	db := dbtest.Open(t, &domain.Account{}, &ledgerdomain.Ledger{}, &ledgerdomain.Transaction{})
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	clk := clock.NewFakeClock(time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC))
	log := zap.NewNop()

	ledger := ledgerservice.NewService(ledgerservice.Params{DB: db, Log: log, GenID: node, Clock: clk})
	cache := newMemoryPlanCache()
	svc := New(Params{
		DB:        db,
		Log:       log,
		GenID:     node,
		Repo:      repository.Provide(),
		Ledger:    ledger,
		Catalog:   config.NewStaticGenerationConfigHolder(config.DefaultGenerationConfig()),
		Clock:     clk,
		PlanCache: cache,
	})
	return &accountFixture{svc: svc, ledger: ledger, clock: clk, cache: cache}
}

func TestAssignPlanGrantsSubscriptionCreditsOnce(t *testing.T) {
	f := newAccountFixture(t)
	ctx := context.Background()
	account, err := f.svc.Create(ctx, domain.CreateAccountRequest{})
	require.NoError(t, err)

	periodEnd := f.clock.Now().AddDate(0, 1, 0)
	req := domain.AssignPlanRequest{AccountID: account.ID, PlanID: "creator_plus", PeriodEnd: periodEnd, Credits: 500}

	updated, err := f.svc.AssignPlan(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, domain.PlanStatusActive, updated.PlanStatus)

	_, err = f.svc.AssignPlan(ctx, req)
	require.NoError(t, err)

	balance, err := f.ledger.Balance(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(500), balance.SubscriptionCredits)
	assert.Contains(t, f.cache.invalidated, account.ID)
}

func TestAssignPlanRejectsUnknownPlan(t *testing.T) {
	f := newAccountFixture(t)
	ctx := context.Background()
	account, err := f.svc.Create(ctx, domain.CreateAccountRequest{})
	require.NoError(t, err)

	_, err = f.svc.AssignPlan(ctx, domain.AssignPlanRequest{
		AccountID: account.ID,
		PlanID:    "enterprise",
		PeriodEnd: f.clock.Now().Add(time.Hour),
	})
	require.ErrorIs(t, err, domain.ErrUnknownPlan)
}

func TestActivePlanEndsAtPeriodEnd(t *testing.T) {
	f := newAccountFixture(t)
	ctx := context.Background()
	account, err := f.svc.Create(ctx, domain.CreateAccountRequest{})
	require.NoError(t, err)

	periodEnd := f.clock.Now().Add(72 * time.Hour)
	_, err = f.svc.AssignPlan(ctx, domain.AssignPlanRequest{AccountID: account.ID, PlanID: "business", PeriodEnd: periodEnd})
	require.NoError(t, err)

	plan, ok, err := f.svc.ActivePlan(ctx, account.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "business", plan.PlanID)

	f.clock.Set(periodEnd)
	_, ok, err = f.svc.ActivePlan(ctx, account.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	expired, err := f.svc.ExpirePlan(ctx, account.ID, periodEnd)
	require.NoError(t, err)
	assert.True(t, expired)

	again, err := f.svc.ExpirePlan(ctx, account.ID, periodEnd)
	require.NoError(t, err)
	assert.False(t, again)
}

func TestGetUnknownAccount(t *testing.T) {
	f := newAccountFixture(t)
	_, err := f.svc.Get(context.Background(), 12345)
	require.ErrorIs(t, err, domain.ErrAccountNotFound)
}
