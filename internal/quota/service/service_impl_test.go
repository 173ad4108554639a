package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/genledger/internal/clock"
	"github.com/smallbiznis/genledger/internal/config"
	quotadomain "github.com/smallbiznis/genledger/internal/quota/domain"
	"github.com/smallbiznis/genledger/pkg/db/dbtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testCatalog(included int64) *config.GenerationConfigHolder {
	cfg := config.DefaultGenerationConfig()
	cfg.Plans = []config.PlanConfig{
		{ID: "starter", Entitlements: []config.EntitlementConfig{
			{Model: "nano-banana-pro", Variant: "1k_2k", IncludedPerMonth: included, OveragePriceCredits: 17},
		}},
	}
	return config.NewStaticGenerationConfigHolder(cfg)
}

func newQuotaService(t *testing.T, included int64) (*Service, *clock.FakeClock) {
	t.Helper()
	db := dbtest.Open(t, &quotadomain.Usage{})
	clk := clock.NewFakeClock(time.Date(2025, 3, 30, 12, 0, 0, 0, time.UTC))
	svc := newService(Params{
		DB:           db,
		Log:          zap.NewNop(),
		Entitlements: NewCatalogSource(testCatalog(included)),
		Clock:        clk,
	})
	return svc, clk
}

func resolveAndConsume(t *testing.T, svc *Service, account snowflake.ID) quotadomain.Resolution {
	t.Helper()
	ctx := context.Background()
	res, err := svc.Resolve(ctx, account, "starter", "nano-banana-pro", "1k_2k")
	require.NoError(t, err)
	if res.Included {
		_, err := svc.Reserve(ctx, res.Key, res.Limit)
		require.NoError(t, err)
	}
	return res
}

func TestResolveQuotaBoundaryAndMonthReset(t *testing.T) {
	svc, clk := newQuotaService(t, 3)
	account := snowflake.ID(42)

	for i := range 3 {
		res := resolveAndConsume(t, svc, account)
		assert.True(t, res.Included, "call %d", i+1)
		assert.Equal(t, int64(0), res.Charge)
	}

	fourth := resolveAndConsume(t, svc, account)
	assert.False(t, fourth.Included)
	assert.Equal(t, int64(17), fourth.Charge)

	clk.Advance(48 * time.Hour)
	nextMonth := resolveAndConsume(t, svc, account)
	assert.True(t, nextMonth.Included)
	assert.Equal(t, "2025-04", nextMonth.Key.YearMonth)
}

func TestResolveLastIncludedUnit(t *testing.T) {
	svc, _ := newQuotaService(t, 200)
	ctx := context.Background()
	account := snowflake.ID(7)
	key := quotadomain.Key{AccountID: account, YearMonth: "2025-03", Model: "nano-banana-pro", Variant: "1k_2k"}

	for range 199 {
		_, err := svc.Increment(ctx, key)
		require.NoError(t, err)
	}

	res := resolveAndConsume(t, svc, account)
	assert.True(t, res.Included)
	assert.Equal(t, int64(0), res.Charge)

	usage, err := svc.Usage(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(200), usage.UsedCount)

	next := resolveAndConsume(t, svc, account)
	assert.False(t, next.Included)
	assert.Equal(t, int64(17), next.Charge)
}

func TestResolveWithoutPlanChargesBasePrice(t *testing.T) {
	svc, _ := newQuotaService(t, 3)

	res, err := svc.Resolve(context.Background(), snowflake.ID(1), "", "nano-banana-pro", "4k")
	require.NoError(t, err)
	assert.False(t, res.Included)
	assert.False(t, res.Entitled)
	assert.Equal(t, int64(25), res.Charge)
}

func TestResolveUnknownModel(t *testing.T) {
	svc, _ := newQuotaService(t, 3)

	_, err := svc.Resolve(context.Background(), snowflake.ID(1), "starter", "unknown", "1k_2k")
	require.ErrorIs(t, err, quotadomain.ErrUnknownModel)
}

func TestReserveStopsAtLimit(t *testing.T) {
	svc, _ := newQuotaService(t, 1)
	ctx := context.Background()
	key := quotadomain.Key{AccountID: 9, YearMonth: "2025-03", Model: "nano-banana-pro", Variant: "1k_2k"}

	_, err := svc.Reserve(ctx, key, 1)
	require.NoError(t, err)

	_, err = svc.Reserve(ctx, key, 1)
	require.ErrorIs(t, err, quotadomain.ErrQuotaExhausted)
}

func TestReleaseIsBoundedAtZero(t *testing.T) {
	svc, _ := newQuotaService(t, 3)
	ctx := context.Background()
	key := quotadomain.Key{AccountID: 9, YearMonth: "2025-03", Model: "nano-banana-pro", Variant: "1k_2k"}

	usage, err := svc.Release(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(0), usage.UsedCount)

	_, err = svc.Increment(ctx, key)
	require.NoError(t, err)
	usage, err = svc.Release(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(0), usage.UsedCount)

	usage, err = svc.Release(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(0), usage.UsedCount)
}
