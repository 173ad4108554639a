// Package enginetest wires the ledger, quota, account, job and provider
// components over an in-memory database for package tests.
package enginetest

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/smallbiznis/genledger/internal/account/domain"
	accountrepo "github.com/smallbiznis/genledger/internal/account/repository"
	accountservice "github.com/smallbiznis/genledger/internal/account/service"
	"github.com/smallbiznis/genledger/internal/clock"
	"github.com/smallbiznis/genledger/internal/config"
	jobdomain "github.com/smallbiznis/genledger/internal/job/domain"
	jobrepo "github.com/smallbiznis/genledger/internal/job/repository"
	ledgerdomain "github.com/smallbiznis/genledger/internal/ledger/domain"
	ledgerservice "github.com/smallbiznis/genledger/internal/ledger/service"
	"github.com/smallbiznis/genledger/internal/provider"
	"github.com/smallbiznis/genledger/internal/provider/mock"
	quotadomain "github.com/smallbiznis/genledger/internal/quota/domain"
	quotaservice "github.com/smallbiznis/genledger/internal/quota/service"
	"github.com/smallbiznis/genledger/internal/reconcile"
	"github.com/smallbiznis/genledger/pkg/db/dbtest"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Start is the fake clock's initial time in every engine.
var Start = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

type Engine struct {
	DB         *gorm.DB
	Log        *zap.Logger
	Clock      *clock.FakeClock
	Node       *snowflake.Node
	Catalog    *config.GenerationConfigHolder
	Ledger     ledgerdomain.Service
	Quota      quotadomain.Service
	Accounts   accountdomain.Service
	Jobs       jobdomain.Repository
	Registry   *provider.Registry
	Providers  *provider.Gateway
	Reconciler *reconcile.Service
	Adapters   map[string]*mock.Adapter
}

// Models lists every table the engine touches.
func Models() []any {
	return []any{
		&accountdomain.Account{},
		&ledgerdomain.Ledger{},
		&ledgerdomain.Transaction{},
		&quotadomain.Usage{},
		&jobdomain.Job{},
	}
}

// New builds an engine over catalog. Every provider named in the catalog is
// served by a mock adapter driven by the engine clock.
func New(t testing.TB, catalog config.GenerationConfig) *Engine {
	t.Helper()

	db := dbtest.Open(t, Models()...)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	clk := clock.NewFakeClock(Start)
	log := zap.NewNop()
	holder := config.NewStaticGenerationConfigHolder(catalog)

	ledger := ledgerservice.NewService(ledgerservice.Params{DB: db, Log: log, GenID: node, Clock: clk})
	quota := quotaservice.NewService(quotaservice.Params{
		DB:           db,
		Log:          log,
		Entitlements: quotaservice.NewCatalogSource(holder),
		Clock:        clk,
	})
	accounts := accountservice.New(accountservice.Params{
		DB:      db,
		Log:     log,
		GenID:   node,
		Repo:    accountrepo.Provide(),
		Ledger:  ledger,
		Catalog: holder,
		Clock:   clk,
	})
	jobs := jobrepo.Provide()

	adapters := map[string]*mock.Adapter{}
	registry := provider.NewStaticRegistry()
	for _, p := range holder.Get().Providers {
		adapter := mock.New(p.Name, clk)
		adapters[p.Name] = adapter
		registry.Register(adapter)
	}
	gateway := provider.NewGateway(provider.GatewayParams{
		Registry: registry,
		Log:      log,
		Config: &provider.RetryConfig{
			CallTimeout:     time.Second,
			MaxAttempts:     3,
			InitialInterval: time.Millisecond,
			MaxInterval:     2 * time.Millisecond,
		},
	})
	reconciler := reconcile.NewService(reconcile.Params{
		DB:        db,
		Log:       log,
		Jobs:      jobs,
		Ledger:    ledger,
		Quota:     quota,
		Providers: gateway,
		Catalog:   holder,
		Clock:     clk,
	})

	return &Engine{
		DB:         db,
		Log:        log,
		Clock:      clk,
		Node:       node,
		Catalog:    holder,
		Ledger:     ledger,
		Quota:      quota,
		Accounts:   accounts,
		Jobs:       jobs,
		Registry:   registry,
		Providers:  gateway,
		Reconciler: reconciler,
		Adapters:   adapters,
	}
}

// Account creates an account on planID (empty for none) with the given
// bucket balances. The plan period ends 30 days after the current clock.
func (e *Engine) Account(t testing.TB, planID string, subscription, pkg int64) snowflake.ID {
	t.Helper()
	ctx := context.Background()

	account, err := e.Accounts.Create(ctx, accountdomain.CreateAccountRequest{})
	require.NoError(t, err)

	if planID != "" {
		_, err := e.Accounts.AssignPlan(ctx, accountdomain.AssignPlanRequest{
			AccountID: account.ID,
			PlanID:    planID,
			PeriodEnd: e.Clock.Now().Add(30 * 24 * time.Hour),
			Credits:   subscription,
		})
		require.NoError(t, err)
	} else if subscription > 0 {
		e.grant(t, account.ID, ledgerdomain.TransactionKindSubscriptionGrant, subscription)
	}
	if pkg > 0 {
		e.grant(t, account.ID, ledgerdomain.TransactionKindPurchase, pkg)
	}
	return account.ID
}

func (e *Engine) grant(t testing.TB, accountID snowflake.ID, kind ledgerdomain.TransactionKind, amount int64) {
	t.Helper()
	_, err := e.Ledger.Grant(context.Background(), ledgerdomain.GrantRequest{
		AccountID:      accountID,
		Amount:         amount,
		Kind:           kind,
		IdempotencyKey: e.Node.Generate().String(),
	})
	require.NoError(t, err)
}

func (e *Engine) Balance(t testing.TB, accountID snowflake.ID) ledgerdomain.Balance {
	t.Helper()
	balance, err := e.Ledger.Balance(context.Background(), accountID)
	require.NoError(t, err)
	return balance
}

func (e *Engine) Job(t testing.TB, jobID snowflake.ID) *jobdomain.Job {
	t.Helper()
	job, err := e.Jobs.FindByID(context.Background(), e.DB, jobID)
	require.NoError(t, err)
	require.NotNil(t, job)
	return job
}

// QuotaUsed returns the current month's used count for (model, variant).
func (e *Engine) QuotaUsed(t testing.TB, accountID snowflake.ID, model, variant string) int64 {
	t.Helper()
	usage, err := e.Quota.Usage(context.Background(), quotadomain.Key{
		AccountID: accountID,
		YearMonth: quotadomain.YearMonth(e.Clock.Now()),
		Model:     model,
		Variant:   variant,
	})
	require.NoError(t, err)
	return usage.UsedCount
}

// CountTransactions counts ledger rows of kind written for jobID.
func (e *Engine) CountTransactions(t testing.TB, kind ledgerdomain.TransactionKind, jobID snowflake.ID) int64 {
	t.Helper()
	var count int64
	require.NoError(t, e.DB.Model(&ledgerdomain.Transaction{}).
		Where("kind = ? AND idempotency_key = ?", kind, jobID.String()).
		Count(&count).Error)
	return count
}

// InsertJob writes a job row directly, bypassing the dispatcher.
func (e *Engine) InsertJob(t testing.TB, job *jobdomain.Job) *jobdomain.Job {
	t.Helper()
	if job.ID == 0 {
		job.ID = e.Node.Generate()
	}
	now := e.Clock.Now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	if job.UpdatedAt.IsZero() {
		job.UpdatedAt = now
	}
	require.NoError(t, e.Jobs.Insert(context.Background(), e.DB, job))
	return job
}

// SetQuotaUsed seeds the current month's used count for (model, variant).
func (e *Engine) SetQuotaUsed(t testing.TB, accountID snowflake.ID, model, variant string, used int64) {
	t.Helper()
	now := e.Clock.Now()
	require.NoError(t, e.DB.Create(&quotadomain.Usage{
		AccountID: accountID,
		YearMonth: quotadomain.YearMonth(now),
		Model:     model,
		Variant:   variant,
		UsedCount: used,
		CreatedAt: now,
		UpdatedAt: now,
	}).Error)
}
