package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/genledger/internal/account"
	"github.com/smallbiznis/genledger/internal/cache"
	"github.com/smallbiznis/genledger/internal/clock"
	"github.com/smallbiznis/genledger/internal/config"
	"github.com/smallbiznis/genledger/internal/dispatch"
	"github.com/smallbiznis/genledger/internal/job"
	"github.com/smallbiznis/genledger/internal/ledger"
	"github.com/smallbiznis/genledger/internal/migration"
	"github.com/smallbiznis/genledger/internal/observability"
	"github.com/smallbiznis/genledger/internal/provider"
	"github.com/smallbiznis/genledger/internal/quota"
	"github.com/smallbiznis/genledger/internal/ratelimit"
	"github.com/smallbiznis/genledger/internal/reconcile"
	"github.com/smallbiznis/genledger/internal/scheduler"
	"github.com/smallbiznis/genledger/internal/server"
	"github.com/smallbiznis/genledger/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core Infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		migration.Module,
		clock.Module,
		cache.Module,
		ratelimit.Module,

		// Functional Domains
		account.Module,
		ledger.Module,
		quota.Module,
		job.Module,
		provider.Module,
		reconcile.Module,
		dispatch.Module,
		scheduler.Module,

		server.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.NodeID)
}
