package migration

import (
	"io/fs"
	"testing"

	"github.com/smallbiznis/genledger/internal/config"
	"github.com/smallbiznis/genledger/pkg/db/dbtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestEmbeddedMigrationsArePaired(t *testing.T) {
	ups, err := fs.Glob(embeddedMigrations, migrationsDir+"/*.up.sql")
	require.NoError(t, err)
	downs, err := fs.Glob(embeddedMigrations, migrationsDir+"/*.down.sql")
	require.NoError(t, err)

	require.NotEmpty(t, ups)
	assert.Len(t, downs, len(ups))
}

func TestMigrateFallsBackToModelsOnSQLite(t *testing.T) {
	conn := dbtest.Open(t)

	require.NoError(t, Migrate(conn, config.Config{DBAutoMigrate: true}, zap.NewNop()))
	for _, table := range []string{"accounts", "credit_ledgers", "credit_transactions", "quota_usages", "generation_jobs"} {
		assert.True(t, conn.Migrator().HasTable(table), table)
	}
}

func TestMigrateDisabled(t *testing.T) {
	conn := dbtest.Open(t)

	require.NoError(t, Migrate(conn, config.Config{}, zap.NewNop()))
	assert.False(t, conn.Migrator().HasTable("generation_jobs"))
}
