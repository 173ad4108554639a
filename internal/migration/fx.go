package migration

import (
	"github.com/smallbiznis/genledger/internal/config"
	pkgdb "github.com/smallbiznis/genledger/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(Migrate),
)

// Migrate brings the schema up to date at startup. Postgres runs the
// versioned SQL; other dialects fall back to gorm AutoMigrate.
func Migrate(conn *gorm.DB, cfg config.Config, log *zap.Logger) error {
	if !cfg.DBAutoMigrate {
		log.Info("schema migration disabled")
		return nil
	}

	if conn.Dialector.Name() != pkgdb.DialectPostgres {
		log.Info("applying schema from models", zap.String("dialect", conn.Dialector.Name()))
		return AutoMigrate(conn)
	}

	sqlDB, err := conn.DB()
	if err != nil {
		return err
	}
	if err := RunMigrations(sqlDB); err != nil {
		return err
	}
	log.Info("schema migrations applied")
	return nil
}
