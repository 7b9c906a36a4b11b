package migration

import (
	"github.com/staylane/atrium/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("migration",
	fx.Invoke(run),
)

func run(cfg config.Config, gormDB *gorm.DB, log *zap.Logger) error {
	if cfg.DBType != "postgres" {
		log.Warn("skipping migrations for non-postgres database", zap.String("type", cfg.DBType))
		return nil
	}

	sqlDB, err := gormDB.DB()
	if err != nil {
		return err
	}
	if err := RunMigrations(sqlDB); err != nil {
		return err
	}

	log.Info("migrations applied")
	return nil
}
