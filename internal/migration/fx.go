package migration

import (
	"strings"

	"github.com/SeanBayley/Fleurene-sub001/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config, log *zap.Logger) error {
		log = log.Named("migration")
		if !cfg.DBAutoMigrate {
			log.Info("auto migration disabled")
			return nil
		}
		if !strings.EqualFold(cfg.DBType, "postgres") {
			log.Warn("embedded migrations target postgres only, schema must be managed externally",
				zap.String("db_type", cfg.DBType))
			return nil
		}

		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		if err := RunMigrations(sqlDB); err != nil {
			return err
		}
		log.Info("migrations applied")
		return nil
	}),
)
