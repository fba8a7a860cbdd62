package migration

import (
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(Apply),
)

// Apply migrates whichever database the connection points at.
func Apply(conn *gorm.DB, log *zap.Logger) error {
	log = log.Named("migrations")
	dialect := conn.Dialector.Name()
	if dialect != "postgres" {
		log.Info("auto-migrating schema", zap.String("dialect", dialect))
		return AutoMigrate(conn)
	}

	sqlDB, err := conn.DB()
	if err != nil {
		return err
	}
	version, err := RunMigrations(sqlDB)
	if err != nil {
		return err
	}
	log.Info("schema up to date", zap.Uint("version", version))
	return nil
}
