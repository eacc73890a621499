package migration

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/sirupsen/logrus"
)

// MigrationService 迁移服务实现
type MigrationService struct {
	migrator IMigrator
	config   MigrationConfig
	logger   logrus.FieldLogger
}

// NewMigrationService 创建新的迁移服务
func NewMigrationService(logger logrus.FieldLogger) *MigrationService {
	if logger == nil {
		logger = logrus.WithField("component", "migration")
	}

	return &MigrationService{
		logger: logger,
	}
}

// Initialize 初始化迁移服务
func (s *MigrationService) Initialize(db *sql.DB, config MigrationConfig) error {
	if config.TableName == "" {
		config.TableName = "schema_migrations"
	}
	if config.DatabaseName == "" {
		config.DatabaseName = DriverSQLite3
	}

	migrator, err := NewGolangMigrator(db, config)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	s.migrator = migrator
	s.config = config

	s.logger.WithField("driver", config.DatabaseName).Debug("Migration service initialized")
	return nil
}

// RunMigrations 运行迁移
func (s *MigrationService) RunMigrations(ctx context.Context) error {
	if s.migrator == nil {
		return fmt.Errorf("migration service not initialized")
	}

	version, dirty, err := s.migrator.Version(ctx)
	if err != nil {
		s.logger.WithError(err).Info("No previous migrations found, starting fresh")
	} else {
		s.logger.WithFields(logrus.Fields{"version": version, "dirty": dirty}).Info("Current migration version")

		// dirty状态说明上次迁移中途失败，强制回到该版本后重新执行
		if dirty {
			s.logger.WithField("version", version).Warn("Database is in dirty state, forcing clean version")
			if err := s.migrator.Force(ctx, version); err != nil {
				return fmt.Errorf("failed to recover from dirty state at version %d: %w", version, err)
			}
		}
	}

	if err := s.migrator.Up(ctx); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	if finalVersion, _, err := s.migrator.Version(ctx); err == nil {
		s.logger.WithField("version", finalVersion).Info("Migrations completed successfully")
	}

	return nil
}

// Close 关闭服务
func (s *MigrationService) Close() error {
	if s.migrator != nil {
		return s.migrator.Close()
	}
	return nil
}
