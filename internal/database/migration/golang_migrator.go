package migration

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// GolangMigrator golang-migrate的实现，迁移文件嵌入在二进制中
type GolangMigrator struct {
	migrate *migrate.Migrate
	db      *sql.DB
	config  MigrationConfig
}

// NewGolangMigrator 创建新的golang-migrate迁移器
func NewGolangMigrator(db *sql.DB, config MigrationConfig) (*GolangMigrator, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection cannot be nil")
	}

	// 注意：不要让migrate关闭数据库连接
	var driver database.Driver
	var err error
	switch config.DatabaseName {
	case DriverSQLite:
		driver, err = sqlite.WithInstance(db, &sqlite.Config{
			MigrationsTable: config.TableName,
		})
	case DriverSQLite3, "":
		driver, err = sqlite3.WithInstance(db, &sqlite3.Config{
			MigrationsTable: config.TableName,
		})
	default:
		return nil, fmt.Errorf("unsupported migration driver: %s", config.DatabaseName)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create %s driver: %w", config.DatabaseName, err)
	}

	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded migrations: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, config.DatabaseName, driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}

	return &GolangMigrator{
		migrate: m,
		db:      db,
		config:  config,
	}, nil
}

// Up 执行向上迁移
func (g *GolangMigrator) Up(ctx context.Context) error {
	if err := g.migrate.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run up migrations: %w", err)
	}
	return nil
}

// Force 强制设置迁移版本
func (g *GolangMigrator) Force(ctx context.Context, version int) error {
	if err := g.migrate.Force(version); err != nil {
		return fmt.Errorf("failed to force version %d: %w", version, err)
	}
	return nil
}

// Version 获取当前迁移版本
func (g *GolangMigrator) Version(ctx context.Context) (version int, dirty bool, err error) {
	v, dirty, err := g.migrate.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, fmt.Errorf("failed to get migration version: %w", err)
	}
	return int(v), dirty, nil
}

// Close 关闭迁移器，golang-migrate会一并关闭传入的连接
func (g *GolangMigrator) Close() error {
	sourceErr, dbErr := g.migrate.Close()
	if sourceErr != nil {
		return fmt.Errorf("failed to close migration source: %w", sourceErr)
	}
	if dbErr != nil {
		return fmt.Errorf("failed to close migration database: %w", dbErr)
	}
	return nil
}
