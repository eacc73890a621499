package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"mailsync/internal/database/migration"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	// 导入SQLite驱动
	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// Options 数据库选项
type Options struct {
	Path      string
	UsePureGo bool            // 使用纯Go驱动 modernc.org/sqlite
	LogLevel  logger.LogLevel // gorm日志级别，零值为Warn
}

// Open 执行迁移并打开gorm连接
func Open(opts Options) (*gorm.DB, error) {
	dbDir := filepath.Dir(opts.Path)
	if err := os.MkdirAll(dbDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	driverName, dsn := dataSource(opts)

	// 迁移使用单独的连接，golang-migrate关闭时会一并关闭它
	if err := runMigrations(driverName, dsn); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	level := opts.LogLevel
	if level == 0 {
		level = logger.Warn
	}
	gormLogger := logger.New(
		logrus.StandardLogger(),
		logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  level,
			IgnoreRecordNotFoundError: true,
		},
	)

	db, err := gorm.Open(sqlite.Dialector{
		DriverName: driverName,
		DSN:        dsn,
	}, &gorm.Config{
		Logger: gormLogger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	optimizeConnectionPool(sqlDB)
	applySQLiteOptimizations(db)

	logrus.WithFields(logrus.Fields{"path": opts.Path, "driver": driverName}).Info("Database initialized successfully")
	return db, nil
}

// dataSource 返回驱动名称和DSN。busy_timeout和foreign_keys是连接级设置，必须放在DSN中；
// 写事务使用BEGIN IMMEDIATE，避免读事务升级为写事务时的SQLITE_BUSY
func dataSource(opts Options) (string, string) {
	if opts.UsePureGo {
		return migration.DriverSQLite, opts.Path + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_txlock=immediate"
	}
	return migration.DriverSQLite3, opts.Path + "?_busy_timeout=5000&_foreign_keys=1&_txlock=immediate"
}

// runMigrations 执行数据库迁移
func runMigrations(driverName, dsn string) error {
	migrationDB, err := sql.Open(driverName, dsn)
	if err != nil {
		return fmt.Errorf("failed to open migration database connection: %w", err)
	}

	migrationService := migration.NewMigrationService(nil)
	if err := migrationService.Initialize(migrationDB, migration.MigrationConfig{
		DatabaseName: driverName,
		TableName:    "schema_migrations",
	}); err != nil {
		migrationDB.Close()
		return fmt.Errorf("failed to initialize migration service: %w", err)
	}
	defer migrationService.Close()

	if err := migrationService.RunMigrations(context.Background()); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// optimizeConnectionPool 优化连接池配置
func optimizeConnectionPool(sqlDB *sql.DB) {
	// WAL模式下支持并发读取，写入仍然是串行的
	sqlDB.SetMaxOpenConns(5)
	sqlDB.SetMaxIdleConns(2)
	sqlDB.SetConnMaxLifetime(time.Hour)
	sqlDB.SetConnMaxIdleTime(15 * time.Minute)
}

// applySQLiteOptimizations 应用SQLite性能优化，失败不阻止启动
func applySQLiteOptimizations(db *gorm.DB) {
	optimizations := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA cache_size = -65536",
		"PRAGMA temp_store = MEMORY",
		"PRAGMA wal_autocheckpoint = 1000",
		"PRAGMA optimize",
	}

	for _, pragma := range optimizations {
		if err := db.Exec(pragma).Error; err != nil {
			logrus.WithError(err).WithField("pragma", pragma).Warn("Failed to apply SQLite pragma")
		}
	}
}

// Close 关闭数据库连接
func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
