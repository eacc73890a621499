package migration

import "context"

// IMigrator 数据库迁移接口
type IMigrator interface {
	// Up 执行向上迁移
	Up(ctx context.Context) error

	// Force 强制设置迁移版本
	Force(ctx context.Context, version int) error

	// Version 获取当前迁移版本
	Version(ctx context.Context) (version int, dirty bool, err error)

	// Close 关闭迁移器
	Close() error
}

// 迁移驱动名称
const (
	DriverSQLite3 = "sqlite3" // mattn/go-sqlite3 (cgo)
	DriverSQLite  = "sqlite"  // modernc.org/sqlite (pure Go)
)

// MigrationConfig 迁移配置
type MigrationConfig struct {
	DatabaseName string // sqlite3 或 sqlite
	TableName    string // 迁移版本表名，默认为 schema_migrations
}
