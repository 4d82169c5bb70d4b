package jobs

import (
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// DBConfig はジョブストアの SQL 接続設定です。
type DBConfig struct {
	Driver string // sqlite | postgres
	Path   string // sqlite のファイルパス
	DSN    string // postgres の接続文字列
}

// OpenDB は設定に応じて SQLite か PostgreSQL に接続します。
func OpenDB(cfg DBConfig, zlog *zap.Logger) (*gorm.DB, error) {
	if zlog == nil {
		zlog = zap.NewNop()
	}

	var dia gorm.Dialector
	switch cfg.Driver {
	case "postgres":
		dia = postgres.Open(cfg.DSN)
	case "sqlite":
		dia = sqlite.Open(fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", cfg.Path))
	default:
		return nil, fmt.Errorf("unsupported database driver: %q", cfg.Driver)
	}

	gormLogger := logger.New(
		zap.NewStdLog(zlog.Named("gorm")),
		logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			ParameterizedQueries:      true,
			Colorful:                  false,
		},
	)

	db, err := gorm.Open(dia, &gorm.Config{Logger: gormLogger, TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to configure connections: %w", err)
	}
	if cfg.Driver == "sqlite" {
		// SQLite は単一ライター
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxIdleConns(10)
		sqlDB.SetMaxOpenConns(100)
	}

	zlog.Info("job database ready", zap.String("driver", cfg.Driver))
	return db, nil
}
