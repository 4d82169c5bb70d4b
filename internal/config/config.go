// Package config は環境変数から設定を読み込み、アプリケーション全体で使用する設定を提供します。
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// ストアのバックエンド種別
const (
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
	StoreRedis    = "redis"
)

// ジョブ起動方式
const (
	DispatchInProcess = "inprocess"
	DispatchQueue     = "queue"
)

// Config はアプリケーションの設定を保持する構造体です。
type Config struct {
	// サーバー設定
	Port               string `envconfig:"PORT" default:"8080"`
	GinMode            string `envconfig:"GIN_MODE" default:"debug"`
	CORSAllowedOrigins string `envconfig:"CORS_ALLOWED_ORIGINS" default:"http://localhost:5173"`
	LogLevel           string `envconfig:"LOG_LEVEL" default:"info"`

	// ジョブ状態の永続化
	StoreBackend string `envconfig:"STORE_BACKEND" default:"sqlite"`
	DatabasePath string `envconfig:"DATABASE_PATH" default:"./tasks.db"`
	DatabaseURL  string `envconfig:"DATABASE_URL" default:""`
	RedisURL     string `envconfig:"REDIS_URL" default:"redis://127.0.0.1:6379/0"`

	// ジョブ/キュー設定
	DispatchMode     string        `envconfig:"DISPATCH_MODE" default:"inprocess"`
	QueueConcurrency int           `envconfig:"QUEUE_CONCURRENCY" default:"4"`
	MaxItems         int           `envconfig:"MAX_ITEMS" default:"100"`
	ItemConcurrency  int           `envconfig:"ITEM_CONCURRENCY" default:"8"`
	ItemTimeout      time.Duration `envconfig:"ITEM_TIMEOUT" default:"0s"`
	JobResultBaseURL string        `envconfig:"JOB_RESULT_BASE_URL" default:""`
	JobHeartbeat     time.Duration `envconfig:"JOB_HEARTBEAT" default:"15s"`
	JobStaleAfter    time.Duration `envconfig:"JOB_STALE_AFTER" default:"2m"`

	// ファイル配置
	OutputDir string `envconfig:"OUTPUT_DIR" default:"./outputs"`
	TempDir   string `envconfig:"TEMP_DIR" default:"./outputs/temp"`

	// 問題ページ取得・描画
	SourceBaseURL   string `envconfig:"SOURCE_BASE_URL" default:"https://www.acmicpc.net"`
	SourceUserAgent string `envconfig:"SOURCE_USER_AGENT" default:"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/58.0.3029.110 Safari/537.3"`
	FontDir         string `envconfig:"FONT_DIR" default:"./fonts"`
	ChromePath      string `envconfig:"CHROME_PATH" default:""`

	// ランダム出題（solved.ac）
	SolvedACBaseURL string `envconfig:"SOLVEDAC_BASE_URL" default:"https://solved.ac"`

	// ジョブイベント通知（未設定なら無効）
	NATSURL     string `envconfig:"NATS_URL" default:""`
	NATSSubject string `envconfig:"NATS_SUBJECT" default:"bojpdf.jobs"`
}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	loadEnvFile()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func loadEnvFile() {
	if err := godotenv.Load(".env.local"); err == nil {
		return
	}

	cwd, err := os.Getwd()
	if err != nil {
		return
	}

	parent := filepath.Dir(cwd)
	if parent == "" || parent == cwd {
		return
	}

	_ = godotenv.Load(filepath.Join(parent, ".env.local"))
}

// Validate は設定の妥当性を検証します。
func (c *Config) Validate() error {
	c.StoreBackend = strings.ToLower(strings.TrimSpace(c.StoreBackend))
	c.DispatchMode = strings.ToLower(strings.TrimSpace(c.DispatchMode))

	switch c.StoreBackend {
	case StoreSQLite:
		if c.DatabasePath == "" {
			return fmt.Errorf("DATABASE_PATH is required for the sqlite store")
		}
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres store")
		}
	case StoreRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required for the redis store")
		}
	default:
		return fmt.Errorf("unsupported STORE_BACKEND: %q", c.StoreBackend)
	}

	switch c.DispatchMode {
	case DispatchInProcess:
	case DispatchQueue:
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when DISPATCH_MODE=queue")
		}
	default:
		return fmt.Errorf("unsupported DISPATCH_MODE: %q", c.DispatchMode)
	}

	if c.MaxItems <= 0 {
		return fmt.Errorf("MAX_ITEMS must be positive")
	}
	if c.ItemConcurrency < 0 {
		return fmt.Errorf("ITEM_CONCURRENCY must not be negative")
	}
	if c.ItemTimeout < 0 {
		return fmt.Errorf("ITEM_TIMEOUT must not be negative")
	}
	if c.JobHeartbeat <= 0 || c.JobStaleAfter <= c.JobHeartbeat {
		return fmt.Errorf("JOB_STALE_AFTER must be longer than a positive JOB_HEARTBEAT")
	}
	if c.OutputDir == "" || c.TempDir == "" {
		return fmt.Errorf("OUTPUT_DIR and TEMP_DIR are required")
	}
	return nil
}
