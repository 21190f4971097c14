package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/nemonet1337/apexstock/internal/lock"
	"github.com/nemonet1337/apexstock/internal/tracing"
	"github.com/nemonet1337/apexstock/pkg/inventory"
	"github.com/nemonet1337/apexstock/pkg/inventory/publisher"
)

// Config holds application configuration
// アプリケーション設定を保持
type Config struct {
	Database  DatabaseConfig   `yaml:"database"`
	API       APIConfig        `yaml:"api"`
	Inventory inventory.Config `yaml:"inventory"`
	Redis     RedisConfig      `yaml:"redis"`
	Kafka     KafkaConfig      `yaml:"kafka"`
	Tracing   tracing.Config   `yaml:"tracing"`
	Logging   LoggingConfig    `yaml:"logging"`
}

// DatabaseConfig holds database configuration
// データベース設定を保持
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`
}

// APIConfig holds API server configuration
// APIサーバー設定を保持
type APIConfig struct {
	Port           int           `yaml:"port"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	EnableCORS     bool          `yaml:"enable_cors"`
	EnableMetrics  bool          `yaml:"enable_metrics"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
}

// RedisConfig holds the distributed lock backend
// Redis（分散ロック）設定
type RedisConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Addr           string        `yaml:"addr"`
	Password       string        `yaml:"password"`
	DB             int           `yaml:"db"`
	LockTTL        time.Duration `yaml:"lock_ttl"`
	LockRetryEvery time.Duration `yaml:"lock_retry_every"`
	LockMaxRetries int           `yaml:"lock_max_retries"`
}

// LockOptions converts the lock settings
func (r RedisConfig) LockOptions() lock.Options {
	return lock.Options{
		TTL:        r.LockTTL,
		RetryEvery: r.LockRetryEvery,
		MaxRetries: r.LockMaxRetries,
	}
}

// KafkaConfig holds the event publisher settings
// Kafka（イベント発行）設定
type KafkaConfig struct {
	Enabled bool             `yaml:"enabled"`
	Brokers []string         `yaml:"brokers"`
	Topics  publisher.Topics `yaml:"topics"`
}

// LoggingConfig holds logging configuration
// ログ設定を保持
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json, console
	Output string `yaml:"output"` // stdout, file path
}

// Default returns the built-in configuration
// 組み込みのデフォルト設定
func Default() *Config {
	lockDefaults := lock.DefaultOptions()
	return &Config{
		Database: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			User:     "apexstock",
			Password: "password",
			DBName:   "apexstock",
			SSLMode:  "disable",
		},
		API: APIConfig{
			Port:           8080,
			ReadTimeout:    30 * time.Second,
			WriteTimeout:   30 * time.Second,
			IdleTimeout:    60 * time.Second,
			EnableCORS:     true,
			EnableMetrics:  true,
			AllowedOrigins: []string{"*"},
		},
		Inventory: *inventory.DefaultConfig(),
		Redis: RedisConfig{
			Enabled:        false,
			Addr:           "localhost:6379",
			LockTTL:        lockDefaults.TTL,
			LockRetryEvery: lockDefaults.RetryEvery,
			LockMaxRetries: lockDefaults.MaxRetries,
		},
		Kafka: KafkaConfig{
			Enabled: false,
			Brokers: []string{"localhost:9092"},
			Topics:  publisher.DefaultTopics(),
		},
		Tracing: tracing.Config{
			Enabled:        false,
			ServiceName:    "apexstock",
			ServiceVersion: "1.0.0",
			Endpoint:       "http://localhost:14268/api/traces",
			SampleRatio:    1,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file named by
// APEXSTOCK_CONFIG and environment variables, in increasing precedence.
// A .env file in the working directory is loaded first when present.
// デフォルト値・YAMLファイル・環境変数の順に設定を読み込み
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf(".envファイルの読み込みに失敗しました: %w", err)
	}

	cfg := Default()
	if path := os.Getenv("APEXSTOCK_CONFIG"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()

	// バリデーション
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("設定バリデーションに失敗しました: %w", err)
	}

	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("設定ファイルの読み込みに失敗しました: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("設定ファイルの解析に失敗しました (%s): %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Database.Host = getEnv("DB_HOST", c.Database.Host)
	c.Database.Port = getEnvAsInt("DB_PORT", c.Database.Port)
	c.Database.User = getEnv("DB_USER", c.Database.User)
	c.Database.Password = getEnv("DB_PASSWORD", c.Database.Password)
	c.Database.DBName = getEnv("DB_NAME", c.Database.DBName)
	c.Database.SSLMode = getEnv("DB_SSLMODE", c.Database.SSLMode)

	c.API.Port = getEnvAsInt("API_PORT", c.API.Port)
	c.API.ReadTimeout = getEnvAsDuration("API_READ_TIMEOUT", c.API.ReadTimeout)
	c.API.WriteTimeout = getEnvAsDuration("API_WRITE_TIMEOUT", c.API.WriteTimeout)
	c.API.IdleTimeout = getEnvAsDuration("API_IDLE_TIMEOUT", c.API.IdleTimeout)
	c.API.EnableCORS = getEnvAsBool("API_ENABLE_CORS", c.API.EnableCORS)
	c.API.EnableMetrics = getEnvAsBool("API_ENABLE_METRICS", c.API.EnableMetrics)
	c.API.AllowedOrigins = getEnvAsList("API_ALLOWED_ORIGINS", c.API.AllowedOrigins)

	c.Inventory.DefaultPageSize = getEnvAsInt("INVENTORY_DEFAULT_PAGE_SIZE", c.Inventory.DefaultPageSize)
	c.Inventory.MaxPageSize = getEnvAsInt("INVENTORY_MAX_PAGE_SIZE", c.Inventory.MaxPageSize)
	c.Inventory.ReceiptAttempts = getEnvAsInt("INVENTORY_RECEIPT_ATTEMPTS", c.Inventory.ReceiptAttempts)
	c.Inventory.TrackMinLength = getEnvAsInt("INVENTORY_TRACK_MIN_LENGTH", c.Inventory.TrackMinLength)
	c.Inventory.TrackLimit = getEnvAsInt("INVENTORY_TRACK_LIMIT", c.Inventory.TrackLimit)
	c.Inventory.TxTimeout = getEnvAsDuration("INVENTORY_TX_TIMEOUT", c.Inventory.TxTimeout)
	c.Inventory.SnowflakeNode = getEnvAsInt64("INVENTORY_SNOWFLAKE_NODE", c.Inventory.SnowflakeNode)
	c.Inventory.UnrestrictedRoles = getEnvAsList("INVENTORY_UNRESTRICTED_ROLES", c.Inventory.UnrestrictedRoles)

	c.Redis.Enabled = getEnvAsBool("REDIS_ENABLED", c.Redis.Enabled)
	c.Redis.Addr = getEnv("REDIS_ADDRESS", c.Redis.Addr)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = getEnvAsInt("REDIS_DB", c.Redis.DB)
	c.Redis.LockTTL = getEnvAsDuration("REDIS_LOCK_TTL", c.Redis.LockTTL)

	c.Kafka.Enabled = getEnvAsBool("KAFKA_ENABLED", c.Kafka.Enabled)
	c.Kafka.Brokers = getEnvAsList("KAFKA_BROKERS", c.Kafka.Brokers)

	c.Tracing.Enabled = getEnvAsBool("TRACING_ENABLED", c.Tracing.Enabled)
	c.Tracing.Endpoint = getEnv("JAEGER_ENDPOINT", c.Tracing.Endpoint)
	c.Tracing.ServiceName = getEnv("SERVICE_NAME", c.Tracing.ServiceName)

	c.Logging.Level = getEnv("LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = getEnv("LOG_FORMAT", c.Logging.Format)
	c.Logging.Output = getEnv("LOG_OUTPUT", c.Logging.Output)
}

// Validate validates the configuration
// 設定をバリデーション
func (c *Config) Validate() error {
	// データベース設定チェック
	if c.Database.Host == "" {
		return fmt.Errorf("データベースホストが指定されていません")
	}
	if c.Database.Port <= 0 || c.Database.Port > 65535 {
		return fmt.Errorf("無効なデータベースポート: %d", c.Database.Port)
	}
	if c.Database.User == "" {
		return fmt.Errorf("データベースユーザーが指定されていません")
	}
	if c.Database.DBName == "" {
		return fmt.Errorf("データベース名が指定されていません")
	}

	// API設定チェック
	if c.API.Port <= 0 || c.API.Port > 65535 {
		return fmt.Errorf("無効なAPIポート: %d", c.API.Port)
	}

	// 在庫設定チェック
	if c.Inventory.DefaultPageSize <= 0 || c.Inventory.MaxPageSize < c.Inventory.DefaultPageSize {
		return fmt.Errorf("ページサイズの設定が不正です: default=%d max=%d",
			c.Inventory.DefaultPageSize, c.Inventory.MaxPageSize)
	}
	if c.Inventory.ReceiptAttempts <= 0 {
		return fmt.Errorf("伝票番号の再試行回数は1以上である必要があります")
	}
	if c.Inventory.TrackMinLength <= 0 {
		return fmt.Errorf("追跡検索の最小文字数は1以上である必要があります")
	}
	if c.Inventory.SnowflakeNode < 0 || c.Inventory.SnowflakeNode > 1023 {
		return fmt.Errorf("無効なノードID: %d", c.Inventory.SnowflakeNode)
	}

	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("Redisアドレスが指定されていません")
	}
	// ロックはトランザクションより長く保持する
	if c.Redis.Enabled && c.Inventory.TxTimeout > 0 && c.Redis.LockTTL <= c.Inventory.TxTimeout {
		return fmt.Errorf("ロック保持期間はトランザクションタイムアウトより長くする必要があります: lock_ttl=%s tx_timeout=%s",
			c.Redis.LockTTL, c.Inventory.TxTimeout)
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("Kafkaブローカーが指定されていません")
	}
	if c.Tracing.Enabled && c.Tracing.Endpoint == "" {
		return fmt.Errorf("トレーシングのエンドポイントが指定されていません")
	}

	// ログ設定チェック
	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true, "fatal": true,
	}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("無効なログレベル: %s", c.Logging.Level)
	}

	validLogFormats := map[string]bool{
		"json": true, "console": true,
	}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("無効なログフォーマット: %s", c.Logging.Format)
	}

	return nil
}

// DSN generates PostgreSQL Data Source Name
// PostgreSQLデータソース名を生成
func (c *Config) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Database.Host,
		c.Database.Port,
		c.Database.User,
		c.Database.Password,
		c.Database.DBName,
		c.Database.SSLMode,
	)
}

// ヘルパー関数

// getEnv gets environment variable with default value
// デフォルト値付きで環境変数を取得
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets environment variable as integer with default value
// デフォルト値付きで環境変数を整数として取得
func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvAsInt64 gets environment variable as int64 with default value
func getEnvAsInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if int64Value, err := strconv.ParseInt(value, 10, 64); err == nil {
			return int64Value
		}
	}
	return defaultValue
}

// getEnvAsBool gets environment variable as boolean with default value
func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// getEnvAsDuration gets environment variable as duration with default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// getEnvAsList splits a comma separated environment variable
// カンマ区切りの環境変数をスライスとして取得
func getEnvAsList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
