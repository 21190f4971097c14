package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("APEXSTOCK_CONFIG", "")
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.API.Port)
	assert.Equal(t, 20, cfg.Inventory.DefaultPageSize)
	assert.Equal(t, 3, cfg.Inventory.TrackMinLength)
	assert.False(t, cfg.Redis.Enabled)
	assert.Equal(t, "apexstock.stock-out", cfg.Kafka.Topics.StockOut)
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "apexstock.yaml")
	yaml := `
database:
  host: db.internal
  port: 6432
api:
  port: 9000
  read_timeout: 5s
inventory:
  default_page_size: 25
  max_page_size: 50
  receipt_attempts: 10
  track_min_length: 4
  unrestricted_roles: [owner]
kafka:
  enabled: true
  brokers: [kafka-1:9092]
logging:
  level: debug
  format: console
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))
	t.Setenv("APEXSTOCK_CONFIG", path)
	t.Setenv("API_PORT", "9100")
	t.Setenv("KAFKA_BROKERS", "a:9092, b:9092")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "db.internal", cfg.Database.Host)
	assert.Equal(t, 6432, cfg.Database.Port)
	assert.Equal(t, 9100, cfg.API.Port, "環境変数がファイルより優先される")
	assert.Equal(t, 5*time.Second, cfg.API.ReadTimeout)
	assert.Equal(t, 25, cfg.Inventory.DefaultPageSize)
	assert.Equal(t, 4, cfg.Inventory.TrackMinLength)
	assert.Equal(t, []string{"owner"}, cfg.Inventory.UnrestrictedRoles)
	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"invalid db port", func(c *Config) { c.Database.Port = 0 }},
		{"missing db host", func(c *Config) { c.Database.Host = "" }},
		{"invalid api port", func(c *Config) { c.API.Port = 70000 }},
		{"page size above max", func(c *Config) { c.Inventory.DefaultPageSize = 500 }},
		{"no receipt attempts", func(c *Config) { c.Inventory.ReceiptAttempts = 0 }},
		{"snowflake node out of range", func(c *Config) { c.Inventory.SnowflakeNode = 2048 }},
		{"redis without address", func(c *Config) { c.Redis.Enabled = true; c.Redis.Addr = "" }},
		{"lock ttl not above tx timeout", func(c *Config) {
			c.Redis.Enabled = true
			c.Redis.Addr = "localhost:6379"
			c.Redis.LockTTL = c.Inventory.TxTimeout
		}},
		{"kafka without brokers", func(c *Config) { c.Kafka.Enabled = true; c.Kafka.Brokers = nil }},
		{"invalid log level", func(c *Config) { c.Logging.Level = "verbose" }},
		{"invalid log format", func(c *Config) { c.Logging.Format = "xml" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
	assert.NoError(t, Default().Validate())

	withRedis := Default()
	withRedis.Redis.Enabled = true
	withRedis.Redis.Addr = "localhost:6379"
	assert.Greater(t, withRedis.Redis.LockTTL, withRedis.Inventory.TxTimeout)
	assert.NoError(t, withRedis.Validate())
}

func TestDSN(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "host=localhost port=5432 user=apexstock password=password dbname=apexstock sslmode=disable", cfg.DSN())
}
