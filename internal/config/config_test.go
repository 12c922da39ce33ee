package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nucleus/ucl-sync/internal/config"
	"github.com/nucleus/ucl-sync/internal/core"
)

func TestDefaultConfig(t *testing.T) {
	cfg := config.DefaultConfig()

	assert.Equal(t, int64(500_000), cfg.Sync.ChunkSize)
	assert.Equal(t, 7, cfg.Sync.LookbackDays)
	assert.Equal(t, "|", cfg.Sync.Delimiter)
	assert.Equal(t, 1, cfg.Sync.Workers)
	assert.Equal(t, 0.01, cfg.Quality.Tolerance)
	assert.True(t, cfg.Staging.RetainOnFailure)
	assert.Equal(t, 3, cfg.Retry.Policy().MaxAttempts)
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sync.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

const sampleConfig = `
[source]
driver = "postgres"
dsn = "postgres://src/db"

[target]
dsn = "postgres://dst/db"

[metadata]
driver = "sqlite3"
dsn = "file:meta.db"

[staging]
provider = "local"
local_root = "/tmp/stage"

[sync]
chunk_size = 250000
workers = 2

[retry]
max_attempts = 5
base_delay = "2s"

[quality]
tolerance = 0.001

[[tables]]
source_schema = "dbo"
source_table = "FactSales"
load_type = "delta"
delta_column = "ModifiedDate"
aggregate_columns = ["Amount"]
enabled = true

[[tables]]
source_schema = "dbo"
source_table = "DimStore"
load_type = "FULL"
pk_column = "StoreKey"
enabled = false
`

func TestLoadFromFile(t *testing.T) {
	cfg, err := config.LoadFromFile(writeConfig(t, sampleConfig))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, int64(250_000), cfg.Sync.ChunkSize)
	assert.Equal(t, 2, cfg.Sync.Workers)
	assert.Equal(t, 2*time.Second, cfg.Retry.BaseDelay)
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
	assert.Equal(t, 0.001, cfg.Quality.Tolerance)
	// untouched defaults survive
	assert.Equal(t, 7, cfg.Sync.LookbackDays)

	require.Len(t, cfg.Tables, 2)
	assert.Equal(t, core.LoadDelta, cfg.Tables[0].LoadType)
	assert.Equal(t, []string{"Amount"}, cfg.Tables[0].AggregateColumns)

	enabled := cfg.EnabledTables()
	require.Len(t, enabled, 1)
	assert.Equal(t, "dbo.FactSales", enabled[0].Key())
}

func TestLoadFromFile_Missing(t *testing.T) {
	_, err := config.LoadFromFile(filepath.Join(t.TempDir(), "nope.toml"))
	require.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("UCL_SYNC_SOURCE_DSN", "postgres://env/src")
	t.Setenv("UCL_SYNC_WORKERS", "4")
	t.Setenv("UCL_SYNC_CHUNK_SIZE", "not-a-number")

	cfg, err := config.Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)
	assert.Equal(t, "postgres://env/src", cfg.Source.DSN)
	assert.Equal(t, 4, cfg.Sync.Workers)
	assert.Equal(t, int64(250_000), cfg.Sync.ChunkSize)
}

func TestValidate(t *testing.T) {
	base := func() *config.Config {
		cfg, err := config.LoadFromFile(writeConfig(t, sampleConfig))
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"comma delimiter", func(c *config.Config) { c.Sync.Delimiter = "," }},
		{"no chunk size", func(c *config.Config) { c.Sync.ChunkSize = 0 }},
		{"bad provider", func(c *config.Config) { c.Staging.Provider = "ftp" }},
		{"bad level", func(c *config.Config) { c.Logging.Level = "loud" }},
		{"delta without column", func(c *config.Config) { c.Tables[0].DeltaColumn = "" }},
		{"duplicate table", func(c *config.Config) { c.Tables[1].SourceTable = "FactSales" }},
		{"sampling without size", func(c *config.Config) {
			c.Sync.Sampling = true
			c.Sync.SampleSize = 0
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
