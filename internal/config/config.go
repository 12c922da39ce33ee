// Package config loads ucl-sync configuration from a TOML file with environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/nucleus/ucl-sync/internal/core"
	"github.com/nucleus/ucl-sync/internal/retry"
)

// Config is the full ucl-sync configuration.
type Config struct {
	Run      RunConfig        `toml:"run"`
	Source   DatabaseConfig   `toml:"source"`
	Target   DatabaseConfig   `toml:"target"`
	Metadata DatabaseConfig   `toml:"metadata"`
	Staging  StagingConfig    `toml:"staging"`
	Sync     SyncConfig       `toml:"sync"`
	Retry    RetryConfig      `toml:"retry"`
	Quality  QualityConfig    `toml:"quality"`
	Logging  LoggingConfig    `toml:"logging"`
	Metrics  MetricsConfig    `toml:"metrics"`
	Notify   NotifyConfig     `toml:"notify"`
	Tables   []core.TableSpec `toml:"tables"`
}

// RunConfig carries the pipeline metadata written to every stats record.
type RunConfig struct {
	PipelineName     string `toml:"pipeline_name"`
	TriggerType      string `toml:"trigger_type"`
	SourceSystemID   string `toml:"source_system_id"`
	SourceSystemName string `toml:"source_system_name"`
}

// DatabaseConfig describes one database/sql or pgx connection.
type DatabaseConfig struct {
	Driver          string        `toml:"driver"`
	DSN             string        `toml:"dsn"`
	MaxOpenConns    int           `toml:"max_open_conns"`
	MaxIdleConns    int           `toml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `toml:"conn_max_lifetime"`
}

// StagingConfig selects and configures the intermediate object store.
type StagingConfig struct {
	// Provider is one of minio, s3 or local.
	Provider        string `toml:"provider"`
	Endpoint        string `toml:"endpoint"`
	Region          string `toml:"region"`
	UseSSL          bool   `toml:"use_ssl"`
	AccessKeyID     string `toml:"access_key_id"`
	SecretAccessKey string `toml:"secret_access_key"`
	Bucket          string `toml:"bucket"`
	Prefix          string `toml:"prefix"`
	LocalRoot       string `toml:"local_root"`
	WorkDir         string `toml:"work_dir"`
	RetainOnFailure bool   `toml:"retain_on_failure"`
}

// SyncConfig tunes planning, extraction and the worker pool.
type SyncConfig struct {
	ChunkSize         int64   `toml:"chunk_size"`
	LookbackDays      int     `toml:"lookback_days"`
	Sampling          bool    `toml:"sampling"`
	SampleThreshold   int64   `toml:"sample_threshold"`
	SampleSize        int64   `toml:"sample_size"`
	Workers           int     `toml:"workers"`
	PipelineDepth     int     `toml:"pipeline_depth"`
	FloatPrecision    int32   `toml:"float_precision"`
	Delimiter         string  `toml:"delimiter"`
	ReadsPerSecond    float64 `toml:"reads_per_second"`
	RejectFutureDates bool    `toml:"reject_future_dates"`
}

// RetryConfig mirrors retry.Policy in TOML form.
type RetryConfig struct {
	MaxAttempts int           `toml:"max_attempts"`
	BaseDelay   time.Duration `toml:"base_delay"`
	MaxDelay    time.Duration `toml:"max_delay"`
	Jitter      float64       `toml:"jitter"`
}

// Policy converts the config to a retry policy.
func (r RetryConfig) Policy() retry.Policy {
	return retry.Policy{
		MaxAttempts: r.MaxAttempts,
		BaseDelay:   r.BaseDelay,
		MaxDelay:    r.MaxDelay,
		Jitter:      r.Jitter,
	}
}

// QualityConfig controls post-load validation.
type QualityConfig struct {
	Enabled bool `toml:"enabled"`
	// Tolerance is a fraction: 0.01 accepts up to 1% relative drift.
	Tolerance float64 `toml:"tolerance"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig holds the optional pushgateway target.
type MetricsConfig struct {
	PushGateway string `toml:"push_gateway"`
	Job         string `toml:"job"`
}

// NotifyConfig holds the optional NATS notification target.
type NotifyConfig struct {
	NATSURL string `toml:"nats_url"`
	Subject string `toml:"subject"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	policy := retry.DefaultPolicy()
	return &Config{
		Run: RunConfig{
			PipelineName: "ucl-sync",
			TriggerType:  "manual",
		},
		Source: DatabaseConfig{
			Driver:          "postgres",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Target: DatabaseConfig{
			Driver:          "pgx",
			MaxOpenConns:    4,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Metadata: DatabaseConfig{
			Driver:          "postgres",
			MaxOpenConns:    10,
			MaxIdleConns:    2,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Staging: StagingConfig{
			Provider:        "minio",
			Bucket:          "ucl-staging",
			Prefix:          "sync",
			WorkDir:         os.TempDir(),
			RetainOnFailure: true,
		},
		Sync: SyncConfig{
			ChunkSize:       500_000,
			LookbackDays:    7,
			SampleThreshold: 10_000_000,
			SampleSize:      1_000_000,
			Workers:         1,
			PipelineDepth:   2,
			FloatPrecision:  10,
			Delimiter:       "|",
		},
		Retry: RetryConfig{
			MaxAttempts: policy.MaxAttempts,
			BaseDelay:   policy.BaseDelay,
			MaxDelay:    policy.MaxDelay,
			Jitter:      policy.Jitter,
		},
		Quality: QualityConfig{
			Enabled:   true,
			Tolerance: 0.01,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Job: "ucl-sync",
		},
		Notify: NotifyConfig{
			Subject: "ucl.sync.events",
		},
	}
}

// LoadFromFile loads configuration from a TOML file on top of the defaults.
func LoadFromFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file does not exist: %s", path)
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}

// Load reads the optional file, then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		fileCfg, err := LoadFromFile(path)
		if err != nil {
			return nil, err
		}
		cfg = fileCfg
	}
	cfg.ApplyEnv()
	return cfg, nil
}

// ApplyEnv overrides connection strings, credentials and sizing from the environment.
func (c *Config) ApplyEnv() {
	c.Source.DSN = getEnv("UCL_SYNC_SOURCE_DSN", c.Source.DSN)
	c.Target.DSN = getEnv("UCL_SYNC_TARGET_DSN", c.Target.DSN)
	c.Metadata.DSN = getEnv("UCL_SYNC_METADATA_DSN", c.Metadata.DSN)
	c.Staging.Endpoint = getEnv("UCL_SYNC_STAGING_ENDPOINT", c.Staging.Endpoint)
	c.Staging.AccessKeyID = getEnv("UCL_SYNC_STAGING_ACCESS_KEY", c.Staging.AccessKeyID)
	c.Staging.SecretAccessKey = getEnv("UCL_SYNC_STAGING_SECRET_KEY", c.Staging.SecretAccessKey)
	c.Sync.Workers = getEnvInt("UCL_SYNC_WORKERS", c.Sync.Workers)
	c.Sync.ChunkSize = int64(getEnvInt("UCL_SYNC_CHUNK_SIZE", int(c.Sync.ChunkSize)))
	c.Sync.LookbackDays = getEnvInt("UCL_SYNC_LOOKBACK_DAYS", c.Sync.LookbackDays)
}

// EnabledTables returns the tables marked enabled, in file order.
func (c *Config) EnabledTables() []core.TableSpec {
	var out []core.TableSpec
	for _, t := range c.Tables {
		if t.Enabled {
			out = append(out, t)
		}
	}
	return out
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Source.DSN == "" {
		return fmt.Errorf("source dsn must be specified")
	}
	if c.Target.DSN == "" {
		return fmt.Errorf("target dsn must be specified")
	}
	if c.Metadata.DSN == "" {
		return fmt.Errorf("metadata dsn must be specified")
	}
	switch c.Metadata.Driver {
	case "postgres", "sqlite3":
	default:
		return fmt.Errorf("unsupported metadata driver: %s (must be postgres or sqlite3)", c.Metadata.Driver)
	}

	switch c.Staging.Provider {
	case "minio", "s3":
		if c.Staging.Bucket == "" {
			return fmt.Errorf("staging bucket must be specified")
		}
	case "local":
	default:
		return fmt.Errorf("unsupported staging provider: %s (must be minio, s3, or local)", c.Staging.Provider)
	}

	if c.Sync.ChunkSize <= 0 {
		return fmt.Errorf("sync chunk_size must be positive")
	}
	if c.Sync.LookbackDays <= 0 {
		return fmt.Errorf("sync lookback_days must be positive")
	}
	if c.Sync.Workers <= 0 {
		return fmt.Errorf("sync workers must be positive")
	}
	if c.Sync.PipelineDepth <= 0 {
		return fmt.Errorf("sync pipeline_depth must be positive")
	}
	if c.Sync.Sampling && (c.Sync.SampleSize <= 0 || c.Sync.SampleThreshold <= 0) {
		return fmt.Errorf("sync sample_size and sample_threshold must be positive when sampling is on")
	}
	if len([]rune(c.Sync.Delimiter)) != 1 || c.Sync.Delimiter == "," || c.Sync.Delimiter == "\"" {
		return fmt.Errorf("sync delimiter must be a single non-comma, non-quote character")
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry max_attempts must be positive")
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter > 1 {
		return fmt.Errorf("retry jitter must be between 0 and 1")
	}
	if c.Quality.Tolerance < 0 {
		return fmt.Errorf("quality tolerance must not be negative")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	seen := make(map[string]bool)
	for i := range c.Tables {
		t := &c.Tables[i]
		lt, err := core.ParseLoadType(string(t.LoadType))
		if err != nil {
			return fmt.Errorf("tables[%d]: %w", i, err)
		}
		t.LoadType = lt
		if err := t.Validate(); err != nil {
			return fmt.Errorf("tables[%d]: %w", i, err)
		}
		if seen[t.Key()] {
			return fmt.Errorf("tables[%d]: duplicate table %s", i, t.Key())
		}
		seen[t.Key()] = true
	}
	return nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}
