package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Server defaults
const (
	DefaultPort        = "8080"
	DefaultDataDir     = "./data/tinyapm"
	DefaultMaxMemoryMB = 48
)

// Background task intervals
const (
	RetentionInterval = 1 * time.Hour
	BadgerGCInterval  = 10 * time.Minute
)

// Retention defaults. Raw samples only need to outlive the first rollup tier
// plus the rollup look-back.
const (
	DefaultRawRetention            = 2 * time.Hour
	DefaultQueryTextRetentionHours = 336
)

// Query text rate limiter defaults
const (
	DefaultRateLimitCapacity = 10000
	DefaultRateLimitWindow   = 24 * time.Hour

	// MaxRateLimitWindow is the limiter suppression margin built into the
	// query text TTL. A longer window lets texts expire while still referenced.
	MaxRateLimitWindow = 24 * time.Hour
)

// Ingest timeouts and limits
const (
	IngestTimeout       = 5 * time.Second
	IngestQueryTimeout  = 10 * time.Second
	IngestStatsTimeout  = 5 * time.Second
	IngestMaxMetrics    = 10000
	IngestMaxQueryTexts = 1000
	IngestMaxBodyBytes  = 16 << 20
)

// WebSocket configuration
const (
	WSReadBufferSize  = 1024
	WSWriteBufferSize = 1024
	WSBroadcastBuffer = 256
	WSChannelBuffer   = 10
	WSWriteDeadline   = 10 * time.Second
	WSReadDeadline    = 60 * time.Second
	WSPingInterval    = 30 * time.Second
)

// RollupTier is one level of time resolution. Tiers are ordered finest first.
type RollupTier struct {
	// Name is the resolution label written on rows of this tier
	Name string `yaml:"name" validate:"required"`

	Interval       time.Duration `yaml:"interval" validate:"gt=0"`
	RetentionHours int64         `yaml:"retention_hours" validate:"gt=0"`
}

// AlertRule is an alert as configured in the YAML file
type AlertRule struct {
	ID                string  `yaml:"id" validate:"required"`
	AgentRollupID     string  `yaml:"agent_rollup_id" validate:"required"`
	Kind              string  `yaml:"kind" validate:"required,oneof=transaction gauge heartbeat"`
	TimePeriodSeconds int64   `yaml:"time_period_seconds" validate:"gt=0"`
	TransactionType   string  `yaml:"transaction_type"`
	ThresholdMillis   float64 `yaml:"threshold_millis" validate:"gte=0"`
	MinTransactions   int64   `yaml:"min_transaction_count" validate:"gte=0"`
	GaugeName         string  `yaml:"gauge_name" validate:"required_if=Kind gauge"`
	GaugeThreshold    float64 `yaml:"gauge_threshold"`
	LowerBound        bool    `yaml:"lower_bound_threshold"`
}

// Config is the server configuration
type Config struct {
	Port        string `yaml:"port"`
	DataDir     string `yaml:"data_dir"`
	InMemory    bool   `yaml:"in_memory"`
	MaxMemoryMB int64  `yaml:"max_memory_mb" validate:"gte=0"`

	Tiers              []RollupTier  `yaml:"rollup_tiers" validate:"required,min=1,dive"`
	RawRetention       time.Duration `yaml:"raw_retention" validate:"gt=0"`
	TextRetentionHours int64         `yaml:"query_text_retention_hours" validate:"gte=0"`

	RateLimitCapacity int64         `yaml:"rate_limit_capacity" validate:"gt=0"`
	RateLimitWindow   time.Duration `yaml:"rate_limit_window" validate:"gt=0"`

	Alerts []AlertRule `yaml:"alerts" validate:"dive"`
}

// DefaultTiers are the rollup tiers used when none are configured
func DefaultTiers() []RollupTier {
	return []RollupTier{
		{Name: "1m", Interval: time.Minute, RetentionHours: 48},
		{Name: "5m", Interval: 5 * time.Minute, RetentionHours: 336},
		{Name: "30m", Interval: 30 * time.Minute, RetentionHours: 2160},
		{Name: "4h", Interval: 4 * time.Hour, RetentionHours: 2160},
	}
}

// Default returns the configuration used when no file is given
func Default() *Config {
	return &Config{
		Port:               DefaultPort,
		DataDir:            DefaultDataDir,
		MaxMemoryMB:        DefaultMaxMemoryMB,
		Tiers:              DefaultTiers(),
		RawRetention:       DefaultRawRetention,
		TextRetentionHours: DefaultQueryTextRetentionHours,
		RateLimitCapacity:  DefaultRateLimitCapacity,
		RateLimitWindow:    DefaultRateLimitWindow,
	}
}

var validate = validator.New()

// Load reads the YAML file at path (optional) over the defaults, then applies
// environment overrides:
//
//	PORT                               listen port
//	TINYAPM_DATA_DIR                   badger directory
//	TINYAPM_MAX_MEMORY_MB              badger memory budget
//	TINYAPM_QUERY_TEXT_RETENTION_HOURS full query text retention
func Load(path string, logger *zap.Logger) (*Config, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	if port := os.Getenv("PORT"); port != "" {
		cfg.Port = port
	}
	if dir := os.Getenv("TINYAPM_DATA_DIR"); dir != "" {
		cfg.DataDir = dir
	}
	cfg.MaxMemoryMB = getEnvInt64(logger, "TINYAPM_MAX_MEMORY_MB", cfg.MaxMemoryMB)
	cfg.TextRetentionHours = getEnvInt64(logger, "TINYAPM_QUERY_TEXT_RETENTION_HOURS", cfg.TextRetentionHours)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints and that tier intervals strictly increase
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	for i := 1; i < len(c.Tiers); i++ {
		if c.Tiers[i].Interval <= c.Tiers[i-1].Interval {
			return fmt.Errorf("invalid config: rollup tier %q must be coarser than %q",
				c.Tiers[i].Name, c.Tiers[i-1].Name)
		}
	}
	if c.RateLimitWindow > MaxRateLimitWindow {
		return fmt.Errorf("invalid config: rate_limit_window %s exceeds %s", c.RateLimitWindow, MaxRateLimitWindow)
	}
	seen := make(map[string]bool, len(c.Alerts))
	for _, a := range c.Alerts {
		if seen[a.ID] {
			return fmt.Errorf("invalid config: %w: %s", ErrDuplicateAlert, a.ID)
		}
		seen[a.ID] = true
	}
	return nil
}

// ErrDuplicateAlert is returned when two alerts share an id
var ErrDuplicateAlert = errors.New("duplicate alert id")

// RollupTiers returns the rollup tiers, finest first
func (c *Config) RollupTiers() []RollupTier {
	return c.Tiers
}

// QueryTextRetentionHours returns how long full query texts are retained
func (c *Config) QueryTextRetentionHours() int64 {
	return c.TextRetentionHours
}

// getEnvInt64 gets an int64 from environment variable or returns default
func getEnvInt64(logger *zap.Logger, key string, defaultValue int64) int64 {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseInt(val, 10, 64); err == nil {
			return parsed
		}
		logger.Warn("invalid environment value, using default",
			zap.String("key", key), zap.String("value", val), zap.Int64("default", defaultValue))
	}
	return defaultValue
}
