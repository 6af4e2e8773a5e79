package mailjobs

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Handoff backends.
const (
	HandoffMemory = "memory"
	HandoffBadger = "badger"
	HandoffRedis  = "redis"
	HandoffSQLite = "sqlite"
)

// Config represents engine configuration.
type Config struct {
	// Routing thresholds (defaults: 500 / 500 / 20000).
	Thresholds Thresholds

	// Worker pool size and queue capacity (defaults: 4 / 256).
	Workers   int
	QueueSize int

	// How long terminal jobs stay visible (default: 1 day) and how many
	// terminal jobs each kind keeps (default: 200).
	JobRetention    time.Duration
	MaxRetainedJobs int

	// Where export files are written and how long an undownloaded file is
	// kept (default: 1 day).
	ArtifactDir       string
	ArtifactRetention time.Duration

	// Identifier handoff channel.
	HandoffBackend  string        // memory, badger, redis or sqlite (default: memory)
	HandoffTTL      time.Duration // default: 10 minutes
	HandoffMaxBytes int           // default: 3000
	BadgerPath      string        // empty keeps Badger in memory
	RedisAddr       string
	RedisPassword   string
	RedisDB         int
	SQLitePath      string

	// Cron spec of the housekeeping run (default: "@every 1m").
	HousekeepingSpec string
}

// DefaultConfig returns the configuration used when nothing is overridden.
func DefaultConfig() *Config {
	return &Config{
		Thresholds: Thresholds{
			AsyncThreshold: 500,
			MaxSyncItems:   500,
			MaxAsyncItems:  20000,
		},
		Workers:           4,
		QueueSize:         256,
		JobRetention:      24 * time.Hour,
		MaxRetainedJobs:   200,
		ArtifactDir:       filepath.Join(os.TempDir(), "mailjobs"),
		ArtifactRetention: 24 * time.Hour,
		HandoffBackend:    HandoffMemory,
		HandoffTTL:        10 * time.Minute,
		HandoffMaxBytes:   DefaultHandoffMaxBytes,
		RedisAddr:         "localhost:6379",
		SQLitePath:        "mailjobs-handoff.db",
		HousekeepingSpec:  "@every 1m",
	}
}

// RegisterFlags adds the engine flags to fs.
func RegisterFlags(fs *pflag.FlagSet) {
	d := DefaultConfig()
	fs.String("config_file", "", "Configuration file (JSON or YAML)")

	fs.Int("async_threshold", d.Thresholds.AsyncThreshold, "Item count above which requests run in the background")
	fs.Int("max_sync_items", d.Thresholds.MaxSyncItems, "Maximum items for an inline run")
	fs.Int("max_async_items", d.Thresholds.MaxAsyncItems, "Maximum items for any single operation")

	fs.Int("workers", d.Workers, "Number of job workers")
	fs.Int("queue_size", d.QueueSize, "Capacity of the job queue")

	fs.String("job_retention", d.JobRetention.String(), "How long finished jobs stay visible (days or duration)")
	fs.Int("max_retained_jobs", d.MaxRetainedJobs, "Finished jobs kept per kind")

	fs.String("artifact_dir", d.ArtifactDir, "Directory for export files")
	fs.String("artifact_retention", d.ArtifactRetention.String(), "How long export files are kept (days or duration)")

	fs.String("handoff_backend", d.HandoffBackend, "Handoff storage: memory, badger, redis or sqlite")
	fs.String("handoff_ttl", d.HandoffTTL.String(), "Lifetime of staged id lists")
	fs.Int("handoff_max_bytes", d.HandoffMaxBytes, "Maximum encoded size of a staged id list")
	fs.String("badger_path", d.BadgerPath, "BadgerDB directory (empty for in-memory)")
	fs.String("redis_addr", d.RedisAddr, "Redis address")
	fs.String("redis_password", d.RedisPassword, "Redis password")
	fs.Int("redis_db", d.RedisDB, "Redis DB number")
	fs.String("sqlite_path", d.SQLitePath, "SQLite database file")

	fs.String("housekeeping", d.HousekeepingSpec, "Cron spec of the housekeeping run")
}

// LoadConfig builds a Config from the flags in fs (registered with
// RegisterFlags and already parsed), MAILJOBS_* environment variables and an
// optional configuration file, in decreasing priority.
//
// Duration values can be specified as:
//   - Integer number of days (e.g., "30" = 30 days)
//   - Duration string (e.g., "24h", "1h30m")
func LoadConfig(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	if err := v.BindPFlags(fs); err != nil {
		return nil, fmt.Errorf("bind flags: %w", err)
	}
	v.SetEnvPrefix("MAILJOBS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if file := v.GetString("config_file"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("could not load config file: %w", err)
		}
	}

	cfg := &Config{
		Thresholds: Thresholds{
			AsyncThreshold: v.GetInt("async_threshold"),
			MaxSyncItems:   v.GetInt("max_sync_items"),
			MaxAsyncItems:  v.GetInt("max_async_items"),
		},
		Workers:          v.GetInt("workers"),
		QueueSize:        v.GetInt("queue_size"),
		MaxRetainedJobs:  v.GetInt("max_retained_jobs"),
		ArtifactDir:      v.GetString("artifact_dir"),
		HandoffBackend:   v.GetString("handoff_backend"),
		HandoffMaxBytes:  v.GetInt("handoff_max_bytes"),
		BadgerPath:       v.GetString("badger_path"),
		RedisAddr:        v.GetString("redis_addr"),
		RedisPassword:    v.GetString("redis_password"),
		RedisDB:          v.GetInt("redis_db"),
		SQLitePath:       v.GetString("sqlite_path"),
		HousekeepingSpec: v.GetString("housekeeping"),
	}

	var err error
	if cfg.JobRetention, err = parseDuration(v.GetString("job_retention")); err != nil {
		return nil, fmt.Errorf("job_retention: %w", err)
	}
	if cfg.ArtifactRetention, err = parseDuration(v.GetString("artifact_retention")); err != nil {
		return nil, fmt.Errorf("artifact_retention: %w", err)
	}
	if cfg.HandoffTTL, err = parseDuration(v.GetString("handoff_ttl")); err != nil {
		return nil, fmt.Errorf("handoff_ttl: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	t := c.Thresholds
	if t.AsyncThreshold < 0 || t.MaxSyncItems < 0 || t.MaxAsyncItems < 0 {
		return fmt.Errorf("thresholds must not be negative")
	}
	if c.Workers < 0 || c.QueueSize < 0 {
		return fmt.Errorf("workers and queue_size must not be negative")
	}
	switch c.HandoffBackend {
	case HandoffMemory, HandoffBadger, HandoffSQLite:
	case HandoffRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("redis_addr is required for the redis handoff backend")
		}
	default:
		return fmt.Errorf("unknown handoff backend %q", c.HandoffBackend)
	}
	if c.HandoffTTL <= 0 {
		return fmt.Errorf("handoff_ttl must be positive")
	}
	if c.ArtifactDir == "" {
		return fmt.Errorf("artifact_dir is required")
	}
	return nil
}

// parseDuration accepts a number of days or a Go duration string.
func parseDuration(value string) (time.Duration, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, nil
	}
	if days, err := strconv.Atoi(value); err == nil {
		return time.Duration(days) * 24 * time.Hour, nil
	}
	return time.ParseDuration(value)
}
