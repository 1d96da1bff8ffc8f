/*
config.go - Environment-driven configuration

All knobs come from TASKCORE_* environment variables with sane defaults,
so a bare binary runs out of the box and deployments override per env.
*/
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/lattice/taskcore/core"
)

const envPrefix = "TASKCORE"

// Config holds everything the server needs to run.
type Config struct {
	// HTTPPort is the port the API listens on.
	HTTPPort int `envconfig:"HTTP_PORT" default:"8080"`

	// DBPath is the sqlite database file. ":memory:" runs fully in memory.
	DBPath string `envconfig:"DB_PATH" default:"taskcore.db"`

	// LogLevel is a zerolog level name (debug, info, warn, error).
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`

	// PrettyLogs switches to human-readable console output.
	PrettyLogs bool `envconfig:"PRETTY_LOGS" default:"false"`

	// BreakdownCost is the credit price of one AI breakdown request.
	BreakdownCost string `envconfig:"BREAKDOWN_COST" default:"5"`

	// BucketPriority is the credit spend order, soonest-to-expire first.
	BucketPriority []string `envconfig:"BUCKET_PRIORITY" default:"recurring_free,subscription,purchased,one_time_bonus"`

	// RecurringWindow bounds recurring_free grants.
	RecurringWindow time.Duration `envconfig:"RECURRING_WINDOW" default:"720h"`

	// SubscriptionWindow bounds subscription grants and periods.
	SubscriptionWindow time.Duration `envconfig:"SUBSCRIPTION_WINDOW" default:"720h"`

	// CarryoverCap limits subscription balance surviving a rollover.
	CarryoverCap string `envconfig:"CARRYOVER_CAP" default:"100"`

	// IdempotencyTTL is how long completed operation results replay.
	IdempotencyTTL time.Duration `envconfig:"IDEMPOTENCY_TTL" default:"24h"`

	// RecoveryWindow is how long a deleted task stays restorable.
	RecoveryWindow time.Duration `envconfig:"RECOVERY_WINDOW" default:"720h"`

	// RecoveryCap is the per-owner tombstone limit.
	RecoveryCap int `envconfig:"RECOVERY_CAP" default:"3"`

	// SweepInterval drives the background GC and expiry reconciliation loop.
	SweepInterval time.Duration `envconfig:"SWEEP_INTERVAL" default:"10m"`

	// ShutdownTimeout bounds graceful HTTP shutdown.
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`
}

// Load reads configuration from the environment.
func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP_PORT %d", c.HTTPPort)
	}
	if c.RecoveryCap < 1 {
		return fmt.Errorf("RECOVERY_CAP must be at least 1, got %d", c.RecoveryCap)
	}
	if c.IdempotencyTTL <= 0 {
		return fmt.Errorf("IDEMPOTENCY_TTL must be positive, got %s", c.IdempotencyTTL)
	}
	if len(c.BucketPriority) == 0 {
		return fmt.Errorf("BUCKET_PRIORITY must name at least one bucket")
	}
	return nil
}

// Buckets returns the configured spend order as typed buckets.
func (c Config) Buckets() []core.Bucket {
	buckets := make([]core.Bucket, len(c.BucketPriority))
	for i, b := range c.BucketPriority {
		buckets[i] = core.Bucket(b)
	}
	return buckets
}

// Addr returns the listen address.
func (c Config) Addr() string {
	return fmt.Sprintf(":%d", c.HTTPPort)
}
