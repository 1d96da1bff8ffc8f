package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lattice/taskcore/config"
	"github.com/lattice/taskcore/core"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.HTTPPort)
	assert.Equal(t, ":8080", cfg.Addr())
	assert.Equal(t, 24*time.Hour, cfg.IdempotencyTTL)
	assert.Equal(t, 3, cfg.RecoveryCap)
	assert.Equal(t, "5", cfg.BreakdownCost)
	assert.Equal(t, core.DefaultBucketPriority, cfg.Buckets())
}

func TestLoad_BucketPriorityOverride(t *testing.T) {
	t.Setenv("TASKCORE_BUCKET_PRIORITY", "purchased,one_time_bonus")

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, []core.Bucket{core.BucketPurchased, core.BucketBonus}, cfg.Buckets())
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("TASKCORE_HTTP_PORT", "9000")
	t.Setenv("TASKCORE_RECOVERY_CAP", "5")
	t.Setenv("TASKCORE_IDEMPOTENCY_TTL", "1h")

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.HTTPPort)
	assert.Equal(t, 5, cfg.RecoveryCap)
	assert.Equal(t, time.Hour, cfg.IdempotencyTTL)
}

func TestLoad_InvalidValues(t *testing.T) {
	t.Setenv("TASKCORE_HTTP_PORT", "-1")
	_, err := config.Load()
	assert.Error(t, err)
}

func TestLoad_ZeroRecoveryCapRejected(t *testing.T) {
	t.Setenv("TASKCORE_RECOVERY_CAP", "0")
	_, err := config.Load()
	assert.Error(t, err)
}
