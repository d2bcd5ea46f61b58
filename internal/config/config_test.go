package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fetchdeck/internal/ratelimit"
)

func TestParseLimits(t *testing.T) {
	limits := ParseLimits("download:5:1h, transcribe:5:30m,bulk_ingest:2:1h")
	require.Len(t, limits, 3)
	assert.Equal(t, ratelimit.Policy{Limit: 5, Window: time.Hour}, limits["download"])
	assert.Equal(t, ratelimit.Policy{Limit: 5, Window: 30 * time.Minute}, limits["transcribe"])
	assert.Equal(t, ratelimit.Policy{Limit: 2, Window: time.Hour}, limits["bulk_ingest"])
}

func TestParseLimitsSkipsMalformedEntries(t *testing.T) {
	limits := ParseLimits("download:5:1h,broken,nolimit::1h,neg:-1:1h,badwin:5:soon")
	require.Len(t, limits, 1)
	assert.Contains(t, limits, "download")
}

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	assert.Equal(t, "8080", cfg.HTTPPort)
	assert.Equal(t, 50, cfg.DailyJobLimit)
	assert.Equal(t, time.Hour, cfg.ExpiredSweepInterval)
	require.Contains(t, cfg.RateLimits, "download")
	assert.Equal(t, 5, cfg.RateLimits["download"].Limit)
}

func TestLoadRateLimitsFromEnv(t *testing.T) {
	t.Setenv("RATE_LIMITS", "fetch_user:7:2h")
	cfg := Load()
	require.Len(t, cfg.RateLimits, 1)
	assert.Equal(t, ratelimit.Policy{Limit: 7, Window: 2 * time.Hour}, cfg.RateLimits["fetch_user"])
}
