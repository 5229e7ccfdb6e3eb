package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadReservationPolicyDefaults(t *testing.T) {
	p := LoadReservationPolicy()
	assert.Equal(t, 1, p.PartyMin)
	assert.Equal(t, 20, p.PartyMax)
	assert.Equal(t, 90*time.Minute, p.DefaultDuration)
	assert.Equal(t, 15*time.Minute, p.ConfirmationWindow)
	assert.Equal(t, 30*time.Minute, p.SlotWidth)
	assert.Equal(t, 15*time.Minute, p.NoShowGrace)
}

func TestLoadReservationPolicyOverrides(t *testing.T) {
	t.Setenv("PARTY_MAX", "8")
	t.Setenv("CONFIRMATION_WINDOW", "600")
	t.Setenv("SLOT_MINUTES", "15")
	t.Setenv("NO_SHOW_GRACE", "20m")
	t.Setenv("QUOTA_MAX_CAPACITY", "4")

	p := LoadReservationPolicy()
	assert.Equal(t, 8, p.PartyMax)
	assert.Equal(t, 10*time.Minute, p.ConfirmationWindow, "bare integers are seconds")
	assert.Equal(t, 15*time.Minute, p.SlotWidth)
	assert.Equal(t, 20*time.Minute, p.NoShowGrace)
	assert.Equal(t, 8, p.SlotMaxCapacity, "a slot must fit the largest party")
}

func TestLoadReservationPolicyRejectsNonsense(t *testing.T) {
	t.Setenv("PARTY_MIN", "0")
	t.Setenv("PARTY_MAX", "-3")
	t.Setenv("DEFAULT_DURATION", "10h")
	t.Setenv("SLOT_MINUTES", "0")

	p := LoadReservationPolicy()
	assert.Equal(t, 1, p.PartyMin)
	assert.Equal(t, 1, p.PartyMax)
	assert.Equal(t, p.MinDuration, p.DefaultDuration)
	assert.Equal(t, 30*time.Minute, p.SlotWidth)
}

func TestLoadMessagingAndReconcilerConfig(t *testing.T) {
	t.Setenv("REQUEST_TIMEOUT", "2s")
	t.Setenv("RECONCILE_BATCH", "0")
	t.Setenv("RECONCILE_INTERVAL", "30s")

	m := LoadMessagingConfig()
	assert.Equal(t, 2*time.Second, m.RequestTimeout)
	assert.Equal(t, "restaurant.requests", m.RestaurantQueue)
	assert.Equal(t, 50, m.Prefetch)

	r := LoadReconcilerConfig()
	assert.Equal(t, 100, r.BatchSize)
	assert.Equal(t, 30*time.Second, r.Interval)
}

func TestLoadRateLimitConfig(t *testing.T) {
	t.Setenv("RATE_LIMIT_CAPACITY", "10")
	t.Setenv("RATE_LIMIT_REFILL_TOKENS", "5")
	t.Setenv("RATE_LIMIT_REFILL_INTERVAL", "1s")
	t.Setenv("RATE_LIMIT_TTL", "1s")

	c := LoadRateLimitConfig()
	assert.Equal(t, 10, c.Capacity)
	assert.Equal(t, 5.0, c.PerSecond())
	assert.Equal(t, 5*time.Second, c.TTL, "ttl is raised to five refill intervals")
}

func TestLoadRedisConfigHostPortWins(t *testing.T) {
	t.Setenv("REDIS_ADDR", "cache:6379")
	t.Setenv("REDIS_HOST", "redis")
	t.Setenv("REDIS_PORT", "6380")
	t.Setenv("REDIS_TLS", "yes")

	c := LoadRedisConfig()
	assert.Equal(t, "redis:6380", c.Addr)
	assert.True(t, c.TLS)
}

func TestEnvBool(t *testing.T) {
	t.Setenv("FLAG", "Off")
	assert.False(t, envBool("FLAG", true))
	t.Setenv("FLAG", "maybe")
	assert.True(t, envBool("FLAG", true))
}

func TestLoadCacheConfig(t *testing.T) {
	t.Setenv("CACHE_TTL", "0s")
	t.Setenv("CACHE_ENABLED", "false")

	c := LoadCacheConfig()
	assert.False(t, c.Enabled)
	assert.Equal(t, 30*time.Second, c.TTL)
	assert.Equal(t, 1<<20, c.MaxBodyBytes)
}
