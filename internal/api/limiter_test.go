package api

import (
	"fmt"
	"testing"
	"time"

	"migranthub/internal/config"

	"github.com/stretchr/testify/assert"
)

func TestClientLimiter_Disabled(t *testing.T) {
	l := newClientLimiter(config.APIRateLimitConfig{})
	for i := 0; i < 100; i++ {
		assert.True(t, l.allow("k"))
	}
	assert.Equal(t, 0, l.size())
}

func TestClientLimiter_PerKeyBuckets(t *testing.T) {
	l := newClientLimiter(config.APIRateLimitConfig{RPS: 1, Burst: 2})
	now := time.Date(2025, 5, 10, 9, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	assert.True(t, l.allow("a"))
	assert.True(t, l.allow("a"))
	assert.False(t, l.allow("a"))
	assert.True(t, l.allow("b"))

	now = now.Add(time.Second)
	assert.True(t, l.allow("a"))
}

func TestClientLimiter_DefaultBurst(t *testing.T) {
	l := newClientLimiter(config.APIRateLimitConfig{RPS: 1})
	now := time.Date(2025, 5, 10, 9, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	for i := 0; i < defaultBurst; i++ {
		assert.True(t, l.allow("a"))
	}
	assert.False(t, l.allow("a"))
}

func TestClientLimiter_SweepsIdleBuckets(t *testing.T) {
	l := newClientLimiter(config.APIRateLimitConfig{RPS: 10, Burst: 1})
	now := time.Date(2025, 5, 10, 9, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	for i := 0; i < limiterSweepSize; i++ {
		l.allow(fmt.Sprintf("client-%d", i))
	}
	assert.Equal(t, limiterSweepSize, l.size())

	now = now.Add(limiterIdleTTL + time.Second)
	l.allow("fresh")
	assert.Equal(t, 1, l.size())
}
