package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoginThrottle_AllowsUpToBurstThenRejects(t *testing.T) {
	throttle := NewLoginThrottle(1, 2)

	assert.True(t, throttle.Allow("operator1"))
	assert.True(t, throttle.Allow("operator1"))
	assert.False(t, throttle.Allow("operator1"), "burst of 2 should be exhausted on the third immediate attempt")
}

func TestLoginThrottle_TracksUsernamesIndependently(t *testing.T) {
	throttle := NewLoginThrottle(1, 1)

	assert.True(t, throttle.Allow("operator1"))
	assert.False(t, throttle.Allow("operator1"))
	assert.True(t, throttle.Allow("operator2"), "a distinct username must have its own bucket")
}

func TestQueryConcurrencyLimiter_BlocksBeyondMax(t *testing.T) {
	limiter := NewQueryConcurrencyLimiter(1)

	release1, err := limiter.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = limiter.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	release1()

	release2, err := limiter.Acquire(context.Background())
	require.NoError(t, err)
	release2()
}

func TestQueryConcurrencyLimiter_ZeroOrNegativeMaxDefaultsToOne(t *testing.T) {
	limiter := NewQueryConcurrencyLimiter(0)

	release, err := limiter.Acquire(context.Background())
	require.NoError(t, err)
	release()
}
