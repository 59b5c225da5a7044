package ratelimiter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Unlimited(t *testing.T) {
	limiter := New(0, 0)
	require.NotNil(t, limiter)
	assert.True(t, limiter.Unlimited())

	for i := 0; i < 10000; i++ {
		require.True(t, limiter.Allow(), "admission %d should never be throttled", i)
	}
}

func TestAllow_EnforcesBurst(t *testing.T) {
	limiter := New(1, 3)
	assert.False(t, limiter.Unlimited())

	for i := 0; i < 3; i++ {
		assert.True(t, limiter.Allow(), "admission %d is within burst", i)
	}
	assert.False(t, limiter.Allow(), "fourth admission exceeds burst")
}

func TestNew_ZeroBurstWithRate(t *testing.T) {
	limiter := New(5, 0)
	assert.True(t, limiter.Allow())
}

func TestWait_RespectsCancellation(t *testing.T) {
	limiter := New(0.001, 1)
	require.True(t, limiter.Allow())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := limiter.Wait(ctx)
	assert.Error(t, err)
}

func TestWait_Unlimited(t *testing.T) {
	limiter := New(0, 0)
	assert.NoError(t, limiter.Wait(context.Background()))
}
