package ratelimiter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name              string
		requestsPerSecond uint
		burst             uint
	}{
		{name: "standard rate", requestsPerSecond: 100, burst: 200},
		{name: "burst defaults to rate", requestsPerSecond: 50, burst: 0},
		{name: "unlimited", requestsPerSecond: 0, burst: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			limiter := New(tt.requestsPerSecond, tt.burst)
			require.NotNil(t, limiter)
			require.NotNil(t, limiter.limiter)
		})
	}
}

func TestAllow_ConsumesBurst(t *testing.T) {
	limiter := New(1, 3)

	for i := 0; i < 3; i++ {
		assert.True(t, limiter.Allow(), "request %d within burst should pass", i)
	}
	assert.False(t, limiter.Allow(), "request past burst should be rejected")
}

func TestAllow_Unlimited(t *testing.T) {
	limiter := New(0, 0)

	for i := 0; i < 10_000; i++ {
		require.True(t, limiter.Allow())
	}
}

func TestWait_RespectsCancellation(t *testing.T) {
	limiter := New(1, 1)
	require.True(t, limiter.Allow()) // drain the bucket

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := limiter.Wait(ctx)
	require.Error(t, err)
}

func TestWait_AcquiresToken(t *testing.T) {
	limiter := New(100, 1)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, limiter.Wait(ctx))
}
