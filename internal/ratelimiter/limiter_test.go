package ratelimiter_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openvenue/aggregator/internal/ratelimiter"
)

func TestForReturnsSameLimiterForSameSource(t *testing.T) {
	reg := ratelimiter.NewRegistry()
	id := uuid.New()

	l1 := reg.For(id, 60)
	l2 := reg.For(id, 60)

	assert.Same(t, l1, l2)
}

func TestAcquireRespectsContextCancellation(t *testing.T) {
	reg := ratelimiter.NewRegistry()
	id := uuid.New()

	// Drain the single burst token, then a second Acquire call must
	// block until either a new token arrives or ctx is cancelled.
	ctx, cancel := context.WithCancel(context.Background())

	require.NoError(t, reg.Acquire(ctx, id, 1))

	ctx2, cancel2 := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel2()

	err := reg.Acquire(ctx2, id, 1)
	assert.Error(t, err)

	cancel()
}
