package exchange

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWeightBucketImmediateWhenFull(t *testing.T) {
	wb := NewWeightBucket(100, 1200)

	start := time.Now()
	require.NoError(t, wb.Wait(context.Background(), 40))
	require.NoError(t, wb.Wait(context.Background(), 40))
	assert.Less(t, time.Since(start), 100*time.Millisecond)

	assert.InDelta(t, 20, wb.Available(), 1.0)
}

func TestWeightBucketClampsOversizedRequest(t *testing.T) {
	wb := NewWeightBucket(50, 1200)

	// heavier than capacity must not deadlock
	done := make(chan error, 1)
	go func() { done <- wb.Wait(context.Background(), 500) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("oversized request never proceeded")
	}
}

func TestWeightBucketContextCancel(t *testing.T) {
	wb := NewWeightBucket(10, 60) // 1 token per second refill
	require.NoError(t, wb.Wait(context.Background(), 10))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := wb.Wait(ctx, 10)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
