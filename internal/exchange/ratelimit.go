// ratelimit.go implements weight-based token-bucket rate limiting for the
// futures REST API.
//
// The venue meters REST usage in request weight per minute (roughly 1200).
// A single smooth bucket refills continuously so sustained load never trips
// the hard limit, while short bursts (a scan fanning out kline requests)
// draw down the accumulated capacity.
package exchange

import (
	"context"
	"sync"
	"time"
)

// WeightBucket is a token bucket denominated in request weight. Callers
// block in Wait() until the requested weight is available or the context
// is cancelled.
type WeightBucket struct {
	mu       sync.Mutex
	tokens   float64
	capacity float64
	rate     float64 // weight refilled per second
	lastTime time.Time
}

// NewWeightBucket creates a limiter with the given burst capacity and
// per-minute refill budget.
func NewWeightBucket(capacity float64, weightPerMinute float64) *WeightBucket {
	return &WeightBucket{
		tokens:   capacity,
		capacity: capacity,
		rate:     weightPerMinute / 60.0,
		lastTime: time.Now(),
	}
}

// Wait blocks until weight tokens are available or ctx is cancelled.
// Requests heavier than the bucket capacity are clamped so they can
// still proceed once the bucket is full.
func (wb *WeightBucket) Wait(ctx context.Context, weight int) error {
	need := float64(weight)
	if need > wb.capacity {
		need = wb.capacity
	}
	if need < 1 {
		need = 1
	}

	for {
		wb.mu.Lock()
		now := time.Now()
		elapsed := now.Sub(wb.lastTime).Seconds()
		wb.tokens += elapsed * wb.rate
		if wb.tokens > wb.capacity {
			wb.tokens = wb.capacity
		}
		wb.lastTime = now

		if wb.tokens >= need {
			wb.tokens -= need
			wb.mu.Unlock()
			return nil
		}

		wait := time.Duration((need - wb.tokens) / wb.rate * float64(time.Second))
		wb.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
			// retry
		}
	}
}

// Available returns the current token balance, refreshed to now.
func (wb *WeightBucket) Available() float64 {
	wb.mu.Lock()
	defer wb.mu.Unlock()
	now := time.Now()
	wb.tokens += now.Sub(wb.lastTime).Seconds() * wb.rate
	if wb.tokens > wb.capacity {
		wb.tokens = wb.capacity
	}
	wb.lastTime = now
	return wb.tokens
}
