package network

import (
	"sync"
	"time"
)

// A venue responding above degradedRTTRatio times its baseline RTT gets its
// burst and refill rate cut by degradedBackoff.
const (
	degradedRTTRatio = 2.0
	degradedBackoff  = 0.5
)

// TokenBucket paces venue REST calls and adapts to degrading round-trips.
type TokenBucket struct {
	mu            sync.Mutex
	capacity      int
	tokens        float64
	rate          float64 // tokens per second
	last          time.Time
	baselineRTTms float64
}

func NewTokenBucket(capacity int, rate float64, baselineRTTms float64) *TokenBucket {
	return &TokenBucket{capacity: capacity, tokens: float64(capacity), rate: rate, last: time.Now(), baselineRTTms: baselineRTTms}
}

func (b *TokenBucket) Allow(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill(now)
	if b.tokens >= 1 {
		b.tokens -= 1
		return true
	}
	return false
}

func (b *TokenBucket) refill(now time.Time) {
	dt := now.Sub(b.last).Seconds()
	b.last = now
	b.tokens += b.rate * dt
	if b.tokens > float64(b.capacity) {
		b.tokens = float64(b.capacity)
	}
}

// AdjustForRTT backs off when the observed median RTT shows the venue is
// struggling. A zero baseline disables adjustment.
func (b *TokenBucket) AdjustForRTT(medianRTTms float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.baselineRTTms <= 0 {
		return
	}
	if medianRTTms/b.baselineRTTms > degradedRTTRatio {
		b.capacity = max(1, b.capacity/2)
		b.rate = b.rate * degradedBackoff
		if b.tokens > float64(b.capacity) {
			b.tokens = float64(b.capacity)
		}
	}
}
