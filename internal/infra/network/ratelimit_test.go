package network

import (
	"testing"
	"time"
)

func TestTokenBucketAllowAndRefill(t *testing.T) {
	b := NewTokenBucket(2, 1000, 0)
	now := time.Now()
	if !b.Allow(now) || !b.Allow(now) {
		t.Fatal("burst capacity should allow two calls")
	}
	if b.Allow(now) {
		t.Fatal("bucket should be empty after the burst")
	}
	if !b.Allow(now.Add(10 * time.Millisecond)) {
		t.Fatal("refill should allow another call")
	}
}

func TestTokenBucketAdjustForRTTBacksOff(t *testing.T) {
	b := NewTokenBucket(10, 5, 100)

	b.AdjustForRTT(150)
	if b.capacity != 10 || b.rate != 5 {
		t.Fatalf("healthy RTT must not back off, capacity=%d rate=%v", b.capacity, b.rate)
	}

	b.AdjustForRTT(250)
	if b.capacity != 5 || b.rate != 2.5 {
		t.Fatalf("degraded RTT should halve the bucket, capacity=%d rate=%v", b.capacity, b.rate)
	}
}

func TestTokenBucketZeroBaselineDisablesAdjustment(t *testing.T) {
	b := NewTokenBucket(10, 5, 0)
	b.AdjustForRTT(10000)
	if b.capacity != 10 || b.rate != 5 {
		t.Fatalf("zero baseline must disable adjustment, capacity=%d rate=%v", b.capacity, b.rate)
	}
}
