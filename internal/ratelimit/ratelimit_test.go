package ratelimit

import (
	"testing"
	"time"
)

func ptr(n int64) *int64 { return &n }

func TestCheckAndConsume_RPSOnly(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	limits := Limits{RPS: ptr(2)}

	if !r.CheckAndConsume("k1", limits).Allowed {
		t.Fatal("1st should be allowed")
	}
	if !r.CheckAndConsume("k1", limits).Allowed {
		t.Fatal("2nd should be allowed")
	}
	res := r.CheckAndConsume("k1", limits)
	if res.Allowed {
		t.Fatal("3rd should be denied")
	}
	if res.RetryAfterSeconds <= 0 {
		t.Error("RetryAfterSeconds should be positive on deny")
	}
}

func TestCheckAndConsume_BothBucketsMustAllow(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	// RPM exhausts first even though RPS would allow; neither bucket should
	// be debited on a deny (no partial consumption).
	limits := Limits{RPS: ptr(100), RPM: ptr(1)}

	if !r.CheckAndConsume("k1", limits).Allowed {
		t.Fatal("1st should be allowed")
	}
	res := r.CheckAndConsume("k1", limits)
	if res.Allowed {
		t.Fatal("2nd should be denied by RPM even though RPS has headroom")
	}
}

func TestBucket_CapacityZeroDeniesAll(t *testing.T) {
	t.Parallel()
	// A configured limit of 0 creates no bucket at all (Limits treats <=0 as
	// unbounded), so the capacity-0 boundary is a property of the bucket.
	now := time.Now()
	b := newBucket(0, time.Second, now)
	b.refill(now.Add(time.Minute))
	if b.hasToken() {
		t.Error("capacity=0 should deny all requests")
	}
}

func TestCheckAndConsume_Unlimited(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	limits := Limits{}
	for range 10 {
		if !r.CheckAndConsume("k1", limits).Allowed {
			t.Fatal("unlimited key should never be denied")
		}
	}
}

func TestBucketRefillAfterWindow(t *testing.T) {
	t.Parallel()
	now := time.Now()
	b := newBucket(1, time.Second, now)
	b.consume()
	if b.hasToken() {
		t.Fatal("bucket should be empty immediately after consuming its only token")
	}
	b.refill(now.Add(2 * time.Second))
	if !b.hasToken() {
		t.Error("bucket should have refilled after 2x its window")
	}
}

func TestRegistryEvictStale(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	r.CheckAndConsume("k1", Limits{RPS: ptr(5)})

	evicted := r.EvictStale(time.Now().Add(time.Hour))
	if evicted != 1 {
		t.Errorf("evicted = %d, want 1", evicted)
	}
	evicted = r.EvictStale(time.Now().Add(time.Hour))
	if evicted != 0 {
		t.Errorf("second eviction = %d, want 0 (already gone)", evicted)
	}
}
