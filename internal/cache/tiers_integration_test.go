//go:build integration
// +build integration

package cache

import (
	"context"
	"os"
	"testing"
	"time"
)

// TestRedisTier_Integration runs the tier contract against REDIS_URL
// (default redis://localhost:6379).
func TestRedisTier_Integration(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		url = "redis://localhost:6379"
	}
	r, err := NewRedisTier(url, 500*time.Millisecond)
	if err != nil {
		t.Fatalf("NewRedisTier() error = %v", err)
	}
	defer r.Close()
	if err := r.Ping(context.Background()); err != nil {
		t.Skipf("redis not reachable: %v", err)
	}
	exerciseTier(t, r)
}

func TestRedisTier_SetsExpiry_Integration(t *testing.T) {
	r, err := NewRedisTier("redis://localhost:6379", 500*time.Millisecond)
	if err != nil {
		t.Fatalf("NewRedisTier() error = %v", err)
	}
	defer r.Close()
	ctx := context.Background()
	if err := r.Ping(ctx); err != nil {
		t.Skipf("redis not reachable: %v", err)
	}

	if err := r.Set(ctx, "expiry-check", Entry{Data: []byte("{}"), Timestamp: 1}, 600*time.Second); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	defer r.Delete(ctx, "expiry-check")
	ttl, err := r.client.TTL(ctx, keyPrefix+"expiry-check").Result()
	if err != nil {
		t.Fatalf("TTL() error = %v", err)
	}
	if ttl <= 0 || ttl > 600*time.Second {
		t.Errorf("TTL = %v, want (0, 600s]", ttl)
	}
}

// TestMemcachedTier_Integration runs the tier contract against localhost:11211.
func TestMemcachedTier_Integration(t *testing.T) {
	addrs := os.Getenv("MEMCACHED_ADDRS")
	if addrs == "" {
		addrs = "localhost:11211"
	}
	m := NewMemcachedTier(addrs, 500*time.Millisecond, 2)
	defer m.Close()
	if err := m.Ping(context.Background()); err != nil {
		t.Skipf("memcached not reachable: %v", err)
	}
	exerciseTier(t, m)
}
