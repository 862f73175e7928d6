package cache

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// exerciseTier runs the behavior every FastTier must provide.
func exerciseTier(t *testing.T, tier FastTier) {
	t.Helper()
	ctx := context.Background()
	key := "test " + t.Name()

	if _, ok, err := tier.Get(ctx, key); err != nil || ok {
		t.Fatalf("Get() on empty = ok %v, err %v; want miss", ok, err)
	}

	want := Entry{Data: []byte(`{"city":"Madrid","temperature":21}`), Timestamp: 1_700_000_000_000}
	if err := tier.Set(ctx, key, want, time.Minute); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	got, ok, err := tier.Get(ctx, key)
	if err != nil || !ok {
		t.Fatalf("Get() = ok %v, err %v; want hit", ok, err)
	}
	if string(got.Data) != string(want.Data) || got.Timestamp != want.Timestamp {
		t.Errorf("Get() = {%s %d}, want {%s %d}", got.Data, got.Timestamp, want.Data, want.Timestamp)
	}

	if err := tier.Delete(ctx, key); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, ok, _ := tier.Get(ctx, key); ok {
		t.Error("Get() after Delete() = hit, want miss")
	}
	if err := tier.Delete(ctx, key); err != nil {
		t.Errorf("Delete() of missing key error = %v", err)
	}
}

func TestMemoryTier(t *testing.T) {
	exerciseTier(t, NewMemoryTier())
}

func TestMemoryTier_NativeExpiry(t *testing.T) {
	m := NewMemoryTier()
	ctx := context.Background()
	_ = m.Set(ctx, "k", Entry{Data: []byte("{}")}, time.Millisecond)
	time.Sleep(5 * time.Millisecond)
	if _, ok, _ := m.Get(ctx, "k"); ok {
		t.Error("Get() after expiry = hit, want miss")
	}
}

func TestIsConnectionError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"eof", io.EOF, true},
		{"client closed", redis.ErrClosed, true},
		{"net op error", &net.OpError{Op: "dial", Err: errors.New("refused")}, true},
		{"plain", errors.New("WRONGTYPE"), false},
		{"cancelled", context.Canceled, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isConnectionError(tt.err); got != tt.want {
				t.Errorf("isConnectionError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestNewRedisTier_InvalidURL(t *testing.T) {
	if _, err := NewRedisTier("not-a-url://x", time.Second); err == nil {
		t.Error("NewRedisTier() error = nil, want parse error")
	}
}

func TestParseAddrs(t *testing.T) {
	got := parseAddrs(" a:1, ,b:2 ")
	if len(got) != 2 || got[0] != "a:1" || got[1] != "b:2" {
		t.Errorf("parseAddrs() = %v, want [a:1 b:2]", got)
	}
}

func TestMemcachedTier_KeysAreDistinct(t *testing.T) {
	c := NewMemcachedTier("localhost:11211", 0, 0)
	long := strings.Repeat("ñ", 100)
	keys := []string{
		NormalizeKey("New York"),
		NormalizeKey("new_york"),
		"new+york",
		"new%20york",
		"sha256:abc",
		long,
		long + "a",
	}
	seen := make(map[string]string)
	for _, k := range keys {
		mk := c.key(k)
		if prev, ok := seen[mk]; ok {
			t.Errorf("key(%q) = key(%q) = %q", k, prev, mk)
		}
		seen[mk] = k
		if len(mk) > maxMemcachedKeyLen {
			t.Errorf("key(%q) length %d exceeds %d", k, len(mk), maxMemcachedKeyLen)
		}
		if strings.ContainsAny(mk, " \t\r\n") {
			t.Errorf("key(%q) = %q contains whitespace", k, mk)
		}
	}
}
