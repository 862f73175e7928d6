package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisTier stores each entry as a hash weather:<key> {data, timestamp} with EXPIRE.
type RedisTier struct {
	client *redis.Client
}

// NewRedisTier creates a RedisTier for a redis:// URL. connectTimeout bounds dials.
// The connection is not verified; call Ping.
func NewRedisTier(url string, connectTimeout time.Duration) (*RedisTier, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if connectTimeout > 0 {
		opts.DialTimeout = connectTimeout
	}
	return &RedisTier{client: redis.NewClient(opts)}, nil
}

func (r *RedisTier) key(k string) string {
	return keyPrefix + k
}

// Get implements FastTier.Get. A hash missing either field is treated as a miss.
func (r *RedisTier) Get(ctx context.Context, key string) (Entry, bool, error) {
	vals, err := r.client.HGetAll(ctx, r.key(key)).Result()
	if err != nil {
		return Entry{}, false, err
	}
	data, okData := vals["data"]
	rawTS, okTS := vals["timestamp"]
	if !okData || !okTS {
		return Entry{}, false, nil
	}
	ts, err := strconv.ParseInt(rawTS, 10, 64)
	if err != nil {
		return Entry{}, false, fmt.Errorf("parse timestamp for %s: %w", key, err)
	}
	return Entry{Data: []byte(data), Timestamp: ts}, true, nil
}

// Set implements FastTier.Set. The hash write and its expiry go in one MULTI/EXEC.
func (r *RedisTier) Set(ctx context.Context, key string, e Entry, ttl time.Duration) error {
	k := r.key(key)
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, k, "data", e.Data, "timestamp", strconv.FormatInt(e.Timestamp, 10))
		pipe.Expire(ctx, k, ttl)
		return nil
	})
	return err
}

// Delete implements FastTier.Delete.
func (r *RedisTier) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.key(key)).Err()
}

// Ping checks if redis is reachable.
func (r *RedisTier) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the client connection pool.
func (r *RedisTier) Close() error {
	return r.client.Close()
}
