package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/url"
	"strings"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
)

// MemcachedTier implements FastTier using memcached. Values are a JSON envelope
// holding the record and its write timestamp.
type MemcachedTier struct {
	client *memcache.Client
}

type memcachedEnvelope struct {
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
}

// NewMemcachedTier creates a MemcachedTier. addrs is a comma-separated list
// (e.g. "localhost:11211" or "host1:11211,host2:11211"). timeout and maxIdleConns
// configure the client; both use package defaults if zero.
func NewMemcachedTier(addrs string, timeout time.Duration, maxIdleConns int) *MemcachedTier {
	servers := parseAddrs(addrs)
	if len(servers) == 0 {
		servers = []string{"localhost:11211"}
	}
	client := memcache.New(servers...)
	if timeout > 0 {
		client.Timeout = timeout
	}
	if maxIdleConns > 0 {
		client.MaxIdleConns = maxIdleConns
	}
	return &MemcachedTier{client: client}
}

func parseAddrs(s string) []string {
	var out []string
	for _, a := range strings.Split(s, ",") {
		a = strings.TrimSpace(a)
		if a != "" {
			out = append(out, a)
		}
	}
	return out
}

// maxMemcachedKeyLen is the server's key size limit in bytes.
const maxMemcachedKeyLen = 250

// key maps a cache key to a memcached key. Query escaping is injective and
// removes spaces and control characters; keys still over the size limit are
// replaced by their sha256. Escaped keys never contain ':', so the two forms
// cannot collide.
func (c *MemcachedTier) key(k string) string {
	escaped := keyPrefix + url.QueryEscape(k)
	if len(escaped) <= maxMemcachedKeyLen {
		return escaped
	}
	sum := sha256.Sum256([]byte(k))
	return keyPrefix + "sha256:" + hex.EncodeToString(sum[:])
}

// Get implements FastTier.Get.
func (c *MemcachedTier) Get(ctx context.Context, key string) (Entry, bool, error) {
	if ctx.Err() != nil {
		return Entry{}, false, ctx.Err()
	}
	item, err := c.client.Get(c.key(key))
	if err != nil {
		if err == memcache.ErrCacheMiss {
			return Entry{}, false, nil
		}
		return Entry{}, false, err
	}
	var env memcachedEnvelope
	if err := json.Unmarshal(item.Value, &env); err != nil {
		return Entry{}, false, err
	}
	return Entry{Data: env.Data, Timestamp: env.Timestamp}, true, nil
}

// Set implements FastTier.Set.
func (c *MemcachedTier) Set(ctx context.Context, key string, e Entry, ttl time.Duration) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	raw, err := json.Marshal(memcachedEnvelope{Data: e.Data, Timestamp: e.Timestamp})
	if err != nil {
		return err
	}
	expSec := int32(ttl / time.Second)
	const maxRelativeExp = 30 * 24 * 60 * 60 // 30 days
	if expSec <= 0 || expSec > maxRelativeExp {
		expSec = maxRelativeExp
	}
	return c.client.Set(&memcache.Item{
		Key:        c.key(key),
		Value:      raw,
		Expiration: expSec,
	})
}

// Delete implements FastTier.Delete. Deleting a missing key is not an error.
func (c *MemcachedTier) Delete(ctx context.Context, key string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err := c.client.Delete(c.key(key)); err != nil && err != memcache.ErrCacheMiss {
		return err
	}
	return nil
}

// Ping checks if memcached is reachable.
func (c *MemcachedTier) Ping(ctx context.Context) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return c.client.Ping()
}

// Close closes the memcached client connections.
func (c *MemcachedTier) Close() error {
	return c.client.Close()
}
