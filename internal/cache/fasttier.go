package cache

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "weather:"

// Entry is what the fast tier stores per key: the serialized record and the
// time it was written (ms since epoch).
type Entry struct {
	Data      []byte
	Timestamp int64
}

// FastTier is a key/value store with native per-key expiry placed in front of
// the durable store. Get returns ok=false on a miss.
type FastTier interface {
	Get(ctx context.Context, key string) (Entry, bool, error)
	Set(ctx context.Context, key string, e Entry, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
	Close() error
}

// isConnectionError reports whether err means the tier itself is unreachable,
// as opposed to a bad entry or a cancelled request.
func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, redis.ErrClosed) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
