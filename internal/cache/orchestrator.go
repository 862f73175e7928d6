package cache

import (
	"context"
	"encoding/json"
	"math"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/weather-proxy-service/internal/models"
	"github.com/kjstillabower/weather-proxy-service/internal/observability"
	"github.com/kjstillabower/weather-proxy-service/internal/store"
)

const (
	tierFast    = "fast"
	tierDurable = "durable"
)

// DurableStore is the durable tier. *store.Store implements it.
type DurableStore interface {
	Get(ctx context.Context, city string) (store.CacheEntry, bool, error)
	Upsert(ctx context.Context, e store.CacheEntry) error
	Delete(ctx context.Context, city string) error
	DeleteWrittenAtOrBefore(ctx context.Context, cutoff int64) (int64, error)
	All(ctx context.Context) ([]store.CacheEntry, error)
}

// Stats summarizes the cache for the health endpoint. Counts cover the
// durable tier only.
type Stats struct {
	TotalEntries           int    `json:"total_entries"`
	ValidEntries           int    `json:"valid_entries"`
	ExpiredEntries         int    `json:"expired_entries"`
	FastTierConnected      bool   `json:"fast_tier_connected"`
	FastTierBackend        string `json:"fast_tier_backend,omitempty"`
	DurableEnabled         bool   `json:"durable_enabled"`
	DurableWriteFailures   int64  `json:"durable_write_failures"`
	LastDurableWriteFailed bool   `json:"last_durable_write_failed"`
}

// Orchestrator reads and writes weather records through the fast tier (when
// reachable) and the durable store. An entry is fresh while its age is
// strictly less than the TTL. Tier errors are logged and treated as misses.
type Orchestrator struct {
	fast    *Handle
	durable DurableStore
	ttl     time.Duration
	logger  *zap.Logger
	now     func() time.Time

	durableWriteFailures   atomic.Int64
	lastDurableWriteFailed atomic.Bool
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithClock replaces time.Now as the source of write stamps and entry ages.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// NewOrchestrator creates an Orchestrator. fast may be nil to disable the fast tier.
func NewOrchestrator(fast *Handle, durable DurableStore, ttl time.Duration, logger *zap.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := &Orchestrator{
		fast:    fast,
		durable: durable,
		ttl:     ttl,
		logger:  logger,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// NormalizeKey is the cache key for a city: trimmed and lowercased.
func NormalizeKey(city string) string {
	return strings.ToLower(strings.TrimSpace(city))
}

// TTL returns the freshness window.
func (o *Orchestrator) TTL() time.Duration {
	return o.ttl
}

func (o *Orchestrator) fresh(writtenAt int64, now time.Time) bool {
	return now.UnixMilli()-writtenAt < o.ttl.Milliseconds()
}

// fastExpiry is the native expiry handed to the fast tier: TTL rounded up to
// whole seconds.
func (o *Orchestrator) fastExpiry() time.Duration {
	return time.Duration(math.Ceil(o.ttl.Seconds())) * time.Second
}

// Get returns the cached record for city if a fresh entry exists in either tier.
// Expired entries found along the way are deleted from the tier that held them.
func (o *Orchestrator) Get(ctx context.Context, city string) (models.WeatherRecord, bool) {
	key := NormalizeKey(city)
	now := o.now()
	logger := observability.LoggerFrom(ctx, o.logger).With(zap.String("cache_key", key))

	if o.fast.IsReachable() {
		if rec, ok := o.getFast(ctx, key, now, logger); ok {
			return rec, true
		}
	}
	if rec, ok := o.getDurable(ctx, key, now, logger); ok {
		return rec, true
	}
	observability.CacheMissesTotal.Inc()
	logger.Debug("cache miss")
	return models.WeatherRecord{}, false
}

func (o *Orchestrator) getFast(ctx context.Context, key string, now time.Time, logger *zap.Logger) (models.WeatherRecord, bool) {
	tier := o.fast.Tier()
	if tier == nil {
		return models.WeatherRecord{}, false
	}
	e, ok, err := tier.Get(ctx, key)
	if err != nil {
		o.fastError("get", err, logger)
		return models.WeatherRecord{}, false
	}
	if !ok {
		return models.WeatherRecord{}, false
	}
	if !o.fresh(e.Timestamp, now) {
		observability.CacheExpiredTotal.WithLabelValues(tierFast).Inc()
		if err := tier.Delete(ctx, key); err != nil {
			o.fastError("delete", err, logger)
		}
		return models.WeatherRecord{}, false
	}
	var rec models.WeatherRecord
	if err := json.Unmarshal(e.Data, &rec); err != nil {
		observability.CacheErrorsTotal.WithLabelValues(tierFast, "decode").Inc()
		logger.Warn("discarding undecodable fast tier entry", zap.Error(err))
		return models.WeatherRecord{}, false
	}
	observability.CacheHitsTotal.WithLabelValues(tierFast).Inc()
	logger.Debug("cache hit", zap.String("tier", tierFast))
	return rec, true
}

func (o *Orchestrator) getDurable(ctx context.Context, key string, now time.Time, logger *zap.Logger) (models.WeatherRecord, bool) {
	e, ok, err := o.durable.Get(ctx, key)
	if err != nil {
		observability.CacheErrorsTotal.WithLabelValues(tierDurable, "get").Inc()
		logger.Warn("durable tier read failed", zap.Error(err))
		return models.WeatherRecord{}, false
	}
	if !ok {
		return models.WeatherRecord{}, false
	}
	if !o.fresh(e.Timestamp, now) {
		observability.CacheExpiredTotal.WithLabelValues(tierDurable).Inc()
		if err := o.durable.Delete(ctx, key); err != nil {
			observability.CacheErrorsTotal.WithLabelValues(tierDurable, "delete").Inc()
			logger.Warn("durable tier delete failed", zap.Error(err))
		}
		return models.WeatherRecord{}, false
	}
	var rec models.WeatherRecord
	if err := json.Unmarshal([]byte(e.Data), &rec); err != nil {
		observability.CacheErrorsTotal.WithLabelValues(tierDurable, "decode").Inc()
		logger.Warn("discarding undecodable durable entry", zap.Error(err))
		return models.WeatherRecord{}, false
	}
	observability.CacheHitsTotal.WithLabelValues(tierDurable).Inc()
	logger.Debug("cache hit", zap.String("tier", tierDurable))
	return rec, true
}

// Set writes rec under city's key to both tiers, stamped with the current time.
// Failures are logged and never returned. A failed durable write is counted
// and reported through Stats until the next successful one.
func (o *Orchestrator) Set(ctx context.Context, city string, rec models.WeatherRecord) {
	key := NormalizeKey(city)
	logger := observability.LoggerFrom(ctx, o.logger).With(zap.String("cache_key", key))

	data, err := json.Marshal(rec)
	if err != nil {
		logger.Error("encode weather record", zap.Error(err))
		return
	}
	writtenAt := o.now().UnixMilli()

	if o.fast.IsReachable() {
		if tier := o.fast.Tier(); tier != nil {
			if err := tier.Set(ctx, key, Entry{Data: data, Timestamp: writtenAt}, o.fastExpiry()); err != nil {
				o.fastError("set", err, logger)
			}
		}
	}

	err = o.durable.Upsert(ctx, store.CacheEntry{City: key, Data: string(data), Timestamp: writtenAt})
	if err != nil {
		o.durableWriteFailures.Add(1)
		o.lastDurableWriteFailed.Store(true)
		observability.DurableWriteFailuresTotal.Inc()
		observability.CacheErrorsTotal.WithLabelValues(tierDurable, "set").Inc()
		logger.Error("durable tier write failed", zap.Error(err))
		return
	}
	o.lastDurableWriteFailed.Store(false)
}

func (o *Orchestrator) fastError(op string, err error, logger *zap.Logger) {
	observability.CacheErrorsTotal.WithLabelValues(tierFast, op).Inc()
	logger.Warn("fast tier operation failed", zap.String("op", op), zap.Error(err))
	o.fast.reportError(err)
}

// Sweep deletes every durable row whose age is at least the TTL and returns
// the number removed. The fast tier expires entries natively.
func (o *Orchestrator) Sweep(ctx context.Context) (int64, error) {
	cutoff := o.now().UnixMilli() - o.ttl.Milliseconds()
	n, err := o.durable.DeleteWrittenAtOrBefore(ctx, cutoff)
	if err != nil {
		observability.CacheSweepRunsTotal.WithLabelValues("error").Inc()
		o.logger.Error("cache sweep failed", zap.Error(err))
		return 0, err
	}
	observability.CacheSweepRunsTotal.WithLabelValues("ok").Inc()
	observability.CacheSweepDeletedTotal.Add(float64(n))
	if n > 0 {
		o.logger.Info("cleaned expired cache entries", zap.Int64("deleted", n))
	}
	return n, nil
}

// RefreshFastTier probes the fast tier so a lost connection can recover.
// It is a no-op when the fast tier is disabled.
func (o *Orchestrator) RefreshFastTier(ctx context.Context) error {
	return o.fast.Probe(ctx)
}

// Stats counts durable entries by freshness and reports tier state. A failed
// read leaves the counts at zero.
func (o *Orchestrator) Stats(ctx context.Context) Stats {
	s := Stats{
		FastTierConnected:      o.fast.IsReachable(),
		FastTierBackend:        o.fast.Backend(),
		DurableEnabled:         o.durable != nil,
		DurableWriteFailures:   o.durableWriteFailures.Load(),
		LastDurableWriteFailed: o.lastDurableWriteFailed.Load(),
	}
	entries, err := o.durable.All(ctx)
	if err != nil {
		observability.CacheErrorsTotal.WithLabelValues(tierDurable, "stats").Inc()
		o.logger.Warn("read cache stats", zap.Error(err))
		return s
	}
	now := o.now()
	for _, e := range entries {
		s.TotalEntries++
		if o.fresh(e.Timestamp, now) {
			s.ValidEntries++
		} else {
			s.ExpiredEntries++
		}
	}
	return s
}

// Close releases the fast tier connection.
func (o *Orchestrator) Close() error {
	return o.fast.Close()
}
