package service

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/kjstillabower/weather-proxy-service/internal/cache"
	"github.com/kjstillabower/weather-proxy-service/internal/client"
	"github.com/kjstillabower/weather-proxy-service/internal/models"
	"github.com/kjstillabower/weather-proxy-service/internal/observability"
)

// Cache is the two-tier cache as seen by the service. Get and Set never fail;
// tier errors are absorbed below this interface.
type Cache interface {
	Get(ctx context.Context, city string) (models.WeatherRecord, bool)
	Set(ctx context.Context, city string, rec models.WeatherRecord)
}

// WeatherService serves weather lookups cache-first, falling back to the
// upstream provider and caching successful results. Failures are never cached.
type WeatherService struct {
	client client.WeatherClient
	cache  Cache
	logger *zap.Logger

	misses           *missTracker
	group            *singleflight.Group // nil unless coalescing is enabled
	batchConcurrency int                 // 0 means one goroutine per city
}

// NewWeatherService creates a WeatherService. With coalesce set, concurrent
// misses for the same cache key share one upstream call. batchConcurrency caps
// parallel lookups within one batch (0 = unbounded).
func NewWeatherService(c client.WeatherClient, wc Cache, logger *zap.Logger, coalesce bool, batchConcurrency int) *WeatherService {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &WeatherService{
		client:           c,
		cache:            wc,
		logger:           logger,
		misses:           newMissTracker(),
		batchConcurrency: batchConcurrency,
	}
	if coalesce {
		s.group = &singleflight.Group{}
	}
	return s
}

// LookupOne returns the weather for city. A client disconnect does not abort
// an in-flight lookup; the upstream timeout still applies.
func (s *WeatherService) LookupOne(ctx context.Context, city string) (models.WeatherRecord, error) {
	observability.WeatherLookupsTotal.WithLabelValues("single").Inc()
	return s.lookup(context.WithoutCancel(ctx), city)
}

// LookupMany looks up every city concurrently and returns one result per
// distinct input string. A failing city never affects the others.
func (s *WeatherService) LookupMany(ctx context.Context, cities []string) map[string]models.LookupResult {
	observability.WeatherLookupsTotal.WithLabelValues("batch").Inc()
	observability.BatchSize.Observe(float64(len(cities)))
	ctx = context.WithoutCancel(ctx)

	unique := make([]string, 0, len(cities))
	seen := make(map[string]struct{}, len(cities))
	for _, c := range cities {
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		unique = append(unique, c)
	}

	results := make([]models.LookupResult, len(unique))
	var g errgroup.Group
	if s.batchConcurrency > 0 {
		g.SetLimit(s.batchConcurrency)
	}
	for i, city := range unique {
		g.Go(func() error {
			rec, err := s.lookup(ctx, city)
			results[i] = models.LookupResult{Record: rec, Err: err}
			return nil
		})
	}
	_ = g.Wait()

	out := make(map[string]models.LookupResult, len(unique))
	for i, city := range unique {
		out[city] = results[i]
	}
	return out
}

func (s *WeatherService) lookup(ctx context.Context, city string) (models.WeatherRecord, error) {
	start := time.Now()
	logger := observability.LoggerFrom(ctx, s.logger).With(zap.String("city", city))

	if rec, ok := s.cache.Get(ctx, city); ok {
		logger.Debug("weather served", zap.Bool("cached", true), zap.Duration("duration", time.Since(start)))
		return rec, nil
	}

	key := cache.NormalizeKey(city)
	observability.ConcurrentMisses.Observe(float64(s.misses.RecordMiss(key)))
	defer s.misses.RecordDone(key)

	rec, err := s.fetch(ctx, city, key)
	if err != nil {
		logger.Info("weather lookup failed",
			zap.String("error_category", string(client.CategorizeError(err))),
			zap.Error(err),
		)
		return models.WeatherRecord{}, err
	}
	logger.Debug("weather served", zap.Bool("cached", false), zap.Duration("duration", time.Since(start)))
	return rec, nil
}

// fetch calls upstream with the caller's spelling of city and caches a success.
// When coalescing, callers sharing a key receive the leader's result.
func (s *WeatherService) fetch(ctx context.Context, city, key string) (models.WeatherRecord, error) {
	fetchAndStore := func() (models.WeatherRecord, error) {
		rec, err := s.client.Fetch(ctx, city)
		if err != nil {
			return models.WeatherRecord{}, err
		}
		s.cache.Set(ctx, city, rec)
		return rec, nil
	}
	if s.group == nil {
		return fetchAndStore()
	}

	v, err, shared := s.group.Do(key, func() (any, error) {
		return fetchAndStore()
	})
	if shared {
		observability.CoalescedLookupsTotal.Inc()
	}
	if err != nil {
		return models.WeatherRecord{}, err
	}
	return v.(models.WeatherRecord), nil
}
