package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kjstillabower/weather-proxy-service/internal/models"
	"github.com/kjstillabower/weather-proxy-service/internal/observability"
)

// Fetcher is implemented by the service layer. A successful lookup leaves the
// record cached, which is all warming needs.
type Fetcher interface {
	LookupOne(ctx context.Context, city string) (models.WeatherRecord, error)
}

// Warmer prefetches a fixed list of cities so their first request is a hit.
type Warmer struct {
	fetcher Fetcher
	limit   int
	logger  *zap.Logger
}

// NewWarmer creates a Warmer that looks cities up through fetcher, at most
// limit at a time (limit <= 0 means all at once).
func NewWarmer(fetcher Fetcher, limit int, logger *zap.Logger) *Warmer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Warmer{fetcher: fetcher, limit: limit, logger: logger}
}

// Warm looks up every city concurrently and returns the joined per-city errors.
// Lookups detach from ctx once started, so ctx only stops cities that have not
// started yet; those are reported with ctx's error.
func (w *Warmer) Warm(ctx context.Context, cities []string) error {
	if len(cities) == 0 {
		return nil
	}
	start := time.Now()
	observability.CacheWarmingTotal.Inc()
	w.logger.Info("warming cache", zap.Int("cities", len(cities)))

	errs := make([]error, len(cities))
	var g errgroup.Group
	if w.limit > 0 {
		g.SetLimit(w.limit)
	}
	for i, city := range cities {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				errs[i] = fmt.Errorf("warm %s: %w", city, err)
				return nil
			}
			if _, err := w.fetcher.LookupOne(ctx, city); err != nil {
				errs[i] = fmt.Errorf("warm %s: %w", city, err)
			}
			return nil
		})
	}
	_ = g.Wait()

	err := errors.Join(errs...)
	failed := 0
	for _, e := range errs {
		if e != nil {
			failed++
		}
	}
	duration := time.Since(start).Seconds()
	observability.CacheWarmingDurationSeconds.Observe(duration)
	w.logger.Info("cache warming complete",
		zap.Int("cities", len(cities)),
		zap.Int("errors", failed),
		zap.Float64("duration_seconds", duration),
	)
	if err != nil {
		observability.CacheWarmingErrorsTotal.Inc()
	}
	return err
}
