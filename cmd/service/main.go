package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/weather-proxy-service/internal/cache"
	"github.com/kjstillabower/weather-proxy-service/internal/client"
	"github.com/kjstillabower/weather-proxy-service/internal/config"
	httphandler "github.com/kjstillabower/weather-proxy-service/internal/http"
	"github.com/kjstillabower/weather-proxy-service/internal/lifecycle"
	"github.com/kjstillabower/weather-proxy-service/internal/observability"
	"github.com/kjstillabower/weather-proxy-service/internal/scheduler"
	"github.com/kjstillabower/weather-proxy-service/internal/service"
	"github.com/kjstillabower/weather-proxy-service/internal/store"
	"github.com/kjstillabower/weather-proxy-service/internal/traffic"
)

func main() {
	logger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	state := lifecycle.New()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}

	weatherClient, err := client.NewOpenWeatherClient(cfg.WeatherAPIKey, cfg.WeatherAPIURL, cfg.WeatherAPILang, cfg.WeatherAPITimeout)
	if err != nil {
		logger.Fatal("weather client", zap.Error(err))
	}
	if cfg.CircuitBreakerEnabled {
		weatherClient.SetCircuitBreaker(client.NewCircuitBreaker(uint32(cfg.CircuitBreakerFailureThreshold), cfg.CircuitBreakerTimeout))
		logger.Info("circuit breaker enabled",
			zap.Int("failure_threshold", cfg.CircuitBreakerFailureThreshold),
			zap.Duration("timeout", cfg.CircuitBreakerTimeout))
	}
	if cfg.UpstreamRateLimitRPS > 0 {
		weatherClient.SetRateLimiter(rate.NewLimiter(rate.Limit(cfg.UpstreamRateLimitRPS), cfg.UpstreamRateLimitBurst))
		logger.Info("upstream rate limit enabled", zap.Float64("rps", cfg.UpstreamRateLimitRPS), zap.Int("burst", cfg.UpstreamRateLimitBurst))
	}
	validateCtx, validateCancel := context.WithTimeout(context.Background(), cfg.WeatherAPITimeout)
	if err := weatherClient.ValidateAPIKey(validateCtx); err != nil {
		logger.Warn("weather API key validation failed", zap.Error(err))
	}
	validateCancel()

	durable, err := store.Open(cfg.DurableDriver, cfg.DurableDSN, logger)
	if err != nil {
		logger.Fatal("durable store", zap.Error(err))
	}
	logger.Info("durable store ready", zap.String("driver", cfg.DurableDriver))

	var fast *cache.Handle
	if cfg.FastTierEnabled {
		fast = cache.NewHandle(cfg.FastTierBackend, fastTierDialer(cfg), logger)
		probeCtx, probeCancel := context.WithTimeout(context.Background(), cfg.FastTierConnectTimeout)
		if err := fast.Probe(probeCtx); err != nil {
			logger.Warn("fast tier unavailable at startup, continuing with durable store only",
				zap.String("backend", cfg.FastTierBackend), zap.Error(err))
		}
		probeCancel()
	}
	orchestrator := cache.NewOrchestrator(fast, durable, cfg.CacheTTL, logger)

	weatherService := service.NewWeatherService(weatherClient, orchestrator, logger, cfg.CoalesceEnabled, cfg.BatchConcurrency)

	if len(cfg.WarmCities) > 0 {
		warmer := cache.NewWarmer(weatherService, cfg.BatchConcurrency, logger)
		// The deadline stops cities not yet started; started lookups finish on their own timeout.
		warmCtx, warmCancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := warmer.Warm(warmCtx, cfg.WarmCities); err != nil {
			logger.Warn("cache warming failed", zap.Error(err))
		}
		warmCancel()
	}

	sched, err := newScheduler(cfg, orchestrator, weatherService, logger)
	if err != nil {
		logger.Fatal("scheduler", zap.Error(err))
	}
	sched.Start()

	tracker := traffic.NewTracker(cfg.DegradedWindow)
	handler := httphandler.NewHandler(weatherService, orchestrator, tracker, state, httphandler.HandlerConfig{
		Version:              cfg.Version,
		MaxCityLength:        cfg.MaxCityLength,
		MaxBatchSize:         cfg.MaxBatchSize,
		DegradedWindow:       cfg.DegradedWindow,
		DegradedErrorPct:     cfg.DegradedErrorPct,
		FastTierProbeTimeout: cfg.FastTierConnectTimeout,
	}, logger)
	drain := httphandler.NewDrain(observability.HTTPRequestsInFlight)
	router := httphandler.NewRouter(handler, logger, drain)

	srv := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.WeatherAPITimeout + 5*time.Second,
	}

	go func() {
		logger.Info("server starting",
			zap.String("addr", ":"+cfg.ServerPort),
			zap.Duration("cache_ttl", cfg.CacheTTL),
			zap.Bool("fast_tier_enabled", cfg.FastTierEnabled),
			zap.String("fast_tier_backend", fast.Backend()),
			zap.String("durable_driver", cfg.DurableDriver),
			zap.Strings("endpoints", httphandler.AvailableEndpoints),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	<-ctx.Done()
	stop()

	logger.Info("graceful shutdown triggered")
	state.SetShuttingDown(true)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}

	logger.Info("waiting for in-flight requests", zap.Int64("count", drain.Active()))
	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.ShutdownInFlightTimeout)
	defer waitCancel()
	if err := drain.Wait(waitCtx, cfg.ShutdownInFlightCheckInterval); err != nil {
		logger.Warn("in-flight requests not completed", zap.Error(err), zap.Int64("remaining", drain.Active()))
	}

	if err := sched.Stop(shutdownCtx); err != nil {
		logger.Warn("scheduler stop", zap.Error(err))
	}
	if err := orchestrator.Close(); err != nil {
		logger.Error("fast tier close", zap.Error(err))
	}
	if err := durable.Close(); err != nil {
		logger.Error("durable store close", zap.Error(err))
	}
	if err := observability.FlushTelemetry(context.Background(), logger); err != nil {
		logger.Error("telemetry flush", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

// fastTierDialer returns the lazy connector for the configured backend.
func fastTierDialer(cfg *config.Config) cache.Dialer {
	return func(ctx context.Context) (cache.FastTier, error) {
		switch cfg.FastTierBackend {
		case config.BackendMemcached:
			return cache.NewMemcachedTier(cfg.MemcachedAddrs, cfg.MemcachedTimeout, cfg.MemcachedMaxIdleConns), nil
		case config.BackendMemory:
			return cache.NewMemoryTier(), nil
		default:
			return cache.NewRedisTier(cfg.RedisURL, cfg.FastTierConnectTimeout)
		}
	}
}

// newScheduler registers the background jobs: durable sweep, fast-tier
// reconnect probe, and periodic cache warming.
func newScheduler(cfg *config.Config, orch *cache.Orchestrator, svc *service.WeatherService, logger *zap.Logger) (*scheduler.Scheduler, error) {
	s := scheduler.New(logger)
	if err := s.Add(scheduler.Job{
		Name:       "cache-sweep",
		Interval:   cfg.SweepInterval,
		RunAtStart: true,
		Timeout:    time.Minute,
		Run: func(ctx context.Context) error {
			_, err := orch.Sweep(ctx)
			return err
		},
	}); err != nil {
		return nil, err
	}
	if cfg.FastTierEnabled {
		if err := s.Add(scheduler.Job{
			Name:     "fast-tier-probe",
			Interval: cfg.FastTierProbeInterval,
			Timeout:  cfg.FastTierConnectTimeout,
			Run: func(ctx context.Context) error {
				// Failures are logged by the handle on state change.
				_ = orch.RefreshFastTier(ctx)
				return nil
			},
		}); err != nil {
			return nil, err
		}
	}
	if len(cfg.WarmCities) > 0 && cfg.WarmInterval > 0 {
		warmer := cache.NewWarmer(svc, cfg.BatchConcurrency, logger)
		if err := s.Add(scheduler.Job{
			Name:     "cache-warm",
			Interval: cfg.WarmInterval,
			Timeout:  time.Minute,
			Run: func(ctx context.Context) error {
				return warmer.Warm(ctx, cfg.WarmCities)
			},
		}); err != nil {
			return nil, err
		}
	}
	return s, nil
}
