//go:build integration
// +build integration

package testhelpers

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/kjstillabower/weather-proxy-service/internal/cache"
	"github.com/kjstillabower/weather-proxy-service/internal/client"
	"github.com/kjstillabower/weather-proxy-service/internal/observability"
	"github.com/kjstillabower/weather-proxy-service/internal/service"
	"github.com/kjstillabower/weather-proxy-service/internal/store"
)

// IntegrationTestConfig holds configuration for integration tests.
type IntegrationTestConfig struct {
	APIKey          string
	APIURL          string
	FastTierBackend string // "", "redis", "memcached" or "memory"
	RedisURL        string
	MemcachedAddr   string
}

// GetIntegrationConfig loads integration test configuration from environment.
// Skips test if WEATHER_API_KEY is not set.
func GetIntegrationConfig(t *testing.T) IntegrationTestConfig {
	apiKey := os.Getenv("WEATHER_API_KEY")
	if apiKey == "" {
		t.Skip("WEATHER_API_KEY not set, skipping integration test")
	}

	apiURL := os.Getenv("WEATHER_API_URL")
	if apiURL == "" {
		apiURL = "https://api.openweathermap.org/data/2.5/weather"
	}

	redisURL := os.Getenv("REDIS_URL")
	if redisURL == "" {
		redisURL = "redis://localhost:6379"
	}
	memcachedAddr := os.Getenv("MEMCACHED_ADDRS")
	if memcachedAddr == "" {
		memcachedAddr = "localhost:11211"
	}

	return IntegrationTestConfig{
		APIKey:          apiKey,
		APIURL:          apiURL,
		FastTierBackend: os.Getenv("INTEGRATION_FAST_TIER"),
		RedisURL:        redisURL,
		MemcachedAddr:   memcachedAddr,
	}
}

// Stack is the wired lookup path used by integration tests.
type Stack struct {
	Service      *service.WeatherService
	Orchestrator *cache.Orchestrator
	Store        *store.Store
}

// SetupIntegrationStack wires a real client, an in-memory sqlite durable tier and,
// when configured and reachable, a fast tier. Everything is closed on test cleanup.
func SetupIntegrationStack(t *testing.T, cfg IntegrationTestConfig) *Stack {
	t.Helper()
	logger, err := observability.NewLogger()
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}

	weatherClient := SetupIntegrationClient(t, cfg)

	dsn := "file:it_" + strings.NewReplacer("/", "_", " ", "_").Replace(t.Name()) + "?mode=memory&cache=shared"
	st, err := store.Open(store.DriverSQLite, dsn, logger)
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}

	var fast *cache.Handle
	if cfg.FastTierBackend != "" {
		fast = cache.NewHandle(cfg.FastTierBackend, func(ctx context.Context) (cache.FastTier, error) {
			switch cfg.FastTierBackend {
			case "memcached":
				return cache.NewMemcachedTier(cfg.MemcachedAddr, 500*time.Millisecond, 2), nil
			case "memory":
				return cache.NewMemoryTier(), nil
			default:
				return cache.NewRedisTier(cfg.RedisURL, 2*time.Second)
			}
		}, logger)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := fast.Probe(ctx); err != nil {
			t.Logf("fast tier %s not available (%v), using durable tier only", cfg.FastTierBackend, err)
		}
		cancel()
	}

	orch := cache.NewOrchestrator(fast, st, 5*time.Minute, logger)
	t.Cleanup(func() {
		_ = orch.Close()
		_ = st.Close()
	})

	return &Stack{
		Service:      service.NewWeatherService(weatherClient, orch, logger, true, 0),
		Orchestrator: orch,
		Store:        st,
	}
}

// SetupIntegrationClient creates a weather client for integration tests.
func SetupIntegrationClient(t *testing.T, cfg IntegrationTestConfig) client.WeatherClient {
	t.Helper()
	c, err := client.NewOpenWeatherClient(cfg.APIKey, cfg.APIURL, "es", 5*time.Second)
	if err != nil {
		t.Fatalf("NewOpenWeatherClient() error = %v", err)
	}
	return c
}
