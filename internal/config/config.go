package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Fast-tier backends.
const (
	BackendRedis     = "redis"
	BackendMemcached = "memcached"
	BackendMemory    = "memory"
)

// Durable drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

const defaultWeatherAPIURL = "https://api.openweathermap.org/data/2.5/weather"

// Config holds service configuration loaded from YAML and env.
type Config struct {
	ServerPort string
	Version    string

	WeatherAPIKey     string
	WeatherAPIURL     string
	WeatherAPILang    string
	WeatherAPITimeout time.Duration

	CircuitBreakerEnabled          bool
	CircuitBreakerFailureThreshold int
	CircuitBreakerTimeout          time.Duration
	UpstreamRateLimitRPS           float64 // 0 disables outbound pacing
	UpstreamRateLimitBurst         int

	CacheTTL        time.Duration
	CoalesceEnabled bool

	FastTierEnabled        bool
	FastTierBackend        string
	FastTierConnectTimeout time.Duration
	FastTierProbeInterval  time.Duration
	RedisURL               string
	MemcachedAddrs         string
	MemcachedTimeout       time.Duration
	MemcachedMaxIdleConns  int

	DurableDriver string
	DurableDSN    string

	SweepInterval time.Duration

	MaxCityLength    int
	MaxBatchSize     int
	BatchConcurrency int

	DegradedWindow   time.Duration
	DegradedErrorPct int

	ShutdownTimeout               time.Duration
	ShutdownInFlightTimeout       time.Duration
	ShutdownInFlightCheckInterval time.Duration

	WarmCities   []string
	WarmInterval time.Duration
}

type fileConfig struct {
	Version string `yaml:"version"`

	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`

	WeatherAPI struct {
		URL     string `yaml:"url"`
		Lang    string `yaml:"lang"`
		Timeout string `yaml:"timeout"`
	} `yaml:"weather_api"`

	Reliability struct {
		CircuitBreakerEnabled          *bool   `yaml:"circuit_breaker_enabled"`
		CircuitBreakerFailureThreshold int     `yaml:"circuit_breaker_failure_threshold"`
		CircuitBreakerTimeout          string  `yaml:"circuit_breaker_timeout"`
		UpstreamRateLimitRPS           float64 `yaml:"upstream_rate_limit_rps"`
		UpstreamRateLimitBurst         int     `yaml:"upstream_rate_limit_burst"`
		CoalesceEnabled                bool    `yaml:"coalesce_enabled"`
	} `yaml:"reliability"`

	Cache struct {
		TTL      string `yaml:"ttl"`
		FastTier struct {
			Enabled        bool   `yaml:"enabled"`
			Backend        string `yaml:"backend"`
			ConnectTimeout string `yaml:"connect_timeout"`
			ProbeInterval  string `yaml:"probe_interval"`
			RedisURL       string `yaml:"redis_url"`
			Memcached      struct {
				Addrs        string `yaml:"addrs"`
				Timeout      string `yaml:"timeout"`
				MaxIdleConns int    `yaml:"max_idle_conns"`
			} `yaml:"memcached"`
		} `yaml:"fast_tier"`
		Durable struct {
			Driver string `yaml:"driver"`
			DSN    string `yaml:"dsn"`
		} `yaml:"durable"`
		SweepInterval string `yaml:"sweep_interval"`
	} `yaml:"cache"`

	Request struct {
		MaxCityLength    int `yaml:"max_city_length"`
		MaxBatchSize     int `yaml:"max_batch_size"`
		BatchConcurrency int `yaml:"batch_concurrency"`
	} `yaml:"request"`

	Health struct {
		DegradedWindow   string `yaml:"degraded_window"`
		DegradedErrorPct int    `yaml:"degraded_error_pct"`
	} `yaml:"health"`

	Shutdown struct {
		Timeout               string `yaml:"timeout"`
		InFlightTimeout       string `yaml:"in_flight_timeout"`
		InFlightCheckInterval string `yaml:"in_flight_check_interval"`
	} `yaml:"shutdown"`

	Warm struct {
		Cities   []string `yaml:"cities"`
		Interval string   `yaml:"interval"`
	} `yaml:"warm"`
}

type secretsFile struct {
	WeatherAPIKey string `yaml:"weather_api_key"`
}

// Load reads configuration relative to the working directory. Call from project root.
func Load() (*Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("config: get working directory: %w", err)
	}
	return LoadFrom(cwd)
}

// LoadFrom loads root/.env into the environment if present (existing variables
// win), then reads root/config/{ENV_NAME}.yaml (default dev) and
// root/config/secrets.yaml. Environment variables override file values.
func LoadFrom(root string) (*Config, error) {
	if err := godotenv.Load(filepath.Join(root, ".env")); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	env := os.Getenv("ENV_NAME")
	if env == "" {
		env = "dev"
	}
	configPath := filepath.Join(root, "config", env+".yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", configPath)
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg := &Config{}
	cfg.Version = firstNonEmpty(os.Getenv("SERVICE_VERSION"), fc.Version, "dev")
	cfg.ServerPort = firstNonEmpty(os.Getenv("PORT"), fc.Server.Port, "3000")

	cfg.WeatherAPIKey = firstNonEmpty(os.Getenv("WEATHER_API_KEY"), os.Getenv("OPENWEATHER_KEY"))
	if cfg.WeatherAPIKey == "" {
		key, err := readSecrets(filepath.Join(root, "config", "secrets.yaml"))
		if err != nil {
			return nil, err
		}
		cfg.WeatherAPIKey = key
	}
	if cfg.WeatherAPIKey == "" {
		return nil, fmt.Errorf("WEATHER_API_KEY required (set env, OPENWEATHER_KEY, or config/secrets.yaml weather_api_key)")
	}

	cfg.WeatherAPIURL = firstNonEmpty(fc.WeatherAPI.URL, defaultWeatherAPIURL)
	cfg.WeatherAPILang = firstNonEmpty(fc.WeatherAPI.Lang, "es")
	cfg.WeatherAPITimeout = parseDurationOrZero(fc.WeatherAPI.Timeout, 5*time.Second)

	cfg.CircuitBreakerEnabled = true
	if fc.Reliability.CircuitBreakerEnabled != nil {
		cfg.CircuitBreakerEnabled = *fc.Reliability.CircuitBreakerEnabled
	}
	cfg.CircuitBreakerFailureThreshold = positiveOr(fc.Reliability.CircuitBreakerFailureThreshold, 5)
	cfg.CircuitBreakerTimeout = parseDuration(fc.Reliability.CircuitBreakerTimeout, 30*time.Second)
	cfg.UpstreamRateLimitRPS = fc.Reliability.UpstreamRateLimitRPS
	cfg.UpstreamRateLimitBurst = positiveOr(fc.Reliability.UpstreamRateLimitBurst, 1)
	cfg.CoalesceEnabled = fc.Reliability.CoalesceEnabled

	cfg.CacheTTL = parseDurationOrZero(fc.Cache.TTL, 10*time.Minute)

	cfg.FastTierEnabled = fc.Cache.FastTier.Enabled
	if v, ok := lookupBool("FAST_TIER_ENABLED"); ok {
		cfg.FastTierEnabled = v
	}
	cfg.FastTierBackend = strings.ToLower(strings.TrimSpace(firstNonEmpty(os.Getenv("FAST_TIER_BACKEND"), fc.Cache.FastTier.Backend, BackendRedis)))
	// USE_REDIS is the historical switch for the redis fast tier.
	if v, ok := lookupBool("USE_REDIS"); ok && os.Getenv("FAST_TIER_ENABLED") == "" {
		cfg.FastTierEnabled = v
		if v {
			cfg.FastTierBackend = BackendRedis
		}
	}
	cfg.FastTierConnectTimeout = parseDuration(fc.Cache.FastTier.ConnectTimeout, 2*time.Second)
	cfg.FastTierProbeInterval = parseDuration(fc.Cache.FastTier.ProbeInterval, 30*time.Second)
	cfg.RedisURL = firstNonEmpty(os.Getenv("REDIS_URL"), fc.Cache.FastTier.RedisURL, "redis://localhost:6379")
	cfg.MemcachedAddrs = firstNonEmpty(strings.TrimSpace(os.Getenv("MEMCACHED_ADDRS")), strings.TrimSpace(fc.Cache.FastTier.Memcached.Addrs), "localhost:11211")
	cfg.MemcachedTimeout = parseDuration(fc.Cache.FastTier.Memcached.Timeout, 500*time.Millisecond)
	cfg.MemcachedMaxIdleConns = positiveOr(fc.Cache.FastTier.Memcached.MaxIdleConns, 2)

	cfg.DurableDriver = strings.ToLower(strings.TrimSpace(firstNonEmpty(os.Getenv("DURABLE_DRIVER"), fc.Cache.Durable.Driver, DriverSQLite)))
	cfg.DurableDSN = firstNonEmpty(os.Getenv("DURABLE_DSN"), os.Getenv("DB_FILE_NAME"), fc.Cache.Durable.DSN)
	if cfg.DurableDSN == "" && cfg.DurableDriver == DriverSQLite {
		cfg.DurableDSN = "weather_cache.db"
	}

	cfg.SweepInterval = parseDurationOrZero(fc.Cache.SweepInterval, 30*time.Minute)

	cfg.MaxCityLength = positiveOr(fc.Request.MaxCityLength, 100)
	cfg.MaxBatchSize = positiveOr(fc.Request.MaxBatchSize, 10)
	cfg.BatchConcurrency = fc.Request.BatchConcurrency

	cfg.DegradedWindow = parseDuration(fc.Health.DegradedWindow, 60*time.Second)
	cfg.DegradedErrorPct = positiveOr(fc.Health.DegradedErrorPct, 50)

	cfg.ShutdownTimeout = parseDuration(fc.Shutdown.Timeout, 30*time.Second)
	cfg.ShutdownInFlightTimeout = parseDuration(fc.Shutdown.InFlightTimeout, 10*time.Second)
	cfg.ShutdownInFlightCheckInterval = parseDuration(fc.Shutdown.InFlightCheckInterval, 100*time.Millisecond)

	cfg.WarmCities = fc.Warm.Cities
	cfg.WarmInterval = parseDurationOrZero(fc.Warm.Interval, 0)

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func readSecrets(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("read secrets file: %w", err)
	}
	var sec secretsFile
	if err := yaml.Unmarshal(data, &sec); err != nil {
		return "", fmt.Errorf("parse secrets file: %w", err)
	}
	return sec.WeatherAPIKey, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func positiveOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// lookupBool reads a boolean env var. ok is false when unset or unparsable.
func lookupBool(name string) (bool, bool) {
	raw, set := os.LookupEnv(name)
	if !set {
		return false, false
	}
	v, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return false, false
	}
	return v, true
}

// parseDuration parses a duration string and returns defaultVal if parsing fails or result is <= 0.
func parseDuration(s string, defaultVal time.Duration) time.Duration {
	d := parseDurationOrZero(s, defaultVal)
	if d <= 0 {
		return defaultVal
	}
	return d
}

// parseDurationOrZero parses a duration string, returning defaultVal on empty string or parse error.
// Zero or negative durations are returned as-is for validate to reject.
func parseDurationOrZero(s string, defaultVal time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultVal
	}
	return d
}

// validate performs post-load validation of configuration values.
func validate(cfg *Config) error {
	if cfg.WeatherAPITimeout <= 0 {
		return fmt.Errorf("weather_api.timeout must be positive")
	}
	if cfg.CacheTTL <= 0 {
		return fmt.Errorf("cache.ttl must be positive")
	}
	if cfg.SweepInterval <= 0 {
		return fmt.Errorf("cache.sweep_interval must be positive")
	}
	if cfg.WarmInterval < 0 {
		return fmt.Errorf("warm.interval must not be negative")
	}
	if cfg.UpstreamRateLimitRPS < 0 {
		return fmt.Errorf("reliability.upstream_rate_limit_rps must not be negative")
	}
	switch cfg.FastTierBackend {
	case BackendRedis, BackendMemcached, BackendMemory:
	default:
		return fmt.Errorf("cache.fast_tier.backend must be redis, memcached or memory, got %q", cfg.FastTierBackend)
	}
	switch cfg.DurableDriver {
	case DriverSQLite, DriverPostgres:
	default:
		return fmt.Errorf("cache.durable.driver must be sqlite or postgres, got %q", cfg.DurableDriver)
	}
	if cfg.DurableDSN == "" {
		return fmt.Errorf("cache.durable.dsn required for driver %q", cfg.DurableDriver)
	}
	return nil
}
