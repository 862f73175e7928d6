package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/kjstillabower/weather-proxy-service/internal/cache"
	"github.com/kjstillabower/weather-proxy-service/internal/client"
	"github.com/kjstillabower/weather-proxy-service/internal/lifecycle"
	"github.com/kjstillabower/weather-proxy-service/internal/models"
	"github.com/kjstillabower/weather-proxy-service/internal/observability"
	"github.com/kjstillabower/weather-proxy-service/internal/traffic"
	"github.com/kjstillabower/weather-proxy-service/internal/validation"
)

// Health status values.
const (
	StatusHealthy      = "healthy"
	StatusDegraded     = "degraded"
	StatusShuttingDown = "shutting-down"
)

// AvailableEndpoints is listed in the 404 body for unmatched routes.
var AvailableEndpoints = []string{
	"GET /health",
	"GET /weather/:city",
	"GET /weather?cities=city1,city2,city3",
}

// WeatherLookup is the lookup pipeline. *service.WeatherService implements it.
type WeatherLookup interface {
	LookupOne(ctx context.Context, city string) (models.WeatherRecord, error)
	LookupMany(ctx context.Context, cities []string) map[string]models.LookupResult
}

// CacheStatus reports cache state for /health. *cache.Orchestrator implements it.
type CacheStatus interface {
	Stats(ctx context.Context) cache.Stats
	RefreshFastTier(ctx context.Context) error
}

// HandlerConfig holds request limits and health thresholds.
type HandlerConfig struct {
	Version          string
	MaxCityLength    int
	MaxBatchSize     int
	DegradedWindow   time.Duration
	DegradedErrorPct int
	// FastTierProbeTimeout bounds the fast-tier ping done by /health.
	FastTierProbeTimeout time.Duration
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	lookups   WeatherLookup
	cache     CacheStatus
	traffic   *traffic.Tracker
	lifecycle *lifecycle.State
	cfg       HandlerConfig
	logger    *zap.Logger

	healthStatusMu   sync.Mutex
	healthStatusPrev string
}

// NewHandler returns a new Handler.
func NewHandler(
	lookups WeatherLookup,
	cacheStatus CacheStatus,
	tracker *traffic.Tracker,
	state *lifecycle.State,
	cfg HandlerConfig,
	logger *zap.Logger,
) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if tracker == nil {
		tracker = traffic.NewTracker(cfg.DegradedWindow)
	}
	if state == nil {
		state = lifecycle.New()
	}
	if cfg.FastTierProbeTimeout <= 0 {
		cfg.FastTierProbeTimeout = time.Second
	}
	return &Handler{
		lookups:   lookups,
		cache:     cacheStatus,
		traffic:   tracker,
		lifecycle: state,
		cfg:       cfg,
		logger:    logger,
	}
}

type weatherResponse struct {
	Success bool                 `json:"success"`
	Data    models.WeatherRecord `json:"data"`
}

type batchResponse struct {
	Success bool                           `json:"success"`
	Count   int                            `json:"count"`
	Data    map[string]models.LookupResult `json:"data"`
}

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	City    string `json:"city,omitempty"`
}

// GetWeather handles GET /weather/{city}.
func (h *Handler) GetWeather(w http.ResponseWriter, r *http.Request) {
	raw := mux.Vars(r)["city"]
	city, err := validation.ValidateCity(raw, h.cfg.MaxCityLength)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error(), City: raw})
		return
	}

	rec, err := h.lookups.LookupOne(r.Context(), city)
	h.recordOutcome(err)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, client.ErrNotFound) {
			status = http.StatusNotFound
		}
		observability.LoggerFrom(r.Context(), h.logger).Debug("weather request failed",
			zap.String("city", city),
			zap.Int("status", status),
			zap.Error(err),
		)
		writeJSON(w, status, errorResponse{Error: err.Error(), City: city})
		return
	}
	writeJSON(w, http.StatusOK, weatherResponse{Success: true, Data: rec})
}

// GetWeatherBatch handles GET /weather?cities=a,b,c.
func (h *Handler) GetWeatherBatch(w http.ResponseWriter, r *http.Request) {
	values := r.URL.Query()["cities"]
	raw := ""
	if len(values) == 1 {
		raw = values[0]
	}
	cities, err := validation.ParseCities(raw, h.cfg.MaxBatchSize, h.cfg.MaxCityLength)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	results := h.lookups.LookupMany(r.Context(), cities)
	for _, res := range results {
		h.recordOutcome(res.Err)
	}
	writeJSON(w, http.StatusOK, batchResponse{Success: true, Count: len(cities), Data: results})
}

// recordOutcome feeds the health error rate. An unknown city is the caller's
// mistake, not a service failure.
func (h *Handler) recordOutcome(err error) {
	if err == nil || errors.Is(err, client.ErrNotFound) {
		h.traffic.RecordSuccess()
		return
	}
	h.traffic.RecordError()
}

type healthCache struct {
	IsFastTierConnected  bool   `json:"isFastTierConnected"`
	FastTierBackend      string `json:"fastTierBackend"`
	IsDurableEnabled     bool   `json:"isDurableEnabled"`
	TotalEntries         int    `json:"total_entries"`
	ValidEntries         int    `json:"valid_entries"`
	ExpiredEntries       int    `json:"expired_entries"`
	DurableWriteFailures int64  `json:"durable_write_failures"`
}

type healthResponse struct {
	Status    string      `json:"status"`
	Service   string      `json:"service"`
	Version   string      `json:"version"`
	Timestamp string      `json:"timestamp"`
	Uptime    float64     `json:"uptime"`
	Cache     healthCache `json:"cache"`
}

// GetHealth handles GET /health. It always answers 200; the status field
// carries the verdict.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	probeCtx, cancel := context.WithTimeout(ctx, h.cfg.FastTierProbeTimeout)
	_ = h.cache.RefreshFastTier(probeCtx)
	cancel()

	stats := h.cache.Stats(ctx)
	status, reason := h.computeHealthStatus(stats)

	h.healthStatusMu.Lock()
	prev := h.healthStatusPrev
	if prev != "" && prev != status {
		h.logger.Info("health status transition",
			zap.String("previous_status", prev),
			zap.String("current_status", status),
			zap.String("reason", reason))
	}
	h.healthStatusPrev = status
	h.healthStatusMu.Unlock()

	writeJSON(w, http.StatusOK, healthResponse{
		Status:    status,
		Service:   observability.ServiceName,
		Version:   h.cfg.Version,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Uptime:    h.lifecycle.Uptime().Seconds(),
		Cache: healthCache{
			IsFastTierConnected:  stats.FastTierConnected,
			FastTierBackend:      stats.FastTierBackend,
			IsDurableEnabled:     stats.DurableEnabled,
			TotalEntries:         stats.TotalEntries,
			ValidEntries:         stats.ValidEntries,
			ExpiredEntries:       stats.ExpiredEntries,
			DurableWriteFailures: stats.DurableWriteFailures,
		},
	})
}

// computeHealthStatus returns the status and the reason for it.
// Order: shutting-down > durable writes failing > error rate breach > healthy.
func (h *Handler) computeHealthStatus(stats cache.Stats) (string, string) {
	if h.lifecycle.IsShuttingDown() {
		return StatusShuttingDown, "signal"
	}
	if stats.LastDurableWriteFailed {
		return StatusDegraded, "durable_write_failing"
	}
	if h.cfg.DegradedWindow > 0 && h.cfg.DegradedErrorPct > 0 {
		errCount, total := h.traffic.ErrorRate(h.cfg.DegradedWindow)
		if total > 0 && float64(errCount)*100/float64(total) >= float64(h.cfg.DegradedErrorPct) {
			return StatusDegraded, "error_rate_breach"
		}
	}
	return StatusHealthy, ""
}

type notFoundResponse struct {
	Success            bool     `json:"success"`
	Error              string   `json:"error"`
	AvailableEndpoints []string `json:"available_endpoints"`
}

// NotFound answers unmatched routes and methods.
func (h *Handler) NotFound(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusNotFound, notFoundResponse{
		Error:              "Endpoint not found",
		AvailableEndpoints: AvailableEndpoints,
	})
}

// writeJSON writes v as JSON with the given status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
