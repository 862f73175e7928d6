package http

import (
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/kjstillabower/weather-proxy-service/internal/observability"
)

// NewRouter wires the public routes and middleware. Unmatched paths and
// methods get the JSON 404 through the same middleware chain.
func NewRouter(h *Handler, logger *zap.Logger, drain *Drain) *mux.Router {
	middleware := []mux.MiddlewareFunc{
		CorrelationIDMiddleware(logger),
		MetricsMiddleware(drain),
		RequestLoggingMiddleware(logger),
	}

	router := mux.NewRouter()
	router.Use(middleware...)
	router.HandleFunc("/health", h.GetHealth).Methods(http.MethodGet)
	router.Handle("/metrics", observability.MetricsHandler()).Methods(http.MethodGet)
	router.HandleFunc("/weather/{city}", h.GetWeather).Methods(http.MethodGet)
	router.HandleFunc("/weather", h.GetWeatherBatch).Methods(http.MethodGet)

	var notFound http.Handler = http.HandlerFunc(h.NotFound)
	for i := len(middleware) - 1; i >= 0; i-- {
		notFound = middleware[i](notFound)
	}
	router.NotFoundHandler = notFound
	router.MethodNotAllowedHandler = notFound
	return router
}
