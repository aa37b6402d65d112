package http

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/clima-service/internal/observability"
)

// RouterConfig holds the cross-cutting request settings.
type RouterConfig struct {
	RequestTimeout time.Duration
	// Limiter throttles API routes; nil disables rate limiting. /health and /metrics are exempt.
	Limiter *rate.Limiter
	Logger  *zap.Logger
}

// NewRouter wires the handler's routes and middleware.
func NewRouter(h *Handler, cfg RouterConfig) *mux.Router {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := mux.NewRouter()
	r.Use(CorrelationIDMiddleware(logger))
	r.Use(MetricsMiddleware)

	r.HandleFunc("/health", h.GetHealth).Methods(http.MethodGet)
	r.Handle("/metrics", observability.MetricsHandler()).Methods(http.MethodGet)

	api := r.PathPrefix("/").Subrouter()
	api.Use(RateLimitMiddleware(cfg.Limiter))
	api.Use(TimeoutMiddleware(cfg.RequestTimeout))

	api.HandleFunc("/sessions", h.CreateSession).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}", h.GetSession).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}", h.DeleteSession).Methods(http.MethodDelete)
	api.HandleFunc("/sessions/{id}/fetch", h.FetchCoordinates).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/place", h.FetchPlace).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/refresh", h.Refresh).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/error", h.ClearError).Methods(http.MethodDelete)
	api.HandleFunc("/sessions/{id}/reset", h.Reset).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/favorites", h.Favorites).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}/favorites", h.AddFavorite).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/favorites", h.RemoveFavorite).Methods(http.MethodDelete)
	api.HandleFunc("/sessions/{id}/recents", h.Recents).Methods(http.MethodGet)

	api.HandleFunc("/places", h.SearchPlaces).Methods(http.MethodGet)

	api.HandleFunc("/cache/stats", h.CacheStats).Methods(http.MethodGet)
	api.HandleFunc("/cache/cleanup", h.CacheCleanup).Methods(http.MethodPost)
	api.HandleFunc("/cache", h.ClearCache).Methods(http.MethodDelete)

	return r
}
