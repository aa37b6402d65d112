package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/kjstillabower/clima-service/internal/apperror"
	"github.com/kjstillabower/clima-service/internal/client"
	"github.com/kjstillabower/clima-service/internal/lifecycle"
	"github.com/kjstillabower/clima-service/internal/models"
	"github.com/kjstillabower/clima-service/internal/observability"
	"github.com/kjstillabower/clima-service/internal/service"
	"github.com/kjstillabower/clima-service/internal/session"
	"github.com/kjstillabower/clima-service/internal/traffic"
	"github.com/kjstillabower/clima-service/internal/validation"
)

const (
	placeQueryMinLen = 2
	placeQueryMaxLen = 100
)

// HealthConfig holds thresholds and probes for the health handler.
type HealthConfig struct {
	// Window is the sliding window for refresh error rate and rate-limit denials.
	Window      time.Duration
	ErrorPct    int
	OverloadPct int
	// RateLimitRPS is 0 when the rate limiter is disabled; overload is then never reported.
	RateLimitRPS int
	// CachePing, when set, checks the cache backend is reachable.
	CachePing func() error
	Breakers  []*gobreaker.CircuitBreaker
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	sessions  *session.Manager
	places    client.LocationSearcher
	snapshots *service.SnapshotCache
	health    HealthConfig
	logger    *zap.Logger

	healthStatusMu   sync.Mutex
	healthStatusPrev string
}

// NewHandler returns a new Handler. places may be nil, in which case /places returns 503.
func NewHandler(
	sessions *session.Manager,
	places client.LocationSearcher,
	snapshots *service.SnapshotCache,
	health HealthConfig,
	logger *zap.Logger,
) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		sessions:  sessions,
		places:    places,
		snapshots: snapshots,
		health:    health,
		logger:    logger,
	}
}

// CreateSession handles POST /sessions.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	id, err := h.sessions.Create()
	if errors.Is(err, session.ErrLimitReached) {
		writeError(w, r, http.StatusServiceUnavailable, "SESSION_LIMIT", "Too many active sessions")
		return
	}
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

// DeleteSession handles DELETE /sessions/{id}.
func (h *Handler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.Delete(mux.Vars(r)["id"]); err != nil {
		writeError(w, r, http.StatusNotFound, "SESSION_NOT_FOUND", "Session not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetSession handles GET /sessions/{id}.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	orch, ok := h.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, orch.State())
}

// FetchCoordinates handles POST /sessions/{id}/fetch. The response is the session state
// after the fetch, which carries any fetch error itself.
func (h *Handler) FetchCoordinates(w http.ResponseWriter, r *http.Request) {
	orch, ok := h.session(w, r)
	if !ok {
		return
	}
	var req validation.CoordinatesRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := validation.Struct(req); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_COORDINATES", err.Error())
		return
	}
	orch.FetchByCoordinates(r.Context(), *req.Lat, *req.Lon)
	writeJSON(w, http.StatusOK, orch.State())
}

// FetchPlace handles POST /sessions/{id}/place with a Location body, usually one returned
// by /places.
func (h *Handler) FetchPlace(w http.ResponseWriter, r *http.Request) {
	orch, ok := h.session(w, r)
	if !ok {
		return
	}
	loc, ok := decodeLocation(w, r)
	if !ok {
		return
	}
	if places, err := h.sessions.Places(mux.Vars(r)["id"]); err == nil {
		places.AddRecent(loc)
	}
	orch.FetchByPlace(r.Context(), loc)
	writeJSON(w, http.StatusOK, orch.State())
}

// Favorites handles GET /sessions/{id}/favorites.
func (h *Handler) Favorites(w http.ResponseWriter, r *http.Request) {
	places, ok := h.savedPlaces(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"favorites": places.Favorites()})
}

// AddFavorite handles POST /sessions/{id}/favorites. Adding a place already saved is a no-op.
func (h *Handler) AddFavorite(w http.ResponseWriter, r *http.Request) {
	places, ok := h.savedPlaces(w, r)
	if !ok {
		return
	}
	loc, ok := decodeLocation(w, r)
	if !ok {
		return
	}
	places.AddFavorite(loc)
	writeJSON(w, http.StatusOK, map[string]interface{}{"favorites": places.Favorites()})
}

// RemoveFavorite handles DELETE /sessions/{id}/favorites with the place as the body.
func (h *Handler) RemoveFavorite(w http.ResponseWriter, r *http.Request) {
	places, ok := h.savedPlaces(w, r)
	if !ok {
		return
	}
	loc, ok := decodeLocation(w, r)
	if !ok {
		return
	}
	if !places.RemoveFavorite(loc) {
		writeError(w, r, http.StatusNotFound, "FAVORITE_NOT_FOUND", "Place is not a favorite")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"favorites": places.Favorites()})
}

// Recents handles GET /sessions/{id}/recents.
func (h *Handler) Recents(w http.ResponseWriter, r *http.Request) {
	places, ok := h.savedPlaces(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"recents": places.Recents()})
}

// Refresh handles POST /sessions/{id}/refresh.
func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	orch, ok := h.session(w, r)
	if !ok {
		return
	}
	if err := orch.Refresh(r.Context()); err != nil {
		if errors.Is(err, apperror.ErrNoCurrentLocation) {
			writeError(w, r, http.StatusConflict, "NO_CURRENT_LOCATION", "Nothing has been fetched in this session yet")
			return
		}
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, orch.State())
}

// ClearError handles DELETE /sessions/{id}/error.
func (h *Handler) ClearError(w http.ResponseWriter, r *http.Request) {
	orch, ok := h.session(w, r)
	if !ok {
		return
	}
	orch.ClearError()
	writeJSON(w, http.StatusOK, orch.State())
}

// Reset handles POST /sessions/{id}/reset.
func (h *Handler) Reset(w http.ResponseWriter, r *http.Request) {
	orch, ok := h.session(w, r)
	if !ok {
		return
	}
	orch.Reset()
	writeJSON(w, http.StatusOK, orch.State())
}

// SearchPlaces handles GET /places?q=.
func (h *Handler) SearchPlaces(w http.ResponseWriter, r *http.Request) {
	query, err := validation.PlaceQuery(r.URL.Query().Get("q"), placeQueryMinLen, placeQueryMaxLen)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_QUERY", err.Error())
		return
	}
	if h.places == nil {
		writeError(w, r, http.StatusServiceUnavailable, "UPSTREAM_UNAVAILABLE", "Place search is not configured")
		return
	}
	locations, err := h.places.SearchLocations(r.Context(), query)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"results": locations})
}

// CacheStats handles GET /cache/stats.
func (h *Handler) CacheStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.snapshots.Stats(r.Context()))
}

// CacheCleanup handles POST /cache/cleanup.
func (h *Handler) CacheCleanup(w http.ResponseWriter, r *http.Request) {
	removed := h.snapshots.Cleanup(r.Context())
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

// ClearCache handles DELETE /cache. Session state is left untouched.
func (h *Handler) ClearCache(w http.ResponseWriter, r *http.Request) {
	if err := h.snapshots.Clear(r.Context()); err != nil {
		writeServiceError(w, r, err)
		return
	}
	observability.LoggerFromContext(r.Context(), h.logger).Info("snapshot cache cleared")
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) session(w http.ResponseWriter, r *http.Request) (*service.Orchestrator, bool) {
	orch, err := h.sessions.Get(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, http.StatusNotFound, "SESSION_NOT_FOUND", "Session not found")
		return nil, false
	}
	return orch, true
}

func (h *Handler) savedPlaces(w http.ResponseWriter, r *http.Request) (*session.Places, bool) {
	places, err := h.sessions.Places(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, http.StatusNotFound, "SESSION_NOT_FOUND", "Session not found")
		return nil, false
	}
	return places, true
}

func decodeLocation(w http.ResponseWriter, r *http.Request) (models.Location, bool) {
	var loc models.Location
	if !decodeBody(w, r, &loc) {
		return loc, false
	}
	if err := validation.Struct(loc); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_LOCATION", err.Error())
		return loc, false
	}
	return loc, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	if err := dec.Decode(v); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_BODY", "Request body must be valid JSON")
		return false
	}
	return true
}

// healthResult holds the computed health status and metadata for logging.
type healthResult struct {
	status     string
	statusCode int
	reason     string
}

// GetHealth handles GET /health.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	result, checks := h.computeHealthStatus()

	h.healthStatusMu.Lock()
	prev := h.healthStatusPrev
	if prev != "" && prev != result.status {
		h.logger.Info("health status transition",
			zap.String("previous_status", prev),
			zap.String("current_status", result.status),
			zap.String("reason", result.reason))
	}
	h.healthStatusPrev = result.status
	h.healthStatusMu.Unlock()

	writeJSON(w, result.statusCode, map[string]interface{}{
		"status":    result.status,
		"service":   "clima-service",
		"checks":    checks,
		"uptime":    lifecycle.Uptime().Round(time.Second).String(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// computeHealthStatus evaluates conditions in priority order:
// lifecycle > cache unreachable > overloaded > breaker open > refresh error rate > healthy.
func (h *Handler) computeHealthStatus() (healthResult, map[string]string) {
	checks := make(map[string]string)

	var cacheErr error
	if h.health.CachePing != nil {
		cacheErr = h.health.CachePing()
		checks["cache"] = healthWord(cacheErr == nil)
	}
	anyOpen := false
	for _, cb := range h.health.Breakers {
		state := cb.State()
		checks["breaker:"+cb.Name()] = state.String()
		if state == gobreaker.StateOpen {
			anyOpen = true
		}
	}
	breach := false
	if h.health.Window > 0 && h.health.ErrorPct > 0 {
		errs, total := traffic.ErrorRate(h.health.Window)
		breach = total > 0 && errs*100 >= h.health.ErrorPct*total
		checks["refreshes"] = healthWord(!breach)
	}

	switch phase := lifecycle.CurrentPhase(); phase {
	case lifecycle.Draining, lifecycle.Starting:
		return healthResult{phase.String(), http.StatusServiceUnavailable, "lifecycle"}, checks
	}
	if cacheErr != nil {
		return healthResult{"degraded", http.StatusServiceUnavailable, "cache_unreachable"}, checks
	}
	if h.health.RateLimitRPS > 0 && h.health.Window > 0 && h.health.OverloadPct > 0 {
		threshold := float64(h.health.RateLimitRPS) * h.health.Window.Seconds() * float64(h.health.OverloadPct) / 100
		if float64(traffic.DenialCount(h.health.Window)) > threshold {
			return healthResult{"overloaded", http.StatusServiceUnavailable, "overload_threshold"}, checks
		}
	}
	if anyOpen {
		return healthResult{"degraded", http.StatusServiceUnavailable, "circuit_open"}, checks
	}
	if breach {
		return healthResult{"degraded", http.StatusServiceUnavailable, "error_rate_breach"}, checks
	}
	return healthResult{"healthy", http.StatusOK, ""}, checks
}

func healthWord(ok bool) string {
	if ok {
		return "healthy"
	}
	return "unhealthy"
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes {"error":{code,message,requestId}}.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{
			"code":      code,
			"message":   message,
			"requestId": observability.CorrelationID(r.Context()),
		},
	})
}

// writeServiceError maps an error kind to a response and logs the underlying error at debug.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch apperror.KindOf(err) {
	case apperror.KindNetwork, apperror.KindParse:
		writeError(w, r, http.StatusServiceUnavailable, "UPSTREAM_UNAVAILABLE", "Unable to reach the data provider")
	case apperror.KindStorage:
		writeError(w, r, http.StatusServiceUnavailable, "CACHE_UNAVAILABLE", "Snapshot cache is unavailable")
	case apperror.KindNotFound:
		writeError(w, r, http.StatusNotFound, "NOT_FOUND", "No data for the requested location")
	default:
		writeError(w, r, http.StatusInternalServerError, "INTERNAL", "Internal error")
	}
	observability.LoggerFromContext(r.Context(), zap.NewNop()).Debug("request failed", zap.Error(err))
}
