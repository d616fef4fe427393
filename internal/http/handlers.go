// Package http exposes the ops surface: health, status, the cached
// weather snapshot, and Prometheus metrics.
package http

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/ycchou/chatrelay/internal/lifecycle"
	"github.com/ycchou/chatrelay/internal/models"
	"github.com/ycchou/chatrelay/internal/observability"
)

// StorePinger checks KV store reachability.
type StorePinger interface {
	Ping() error
}

// WeatherReader is the read-only slice of the weather cache the ops
// endpoints use. Neither call triggers an upstream fetch.
type WeatherReader interface {
	Cached() (models.WeatherSnapshot, bool)
	Subscribers() []string
}

// Handler holds dependencies for the ops endpoints.
type Handler struct {
	store   StorePinger
	weather WeatherReader
	logger  *zap.Logger
	started time.Time

	healthStatusMu   sync.Mutex
	healthStatusPrev string
}

// NewHandler returns a new Handler.
func NewHandler(store StorePinger, weather WeatherReader, started time.Time, logger *zap.Logger) *Handler {
	return &Handler{
		store:   store,
		weather: weather,
		logger:  logger,
		started: started,
	}
}

// NewRouter builds the ops router with correlation and metrics
// middleware applied to every route.
func NewRouter(h *Handler, logger *zap.Logger) *mux.Router {
	r := mux.NewRouter()
	r.Use(CorrelationIDMiddleware(logger))
	r.Use(MetricsMiddleware)

	r.HandleFunc("/health", h.GetHealth).Methods(http.MethodGet)
	r.HandleFunc("/status", h.GetStatus).Methods(http.MethodGet)
	r.HandleFunc("/weather/current", h.GetCurrentWeather).Methods(http.MethodGet)
	r.Handle("/metrics", observability.MetricsHandler()).Methods(http.MethodGet)
	return r
}

// healthResult holds the computed health status, the dependency probes
// it was derived from, and metadata for logging.
type healthResult struct {
	status     string
	statusCode int
	reason     string

	gatewayUp bool
	storeUp   bool
}

// GetHealth handles GET /health. Reading health never mutates anything;
// only the transition log line carries state.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	result := h.computeHealthStatus()

	h.healthStatusMu.Lock()
	prev := h.healthStatusPrev
	if prev != "" && prev != result.status {
		h.logger.Info("health status transition",
			zap.String("previousStatus", prev),
			zap.String("currentStatus", result.status),
			zap.String("reason", result.reason))
	}
	h.healthStatusPrev = result.status
	h.healthStatusMu.Unlock()

	checks := map[string]string{
		"gateway": checkWord(result.gatewayUp),
		"store":   checkWord(result.storeUp),
	}
	resp := map[string]interface{}{
		"status":    result.status,
		"service":   "chatrelay",
		"version":   "dev",
		"checks":    checks,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(result.statusCode)
	_ = json.NewEncoder(w).Encode(resp)
}

// computeHealthStatus probes each dependency once and evaluates them in
// priority order: shutting-down > store unreachable > gateway
// disconnected > healthy. The checks map is built from the same probes,
// so status and checks always agree within one response.
func (h *Handler) computeHealthStatus() healthResult {
	result := healthResult{
		gatewayUp: lifecycle.IsGatewayConnected(),
		storeUp:   h.store.Ping() == nil,
	}
	switch {
	case lifecycle.IsShuttingDown():
		result.status, result.statusCode, result.reason = "shutting-down", http.StatusServiceUnavailable, "signal"
	case !result.storeUp:
		result.status, result.statusCode, result.reason = "degraded", http.StatusServiceUnavailable, "store_unreachable"
	case !result.gatewayUp:
		result.status, result.statusCode, result.reason = "degraded", http.StatusServiceUnavailable, "gateway_disconnected"
	default:
		result.status, result.statusCode = "healthy", http.StatusOK
	}
	return result
}

// GetStatus handles GET /status with a runtime snapshot. The handler is
// read-only and safe to poll.
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	snap, cached := h.weather.Cached()
	resp := map[string]interface{}{
		"gatewayConnected": lifecycle.IsGatewayConnected(),
		"shuttingDown":     lifecycle.IsShuttingDown(),
		"subscriberCount":  len(h.weather.Subscribers()),
		"weatherCached":    cached,
		"uptimeSeconds":    int(time.Since(h.started).Seconds()),
	}
	if cached {
		resp["weatherUpdatedAt"] = snap.Timestamp
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetCurrentWeather handles GET /weather/current from the in-memory
// snapshot only. Before the first fetch it reports 404 rather than
// reaching upstream.
func (h *Handler) GetCurrentWeather(w http.ResponseWriter, r *http.Request) {
	snap, ok := h.weather.Cached()
	if !ok {
		writeError(w, r, http.StatusNotFound, "NO_SNAPSHOT", "no weather snapshot cached yet")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func checkWord(healthy bool) string {
	if healthy {
		return "healthy"
	}
	return "unhealthy"
}

// writeJSON writes a JSON response with the specified HTTP status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes an error response in the standard error format with
// code, message, and requestId if available in the request context.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	corrID := ""
	if v := r.Context().Value(correlationIDKey); v != nil {
		corrID, _ = v.(string)
	}
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{
			"code":      code,
			"message":   message,
			"requestId": corrID,
		},
	})
}
