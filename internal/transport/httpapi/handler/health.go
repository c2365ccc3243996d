package handler

import (
	"context"
	"net/http"
	"time"
)

// Pinger checks connectivity of one dependency
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler handles health check requests
type HealthHandler struct {
	db    Pinger
	cache Pinger
}

// NewHealthHandler creates a new health handler. cache may be nil when the
// service runs without the result cache.
func NewHealthHandler(db, cache Pinger) *HealthHandler {
	return &HealthHandler{
		db:    db,
		cache: cache,
	}
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
	Uptime string            `json:"uptime,omitempty"`
}

var startTime = time.Now()

// GetLiveness handles GET /health/live
func GetLiveness(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

// GetHealth handles GET /health
func GetHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, HealthResponse{
		Status: "ok",
		Uptime: time.Since(startTime).String(),
		Checks: map[string]string{},
	})
}

// GetReadiness handles GET /health/ready. The service is ready only when the
// database answers; the cache is optional capacity, not a readiness gate.
func (h *HealthHandler) GetReadiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.db.Ping(ctx); err != nil {
		respondError(w, http.StatusServiceUnavailable, "", "database not ready")
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// GetHealthDetailed handles GET /health/detailed
func (h *HealthHandler) GetHealthDetailed(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)
	status := "ok"

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.db.Ping(ctx); err != nil {
		checks["database"] = "unhealthy: " + err.Error()
		status = "degraded"
	} else {
		checks["database"] = "healthy"
	}

	if h.cache != nil {
		if err := h.cache.Ping(ctx); err != nil {
			checks["redis"] = "unhealthy: " + err.Error()
			if status == "ok" {
				status = "degraded"
			}
		} else {
			checks["redis"] = "healthy"
		}
	}

	httpStatus := http.StatusOK
	if status == "degraded" {
		httpStatus = http.StatusServiceUnavailable
	}

	respondJSON(w, httpStatus, HealthResponse{
		Status: status,
		Uptime: time.Since(startTime).String(),
		Checks: checks,
	})
}
