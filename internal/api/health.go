package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/dyadlabs/dyad-server/internal/kvstore"
)

type HealthResponse struct {
	Status        string            `json:"status"`
	Version       string            `json:"version"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Checks        map[string]string `json:"checks"`
}

// DBHealth is the database liveness probe.
type DBHealth interface {
	HealthCheck(ctx context.Context) error
}

type HealthHandler struct {
	db        DBHealth
	kv        kvstore.Store
	version   string
	startTime time.Time
}

func NewHealthHandler(db DBHealth, kv kvstore.Store, version string, startTime time.Time) *HealthHandler {
	return &HealthHandler{
		db:        db,
		kv:        kv,
		version:   version,
		startTime: startTime,
	}
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)
	status := "healthy"
	httpStatus := http.StatusOK

	if err := h.db.HealthCheck(r.Context()); err != nil {
		checks["database"] = "error"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	} else {
		checks["database"] = "ok"
	}

	// A missing probe key still proves the KV store answered.
	if _, err := h.kv.Get(r.Context(), "health:probe"); err != nil && !errors.Is(err, kvstore.ErrNotFound) {
		checks["kv"] = "error"
		if status == "healthy" {
			status = "degraded"
		}
	} else {
		checks["kv"] = "ok"
	}

	WriteJSON(w, httpStatus, HealthResponse{
		Status:        status,
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
		Checks:        checks,
	})
}
