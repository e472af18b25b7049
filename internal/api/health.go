package api

import (
	"context"
	"net/http"
	"time"

	"github.com/ashureev/storefront-core/internal/metrics"
	"github.com/go-chi/chi/v5"
)

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler serves readiness and metrics.
type HealthHandler struct {
	*Handler
	db Pinger
}

// NewHealthHandler creates a health handler checking db.
func NewHealthHandler(base *Handler, db Pinger) *HealthHandler {
	return &HealthHandler{Handler: base, db: db}
}

// RegisterHealth registers readiness and metrics routes.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/api/health", h.Ready)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
}

// Ready reports storage reachability and the session status.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.db.Ping(ctx); err != nil {
		h.logger.Warn("health check failed", "error", err)
		JSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	JSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"session": h.sessions.Session().Status.String(),
	})
}
