package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// RegisterHealth registers the health endpoint with a database check.
func (h *Handler) RegisterHealth(r chi.Router) {
	r.Get("/api/health", h.Health)
}

// Health reports service and database status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.repo.Ping(r.Context()); err != nil {
		JSON(w, http.StatusServiceUnavailable, map[string]string{
			"status":   "degraded",
			"database": "unreachable",
		})
		return
	}
	JSON(w, http.StatusOK, map[string]string{
		"status":   "ok",
		"database": "connected",
	})
}
