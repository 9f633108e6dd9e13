// Package api provides HTTP handlers for the study API.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ashureev/stancelab/internal/chat"
	"github.com/ashureev/stancelab/internal/domain"
	"github.com/ashureev/stancelab/internal/integrity"
	"github.com/ashureev/stancelab/internal/session"
	"github.com/ashureev/stancelab/internal/store"
)

// Handler serves the participant-facing study API.
type Handler struct {
	machine *session.Machine
	engine  *chat.Engine
	monitor *integrity.Monitor
	repo    store.Repository
}

// NewHandler creates a new Handler with its collaborators.
func NewHandler(machine *session.Machine, engine *chat.Engine, monitor *integrity.Monitor, repo store.Repository) *Handler {
	return &Handler{
		machine: machine,
		engine:  engine,
		monitor: monitor,
		repo:    repo,
	}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// DomainError maps the core error taxonomy onto HTTP statuses. Gate and
// termination conditions surface as structured statuses the frontend acts
// on; collaborator failures keep their recoverable/fatal distinction.
func DomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrSessionNotFound):
		Error(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrIncompleteSubmission):
		Error(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, domain.ErrSessionTerminated):
		Error(w, http.StatusGone, err.Error())
	case errors.Is(err, domain.ErrSessionComplete):
		Error(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrAssignmentUnavailable):
		Error(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, domain.ErrGenerationFailed):
		Error(w, http.StatusBadGateway, err.Error())
	default:
		Error(w, http.StatusInternalServerError, err.Error())
	}
}
