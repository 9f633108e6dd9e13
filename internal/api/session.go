package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/ashureev/stancelab/internal/domain"
	"github.com/ashureev/stancelab/internal/participant"
	"github.com/go-chi/chi/v5"
)

// maxBodySize bounds step submissions; free-text answers are the largest
// payloads and stay far below this.
const maxBodySize = 256 * 1024

// RegisterRoutes registers the participant-facing session routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api/session", func(r chi.Router) {
		r.Use(participant.Middleware())
		r.Post("/", h.CreateSession)
		r.Get("/state", h.GetState)
		r.Post("/advance", h.Advance)
		r.Post("/chat", h.ChatTurn)
		r.Post("/draft", h.SaveDraft)
		r.Post("/integrity", h.Integrity)
		r.Get("/events", h.Events)
	})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		Error(w, http.StatusBadRequest, "failed to read request body")
		return false
	}
	if err := json.Unmarshal(body, v); err != nil {
		Error(w, http.StatusBadRequest, "malformed request body")
		return false
	}
	return true
}

type createSessionRequest struct {
	ParticipantID string `json:"participant_id"`
	DevTest       bool   `json:"dev_test"`
}

// CreateSession resolves the participant's identifying parameters and
// creates the session aggregate. Idempotent for a given session id.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	sessionID := participant.SessionIDFromContext(r.Context())

	var req createSessionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ParticipantID != "" && !participant.ValidParticipantID(req.ParticipantID) {
		Error(w, http.StatusBadRequest, "malformed participant id")
		return
	}

	sess, err := h.machine.CreateSession(r.Context(), sessionID, req.ParticipantID, req.DevTest)
	if err != nil {
		DomainError(w, err)
		return
	}

	view, err := h.machine.View(r.Context(), sess.SessionID)
	if err != nil {
		DomainError(w, err)
		return
	}
	JSON(w, http.StatusCreated, view)
}

// GetState returns the current renderable state of the session.
func (h *Handler) GetState(w http.ResponseWriter, r *http.Request) {
	sessionID := participant.SessionIDFromContext(r.Context())

	view, err := h.machine.View(r.Context(), sessionID)
	if err != nil {
		DomainError(w, err)
		return
	}
	JSON(w, http.StatusOK, view)
}

type advanceRequest struct {
	Step    domain.Step     `json:"step"`
	Payload json.RawMessage `json:"payload"`
}

// Advance applies one step submission.
func (h *Handler) Advance(w http.ResponseWriter, r *http.Request) {
	sessionID := participant.SessionIDFromContext(r.Context())

	var req advanceRequest
	if !decodeBody(w, r, &req) {
		return
	}

	if _, err := h.machine.Advance(r.Context(), sessionID, req.Step, req.Payload); err != nil {
		DomainError(w, err)
		return
	}

	view, err := h.machine.View(r.Context(), sessionID)
	if err != nil {
		DomainError(w, err)
		return
	}
	JSON(w, http.StatusOK, view)
}

type chatTurnRequest struct {
	Text string `json:"text"`
}

type chatTurnResponse struct {
	Message          *domain.ChatMessage `json:"message,omitempty"`
	RemainingSeconds int                 `json:"remaining_seconds"`
	BudgetExpired    bool                `json:"budget_expired,omitempty"`
}

// ChatTurn submits a user turn and returns the assistant reply. Budget
// expiry is not an error: it forces the transition out of the chat step and
// reports the expiry as structured status.
func (h *Handler) ChatTurn(w http.ResponseWriter, r *http.Request) {
	sessionID := participant.SessionIDFromContext(r.Context())

	var req chatTurnRequest
	if !decodeBody(w, r, &req) {
		return
	}

	sess, err := h.machine.GetSession(r.Context(), sessionID)
	if err != nil {
		DomainError(w, err)
		return
	}

	msg, err := h.engine.SubmitUserTurn(r.Context(), sess, req.Text)
	if errors.Is(err, domain.ErrBudgetExpired) {
		if err := h.machine.ForceLeaveChat(r.Context(), sess); err != nil {
			DomainError(w, err)
			return
		}
		JSON(w, http.StatusOK, chatTurnResponse{BudgetExpired: true})
		return
	}
	if err != nil {
		DomainError(w, err)
		return
	}

	JSON(w, http.StatusOK, chatTurnResponse{
		Message:          msg,
		RemainingSeconds: int(h.engine.Remaining(sess).Seconds()),
	})
}

type draftRequest struct {
	Payload json.RawMessage `json:"payload"`
}

type draftResponse struct {
	Status        string `json:"status"`
	BudgetExpired bool   `json:"budget_expired,omitempty"`
}

// SaveDraft persists in-progress generative-task ideas without advancing.
// After the budget expires drafts are no longer accepted; the client submits
// the step explicitly instead.
func (h *Handler) SaveDraft(w http.ResponseWriter, r *http.Request) {
	sessionID := participant.SessionIDFromContext(r.Context())

	var req draftRequest
	if !decodeBody(w, r, &req) {
		return
	}

	err := h.machine.SaveGenerativeDraft(r.Context(), sessionID, req.Payload)
	if errors.Is(err, domain.ErrBudgetExpired) {
		JSON(w, http.StatusOK, draftResponse{Status: "rejected", BudgetExpired: true})
		return
	}
	if err != nil {
		DomainError(w, err)
		return
	}
	JSON(w, http.StatusOK, draftResponse{Status: "saved"})
}

type integrityRequest struct {
	Type   string `json:"type"` // bot_check, attention_check, visibility
	Answer *int   `json:"answer,omitempty"`
	Option string `json:"option,omitempty"`
	Hidden bool   `json:"hidden,omitempty"`
}

// Integrity reports one integrity signal and returns the verdict.
func (h *Handler) Integrity(w http.ResponseWriter, r *http.Request) {
	sessionID := participant.SessionIDFromContext(r.Context())

	var req integrityRequest
	if !decodeBody(w, r, &req) {
		return
	}

	sess, err := h.machine.GetSession(r.Context(), sessionID)
	if err != nil {
		DomainError(w, err)
		return
	}

	var verdict interface{}
	switch req.Type {
	case "bot_check":
		if req.Answer == nil {
			Error(w, http.StatusBadRequest, "bot_check signal requires an answer")
			return
		}
		verdict, err = h.monitor.ReportBotAnswer(r.Context(), sess, *req.Answer)
	case "attention_check":
		verdict, err = h.monitor.ReportAttentionAnswer(r.Context(), sess, req.Option)
	case "visibility":
		verdict, err = h.monitor.ReportVisibility(r.Context(), sess, req.Hidden)
	default:
		Error(w, http.StatusBadRequest, "unknown signal type")
		return
	}
	if err != nil {
		DomainError(w, err)
		return
	}
	JSON(w, http.StatusOK, verdict)
}
