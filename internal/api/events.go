package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/stancelab/internal/domain"
	"github.com/ashureev/stancelab/internal/participant"
	"github.com/coder/websocket"
)

// eventTickInterval is how often budget countdown events are pushed.
const eventTickInterval = time.Second

// sessionEvent is one message on the event stream.
type sessionEvent struct {
	Type             string `json:"type"` // budget, terminated, completed
	Step             string `json:"step,omitempty"`
	RemainingSeconds int    `json:"remaining_seconds,omitempty"`
	Reason           string `json:"reason,omitempty"`
}

// Events streams budget countdown ticks and terminal-state notices over a
// WebSocket. The stream is a passive observer: it only reports what the
// state machine decided, it never drives transitions itself.
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	sessionID := participant.SessionIDFromContext(r.Context())

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("failed to accept event stream", "error", err, "session_id", sessionID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "stream ended"); closeErr != nil {
			slog.Debug("failed to close event stream", "error", closeErr, "session_id", sessionID)
		}
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	ticker := time.NewTicker(eventTickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		sess, err := h.machine.GetSession(ctx, sessionID)
		if err != nil {
			slog.Debug("event stream lost session", "session_id", sessionID, "error", err)
			return
		}

		switch {
		case sess.Status == domain.StatusTerminated:
			reason := ""
			if sess.Termination != nil {
				reason = string(sess.Termination.Reason)
			}
			_ = h.writeEvent(ctx, ws, sessionEvent{Type: "terminated", Reason: reason})
			return
		case sess.Status == domain.StatusCompleted:
			_ = h.writeEvent(ctx, ws, sessionEvent{Type: "completed"})
			return
		case sess.CurrentStep() == domain.StepChat:
			if err := h.writeEvent(ctx, ws, sessionEvent{
				Type:             "budget",
				Step:             domain.StepChat.String(),
				RemainingSeconds: int(h.engine.Remaining(sess).Seconds()),
			}); err != nil {
				return
			}
		case sess.CurrentStep() == domain.StepGenerativeTask:
			if err := h.writeEvent(ctx, ws, sessionEvent{
				Type:             "budget",
				Step:             domain.StepGenerativeTask.String(),
				RemainingSeconds: int(h.machine.GenTaskRemaining(sess).Seconds()),
			}); err != nil {
				return
			}
		}
	}
}

func (h *Handler) writeEvent(ctx context.Context, ws *websocket.Conn, ev sessionEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return ws.Write(ctx, websocket.MessageText, data)
}
