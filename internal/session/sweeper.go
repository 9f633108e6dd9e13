package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/ashureev/stancelab/internal/domain"
)

// StartSweeper runs a background goroutine that periodically enforces the
// wall-clock budgets even when the client goes quiet: chat steps whose
// budget elapsed are forced to the next step, and expired generative-task
// steps with at least one submitted idea are completed. The sweeper only
// signals the state machine; it never blocks user-initiated transitions.
func (m *Machine) StartSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("budget sweeper started", "interval", interval)

		for {
			select {
			case <-ticker.C:
				m.sweep(ctx)
			case <-ctx.Done():
				slog.Info("budget sweeper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func (m *Machine) sweep(ctx context.Context) {
	sessions, err := m.repo.ListActiveSessions(ctx)
	if err != nil {
		slog.Error("sweeper failed to list active sessions", "error", err)
		return
	}

	now := m.now()
	for _, sess := range sessions {
		switch sess.CurrentStep() {
		case domain.StepChat:
			if sess.ChatExpired(now, m.engine.Budget()) {
				if err := m.ForceLeaveChat(ctx, sess); err != nil {
					slog.Error("sweeper failed to force chat transition",
						"session_id", sess.SessionID, "error", err)
				}
			}
		case domain.StepGenerativeTask:
			if err := m.CompleteExpiredGenTask(ctx, sess); err != nil {
				slog.Error("sweeper failed to complete generative task",
					"session_id", sess.SessionID, "error", err)
			}
		}
	}
}
