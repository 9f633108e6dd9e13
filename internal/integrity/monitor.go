// Package integrity watches protocol-violation signals and decides when a
// session must be terminated.
package integrity

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/stancelab/internal/chat"
	"github.com/ashureev/stancelab/internal/domain"
	"github.com/ashureev/stancelab/internal/store"
)

const (
	// AttentionPassOption is the only non-terminating answer to the
	// attention check. It appears exactly once per check.
	AttentionPassOption = "prefer_not_to_answer"

	maxBotAttempts       = 3
	maxAttentionAttempts = 2
)

// Verdict is the outcome of one integrity signal.
type Verdict struct {
	Passed       bool                     `json:"passed"`
	Warning      bool                     `json:"warning"`
	AttemptsLeft int                      `json:"attempts_left"`
	Terminated   bool                     `json:"terminated"`
	Reason       domain.TerminationReason `json:"reason,omitempty"`
}

// Monitor evaluates integrity signals against a session. Each terminating
// verdict is final: it records a TerminationEvent and the state machine
// refuses every later submission for the session.
type Monitor struct {
	repo       store.Repository
	transcript chat.TranscriptLogger
	now        func() time.Time
}

// MonitorOption configures a Monitor.
type MonitorOption func(*Monitor)

// WithClock overrides the monitor's time source.
func WithClock(now func() time.Time) MonitorOption {
	return func(m *Monitor) {
		m.now = now
	}
}

// New creates a Monitor.
func New(repo store.Repository, transcript chat.TranscriptLogger, opts ...MonitorOption) *Monitor {
	m := &Monitor{
		repo:       repo,
		transcript: transcript,
		now:        time.Now,
	}
	if m.transcript == nil {
		m.transcript = chat.NopTranscript{}
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Monitor) checkActive(sess *domain.Session) error {
	switch sess.Status {
	case domain.StatusTerminated:
		return domain.ErrSessionTerminated
	case domain.StatusCompleted:
		return domain.ErrSessionComplete
	}
	return nil
}

// ReportBotAnswer evaluates one attempt at the arithmetic automation check.
// The third wrong answer terminates the session with automation_detected.
func (m *Monitor) ReportBotAnswer(ctx context.Context, sess *domain.Session, answer int) (Verdict, error) {
	if err := m.checkActive(sess); err != nil {
		return Verdict{}, err
	}
	if sess.CurrentStep() != domain.StepBotCheck {
		return Verdict{}, fmt.Errorf("%w: session is not in the bot-check step", domain.ErrIncompleteSubmission)
	}
	if sess.BotCheckPassed {
		return Verdict{Passed: true}, nil
	}

	sess.BotCheckAttempts++
	if answer == sess.BotChallenge.Expected() {
		sess.BotCheckPassed = true
		if err := m.repo.UpdateSession(ctx, sess); err != nil {
			return Verdict{}, fmt.Errorf("record bot-check pass: %w", err)
		}
		return Verdict{Passed: true}, nil
	}

	if sess.BotCheckAttempts >= maxBotAttempts {
		if err := m.terminate(ctx, sess, domain.ReasonAutomationDetected); err != nil {
			return Verdict{}, err
		}
		return m.terminalVerdict(sess), nil
	}

	if err := m.repo.UpdateSession(ctx, sess); err != nil {
		return Verdict{}, fmt.Errorf("record bot-check attempt: %w", err)
	}
	return Verdict{AttemptsLeft: maxBotAttempts - sess.BotCheckAttempts}, nil
}

// ReportAttentionAnswer evaluates one attempt at the attention check. The
// first wrong answer re-presents the check with a warning; the second wrong
// answer terminates with attention_check_failed.
func (m *Monitor) ReportAttentionAnswer(ctx context.Context, sess *domain.Session, answer string) (Verdict, error) {
	if err := m.checkActive(sess); err != nil {
		return Verdict{}, err
	}
	if sess.CurrentStep() != domain.StepAttentionCheck {
		return Verdict{}, fmt.Errorf("%w: session is not in the attention-check step", domain.ErrIncompleteSubmission)
	}
	if sess.AttentionPassed {
		return Verdict{Passed: true}, nil
	}

	sess.AttentionAttempts++
	if answer == AttentionPassOption {
		sess.AttentionPassed = true
		if err := m.repo.UpdateSession(ctx, sess); err != nil {
			return Verdict{}, fmt.Errorf("record attention pass: %w", err)
		}
		return Verdict{Passed: true}, nil
	}

	if sess.AttentionAttempts >= maxAttentionAttempts {
		if err := m.terminate(ctx, sess, domain.ReasonAttentionCheckFailed); err != nil {
			return Verdict{}, err
		}
		return m.terminalVerdict(sess), nil
	}

	if err := m.repo.UpdateSession(ctx, sess); err != nil {
		return Verdict{}, fmt.Errorf("record attention attempt: %w", err)
	}
	return Verdict{Warning: true, AttemptsLeft: maxAttentionAttempts - sess.AttentionAttempts}, nil
}

// ReportVisibility evaluates a page visibility transition. Going hidden
// during a critical step terminates immediately, with no retry.
func (m *Monitor) ReportVisibility(ctx context.Context, sess *domain.Session, hidden bool) (Verdict, error) {
	if err := m.checkActive(sess); err != nil {
		return Verdict{}, err
	}
	if !hidden || !sess.CurrentStep().IsCritical() {
		return Verdict{Passed: true}, nil
	}

	if err := m.terminate(ctx, sess, domain.ReasonVisibilityViolation); err != nil {
		return Verdict{}, err
	}
	return m.terminalVerdict(sess), nil
}

// terminalVerdict builds the verdict from the session's recorded event, which
// after a lost termination race may carry a different reason than the signal
// that triggered this call.
func (m *Monitor) terminalVerdict(sess *domain.Session) Verdict {
	v := Verdict{Terminated: true}
	if sess.Termination != nil {
		v.Reason = sess.Termination.Reason
	}
	return v
}

func (m *Monitor) terminate(ctx context.Context, sess *domain.Session, reason domain.TerminationReason) error {
	ev := domain.TerminationEvent{
		Reason:    reason,
		AtStep:    sess.StepIndex,
		Timestamp: m.now(),
	}
	won, err := m.repo.RecordTermination(ctx, sess.SessionID, ev)
	if err != nil {
		return fmt.Errorf("record termination: %w", err)
	}
	if !won {
		// A concurrent signal terminated first; reflect its event, not ours.
		stored, err := m.repo.GetSession(ctx, sess.SessionID)
		if err != nil {
			return fmt.Errorf("re-read session after termination race: %w", err)
		}
		if stored != nil {
			sess.Status = stored.Status
			sess.Termination = stored.Termination
		}
		return nil
	}
	sess.Status = domain.StatusTerminated
	sess.Termination = &ev

	slog.Warn("session terminated",
		"session_id", sess.SessionID,
		"reason", reason,
		"step", sess.CurrentStep())
	m.transcript.Log(chat.TranscriptEvent{
		SessionID: sess.SessionID,
		Kind:      "termination",
		Step:      sess.CurrentStep().String(),
		Detail:    string(reason),
	})
	return nil
}
