// Package session implements the multi-stage experiment state machine: it
// decides which step a participant is on, gates every transition on the
// step's completeness predicate, persists each step's payload, and routes
// sessions into the absorbing Completed and Terminated states.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/ashureev/stancelab/internal/assign"
	"github.com/ashureev/stancelab/internal/chat"
	"github.com/ashureev/stancelab/internal/domain"
	"github.com/ashureev/stancelab/internal/store"
)

// Machine is the session orchestrator.
type Machine struct {
	repo          store.Repository
	assignor      *assign.Assignor
	engine        *chat.Engine
	transcript    chat.TranscriptLogger
	genTaskBudget time.Duration
	now           func() time.Time
	intN          func(int) int
}

// MachineOption configures a Machine.
type MachineOption func(*Machine)

// WithClock overrides the machine's time source.
func WithClock(now func() time.Time) MachineOption {
	return func(m *Machine) {
		m.now = now
	}
}

// WithRand overrides the machine's randomness source (survey ordering and
// bot-challenge operands).
func WithRand(intN func(int) int) MachineOption {
	return func(m *Machine) {
		m.intN = intN
	}
}

// NewMachine creates a session state machine.
func NewMachine(repo store.Repository, assignor *assign.Assignor, engine *chat.Engine, transcript chat.TranscriptLogger, genTaskBudget time.Duration, opts ...MachineOption) *Machine {
	m := &Machine{
		repo:          repo,
		assignor:      assignor,
		engine:        engine,
		transcript:    transcript,
		genTaskBudget: genTaskBudget,
		now:           time.Now,
		intN:          rand.IntN,
	}
	if m.transcript == nil {
		m.transcript = chat.NopTranscript{}
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CreateSession creates the session aggregate for a participant whose
// identifying parameters resolved: a recruiting-platform id, or the explicit
// developer-test flag. Creation is idempotent for a given session id. The
// survey ordering and the bot-challenge operands are decided here, once, and
// persisted, never re-derived.
func (m *Machine) CreateSession(ctx context.Context, sessionID, participantID string, devTest bool) (*domain.Session, error) {
	if participantID == "" && !devTest {
		return nil, fmt.Errorf("%w: no participant id and not a dev-test session", domain.ErrIncompleteSubmission)
	}

	existing, err := m.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("read session: %w", err)
	}
	if existing != nil {
		return existing, nil
	}

	order := domain.SurveyOrderValueFirst
	if m.intN(2) == 1 {
		order = domain.SurveyOrderPersonalFirst
	}

	now := m.now()
	sess := &domain.Session{
		SessionID:             sessionID,
		ExternalParticipantID: participantID,
		DevTest:               devTest,
		SurveyOrder:           order,
		Status:                domain.StatusActive,
		BotChallenge: domain.BotChallenge{
			A: m.intN(8) + 2,
			B: m.intN(8) + 2,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.repo.CreateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	slog.Info("session created",
		"session_id", sessionID,
		"participant_id", participantID,
		"dev_test", devTest,
		"survey_order", order)
	return sess, nil
}

// GetSession loads a session, mapping absence to ErrSessionNotFound.
func (m *Machine) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	sess, err := m.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("read session: %w", err)
	}
	if sess == nil {
		return nil, domain.ErrSessionNotFound
	}
	return sess, nil
}

// Advance validates and applies one step submission. On gate failure nothing
// is mutated and the caller resubmits; once a termination event is recorded
// every call short-circuits to ErrSessionTerminated.
func (m *Machine) Advance(ctx context.Context, sessionID string, step domain.Step, payload json.RawMessage) (*domain.Session, error) {
	sess, err := m.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	switch sess.Status {
	case domain.StatusTerminated:
		return nil, domain.ErrSessionTerminated
	case domain.StatusCompleted:
		return nil, domain.ErrSessionComplete
	}

	current := sess.CurrentStep()
	if step != current {
		return nil, fmt.Errorf("%w: submission for %q but session is on %q",
			domain.ErrIncompleteSubmission, step, current)
	}

	g, ok := stepGates[step]
	if !ok {
		return nil, fmt.Errorf("%w: no gate for step %q", domain.ErrIncompleteSubmission, step)
	}
	if err := g(sess, payload); err != nil {
		return nil, err
	}

	if step.IsQuestionnaire() {
		if err := m.repo.SaveStepPayload(ctx, sessionID, step, payload); err != nil {
			return nil, fmt.Errorf("persist step payload: %w", err)
		}
	}

	if err := m.enterNextStep(ctx, sess); err != nil {
		return nil, err
	}

	m.transcript.Log(chat.TranscriptEvent{
		SessionID: sessionID,
		Kind:      "step_submit",
		Step:      step.String(),
	})
	slog.Info("step advanced",
		"session_id", sessionID,
		"from", step,
		"to", sess.CurrentStep())
	return sess, nil
}

// SaveGenerativeDraft persists in-progress generative-task ideas without
// advancing, so the budget sweeper can auto-complete the step when the timer
// expires. Only the generative-task step accepts drafts, and only inside the
// budget window: ideas arriving after expiry do not count toward the expired
// window and must go through an explicit submission instead.
func (m *Machine) SaveGenerativeDraft(ctx context.Context, sessionID string, payload json.RawMessage) error {
	sess, err := m.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	switch sess.Status {
	case domain.StatusTerminated:
		return domain.ErrSessionTerminated
	case domain.StatusCompleted:
		return domain.ErrSessionComplete
	}
	if sess.CurrentStep() != domain.StepGenerativeTask {
		return fmt.Errorf("%w: session is not in the generative-task step", domain.ErrIncompleteSubmission)
	}
	if sess.GenTaskExpired(m.now(), m.genTaskBudget) {
		return domain.ErrBudgetExpired
	}
	if _, err := decode[GenerativePayload](payload); err != nil {
		return err
	}
	if err := m.repo.SaveStepPayload(ctx, sessionID, domain.StepGenerativeTask, payload); err != nil {
		return fmt.Errorf("persist generative draft: %w", err)
	}
	return nil
}

// enterNextStep moves the session forward one step and runs the entry
// actions of the step being entered.
func (m *Machine) enterNextStep(ctx context.Context, sess *domain.Session) error {
	sess.StepIndex++

	switch sess.CurrentStep() {
	case domain.StepChat:
		// Entering chat assigns the condition and seeds the greeting.
		cond, err := m.assignor.Assign(ctx, sess.SessionID)
		if err != nil {
			sess.StepIndex--
			return err
		}
		sess.Condition = cond
		if err := m.engine.SeedGreeting(ctx, sess); err != nil {
			sess.StepIndex--
			return err
		}
	case domain.StepGenerativeTask:
		started := m.now()
		sess.GenTaskStartedAt = &started
	case domain.StepCompleted:
		sess.Status = domain.StatusCompleted
	}

	if err := m.repo.UpdateSession(ctx, sess); err != nil {
		return fmt.Errorf("advance session: %w", err)
	}
	return nil
}

// ForceLeaveChat moves an active session out of the chat step once its
// budget expired, regardless of in-flight generation requests. Used by the
// budget sweeper and by the API when a turn submission reports expiry.
func (m *Machine) ForceLeaveChat(ctx context.Context, sess *domain.Session) error {
	if sess.IsTerminal() || sess.CurrentStep() != domain.StepChat {
		return nil
	}
	if err := m.enterNextStep(ctx, sess); err != nil {
		return err
	}
	m.transcript.Log(chat.TranscriptEvent{
		SessionID: sess.SessionID,
		Kind:      "step_submit",
		Step:      domain.StepChat.String(),
		Detail:    "budget_expired",
	})
	slog.Info("chat budget expired, forcing transition", "session_id", sess.SessionID)
	return nil
}

// CompleteExpiredGenTask completes an expired generative-task step when at
// least one idea was submitted inside the window. With zero ideas the step
// stays blocked.
func (m *Machine) CompleteExpiredGenTask(ctx context.Context, sess *domain.Session) error {
	if sess.IsTerminal() || sess.CurrentStep() != domain.StepGenerativeTask {
		return nil
	}
	if !sess.GenTaskExpired(m.now(), m.genTaskBudget) {
		return nil
	}

	payload, err := m.repo.GetStepPayload(ctx, sess.SessionID, domain.StepGenerativeTask)
	if err != nil {
		return fmt.Errorf("read generative draft: %w", err)
	}
	if payload == nil {
		return nil
	}
	p, err := decode[GenerativePayload](payload)
	if err != nil || generativeIdeasComplete(p.Ideas) != nil {
		return nil
	}

	if err := m.enterNextStep(ctx, sess); err != nil {
		return err
	}
	m.transcript.Log(chat.TranscriptEvent{
		SessionID: sess.SessionID,
		Kind:      "step_submit",
		Step:      domain.StepGenerativeTask.String(),
		Detail:    "budget_expired",
	})
	slog.Info("generative task auto-completed on expiry", "session_id", sess.SessionID)
	return nil
}

// GenTaskRemaining returns the unspent generative-task budget.
func (m *Machine) GenTaskRemaining(sess *domain.Session) time.Duration {
	if sess.GenTaskStartedAt == nil {
		return m.genTaskBudget
	}
	left := sess.GenTaskStartedAt.Add(m.genTaskBudget).Sub(m.now())
	if left < 0 {
		return 0
	}
	return left
}
