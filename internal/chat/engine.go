// Package chat implements the timed conversation phase of the study.
package chat

import (
	"context"
	"fmt"
	"time"

	"github.com/ashureev/stancelab/internal/domain"
	"github.com/ashureev/stancelab/internal/llm"
	"github.com/ashureev/stancelab/internal/persona"
	"github.com/ashureev/stancelab/internal/store"
	"github.com/google/uuid"
)

// Engine maintains the ordered message history for the chat phase, enforces
// the wall-clock session budget, and delegates assistant turns to the
// language-model collaborator.
type Engine struct {
	repo       store.Repository
	gen        llm.Generator
	budget     time.Duration
	transcript TranscriptLogger
	now        func() time.Time
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithClock overrides the engine's time source.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		e.now = now
	}
}

// NewEngine creates a conversation engine. budget is the wall-clock chat
// allowance, counted from the first user turn.
func NewEngine(repo store.Repository, gen llm.Generator, budget time.Duration, transcript TranscriptLogger, opts ...EngineOption) *Engine {
	e := &Engine{
		repo:       repo,
		gen:        gen,
		budget:     budget,
		transcript: transcript,
		now:        time.Now,
	}
	if e.transcript == nil {
		e.transcript = NopTranscript{}
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Budget returns the configured chat allowance.
func (e *Engine) Budget() time.Duration {
	return e.budget
}

// Remaining returns the unspent chat budget. Before the first user turn the
// full budget is remaining.
func (e *Engine) Remaining(sess *domain.Session) time.Duration {
	if sess.ChatStartedAt == nil {
		return e.budget
	}
	left := sess.ChatDeadline(e.budget).Sub(e.now())
	if left < 0 {
		return 0
	}
	return left
}

// SeedGreeting appends the opening bot turn referencing the assigned stance,
// if the session has no messages yet.
func (e *Engine) SeedGreeting(ctx context.Context, sess *domain.Session) error {
	msgs, err := e.repo.Messages(ctx, sess.SessionID)
	if err != nil {
		return fmt.Errorf("read history: %w", err)
	}
	if len(msgs) > 0 {
		return nil
	}

	greeting, err := persona.Greeting(sess.Condition.Stance)
	if err != nil {
		return err
	}
	msg := domain.ChatMessage{
		ID:        uuid.NewString(),
		Sender:    domain.SenderBot,
		Text:      greeting,
		Timestamp: e.now(),
	}
	if err := e.repo.AppendMessage(ctx, sess.SessionID, msg); err != nil {
		return fmt.Errorf("append greeting: %w", err)
	}
	e.transcript.Log(TranscriptEvent{
		SessionID: sess.SessionID,
		Kind:      "greeting",
		Text:      greeting,
	})
	return nil
}

// SubmitUserTurn appends the user turn, invokes the language-model
// collaborator with the full ordered context, and appends the assistant
// reply. The user turn is never rolled back: on generation failure it stays
// persisted and the caller may retry. An assistant reply arriving after the
// budget ran out is still persisted; it simply no longer gates the state
// machine.
func (e *Engine) SubmitUserTurn(ctx context.Context, sess *domain.Session, text string) (*domain.ChatMessage, error) {
	switch sess.Status {
	case domain.StatusTerminated:
		return nil, domain.ErrSessionTerminated
	case domain.StatusCompleted:
		return nil, domain.ErrSessionComplete
	}
	if sess.CurrentStep() != domain.StepChat {
		return nil, fmt.Errorf("%w: session is not in the chat step", domain.ErrIncompleteSubmission)
	}
	if text == "" {
		return nil, fmt.Errorf("%w: empty message", domain.ErrIncompleteSubmission)
	}

	now := e.now()

	// The budget starts counting at the first user turn, not at the greeting.
	if sess.ChatStartedAt == nil {
		started := now
		sess.ChatStartedAt = &started
		if err := e.repo.UpdateSession(ctx, sess); err != nil {
			return nil, fmt.Errorf("start chat budget: %w", err)
		}
	} else if sess.ChatExpired(now, e.budget) {
		return nil, domain.ErrBudgetExpired
	}

	userMsg := domain.ChatMessage{
		ID:        uuid.NewString(),
		Sender:    domain.SenderUser,
		Text:      text,
		Timestamp: now,
	}
	if err := e.repo.AppendMessage(ctx, sess.SessionID, userMsg); err != nil {
		return nil, fmt.Errorf("append user turn: %w", err)
	}
	e.transcript.Log(TranscriptEvent{SessionID: sess.SessionID, Kind: "user_turn", Text: text})

	history, err := e.repo.Messages(ctx, sess.SessionID)
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}

	turns, err := e.buildContext(sess, history)
	if err != nil {
		return nil, err
	}

	reply, err := e.gen.Generate(ctx, sess.Condition.Backend, turns)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrGenerationFailed, err)
	}

	botMsg := domain.ChatMessage{
		ID:        uuid.NewString(),
		Sender:    domain.SenderBot,
		Text:      reply,
		Timestamp: e.now(),
	}
	if err := e.repo.AppendMessage(ctx, sess.SessionID, botMsg); err != nil {
		return nil, fmt.Errorf("append assistant turn: %w", err)
	}
	e.transcript.Log(TranscriptEvent{SessionID: sess.SessionID, Kind: "bot_turn", Text: reply})

	return &botMsg, nil
}

// buildContext assembles the ordered generation context: system prompt,
// one-shot example exchange as two turns, then the full history in order.
func (e *Engine) buildContext(sess *domain.Session, history []domain.ChatMessage) ([]llm.Turn, error) {
	if sess.Condition.IsZero() {
		return nil, fmt.Errorf("%w: session has no assigned condition", domain.ErrUnknownCondition)
	}
	prompt, err := persona.Build(sess.Condition.Stance, sess.Condition.Persona, sess.Condition.Backend)
	if err != nil {
		return nil, err
	}

	turns := make([]llm.Turn, 0, len(history)+3)
	turns = append(turns,
		llm.Turn{Role: llm.RoleSystem, Content: prompt.System},
		llm.Turn{Role: llm.RoleAssistant, Content: prompt.ExampleBot},
		llm.Turn{Role: llm.RoleUser, Content: prompt.ExampleUser},
	)
	for _, msg := range history {
		role := llm.RoleUser
		if msg.Sender == domain.SenderBot {
			role = llm.RoleAssistant
		}
		turns = append(turns, llm.Turn{Role: role, Content: msg.Text})
	}
	return turns, nil
}
