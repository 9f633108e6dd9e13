package session

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ashureev/stancelab/internal/domain"
	"github.com/ashureev/stancelab/internal/persona"
)

// View is the renderable state of a session: the current step plus the
// step-specific derived data the presentation layer needs.
type View struct {
	SessionID   string        `json:"session_id"`
	Status      domain.Status `json:"status"`
	Step        domain.Step   `json:"step"`
	StepIndex   int           `json:"step_index"`
	SurveyOrder string        `json:"survey_order"`

	TerminationReason string `json:"termination_reason,omitempty"`

	BotQuestion string `json:"bot_question,omitempty"`

	AssignedStance string `json:"assigned_stance,omitempty"`
	StanceText     string `json:"stance_text,omitempty"`

	ChatRemainingSeconds    *int                 `json:"chat_remaining_seconds,omitempty"`
	GenTaskRemainingSeconds *int                 `json:"gen_task_remaining_seconds,omitempty"`
	ChatHistory             []domain.ChatMessage `json:"chat_history,omitempty"`

	// Responses carries the stored questionnaire payloads once the session
	// is terminal, for export reads.
	Responses map[domain.Step]json.RawMessage `json:"responses,omitempty"`
}

// View assembles the renderable state for a session.
func (m *Machine) View(ctx context.Context, sessionID string) (*View, error) {
	sess, err := m.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	v := &View{
		SessionID:   sess.SessionID,
		Status:      sess.Status,
		Step:        sess.CurrentStep(),
		StepIndex:   sess.StepIndex,
		SurveyOrder: string(sess.SurveyOrder),
	}
	if sess.Termination != nil {
		v.TerminationReason = string(sess.Termination.Reason)
	}

	switch v.Step {
	case domain.StepBotCheck:
		v.BotQuestion = sess.BotChallenge.Question()
	case domain.StepChat:
		remaining := int(m.engine.Remaining(sess).Seconds())
		v.ChatRemainingSeconds = &remaining
	case domain.StepGenerativeTask:
		remaining := int(m.GenTaskRemaining(sess).Seconds())
		v.GenTaskRemainingSeconds = &remaining
	}

	// The assigned stance is rendered from the chat step onward.
	if !sess.Condition.IsZero() {
		v.AssignedStance = string(sess.Condition.Stance)
		text, err := persona.StanceDescription(sess.Condition.Stance)
		if err != nil {
			return nil, err
		}
		v.StanceText = text

		history, err := m.repo.Messages(ctx, sessionID)
		if err != nil {
			return nil, fmt.Errorf("read history: %w", err)
		}
		v.ChatHistory = history
	}

	if sess.IsTerminal() {
		responses, err := m.repo.StepPayloads(ctx, sessionID)
		if err != nil {
			return nil, fmt.Errorf("read responses: %w", err)
		}
		v.Responses = responses
	}

	return v, nil
}
