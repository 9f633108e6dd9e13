package domain

import (
	"time"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusActive     Status = "active"
	StatusCompleted  Status = "completed"
	StatusTerminated Status = "terminated"
)

// Sender identifies the author of a chat message.
type Sender string

const (
	SenderUser Sender = "user"
	SenderBot  Sender = "bot"
)

// ChatMessage is one turn of the timed chat exchange. Messages are
// append-only and timestamp-ordered within a session.
type ChatMessage struct {
	ID        string    `json:"id"`
	Sender    Sender    `json:"sender"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Session is the aggregate root for one participant's run through the study.
type Session struct {
	SessionID             string
	ExternalParticipantID string
	DevTest               bool
	Condition             Condition // zero until chat entry, immutable after
	SurveyOrder           SurveyOrder
	StepIndex             int
	Status                Status
	Termination           *TerminationEvent
	BotChallenge          BotChallenge
	BotCheckAttempts      int
	BotCheckPassed        bool
	AttentionAttempts     int
	AttentionPassed       bool
	ChatStartedAt         *time.Time
	GenTaskStartedAt      *time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// CurrentStep returns the step the session is on. Terminated sessions stay
// frozen on the step they were terminated at.
func (s *Session) CurrentStep() Step {
	steps := StepsFor(s.SurveyOrder)
	if s.StepIndex < 0 || s.StepIndex >= len(steps) {
		return StepCompleted
	}
	return steps[s.StepIndex]
}

// IsTerminal reports whether the session reached an absorbing state.
func (s *Session) IsTerminal() bool {
	return s.Status == StatusCompleted || s.Status == StatusTerminated
}

// ChatDeadline returns the instant the chat budget elapses, or zero if the
// budget has not started (no user turn yet).
func (s *Session) ChatDeadline(budget time.Duration) time.Time {
	if s.ChatStartedAt == nil {
		return time.Time{}
	}
	return s.ChatStartedAt.Add(budget)
}

// ChatExpired reports whether the chat budget has elapsed at now.
func (s *Session) ChatExpired(now time.Time, budget time.Duration) bool {
	deadline := s.ChatDeadline(budget)
	return !deadline.IsZero() && now.After(deadline)
}

// GenTaskExpired reports whether the generative-task budget has elapsed.
func (s *Session) GenTaskExpired(now time.Time, budget time.Duration) bool {
	if s.GenTaskStartedAt == nil {
		return false
	}
	return now.After(s.GenTaskStartedAt.Add(budget))
}
