// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"encoding/json"

	"github.com/ashureev/stancelab/internal/domain"
)

// Repository defines the interface for persisting sessions, chat history,
// questionnaire payloads, and condition tallies.
type Repository interface {
	// CreateSession inserts a new session record.
	CreateSession(ctx context.Context, session *domain.Session) error

	// GetSession retrieves a session by id. Returns (nil, nil) if absent.
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)

	// UpdateSession writes the session's mutable fields. The assigned
	// condition is not touched here; it is stamped only by AssignCondition.
	UpdateSession(ctx context.Context, session *domain.Session) error

	// AssignCondition atomically selects the condition with the fewest
	// assignments (ties broken by the given enumeration order), increments
	// its tally, and stamps it on the session. A session that already holds
	// a condition gets it back unchanged with no tally increment.
	AssignCondition(ctx context.Context, sessionID string, order []domain.Condition) (domain.Condition, error)

	// ConditionTallies returns the current assignment count per condition key.
	ConditionTallies(ctx context.Context) (map[string]int, error)

	// SaveStepPayload upserts the payload for one step of a session.
	SaveStepPayload(ctx context.Context, sessionID string, step domain.Step, payload json.RawMessage) error

	// GetStepPayload retrieves one step's stored payload. Returns (nil, nil)
	// if the step has not been submitted.
	GetStepPayload(ctx context.Context, sessionID string, step domain.Step) (json.RawMessage, error)

	// StepPayloads returns every stored step payload for a session.
	StepPayloads(ctx context.Context, sessionID string) (map[domain.Step]json.RawMessage, error)

	// AppendMessage appends a chat message to the session history.
	AppendMessage(ctx context.Context, sessionID string, msg domain.ChatMessage) error

	// Messages returns the session's chat history in insertion order.
	Messages(ctx context.Context, sessionID string) ([]domain.ChatMessage, error)

	// RecordTermination marks the session terminated and reports whether
	// this event won the write. The first recorded event wins; later calls
	// against a non-active session are no-ops and report false.
	RecordTermination(ctx context.Context, sessionID string, ev domain.TerminationEvent) (bool, error)

	// ListActiveSessions returns all sessions still in the active state.
	ListActiveSessions(ctx context.Context) ([]*domain.Session, error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
