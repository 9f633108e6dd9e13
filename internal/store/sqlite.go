package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ashureev/stancelab/internal/domain"
	"github.com/ashureev/stancelab/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db       *sql.DB
	assignMu sync.Mutex // serializes tally read-increment to prevent SQLITE_BUSY under assignment bursts
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		participant_id TEXT NOT NULL DEFAULT '',
		dev_test INTEGER NOT NULL DEFAULT 0,
		backend TEXT,
		stance TEXT,
		persona TEXT,
		survey_order TEXT NOT NULL,
		step_index INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		termination_reason TEXT,
		termination_step INTEGER,
		terminated_at INTEGER,
		bot_a INTEGER NOT NULL DEFAULT 0,
		bot_b INTEGER NOT NULL DEFAULT 0,
		bot_attempts INTEGER NOT NULL DEFAULT 0,
		bot_passed INTEGER NOT NULL DEFAULT 0,
		attention_attempts INTEGER NOT NULL DEFAULT 0,
		attention_passed INTEGER NOT NULL DEFAULT 0,
		chat_started_at INTEGER,
		gen_task_started_at INTEGER,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		sender TEXT NOT NULL,
		text TEXT NOT NULL,
		ts INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, ts);

	CREATE TABLE IF NOT EXISTS questionnaires (
		session_id TEXT NOT NULL,
		step TEXT NOT NULL,
		payload TEXT NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (session_id, step)
	);

	CREATE TABLE IF NOT EXISTS condition_tallies (
		backend TEXT NOT NULL,
		stance TEXT NOT NULL,
		persona TEXT NOT NULL,
		ord INTEGER NOT NULL,
		count INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (backend, stance, persona)
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// CreateSession inserts a new session record.
func (s *SQLiteStore) CreateSession(ctx context.Context, session *domain.Session) error {
	query := `
	INSERT INTO sessions (
		session_id, participant_id, dev_test, survey_order, step_index, status,
		bot_a, bot_b, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		session.SessionID, session.ExternalParticipantID, session.DevTest,
		string(session.SurveyOrder), session.StepIndex, string(session.Status),
		session.BotChallenge.A, session.BotChallenge.B,
		session.CreatedAt.Unix(), session.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

const sessionColumns = `
	session_id, participant_id, dev_test, backend, stance, persona,
	survey_order, step_index, status,
	termination_reason, termination_step, terminated_at,
	bot_a, bot_b, bot_attempts, bot_passed, attention_attempts, attention_passed,
	chat_started_at, gen_task_started_at, created_at, updated_at`

type sessionScanner interface {
	Scan(dest ...any) error
}

func scanSession(row sessionScanner) (*domain.Session, error) {
	var sess domain.Session
	var backend, stance, persona, terminationReason sql.NullString
	var terminationStep, terminatedAt, chatStartedAt, genStartedAt sql.NullInt64
	var createdAt, updatedAt int64

	err := row.Scan(
		&sess.SessionID, &sess.ExternalParticipantID, &sess.DevTest,
		&backend, &stance, &persona,
		(*string)(&sess.SurveyOrder), &sess.StepIndex, (*string)(&sess.Status),
		&terminationReason, &terminationStep, &terminatedAt,
		&sess.BotChallenge.A, &sess.BotChallenge.B,
		&sess.BotCheckAttempts, &sess.BotCheckPassed,
		&sess.AttentionAttempts, &sess.AttentionPassed,
		&chatStartedAt, &genStartedAt, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	sess.Condition = domain.Condition{
		Backend: domain.Backend(backend.String),
		Stance:  domain.Stance(stance.String),
		Persona: domain.Persona(persona.String),
	}
	if terminationReason.Valid {
		sess.Termination = &domain.TerminationEvent{
			Reason:    domain.TerminationReason(terminationReason.String),
			AtStep:    int(terminationStep.Int64),
			Timestamp: time.UnixMilli(terminatedAt.Int64),
		}
	}
	if chatStartedAt.Valid {
		ts := time.UnixMilli(chatStartedAt.Int64)
		sess.ChatStartedAt = &ts
	}
	if genStartedAt.Valid {
		ts := time.UnixMilli(genStartedAt.Int64)
		sess.GenTaskStartedAt = &ts
	}
	sess.CreatedAt = time.Unix(createdAt, 0)
	sess.UpdatedAt = time.Unix(updatedAt, 0)

	return &sess, nil
}

// GetSession retrieves a session by id.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE session_id = ?`

	sess, err := scanSession(s.db.QueryRowContext(ctx, query, sessionID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}
	return sess, nil
}

// UpdateSession writes the session's mutable fields.
func (s *SQLiteStore) UpdateSession(ctx context.Context, session *domain.Session) error {
	query := `
	UPDATE sessions SET
		step_index = ?, status = ?,
		bot_attempts = ?, bot_passed = ?,
		attention_attempts = ?, attention_passed = ?,
		chat_started_at = ?, gen_task_started_at = ?,
		updated_at = ?
	WHERE session_id = ?`

	var chatStartedAt, genStartedAt interface{}
	if session.ChatStartedAt != nil {
		chatStartedAt = session.ChatStartedAt.UnixMilli()
	}
	if session.GenTaskStartedAt != nil {
		genStartedAt = session.GenTaskStartedAt.UnixMilli()
	}

	result, err := s.db.ExecContext(ctx, query,
		session.StepIndex, string(session.Status),
		session.BotCheckAttempts, session.BotCheckPassed,
		session.AttentionAttempts, session.AttentionPassed,
		chatStartedAt, genStartedAt,
		time.Now().Unix(), session.SessionID,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("update session %s: %w", session.SessionID, domain.ErrSessionNotFound)
	}
	return nil
}

// AssignCondition atomically assigns the least-filled condition to a session.
func (s *SQLiteStore) AssignCondition(ctx context.Context, sessionID string, order []domain.Condition) (domain.Condition, error) {
	s.assignMu.Lock()
	defer s.assignMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Condition{}, fmt.Errorf("begin assignment tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var backend, stance, persona sql.NullString
	err = tx.QueryRowContext(ctx,
		`SELECT backend, stance, persona FROM sessions WHERE session_id = ?`, sessionID,
	).Scan(&backend, &stance, &persona)
	if err == sql.ErrNoRows {
		return domain.Condition{}, domain.ErrSessionNotFound
	}
	if err != nil {
		return domain.Condition{}, fmt.Errorf("read session condition: %w", err)
	}

	// Already assigned: the condition is immutable, return it as-is.
	if backend.Valid && backend.String != "" {
		return domain.Condition{
			Backend: domain.Backend(backend.String),
			Stance:  domain.Stance(stance.String),
			Persona: domain.Persona(persona.String),
		}, nil
	}

	for i, c := range order {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO condition_tallies (backend, stance, persona, ord, count) VALUES (?, ?, ?, ?, 0)`,
			string(c.Backend), string(c.Stance), string(c.Persona), i,
		); err != nil {
			return domain.Condition{}, fmt.Errorf("seed condition tally: %w", err)
		}
	}

	var chosen domain.Condition
	err = tx.QueryRowContext(ctx,
		`SELECT backend, stance, persona FROM condition_tallies ORDER BY count ASC, ord ASC LIMIT 1`,
	).Scan((*string)(&chosen.Backend), (*string)(&chosen.Stance), (*string)(&chosen.Persona))
	if err != nil {
		return domain.Condition{}, fmt.Errorf("select lagging condition: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE condition_tallies SET count = count + 1 WHERE backend = ? AND stance = ? AND persona = ?`,
		string(chosen.Backend), string(chosen.Stance), string(chosen.Persona),
	); err != nil {
		return domain.Condition{}, fmt.Errorf("increment condition tally: %w", err)
	}

	result, err := tx.ExecContext(ctx,
		`UPDATE sessions SET backend = ?, stance = ?, persona = ?, updated_at = ? WHERE session_id = ? AND backend IS NULL`,
		string(chosen.Backend), string(chosen.Stance), string(chosen.Persona),
		time.Now().Unix(), sessionID,
	)
	if err != nil {
		return domain.Condition{}, fmt.Errorf("stamp session condition: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return domain.Condition{}, fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		// Lost a race with another stamp for the same session. Leave the
		// tally untouched by rolling back and report the existing value.
		if rbErr := tx.Rollback(); rbErr != nil {
			return domain.Condition{}, fmt.Errorf("rollback assignment: %w", rbErr)
		}
		sess, err := s.GetSession(ctx, sessionID)
		if err != nil || sess == nil {
			return domain.Condition{}, fmt.Errorf("re-read session after assignment race: %w", err)
		}
		return sess.Condition, nil
	}

	if err := tx.Commit(); err != nil {
		return domain.Condition{}, fmt.Errorf("commit assignment: %w", err)
	}
	return chosen, nil
}

// ConditionTallies returns the current assignment count per condition key.
func (s *SQLiteStore) ConditionTallies(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT backend, stance, persona, count FROM condition_tallies ORDER BY ord ASC`)
	if err != nil {
		return nil, fmt.Errorf("query condition tallies: %w", err)
	}
	defer func() { _ = rows.Close() }()

	tallies := make(map[string]int)
	for rows.Next() {
		var c domain.Condition
		var count int
		if err := rows.Scan((*string)(&c.Backend), (*string)(&c.Stance), (*string)(&c.Persona), &count); err != nil {
			return nil, fmt.Errorf("scan tally row: %w", err)
		}
		tallies[c.Key()] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tallies: %w", err)
	}
	return tallies, nil
}

// SaveStepPayload upserts the payload for one step of a session.
func (s *SQLiteStore) SaveStepPayload(ctx context.Context, sessionID string, step domain.Step, payload json.RawMessage) error {
	query := `
	INSERT INTO questionnaires (session_id, step, payload, updated_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(session_id, step) DO UPDATE SET
		payload = excluded.payload,
		updated_at = excluded.updated_at`

	_, err := s.db.ExecContext(ctx, query, sessionID, string(step), string(payload), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("upsert step payload: %w", err)
	}
	return nil
}

// GetStepPayload retrieves one step's stored payload.
func (s *SQLiteStore) GetStepPayload(ctx context.Context, sessionID string, step domain.Step) (json.RawMessage, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM questionnaires WHERE session_id = ? AND step = ?`,
		sessionID, string(step),
	).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan step payload: %w", err)
	}
	return json.RawMessage(payload), nil
}

// StepPayloads returns every stored step payload for a session.
func (s *SQLiteStore) StepPayloads(ctx context.Context, sessionID string) (map[domain.Step]json.RawMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT step, payload FROM questionnaires WHERE session_id = ?`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query step payloads: %w", err)
	}
	defer func() { _ = rows.Close() }()

	payloads := make(map[domain.Step]json.RawMessage)
	for rows.Next() {
		var step, payload string
		if err := rows.Scan(&step, &payload); err != nil {
			return nil, fmt.Errorf("scan payload row: %w", err)
		}
		payloads[domain.Step(step)] = json.RawMessage(payload)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate payloads: %w", err)
	}
	return payloads, nil
}

// AppendMessage appends a chat message, retrying on SQLITE_BUSY.
// Late LLM completions race the budget sweeper on the sessions table, so
// busy errors are expected here under load.
func (s *SQLiteStore) AppendMessage(ctx context.Context, sessionID string, msg domain.ChatMessage) error {
	query := `INSERT INTO messages (id, session_id, sender, text, ts) VALUES (?, ?, ?, ?, ?)`

	maxRetries := 3
	baseDelay := 50 * time.Millisecond
	var err error
	for i := 0; i < maxRetries; i++ {
		_, err = s.db.ExecContext(ctx, query,
			msg.ID, sessionID, string(msg.Sender), msg.Text, msg.Timestamp.UnixMilli())
		if err == nil {
			return nil
		}
		if !shared.IsSQLiteConflictError(err) || i == maxRetries-1 {
			break
		}
		time.Sleep(baseDelay * time.Duration(1<<i))
	}
	return fmt.Errorf("append message: %w", err)
}

// Messages returns the session's chat history in insertion order.
func (s *SQLiteStore) Messages(ctx context.Context, sessionID string) ([]domain.ChatMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, sender, text, ts FROM messages WHERE session_id = ? ORDER BY ts ASC, rowid ASC`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var msgs []domain.ChatMessage
	for rows.Next() {
		var msg domain.ChatMessage
		var ts int64
		if err := rows.Scan(&msg.ID, (*string)(&msg.Sender), &msg.Text, &ts); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		msg.Timestamp = time.UnixMilli(ts)
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return msgs, nil
}

// RecordTermination marks the session terminated. First event wins; the
// return value reports whether this event was the one recorded.
func (s *SQLiteStore) RecordTermination(ctx context.Context, sessionID string, ev domain.TerminationEvent) (bool, error) {
	query := `
	UPDATE sessions SET
		status = ?, termination_reason = ?, termination_step = ?, terminated_at = ?, updated_at = ?
	WHERE session_id = ? AND status = ?`

	result, err := s.db.ExecContext(ctx, query,
		string(domain.StatusTerminated), string(ev.Reason), ev.AtStep,
		ev.Timestamp.UnixMilli(), time.Now().Unix(),
		sessionID, string(domain.StatusActive),
	)
	if err != nil {
		return false, fmt.Errorf("record termination: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("get rows affected: %w", err)
	}
	return rows > 0, nil
}

// ListActiveSessions returns all sessions still in the active state.
func (s *SQLiteStore) ListActiveSessions(ctx context.Context) ([]*domain.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE status = ?`

	rows, err := s.db.QueryContext(ctx, query, string(domain.StatusActive))
	if err != nil {
		return nil, fmt.Errorf("query active sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []*domain.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan active session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate active sessions: %w", err)
	}
	return sessions, nil
}
