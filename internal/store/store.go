package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/meridianlabs/meridian/internal/models"
)

// ErrSessionNotFound is returned when a saved session id does not exist.
var ErrSessionNotFound = errors.New("session not found")

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
    id           TEXT PRIMARY KEY,
    topic        TEXT NOT NULL,
    final_report TEXT NOT NULL DEFAULT '',
    created_at   TIMESTAMP NOT NULL,
    updated_at   TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS agent_executions (
    id                     TEXT PRIMARY KEY,
    session_id             TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
    agent_name             TEXT NOT NULL,
    status                 TEXT NOT NULL,
    input                  TEXT NOT NULL DEFAULT '',
    output                 TEXT NOT NULL DEFAULT '',
    metadata               TEXT NOT NULL DEFAULT '{}',
    execution_time_seconds REAL NOT NULL DEFAULT 0,
    timestamp              TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_agent_executions_session
    ON agent_executions(session_id);
`

// SavedSession is an archived research run: the session row plus its
// execution history, enough to restore a completed view.
type SavedSession struct {
	ID          string    `db:"id" yaml:"id"`
	Topic       string    `db:"topic" yaml:"topic"`
	FinalReport string    `db:"final_report" yaml:"final_report"`
	CreatedAt   time.Time `db:"created_at" yaml:"created_at"`
	UpdatedAt   time.Time `db:"updated_at" yaml:"updated_at"`

	Executions []models.AgentExecution `db:"-" yaml:"executions,omitempty"`
}

type executionRow struct {
	ID                   string    `db:"id"`
	SessionID            string    `db:"session_id"`
	AgentName            string    `db:"agent_name"`
	Status               string    `db:"status"`
	Input                string    `db:"input"`
	Output               string    `db:"output"`
	Metadata             string    `db:"metadata"`
	ExecutionTimeSeconds float64   `db:"execution_time_seconds"`
	Timestamp            time.Time `db:"timestamp"`
}

// Store archives sessions in a local SQLite database.
type Store struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// Open opens (creating if needed) the archive at path and applies the
// schema. Use ":memory:" for an ephemeral archive.
func Open(path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := sqlx.Open("sqlite3", path+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	// SQLite serializes writers; a single connection avoids lock errors.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	logger.Debug("session archive opened", zap.String("path", path))
	return &Store{db: db, logger: logger}, nil
}

// NewWithDB wraps an already-open database. Used by tests.
func NewWithDB(db *sqlx.DB, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: db, logger: logger}
}

func (s *Store) Close() error { return s.db.Close() }

// SaveSession upserts the session row and replaces its execution history.
func (s *Store) SaveSession(ctx context.Context, sess *SavedSession) error {
	if sess == nil {
		return nil
	}
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	sess.UpdatedAt = now

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin archive transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
        INSERT INTO sessions (id, topic, final_report, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?)
        ON CONFLICT(id) DO UPDATE SET
            topic = excluded.topic,
            final_report = excluded.final_report,
            updated_at = excluded.updated_at
    `, sess.ID, sess.Topic, sess.FinalReport, sess.CreatedAt, sess.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM agent_executions WHERE session_id = ?`, sess.ID); err != nil {
		return fmt.Errorf("failed to clear execution history: %w", err)
	}
	for i := range sess.Executions {
		exec := &sess.Executions[i]
		meta := "{}"
		if exec.Metadata != nil {
			raw, err := json.Marshal(exec.Metadata)
			if err != nil {
				return fmt.Errorf("failed to encode execution metadata: %w", err)
			}
			meta = string(raw)
		}
		ts := exec.Timestamp
		if ts.IsZero() {
			ts = now
		}
		_, err := tx.ExecContext(ctx, `
            INSERT INTO agent_executions (
                id, session_id, agent_name, status, input, output, metadata,
                execution_time_seconds, timestamp
            ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
        `, uuid.NewString(), sess.ID, exec.AgentName, exec.Status, exec.Input,
			exec.Output, meta, exec.ExecutionTimeSeconds, ts)
		if err != nil {
			return fmt.Errorf("failed to save execution: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit archive transaction: %w", err)
	}
	s.logger.Debug("session archived",
		zap.String("session_id", sess.ID),
		zap.Int("executions", len(sess.Executions)),
	)
	return nil
}

// ListSessions returns archived sessions, newest first, without their
// execution histories.
func (s *Store) ListSessions(ctx context.Context) ([]SavedSession, error) {
	var rows []SavedSession
	err := s.db.SelectContext(ctx, &rows, `
        SELECT id, topic, final_report, created_at, updated_at
        FROM sessions ORDER BY updated_at DESC
    `)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	return rows, nil
}

// LoadSession returns the archived session with its execution history.
func (s *Store) LoadSession(ctx context.Context, id string) (*SavedSession, error) {
	var sess SavedSession
	err := s.db.GetContext(ctx, &sess, `
        SELECT id, topic, final_report, created_at, updated_at
        FROM sessions WHERE id = ?
    `, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	var execs []executionRow
	err = s.db.SelectContext(ctx, &execs, `
        SELECT id, session_id, agent_name, status, input, output, metadata,
               execution_time_seconds, timestamp
        FROM agent_executions WHERE session_id = ? ORDER BY timestamp ASC
    `, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load execution history: %w", err)
	}

	sess.Executions = make([]models.AgentExecution, 0, len(execs))
	for _, row := range execs {
		exec := models.AgentExecution{
			AgentName:            row.AgentName,
			Status:               row.Status,
			Input:                row.Input,
			Output:               row.Output,
			ExecutionTimeSeconds: row.ExecutionTimeSeconds,
			Timestamp:            row.Timestamp,
		}
		if row.Metadata != "" && row.Metadata != "{}" {
			if err := json.Unmarshal([]byte(row.Metadata), &exec.Metadata); err != nil {
				s.logger.Warn("skipping unreadable execution metadata",
					zap.String("session_id", id), zap.Error(err))
			}
		}
		sess.Executions = append(sess.Executions, exec)
	}
	return &sess, nil
}

// DeleteSession removes a session and, via the foreign key, its history.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrSessionNotFound
	}
	return nil
}
