// internal/store/postgres.go
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/formpilot/api/schemas"
)

// DBPool is an interface that abstracts the pgxpool.Pool to allow for mocking in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS sessions (
    id            TEXT PRIMARY KEY,
    target_url    TEXT NOT NULL,
    target_ref    TEXT,
    backend       TEXT NOT NULL,
    outcome       TEXT NOT NULL,
    final_state   TEXT NOT NULL,
    started_at    TIMESTAMPTZ NOT NULL,
    finished_at   TIMESTAMPTZ NOT NULL,
    total_actions INTEGER NOT NULL,
    errors        INTEGER NOT NULL,
    journal_ref   TEXT,
    result        JSONB NOT NULL
);
CREATE TABLE IF NOT EXISTS session_actions (
    session_id  TEXT NOT NULL REFERENCES sessions (id) ON DELETE CASCADE,
    sequence    INTEGER NOT NULL,
    type        TEXT NOT NULL,
    target      TEXT,
    params      JSONB NOT NULL,
    outcome     TEXT NOT NULL,
    error_kind  TEXT,
    error       TEXT,
    occurred_at TIMESTAMPTZ NOT NULL,
    duration_ms BIGINT NOT NULL,
    PRIMARY KEY (session_id, sequence)
);`

const upsertSessionSQL = `
INSERT INTO sessions (id, target_url, target_ref, backend, outcome, final_state, started_at, finished_at, total_actions, errors, journal_ref, result)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT (id) DO UPDATE SET
    outcome = EXCLUDED.outcome,
    final_state = EXCLUDED.final_state,
    finished_at = EXCLUDED.finished_at,
    total_actions = EXCLUDED.total_actions,
    errors = EXCLUDED.errors,
    journal_ref = EXCLUDED.journal_ref,
    result = EXCLUDED.result;`

const deleteActionsSQL = `DELETE FROM session_actions WHERE session_id = $1;`

const selectResultSQL = `SELECT result FROM sessions WHERE id = $1;`

var actionColumns = []string{"session_id", "sequence", "type", "target", "params", "outcome", "error_kind", "error", "occurred_at", "duration_ms"}

// Postgres stores results in a sessions table and the journal, one row per
// action, in session_actions.
type Postgres struct {
	pool DBPool
	log  *zap.Logger
}

// NewPostgres creates a new store instance and verifies the connection.
func NewPostgres(ctx context.Context, pool DBPool, logger *zap.Logger) (*Postgres, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Postgres{pool: pool, log: logger.Named("postgres_store")}, nil
}

// EnsureSchema creates the tables when they do not exist.
func (s *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Save writes the result and replaces its journal rows in one transaction.
func (s *Postgres) Save(ctx context.Context, r *schemas.ApplicationResult) error {
	doc, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		// Rollback after Commit returns ErrTxClosed, which is expected.
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	m := r.Meta
	if _, err := tx.Exec(ctx, upsertSessionSQL,
		m.SessionID, m.TargetURL, m.TargetRef, m.Backend,
		string(r.Outcome), r.FinalState,
		m.StartedAt.UTC(), m.FinishedAt.UTC(),
		r.Metrics.TotalActions, r.Metrics.Errors,
		r.JournalRef, doc,
	); err != nil {
		return fmt.Errorf("failed to upsert session: %w", err)
	}

	if _, err := tx.Exec(ctx, deleteActionsSQL, m.SessionID); err != nil {
		return fmt.Errorf("failed to clear journal rows: %w", err)
	}
	if len(r.Journal) > 0 {
		if err := s.copyActions(ctx, tx, m.SessionID, r.Journal); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *Postgres) copyActions(ctx context.Context, tx pgx.Tx, sessionID string, actions []schemas.Action) error {
	rows := make([][]any, len(actions))
	for i, a := range actions {
		params := []byte("{}")
		if len(a.Params) > 0 {
			b, err := json.Marshal(a.Params)
			if err != nil {
				return fmt.Errorf("failed to encode params of action %d: %w", a.Sequence, err)
			}
			params = b
		}
		rows[i] = []any{
			sessionID, a.Sequence, string(a.Type), a.Target, params,
			string(a.Outcome), string(a.ErrorKind), a.Error,
			a.Timestamp.UTC(), a.Duration.Milliseconds(),
		}
	}

	n, err := tx.CopyFrom(ctx, pgx.Identifier{"session_actions"}, actionColumns, pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("failed to copy journal: %w", err)
	}
	if int(n) != len(actions) {
		return fmt.Errorf("mismatch in copied journal count: expected %d, got %d", len(actions), n)
	}
	return nil
}

// Get loads a stored result.
func (s *Postgres) Get(ctx context.Context, sessionID string) (*schemas.ApplicationResult, error) {
	rows, err := s.pool.Query(ctx, selectResultSQL, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query result: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("error during row iteration: %w", err)
		}
		return nil, ErrNotFound
	}
	var doc []byte
	if err := rows.Scan(&doc); err != nil {
		return nil, fmt.Errorf("failed to scan result row: %w", err)
	}
	var r schemas.ApplicationResult
	if err := json.Unmarshal(doc, &r); err != nil {
		return nil, fmt.Errorf("failed to decode result: %w", err)
	}
	return &r, nil
}
