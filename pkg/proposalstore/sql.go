package proposalstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// dialect captures the handful of places Postgres and SQLite syntax
// diverge, so sqlBackedStore's query bodies can stay dialect-agnostic.
type dialect struct {
	name string
	// placeholder returns the positional parameter marker for argument n
	// (1-indexed): "$1" for Postgres, "?" for SQLite.
	placeholder func(n int) string
	upsertSQL   func(table, conflictCol string, cols []string) string
}

func (d dialect) ph(n int) string { return d.placeholder(n) }

var postgresDialect = dialect{
	name: "postgres",
	placeholder: func(n int) string {
		return fmt.Sprintf("$%d", n)
	},
	upsertSQL: func(table, conflictCol string, cols []string) string {
		set := ""
		for i, c := range cols {
			if i > 0 {
				set += ", "
			}
			set += fmt.Sprintf("%s = EXCLUDED.%s", c, c)
		}
		return fmt.Sprintf("ON CONFLICT (%s) DO UPDATE SET %s", conflictCol, set)
	},
}

var sqliteDialect = dialect{
	name: "sqlite",
	placeholder: func(n int) string {
		return "?"
	},
	upsertSQL: func(table, conflictCol string, cols []string) string {
		set := ""
		for i, c := range cols {
			if i > 0 {
				set += ", "
			}
			set += fmt.Sprintf("%s = excluded.%s", c, c)
		}
		return fmt.Sprintf("ON CONFLICT (%s) DO UPDATE SET %s", conflictCol, set)
	},
}

// sqlBackedStore implements Store over database/sql, shared between the
// Postgres and SQLite constructors below — the two differ in placeholder
// syntax, schema column types, and the expired-nonce cleanup statement,
// all carried by their dialect.
type sqlBackedStore struct {
	db *sql.DB
	d  dialect
}

const schemaPostgres = `
CREATE TABLE IF NOT EXISTS tool_prompt_baselines (
	tool_name TEXT PRIMARY KEY,
	prompt_hash TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS proposals (
	proposal_id TEXT PRIMARY KEY,
	tool_name TEXT NOT NULL,
	args_json JSONB NOT NULL,
	prompt_hash TEXT NOT NULL,
	composite_score DOUBLE PRECISION NOT NULL,
	decision TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS commits (
	commit_id TEXT PRIMARY KEY,
	proposal_id TEXT NOT NULL,
	token_id TEXT,
	decision TEXT NOT NULL,
	verification_reason TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS nonces (
	nonce TEXT PRIMARY KEY,
	token_id TEXT NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
);
`

const schemaSQLite = `
CREATE TABLE IF NOT EXISTS tool_prompt_baselines (
	tool_name TEXT PRIMARY KEY,
	prompt_hash TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS proposals (
	proposal_id TEXT PRIMARY KEY,
	tool_name TEXT NOT NULL,
	args_json TEXT NOT NULL,
	prompt_hash TEXT NOT NULL,
	composite_score REAL NOT NULL,
	decision TEXT NOT NULL,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS commits (
	commit_id TEXT PRIMARY KEY,
	proposal_id TEXT NOT NULL,
	token_id TEXT,
	decision TEXT NOT NULL,
	verification_reason TEXT NOT NULL,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS nonces (
	nonce TEXT PRIMARY KEY,
	token_id TEXT NOT NULL,
	expires_at TEXT NOT NULL
);
`

// NewPostgresStore opens (and migrates) a proposal/commit store backed by
// Postgres via lib/pq. db must already be configured with a "postgres"
// driver DSN.
func NewPostgresStore(ctx context.Context, db *sql.DB) (Store, error) {
	if _, err := db.ExecContext(ctx, schemaPostgres); err != nil {
		return nil, fmt.Errorf("proposalstore: postgres migrate: %w", err)
	}
	return &sqlBackedStore{db: db, d: postgresDialect}, nil
}

// NewSQLiteStore opens (and migrates) a proposal/commit store backed by
// modernc.org/sqlite — useful for single-binary deployments and tests that
// want real SQL semantics without a Postgres instance.
func NewSQLiteStore(ctx context.Context, db *sql.DB) (Store, error) {
	if _, err := db.ExecContext(ctx, schemaSQLite); err != nil {
		return nil, fmt.Errorf("proposalstore: sqlite migrate: %w", err)
	}
	return &sqlBackedStore{db: db, d: sqliteDialect}, nil
}

func (s *sqlBackedStore) GetBaselinePromptHash(ctx context.Context, toolName string) (string, bool, error) {
	q := fmt.Sprintf("SELECT prompt_hash FROM tool_prompt_baselines WHERE tool_name = %s", s.d.ph(1))
	var hash string
	err := s.db.QueryRowContext(ctx, q, toolName).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return hash, true, nil
}

func (s *sqlBackedStore) SetBaselinePromptHash(ctx context.Context, toolName, promptHash string) error {
	q := fmt.Sprintf(
		"INSERT INTO tool_prompt_baselines (tool_name, prompt_hash) VALUES (%s, %s) %s",
		s.d.ph(1), s.d.ph(2), s.d.upsertSQL("tool_prompt_baselines", "tool_name", []string{"prompt_hash"}),
	)
	_, err := s.db.ExecContext(ctx, q, toolName, promptHash)
	return err
}

func (s *sqlBackedStore) SaveProposal(ctx context.Context, p Proposal) error {
	q := fmt.Sprintf(
		`INSERT INTO proposals (proposal_id, tool_name, args_json, prompt_hash, composite_score, decision, created_at)
		 VALUES (%s, %s, %s, %s, %s, %s, %s)`,
		s.d.ph(1), s.d.ph(2), s.d.ph(3), s.d.ph(4), s.d.ph(5), s.d.ph(6), s.d.ph(7),
	)
	_, err := s.db.ExecContext(ctx, q, p.ProposalID, p.ToolName, p.ArgsJSON, p.PromptHash, p.CompositeScore, p.Decision, p.CreatedAt.UTC())
	return err
}

func (s *sqlBackedStore) GetProposal(ctx context.Context, proposalID string) (*Proposal, bool, error) {
	q := fmt.Sprintf(
		`SELECT proposal_id, tool_name, args_json, prompt_hash, composite_score, decision, created_at
		 FROM proposals WHERE proposal_id = %s`,
		s.d.ph(1),
	)
	var p Proposal
	err := s.db.QueryRowContext(ctx, q, proposalID).Scan(
		&p.ProposalID, &p.ToolName, &p.ArgsJSON, &p.PromptHash, &p.CompositeScore, &p.Decision, &p.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return &p, true, nil
}

func (s *sqlBackedStore) SaveCommit(ctx context.Context, c Commit) error {
	q := fmt.Sprintf(
		`INSERT INTO commits (commit_id, proposal_id, token_id, decision, verification_reason, created_at)
		 VALUES (%s, %s, %s, %s, %s, %s)`,
		s.d.ph(1), s.d.ph(2), s.d.ph(3), s.d.ph(4), s.d.ph(5), s.d.ph(6),
	)
	_, err := s.db.ExecContext(ctx, q, c.CommitID, c.ProposalID, c.TokenID, c.Decision, c.VerificationReason, c.CreatedAt.UTC())
	return err
}

func (s *sqlBackedStore) NonceSeen(ctx context.Context, nonce, tokenID string, expiresAt time.Time) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, deleteExpiredNoncesSQL(s.d)); err != nil {
		return false, err
	}

	q := fmt.Sprintf("SELECT nonce FROM nonces WHERE nonce = %s", s.d.ph(1))
	var existing string
	err = tx.QueryRowContext(ctx, q, nonce).Scan(&existing)
	if err == nil {
		return true, tx.Commit()
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return false, err
	}

	insert := fmt.Sprintf(
		"INSERT INTO nonces (nonce, token_id, expires_at) VALUES (%s, %s, %s)",
		s.d.ph(1), s.d.ph(2), s.d.ph(3),
	)
	if _, err := tx.ExecContext(ctx, insert, nonce, tokenID, expiresAt.UTC()); err != nil {
		return false, err
	}
	return false, tx.Commit()
}

func deleteExpiredNoncesSQL(d dialect) string {
	if d.name == "postgres" {
		return "DELETE FROM nonces WHERE expires_at <= NOW()"
	}
	return "DELETE FROM nonces WHERE expires_at <= CURRENT_TIMESTAMP"
}
