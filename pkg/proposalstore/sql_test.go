package proposalstore

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockedPostgresStore(t *testing.T) (*sqlBackedStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mock.ExpectExec(".*").WillReturnResult(sqlmock.NewResult(0, 0))
	store, err := NewPostgresStore(context.Background(), db)
	require.NoError(t, err)
	return store.(*sqlBackedStore), mock
}

func TestPostgresStoreGetBaselinePromptHashFound(t *testing.T) {
	store, mock := newMockedPostgresStore(t)

	rows := sqlmock.NewRows([]string{"prompt_hash"}).AddRow("abc123")
	mock.ExpectQuery(regexp.QuoteMeta("SELECT prompt_hash FROM tool_prompt_baselines WHERE tool_name = $1")).
		WithArgs("refund_tool").
		WillReturnRows(rows)

	hash, ok, err := store.GetBaselinePromptHash(context.Background(), "refund_tool")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "abc123", hash)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreGetBaselinePromptHashNotFound(t *testing.T) {
	store, mock := newMockedPostgresStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT prompt_hash FROM tool_prompt_baselines WHERE tool_name = $1")).
		WithArgs("unknown_tool").
		WillReturnRows(sqlmock.NewRows([]string{"prompt_hash"}))

	_, ok, err := store.GetBaselinePromptHash(context.Background(), "unknown_tool")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPostgresStoreSetBaselinePromptHashUpserts(t *testing.T) {
	store, mock := newMockedPostgresStore(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO tool_prompt_baselines")).
		WithArgs("refund_tool", "new-hash").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.SetBaselinePromptHash(context.Background(), "refund_tool", "new-hash")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreSaveAndGetProposal(t *testing.T) {
	store, mock := newMockedPostgresStore(t)

	createdAt := time.Now().UTC()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO proposals")).
		WithArgs("prop-1", "issue_invoice_refund", `{"amount":100}`, "hash-1", 0.12, "REVIEW", createdAt).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.SaveProposal(context.Background(), Proposal{
		ProposalID:     "prop-1",
		ToolName:       "issue_invoice_refund",
		ArgsJSON:       `{"amount":100}`,
		PromptHash:     "hash-1",
		CompositeScore: 0.12,
		Decision:       "REVIEW",
		CreatedAt:      createdAt,
	})
	require.NoError(t, err)

	rows := sqlmock.NewRows([]string{"proposal_id", "tool_name", "args_json", "prompt_hash", "composite_score", "decision", "created_at"}).
		AddRow("prop-1", "issue_invoice_refund", `{"amount":100}`, "hash-1", 0.12, "REVIEW", createdAt)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT proposal_id, tool_name, args_json, prompt_hash, composite_score, decision, created_at")).
		WithArgs("prop-1").
		WillReturnRows(rows)

	got, ok, err := store.GetProposal(context.Background(), "prop-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "issue_invoice_refund", got.ToolName)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreNonceSeenFirstUseThenReplay(t *testing.T) {
	store, mock := newMockedPostgresStore(t)
	expiry := time.Now().Add(time.Minute).UTC()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM nonces WHERE expires_at <= NOW()")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT nonce FROM nonces WHERE nonce = $1")).
		WithArgs("nonce-1").
		WillReturnRows(sqlmock.NewRows([]string{"nonce"}))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO nonces")).
		WithArgs("nonce-1", "token-1", expiry).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	seen, err := store.NonceSeen(context.Background(), "nonce-1", "token-1", expiry)
	require.NoError(t, err)
	assert.False(t, seen)
}
