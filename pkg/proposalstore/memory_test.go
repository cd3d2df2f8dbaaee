package proposalstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryStoreBaselineRoundTrip(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	_, ok, err := s.GetBaselinePromptHash(ctx, "refund_tool")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.SetBaselinePromptHash(ctx, "refund_tool", "hash-1"))
	hash, ok, err := s.GetBaselinePromptHash(ctx, "refund_tool")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "hash-1", hash)
}

func TestInMemoryStoreProposalRoundTrip(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	p := Proposal{
		ProposalID:     "prop-1",
		ToolName:       "issue_invoice_refund",
		ArgsJSON:       `{"amount":100}`,
		PromptHash:     "hash",
		CompositeScore: 0.12,
		Decision:       "REVIEW",
		CreatedAt:      time.Now().UTC(),
	}
	require.NoError(t, s.SaveProposal(ctx, p))

	got, ok, err := s.GetProposal(ctx, "prop-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, p.ToolName, got.ToolName)

	_, ok, err = s.GetProposal(ctx, "does-not-exist")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestInMemoryStoreNonceSeenDetectsReplay(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()
	expiry := time.Now().Add(time.Minute)

	seen, err := s.NonceSeen(ctx, "nonce-1", "token-1", expiry)
	require.NoError(t, err)
	assert.False(t, seen)

	seen, err = s.NonceSeen(ctx, "nonce-1", "token-1", expiry)
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestInMemoryStoreNonceSeenExpiresOldEntries(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	alreadyExpired := time.Now().Add(-time.Minute)
	seen, err := s.NonceSeen(ctx, "nonce-old", "token-old", alreadyExpired)
	require.NoError(t, err)
	assert.False(t, seen)

	seen, err = s.NonceSeen(ctx, "nonce-old", "token-new", time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, seen, "entries past their own expiry must be GC'd before the replay check")
}

func TestInMemoryStoreSaveCommit(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	err := s.SaveCommit(ctx, Commit{
		CommitID:           "commit-1",
		ProposalID:         "prop-1",
		TokenID:            "tok-1",
		Decision:           "EXECUTED",
		VerificationReason: "ok",
		CreatedAt:          time.Now(),
	})
	assert.NoError(t, err)
}
