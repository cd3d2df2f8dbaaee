// Package proposalstore persists the two-phase propose/commit protocol's
// proposal and commit records, plus tool prompt baselines and nonce replay
// state, behind a single Store interface with in-memory and SQL-backed
// implementations.
package proposalstore

import (
	"context"
	"time"
)

// Proposal is a persisted candidate-action record awaiting commit.
type Proposal struct {
	ProposalID     string
	ToolName       string
	ArgsJSON       string
	PromptHash     string
	CompositeScore float64
	Decision       string
	CreatedAt      time.Time
}

// Commit is a persisted record of a proposal being executed.
type Commit struct {
	CommitID            string
	ProposalID          string
	TokenID             string
	Decision            string
	VerificationReason  string
	CreatedAt           time.Time
}

// Store is the storage backend for proposals, commits, tool prompt
// baselines, and nonce replay checks. Implementations must be safe for
// concurrent use.
type Store interface {
	GetBaselinePromptHash(ctx context.Context, toolName string) (string, bool, error)
	SetBaselinePromptHash(ctx context.Context, toolName, promptHash string) error

	SaveProposal(ctx context.Context, p Proposal) error
	GetProposal(ctx context.Context, proposalID string) (*Proposal, bool, error)

	SaveCommit(ctx context.Context, c Commit) error

	// NonceSeen reports whether nonce was already recorded and active. If
	// not, it records nonce (bound to tokenID, expiring at expiresAt) and
	// returns false.
	NonceSeen(ctx context.Context, nonce, tokenID string, expiresAt time.Time) (bool, error)
}
