package propose

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mcpguard/interceptor/pkg/canon"
	"github.com/mcpguard/interceptor/pkg/exectoken"
	"github.com/mcpguard/interceptor/pkg/proposalstore"
)

// CommitResult is the outcome of VerifyCommit. TokenID is populated
// whenever the token parsed far enough to expose one, so failed commits
// can still be audited against the token that presented them.
type CommitResult struct {
	OK      bool
	Reason  string
	TokenID string
}

// Verifier checks a commit request against its proposal, its commit
// token's signature/expiry/bindings, and nonce replay, in that order.
type Verifier struct {
	store    proposalstore.Store
	verifier *exectoken.Verifier
}

// NewVerifier builds a Verifier. verifier must share the same secret as
// the Proposer's issuer (the commit-token secret), and should be
// constructed with replay protection disabled (replayProtection=false) —
// commit-token replay is enforced at the nonce layer below via the store,
// not at the token layer, matching the proposal/commit protocol's single
// source of replay truth.
func NewVerifier(store proposalstore.Store, verifier *exectoken.Verifier) *Verifier {
	return &Verifier{store: store, verifier: verifier}
}

// VerifyCommit checks that proposalID was allowed, commitToken validly
// signs it, and toolName/toolArgs match what the proposal was scored
// against. It does not re-run the scoring — the commit token is the proof
// that scoring already happened and passed. The checks run in a fixed
// order (proposal row, signature/expiry, proposal binding, tool/args
// binding, nonce) and the first failing step determines the reason.
func (v *Verifier) VerifyCommit(ctx context.Context, proposalID, commitToken, toolName string, toolArgs map[string]any) (CommitResult, error) {
	proposal, ok, err := v.store.GetProposal(ctx, proposalID)
	if err != nil {
		return CommitResult{}, fmt.Errorf("propose: verify commit: read proposal: %w", err)
	}
	if !ok || proposal.Decision != string(DecisionAllow) {
		return CommitResult{OK: false, Reason: "unknown_proposal"}, nil
	}

	decoded := v.verifier.Decode(commitToken)
	if !decoded.Valid {
		tokenID := ""
		if decoded.Payload != nil {
			tokenID = decoded.Payload.TokenID
		}
		return CommitResult{OK: false, Reason: commitReason(decoded.Reason), TokenID: tokenID}, nil
	}

	payload := decoded.Payload
	if payload.ProposalID != proposalID {
		return CommitResult{OK: false, Reason: "unknown_proposal", TokenID: payload.TokenID}, nil
	}

	argsDigest, err := canon.ArgsHash(toolArgs)
	if err != nil {
		return CommitResult{}, fmt.Errorf("propose: verify commit: hash args: %w", err)
	}
	// A tool_name mismatch folds into args_hash_mismatch; downstream audit
	// consumers depend on this exact reason string.
	if payload.ToolName != toolName || payload.ToolArgsHash != argsDigest {
		return CommitResult{OK: false, Reason: string(exectoken.ReasonCommitArgsMismatch), TokenID: payload.TokenID}, nil
	}

	expiresAt := time.UnixMilli(payload.ExpiresAt).UTC()
	replayed, err := v.store.NonceSeen(ctx, payload.Nonce, payload.TokenID, expiresAt)
	if err != nil {
		return CommitResult{}, fmt.Errorf("propose: verify commit: nonce check: %w", err)
	}
	if replayed {
		return CommitResult{OK: false, Reason: "nonce_replay", TokenID: payload.TokenID}, nil
	}

	return CommitResult{OK: true, Reason: "ok", TokenID: payload.TokenID}, nil
}

// commitReason translates a token decode failure into the commit-token
// reason taxonomy: every malformed-token case reads bad_signature, expiry
// reads expired. Downstream audit consumers depend on these exact
// strings.
func commitReason(r exectoken.Reason) string {
	switch r {
	case exectoken.ReasonTokenDecodeFailed, exectoken.ReasonInvalidSignature, exectoken.ReasonInvalidPayloadJSON:
		return string(exectoken.ReasonBadSignature)
	case exectoken.ReasonTokenExpired:
		return string(exectoken.ReasonExpired)
	default:
		return string(r)
	}
}

// RecordCommit persists the outcome of an attempted commit, regardless of
// whether verification succeeded, for audit purposes.
func (v *Verifier) RecordCommit(ctx context.Context, proposalID, tokenID, decision, verificationReason string) (string, error) {
	commitID := uuid.NewString()
	err := v.store.SaveCommit(ctx, proposalstore.Commit{
		CommitID:           commitID,
		ProposalID:         proposalID,
		TokenID:            tokenID,
		Decision:           decision,
		VerificationReason: verificationReason,
		CreatedAt:          time.Now().UTC(),
	})
	if err != nil {
		return "", fmt.Errorf("propose: record commit: %w", err)
	}
	return commitID, nil
}
