package exectoken

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedClock struct{ t time.Time }

func (f fixedClock) Now() time.Time { return f.t }

func TestIssueThenVerifyRoundTrip(t *testing.T) {
	clock := fixedClock{t: time.UnixMilli(1_700_000_000_000)}
	issuer := NewIssuer("test-secret", 30_000, clock)
	verifier := NewVerifier("test-secret", true, clock, nil)

	issued, err := issuer.Issue(IssueParams{
		TraceID:            "trace-1",
		ToolName:           "send_wire_transfer",
		ToolArgsHash:       "abc123",
		Decision:           "ALLOW",
		CompositeRiskScore: 0.05,
	})
	require.NoError(t, err)

	result := verifier.Verify(issued.Token, VerifyBinding{ToolName: "send_wire_transfer", ToolArgsHash: "abc123"})
	assert.True(t, result.Valid)
	assert.Equal(t, ReasonOK, result.Reason)
	assert.Equal(t, "trace-1", result.Payload.TraceID)
}

func TestVerifyRejectsTamperedSignature(t *testing.T) {
	clock := fixedClock{t: time.UnixMilli(1_700_000_000_000)}
	issuer := NewIssuer("test-secret", 30_000, clock)
	verifier := NewVerifier("different-secret", true, clock, nil)

	issued, err := issuer.Issue(IssueParams{TraceID: "t", ToolName: "tool", ToolArgsHash: "h"})
	require.NoError(t, err)

	result := verifier.Verify(issued.Token, VerifyBinding{ToolName: "tool", ToolArgsHash: "h"})
	assert.False(t, result.Valid)
	assert.Equal(t, ReasonInvalidSignature, result.Reason)
}

func TestVerifyRejectsMalformedToken(t *testing.T) {
	verifier := NewVerifier("secret", true, nil, nil)
	result := verifier.Verify("not-a-valid-token", VerifyBinding{ToolName: "x", ToolArgsHash: "y"})
	assert.False(t, result.Valid)
	assert.Equal(t, ReasonTokenDecodeFailed, result.Reason)
}

// An execution token presented after its TTL
// elapses must be rejected with token_expired, even with a valid signature
// and a correct tool/args binding.
func TestScenarioTokenExpiry(t *testing.T) {
	issueTime := fixedClock{t: time.UnixMilli(1_700_000_000_000)}
	issuer := NewIssuer("test-secret", 5_000, issueTime)

	issued, err := issuer.Issue(IssueParams{TraceID: "t", ToolName: "refund", ToolArgsHash: "h"})
	require.NoError(t, err)

	afterExpiry := fixedClock{t: issueTime.t.Add(10 * time.Second)}
	verifier := NewVerifier("test-secret", true, afterExpiry, nil)

	result := verifier.Verify(issued.Token, VerifyBinding{ToolName: "refund", ToolArgsHash: "h"})
	assert.False(t, result.Valid)
	assert.Equal(t, ReasonTokenExpired, result.Reason)
	require.NotNil(t, result.Payload)
	assert.Equal(t, "refund", result.Payload.ToolName)
}

func TestVerifyRejectsToolNameMismatch(t *testing.T) {
	clock := fixedClock{t: time.UnixMilli(1_700_000_000_000)}
	issuer := NewIssuer("test-secret", 30_000, clock)
	verifier := NewVerifier("test-secret", true, clock, nil)

	issued, err := issuer.Issue(IssueParams{TraceID: "t", ToolName: "send_wire_transfer", ToolArgsHash: "h"})
	require.NoError(t, err)

	result := verifier.Verify(issued.Token, VerifyBinding{ToolName: "delete_account", ToolArgsHash: "h"})
	assert.False(t, result.Valid)
	assert.Equal(t, ReasonToolNameMismatch, result.Reason)
}

func TestVerifyRejectsArgsHashMismatch(t *testing.T) {
	clock := fixedClock{t: time.UnixMilli(1_700_000_000_000)}
	issuer := NewIssuer("test-secret", 30_000, clock)
	verifier := NewVerifier("test-secret", true, clock, nil)

	issued, err := issuer.Issue(IssueParams{TraceID: "t", ToolName: "tool", ToolArgsHash: "original-hash"})
	require.NoError(t, err)

	result := verifier.Verify(issued.Token, VerifyBinding{ToolName: "tool", ToolArgsHash: "tampered-hash"})
	assert.False(t, result.Valid)
	assert.Equal(t, ReasonArgsHashMismatch, result.Reason)
}

// Presenting the same valid token twice must
// succeed once and fail with token_replay_detected the second time.
func TestScenarioTokenReplayRejectedOnSecondUse(t *testing.T) {
	clock := fixedClock{t: time.UnixMilli(1_700_000_000_000)}
	issuer := NewIssuer("test-secret", 30_000, clock)
	verifier := NewVerifier("test-secret", true, clock, nil)

	issued, err := issuer.Issue(IssueParams{TraceID: "t", ToolName: "tool", ToolArgsHash: "h"})
	require.NoError(t, err)
	binding := VerifyBinding{ToolName: "tool", ToolArgsHash: "h"}

	first := verifier.Verify(issued.Token, binding)
	assert.True(t, first.Valid)

	second := verifier.Verify(issued.Token, binding)
	assert.False(t, second.Valid)
	assert.Equal(t, ReasonTokenReplayDetected, second.Reason)
}

func TestVerifyWithReplayProtectionDisabledAllowsReuse(t *testing.T) {
	clock := fixedClock{t: time.UnixMilli(1_700_000_000_000)}
	issuer := NewIssuer("test-secret", 30_000, clock)
	verifier := NewVerifier("test-secret", false, clock, nil)

	issued, err := issuer.Issue(IssueParams{TraceID: "t", ToolName: "tool", ToolArgsHash: "h"})
	require.NoError(t, err)
	binding := VerifyBinding{ToolName: "tool", ToolArgsHash: "h"}

	assert.True(t, verifier.Verify(issued.Token, binding).Valid)
	assert.True(t, verifier.Verify(issued.Token, binding).Valid)
}

func TestCommitTokenCarriesProposalIDNotTraceID(t *testing.T) {
	clock := fixedClock{t: time.UnixMilli(1_700_000_000_000)}
	issuer := NewIssuer("test-secret", 60_000, clock)

	issued, err := issuer.IssueCommitToken("proposal-42", "issue_invoice_refund", "hash-1")
	require.NoError(t, err)

	assert.Equal(t, "proposal-42", issued.Payload.ProposalID)
	assert.Empty(t, issued.Payload.TraceID)
	assert.Equal(t, "COMMIT", issued.Payload.Decision)
}

func TestInMemoryReplayStoreGCsExpiredEntries(t *testing.T) {
	store := NewInMemoryReplayStore()

	seen, err := store.SeenOrMark("tok-1", 1000)
	require.NoError(t, err)
	assert.False(t, seen)

	// Past the expiry of tok-1: the GC pass (triggered by this call) drops
	// it before tok-2 is checked, so tok-1 would be admissible again while
	// tok-2 is freshly recorded.
	seen, err = store.SeenOrMark("tok-2", 5000)
	require.NoError(t, err)
	assert.False(t, seen)
}
