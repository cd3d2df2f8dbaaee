// Package exectoken issues and verifies short-lived, HMAC-signed
// capability tokens that bind a policy decision to a specific
// (tool_name, tool_args_hash) pair, with single-use replay protection.
//
// The same implementation backs both execution tokens and commit tokens;
// only the default TTL and the caller-facing reason strings differ
// between the two call sites.
package exectoken

// Payload is the signed, base64url-encoded inner content of a token.
// IssuedAt/ExpiresAt are Unix milliseconds on the wire.
type Payload struct {
	TokenID            string  `json:"token_id"`
	TraceID            string  `json:"trace_id"`
	ToolName           string  `json:"tool_name"`
	ToolArgsHash       string  `json:"tool_args_hash"`
	Decision           string  `json:"decision"`
	CompositeRiskScore float64 `json:"composite_risk_score"`
	IssuedAt           int64   `json:"issued_at"`
	ExpiresAt          int64   `json:"expires_at"`
	Nonce              string  `json:"nonce"`

	// ProposalID is set only for commit tokens; execution tokens
	// carry TraceID instead. Both fields exist on the wire payload so a
	// single Payload type can serve either call site; the unused one is
	// simply empty.
	ProposalID string `json:"proposal_id,omitempty"`
}

// Reason is a typed verification-failure (or success) reason so callers
// can switch exhaustively instead of comparing raw strings.
type Reason string

const (
	ReasonOK                  Reason = "ok"
	ReasonTokenDecodeFailed   Reason = "token_decode_failed"
	ReasonInvalidSignature    Reason = "invalid_signature"
	ReasonBadSignature        Reason = "bad_signature"
	ReasonInvalidPayloadJSON  Reason = "invalid_payload_json"
	ReasonTokenExpired        Reason = "token_expired"
	ReasonExpired             Reason = "expired"
	ReasonToolNameMismatch    Reason = "tool_name_mismatch"
	ReasonArgsHashMismatch    Reason = "tool_args_hash_mismatch"
	ReasonCommitArgsMismatch  Reason = "args_hash_mismatch"
	ReasonTokenReplayDetected Reason = "token_replay_detected"
	ReasonNonceReplay         Reason = "nonce_replay"
	ReasonUnknownProposal     Reason = "unknown_proposal"
)

// IssuedToken is the result of Issue: the opaque wire token plus its
// metadata and the payload it carries.
type IssuedToken struct {
	Token     string
	TokenID   string
	TokenHash string
	TTLMs     int64
	Payload   Payload
}

// Result is the outcome of Verify.
type Result struct {
	Valid   bool
	Reason  Reason
	Payload *Payload
}
