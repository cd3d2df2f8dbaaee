package exectoken

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/mcpguard/interceptor/pkg/canon"
)

// Clock provides issuance/verification time. Tests inject a fixed clock to
// make TTL expiry and replay-GC assertions deterministic.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

const defaultSecretEnv = "MCP_OBSERVATORY_TOKEN_SECRET"
const devSecret = "dev-secret"

// Issuer signs execution tokens with a shared HMAC-SHA256 secret.
type Issuer struct {
	secret []byte
	ttlMs  int64
	clock  Clock
}

// NewIssuer builds an Issuer. An empty secretKey falls back to the
// MCP_OBSERVATORY_TOKEN_SECRET environment variable, then to the insecure
// development default "dev-secret". A nil clock uses the wall clock.
func NewIssuer(secretKey string, ttlMs int64, clock Clock) *Issuer {
	if secretKey == "" {
		secretKey = os.Getenv(defaultSecretEnv)
	}
	if secretKey == "" {
		secretKey = devSecret
	}
	if clock == nil {
		clock = wallClock{}
	}
	return &Issuer{secret: []byte(secretKey), ttlMs: ttlMs, clock: clock}
}

// IssueParams carries the bindings a token commits to.
type IssueParams struct {
	TraceID            string
	ToolName           string
	ToolArgsHash       string
	Decision           string
	CompositeRiskScore float64
}

// Issue signs a new execution token bound to the given trace and tool call.
func (i *Issuer) Issue(p IssueParams) (IssuedToken, error) {
	issuedAt := i.clock.Now().UnixMilli()
	payload := Payload{
		TokenID:            uuid.NewString(),
		TraceID:            p.TraceID,
		ToolName:           p.ToolName,
		ToolArgsHash:       p.ToolArgsHash,
		Decision:           p.Decision,
		CompositeRiskScore: p.CompositeRiskScore,
		IssuedAt:           issuedAt,
		ExpiresAt:          issuedAt + i.ttlMs,
		Nonce:              uuid.NewString(),
	}
	return i.sign(payload)
}

// IssueCommitToken signs a commit token bound to a proposal rather than a
// trace. It reuses the same payload shape, leaving TraceID empty and
// ProposalID set.
func (i *Issuer) IssueCommitToken(proposalID, toolName, toolArgsHash string) (IssuedToken, error) {
	issuedAt := i.clock.Now().UnixMilli()
	payload := Payload{
		TokenID:      uuid.NewString(),
		ProposalID:   proposalID,
		ToolName:     toolName,
		ToolArgsHash: toolArgsHash,
		Decision:     "COMMIT",
		IssuedAt:     issuedAt,
		ExpiresAt:    issuedAt + i.ttlMs,
		Nonce:        uuid.NewString(),
	}
	return i.sign(payload)
}

func (i *Issuer) sign(payload Payload) (IssuedToken, error) {
	// The payload is serialized as canonical JSON (sorted keys, no
	// whitespace); Verify recomputes the HMAC over the exact payload bytes
	// it decodes.
	raw, err := canon.JCS(payload)
	if err != nil {
		return IssuedToken{}, err
	}

	mac := hmac.New(sha256.New, i.secret)
	mac.Write(raw)
	sig := mac.Sum(nil)

	token := base64.URLEncoding.EncodeToString(raw) + "." + base64.URLEncoding.EncodeToString(sig)
	hash := sha256.Sum256([]byte(token))

	return IssuedToken{
		Token:     token,
		TokenID:   payload.TokenID,
		TokenHash: hex.EncodeToString(hash[:]),
		TTLMs:     i.ttlMs,
		Payload:   payload,
	}, nil
}
