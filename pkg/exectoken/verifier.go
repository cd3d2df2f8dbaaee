package exectoken

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"os"
	"strings"
	"sync"
)

// ReplaySeenStore records which token IDs have already been verified, so a
// captured token cannot be replayed after the fact. Implementations must be
// safe for concurrent use.
type ReplaySeenStore interface {
	// SeenOrMark atomically checks whether tokenID has been recorded before
	// and, if not, records it with the given expiry (unix ms). It reports
	// whether the token was already seen.
	SeenOrMark(tokenID string, expiresAtMs int64) (alreadySeen bool, err error)
}

// inMemoryReplayStore is the default ReplaySeenStore, a GC'd map guarded by
// a mutex — adequate for a single-process deployment; multi-process
// deployments should inject RedisReplayStore instead.
type inMemoryReplayStore struct {
	mu    sync.Mutex
	seen  map[string]int64
	clock Clock
}

// NewInMemoryReplayStore returns a process-local replay store.
func NewInMemoryReplayStore() ReplaySeenStore {
	return &inMemoryReplayStore{seen: make(map[string]int64)}
}

func (s *inMemoryReplayStore) SeenOrMark(tokenID string, expiresAtMs int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.gc(s.nowMs())
	if _, ok := s.seen[tokenID]; ok {
		return true, nil
	}
	s.seen[tokenID] = expiresAtMs
	return false, nil
}

// nowMs is the current time (unix ms) used for GC: the injected clock when
// one is set, otherwise the wall clock.
func (s *inMemoryReplayStore) nowMs() int64 {
	if s.clock != nil {
		return s.clock.Now().UnixMilli()
	}
	return nowMsFn()
}

// gc drops entries that expired at or before nowMs. Called under lock.
func (s *inMemoryReplayStore) gc(nowMs int64) {
	for k, v := range s.seen {
		if v <= nowMs {
			delete(s.seen, k)
		}
	}
}

// Verifier checks signed execution tokens and binds them to the tool
// invocation they authorize.
type Verifier struct {
	secret           []byte
	clock            Clock
	replayProtection bool
	replay           ReplaySeenStore
}

// NewVerifier builds a Verifier. secretKey resolves the same way as
// NewIssuer's. replay may be nil, in which case an in-memory store is used.
func NewVerifier(secretKey string, replayProtection bool, clock Clock, replay ReplaySeenStore) *Verifier {
	if secretKey == "" {
		secretKey = envOrDefault()
	}
	if clock == nil {
		clock = wallClock{}
	}
	if replay == nil {
		replay = &inMemoryReplayStore{seen: make(map[string]int64), clock: clock}
	}
	return &Verifier{secret: []byte(secretKey), clock: clock, replayProtection: replayProtection, replay: replay}
}

func envOrDefault() string {
	if v := os.Getenv(defaultSecretEnv); v != "" {
		return v
	}
	return devSecret
}

// VerifyBinding is what the token must match for a call to be authorized.
type VerifyBinding struct {
	ToolName     string
	ToolArgsHash string
}

// Decode checks token's structure, signature, payload JSON, and expiry —
// everything that can be verified without knowing which tool call the
// token is being presented for. Callers that bind the token to other
// state first (e.g. a proposal row) use this directly and apply their
// own binding checks in their own order.
func (v *Verifier) Decode(token string) Result {
	payloadB64, sigB64, ok := splitToken(token)
	if !ok {
		return Result{Valid: false, Reason: ReasonTokenDecodeFailed}
	}

	raw, err := base64.URLEncoding.DecodeString(payloadB64)
	if err != nil {
		return Result{Valid: false, Reason: ReasonTokenDecodeFailed}
	}
	sig, err := base64.URLEncoding.DecodeString(sigB64)
	if err != nil {
		return Result{Valid: false, Reason: ReasonTokenDecodeFailed}
	}

	mac := hmac.New(sha256.New, v.secret)
	mac.Write(raw)
	expectedSig := mac.Sum(nil)
	if !hmac.Equal(sig, expectedSig) {
		return Result{Valid: false, Reason: ReasonInvalidSignature}
	}

	var payload Payload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return Result{Valid: false, Reason: ReasonInvalidPayloadJSON}
	}

	nowMs := v.clock.Now().UnixMilli()
	if payload.ExpiresAt <= nowMs {
		return Result{Valid: false, Reason: ReasonTokenExpired, Payload: &payload}
	}

	return Result{Valid: true, Reason: ReasonOK, Payload: &payload}
}

// Verify checks token's signature, expiry, tool/args binding, and replay
// status, in that exact order; the first failing step determines Reason.
// Audit consumers depend on the ordering, so it must not change.
func (v *Verifier) Verify(token string, binding VerifyBinding) Result {
	decoded := v.Decode(token)
	if !decoded.Valid {
		return decoded
	}
	payload := decoded.Payload

	if payload.ToolName != binding.ToolName {
		return Result{Valid: false, Reason: ReasonToolNameMismatch, Payload: payload}
	}

	if payload.ToolArgsHash != binding.ToolArgsHash {
		return Result{Valid: false, Reason: ReasonArgsHashMismatch, Payload: payload}
	}

	if v.replayProtection && payload.TokenID != "" {
		alreadySeen, err := v.replay.SeenOrMark(payload.TokenID, payload.ExpiresAt)
		if err != nil {
			return Result{Valid: false, Reason: ReasonTokenDecodeFailed, Payload: payload}
		}
		if alreadySeen {
			return Result{Valid: false, Reason: ReasonTokenReplayDetected, Payload: payload}
		}
	}

	return Result{Valid: true, Reason: ReasonOK, Payload: payload}
}

func splitToken(token string) (payloadB64, sigB64 string, ok bool) {
	idx := strings.IndexByte(token, '.')
	if idx < 0 {
		return "", "", false
	}
	return token[:idx], token[idx+1:], true
}
