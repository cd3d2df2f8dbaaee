package exectoken

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// redisSeenOrMarkScript atomically checks-and-sets a token ID with a
// PEXPIRE tied to the token's own expiry, so replay windows self-clean
// without a separate sweeper process.
// KEYS[1] = replay key for this token id
// ARGV[1] = TTL in milliseconds for the key
var redisSeenOrMarkScript = redis.NewScript(`
local key = KEYS[1]
local ttl_ms = tonumber(ARGV[1])

if redis.call("EXISTS", key) == 1 then
    return 1
end

redis.call("SET", key, "1", "PX", ttl_ms)
return 0
`)

// RedisReplayStore implements ReplaySeenStore across a multi-process
// deployment, where the in-memory store's per-process map cannot see
// tokens verified by a sibling process.
type RedisReplayStore struct {
	client *redis.Client
	ctx    context.Context
}

// NewRedisReplayStore wraps an existing redis client. ctx bounds every Lua
// script invocation; callers without a request-scoped context can pass
// context.Background().
func NewRedisReplayStore(ctx context.Context, client *redis.Client) *RedisReplayStore {
	return &RedisReplayStore{client: client, ctx: ctx}
}

// SeenOrMark implements ReplaySeenStore. expiresAtMs is the token's own
// absolute expiry; the key's TTL is computed relative to now so a replay
// key never outlives the token it guards by more than a few seconds of
// clock skew tolerance.
func (s *RedisReplayStore) SeenOrMark(tokenID string, expiresAtMs int64) (bool, error) {
	key := fmt.Sprintf("exectoken:replay:%s", tokenID)

	ttlMs := expiresAtMs - nowMsFn()
	if ttlMs <= 0 {
		ttlMs = 1000
	}

	res, err := redisSeenOrMarkScript.Run(s.ctx, s.client, []string{key}, ttlMs).Result()
	if err != nil {
		return false, fmt.Errorf("exectoken: redis replay check failed: %w", err)
	}

	seen, ok := res.(int64)
	if !ok {
		return false, fmt.Errorf("exectoken: unexpected redis replay script response")
	}
	return seen == 1, nil
}

// nowMsFn is a package-level indirection so tests can pin "now" without a
// full Clock plumbed through the Redis script's TTL computation.
var nowMsFn = func() int64 {
	return wallClock{}.Now().UnixMilli()
}
