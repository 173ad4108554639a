package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// The bucket is stored in milli-tokens so the script only does integer math
// and the reply needs no float parsing.
const tokenBucketScript = `
local rate_per_ms = tonumber(ARGV[1]) / 1000
local capacity = tonumber(ARGV[2]) * 1000
local ttl_ms = tonumber(ARGV[3])

local t = redis.call("TIME")
local now = t[1] * 1000 + math.floor(t[2] / 1000)

local state = redis.call("HMGET", KEYS[1], "mtokens", "ts")
local mtokens = tonumber(state[1])
local ts = tonumber(state[2])
if mtokens == nil or ts == nil then
  mtokens = capacity
else
  local elapsed = math.max(0, now - ts)
  mtokens = math.min(capacity, mtokens + math.floor(elapsed * rate_per_ms * 1000))
end

local allowed = 0
local retry_ms = 0
if mtokens >= 1000 then
  allowed = 1
  mtokens = mtokens - 1000
else
  retry_ms = math.ceil((1000 - mtokens) / (rate_per_ms * 1000))
end

redis.call("HSET", KEYS[1], "mtokens", mtokens, "ts", now)
redis.call("PEXPIRE", KEYS[1], ttl_ms)

return {allowed, mtokens, retry_ms}
`

// Limit is a refill rate in tokens per second and a bucket capacity.
type Limit struct {
	PerSecond float64
	Burst     int
}

func (l Limit) validate() error {
	if l.PerSecond <= 0 || math.IsInf(l.PerSecond, 0) || math.IsNaN(l.PerSecond) {
		return fmt.Errorf("rate limit: invalid refill rate %v", l.PerSecond)
	}
	if l.Burst <= 0 {
		return fmt.Errorf("rate limit: invalid burst %d", l.Burst)
	}
	return nil
}

// idleTTL is how long an untouched bucket survives: twice the time to refill
// from empty, after which it would be full anyway.
func (l Limit) idleTTL() time.Duration {
	ttl := time.Duration(2 * float64(l.Burst) / l.PerSecond * float64(time.Second))
	return max(ttl, time.Second)
}

// TokenBucket is a redis-backed bucket refilled continuously from the redis
// server clock, so every API instance shares one view of it.
type TokenBucket struct {
	client redis.UniversalClient
	script *redis.Script
}

type RateLimitResult struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

func NewTokenBucket(client redis.UniversalClient) *TokenBucket {
	if client == nil {
		return nil
	}
	return &TokenBucket{client: client, script: redis.NewScript(tokenBucketScript)}
}

// Take removes one token from the bucket at key.
func (t *TokenBucket) Take(ctx context.Context, key string, limit Limit) (*RateLimitResult, error) {
	if t == nil || t.client == nil {
		return nil, errors.New("rate limit: bucket not configured")
	}
	if key == "" {
		return nil, errors.New("rate limit: empty key")
	}
	if err := limit.validate(); err != nil {
		return nil, err
	}

	reply, err := t.script.Run(ctx, t.client, []string{key},
		limit.PerSecond, limit.Burst, limit.idleTTL().Milliseconds(),
	).Int64Slice()
	if err != nil {
		return nil, err
	}
	if len(reply) != 3 {
		return nil, fmt.Errorf("rate limit: unexpected script reply of %d values", len(reply))
	}

	return &RateLimitResult{
		Allowed:    reply[0] == 1,
		Limit:      limit.Burst,
		Remaining:  int(reply[1] / 1000),
		RetryAfter: time.Duration(reply[2]) * time.Millisecond,
	}, nil
}
