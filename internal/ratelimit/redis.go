package ratelimit

import (
	"context"
	"errors"
	"math"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const tokenBucketScript = `
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])

local nowData = redis.call("TIME")
local now = (nowData[1] * 1000) + math.floor(nowData[2] / 1000)

local data = redis.call("HMGET", KEYS[1], "tokens", "ts")
local tokens = tonumber(data[1])
local ts = tonumber(data[2])

if tokens == nil then
  tokens = burst
  ts = now
else
  local delta = now - ts
  if delta < 0 then
    delta = 0
  end
  local refill = (delta / 1000) * rate
  tokens = math.min(burst, tokens + refill)
  ts = now
end

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call("HMSET", KEYS[1], "tokens", tokens, "ts", ts)
redis.call("PEXPIRE", KEYS[1], ttl)

return {allowed, tostring(tokens)}
`

// TokenBucket shares buckets across replicas through Redis.
type TokenBucket struct {
	client *redis.Client
	script *redis.Script
	prefix string
}

func NewTokenBucket(client *redis.Client) *TokenBucket {
	return &TokenBucket{
		client: client,
		script: redis.NewScript(tokenBucketScript),
		prefix: "minipass:ratelimit:",
	}
}

func (t *TokenBucket) Allow(ctx context.Context, key string, policy Policy) (Result, error) {
	if key == "" {
		return Result{}, ErrEmptyKey
	}
	if !policy.valid() {
		return Result{}, errors.New("rate limit policy must be positive")
	}

	ttl := bucketTTL(policy)
	res, err := t.script.Run(ctx, t.client, []string{t.prefix + key},
		policy.Rate,
		policy.Burst,
		ttl.Milliseconds(),
	).Slice()
	if err != nil {
		return Result{}, err
	}
	if len(res) < 2 {
		return Result{}, errors.New("invalid rate limit script response")
	}

	allowed := toInt(res[0]) == 1
	remaining := toFloat(res[1])
	out := Result{Allowed: allowed, Remaining: int(remaining)}
	if !allowed {
		out.RetryAfter = refillDelay(policy, remaining)
	}
	return out, nil
}

func bucketTTL(policy Policy) time.Duration {
	seconds := math.Ceil((float64(policy.Burst) / policy.Rate) * 2)
	if seconds < 1 {
		seconds = 1
	}
	return time.Duration(seconds) * time.Second
}

// refillDelay is the time until one whole token is available again.
func refillDelay(policy Policy, tokens float64) time.Duration {
	needed := 1.0 - tokens
	if needed <= 0 {
		return 0
	}
	return time.Duration(needed / policy.Rate * float64(time.Second))
}

func toInt(v interface{}) int64 {
	switch val := v.(type) {
	case int64:
		return val
	case int:
		return int64(val)
	case float64:
		return int64(val)
	default:
		return 0
	}
}

func toFloat(v interface{}) float64 {
	switch val := v.(type) {
	case float64:
		return val
	case int64:
		return float64(val)
	case string:
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return 0
		}
		return f
	default:
		return 0
	}
}
