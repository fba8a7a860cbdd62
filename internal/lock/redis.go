package lock

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

const retryInterval = 50 * time.Millisecond

// Redis holds locks as SETNX keys carrying a random token; only the holder can release.
type Redis struct {
	client *redis.Client
	script *redis.Script
}

func NewRedis(client *redis.Client) *Redis {
	return &Redis{
		client: client,
		script: redis.NewScript(releaseScript),
	}
}

// TryLock makes a single attempt and reports whether the key was taken.
func (r *Redis) TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	if r == nil || r.client == nil {
		return "", false, errors.New("lock client not configured")
	}
	if key == "" {
		return "", false, errors.New("lock key is empty")
	}
	if ttl <= 0 {
		return "", false, errors.New("lock ttl must be positive")
	}

	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return "", false, err
	}
	return token, ok, nil
}

func (r *Redis) Acquire(ctx context.Context, key string, ttl time.Duration) (Release, error) {
	ticker := time.NewTicker(retryInterval)
	defer ticker.Stop()

	for {
		token, ok, err := r.TryLock(ctx, key, ttl)
		if err != nil {
			return nil, err
		}
		if ok {
			return func(ctx context.Context) error {
				return r.release(ctx, key, token)
			}, nil
		}

		select {
		case <-ctx.Done():
			return nil, ErrNotAcquired
		case <-ticker.C:
		}
	}
}

func (r *Redis) release(ctx context.Context, key, token string) error {
	if key == "" || token == "" {
		return nil
	}
	return r.script.Run(ctx, r.client, []string{key}, token).Err()
}
