package flagging

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "artvault:abuse:lock:"

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

type RedisLocker struct {
	client redis.UniversalClient
	ttl    time.Duration
	prefix string
}

func NewRedisLocker(client redis.UniversalClient, ttl time.Duration, prefix string) *RedisLocker {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisLocker{
		client: client,
		ttl:    ttl,
		prefix: prefix,
	}
}

func (l *RedisLocker) TryLock(ctx context.Context, key string) (Unlock, bool, error) {
	redisKey := l.prefix + key
	if l.ttl < time.Millisecond {
		return nil, false, fmt.Errorf("invalid lock ttl")
	}

	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, redisKey, token, l.ttl).Result()
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}

	return func(ctx context.Context) error {
		if err := releaseScript.Run(ctx, l.client, []string{redisKey}, token).Err(); err != nil {
			return fmt.Errorf("release %s: %w", key, err)
		}
		return nil
	}, true, nil
}
