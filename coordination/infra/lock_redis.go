package infra

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"reservation-engine/coordination/domain"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Liberar e renovar precisam ser um único script: um GET seguido de DEL em
// round trips separados pode apagar um lock que expirou e foi readquirido
// por outro dono entre as duas chamadas.
var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

	renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)
)

// RedisLocker implementa domain.Locker com chaves lock:{resource}.
type RedisLocker struct {
	rdb    redis.UniversalClient
	prefix string
}

type LockerOption func(*RedisLocker)

func WithLockPrefix(prefix string) LockerOption {
	return func(l *RedisLocker) { l.prefix = strings.TrimSuffix(prefix, ":") + ":" }
}

func NewRedisLocker(rdb redis.UniversalClient, opts ...LockerOption) *RedisLocker {
	l := &RedisLocker{rdb: rdb, prefix: "lock:"}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *RedisLocker) key(resource string) string { return l.prefix + resource }

func (l *RedisLocker) Acquire(ctx context.Context, resource string, ttl time.Duration, token string) (string, bool, error) {
	if resource == "" {
		return "", false, errors.New("lock resource cannot be empty")
	}
	if ttl <= 0 {
		return "", false, fmt.Errorf("lock ttl must be > 0, got %s", ttl)
	}
	if token == "" {
		token = uuid.NewString()
	}

	ok, err := l.rdb.SetNX(ctx, l.key(resource), token, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("acquire lock %s: %w", resource, err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

func (l *RedisLocker) Release(ctx context.Context, resource, token string) (bool, error) {
	n, err := releaseScript.Run(ctx, l.rdb, []string{l.key(resource)}, token).Int64()
	if err != nil {
		return false, fmt.Errorf("release lock %s: %w", resource, err)
	}
	return n == 1, nil
}

func (l *RedisLocker) Renew(ctx context.Context, resource, token string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, fmt.Errorf("lock ttl must be > 0, got %s", ttl)
	}
	n, err := renewScript.Run(ctx, l.rdb, []string{l.key(resource)}, token, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("renew lock %s: %w", resource, err)
	}
	return n == 1, nil
}

var _ domain.Locker = (*RedisLocker)(nil)
