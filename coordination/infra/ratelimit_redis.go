package infra

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"reservation-engine/coordination/domain"

	"github.com/redis/go-redis/v9"
)

// incrementScript faz INCR e fixa o TTL da janela no mesmo round trip, então
// chamadas concorrentes nunca perdem incremento nem criam contador eterno.
// Também grava o retrato descritivo da janela na chave irmã ":info".
//
// KEYS[1] contador, KEYS[2] info
// ARGV[1] janela (ms), ARGV[2] max, ARGV[3] agora (ms), ARGV[4] identifier, ARGV[5] action
var incrementScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
local ttl = redis.call("PTTL", KEYS[1])
if current == 1 or ttl < 0 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
	ttl = tonumber(ARGV[1])
end
local windowEnd = tonumber(ARGV[3]) + ttl
local windowStart = windowEnd - tonumber(ARGV[1])
local blocked = 0
if current > tonumber(ARGV[2]) then
	blocked = 1
end
redis.call("HSET", KEYS[2],
	"identifier", ARGV[4],
	"action", ARGV[5],
	"current", current,
	"max", ARGV[2],
	"windowStart", windowStart,
	"windowEnd", windowEnd,
	"blocked", blocked)
redis.call("PEXPIRE", KEYS[2], ttl)
return {current, ttl}
`)

// RedisRateLimiter implementa domain.RateLimiter com janelas fixas.
//
// Chaves: ratelimit:{identifier}:{action} e ratelimit:{identifier}:{action}:info.
type RedisRateLimiter struct {
	rdb    redis.UniversalClient
	prefix string
	now    func() time.Time
}

type RateLimiterOption func(*RedisRateLimiter)

func WithRateLimitPrefix(prefix string) RateLimiterOption {
	return func(r *RedisRateLimiter) { r.prefix = prefix }
}

// WithClock troca o relógio usado para calcular windowStart/windowEnd.
func WithClock(now func() time.Time) RateLimiterOption {
	return func(r *RedisRateLimiter) { r.now = now }
}

func NewRedisRateLimiter(rdb redis.UniversalClient, opts ...RateLimiterOption) *RedisRateLimiter {
	r := &RedisRateLimiter{rdb: rdb, prefix: "ratelimit", now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *RedisRateLimiter) keys(identifier, action string) (string, string) {
	counter := fmt.Sprintf("%s:%s:%s", r.prefix, identifier, action)
	return counter, counter + ":info"
}

func (r *RedisRateLimiter) Increment(ctx context.Context, identifier, action string, window time.Duration, max int64) (domain.Window, error) {
	if window < time.Millisecond {
		return domain.Window{}, fmt.Errorf("rate limit window must be >= 1ms, got %s", window)
	}
	if max < 0 {
		return domain.Window{}, fmt.Errorf("rate limit max must be >= 0, got %d", max)
	}

	now := r.now()
	counterKey, infoKey := r.keys(identifier, action)
	res, err := incrementScript.Run(ctx, r.rdb,
		[]string{counterKey, infoKey},
		window.Milliseconds(), max, now.UnixMilli(), identifier, action,
	).Int64Slice()
	if err != nil {
		return domain.Window{}, fmt.Errorf("rate limit increment %s/%s: %w", identifier, action, err)
	}
	if len(res) != 2 {
		return domain.Window{}, fmt.Errorf("rate limit increment %s/%s: unexpected reply %v", identifier, action, res)
	}

	current, ttl := res[0], time.Duration(res[1])*time.Millisecond
	end := now.Add(ttl)
	return domain.Window{
		Identifier:  identifier,
		Action:      action,
		Current:     current,
		Max:         max,
		WindowStart: end.Add(-window),
		WindowEnd:   end,
		Blocked:     current > max,
	}, nil
}

// Peek lê o último retrato gravado sem incrementar. Janela inexistente ou
// expirada volta com Current=0.
func (r *RedisRateLimiter) Peek(ctx context.Context, identifier, action string) (domain.Window, error) {
	_, infoKey := r.keys(identifier, action)
	fields, err := r.rdb.HGetAll(ctx, infoKey).Result()
	if err != nil {
		return domain.Window{}, fmt.Errorf("rate limit peek %s/%s: %w", identifier, action, err)
	}

	w := domain.Window{Identifier: identifier, Action: action}
	if len(fields) == 0 {
		return w, nil
	}
	w.Current, _ = strconv.ParseInt(fields["current"], 10, 64)
	w.Max, _ = strconv.ParseInt(fields["max"], 10, 64)
	if ms, err := strconv.ParseInt(fields["windowStart"], 10, 64); err == nil {
		w.WindowStart = time.UnixMilli(ms)
	}
	if ms, err := strconv.ParseInt(fields["windowEnd"], 10, 64); err == nil {
		w.WindowEnd = time.UnixMilli(ms)
	}
	w.Blocked = fields["blocked"] == "1"
	return w, nil
}

// Reset zera o contador incondicionalmente (ex.: após verificação bem sucedida).
func (r *RedisRateLimiter) Reset(ctx context.Context, identifier, action string) error {
	counterKey, infoKey := r.keys(identifier, action)
	if err := r.rdb.Del(ctx, counterKey, infoKey).Err(); err != nil {
		return fmt.Errorf("rate limit reset %s/%s: %w", identifier, action, err)
	}
	return nil
}

var _ domain.RateLimiter = (*RedisRateLimiter)(nil)
