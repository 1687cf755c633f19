package infra

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"reservation-engine/coordination/domain"

	"github.com/redis/go-redis/v9"
)

// RedisStatsStore agrega as decisões de todas as instâncias no Redis.
//
// Layout (prefixo padrão "ratelimit:stats"):
//
//	{p}:action:{action}        hash allowed/denied, cumulativo
//	{p}:route                  hash "{route}:{allowed|denied}", cumulativo
//	{p}:minute:{yyyymmddhhmm}  hash "{action}:{allowed|denied}", expira com ttl
//	{p}:offenders:{action}     zset identificador -> bloqueios, expira com ttl
type RedisStatsStore struct {
	rdb redis.UniversalClient

	prefix string
	ttl    time.Duration
	bucket string // "minute" (padrão) ou "none"

	offenders bool
}

type RedisStatsOption func(*RedisStatsStore)

func WithStatsPrefix(prefix string) RedisStatsOption {
	return func(s *RedisStatsStore) {
		if p := strings.Trim(prefix, ":"); p != "" {
			s.prefix = p
		}
	}
}

func WithStatsTTL(d time.Duration) RedisStatsOption {
	return func(s *RedisStatsStore) { s.ttl = d }
}

func WithStatsBucket(bucket string) RedisStatsOption {
	return func(s *RedisStatsStore) { s.bucket = strings.ToLower(strings.TrimSpace(bucket)) }
}

// WithStatsOffenders conta os bloqueios por identificador. Só decisões
// negadas entram, o que mantém a cardinalidade perto dos abusos reais.
func WithStatsOffenders(track bool) RedisStatsOption {
	return func(s *RedisStatsStore) { s.offenders = track }
}

func NewRedisStatsStore(rdb redis.UniversalClient, opts ...RedisStatsOption) *RedisStatsStore {
	s := &RedisStatsStore{
		rdb:    rdb,
		prefix: "ratelimit:stats",
		ttl:    24 * time.Hour,
		bucket: "minute",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStatsStore) actionKey(action string) string { return s.prefix + ":action:" + action }
func (s *RedisStatsStore) offendersKey(action string) string {
	return s.prefix + ":offenders:" + action
}

// Record grava a decisão num único pipeline (um round trip).
func (s *RedisStatsStore) Record(ctx context.Context, ev domain.StatsEvent) error {
	if s == nil || s.rdb == nil {
		return nil
	}

	action := strings.TrimSpace(ev.Action)
	if action == "" {
		action = "unknown"
	}
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	field := "denied"
	if ev.Allowed {
		field = "allowed"
	}

	pipe := s.rdb.Pipeline()
	pipe.HIncrBy(ctx, s.actionKey(action), field, 1)

	if route := strings.TrimSpace(ev.Route); route != "" {
		pipe.HIncrBy(ctx, s.prefix+":route", route+":"+field, 1)
	}

	if s.bucket == "minute" {
		minute := s.prefix + ":minute:" + at.UTC().Format("200601021504")
		pipe.HIncrBy(ctx, minute, action+":"+field, 1)
		if s.ttl > 0 {
			pipe.Expire(ctx, minute, s.ttl)
		}
	}

	if s.offenders && !ev.Allowed {
		if id := strings.TrimSpace(string(ev.Key)); id != "" {
			key := s.offendersKey(action)
			pipe.ZIncrBy(ctx, key, 1, id)
			if s.ttl > 0 {
				pipe.Expire(ctx, key, s.ttl)
			}
		}
	}

	_, err := pipe.Exec(ctx)
	return err
}

// ActionCounters lê os contadores cumulativos de uma ação.
func (s *RedisStatsStore) ActionCounters(ctx context.Context, action string) (Counters, error) {
	var c Counters
	vals, err := s.rdb.HMGet(ctx, s.actionKey(action), "allowed", "denied").Result()
	if err != nil {
		return c, err
	}
	c.Allowed = parseCounter(vals[0])
	c.Denied = parseCounter(vals[1])
	return c, nil
}

// Offender é um identificador com a quantidade de bloqueios sofridos.
type Offender struct {
	Key    domain.Key `json:"key"`
	Denied int64      `json:"denied"`
}

// TopOffenders devolve os n identificadores mais bloqueados na ação.
func (s *RedisStatsStore) TopOffenders(ctx context.Context, action string, n int) ([]Offender, error) {
	if n <= 0 {
		return nil, nil
	}
	zs, err := s.rdb.ZRevRangeWithScores(ctx, s.offendersKey(action), 0, int64(n-1)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	out := make([]Offender, 0, len(zs))
	for _, z := range zs {
		member, _ := z.Member.(string)
		out = append(out, Offender{Key: domain.Key(member), Denied: int64(z.Score)})
	}
	return out, nil
}

func parseCounter(v any) int64 {
	str, ok := v.(string)
	if !ok {
		return 0
	}
	n, err := strconv.ParseInt(str, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
