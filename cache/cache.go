// Package cache guarda sessões, códigos de verificação e blobs temporários
// no Redis, sempre em JSON e com TTL opcional.
//
// Leituras devolvem nil em chave ausente ou JSON inválido; só falha de
// transporte vira erro.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"reservation-engine/logger"

	"github.com/redis/go-redis/v9"
)

const (
	sessionPrefix      = "session"
	userSessionsPrefix = "user_sessions"
	verificationPrefix = "verification"
	tempPrefix         = "temp"
)

type Cache struct {
	rdb redis.UniversalClient
	log *logger.Logger
}

func New(rdb redis.UniversalClient, log *logger.Logger) *Cache {
	if log == nil {
		log = logger.Nop()
	}
	return &Cache{rdb: rdb, log: log}
}

func SessionKey(userID, sessionID string) string {
	return fmt.Sprintf("%s:%s:%s", sessionPrefix, userID, sessionID)
}

func UserSessionsKey(userID string) string {
	return userSessionsPrefix + ":" + userID
}

func VerificationKey(identifier string) string {
	return verificationPrefix + ":" + identifier
}

func TempKey(key string) string {
	return tempPrefix + ":" + key
}

func (c *Cache) set(ctx context.Context, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if ttl <= 0 {
		// sem expiração: quem grava é responsável pela limpeza
		c.log.Warn("cache write without ttl", "key", key)
		ttl = 0
	}
	if err := c.rdb.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func getJSON[T any](ctx context.Context, c *Cache, key string) (*T, error) {
	data, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("get %s: %w", key, err)
	}

	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		c.log.Warn("discarding undecodable cache entry", "key", key, "error", err)
		return nil, nil
	}
	return &v, nil
}

func (c *Cache) del(ctx context.Context, key string) (bool, error) {
	n, err := c.rdb.Del(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("delete %s: %w", key, err)
	}
	return n > 0, nil
}

// --- sessões ---

func (c *Cache) SetUserSession(ctx context.Context, userID, sessionID string, session any, ttl time.Duration) error {
	return c.set(ctx, SessionKey(userID, sessionID), session, ttl)
}

// GetUserSession decodifica a sessão em T. nil quando não existe.
func GetUserSession[T any](ctx context.Context, c *Cache, userID, sessionID string) (*T, error) {
	return getJSON[T](ctx, c, SessionKey(userID, sessionID))
}

// DeleteUserSession devolve true só para quem efetivamente apagou a chave;
// isso permite consumir uma sessão uma única vez mesmo com chamadas concorrentes.
func (c *Cache) DeleteUserSession(ctx context.Context, userID, sessionID string) (bool, error) {
	return c.del(ctx, SessionKey(userID, sessionID))
}

// AddUserSessionIndex registra o sessionID no set do usuário e renova o TTL do set.
func (c *Cache) AddUserSessionIndex(ctx context.Context, userID, sessionID string, ttl time.Duration) error {
	key := UserSessionsKey(userID)
	_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, key, sessionID)
		if ttl > 0 {
			pipe.Expire(ctx, key, ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("index session %s: %w", key, err)
	}
	return nil
}

func (c *Cache) UserSessionIDs(ctx context.Context, userID string) ([]string, error) {
	ids, err := c.rdb.SMembers(ctx, UserSessionsKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list sessions of %s: %w", userID, err)
	}
	return ids, nil
}

func (c *Cache) RemoveUserSessionIndex(ctx context.Context, userID string, sessionIDs ...string) error {
	if len(sessionIDs) == 0 {
		return nil
	}
	members := make([]any, len(sessionIDs))
	for i, id := range sessionIDs {
		members[i] = id
	}
	if err := c.rdb.SRem(ctx, UserSessionsKey(userID), members...).Err(); err != nil {
		return fmt.Errorf("unindex sessions of %s: %w", userID, err)
	}
	return nil
}

// DeleteUserSessions apaga todas as sessões do usuário e o índice num único
// MULTI/EXEC. Devolve quantas sessões existiam no índice.
func (c *Cache) DeleteUserSessions(ctx context.Context, userID string) (int, error) {
	ids, err := c.UserSessionIDs(ctx, userID)
	if err != nil {
		return 0, err
	}

	keys := make([]string, 0, len(ids)+1)
	for _, id := range ids {
		keys = append(keys, SessionKey(userID, id))
	}
	keys = append(keys, UserSessionsKey(userID))

	_, err = c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, keys...)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("revoke sessions of %s: %w", userID, err)
	}
	return len(ids), nil
}

// --- códigos de verificação ---

type VerificationCode struct {
	Code      string    `json:"code"`
	Purpose   string    `json:"purpose,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

func (c *Cache) SetVerificationCode(ctx context.Context, identifier string, code VerificationCode, ttl time.Duration) error {
	return c.set(ctx, VerificationKey(identifier), code, ttl)
}

func (c *Cache) GetVerificationCode(ctx context.Context, identifier string) (*VerificationCode, error) {
	return getJSON[VerificationCode](ctx, c, VerificationKey(identifier))
}

func (c *Cache) DeleteVerificationCode(ctx context.Context, identifier string) (bool, error) {
	return c.del(ctx, VerificationKey(identifier))
}

// --- dados temporários ---

func (c *Cache) SetTempData(ctx context.Context, key string, v any, ttl time.Duration) error {
	return c.set(ctx, TempKey(key), v, ttl)
}

// SetTempDataNX grava só se a chave ainda não existe. Serve para "reivindicar"
// uma chave (ex.: idempotência) de forma atômica.
func (c *Cache) SetTempDataNX(ctx context.Context, key string, v any, ttl time.Duration) (bool, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return false, fmt.Errorf("encode %s: %w", key, err)
	}
	ok, err := c.rdb.SetNX(ctx, TempKey(key), data, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setnx %s: %w", key, err)
	}
	return ok, nil
}

func GetTempData[T any](ctx context.Context, c *Cache, key string) (*T, error) {
	return getJSON[T](ctx, c, TempKey(key))
}

func (c *Cache) DeleteTempData(ctx context.Context, key string) (bool, error) {
	return c.del(ctx, TempKey(key))
}
