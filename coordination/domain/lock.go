package domain

import (
	"context"
	"errors"
	"time"
)

// ErrLockNotAcquired indica contenção: o recurso já tem dono. Não é fatal,
// o chamador decide se tenta de novo mais tarde.
var ErrLockNotAcquired = errors.New("lock not acquired")

// Locker é um lock de exclusão mútua com token de dono e expiração.
//
// Estados: UNLOCKED -> LOCKED(owner) -> UNLOCKED. Só quem apresenta o token
// corrente pode liberar ou renovar.
type Locker interface {
	// Acquire não bloqueia. Se token for vazio, um novo é gerado.
	// Retorna (token, true) quando adquiriu e ("", false) se já havia dono.
	Acquire(ctx context.Context, resource string, ttl time.Duration, token string) (string, bool, error)
	// Release é no-op (false) quando o token não é mais o dono.
	Release(ctx context.Context, resource, token string) (bool, error)
	// Renew estende o TTL; false quando o chamador perdeu o lock.
	Renew(ctx context.Context, resource, token string, ttl time.Duration) (bool, error)
}
