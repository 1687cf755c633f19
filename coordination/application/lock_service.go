package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	"reservation-engine/coordination/domain"

	"github.com/cenkalti/backoff/v5"
)

// RetryPolicy controla a espera por um lock ocupado.
type RetryPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// MaxElapsed limita a espera total; depois disso devolve ErrLockNotAcquired.
	MaxElapsed time.Duration
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.InitialInterval <= 0 {
		p.InitialInterval = 25 * time.Millisecond
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = 500 * time.Millisecond
	}
	if p.MaxElapsed <= 0 {
		p.MaxElapsed = 5 * time.Second
	}
	return p
}

type Lease struct {
	Resource string
	Token    string
}

// LockService transforma o Locker não-bloqueante em seções críticas com
// espera limitada. O TTL deve cobrir a seção crítica com folga.
type LockService struct {
	Locker domain.Locker
	Retry  RetryPolicy
	// OnLost é chamado quando o release descobre que o lock já não era nosso
	// (expirou no meio da seção crítica).
	OnLost func(resource string)
}

// Acquire tenta até Retry.MaxElapsed. Contenção persistente devolve
// domain.ErrLockNotAcquired; erro de infraestrutura é devolvido de imediato.
func (s LockService) Acquire(ctx context.Context, resource string, ttl time.Duration) (Lease, error) {
	p := s.Retry.withDefaults()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval

	token, err := backoff.Retry(ctx, func() (string, error) {
		token, ok, err := s.Locker.Acquire(ctx, resource, ttl, "")
		if err != nil {
			return "", backoff.Permanent(err)
		}
		if !ok {
			return "", domain.ErrLockNotAcquired
		}
		return token, nil
	}, backoff.WithBackOff(b), backoff.WithMaxElapsedTime(p.MaxElapsed))
	if err != nil {
		if errors.Is(err, domain.ErrLockNotAcquired) {
			return Lease{}, fmt.Errorf("%w: %s", domain.ErrLockNotAcquired, resource)
		}
		return Lease{}, err
	}
	return Lease{Resource: resource, Token: token}, nil
}

// Release libera o lock mesmo que ctx já tenha sido cancelado.
func (s LockService) Release(ctx context.Context, lease Lease) error {
	ok, err := s.Locker.Release(context.WithoutCancel(ctx), lease.Resource, lease.Token)
	if err != nil {
		return err
	}
	if !ok && s.OnLost != nil {
		s.OnLost(lease.Resource)
	}
	return nil
}

// WithLock executa fn com o lock do recurso.
func (s LockService) WithLock(ctx context.Context, resource string, ttl time.Duration, fn func(ctx context.Context) error) error {
	lease, err := s.Acquire(ctx, resource, ttl)
	if err != nil {
		return err
	}

	fnErr := fn(ctx)
	if relErr := s.Release(ctx, lease); relErr != nil {
		return errors.Join(fnErr, fmt.Errorf("release lock %s: %w", resource, relErr))
	}
	return fnErr
}
