package application

import (
	"context"
	"time"

	"reservation-engine/coordination/domain"
)

// Service concentra a regra de aplicação do rate limit distribuído.
//
// Ele não sabe nada sobre HTTP (headers/status), apenas retorna uma decisão.
// Estatísticas são best-effort: falha ao gravar não muda a decisão.
type Service struct {
	Limiter domain.RateLimiter
	Stats   domain.StatsStore
	Now     func() time.Time
}

func (s Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s Service) Decide(ctx context.Context, key domain.Key, p domain.Policy) (domain.Decision, error) {
	if s.Limiter == nil || p.Max <= 0 || p.Window <= 0 {
		return domain.Decision{Allowed: true}, nil
	}

	w, err := s.Limiter.Increment(ctx, string(key), p.Action, p.Window, p.Max)
	if err != nil {
		return domain.Decision{}, err
	}
	now := s.now()
	dec := w.Decision(now)

	if s.Stats != nil {
		_ = s.Stats.Record(ctx, domain.StatsEvent{
			Key:     key,
			Action:  p.Action,
			Allowed: dec.Allowed,
			Route:   p.Route,
			At:      now,
		})
	}
	return dec, nil
}

// Reset libera o identificador antes do fim da janela (ex.: login bem sucedido).
func (s Service) Reset(ctx context.Context, key domain.Key, action string) error {
	if s.Limiter == nil {
		return nil
	}
	return s.Limiter.Reset(ctx, string(key), action)
}
