package domain

// Camada de domínio do rate limit.
//
// Regras e contratos (interfaces/tipos) sem dependência de net/http.

import (
	"context"
	"time"
)

type Key string

// Limiter representa algo que pode decidir localmente se uma ação é permitida agora.
//
// A camada de infra usa golang.org/x/time/rate (token bucket).
type Limiter interface {
	Allow() bool
}

// LimiterStore obtém um limiter local por chave (ex: IP, API key, usuário).
type LimiterStore interface {
	Get(Key) Limiter
}

// Window é o retrato de uma janela fixa de contagem.
//
// Current é incrementado de forma atômica junto com o TTL da janela; leituras
// podem atrasar no máximo um round trip em relação à última escrita.
type Window struct {
	Identifier  string
	Action      string
	Current     int64
	Max         int64
	WindowStart time.Time
	WindowEnd   time.Time
	Blocked     bool
}

// Decision deriva a resposta para o chamador a partir da janela.
func (w Window) Decision(now time.Time) Decision {
	remaining := w.Max - w.Current
	if remaining < 0 {
		remaining = 0
	}
	d := Decision{
		Allowed:   w.Current <= w.Max,
		Current:   w.Current,
		Remaining: remaining,
		ResetTime: w.WindowEnd,
	}
	if !d.Allowed {
		d.RetryAfter = w.WindowEnd.Sub(now)
		if d.RetryAfter < 0 {
			d.RetryAfter = 0
		}
	}
	return d
}

type Decision struct {
	Allowed   bool
	Current   int64
	Remaining int64
	ResetTime time.Time
	// RetryAfter é o tempo restante da janela quando bloqueado.
	// Se 0, não há recomendação.
	RetryAfter time.Duration
}

// Policy descreve um limite: no máximo Max ocorrências de Action por Window.
type Policy struct {
	Action string
	Window time.Duration
	Max    int64

	// Route só rotula a estatística; não separa contadores.
	Route string
}

// RateLimiter conta ocorrências por (identifier, action) em janelas fixas.
//
// Estourar o limite não é erro: Increment devolve a janela com Current > Max
// e cabe ao chamador agir. Erro significa falha de infraestrutura.
type RateLimiter interface {
	Increment(ctx context.Context, identifier, action string, window time.Duration, max int64) (Window, error)
	Peek(ctx context.Context, identifier, action string) (Window, error)
	Reset(ctx context.Context, identifier, action string) error
}
