package domain

import (
	"context"
	"time"
)

// StatsEvent representa um evento de decisão do rate limit.
//
// Action identifica o que foi limitado (ex.: "login", "http"); Route é
// opcional e só faz sentido para chamadas HTTP.
//
// Observação: cuidado com cardinalidade (ex.: salvar Key/Route sem controle pode
// explodir o número de chaves no Redis).
type StatsEvent struct {
	Key     Key
	Action  string
	Allowed bool
	Route   string

	At time.Time
}

// StatsStore é a estratégia de persistência para estatísticas do rate limit.
//
// O chamador deve tratar erro como best-effort (não derrubar a operação).
type StatsStore interface {
	Record(ctx context.Context, ev StatsEvent) error
}
