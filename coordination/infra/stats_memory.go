package infra

import (
	"context"
	"sync"
	"time"

	"reservation-engine/coordination/domain"
)

type Counters struct {
	Allowed int64 `json:"allowed"`
	Denied  int64 `json:"denied"`
}

func (c *Counters) add(allowed bool) {
	if allowed {
		c.Allowed++
		return
	}
	c.Denied++
}

// Denial é o último bloqueio observado para uma ação.
type Denial struct {
	Key   domain.Key `json:"key"`
	Route string     `json:"route,omitempty"`
	At    time.Time  `json:"at"`
}

// StatsSnapshot é a visão consolidada devolvida por GET /stats.
type StatsSnapshot struct {
	Since       time.Time           `json:"since"`
	Total       Counters            `json:"total"`
	Actions     map[string]Counters `json:"actions"`
	Routes      map[string]Counters `json:"routes,omitempty"`
	LastDenials map[string]Denial   `json:"lastDenials,omitempty"`
}

// MemoryStatsStore acumula as decisões deste processo por ação e por rota.
// Não expira nada; chaves individuais não são guardadas, só a do último
// bloqueio de cada ação.
type MemoryStatsStore struct {
	mu       sync.Mutex
	since    time.Time
	total    Counters
	byAction map[string]Counters
	byRoute  map[string]Counters
	denials  map[string]Denial

	maxRoutes int
	now       func() time.Time
}

type MemoryStatsOption func(*MemoryStatsStore)

// WithMaxRoutes limita quantas rotas distintas são contadas; as excedentes
// caem em "other".
func WithMaxRoutes(n int) MemoryStatsOption {
	return func(s *MemoryStatsStore) {
		if n >= 0 {
			s.maxRoutes = n
		}
	}
}

func WithMemoryStatsClock(now func() time.Time) MemoryStatsOption {
	return func(s *MemoryStatsStore) {
		if now != nil {
			s.now = now
		}
	}
}

func NewMemoryStatsStore(opts ...MemoryStatsOption) *MemoryStatsStore {
	s := &MemoryStatsStore{
		byAction:  make(map[string]Counters),
		byRoute:   make(map[string]Counters),
		denials:   make(map[string]Denial),
		maxRoutes: 64,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.since = s.now().UTC()
	return s
}

func (s *MemoryStatsStore) Record(_ context.Context, ev domain.StatsEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.total.add(ev.Allowed)

	c := s.byAction[ev.Action]
	c.add(ev.Allowed)
	s.byAction[ev.Action] = c

	if ev.Route != "" {
		route := ev.Route
		if _, seen := s.byRoute[route]; !seen && len(s.byRoute) >= s.maxRoutes {
			route = "other"
		}
		r := s.byRoute[route]
		r.add(ev.Allowed)
		s.byRoute[route] = r
	}

	if !ev.Allowed {
		at := ev.At
		if at.IsZero() {
			at = s.now()
		}
		s.denials[ev.Action] = Denial{Key: ev.Key, Route: ev.Route, At: at.UTC()}
	}
	return nil
}

func (s *MemoryStatsStore) Total() Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

func (s *MemoryStatsStore) ByAction() map[string]Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyCounters(s.byAction)
}

// Snapshot copia o estado atual.
func (s *MemoryStatsStore) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	denials := make(map[string]Denial, len(s.denials))
	for k, v := range s.denials {
		denials[k] = v
	}
	return StatsSnapshot{
		Since:       s.since,
		Total:       s.total,
		Actions:     copyCounters(s.byAction),
		Routes:      copyCounters(s.byRoute),
		LastDenials: denials,
	}
}

func copyCounters(in map[string]Counters) map[string]Counters {
	out := make(map[string]Counters, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
