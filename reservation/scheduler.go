package reservation

import (
	"context"
	"fmt"
	"time"

	"reservation-engine/logger"
	"reservation-engine/queue"
)

const DefaultCleanupInterval = time.Hour

// Scheduler enfileira o job de cleanup periodicamente. O id do job é
// derivado da janela do tick, então vários processos rodando o Scheduler
// geram um único job por janela.
type Scheduler struct {
	Enqueuer Enqueuer
	Interval time.Duration
	Log      *logger.Logger
	Now      func() time.Time
}

func (s Scheduler) interval() time.Duration {
	if s.Interval <= 0 {
		return DefaultCleanupInterval
	}
	return s.Interval
}

func (s Scheduler) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Tick enfileira o cleanup da janela atual.
func (s Scheduler) Tick(ctx context.Context) (*queue.Job, error) {
	window := s.now().Truncate(s.interval()).Unix()
	job, err := s.Enqueuer.Enqueue(ctx, queue.QueueCleanup, string(ActionCleanup),
		Payload{Action: ActionCleanup},
		queue.WithJobID(fmt.Sprintf("cleanup:%d", window)),
		queue.WithAttempts(1),
	)
	if err != nil {
		return nil, fmt.Errorf("schedule cleanup: %w", err)
	}
	return job, nil
}

// Run dispara um Tick imediatamente e depois a cada Interval até ctx terminar.
func (s Scheduler) Run(ctx context.Context) error {
	log := s.Log
	if log == nil {
		log = logger.Nop()
	}

	tick := func() {
		if job, err := s.Tick(ctx); err != nil {
			if ctx.Err() == nil {
				log.Error("cleanup scheduling failed", "error", err)
			}
		} else {
			log.Debug("cleanup scheduled", "job_id", job.ID)
		}
	}

	tick()
	t := time.NewTicker(s.interval())
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			tick()
		}
	}
}
