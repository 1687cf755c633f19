package queue

import (
	"context"
	"sync"
	"time"

	"reservation-engine/logger"
)

type EventType string

const (
	EventActive    EventType = "active"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
)

// Event é emitido depois que a transição já foi gravada no Redis.
// Final=true num failed indica que não haverá nova tentativa.
type Event struct {
	Type     EventType     `json:"type"`
	Queue    string        `json:"queue"`
	JobID    string        `json:"jobId"`
	JobName  string        `json:"jobName"`
	Attempt  int           `json:"attempt"`
	Final    bool          `json:"final,omitempty"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
	At       time.Time     `json:"at"`
}

type Listener func(ctx context.Context, ev Event)

type emitter struct {
	mu        sync.RWMutex
	listeners []Listener
	log       *logger.Logger
}

func (e *emitter) add(l Listener) {
	if l == nil {
		return
	}
	e.mu.Lock()
	e.listeners = append(e.listeners, l)
	e.mu.Unlock()
}

// emit chama cada listener isolado: pânico de um não afeta os outros nem o job.
func (e *emitter) emit(ctx context.Context, ev Event) {
	e.mu.RLock()
	ls := make([]Listener, len(e.listeners))
	copy(ls, e.listeners)
	e.mu.RUnlock()

	for _, l := range ls {
		func() {
			defer func() {
				if r := recover(); r != nil && e.log != nil {
					e.log.Error("queue listener panicked", "queue", ev.Queue, "job_id", ev.JobID, "event", ev.Type, "panic", r)
				}
			}()
			l(ctx, ev)
		}()
	}
}
