package queue

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"reservation-engine/apperrors"
)

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) listen(_ context.Context, ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *eventRecorder) types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventType, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

func (r *eventRecorder) last() Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

func eventually(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

// runWorker inicia o worker e devolve uma função que para e espera o Run sair.
func runWorker(t *testing.T, w *Worker) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			select {
			case err := <-done:
				if err != nil {
					t.Errorf("worker returned error: %v", err)
				}
			case <-time.After(5 * time.Second):
				t.Errorf("worker did not stop")
			}
		})
	}
	t.Cleanup(stop)
	return stop
}

func jobStatus(q *Queue, id string) Status {
	job, err := q.Get(context.Background(), id)
	if err != nil {
		return ""
	}
	return job.Status
}

func TestWorker_CompletesJobWithResult(t *testing.T) {
	_, q := newTestQueue(t, DefaultOptions())
	ctx := context.Background()
	rec := &eventRecorder{}

	job, _ := q.Enqueue(ctx, "double", map[string]int{"n": 21})
	w := NewWorker(q, HandlerFunc(func(_ context.Context, j *Job) (any, error) {
		var in map[string]int
		if err := j.Decode(&in); err != nil {
			return nil, err
		}
		return map[string]int{"n": in["n"] * 2}, nil
	}), WithListener(rec.listen))
	runWorker(t, w)

	eventually(t, 5*time.Second, func() bool { return jobStatus(q, job.ID) == StatusCompleted })

	got, _ := q.Get(ctx, job.ID)
	if string(got.Result) != `{"n":42}` || got.Attempts != 1 {
		t.Fatalf("unexpected completed job: %+v", got)
	}
	eventually(t, time.Second, func() bool { return len(rec.types()) == 2 })
	if types := rec.types(); types[0] != EventActive || types[1] != EventCompleted {
		t.Fatalf("unexpected events %v", types)
	}
}

func TestWorker_RetriesRetryableErrorThenSucceeds(t *testing.T) {
	_, q := newTestQueue(t, DefaultOptions())
	ctx := context.Background()
	rec := &eventRecorder{}

	var calls atomic.Int32
	job, _ := q.Enqueue(ctx, "flaky", nil, WithBackoff(Backoff{Type: BackoffFixed}))
	w := NewWorker(q, HandlerFunc(func(context.Context, *Job) (any, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("connection reset")
		}
		return "ok", nil
	}), WithListener(rec.listen))
	runWorker(t, w)

	eventually(t, 5*time.Second, func() bool { return jobStatus(q, job.ID) == StatusCompleted })

	got, _ := q.Get(ctx, job.ID)
	if got.Attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", got.Attempts)
	}
	eventually(t, time.Second, func() bool { return len(rec.types()) == 4 })
	want := []EventType{EventActive, EventFailed, EventActive, EventCompleted}
	for i, typ := range rec.types() {
		if typ != want[i] {
			t.Fatalf("expected events %v, got %v", want, rec.types())
		}
	}
}

func TestWorker_NonRetryableErrorFailsImmediately(t *testing.T) {
	_, q := newTestQueue(t, DefaultOptions())
	ctx := context.Background()
	rec := &eventRecorder{}

	var calls atomic.Int32
	job, _ := q.Enqueue(ctx, "bad", nil, WithAttempts(5))
	w := NewWorker(q, HandlerFunc(func(context.Context, *Job) (any, error) {
		calls.Add(1)
		return nil, apperrors.Validation("reservationId is required", nil)
	}), WithListener(rec.listen))
	runWorker(t, w)

	eventually(t, 5*time.Second, func() bool { return jobStatus(q, job.ID) == StatusFailed })

	if calls.Load() != 1 {
		t.Fatalf("expected a single attempt, got %d", calls.Load())
	}
	got, _ := q.Get(ctx, job.ID)
	if !strings.Contains(got.Error, "reservationId is required") || got.FailedAt == nil {
		t.Fatalf("unexpected failed job: %+v", got)
	}
	eventually(t, time.Second, func() bool { return len(rec.types()) == 2 })
	if ev := rec.last(); ev.Type != EventFailed || !ev.Final {
		t.Fatalf("expected final failed event, got %+v", ev)
	}
}

func TestWorker_ExhaustedAttemptsFail(t *testing.T) {
	_, q := newTestQueue(t, DefaultOptions())
	ctx := context.Background()

	var calls atomic.Int32
	job, _ := q.Enqueue(ctx, "down", nil, WithAttempts(2), WithBackoff(Backoff{Type: BackoffFixed}))
	w := NewWorker(q, HandlerFunc(func(context.Context, *Job) (any, error) {
		calls.Add(1)
		return nil, apperrors.Unavailable("mailer", errors.New("timeout"))
	}))
	runWorker(t, w)

	eventually(t, 5*time.Second, func() bool { return jobStatus(q, job.ID) == StatusFailed })
	if calls.Load() != 2 {
		t.Fatalf("expected 2 attempts, got %d", calls.Load())
	}
	failed, _ := q.Failed(ctx, 10)
	if len(failed) != 1 || failed[0].ID != job.ID {
		t.Fatalf("expected job in failed history, got %+v", failed)
	}
}

func TestWorker_RecoversHandlerPanic(t *testing.T) {
	_, q := newTestQueue(t, DefaultOptions())
	ctx := context.Background()

	job, _ := q.Enqueue(ctx, "boom", nil, WithAttempts(1))
	w := NewWorker(q, HandlerFunc(func(context.Context, *Job) (any, error) {
		panic("nil map")
	}))
	runWorker(t, w)

	eventually(t, 5*time.Second, func() bool { return jobStatus(q, job.ID) == StatusFailed })
	got, _ := q.Get(ctx, job.ID)
	if !strings.Contains(got.Error, "handler panic: nil map") {
		t.Fatalf("unexpected error %q", got.Error)
	}
}

func TestWorker_ListenerPanicDoesNotAffectJob(t *testing.T) {
	_, q := newTestQueue(t, DefaultOptions())
	ctx := context.Background()

	job, _ := q.Enqueue(ctx, "ok", nil)
	w := NewWorker(q, HandlerFunc(func(context.Context, *Job) (any, error) { return nil, nil }))
	w.On(func(context.Context, Event) { panic("listener bug") })
	runWorker(t, w)

	eventually(t, 5*time.Second, func() bool { return jobStatus(q, job.ID) == StatusCompleted })
}

func TestWorker_RespectsConcurrencyLimit(t *testing.T) {
	_, q := newTestQueue(t, DefaultOptions())
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		if _, err := q.Enqueue(ctx, "slow", nil); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	var running, peak atomic.Int32
	w := NewWorker(q, HandlerFunc(func(context.Context, *Job) (any, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(50 * time.Millisecond)
		running.Add(-1)
		return nil, nil
	}), WithConcurrency(2))
	runWorker(t, w)

	eventually(t, 5*time.Second, func() bool {
		c, _ := q.Counts(ctx)
		return c.Completed == 6
	})
	if peak.Load() > 2 {
		t.Fatalf("expected at most 2 concurrent jobs, saw %d", peak.Load())
	}
}

func TestWorker_ShutdownDrainsInFlightJob(t *testing.T) {
	_, q := newTestQueue(t, DefaultOptions())
	ctx := context.Background()

	started := make(chan struct{})
	job, _ := q.Enqueue(ctx, "long", nil)
	w := NewWorker(q, HandlerFunc(func(hctx context.Context, _ *Job) (any, error) {
		close(started)
		time.Sleep(200 * time.Millisecond)
		return nil, hctx.Err()
	}))
	stop := runWorker(t, w)

	<-started
	stop()

	if st := jobStatus(q, job.ID); st != StatusCompleted {
		t.Fatalf("expected in-flight job to finish during shutdown, got %s", st)
	}
}
