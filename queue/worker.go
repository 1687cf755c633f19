package queue

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"reservation-engine/coordination/application"
	"reservation-engine/coordination/infra"
	"reservation-engine/logger"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/time/rate"
)

type Handler interface {
	Handle(ctx context.Context, job *Job) (any, error)
}

type HandlerFunc func(ctx context.Context, job *Job) (any, error)

func (f HandlerFunc) Handle(ctx context.Context, job *Job) (any, error) { return f(ctx, job) }

const (
	DefaultConcurrency     = 1
	DefaultLeaseDuration   = 30 * time.Second
	DefaultBlockTimeout    = time.Second
	DefaultStalledInterval = 15 * time.Second
)

type Worker struct {
	q       *Queue
	handler Handler
	log     *logger.Logger
	events  *emitter

	concurrency     int
	limiter         *rate.Limiter
	leaseDuration   time.Duration
	blockTimeout    time.Duration
	stalledInterval time.Duration

	inflight sync.WaitGroup
}

type WorkerOption func(*Worker)

func WithConcurrency(n int) WorkerOption {
	return func(w *Worker) {
		if n > 0 {
			w.concurrency = n
		}
	}
}

// WithRate limita quantos jobs por segundo o worker inicia (token bucket local).
func WithRate(limit rate.Limit, burst int) WorkerOption {
	return func(w *Worker) {
		if limit > 0 {
			if burst <= 0 {
				burst = 1
			}
			w.limiter = rate.NewLimiter(limit, burst)
		}
	}
}

func WithLeaseDuration(d time.Duration) WorkerOption {
	return func(w *Worker) {
		if d > 0 {
			w.leaseDuration = d
		}
	}
}

// WithBlockTimeout define quanto o worker fica parado no BRPOP sem trabalho.
// O Redis trabalha com segundos, então valores abaixo de 1s viram 1s.
func WithBlockTimeout(d time.Duration) WorkerOption {
	return func(w *Worker) {
		if d > 0 {
			w.blockTimeout = d
		}
	}
}

func WithStalledInterval(d time.Duration) WorkerOption {
	return func(w *Worker) {
		if d > 0 {
			w.stalledInterval = d
		}
	}
}

func WithWorkerLogger(l *logger.Logger) WorkerOption {
	return func(w *Worker) {
		if l != nil {
			w.log = l
		}
	}
}

func WithListener(l Listener) WorkerOption {
	return func(w *Worker) { w.events.add(l) }
}

func NewWorker(q *Queue, h Handler, opts ...WorkerOption) *Worker {
	w := &Worker{
		q:               q,
		handler:         h,
		log:             logger.Nop(),
		events:          &emitter{},
		concurrency:     DefaultConcurrency,
		leaseDuration:   DefaultLeaseDuration,
		blockTimeout:    DefaultBlockTimeout,
		stalledInterval: DefaultStalledInterval,
	}
	for _, o := range opts {
		o(w)
	}
	if w.blockTimeout < time.Second {
		w.blockTimeout = time.Second
	}
	w.log = w.log.With("queue", q.name)
	w.events.log = w.log
	return w
}

func (w *Worker) Queue() *Queue { return w.q }

// On registra um listener de eventos do ciclo de vida dos jobs.
func (w *Worker) On(l Listener) { w.events.add(l) }

// Run consome a fila até ctx ser cancelado e então espera os jobs em
// execução terminarem. Jobs em andamento não são interrompidos.
func (w *Worker) Run(ctx context.Context) error {
	slots := application.ConcurrencyService{Pool: infra.NewChanPool(w.concurrency)}

	stalledDone := make(chan struct{})
	go func() {
		defer close(stalledDone)
		w.stalledLoop(ctx)
	}()

	w.log.Info("worker started", "concurrency", w.concurrency, "lease", w.leaseDuration.String())

	errBackoff := backoff.NewExponentialBackOff()
	errBackoff.InitialInterval = 100 * time.Millisecond
	errBackoff.MaxInterval = 5 * time.Second

	for ctx.Err() == nil {
		release, ok := slots.Acquire(ctx)
		if !ok {
			break
		}
		if w.limiter != nil {
			if err := w.limiter.Wait(ctx); err != nil {
				release()
				break
			}
		}

		job, err := w.fetch(ctx)
		if err != nil {
			release()
			if ctx.Err() != nil {
				break
			}
			wait := errBackoff.NextBackOff()
			w.log.Error("fetch job failed", "error", err, "retry_in", wait.String())
			sleep(ctx, wait)
			continue
		}
		errBackoff.Reset()
		if job == nil {
			release()
			continue
		}

		w.inflight.Add(1)
		go func() {
			defer w.inflight.Done()
			defer release()
			w.process(context.WithoutCancel(ctx), job)
		}()
	}

	w.inflight.Wait()
	<-stalledDone
	w.log.Info("worker stopped")
	return nil
}

// fetch tenta pegar um job; se não houver, bloqueia no notify e tenta de novo.
func (w *Worker) fetch(ctx context.Context) (*Job, error) {
	_, next, err := w.q.promote(ctx)
	if err != nil {
		return nil, err
	}
	job, err := w.q.activate(ctx, w.leaseDuration)
	if err != nil || job != nil {
		return job, err
	}

	timeout := w.blockTimeout
	if !next.IsZero() {
		if until := time.Until(next); until < timeout {
			timeout = max(until, time.Second)
		}
	}
	if err := w.q.waitForWork(ctx, timeout); err != nil {
		return nil, err
	}
	if _, _, err := w.q.promote(ctx); err != nil {
		return nil, err
	}
	return w.q.activate(ctx, w.leaseDuration)
}

func (w *Worker) process(ctx context.Context, job *Job) {
	log := w.log.With("job_id", job.ID, "job_name", job.Name, "attempt", job.Attempts)
	start := time.Now()

	w.events.emit(ctx, Event{Type: EventActive, Queue: w.q.name, JobID: job.ID, JobName: job.Name, Attempt: job.Attempts, At: start})

	jobCtx, cancel := context.WithTimeout(ctx, w.leaseDuration)
	result, err := w.invoke(jobCtx, job)
	cancel()
	elapsed := time.Since(start)

	if err == nil {
		at, ferr := w.q.complete(ctx, job, result)
		if ferr != nil {
			w.logFinishError(log, ferr)
			return
		}
		log.Debug("job completed", "duration_ms", elapsed.Milliseconds())
		w.events.emit(ctx, Event{Type: EventCompleted, Queue: w.q.name, JobID: job.ID, JobName: job.Name, Attempt: job.Attempts, Duration: elapsed, At: at})
		return
	}

	if shouldRetry(err) && job.Attempts < job.MaxAttempts {
		delay := job.Backoff.Next(job.Attempts)
		if ferr := w.q.retry(ctx, job, err, delay); ferr != nil {
			w.logFinishError(log, ferr)
			return
		}
		log.Warn("job failed, retrying", "error", err, "retry_in", delay.String(), "max_attempts", job.MaxAttempts)
		w.events.emit(ctx, Event{Type: EventFailed, Queue: w.q.name, JobID: job.ID, JobName: job.Name, Attempt: job.Attempts, Error: err.Error(), Duration: elapsed, At: time.Now()})
		return
	}

	at, ferr := w.q.fail(ctx, job, err)
	if ferr != nil {
		w.logFinishError(log, ferr)
		return
	}
	log.Error("job failed", "error", err, "max_attempts", job.MaxAttempts)
	w.events.emit(ctx, Event{Type: EventFailed, Queue: w.q.name, JobID: job.ID, JobName: job.Name, Attempt: job.Attempts, Final: true, Error: err.Error(), Duration: elapsed, At: at})
}

// invoke converte pânico do handler em erro comum.
func (w *Worker) invoke(ctx context.Context, job *Job) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("job handler panicked", "job_id", job.ID, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	if w.handler == nil {
		return nil, Unrecoverable(errors.New("no handler registered"))
	}
	return w.handler.Handle(ctx, job)
}

func (w *Worker) logFinishError(log *logger.Logger, err error) {
	if errors.Is(err, errLeaseLost) {
		log.Warn("job lease expired before completion; result discarded")
		return
	}
	// o job fica em active e volta pela recuperação de stalled
	log.Error("record job outcome failed", "error", err)
}

func (w *Worker) stalledLoop(ctx context.Context) {
	t := time.NewTicker(w.stalledInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			recovered, failed, err := w.q.recoverStalled(ctx)
			if err != nil {
				if ctx.Err() == nil {
					w.log.Error("stalled recovery failed", "error", err)
				}
				continue
			}
			if recovered > 0 || failed > 0 {
				w.log.Warn("stalled jobs recovered", "requeued", recovered, "failed", failed)
			}
		}
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
