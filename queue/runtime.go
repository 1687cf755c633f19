package queue

import (
	"context"
	"fmt"
	"sync"

	"reservation-engine/logger"
	"reservation-engine/store"

	"golang.org/x/sync/errgroup"
)

const (
	QueueReservation     = "reservation"
	QueueNotification    = "notification"
	QueueEmail           = "email"
	QueueSessionReminder = "session-reminder"
	QueueAIProcessing    = "ai-processing"
	QueueCleanup         = "cleanup"
	QueueReport          = "report"
)

// Names é o registro fixo de filas do sistema.
var Names = []string{
	QueueReservation,
	QueueNotification,
	QueueEmail,
	QueueSessionReminder,
	QueueAIProcessing,
	QueueCleanup,
	QueueReport,
}

// Runtime agrupa as filas do registro e os workers deste processo.
// Uma fila só é consumida aqui se tiver um worker registrado.
type Runtime struct {
	queues  map[string]*Queue
	log     *logger.Logger
	events  *emitter
	workers []*Worker

	mu      sync.Mutex
	running bool
}

// NewRuntime cria todas as filas do registro. opts permite política por fila;
// filas ausentes usam DefaultOptions.
func NewRuntime(client *store.Client, opts map[string]Options, log *logger.Logger, qopts ...QueueOption) *Runtime {
	if log == nil {
		log = logger.Nop()
	}
	r := &Runtime{
		queues: make(map[string]*Queue, len(Names)),
		log:    log,
		events: &emitter{log: log},
	}
	for _, name := range Names {
		o, ok := opts[name]
		if !ok {
			o = DefaultOptions()
		}
		r.queues[name] = New(client, name, o, qopts...)
	}
	return r
}

func (r *Runtime) Queue(name string) (*Queue, error) {
	q, ok := r.queues[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownQueue, name)
	}
	return q, nil
}

func (r *Runtime) Enqueue(ctx context.Context, queueName, jobName string, payload any, opts ...JobOption) (*Job, error) {
	q, err := r.Queue(queueName)
	if err != nil {
		return nil, err
	}
	return q.Enqueue(ctx, jobName, payload, opts...)
}

// On registra um listener que recebe eventos de todos os workers do runtime.
func (r *Runtime) On(l Listener) { r.events.add(l) }

// RegisterWorker cria o worker da fila. Precisa ser chamado antes de Run.
func (r *Runtime) RegisterWorker(queueName string, h Handler, concurrency int, opts ...WorkerOption) (*Worker, error) {
	q, err := r.Queue(queueName)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return nil, fmt.Errorf("register worker for %s: runtime already running", queueName)
	}

	opts = append([]WorkerOption{WithWorkerLogger(r.log)}, opts...)
	opts = append(opts, WithConcurrency(concurrency), WithListener(r.events.emit))
	w := NewWorker(q, h, opts...)
	r.workers = append(r.workers, w)
	return w, nil
}

// Run executa todos os workers registrados até ctx terminar.
func (r *Runtime) Run(ctx context.Context) error {
	r.mu.Lock()
	r.running = true
	workers := append([]*Worker(nil), r.workers...)
	r.mu.Unlock()

	if len(workers) == 0 {
		r.log.Warn("queue runtime started without workers")
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, w := range workers {
		g.Go(func() error { return w.Run(gctx) })
	}
	return g.Wait()
}
