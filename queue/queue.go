// Package queue implementa as filas de jobs sobre o Redis.
//
// Cada fila vive sob o prefixo `q:{nome}:` (hash tag, todas as chaves caem no
// mesmo slot). Transições de estado são scripts Lua que recebem o "agora" por
// argumento, então o relógio é sempre o do processo.
//
// Entrega é at-least-once: um job cujo lease vence volta para a fila e pode
// rodar de novo. Handlers precisam ser idempotentes.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"reservation-engine/store"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultAttempts      = 3
	DefaultBackoffDelay  = time.Second
	DefaultKeepCompleted = 100
	DefaultKeepFailed    = 500
	MaxPriority          = 1 << 21
	promoteBatch         = 100
)

type keys struct {
	prefix      string
	wait        string
	prioritized string
	delayed     string
	active      string
	completed   string
	failed      string
	notify      string
	seq         string
}

func newKeys(name string) keys {
	p := "q:{" + name + "}:"
	return keys{
		prefix:      p + "job:",
		wait:        p + "wait",
		prioritized: p + "prioritized",
		delayed:     p + "delayed",
		active:      p + "active",
		completed:   p + "completed",
		failed:      p + "failed",
		notify:      p + "notify",
		seq:         p + "seq",
	}
}

func (k keys) job(id string) string { return k.prefix + id }

type Options struct {
	// Attempts e Backoff valem para jobs que não informam os seus.
	Attempts int
	Backoff  Backoff
	// KeepCompleted/KeepFailed limitam o histórico; negativo = sem limite.
	KeepCompleted int
	KeepFailed    int
}

func (o Options) withDefaults() Options {
	if o.Attempts <= 0 {
		o.Attempts = DefaultAttempts
	}
	if o.Backoff.Type == "" {
		o.Backoff.Type = BackoffExponential
	}
	if o.Backoff.Delay <= 0 {
		o.Backoff.Delay = DefaultBackoffDelay
	}
	return o
}

// DefaultOptions é a política padrão: 3 tentativas, backoff exponencial de 1s.
func DefaultOptions() Options {
	return Options{KeepCompleted: DefaultKeepCompleted, KeepFailed: DefaultKeepFailed}.withDefaults()
}

type Queue struct {
	name     string
	rdb      redis.UniversalClient
	blocking redis.UniversalClient
	keys     keys
	opts     Options
	now      func() time.Time
}

type QueueOption func(*Queue)

func WithClock(now func() time.Time) QueueOption {
	return func(q *Queue) {
		if now != nil {
			q.now = now
		}
	}
}

func New(client *store.Client, name string, opts Options, qopts ...QueueOption) *Queue {
	q := &Queue{
		name:     name,
		rdb:      client.Cmd,
		blocking: client.Blocking,
		keys:     newKeys(name),
		opts:     opts.withDefaults(),
		now:      time.Now,
	}
	for _, o := range qopts {
		o(q)
	}
	return q
}

func (q *Queue) Name() string     { return q.name }
func (q *Queue) Options() Options { return q.opts }

// Enqueue grava o job e o coloca em wait, prioritized ou delayed. Com
// WithJobID e id já existente, devolve o job existente sem tocar nele.
func (q *Queue) Enqueue(ctx context.Context, name string, payload any, opts ...JobOption) (*Job, error) {
	var o jobOptions
	for _, fn := range opts {
		fn(&o)
	}
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("%w: empty job name", ErrInvalidJob)
	}
	if o.priority < 0 || o.priority > MaxPriority {
		return nil, fmt.Errorf("%w: priority must be between 0 and %d", ErrInvalidJob, MaxPriority)
	}
	if o.delay < 0 {
		return nil, fmt.Errorf("%w: negative delay", ErrInvalidJob)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: encode payload: %v", ErrInvalidJob, err)
	}

	now := q.now()
	job := &Job{
		ID:          o.id,
		Queue:       q.name,
		Name:        name,
		Data:        data,
		Status:      StatusPending,
		MaxAttempts: q.opts.Attempts,
		Priority:    o.priority,
		Delay:       o.delay,
		Backoff:     q.opts.Backoff,
		CreatedAt:   now.UTC().Truncate(time.Millisecond),
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if o.maxAttempts > 0 {
		job.MaxAttempts = o.maxAttempts
	}
	if o.backoff != nil {
		job.Backoff = *o.backoff
	}

	var readyAt int64
	if o.delay > 0 {
		readyAt = now.Add(o.delay).UnixMilli()
	}

	args := append([]any{job.ID, job.Priority, readyAt}, job.fields()...)
	created, err := enqueueScript.Run(ctx, q.rdb, []string{
		q.keys.job(job.ID), q.keys.wait, q.keys.prioritized, q.keys.delayed, q.keys.notify, q.keys.seq,
	}, args...).Int()
	if err != nil {
		return nil, fmt.Errorf("enqueue %s on %s: %w", name, q.name, err)
	}
	if created == 0 {
		return q.Get(ctx, job.ID)
	}
	return job, nil
}

// Remove tira da fila um job que ainda não começou. Jobs em execução ou
// finalizados não são removidos (false).
func (q *Queue) Remove(ctx context.Context, id string) (bool, error) {
	n, err := removeScript.Run(ctx, q.rdb, []string{
		q.keys.wait, q.keys.prioritized, q.keys.delayed,
	}, q.keys.prefix, id).Int()
	if err != nil {
		return false, fmt.Errorf("remove job %s from %s: %w", id, q.name, err)
	}
	return n == 1, nil
}

func (q *Queue) Get(ctx context.Context, id string) (*Job, error) {
	h, err := q.rdb.HGetAll(ctx, q.keys.job(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("get job %s from %s: %w", id, q.name, err)
	}
	return jobFromHash(q.name, h)
}

type Counts struct {
	Waiting   int64 `json:"waiting"`
	Delayed   int64 `json:"delayed"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

func (q *Queue) Counts(ctx context.Context) (Counts, error) {
	pipe := q.rdb.Pipeline()
	wait := pipe.LLen(ctx, q.keys.wait)
	prio := pipe.ZCard(ctx, q.keys.prioritized)
	delayed := pipe.ZCard(ctx, q.keys.delayed)
	active := pipe.ZCard(ctx, q.keys.active)
	completed := pipe.LLen(ctx, q.keys.completed)
	failed := pipe.LLen(ctx, q.keys.failed)
	if _, err := pipe.Exec(ctx); err != nil {
		return Counts{}, fmt.Errorf("count jobs of %s: %w", q.name, err)
	}
	return Counts{
		Waiting:   wait.Val() + prio.Val(),
		Delayed:   delayed.Val(),
		Active:    active.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
	}, nil
}

// Completed lista até n jobs concluídos, do mais recente ao mais antigo.
func (q *Queue) Completed(ctx context.Context, n int) ([]*Job, error) {
	return q.history(ctx, q.keys.completed, n)
}

// Failed lista até n jobs que falharam definitivamente.
func (q *Queue) Failed(ctx context.Context, n int) ([]*Job, error) {
	return q.history(ctx, q.keys.failed, n)
}

func (q *Queue) history(ctx context.Context, key string, n int) ([]*Job, error) {
	if n <= 0 {
		return nil, nil
	}
	ids, err := q.rdb.LRange(ctx, key, 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("list history of %s: %w", q.name, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := q.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, q.keys.job(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("load history of %s: %w", q.name, err)
	}

	jobs := make([]*Job, 0, len(ids))
	for _, cmd := range cmds {
		job, err := jobFromHash(q.name, cmd.Val())
		if err != nil {
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// --- operações usadas pelo worker ---

// promote move os delayed vencidos para a fila e devolve quando vence o próximo.
func (q *Queue) promote(ctx context.Context) (int, time.Time, error) {
	res, err := promoteScript.Run(ctx, q.rdb, []string{
		q.keys.delayed, q.keys.wait, q.keys.prioritized, q.keys.notify, q.keys.seq,
	}, q.keys.prefix, q.now().UnixMilli(), promoteBatch).Int64Slice()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("promote delayed jobs of %s: %w", q.name, err)
	}
	var next time.Time
	if len(res) == 2 && res[1] >= 0 {
		next = time.UnixMilli(res[1])
	}
	return int(res[0]), next, nil
}

// activate pega o próximo job pronto e registra o lease. nil se a fila está vazia.
func (q *Queue) activate(ctx context.Context, lease time.Duration) (*Job, error) {
	v, err := moveToActiveScript.Run(ctx, q.rdb, []string{
		q.keys.wait, q.keys.prioritized, q.keys.active,
	}, q.keys.prefix, q.now().UnixMilli(), lease.Milliseconds()).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("activate job on %s: %w", q.name, err)
	}
	h, err := flatToMap(v)
	if err != nil {
		return nil, err
	}
	return jobFromHash(q.name, h)
}

// waitForWork bloqueia na lista de tokens até chegar trabalho ou vencer timeout.
func (q *Queue) waitForWork(ctx context.Context, timeout time.Duration) error {
	err := q.blocking.BRPop(ctx, timeout, q.keys.notify).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("wait for work on %s: %w", q.name, err)
	}
	return nil
}

var errLeaseLost = errors.New("job lease lost")

func (q *Queue) complete(ctx context.Context, job *Job, result any) (time.Time, error) {
	data, err := json.Marshal(result)
	if err != nil {
		data = []byte("null")
	}
	now := q.now()
	n, err := finishScript.Run(ctx, q.rdb, []string{q.keys.active, q.keys.completed},
		q.keys.prefix, job.ID, now.UnixMilli(), string(StatusCompleted),
		"completedAt", "result", string(data), q.opts.KeepCompleted).Int()
	if err != nil {
		return now, fmt.Errorf("complete job %s on %s: %w", job.ID, q.name, err)
	}
	if n < 0 {
		return now, errLeaseLost
	}
	job.Result = data
	return now, nil
}

func (q *Queue) fail(ctx context.Context, job *Job, cause error) (time.Time, error) {
	now := q.now()
	n, err := finishScript.Run(ctx, q.rdb, []string{q.keys.active, q.keys.failed},
		q.keys.prefix, job.ID, now.UnixMilli(), string(StatusFailed),
		"failedAt", "error", cause.Error(), q.opts.KeepFailed).Int()
	if err != nil {
		return now, fmt.Errorf("fail job %s on %s: %w", job.ID, q.name, err)
	}
	if n < 0 {
		return now, errLeaseLost
	}
	job.Error = cause.Error()
	return now, nil
}

func (q *Queue) retry(ctx context.Context, job *Job, cause error, delay time.Duration) error {
	readyAt := q.now().Add(delay).UnixMilli()
	n, err := retryScript.Run(ctx, q.rdb, []string{q.keys.active, q.keys.delayed},
		q.keys.prefix, job.ID, readyAt, cause.Error()).Int()
	if err != nil {
		return fmt.Errorf("retry job %s on %s: %w", job.ID, q.name, err)
	}
	if n < 0 {
		return errLeaseLost
	}
	return nil
}

// recoverStalled devolve à fila os jobs cujo lease venceu.
func (q *Queue) recoverStalled(ctx context.Context) (recovered, failed int, err error) {
	res, err := stalledScript.Run(ctx, q.rdb, []string{
		q.keys.active, q.keys.wait, q.keys.failed, q.keys.notify,
	}, q.keys.prefix, q.now().UnixMilli(), q.opts.KeepFailed).Int64Slice()
	if err != nil {
		return 0, 0, fmt.Errorf("recover stalled jobs of %s: %w", q.name, err)
	}
	return int(res[0]), int(res[1]), nil
}
