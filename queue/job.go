package queue

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Job é mutado apenas pelo worker que o executa; depois de completed/failed
// só sai do Redis pelo corte de histórico.
type Job struct {
	ID          string          `json:"id"`
	Queue       string          `json:"queue"`
	Name        string          `json:"name"`
	Data        json.RawMessage `json:"data"`
	Status      Status          `json:"status"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"maxAttempts"`
	Priority    int             `json:"priority"`
	Delay       time.Duration   `json:"delay"`
	Backoff     Backoff         `json:"backoff"`
	CreatedAt   time.Time       `json:"createdAt"`
	StartedAt   *time.Time      `json:"startedAt,omitempty"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
	FailedAt    *time.Time      `json:"failedAt,omitempty"`
	Error       string          `json:"error,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
}

// Decode desserializa o payload do job.
func (j *Job) Decode(v any) error {
	if err := json.Unmarshal(j.Data, v); err != nil {
		return fmt.Errorf("decode job %s payload: %w", j.ID, err)
	}
	return nil
}

type BackoffType string

const (
	BackoffFixed       BackoffType = "fixed"
	BackoffExponential BackoffType = "exponential"
)

// maxBackoff evita overflow no deslocamento exponencial.
const maxBackoff = 24 * time.Hour

type Backoff struct {
	Type  BackoffType   `json:"type"`
	Delay time.Duration `json:"delay"`
}

// Next devolve a espera antes da próxima tentativa, dado quantas tentativas
// já foram feitas (>= 1). Exponencial dobra a cada retry: d, 2d, 4d...
func (b Backoff) Next(attemptsMade int) time.Duration {
	if b.Delay <= 0 {
		return 0
	}
	if b.Type != BackoffExponential || attemptsMade <= 1 {
		return b.Delay
	}
	d := b.Delay
	for i := 1; i < attemptsMade; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	return d
}

type jobOptions struct {
	id          string
	priority    int
	delay       time.Duration
	maxAttempts int
	backoff     *Backoff
}

type JobOption func(*jobOptions)

// WithJobID fixa o id do job. Se já existir um job com esse id na fila, o
// enqueue devolve o existente sem alterá-lo (deduplicação).
func WithJobID(id string) JobOption {
	return func(o *jobOptions) { o.id = id }
}

// WithPriority coloca o job na faixa priorizada; 1 é a maior prioridade.
// Jobs sem prioridade (0) são consumidos antes, em FIFO.
func WithPriority(priority int) JobOption {
	return func(o *jobOptions) { o.priority = priority }
}

func WithDelay(d time.Duration) JobOption {
	return func(o *jobOptions) { o.delay = d }
}

func WithAttempts(n int) JobOption {
	return func(o *jobOptions) { o.maxAttempts = n }
}

func WithBackoff(b Backoff) JobOption {
	return func(o *jobOptions) { o.backoff = &b }
}

// --- conversão de/para o hash do Redis ---

func msString(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func parseMs(s string) *time.Time {
	if s == "" {
		return nil
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms <= 0 {
		return nil
	}
	t := time.UnixMilli(ms).UTC()
	return &t
}

func (j *Job) fields() []any {
	return []any{
		"id", j.ID,
		"name", j.Name,
		"data", string(j.Data),
		"status", string(j.Status),
		"attempts", j.Attempts,
		"maxAttempts", j.MaxAttempts,
		"priority", j.Priority,
		"delay", j.Delay.Milliseconds(),
		"backoffType", string(j.Backoff.Type),
		"backoffDelay", j.Backoff.Delay.Milliseconds(),
		"createdAt", msString(j.CreatedAt),
	}
}

func jobFromHash(queue string, h map[string]string) (*Job, error) {
	if len(h) == 0 || h["id"] == "" {
		return nil, ErrJobNotFound
	}
	atoi := func(key string) int {
		n, _ := strconv.Atoi(h[key])
		return n
	}
	ms := func(key string) time.Duration {
		n, _ := strconv.ParseInt(h[key], 10, 64)
		return time.Duration(n) * time.Millisecond
	}

	j := &Job{
		ID:          h["id"],
		Queue:       queue,
		Name:        h["name"],
		Data:        json.RawMessage(h["data"]),
		Status:      Status(h["status"]),
		Attempts:    atoi("attempts"),
		MaxAttempts: atoi("maxAttempts"),
		Priority:    atoi("priority"),
		Delay:       ms("delay"),
		Backoff:     Backoff{Type: BackoffType(h["backoffType"]), Delay: ms("backoffDelay")},
		StartedAt:   parseMs(h["startedAt"]),
		CompletedAt: parseMs(h["completedAt"]),
		FailedAt:    parseMs(h["failedAt"]),
		Error:       h["error"],
	}
	if created := parseMs(h["createdAt"]); created != nil {
		j.CreatedAt = *created
	}
	if r := h["result"]; r != "" {
		j.Result = json.RawMessage(r)
	}
	return j, nil
}

// flatToMap converte a resposta de HGETALL devolvida por um script.
func flatToMap(v any) (map[string]string, error) {
	items, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("unexpected script reply %T", v)
	}
	h := make(map[string]string, len(items)/2)
	for i := 0; i+1 < len(items); i += 2 {
		k, _ := items[i].(string)
		val, _ := items[i+1].(string)
		h[k] = val
	}
	return h, nil
}
