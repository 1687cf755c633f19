package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	"reservation-engine/logger"
	"reservation-engine/queue"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/compress"
)

const (
	DefaultPublishTimeout = 5 * time.Second
	DefaultBufferSize     = 1024
	DefaultBatchSize      = 100

	HeaderEventType = "event-type"
	HeaderQueue     = "queue"
)

// MessageWriter é o subconjunto de *kafka.Writer usado pelo publisher.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaConfig struct {
	Brokers      []string
	Topic        string
	BatchTimeout time.Duration
}

// NewKafkaWriter monta o writer com balanceamento por chave (id do job), então
// os eventos de um mesmo job caem na mesma partição e mantêm a ordem.
func NewKafkaWriter(cfg KafkaConfig) (*kafka.Writer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("at least one kafka broker is required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("kafka topic cannot be empty")
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 50 * time.Millisecond
	}
	return &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Compression:  compress.Snappy,
		MaxAttempts:  3,
		BatchTimeout: cfg.BatchTimeout,
	}, nil
}

// KafkaPublisher encaminha os eventos das filas para um tópico.
//
// O listener só enfileira num buffer em memória; Run faz as escritas. Com o
// buffer cheio o evento é descartado e contado em Dropped: telemetria nunca
// segura um worker.
type KafkaPublisher struct {
	w       MessageWriter
	events  chan queue.Event
	timeout time.Duration
	batch   int
	log     *logger.Logger

	dropped   atomic.Int64
	published atomic.Int64
}

type KafkaOption func(*KafkaPublisher)

func WithPublishTimeout(d time.Duration) KafkaOption {
	return func(p *KafkaPublisher) {
		if d > 0 {
			p.timeout = d
		}
	}
}

func WithBufferSize(n int) KafkaOption {
	return func(p *KafkaPublisher) {
		if n > 0 {
			p.events = make(chan queue.Event, n)
		}
	}
}

func WithBatchSize(n int) KafkaOption {
	return func(p *KafkaPublisher) {
		if n > 0 {
			p.batch = n
		}
	}
}

func WithKafkaLogger(l *logger.Logger) KafkaOption {
	return func(p *KafkaPublisher) {
		if l != nil {
			p.log = l
		}
	}
}

func NewKafkaPublisher(w MessageWriter, opts ...KafkaOption) *KafkaPublisher {
	p := &KafkaPublisher{
		w:       w,
		events:  make(chan queue.Event, DefaultBufferSize),
		timeout: DefaultPublishTimeout,
		batch:   DefaultBatchSize,
		log:     logger.Nop(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Observe é um queue.Listener.
func (p *KafkaPublisher) Observe(_ context.Context, ev queue.Event) {
	select {
	case p.events <- ev:
	default:
		if p.dropped.Add(1)%100 == 1 {
			p.log.Warn("kafka event buffer full, dropping events", "dropped", p.dropped.Load())
		}
	}
}

func (p *KafkaPublisher) Dropped() int64   { return p.dropped.Load() }
func (p *KafkaPublisher) Published() int64 { return p.published.Load() }

// Run publica até ctx encerrar; o que ainda estiver no buffer é enviado
// antes de retornar e o writer é fechado.
func (p *KafkaPublisher) Run(ctx context.Context) error {
	defer func() {
		if err := p.w.Close(); err != nil {
			p.log.Warn("close kafka writer", "error", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			p.drain(ctx)
			return nil
		case ev := <-p.events:
			p.flush(ctx, p.collect(ev))
		}
	}
}

// collect junta o que já estiver no buffer, até o tamanho do lote.
func (p *KafkaPublisher) collect(first queue.Event) []queue.Event {
	batch := []queue.Event{first}
	for len(batch) < p.batch {
		select {
		case ev := <-p.events:
			batch = append(batch, ev)
		default:
			return batch
		}
	}
	return batch
}

func (p *KafkaPublisher) drain(ctx context.Context) {
	for {
		select {
		case ev := <-p.events:
			p.flush(ctx, p.collect(ev))
		default:
			return
		}
	}
}

func (p *KafkaPublisher) flush(ctx context.Context, batch []queue.Event) {
	msgs := make([]kafka.Message, 0, len(batch))
	for _, ev := range batch {
		msg, err := toMessage(ev)
		if err != nil {
			p.log.Error("encode queue event", "job_id", ev.JobID, "error", err)
			continue
		}
		msgs = append(msgs, msg)
	}
	if len(msgs) == 0 {
		return
	}

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()
	if err := p.w.WriteMessages(wctx, msgs...); err != nil {
		p.log.Error("publish queue events", "count", len(msgs), "error", err)
		return
	}
	p.published.Add(int64(len(msgs)))
}

func toMessage(ev queue.Event) (kafka.Message, error) {
	value, err := json.Marshal(ev)
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{
		Key:   []byte(ev.JobID),
		Value: value,
		Time:  ev.At,
		Headers: []kafka.Header{
			{Key: HeaderEventType, Value: []byte(ev.Type)},
			{Key: HeaderQueue, Value: []byte(ev.Queue)},
		},
	}, nil
}
