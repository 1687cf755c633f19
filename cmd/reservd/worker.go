package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"reservation-engine/queue"
	"reservation-engine/reservation"
	"reservation-engine/telemetry"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Consume every queue of the registry",
	Long: `Run one worker per queue with the configured concurrency, retry policy and
rate, schedule the periodic cleanup and expose /metrics. Queue lifecycle events
are published to Kafka when kafka.brokers is set.`,
	RunE: runWorker,
}

func init() {
	flags := workerCmd.Flags()
	flags.String("metrics-addr", ":9090", "address of the worker /metrics endpoint (empty disables it)")
	flags.String("kafka-brokers", "", "comma-separated Kafka brokers for queue events (empty disables publishing)")
}

// sensitiveFields não vão para o log das entregas.
var sensitiveFields = []string{"code", "password", "token"}

// logDelivery atende as filas de entrega (e-mail, notificações, lembretes,
// IA, relatórios) registrando o job no log. Consumidores externos recebem o
// mesmo job pelo tópico de eventos.
func logDelivery(queueName string) queue.Handler {
	return queue.HandlerFunc(func(_ context.Context, job *queue.Job) (any, error) {
		var payload map[string]any
		if err := job.Decode(&payload); err != nil {
			return nil, queue.Unrecoverable(err)
		}
		for _, f := range sensitiveFields {
			delete(payload, f)
		}
		log.Info("job delivered", "queue", queueName, "job_name", job.Name, "job_id", job.ID, "attempt", job.Attempts, "payload", payload)
		return map[string]bool{"delivered": true}, nil
	})
}

func runWorker(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d, err := openDeps(ctx)
	if err != nil {
		return err
	}
	defer d.Close()

	runtime := queue.NewRuntime(d.redis, cfg.QueueOptions(), log)
	metrics := telemetry.NewMetrics()
	runtime.On(metrics.Observe)

	g, gctx := errgroup.WithContext(ctx)

	if len(cfg.KafkaBrokers) > 0 {
		writer, err := telemetry.NewKafkaWriter(telemetry.KafkaConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic})
		if err != nil {
			return err
		}
		pub := telemetry.NewKafkaPublisher(writer, telemetry.WithKafkaLogger(log))
		runtime.On(pub.Observe)
		g.Go(func() error { return pub.Run(gctx) })
		log.Info("publishing queue events", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	}

	processor := reservation.NewProcessor(d.repo,
		reservation.WithPendingHorizon(cfg.PendingHorizon),
		reservation.WithProcessorLogger(log),
	)
	jobs := reservation.NewJobHandler(processor, d.repo, d.lockService(),
		reservation.WithLockTTL(cfg.ProgramLockTTL),
		reservation.WithRouter(reservation.ActionRouter{Enqueuer: runtime}),
		reservation.WithHandlerLogger(log),
	)

	for _, name := range queue.Names {
		var h queue.Handler
		switch name {
		case queue.QueueReservation, queue.QueueCleanup:
			h = jobs
		default:
			h = logDelivery(name)
		}

		qc := cfg.Queues[name]
		opts := []queue.WorkerOption{
			queue.WithLeaseDuration(cfg.LeaseDuration),
			queue.WithStalledInterval(cfg.StalledInterval),
		}
		if qc.Rate > 0 {
			opts = append(opts, queue.WithRate(rate.Limit(qc.Rate), qc.Burst))
		}
		if _, err := runtime.RegisterWorker(name, h, qc.Concurrency, opts...); err != nil {
			return err
		}
		log.Info("worker registered", "queue", name, "concurrency", qc.Concurrency, "attempts", qc.Attempts, "rate", qc.Rate)
	}

	g.Go(func() error { return runtime.Run(gctx) })
	g.Go(func() error {
		return reservation.Scheduler{Enqueuer: runtime, Interval: cfg.CleanupInterval, Log: log}.Run(gctx)
	})
	if cfg.MetricsAddr != "" {
		srv := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           metrics.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error { return serveHTTP(gctx, srv, "metrics") })
	}

	return g.Wait()
}
