package main

import (
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"reservation-engine/auth"
	"reservation-engine/cache"
	"reservation-engine/coordination/application"
	"reservation-engine/coordination/domain"
	"reservation-engine/coordination/infra"
	"reservation-engine/httpapi"
	"reservation-engine/middleware/idempotency"
	"reservation-engine/middleware/ratelimit"
	"reservation-engine/queue"
	"reservation-engine/reservation"
	"reservation-engine/telemetry"

	"github.com/spf13/cobra"
)

var apiCmd = &cobra.Command{
	Use:   "api",
	Short: "Serve the HTTP API",
	Long: `Serve the HTTP API: reservation actions are validated and enqueued, job
state can be polled, and sessions are managed under /v1/auth. /health, /ready,
/metrics and /stats are not rate limited.`,
	RunE: runAPI,
}

func init() {
	flags := apiCmd.Flags()
	flags.String("listen-addr", ":8080", "address the HTTP API listens on")
	flags.String("auth-secret", "", "HMAC secret for session tokens (at least 16 characters)")
}

func runAPI(cmd *cobra.Command, _ []string) error {
	if err := cfg.ValidateAuth(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d, err := openDeps(ctx)
	if err != nil {
		return err
	}
	defer d.Close()

	rdb := d.redis.Cmd
	c := cache.New(rdb, log)
	limiter := infra.NewRedisRateLimiter(rdb)
	metrics := telemetry.NewMetrics()

	manager, err := auth.NewManager(d.users, c, limiter, cfg.AuthConfig(), auth.WithLogger(log))
	if err != nil {
		return err
	}
	runtime := queue.NewRuntime(d.redis, cfg.QueueOptions(), log)
	validator := reservation.NewJobHandler(nil, d.repo, d.lockService())

	decisions := infra.NewMemoryStatsStore()
	stats := infra.MultiStatsStore{metrics, decisions}
	if cfg.StatsEnabled {
		stats = append(stats, infra.NewRedisStatsStore(rdb,
			infra.WithStatsTTL(cfg.StatsTTL),
			infra.WithStatsBucket(cfg.StatsBucket),
			infra.WithStatsOffenders(cfg.StatsOffenders),
		))
	}

	var protect []func(http.Handler) http.Handler
	if cfg.RateLimitEnabled {
		var local domain.LimiterStore
		if cfg.LocalRPS > 0 {
			ls := infra.NewLocalStore(cfg.LocalRPS, cfg.LocalBurst)
			ls.StartJanitor(ctx)
			local = ls
		}
		protect = append(protect, ratelimit.Middleware(ratelimit.Options{
			Service:            application.Service{Limiter: limiter, Stats: stats},
			Policy:             domain.Policy{Action: "http", Window: cfg.RateLimitWindow, Max: cfg.RateLimitMax},
			Local:              local,
			KeyHeader:          cfg.RateKeyHeader,
			TrustXForwardedFor: cfg.TrustXFF,
			FailOpen:           cfg.RateFailOpen,
			Log:                log,
		}))
	}
	protect = append(protect, ratelimit.ConcurrencyMiddleware(ratelimit.ConcurrencyOptions{
		Max:            cfg.ConcurrencyMax,
		AcquireTimeout: cfg.ConcurrencyTimeout,
		Log:            log,
	}))

	handler := httpapi.New(httpapi.Options{
		Health:       httpapi.NewHealthHandler(d.redis, log),
		Reservations: httpapi.NewReservationHandler(runtime, validator, log),
		Auth:         httpapi.NewAuthHandler(manager, runtime, log),
		Metrics:      metrics.Handler(),
		Stats:        decisions,
		Idempotency: idempotency.Middleware(idempotency.Options{
			Store:    idempotency.CacheStore{Cache: c},
			TTL:      cfg.IdempotencyTTL,
			ClaimTTL: cfg.IdempotencyClaim,
			Log:      log,
		}),
		Protect: protect,
		Log:     log,
	})

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       90 * time.Second,
	}

	log.Info("api configured",
		"store", cfg.Store,
		"rate_enabled", cfg.RateLimitEnabled,
		"rate_max", cfg.RateLimitMax,
		"rate_window", cfg.RateLimitWindow.String(),
		"rate_fail_open", cfg.RateFailOpen,
		"concurrency_max", cfg.ConcurrencyMax,
		"stats_enabled", cfg.StatsEnabled,
	)
	return serveHTTP(ctx, srv, "api")
}
