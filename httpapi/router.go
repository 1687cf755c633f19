package httpapi

import (
	"net/http"

	"reservation-engine/logger"

	"github.com/julienschmidt/httprouter"
)

// Options reúne o que o servidor monta. Campos nil desligam a parte
// correspondente.
type Options struct {
	Health       *HealthHandler
	Reservations *ReservationHandler
	Auth         *AuthHandler
	Metrics      http.Handler
	Stats        StatsSource

	// Idempotency envolve só o POST de ações de reserva.
	Idempotency func(http.Handler) http.Handler
	// Protect envolve as rotas /v1 (rate limit, concorrência), na ordem dada.
	Protect []func(http.Handler) http.Handler

	Log *logger.Logger
}

// New monta o handler raiz. Health, métricas e /stats ficam fora do rate limit; tudo
// passa por Recovery e RequestLogging.
func New(opts Options) http.Handler {
	log := opts.Log
	if log == nil {
		log = logger.Nop()
	}

	ops := httprouter.New()
	if opts.Health != nil {
		opts.Health.RegisterRoutes(ops)
	}
	if opts.Metrics != nil {
		ops.Handler(http.MethodGet, "/metrics", opts.Metrics)
	}
	if opts.Stats != nil {
		ops.GET("/stats", statsHandler(opts.Stats, log))
	}

	api := httprouter.New()
	api.HandleMethodNotAllowed = true
	api.NotFound = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = WriteJSON(w, http.StatusNotFound, ErrorResponse{Code: "NOT_FOUND", Message: "route not found"})
	})
	if opts.Reservations != nil {
		opts.Reservations.RegisterRoutes(api, opts.Idempotency)
	}
	if opts.Auth != nil {
		opts.Auth.RegisterRoutes(api)
	}

	mux := http.NewServeMux()
	mux.Handle("/health", ops)
	mux.Handle("/ready", ops)
	mux.Handle("/metrics", ops)
	mux.Handle("/stats", ops)
	mux.Handle("/", Chain(api, opts.Protect...))

	return Chain(mux, Recovery(log), RequestLogging(log))
}
