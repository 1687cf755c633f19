package httpapi

import (
	"context"
	"net/http"
	"time"

	"reservation-engine/coordination/infra"
	"reservation-engine/logger"

	"github.com/julienschmidt/httprouter"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

type HealthResponse struct {
	Status string `json:"status"`
	Redis  string `json:"redis,omitempty"`
}

type HealthHandler struct {
	redis Pinger
	log   *logger.Logger
}

func NewHealthHandler(redis Pinger, log *logger.Logger) *HealthHandler {
	if log == nil {
		log = logger.Nop()
	}
	return &HealthHandler{redis: redis, log: log}
}

func (h *HealthHandler) Health(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	if err := WriteJSON(w, http.StatusOK, HealthResponse{Status: "ok"}); err != nil {
		h.log.Error("failed to write JSON response", "handler", "Health", "error", err)
	}
}

// Ready só responde 200 com o Redis acessível.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status, resp := http.StatusOK, HealthResponse{Status: "ready", Redis: "ok"}
	if h.redis != nil {
		if err := h.redis.Ping(ctx); err != nil {
			h.log.Error("redis health check failed", "error", err)
			status, resp = http.StatusServiceUnavailable, HealthResponse{Status: "unavailable", Redis: "error"}
		}
	}
	if err := WriteJSON(w, status, resp); err != nil {
		h.log.Error("failed to write JSON response", "handler", "Ready", "error", err)
	}
}

func (h *HealthHandler) RegisterRoutes(router *httprouter.Router) {
	router.GET("/health", h.Health)
	router.GET("/ready", h.Ready)
}

// StatsSource expõe o resumo das decisões de rate limit do processo.
type StatsSource interface {
	Snapshot() infra.StatsSnapshot
}

func statsHandler(src StatsSource, log *logger.Logger) httprouter.Handle {
	return func(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
		if err := WriteJSON(w, http.StatusOK, src.Snapshot()); err != nil {
			log.Error("failed to write JSON response", "handler", "Stats", "error", err)
		}
	}
}
