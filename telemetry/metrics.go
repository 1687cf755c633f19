// Package telemetry observa o runtime de filas: métricas no formato do
// Prometheus e publicação dos eventos de ciclo de vida no Kafka.
package telemetry

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"reservation-engine/coordination/domain"
	"reservation-engine/queue"

	"github.com/VictoriaMetrics/metrics"
)

// Metrics agrega contadores por fila e por ação de rate limit num
// metrics.Set próprio.
type Metrics struct {
	set *metrics.Set
}

func NewMetrics() *Metrics {
	return &Metrics{set: metrics.NewSet()}
}

// Observe é um queue.Listener.
func (m *Metrics) Observe(_ context.Context, ev queue.Event) {
	switch ev.Type {
	case queue.EventActive:
		m.set.GetOrCreateCounter(fmt.Sprintf(`reservd_jobs_active_total{queue=%q}`, ev.Queue)).Inc()
	case queue.EventCompleted:
		m.set.GetOrCreateCounter(fmt.Sprintf(`reservd_jobs_completed_total{queue=%q}`, ev.Queue)).Inc()
		m.set.GetOrCreateHistogram(fmt.Sprintf(`reservd_job_duration_seconds{queue=%q}`, ev.Queue)).Update(ev.Duration.Seconds())
	case queue.EventFailed:
		m.set.GetOrCreateCounter(fmt.Sprintf(`reservd_jobs_failed_total{queue=%q,final=%q}`, ev.Queue, strconv.FormatBool(ev.Final))).Inc()
		m.set.GetOrCreateHistogram(fmt.Sprintf(`reservd_job_duration_seconds{queue=%q}`, ev.Queue)).Update(ev.Duration.Seconds())
	}
}

// Record implementa domain.StatsStore para as decisões de rate limit.
func (m *Metrics) Record(_ context.Context, ev domain.StatsEvent) error {
	result := "allowed"
	if !ev.Allowed {
		result = "denied"
	}
	action := ev.Action
	if action == "" {
		action = "unknown"
	}
	m.set.GetOrCreateCounter(fmt.Sprintf(`reservd_ratelimit_decisions_total{action=%q,result=%q}`, action, result)).Inc()
	return nil
}

func (m *Metrics) WritePrometheus(w io.Writer) {
	m.set.WritePrometheus(w)
}

// Handler expõe as métricas do runtime e as do processo.
func (m *Metrics) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		m.set.WritePrometheus(w)
		metrics.WriteProcessMetrics(w)
	})
}

var _ domain.StatsStore = (*Metrics)(nil)
