package reservation

import (
	"context"
	"errors"
	"strings"

	"reservation-engine/queue"
)

// Enqueuer é o pedaço do queue.Runtime que o roteador usa.
type Enqueuer interface {
	Enqueue(ctx context.Context, queueName, jobName string, payload any, opts ...queue.JobOption) (*queue.Job, error)
}

// ActionPayload é o payload dos jobs de follow-up.
type ActionPayload struct {
	Action        string `json:"action"`
	ReservationID string `json:"reservationId,omitempty"`
	UserID        string `json:"userId,omitempty"`
	SourceJobID   string `json:"sourceJobId,omitempty"`
}

// ActionRouter transforma NextActions em jobs. E-mails vão para a fila de
// e-mail; o resto para notificações. O id de cada follow-up deriva do job de
// origem, então reexecutar o job de reserva não duplica envios.
type ActionRouter struct {
	Enqueuer Enqueuer
	// Routes sobrescreve o destino de uma ação (nome -> fila).
	Routes map[string]string
}

func (r ActionRouter) queueFor(action string) string {
	if q, ok := r.Routes[action]; ok {
		return q
	}
	if strings.HasPrefix(action, "send_") && strings.HasSuffix(action, "_email") {
		return queue.QueueEmail
	}
	return queue.QueueNotification
}

// Dispatch enfileira cada ação. Ações no formato "nome:id" apontam para outra
// reserva (ex.: notify_promoted:{id}).
func (r ActionRouter) Dispatch(ctx context.Context, sourceJobID string, res Result, userID string) ([]*queue.Job, error) {
	if r.Enqueuer == nil || len(res.NextActions) == 0 {
		return nil, nil
	}

	var (
		jobs []*queue.Job
		errs []error
	)
	for _, action := range res.NextActions {
		name, target, found := strings.Cut(action, ":")
		payload := ActionPayload{
			Action:        name,
			ReservationID: res.ReservationID,
			UserID:        userID,
			SourceJobID:   sourceJobID,
		}
		if found {
			payload.ReservationID = target
			payload.UserID = ""
		}

		var opts []queue.JobOption
		if sourceJobID != "" {
			opts = append(opts, queue.WithJobID(sourceJobID+":"+action))
		}
		job, err := r.Enqueuer.Enqueue(ctx, r.queueFor(name), name, payload, opts...)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, errors.Join(errs...)
}
