package httpapi

import (
	"context"
	"errors"
	"net/http"

	"reservation-engine/apperrors"
	"reservation-engine/logger"
	"reservation-engine/queue"
	"reservation-engine/reservation"

	"github.com/julienschmidt/httprouter"
)

// Jobs é o pedaço do queue.Runtime usado pela API.
type Jobs interface {
	Enqueue(ctx context.Context, queueName, jobName string, payload any, opts ...queue.JobOption) (*queue.Job, error)
	Queue(name string) (*queue.Queue, error)
}

type PayloadValidator interface {
	ValidatePayload(in reservation.Payload) error
}

type ReservationHandler struct {
	jobs      Jobs
	validator PayloadValidator
	log       *logger.Logger
}

func NewReservationHandler(jobs Jobs, validator PayloadValidator, log *logger.Logger) *ReservationHandler {
	if log == nil {
		log = logger.Nop()
	}
	return &ReservationHandler{jobs: jobs, validator: validator, log: log}
}

type actionRequest struct {
	UserID string            `json:"userId,omitempty"`
	Meta   *reservation.Meta `json:"meta,omitempty"`
}

type EnqueuedResponse struct {
	JobID  string       `json:"jobId"`
	Queue  string       `json:"queue"`
	Status queue.Status `json:"status"`
}

func publicAction(a reservation.Action) bool {
	switch a {
	case reservation.ActionCreate, reservation.ActionConfirm, reservation.ActionUpdate, reservation.ActionCancel:
		return true
	}
	return false
}

// Enqueue valida a ação e a coloca na fila de reservas. Com Idempotency-Key,
// o id do job deriva da chave e repetições devolvem o mesmo job.
func (h *ReservationHandler) Enqueue(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	action := reservation.Action(ps.ByName("action"))
	if !publicAction(action) {
		h.writeError(w, "Enqueue", apperrors.Validation("unsupported action", map[string]any{"action": action}))
		return
	}

	var body actionRequest
	if err := decodeOptionalBody(w, r, &body); err != nil {
		h.writeError(w, "Enqueue", err)
		return
	}

	in := reservation.Payload{
		ReservationID: ps.ByName("id"),
		UserID:        body.UserID,
		Action:        action,
		Meta:          body.Meta,
	}
	if h.validator != nil {
		if err := h.validator.ValidatePayload(in); err != nil {
			h.writeError(w, "Enqueue", err)
			return
		}
	}

	var opts []queue.JobOption
	if key := r.Header.Get("Idempotency-Key"); key != "" {
		opts = append(opts, queue.WithJobID("api:"+string(action)+":"+in.ReservationID+":"+key))
	}
	job, err := h.jobs.Enqueue(r.Context(), queue.QueueReservation, string(action), in, opts...)
	if err != nil {
		h.log.Error("enqueue reservation action failed", "reservation_id", in.ReservationID, "action", action, "error", err)
		h.writeError(w, "Enqueue", apperrors.Unavailable("job queue", err))
		return
	}

	h.log.Info("reservation action enqueued", "job_id", job.ID, "reservation_id", in.ReservationID, "action", action)
	if err := WriteJSON(w, http.StatusAccepted, EnqueuedResponse{JobID: job.ID, Queue: job.Queue, Status: job.Status}); err != nil {
		h.log.Error("failed to write JSON response", "handler", "Enqueue", "error", err)
	}
}

// GetJob devolve o estado de um job de qualquer fila do registro.
func (h *ReservationHandler) GetJob(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	name, id := ps.ByName("queue"), ps.ByName("id")

	q, err := h.jobs.Queue(name)
	if err != nil {
		h.writeError(w, "GetJob", apperrors.NotFoundWithID("queue", name))
		return
	}
	job, err := q.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, queue.ErrJobNotFound) {
			h.writeError(w, "GetJob", apperrors.NotFoundWithID("job", id))
			return
		}
		h.writeError(w, "GetJob", apperrors.Unavailable("job queue", err))
		return
	}
	if err := WriteJSON(w, http.StatusOK, job); err != nil {
		h.log.Error("failed to write JSON response", "handler", "GetJob", "error", err)
	}
}

func (h *ReservationHandler) writeError(w http.ResponseWriter, handler string, err error) {
	if writeErr := WriteError(w, err); writeErr != nil {
		h.log.Error("failed to write error response", "handler", handler, "error", writeErr)
	}
}

func (h *ReservationHandler) RegisterRoutes(router *httprouter.Router, idempotent func(http.Handler) http.Handler) {
	var enqueue http.Handler = routeHandler(h.Enqueue)
	if idempotent != nil {
		enqueue = idempotent(enqueue)
	}
	router.Handler(http.MethodPost, "/v1/reservations/:id/:action", enqueue)
	router.GET("/v1/jobs/:queue/:id", h.GetJob)
}

// routeHandler adapta um httprouter.Handle para http.Handler, recuperando os
// parâmetros que o router guarda no contexto.
func routeHandler(h httprouter.Handle) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h(w, r, httprouter.ParamsFromContext(r.Context()))
	})
}
