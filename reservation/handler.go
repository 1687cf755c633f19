package reservation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"reservation-engine/apperrors"
	"reservation-engine/coordination/application"
	"reservation-engine/coordination/domain"
	"reservation-engine/logger"
	"reservation-engine/queue"

	"github.com/go-playground/validator/v10"
)

const (
	DefaultLockTTL  = 30 * time.Second
	cleanupResource = "reservation-cleanup"
)

// ProgramResource é o recurso do lock que serializa mutações de um programa.
func ProgramResource(programID string) string {
	return "program:" + programID
}

// JobHandler executa jobs das filas reservation e cleanup.
type JobHandler struct {
	processor *Processor
	repo      Repository
	locks     application.LockService
	router    ActionRouter
	lockTTL   time.Duration
	validate  *validator.Validate
	log       *logger.Logger
}

type HandlerOption func(*JobHandler)

func WithLockTTL(d time.Duration) HandlerOption {
	return func(h *JobHandler) {
		if d > 0 {
			h.lockTTL = d
		}
	}
}

func WithRouter(r ActionRouter) HandlerOption {
	return func(h *JobHandler) { h.router = r }
}

func WithHandlerLogger(l *logger.Logger) HandlerOption {
	return func(h *JobHandler) {
		if l != nil {
			h.log = l
		}
	}
}

func NewJobHandler(p *Processor, repo Repository, locks application.LockService, opts ...HandlerOption) *JobHandler {
	h := &JobHandler{
		processor: p,
		repo:      repo,
		locks:     locks,
		lockTTL:   DefaultLockTTL,
		validate:  validator.New(),
		log:       logger.Nop(),
	}
	for _, o := range opts {
		o(h)
	}
	if h.locks.OnLost == nil {
		log := h.log
		h.locks.OnLost = func(resource string) {
			log.Warn("lock expired before release", "resource", resource)
		}
	}
	return h
}

// ValidatePayload aplica as regras de validação do payload. Exposto para a API
// rejeitar cedo o que o worker rejeitaria.
func (h *JobHandler) ValidatePayload(in Payload) error {
	if err := h.validate.Struct(in); err != nil {
		var verrs validator.ValidationErrors
		details := map[string]any{}
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				details[fe.Field()] = fe.Tag()
			}
		}
		return apperrors.Validation("invalid reservation payload", details)
	}
	return nil
}

func (h *JobHandler) Handle(ctx context.Context, job *queue.Job) (any, error) {
	var in Payload
	if err := job.Decode(&in); err != nil {
		return nil, apperrors.Validation(err.Error(), nil)
	}
	if err := h.ValidatePayload(in); err != nil {
		return nil, err
	}

	log := h.log.With("job_id", job.ID, "reservation_id", in.ReservationID, "action", in.Action, "attempt", job.Attempts)

	resource, err := h.resourceFor(ctx, in)
	if err != nil {
		log.Warn("resolve lock resource failed", "error", err)
		return nil, err
	}

	lease, err := h.locks.Acquire(ctx, resource, h.lockTTL)
	if err != nil {
		if errors.Is(err, domain.ErrLockNotAcquired) {
			log.Info("lock busy, job will retry", "resource", resource)
			return nil, apperrors.LockContention(resource)
		}
		return nil, apperrors.Unavailable("lock store", err)
	}

	res, procErr := h.processor.Process(ctx, in)
	if relErr := h.locks.Release(ctx, lease); relErr != nil {
		log.Error("release lock failed", "resource", resource, "error", relErr)
	}
	if procErr != nil {
		log.Warn("reservation action failed", "error", procErr, "retryable", apperrors.IsRetryable(procErr))
		return nil, procErr
	}

	if _, err := h.router.Dispatch(ctx, job.ID, res, in.UserID); err != nil {
		// o estado já foi gravado; o retry reexecuta a ação (idempotente) e
		// os follow-ups que já existem são deduplicados pelo id
		return nil, fmt.Errorf("dispatch next actions: %w", err)
	}

	log.Info("reservation action processed", "message", res.Message, "next_actions", res.NextActions)
	return res, nil
}

// resourceFor resolve o programa da reserva para escolher o lock.
func (h *JobHandler) resourceFor(ctx context.Context, in Payload) (string, error) {
	if in.Action == ActionCleanup {
		return cleanupResource, nil
	}
	r, err := h.repo.FindReservationByID(ctx, in.ReservationID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", apperrors.NotFoundWithID("reservation", in.ReservationID)
		}
		return "", fmt.Errorf("load reservation %s: %w", in.ReservationID, err)
	}
	return ProgramResource(r.ProgramID), nil
}
