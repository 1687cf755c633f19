package reservation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"reservation-engine/apperrors"
	"reservation-engine/logger"
)

type Action string

const (
	ActionCreate  Action = "create"
	ActionConfirm Action = "confirm"
	ActionUpdate  Action = "update"
	ActionCancel  Action = "cancel"
	ActionCleanup Action = "cleanup"
)

// Ações de follow-up devolvidas em Result.NextActions.
const (
	NextSendConfirmationEmail = "send_confirmation_email"
	NextProcessPayment        = "process_payment"
	NextNotifyWaitlisted      = "notify_waitlisted"
	NextSendCancellationEmail = "send_cancellation_email"
	NextNotifyPromoted        = "notify_promoted"
	NextNotifyExpired         = "notify_expired"
)

// DefaultPendingHorizon é quanto uma reserva pode ficar PENDING antes do cleanup expirá-la.
const DefaultPendingHorizon = 24 * time.Hour

type Meta struct {
	Status Status `json:"status,omitempty" validate:"omitempty,oneof=PENDING CONFIRMED CANCELLED EXPIRED COMPLETED"`
	Notes  string `json:"notes,omitempty" validate:"omitempty,max=2000"`
}

type Payload struct {
	ReservationID string `json:"reservationId" validate:"required_unless=Action cleanup"`
	UserID        string `json:"userId,omitempty"`
	Action        Action `json:"action" validate:"required,oneof=create update cancel confirm cleanup"`
	Meta          *Meta  `json:"meta,omitempty"`
}

type Result struct {
	OK            bool     `json:"ok"`
	ReservationID string   `json:"reservationId"`
	Action        Action   `json:"action,omitempty"`
	Message       string   `json:"message,omitempty"`
	NextActions   []string `json:"nextActions,omitempty"`
	Affected      int64    `json:"affected,omitempty"`
}

// Processor aplica as ações sobre as reservas. Não enfileira nada: os
// follow-ups saem em Result.NextActions para quem orquestra.
//
// Create, Cancel e Update leem a capacidade e escrevem em seguida; o chamador
// deve segurar o lock do programa durante a chamada.
type Processor struct {
	repo    Repository
	log     *logger.Logger
	now     func() time.Time
	horizon time.Duration
}

type ProcessorOption func(*Processor)

func WithProcessorClock(now func() time.Time) ProcessorOption {
	return func(p *Processor) {
		if now != nil {
			p.now = now
		}
	}
}

func WithPendingHorizon(d time.Duration) ProcessorOption {
	return func(p *Processor) {
		if d > 0 {
			p.horizon = d
		}
	}
}

func WithProcessorLogger(l *logger.Logger) ProcessorOption {
	return func(p *Processor) {
		if l != nil {
			p.log = l
		}
	}
}

func NewProcessor(repo Repository, opts ...ProcessorOption) *Processor {
	p := &Processor{
		repo:    repo,
		log:     logger.Nop(),
		now:     time.Now,
		horizon: DefaultPendingHorizon,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *Processor) Process(ctx context.Context, in Payload) (Result, error) {
	switch in.Action {
	case ActionCreate, ActionConfirm:
		return p.Create(ctx, in.ReservationID, in.UserID)
	case ActionCancel:
		return p.Cancel(ctx, in.ReservationID, in.UserID)
	case ActionUpdate:
		return p.Update(ctx, in.ReservationID, in.UserID, in.Meta)
	case ActionCleanup:
		return p.Cleanup(ctx)
	default:
		return Result{}, apperrors.Validation(fmt.Sprintf("unknown action %q", in.Action), map[string]any{"action": in.Action})
	}
}

// Create confirma a reserva se o programa ainda tem vaga; senão ela fica
// PENDING na lista de espera. Reexecutar sobre uma reserva já CONFIRMED é
// sucesso sem escrita, com as mesmas ações de follow-up.
func (p *Processor) Create(ctx context.Context, reservationID, userID string) (Result, error) {
	r, err := p.load(ctx, reservationID, userID)
	if err != nil {
		return Result{}, err
	}

	switch r.Status {
	case StatusConfirmed:
		return Result{
			OK:            true,
			ReservationID: r.ID,
			Action:        ActionCreate,
			Message:       "reservation already confirmed",
			NextActions:   []string{NextSendConfirmationEmail, NextProcessPayment},
		}, nil
	case StatusPending:
	default:
		return Result{}, apperrors.InvalidTransition(string(r.Status), string(StatusConfirmed))
	}

	if err := p.ensureSingleSeat(ctx, r); err != nil {
		return Result{}, err
	}

	available, err := p.availableSeats(ctx, r.ProgramID)
	if err != nil {
		return Result{}, err
	}

	now := p.now().UTC()
	if available <= 0 {
		if _, err := p.write(ctx, r.ID, Update{From: []Status{StatusPending}, UpdatedAt: now}); err != nil {
			return Result{}, err
		}
		return Result{
			OK:            true,
			ReservationID: r.ID,
			Action:        ActionCreate,
			Message:       "program is full, reservation waitlisted",
			NextActions:   []string{NextNotifyWaitlisted},
		}, nil
	}

	confirmed := StatusConfirmed
	if _, err := p.write(ctx, r.ID, Update{
		From:        []Status{StatusPending},
		Status:      &confirmed,
		UpdatedAt:   now,
		ConfirmedAt: &now,
	}); err != nil {
		return Result{}, err
	}

	p.log.Info("reservation confirmed", "reservation_id", r.ID, "program_id", r.ProgramID, "seats_left", available-1)
	return Result{
		OK:            true,
		ReservationID: r.ID,
		Action:        ActionCreate,
		Message:       "reservation confirmed",
		NextActions:   []string{NextSendConfirmationEmail, NextProcessPayment},
	}, nil
}

// Cancel cancela a reserva e, se abriu vaga, promove a PENDING mais antiga
// do programa. Reexecutar sobre uma reserva já CANCELLED refaz só a promoção.
func (p *Processor) Cancel(ctx context.Context, reservationID, userID string) (Result, error) {
	r, err := p.load(ctx, reservationID, userID)
	if err != nil {
		return Result{}, err
	}

	now := p.now().UTC()
	message := "reservation cancelled"
	switch r.Status {
	case StatusPending, StatusConfirmed:
		cancelled := StatusCancelled
		if _, err := p.write(ctx, r.ID, Update{
			From:        []Status{StatusPending, StatusConfirmed},
			Status:      &cancelled,
			UpdatedAt:   now,
			CancelledAt: &now,
		}); err != nil {
			return Result{}, err
		}
	case StatusCancelled:
		message = "reservation already cancelled"
	default:
		return Result{}, apperrors.InvalidTransition(string(r.Status), string(StatusCancelled))
	}

	next := []string{NextSendCancellationEmail}
	promoted, err := p.promoteNext(ctx, r.ProgramID, now)
	if err != nil {
		return Result{}, err
	}
	if promoted != nil {
		next = append(next, NextNotifyPromoted+":"+promoted.ID)
		message += ", promoted " + promoted.ID
	}

	return Result{
		OK:            true,
		ReservationID: r.ID,
		Action:        ActionCancel,
		Message:       message,
		NextActions:   next,
	}, nil
}

// promoteNext confirma a PENDING mais antiga (FIFO por createdAt) se houver
// vaga, pulando as de usuários que já têm uma reserva CONFIRMED no programa.
func (p *Processor) promoteNext(ctx context.Context, programID string, now time.Time) (*Reservation, error) {
	available, err := p.availableSeats(ctx, programID)
	if err != nil {
		return nil, err
	}
	if available <= 0 {
		return nil, nil
	}

	var skip []string
	for {
		oldest, err := p.repo.FindOldestPendingByProgram(ctx, programID, skip)
		if err != nil {
			return nil, fmt.Errorf("find oldest pending of program %s: %w", programID, err)
		}
		if oldest == nil {
			return nil, nil
		}

		if oldest.UserID != "" {
			held, err := p.repo.CountConfirmedByProgramAndUser(ctx, programID, oldest.UserID)
			if err != nil {
				return nil, fmt.Errorf("count confirmed reservations of user %s: %w", oldest.UserID, err)
			}
			if held > 0 {
				p.log.Debug("skipping waitlisted reservation of user already confirmed",
					"reservation_id", oldest.ID, "program_id", programID, "user_id", oldest.UserID)
				skip = append(skip, oldest.UserID)
				continue
			}
		}

		confirmed := StatusConfirmed
		promoted, err := p.write(ctx, oldest.ID, Update{
			From:        []Status{StatusPending},
			Status:      &confirmed,
			UpdatedAt:   now,
			ConfirmedAt: &now,
		})
		if err != nil {
			return nil, err
		}
		p.log.Info("waitlisted reservation promoted", "reservation_id", promoted.ID, "program_id", programID)
		return promoted, nil
	}
}

// Update aplica status e notas. Transições fora da máquina de estados são
// rejeitadas como erro de domínio (sem retry).
func (p *Processor) Update(ctx context.Context, reservationID, userID string, meta *Meta) (Result, error) {
	r, err := p.load(ctx, reservationID, userID)
	if err != nil {
		return Result{}, err
	}

	now := p.now().UTC()
	u := Update{From: []Status{r.Status}, UpdatedAt: now}
	if meta != nil && meta.Notes != "" {
		notes := meta.Notes
		u.Notes = &notes
	}

	if meta != nil && meta.Status != "" && meta.Status != r.Status {
		to := meta.Status
		if !CanTransition(r.Status, to) {
			return Result{}, apperrors.InvalidTransition(string(r.Status), string(to))
		}
		if to == StatusConfirmed {
			if err := p.ensureSingleSeat(ctx, r); err != nil {
				return Result{}, err
			}
			available, err := p.availableSeats(ctx, r.ProgramID)
			if err != nil {
				return Result{}, err
			}
			if available <= 0 {
				return Result{}, apperrors.Conflict("program has no available seats")
			}
		}
		u.Status = &to
		switch to {
		case StatusConfirmed:
			u.ConfirmedAt = &now
		case StatusCancelled:
			u.CancelledAt = &now
		case StatusExpired:
			u.ExpiredAt = &now
		}
	}

	if _, err := p.write(ctx, r.ID, u); err != nil {
		return Result{}, err
	}
	return Result{
		OK:            true,
		ReservationID: r.ID,
		Action:        ActionUpdate,
		Message:       "reservation updated",
	}, nil
}

// Cleanup expira as PENDING mais antigas que o horizonte. Rodar duas vezes
// seguidas expira o mesmo conjunto uma vez só.
func (p *Processor) Cleanup(ctx context.Context) (Result, error) {
	now := p.now().UTC()
	n, err := p.repo.ExpirePendingBefore(ctx, now.Add(-p.horizon), now)
	if err != nil {
		return Result{}, fmt.Errorf("expire pending reservations: %w", err)
	}

	res := Result{
		OK:       true,
		Action:   ActionCleanup,
		Message:  fmt.Sprintf("%d pending reservations expired", n),
		Affected: n,
	}
	if n > 0 {
		res.NextActions = []string{NextNotifyExpired}
		p.log.Info("pending reservations expired", "count", n)
	}
	return res, nil
}

func (p *Processor) load(ctx context.Context, reservationID, userID string) (*Reservation, error) {
	if reservationID == "" {
		return nil, apperrors.Validation("reservationId is required", nil)
	}
	r, err := p.repo.FindReservationByID(ctx, reservationID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, apperrors.NotFoundWithID("reservation", reservationID)
		}
		return nil, fmt.Errorf("load reservation %s: %w", reservationID, err)
	}
	if userID != "" && r.UserID != "" && r.UserID != userID {
		return nil, apperrors.Validation("reservation does not belong to user", map[string]any{
			"reservationId": reservationID,
			"userId":        userID,
		})
	}
	return r, nil
}

// ensureSingleSeat garante no máximo uma reserva CONFIRMED por
// (programa, usuário). Reservas sem usuário não entram na regra.
func (p *Processor) ensureSingleSeat(ctx context.Context, r *Reservation) error {
	if r.UserID == "" {
		return nil
	}
	held, err := p.repo.CountConfirmedByProgramAndUser(ctx, r.ProgramID, r.UserID)
	if err != nil {
		return fmt.Errorf("count confirmed reservations of user %s: %w", r.UserID, err)
	}
	if held > 0 {
		return apperrors.Conflict("user already holds a confirmed reservation for this program").
			WithDetails(map[string]any{"programId": r.ProgramID, "userId": r.UserID, "reservationId": r.ID})
	}
	return nil
}

// availableSeats resolve a contagem antes de comparar com a capacidade.
func (p *Processor) availableSeats(ctx context.Context, programID string) (int64, error) {
	program, err := p.repo.FindProgramByID(ctx, programID)
	if err != nil {
		if errors.Is(err, ErrProgramNotFound) || errors.Is(err, ErrNotFound) {
			return 0, apperrors.NotFoundWithID("program", programID)
		}
		return 0, fmt.Errorf("load program %s: %w", programID, err)
	}
	confirmed, err := p.repo.CountConfirmedReservations(ctx, programID)
	if err != nil {
		return 0, fmt.Errorf("count confirmed reservations of %s: %w", programID, err)
	}
	return program.MaxParticipants - confirmed, nil
}

func (p *Processor) write(ctx context.Context, id string, u Update) (*Reservation, error) {
	r, err := p.repo.UpdateReservation(ctx, id, u)
	if err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			return nil, apperrors.NotFoundWithID("reservation", id)
		case errors.Is(err, ErrStatusChanged):
			// alguém mudou a linha entre a leitura e a escrita: uma nova
			// tentativa relê o estado atual
			return nil, apperrors.Wrap(err, apperrors.CodeConflict, "reservation changed concurrently", true)
		}
		return nil, fmt.Errorf("update reservation %s: %w", id, err)
	}
	return r, nil
}
