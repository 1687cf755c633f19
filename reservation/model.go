// Package reservation contém a máquina de estados das reservas e o handler
// que a executa a partir da fila "reservation".
//
// Estados: PENDING -> CONFIRMED -> COMPLETED, PENDING -> EXPIRED e
// {PENDING, CONFIRMED} -> CANCELLED. CANCELLED e EXPIRED são terminais.
//
// Mutações do mesmo programa (capacidade e lista de espera) são serializadas
// pelo lock `lock:program:{programId}`, que o JobHandler adquire antes de
// chamar o Processor.
package reservation

import (
	"context"
	"errors"
	"time"
)

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusConfirmed Status = "CONFIRMED"
	StatusCancelled Status = "CANCELLED"
	StatusExpired   Status = "EXPIRED"
	StatusCompleted Status = "COMPLETED"
)

var transitions = map[Status][]Status{
	StatusPending:   {StatusConfirmed, StatusExpired, StatusCancelled},
	StatusConfirmed: {StatusCompleted, StatusCancelled},
}

// CanTransition informa se from -> to é uma aresta válida da máquina de estados.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusCancelled, StatusExpired, StatusCompleted:
		return true
	}
	return false
}

func (s Status) Terminal() bool {
	return s == StatusCancelled || s == StatusExpired
}

type Reservation struct {
	ID          string     `json:"id" bson:"_id"`
	ProgramID   string     `json:"programId" bson:"program_id"`
	UserID      string     `json:"userId,omitempty" bson:"user_id,omitempty"`
	Status      Status     `json:"status" bson:"status"`
	Notes       string     `json:"notes,omitempty" bson:"notes,omitempty"`
	CreatedAt   time.Time  `json:"createdAt" bson:"created_at"`
	UpdatedAt   *time.Time `json:"updatedAt,omitempty" bson:"updated_at,omitempty"`
	ConfirmedAt *time.Time `json:"confirmedAt,omitempty" bson:"confirmed_at,omitempty"`
	CancelledAt *time.Time `json:"cancelledAt,omitempty" bson:"cancelled_at,omitempty"`
	ExpiredAt   *time.Time `json:"expiredAt,omitempty" bson:"expired_at,omitempty"`
}

type Program struct {
	ID              string `json:"id" bson:"_id"`
	Name            string `json:"name" bson:"name"`
	MaxParticipants int64  `json:"maxParticipants" bson:"max_participants"`
}

// Update é uma escrita parcial de uma única reserva. Campos nil não mudam.
// Se From não for vazio, a escrita só acontece quando o status atual está
// em From; caso contrário o repositório devolve ErrStatusChanged.
type Update struct {
	From        []Status
	Status      *Status
	Notes       *string
	UpdatedAt   time.Time
	ConfirmedAt *time.Time
	CancelledAt *time.Time
	ExpiredAt   *time.Time
}

// Apply aplica o Update em r. Usado pelos repositórios em memória.
func (u Update) Apply(r *Reservation) error {
	if len(u.From) > 0 {
		ok := false
		for _, s := range u.From {
			if r.Status == s {
				ok = true
				break
			}
		}
		if !ok {
			return ErrStatusChanged
		}
	}
	if u.Status != nil {
		r.Status = *u.Status
	}
	if u.Notes != nil {
		r.Notes = *u.Notes
	}
	if !u.UpdatedAt.IsZero() {
		at := u.UpdatedAt
		r.UpdatedAt = &at
	}
	if u.ConfirmedAt != nil {
		r.ConfirmedAt = u.ConfirmedAt
	}
	if u.CancelledAt != nil {
		r.CancelledAt = u.CancelledAt
	}
	if u.ExpiredAt != nil {
		r.ExpiredAt = u.ExpiredAt
	}
	return nil
}

var (
	ErrNotFound        = errors.New("not found")
	ErrProgramNotFound = errors.New("program not found")
	ErrStatusChanged   = errors.New("reservation status changed concurrently")
)

// Repository é a camada de persistência consumida pelo Processor. Cada
// chamada é atômica para uma linha; entre chamadas não há transação.
type Repository interface {
	FindReservationByID(ctx context.Context, id string) (*Reservation, error)
	FindProgramByID(ctx context.Context, id string) (*Program, error)
	UpdateReservation(ctx context.Context, id string, u Update) (*Reservation, error)
	CountConfirmedReservations(ctx context.Context, programID string) (int64, error)
	CountConfirmedByProgramAndUser(ctx context.Context, programID, userID string) (int64, error)
	// FindOldestPendingByProgram devolve a PENDING mais antiga cujo usuário
	// não está em excludeUsers, ou nil, nil quando não há nenhuma.
	FindOldestPendingByProgram(ctx context.Context, programID string, excludeUsers []string) (*Reservation, error)
	// ExpirePendingBefore expira as PENDING criadas antes de cutoff e devolve quantas mudaram.
	ExpirePendingBefore(ctx context.Context, cutoff, at time.Time) (int64, error)
}
