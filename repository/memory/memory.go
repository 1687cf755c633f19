// Package memory implementa os repositórios em memória. Serve aos testes e ao
// modo `--store=memory`; cada escrita é atômica por linha via Compute.
package memory

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"reservation-engine/auth"
	"reservation-engine/reservation"

	"github.com/puzpuzpuz/xsync/v3"
)

type Store struct {
	reservations *xsync.MapOf[string, reservation.Reservation]
	programs     *xsync.MapOf[string, reservation.Program]
	users        *xsync.MapOf[string, auth.User]
	emails       *xsync.MapOf[string, string]
}

func New() *Store {
	return &Store{
		reservations: xsync.NewMapOf[string, reservation.Reservation](),
		programs:     xsync.NewMapOf[string, reservation.Program](),
		users:        xsync.NewMapOf[string, auth.User](),
		emails:       xsync.NewMapOf[string, string](),
	}
}

// --- seeds ---

func (s *Store) PutProgram(p reservation.Program) {
	s.programs.Store(p.ID, p)
}

func (s *Store) PutReservation(r reservation.Reservation) {
	s.reservations.Store(r.ID, r)
}

func (s *Store) PutUser(u auth.User) {
	s.users.Store(u.ID, u)
	s.emails.Store(normalizeEmail(u.Email), u.ID)
}

// --- reservation.Repository ---

func (s *Store) FindReservationByID(_ context.Context, id string) (*reservation.Reservation, error) {
	r, ok := s.reservations.Load(id)
	if !ok {
		return nil, reservation.ErrNotFound
	}
	return &r, nil
}

func (s *Store) FindProgramByID(_ context.Context, id string) (*reservation.Program, error) {
	p, ok := s.programs.Load(id)
	if !ok {
		return nil, reservation.ErrProgramNotFound
	}
	return &p, nil
}

func (s *Store) UpdateReservation(_ context.Context, id string, u reservation.Update) (*reservation.Reservation, error) {
	var applyErr error
	updated, ok := s.reservations.Compute(id, func(old reservation.Reservation, loaded bool) (reservation.Reservation, bool) {
		if !loaded {
			applyErr = reservation.ErrNotFound
			return old, true
		}
		next := old
		if err := u.Apply(&next); err != nil {
			applyErr = err
			return old, false
		}
		return next, false
	})
	if applyErr != nil {
		return nil, applyErr
	}
	if !ok {
		return nil, reservation.ErrNotFound
	}
	return &updated, nil
}

func (s *Store) CountConfirmedReservations(_ context.Context, programID string) (int64, error) {
	var n int64
	s.reservations.Range(func(_ string, r reservation.Reservation) bool {
		if r.ProgramID == programID && r.Status == reservation.StatusConfirmed {
			n++
		}
		return true
	})
	return n, nil
}

func (s *Store) CountConfirmedByProgramAndUser(_ context.Context, programID, userID string) (int64, error) {
	var n int64
	s.reservations.Range(func(_ string, r reservation.Reservation) bool {
		if r.ProgramID == programID && r.UserID == userID && r.Status == reservation.StatusConfirmed {
			n++
		}
		return true
	})
	return n, nil
}

func (s *Store) FindOldestPendingByProgram(_ context.Context, programID string, excludeUsers []string) (*reservation.Reservation, error) {
	var oldest *reservation.Reservation
	s.reservations.Range(func(_ string, r reservation.Reservation) bool {
		if r.ProgramID != programID || r.Status != reservation.StatusPending {
			return true
		}
		if r.UserID != "" && slices.Contains(excludeUsers, r.UserID) {
			return true
		}
		if oldest == nil || r.CreatedAt.Before(oldest.CreatedAt) ||
			(r.CreatedAt.Equal(oldest.CreatedAt) && r.ID < oldest.ID) {
			c := r
			oldest = &c
		}
		return true
	})
	return oldest, nil
}

// ExpirePendingBefore só pula as linhas que mudaram de status desde a
// varredura; qualquer outro erro interrompe e é devolvido.
func (s *Store) ExpirePendingBefore(ctx context.Context, cutoff, at time.Time) (int64, error) {
	var candidates []string
	s.reservations.Range(func(id string, r reservation.Reservation) bool {
		if r.Status == reservation.StatusPending && r.CreatedAt.Before(cutoff) {
			candidates = append(candidates, id)
		}
		return true
	})

	expired := reservation.StatusExpired
	u := reservation.Update{
		From:      []reservation.Status{reservation.StatusPending},
		Status:    &expired,
		UpdatedAt: at,
		ExpiredAt: &at,
	}
	var n int64
	for _, id := range candidates {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		_, err := s.UpdateReservation(ctx, id, u)
		switch {
		case err == nil:
			n++
		case errors.Is(err, reservation.ErrStatusChanged):
		default:
			return n, fmt.Errorf("expire reservation %s: %w", id, err)
		}
	}
	return n, nil
}

// --- auth.UserStore ---

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func (s *Store) FindUserByEmail(_ context.Context, email string) (*auth.User, error) {
	id, ok := s.emails.Load(normalizeEmail(email))
	if !ok {
		return nil, auth.ErrUserNotFound
	}
	u, ok := s.users.Load(id)
	if !ok {
		return nil, auth.ErrUserNotFound
	}
	return &u, nil
}

func (s *Store) FindUserByID(_ context.Context, id string) (*auth.User, error) {
	u, ok := s.users.Load(id)
	if !ok {
		return nil, auth.ErrUserNotFound
	}
	return &u, nil
}

func (s *Store) MarkUserVerified(_ context.Context, id string, at time.Time) error {
	var found bool
	s.users.Compute(id, func(old auth.User, loaded bool) (auth.User, bool) {
		if !loaded {
			return old, true
		}
		found = true
		old.VerifiedAt = &at
		return old, false
	})
	if !found {
		return auth.ErrUserNotFound
	}
	return nil
}
