package mongo

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"reservation-engine/auth"
	"reservation-engine/reservation"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
)

func TestUpdateDocument_OnlySetsProvidedFields(t *testing.T) {
	confirmed := reservation.StatusConfirmed
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	set := updateDocument(reservation.Update{Status: &confirmed, UpdatedAt: at, ConfirmedAt: &at})
	if len(set) != 3 || set["status"] != confirmed || set["confirmed_at"] != at || set["updated_at"] != at {
		t.Fatalf("unexpected $set %v", set)
	}
	if got := updateDocument(reservation.Update{}); len(got) != 0 {
		t.Fatalf("expected empty $set, got %v", got)
	}
}

func TestFilterFor_GuardsOnPreviousStatus(t *testing.T) {
	f := filterFor("r1", nil)
	if len(f) != 1 || f["_id"] != "r1" {
		t.Fatalf("unexpected filter %v", f)
	}
	f = filterFor("r1", []reservation.Status{reservation.StatusPending})
	in, ok := f["status"].(bson.M)
	if !ok {
		t.Fatalf("expected status guard, got %v", f)
	}
	if from, _ := in["$in"].([]reservation.Status); len(from) != 1 || from[0] != reservation.StatusPending {
		t.Fatalf("unexpected $in %v", in)
	}
}

// Roda só com RESERVD_TEST_MONGO_URI apontando para um MongoDB descartável.
func newIntegrationStore(t *testing.T) *Store {
	t.Helper()
	uri := os.Getenv("RESERVD_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("RESERVD_TEST_MONGO_URI not set")
	}
	ctx := context.Background()
	client, err := Connect(ctx, Config{URI: uri}, nil)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	db := client.Database("reservd_test_" + uuid.NewString()[:8])
	t.Cleanup(func() {
		_ = db.Drop(context.Background())
		_ = client.Disconnect(context.Background())
	})

	s := New(db, Config{})
	if err := s.EnsureIndexes(ctx); err != nil {
		t.Fatalf("ensure indexes: %v", err)
	}
	return s
}

func TestStore_ReservationLifecycle(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	if err := s.InsertProgram(ctx, reservation.Program{ID: "p1", Name: "Yoga", MaxParticipants: 2}); err != nil {
		t.Fatalf("insert program: %v", err)
	}
	owners := map[string]string{"r1": "u1", "r2": "u1", "r3": "u2"}
	for i, id := range []string{"r1", "r2", "r3"} {
		r := reservation.Reservation{ID: id, ProgramID: "p1", UserID: owners[id], Status: reservation.StatusPending, CreatedAt: base.Add(time.Duration(i) * time.Hour)}
		if err := s.InsertReservation(ctx, r); err != nil {
			t.Fatalf("insert reservation: %v", err)
		}
	}

	oldest, err := s.FindOldestPendingByProgram(ctx, "p1", nil)
	if err != nil || oldest == nil || oldest.ID != "r1" {
		t.Fatalf("expected r1 as oldest pending, got %+v err=%v", oldest, err)
	}

	confirmed := reservation.StatusConfirmed
	u := reservation.Update{From: []reservation.Status{reservation.StatusPending}, Status: &confirmed, UpdatedAt: base, ConfirmedAt: &base}
	r, err := s.UpdateReservation(ctx, "r1", u)
	if err != nil || r.Status != reservation.StatusConfirmed || r.ConfirmedAt == nil {
		t.Fatalf("confirm: %+v err=%v", r, err)
	}
	if _, err := s.UpdateReservation(ctx, "r1", u); !errors.Is(err, reservation.ErrStatusChanged) {
		t.Fatalf("expected ErrStatusChanged, got %v", err)
	}
	if _, err := s.UpdateReservation(ctx, "missing", u); !errors.Is(err, reservation.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if n, err := s.CountConfirmedReservations(ctx, "p1"); err != nil || n != 1 {
		t.Fatalf("expected 1 confirmed, got %d err=%v", n, err)
	}
	if n, err := s.CountConfirmedByProgramAndUser(ctx, "p1", "u1"); err != nil || n != 1 {
		t.Fatalf("expected u1 to hold 1 confirmed seat, got %d err=%v", n, err)
	}
	if n, _ := s.CountConfirmedByProgramAndUser(ctx, "p1", "u2"); n != 0 {
		t.Fatalf("expected u2 without confirmed seat, got %d", n)
	}
	next, err := s.FindOldestPendingByProgram(ctx, "p1", []string{"u1"})
	if err != nil || next == nil || next.ID != "r3" {
		t.Fatalf("expected r3 once u1 is excluded, got %+v err=%v", next, err)
	}

	n, err := s.ExpirePendingBefore(ctx, base.Add(90*time.Minute), base.Add(48*time.Hour))
	if err != nil || n != 1 {
		t.Fatalf("expected r2 to expire, got %d err=%v", n, err)
	}
	if r, _ := s.FindReservationByID(ctx, "r2"); r.Status != reservation.StatusExpired || r.ExpiredAt == nil {
		t.Fatalf("unexpected r2 %+v", r)
	}
	if n, _ := s.ExpirePendingBefore(ctx, base.Add(90*time.Minute), base.Add(48*time.Hour)); n != 0 {
		t.Fatalf("expiry must be idempotent, got %d", n)
	}
}

func TestStore_Users(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()

	if err := s.InsertUser(ctx, auth.User{ID: "u1", Email: " Ana@Example.com ", CreatedAt: time.Now()}); err != nil {
		t.Fatalf("insert user: %v", err)
	}
	u, err := s.FindUserByEmail(ctx, "ana@example.COM")
	if err != nil || u.ID != "u1" {
		t.Fatalf("find by email: %+v err=%v", u, err)
	}
	if err := s.MarkUserVerified(ctx, "u1", time.Now()); err != nil {
		t.Fatalf("mark verified: %v", err)
	}
	if err := s.MarkUserVerified(ctx, "nope", time.Now()); !errors.Is(err, auth.ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
	if _, err := s.FindUserByID(ctx, "nope"); !errors.Is(err, auth.ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}
