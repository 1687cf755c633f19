// Package mongo implementa reservation.Repository e auth.UserStore sobre o
// MongoDB. Cada operação é atômica por documento; a exclusão mútua entre
// jobs do mesmo programa fica a cargo do lock distribuído.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"reservation-engine/auth"
	"reservation-engine/logger"
	"reservation-engine/reservation"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	ReservationsCollection = "reservations"
	ProgramsCollection     = "programs"
	UsersCollection        = "users"

	DefaultReadTimeout  = 5 * time.Second
	DefaultWriteTimeout = 5 * time.Second
)

var (
	ReservationsIndexes = []mongo.IndexModel{
		{Keys: bson.D{
			{Key: "program_id", Value: 1},
			{Key: "status", Value: 1},
			{Key: "created_at", Value: 1},
		}},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "created_at", Value: 1}}},
		{Keys: bson.D{
			{Key: "program_id", Value: 1},
			{Key: "user_id", Value: 1},
			{Key: "status", Value: 1},
		}},
	}

	UsersIndexes = []mongo.IndexModel{
		{Keys: bson.D{{Key: "email", Value: 1}}, Options: options.Index().SetUnique(true)},
	}
)

type Config struct {
	URI            string
	Database       string
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
}

// Connect abre o cliente e confirma com um ping.
func Connect(ctx context.Context, cfg Config, log *logger.Logger) (*mongo.Client, error) {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("connect to mongodb: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}
	if log != nil {
		log.Info("connected to mongodb", "database", cfg.Database)
	}
	return client, nil
}

type Store struct {
	reservations *mongo.Collection
	programs     *mongo.Collection
	users        *mongo.Collection
	readTimeout  time.Duration
	writeTimeout time.Duration
}

func New(db *mongo.Database, cfg Config) *Store {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	return &Store{
		reservations: db.Collection(ReservationsCollection),
		programs:     db.Collection(ProgramsCollection),
		users:        db.Collection(UsersCollection),
		readTimeout:  cfg.ReadTimeout,
		writeTimeout: cfg.WriteTimeout,
	}
}

// EnsureIndexes cria os índices usados pela contagem de vagas, pela fila de
// espera e pelo login.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	ctx, cancel := withTimeout(ctx, s.writeTimeout)
	defer cancel()

	if _, err := s.reservations.Indexes().CreateMany(ctx, ReservationsIndexes); err != nil {
		return fmt.Errorf("ensure %s indexes: %w", ReservationsCollection, err)
	}
	if _, err := s.users.Indexes().CreateMany(ctx, UsersIndexes); err != nil {
		return fmt.Errorf("ensure %s indexes: %w", UsersCollection, err)
	}
	return nil
}

// withTimeout respeita um deadline menor já presente no contexto.
func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < timeout {
		return context.WithDeadline(ctx, deadline)
	}
	return context.WithTimeout(ctx, timeout)
}

// --- seeds ---

func (s *Store) InsertProgram(ctx context.Context, p reservation.Program) error {
	ctx, cancel := withTimeout(ctx, s.writeTimeout)
	defer cancel()
	if _, err := s.programs.InsertOne(ctx, p); err != nil {
		return fmt.Errorf("insert program: %w", err)
	}
	return nil
}

func (s *Store) InsertReservation(ctx context.Context, r reservation.Reservation) error {
	ctx, cancel := withTimeout(ctx, s.writeTimeout)
	defer cancel()
	r.CreatedAt = r.CreatedAt.UTC().Truncate(time.Millisecond)
	if _, err := s.reservations.InsertOne(ctx, r); err != nil {
		return fmt.Errorf("insert reservation: %w", err)
	}
	return nil
}

func (s *Store) InsertUser(ctx context.Context, u auth.User) error {
	ctx, cancel := withTimeout(ctx, s.writeTimeout)
	defer cancel()
	u.Email = normalizeEmail(u.Email)
	if _, err := s.users.InsertOne(ctx, u); err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

// --- reservation.Repository ---

func (s *Store) FindReservationByID(ctx context.Context, id string) (*reservation.Reservation, error) {
	ctx, cancel := withTimeout(ctx, s.readTimeout)
	defer cancel()

	var r reservation.Reservation
	if err := s.reservations.FindOne(ctx, bson.M{"_id": id}).Decode(&r); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, reservation.ErrNotFound
		}
		return nil, fmt.Errorf("find reservation: %w", err)
	}
	return &r, nil
}

func (s *Store) FindProgramByID(ctx context.Context, id string) (*reservation.Program, error) {
	ctx, cancel := withTimeout(ctx, s.readTimeout)
	defer cancel()

	var p reservation.Program
	if err := s.programs.FindOne(ctx, bson.M{"_id": id}).Decode(&p); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, reservation.ErrProgramNotFound
		}
		return nil, fmt.Errorf("find program: %w", err)
	}
	return &p, nil
}

func updateDocument(u reservation.Update) bson.M {
	set := bson.M{}
	if u.Status != nil {
		set["status"] = *u.Status
	}
	if u.Notes != nil {
		set["notes"] = *u.Notes
	}
	if !u.UpdatedAt.IsZero() {
		set["updated_at"] = u.UpdatedAt
	}
	if u.ConfirmedAt != nil {
		set["confirmed_at"] = *u.ConfirmedAt
	}
	if u.CancelledAt != nil {
		set["cancelled_at"] = *u.CancelledAt
	}
	if u.ExpiredAt != nil {
		set["expired_at"] = *u.ExpiredAt
	}
	return set
}

func filterFor(id string, from []reservation.Status) bson.M {
	filter := bson.M{"_id": id}
	if len(from) > 0 {
		filter["status"] = bson.M{"$in": from}
	}
	return filter
}

// UpdateReservation faz um FindOneAndUpdate condicionado a From. Sem match, um
// segundo lookup separa "não existe" de "status mudou".
func (s *Store) UpdateReservation(ctx context.Context, id string, u reservation.Update) (*reservation.Reservation, error) {
	set := updateDocument(u)
	if len(set) == 0 {
		return s.FindReservationByID(ctx, id)
	}

	wctx, cancel := withTimeout(ctx, s.writeTimeout)
	defer cancel()

	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var r reservation.Reservation
	err := s.reservations.FindOneAndUpdate(wctx, filterFor(id, u.From), bson.M{"$set": set}, opts).Decode(&r)
	if err == nil {
		return &r, nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("update reservation: %w", err)
	}
	if len(u.From) == 0 {
		return nil, reservation.ErrNotFound
	}
	if _, ferr := s.FindReservationByID(ctx, id); ferr != nil {
		return nil, ferr
	}
	return nil, reservation.ErrStatusChanged
}

func (s *Store) CountConfirmedReservations(ctx context.Context, programID string) (int64, error) {
	ctx, cancel := withTimeout(ctx, s.readTimeout)
	defer cancel()

	n, err := s.reservations.CountDocuments(ctx, bson.M{
		"program_id": programID,
		"status":     reservation.StatusConfirmed,
	})
	if err != nil {
		return 0, fmt.Errorf("count confirmed reservations: %w", err)
	}
	return n, nil
}

func (s *Store) CountConfirmedByProgramAndUser(ctx context.Context, programID, userID string) (int64, error) {
	ctx, cancel := withTimeout(ctx, s.readTimeout)
	defer cancel()

	n, err := s.reservations.CountDocuments(ctx, bson.M{
		"program_id": programID,
		"user_id":    userID,
		"status":     reservation.StatusConfirmed,
	})
	if err != nil {
		return 0, fmt.Errorf("count confirmed reservations of user: %w", err)
	}
	return n, nil
}

func (s *Store) FindOldestPendingByProgram(ctx context.Context, programID string, excludeUsers []string) (*reservation.Reservation, error) {
	ctx, cancel := withTimeout(ctx, s.readTimeout)
	defer cancel()

	filter := bson.M{
		"program_id": programID,
		"status":     reservation.StatusPending,
	}
	if len(excludeUsers) > 0 {
		// documentos sem user_id também casam com $nin
		filter["user_id"] = bson.M{"$nin": excludeUsers}
	}

	opts := options.FindOne().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})
	var r reservation.Reservation
	err := s.reservations.FindOne(ctx, filter, opts).Decode(&r)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, fmt.Errorf("find oldest pending reservation: %w", err)
	}
	return &r, nil
}

func (s *Store) ExpirePendingBefore(ctx context.Context, cutoff, at time.Time) (int64, error) {
	ctx, cancel := withTimeout(ctx, s.writeTimeout)
	defer cancel()

	res, err := s.reservations.UpdateMany(ctx,
		bson.M{
			"status":     reservation.StatusPending,
			"created_at": bson.M{"$lt": cutoff},
		},
		bson.M{"$set": bson.M{
			"status":     reservation.StatusExpired,
			"updated_at": at,
			"expired_at": at,
		}},
	)
	if err != nil {
		return 0, fmt.Errorf("expire pending reservations: %w", err)
	}
	return res.ModifiedCount, nil
}

// --- auth.UserStore ---

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func (s *Store) findUser(ctx context.Context, filter bson.M) (*auth.User, error) {
	ctx, cancel := withTimeout(ctx, s.readTimeout)
	defer cancel()

	var u auth.User
	if err := s.users.FindOne(ctx, filter).Decode(&u); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, auth.ErrUserNotFound
		}
		return nil, fmt.Errorf("find user: %w", err)
	}
	return &u, nil
}

func (s *Store) FindUserByEmail(ctx context.Context, email string) (*auth.User, error) {
	return s.findUser(ctx, bson.M{"email": normalizeEmail(email)})
}

func (s *Store) FindUserByID(ctx context.Context, id string) (*auth.User, error) {
	return s.findUser(ctx, bson.M{"_id": id})
}

func (s *Store) MarkUserVerified(ctx context.Context, id string, at time.Time) error {
	ctx, cancel := withTimeout(ctx, s.writeTimeout)
	defer cancel()

	res, err := s.users.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{"verified_at": at}})
	if err != nil {
		return fmt.Errorf("mark user verified: %w", err)
	}
	if res.MatchedCount == 0 {
		return auth.ErrUserNotFound
	}
	return nil
}

var (
	_ reservation.Repository = (*Store)(nil)
	_ auth.UserStore         = (*Store)(nil)
)
