// Package auth autentica usuários e mantém as sessões no cache do Redis.
//
// Cada sessão tem um access token (1h) e um refresh token (7d), ambos JWT
// HS256 com o usuário (sub), a sessão (sid) e o tipo (typ) embutidos. A
// sessão fica em `session:{userId}:{sessionId}` e o id entra no set
// `user_sessions:{userId}` para revogação em lote.
package auth

import (
	"context"
	"errors"
	"time"
)

var (
	ErrUserNotFound = errors.New("user not found")
)

type User struct {
	ID           string     `json:"id" bson:"_id"`
	Email        string     `json:"email" bson:"email"`
	Name         string     `json:"name,omitempty" bson:"name,omitempty"`
	PasswordHash string     `json:"-" bson:"password_hash"`
	VerifiedAt   *time.Time `json:"verifiedAt,omitempty" bson:"verified_at,omitempty"`
	CreatedAt    time.Time  `json:"createdAt" bson:"created_at"`
}

type UserStore interface {
	FindUserByEmail(ctx context.Context, email string) (*User, error)
	FindUserByID(ctx context.Context, id string) (*User, error)
	MarkUserVerified(ctx context.Context, id string, at time.Time) error
}

type Credentials struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,max=256"`
}

// Session é o que fica gravado no cache. ExpiresAt vale para o access token;
// RefreshExpiresAt para o refresh token e para a própria chave.
type Session struct {
	SessionID        string    `json:"sessionId"`
	UserID           string    `json:"userId"`
	AccessToken      string    `json:"accessToken"`
	RefreshToken     string    `json:"refreshToken"`
	ExpiresAt        time.Time `json:"expiresAt"`
	RefreshExpiresAt time.Time `json:"refreshExpiresAt"`
	CreatedAt        time.Time `json:"createdAt"`
}

type AuthResult struct {
	Success      bool          `json:"success"`
	User         *User         `json:"user,omitempty"`
	Session      *Session      `json:"-"`
	AccessToken  string        `json:"accessToken,omitempty"`
	RefreshToken string        `json:"refreshToken,omitempty"`
	ExpiresAt    *time.Time    `json:"expiresAt,omitempty"`
	Error        string        `json:"error,omitempty"`
	RetryAfter   time.Duration `json:"-"`
}

type VerificationResult struct {
	Sent bool `json:"sent"`
	// Code só é preenchido para quem entrega a mensagem; nunca volta pela API.
	Code       string        `json:"-"`
	ExpiresAt  time.Time     `json:"expiresAt,omitzero"`
	RetryAfter time.Duration `json:"-"`
}
