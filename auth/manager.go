package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"reservation-engine/apperrors"
	"reservation-engine/cache"
	"reservation-engine/coordination/domain"
	"reservation-engine/logger"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const (
	ActionLogin         = "login"
	ActionVerifyRequest = "verify-request"
	ActionVerifyConfirm = "verify-confirm"
)

type Config struct {
	Secret []byte
	Issuer string

	AccessTTL  time.Duration
	RefreshTTL time.Duration

	Login         domain.Policy
	VerifyRequest domain.Policy
	VerifyConfirm domain.Policy
	VerifyCodeTTL time.Duration
}

// DefaultConfig: access 1h, refresh 7d, 5 logins por 15min por e-mail,
// códigos de verificação válidos por 10min.
func DefaultConfig(secret []byte) Config {
	return Config{
		Secret:        secret,
		Issuer:        "reservation-engine",
		AccessTTL:     time.Hour,
		RefreshTTL:    7 * 24 * time.Hour,
		Login:         domain.Policy{Action: ActionLogin, Window: 15 * time.Minute, Max: 5},
		VerifyRequest: domain.Policy{Action: ActionVerifyRequest, Window: 15 * time.Minute, Max: 3},
		VerifyConfirm: domain.Policy{Action: ActionVerifyConfirm, Window: 15 * time.Minute, Max: 5},
		VerifyCodeTTL: 10 * time.Minute,
	}
}

type Manager struct {
	users    UserStore
	cache    *cache.Cache
	limiter  domain.RateLimiter
	cfg      Config
	tokens   tokenIssuer
	validate *validator.Validate
	log      *logger.Logger
	now      func() time.Time

	// dummyHash iguala o custo do login de e-mail inexistente ao de senha errada.
	dummyHash []byte
}

type Option func(*Manager)

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

func WithLogger(l *logger.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

func NewManager(users UserStore, c *cache.Cache, limiter domain.RateLimiter, cfg Config, opts ...Option) (*Manager, error) {
	if len(cfg.Secret) < 16 {
		return nil, errors.New("auth secret must have at least 16 bytes")
	}
	m := &Manager{
		users:    users,
		cache:    c,
		limiter:  limiter,
		cfg:      cfg,
		validate: validator.New(),
		log:      logger.Nop(),
		now:      time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	m.tokens = tokenIssuer{secret: cfg.Secret, issuer: cfg.Issuer, now: m.now}

	hash, err := bcrypt.GenerateFromPassword([]byte(uuid.NewString()), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("prepare dummy hash: %w", err)
	}
	m.dummyHash = hash
	return m, nil
}

// HashPassword gera o hash bcrypt usado em User.PasswordHash.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

func normalize(identifier string) string {
	return strings.ToLower(strings.TrimSpace(identifier))
}

// Authenticate confere as credenciais e cria uma sessão. Estouro do limite de
// tentativas não é erro: volta Success=false com RetryAfter.
func (m *Manager) Authenticate(ctx context.Context, creds Credentials) (*AuthResult, error) {
	if err := m.validate.Struct(creds); err != nil {
		return nil, apperrors.Validation("invalid credentials payload", nil)
	}
	email := normalize(creds.Email)

	decision, err := m.consume(ctx, email, m.cfg.Login)
	if err != nil {
		return nil, err
	}
	if !decision.Allowed {
		m.log.Warn("login throttled", "email", email, "retry_after", decision.RetryAfter.String())
		return &AuthResult{Error: "too many login attempts", RetryAfter: decision.RetryAfter}, nil
	}

	user, err := m.users.FindUserByEmail(ctx, email)
	if err != nil && !errors.Is(err, ErrUserNotFound) {
		return nil, fmt.Errorf("find user: %w", err)
	}
	if user == nil {
		_ = bcrypt.CompareHashAndPassword(m.dummyHash, []byte(creds.Password))
		return &AuthResult{Error: "invalid credentials"}, nil
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(creds.Password)); err != nil {
		m.log.Info("login rejected", "user_id", user.ID)
		return &AuthResult{Error: "invalid credentials"}, nil
	}

	if err := m.limiter.Reset(ctx, email, m.cfg.Login.Action); err != nil {
		m.log.Warn("reset login limiter failed", "email", email, "error", err)
	}

	session, err := m.createSession(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	m.log.Info("user authenticated", "user_id", user.ID, "session_id", session.SessionID)
	return successResult(user, session), nil
}

func successResult(user *User, s *Session) *AuthResult {
	exp := s.ExpiresAt
	return &AuthResult{
		Success:      true,
		User:         user,
		Session:      s,
		AccessToken:  s.AccessToken,
		RefreshToken: s.RefreshToken,
		ExpiresAt:    &exp,
	}
}

func (m *Manager) createSession(ctx context.Context, userID string) (*Session, error) {
	now := m.now().UTC().Truncate(time.Second)
	sessionID := uuid.NewString()

	access, err := m.tokens.sign(userID, sessionID, tokenAccess, now, m.cfg.AccessTTL)
	if err != nil {
		return nil, err
	}
	refresh, err := m.tokens.sign(userID, sessionID, tokenRefresh, now, m.cfg.RefreshTTL)
	if err != nil {
		return nil, err
	}

	s := &Session{
		SessionID:        sessionID,
		UserID:           userID,
		AccessToken:      access,
		RefreshToken:     refresh,
		ExpiresAt:        now.Add(m.cfg.AccessTTL),
		RefreshExpiresAt: now.Add(m.cfg.RefreshTTL),
		CreatedAt:        now,
	}
	if err := m.cache.SetUserSession(ctx, userID, sessionID, s, m.cfg.RefreshTTL); err != nil {
		return nil, apperrors.Unavailable("session cache", err)
	}
	if err := m.cache.AddUserSessionIndex(ctx, userID, sessionID, m.cfg.RefreshTTL); err != nil {
		return nil, apperrors.Unavailable("session cache", err)
	}
	return s, nil
}

// VerifySession devolve a sessão dona do access token, ou nil se o token não
// vale mais. Sessões vencidas encontradas no caminho são removidas.
func (m *Manager) VerifySession(ctx context.Context, token string) (*Session, error) {
	c, err := m.tokens.parse(token, tokenAccess)
	if err != nil {
		return nil, nil
	}

	ids, err := m.cache.UserSessionIDs(ctx, c.Subject)
	if err != nil {
		return nil, apperrors.Unavailable("session cache", err)
	}

	now := m.now()
	for _, id := range ids {
		s, err := cache.GetUserSession[Session](ctx, m.cache, c.Subject, id)
		if err != nil {
			return nil, apperrors.Unavailable("session cache", err)
		}
		if s == nil {
			// chave expirou pelo TTL, sobrou só no índice
			_ = m.cache.RemoveUserSessionIndex(ctx, c.Subject, id)
			continue
		}
		if subtle.ConstantTimeCompare([]byte(s.AccessToken), []byte(token)) != 1 {
			continue
		}
		if !now.Before(s.ExpiresAt) {
			m.removeSession(ctx, s.UserID, s.SessionID)
			m.log.Debug("expired session removed", "user_id", s.UserID, "session_id", s.SessionID)
			return nil, nil
		}
		return s, nil
	}
	return nil, nil
}

// RefreshSession troca o refresh token por uma sessão nova. A sessão antiga é
// apagada antes da emissão e só quem de fato a apagou recebe a nova, então um
// refresh token nunca vale duas vezes.
func (m *Manager) RefreshSession(ctx context.Context, refreshToken string) (*AuthResult, error) {
	c, err := m.tokens.parse(refreshToken, tokenRefresh)
	if err != nil {
		return &AuthResult{Error: "invalid refresh token"}, nil
	}

	s, err := cache.GetUserSession[Session](ctx, m.cache, c.Subject, c.SessionID)
	if err != nil {
		return nil, apperrors.Unavailable("session cache", err)
	}
	if s == nil || subtle.ConstantTimeCompare([]byte(s.RefreshToken), []byte(refreshToken)) != 1 {
		return &AuthResult{Error: "invalid refresh token"}, nil
	}
	if !m.now().Before(s.RefreshExpiresAt) {
		m.removeSession(ctx, s.UserID, s.SessionID)
		return &AuthResult{Error: "refresh token expired"}, nil
	}

	deleted, err := m.cache.DeleteUserSession(ctx, s.UserID, s.SessionID)
	if err != nil {
		return nil, apperrors.Unavailable("session cache", err)
	}
	if !deleted {
		return &AuthResult{Error: "invalid refresh token"}, nil
	}
	if err := m.cache.RemoveUserSessionIndex(ctx, s.UserID, s.SessionID); err != nil {
		m.log.Warn("unindex rotated session failed", "user_id", s.UserID, "session_id", s.SessionID, "error", err)
	}

	user, err := m.users.FindUserByID(ctx, s.UserID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return &AuthResult{Error: "user no longer exists"}, nil
		}
		return nil, fmt.Errorf("find user: %w", err)
	}

	next, err := m.createSession(ctx, s.UserID)
	if err != nil {
		return nil, err
	}
	m.log.Info("session rotated", "user_id", s.UserID, "old_session_id", s.SessionID, "session_id", next.SessionID)
	return successResult(user, next), nil
}

// Logout encerra a sessão do access token. false se ela já não existia.
func (m *Manager) Logout(ctx context.Context, accessToken string) (bool, error) {
	s, err := m.VerifySession(ctx, accessToken)
	if err != nil || s == nil {
		return false, err
	}
	deleted, err := m.cache.DeleteUserSession(ctx, s.UserID, s.SessionID)
	if err != nil {
		return false, apperrors.Unavailable("session cache", err)
	}
	if err := m.cache.RemoveUserSessionIndex(ctx, s.UserID, s.SessionID); err != nil {
		m.log.Warn("unindex session failed", "user_id", s.UserID, "session_id", s.SessionID, "error", err)
	}
	return deleted, nil
}

// RevokeAllSessions apaga todas as sessões do usuário num único lote.
func (m *Manager) RevokeAllSessions(ctx context.Context, userID string) (int, error) {
	n, err := m.cache.DeleteUserSessions(ctx, userID)
	if err != nil {
		return 0, apperrors.Unavailable("session cache", err)
	}
	m.log.Info("sessions revoked", "user_id", userID, "count", n)
	return n, nil
}

func (m *Manager) removeSession(ctx context.Context, userID, sessionID string) {
	if _, err := m.cache.DeleteUserSession(ctx, userID, sessionID); err != nil {
		m.log.Warn("delete expired session failed", "user_id", userID, "session_id", sessionID, "error", err)
	}
	if err := m.cache.RemoveUserSessionIndex(ctx, userID, sessionID); err != nil {
		m.log.Warn("unindex expired session failed", "user_id", userID, "session_id", sessionID, "error", err)
	}
}

// --- códigos de verificação ---

// RequestVerificationCode gera e guarda um código de 6 dígitos para o
// identificador. Pedidos além do limite voltam Sent=false com RetryAfter.
func (m *Manager) RequestVerificationCode(ctx context.Context, identifier string) (*VerificationResult, error) {
	id := normalize(identifier)
	if id == "" {
		return nil, apperrors.Validation("identifier is required", nil)
	}

	decision, err := m.consume(ctx, id, m.cfg.VerifyRequest)
	if err != nil {
		return nil, err
	}
	if !decision.Allowed {
		return &VerificationResult{RetryAfter: decision.RetryAfter}, nil
	}

	code, err := randomCode()
	if err != nil {
		return nil, apperrors.Internal("generate verification code", err)
	}
	now := m.now().UTC()
	if err := m.cache.SetVerificationCode(ctx, id, cache.VerificationCode{Code: code, Purpose: "verify", CreatedAt: now}, m.cfg.VerifyCodeTTL); err != nil {
		return nil, apperrors.Unavailable("verification cache", err)
	}
	return &VerificationResult{Sent: true, Code: code, ExpiresAt: now.Add(m.cfg.VerifyCodeTTL)}, nil
}

// ConfirmVerificationCode consome o código. Acerto apaga o código, zera o
// limitador de pedidos e marca o usuário (quando o identificador é um e-mail
// cadastrado) como verificado.
func (m *Manager) ConfirmVerificationCode(ctx context.Context, identifier, code string) (bool, error) {
	id := normalize(identifier)

	decision, err := m.consume(ctx, id, m.cfg.VerifyConfirm)
	if err != nil {
		return false, err
	}
	if !decision.Allowed {
		return false, nil
	}

	stored, err := m.cache.GetVerificationCode(ctx, id)
	if err != nil {
		return false, apperrors.Unavailable("verification cache", err)
	}
	if stored == nil || subtle.ConstantTimeCompare([]byte(stored.Code), []byte(code)) != 1 {
		return false, nil
	}

	deleted, err := m.cache.DeleteVerificationCode(ctx, id)
	if err != nil {
		return false, apperrors.Unavailable("verification cache", err)
	}
	if !deleted {
		return false, nil
	}

	for _, action := range []string{m.cfg.VerifyRequest.Action, m.cfg.VerifyConfirm.Action} {
		if err := m.limiter.Reset(ctx, id, action); err != nil {
			m.log.Warn("reset verification limiter failed", "identifier", id, "action", action, "error", err)
		}
	}

	if user, err := m.users.FindUserByEmail(ctx, id); err == nil && user != nil {
		if err := m.users.MarkUserVerified(ctx, user.ID, m.now().UTC()); err != nil {
			m.log.Warn("mark user verified failed", "user_id", user.ID, "error", err)
		}
	}
	return true, nil
}

func (m *Manager) consume(ctx context.Context, identifier string, p domain.Policy) (domain.Decision, error) {
	w, err := m.limiter.Increment(ctx, identifier, p.Action, p.Window, p.Max)
	if err != nil {
		return domain.Decision{}, apperrors.Unavailable("rate limiter", err)
	}
	return w.Decision(m.now()), nil
}

func randomCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}
