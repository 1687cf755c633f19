package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"reservation-engine/apperrors"
	"reservation-engine/auth"
	"reservation-engine/logger"
	"reservation-engine/queue"

	"github.com/julienschmidt/httprouter"
)

// JobNameVerificationEmail é o job que entrega o código de verificação.
const JobNameVerificationEmail = "send_verification_email"

// Enqueuer recebe o e-mail com o código; nil desliga a entrega.
type Enqueuer interface {
	Enqueue(ctx context.Context, queueName, jobName string, payload any, opts ...queue.JobOption) (*queue.Job, error)
}

type AuthHandler struct {
	manager  *auth.Manager
	enqueuer Enqueuer
	log      *logger.Logger
}

func NewAuthHandler(manager *auth.Manager, enqueuer Enqueuer, log *logger.Logger) *AuthHandler {
	if log == nil {
		log = logger.Nop()
	}
	return &AuthHandler{manager: manager, enqueuer: enqueuer, log: log}
}

// VerificationEmail é o payload do job de entrega do código.
type VerificationEmail struct {
	Identifier string    `json:"identifier"`
	Code       string    `json:"code"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type verifyRequest struct {
	Identifier string `json:"identifier"`
	Code       string `json:"code,omitempty"`
}

// SessionView é a sessão sem os tokens.
type SessionView struct {
	SessionID        string    `json:"sessionId"`
	UserID           string    `json:"userId"`
	ExpiresAt        time.Time `json:"expiresAt"`
	RefreshExpiresAt time.Time `json:"refreshExpiresAt"`
	CreatedAt        time.Time `json:"createdAt"`
}

func bearerToken(r *http.Request) string {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var creds auth.Credentials
	if err := decodeBody(w, r, &creds); err != nil {
		h.writeError(w, "Login", err)
		return
	}
	res, err := h.manager.Authenticate(r.Context(), creds)
	h.writeAuthResult(w, "Login", res, err)
}

func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req refreshRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.writeError(w, "Refresh", err)
		return
	}
	if req.RefreshToken == "" {
		h.writeError(w, "Refresh", apperrors.Validation("refreshToken is required", nil))
		return
	}
	res, err := h.manager.RefreshSession(r.Context(), req.RefreshToken)
	h.writeAuthResult(w, "Refresh", res, err)
}

func (h *AuthHandler) writeAuthResult(w http.ResponseWriter, handler string, res *auth.AuthResult, err error) {
	if err != nil {
		h.writeError(w, handler, err)
		return
	}
	var writeErr error
	switch {
	case res.RetryAfter > 0:
		writeErr = writeTooManyRequests(w, res.Error, res.RetryAfter)
	case !res.Success:
		writeErr = WriteJSON(w, http.StatusUnauthorized, res)
	default:
		writeErr = WriteJSON(w, http.StatusOK, res)
	}
	if writeErr != nil {
		h.log.Error("failed to write JSON response", "handler", handler, "error", writeErr)
	}
}

// session resolve o Bearer token; escreve 401 e devolve nil quando não há
// sessão válida.
func (h *AuthHandler) session(w http.ResponseWriter, r *http.Request, handler string) *auth.Session {
	token := bearerToken(r)
	if token == "" {
		h.writeUnauthorized(w, handler)
		return nil
	}
	s, err := h.manager.VerifySession(r.Context(), token)
	if err != nil {
		h.writeError(w, handler, err)
		return nil
	}
	if s == nil {
		h.writeUnauthorized(w, handler)
		return nil
	}
	return s
}

func (h *AuthHandler) writeUnauthorized(w http.ResponseWriter, handler string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="reservd"`)
	if err := WriteJSON(w, http.StatusUnauthorized, ErrorResponse{Code: "UNAUTHORIZED", Message: "invalid or expired session"}); err != nil {
		h.log.Error("failed to write JSON response", "handler", handler, "error", err)
	}
}

func (h *AuthHandler) Session(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	s := h.session(w, r, "Session")
	if s == nil {
		return
	}
	view := SessionView{
		SessionID:        s.SessionID,
		UserID:           s.UserID,
		ExpiresAt:        s.ExpiresAt,
		RefreshExpiresAt: s.RefreshExpiresAt,
		CreatedAt:        s.CreatedAt,
	}
	if err := WriteJSON(w, http.StatusOK, view); err != nil {
		h.log.Error("failed to write JSON response", "handler", "Session", "error", err)
	}
}

func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	token := bearerToken(r)
	if token == "" {
		h.writeUnauthorized(w, "Logout")
		return
	}
	ok, err := h.manager.Logout(r.Context(), token)
	if err != nil {
		h.writeError(w, "Logout", err)
		return
	}
	if err := WriteJSON(w, http.StatusOK, map[string]bool{"loggedOut": ok}); err != nil {
		h.log.Error("failed to write JSON response", "handler", "Logout", "error", err)
	}
}

func (h *AuthHandler) RevokeAll(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	s := h.session(w, r, "RevokeAll")
	if s == nil {
		return
	}
	n, err := h.manager.RevokeAllSessions(r.Context(), s.UserID)
	if err != nil {
		h.writeError(w, "RevokeAll", err)
		return
	}
	if err := WriteJSON(w, http.StatusOK, map[string]int{"revoked": n}); err != nil {
		h.log.Error("failed to write JSON response", "handler", "RevokeAll", "error", err)
	}
}

// RequestVerification gera o código e enfileira o e-mail. O código nunca
// volta na resposta.
func (h *AuthHandler) RequestVerification(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req verifyRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.writeError(w, "RequestVerification", err)
		return
	}
	res, err := h.manager.RequestVerificationCode(r.Context(), req.Identifier)
	if err != nil {
		h.writeError(w, "RequestVerification", err)
		return
	}
	if !res.Sent {
		if err := writeTooManyRequests(w, "too many verification requests", res.RetryAfter); err != nil {
			h.log.Error("failed to write JSON response", "handler", "RequestVerification", "error", err)
		}
		return
	}

	if h.enqueuer != nil {
		mail := VerificationEmail{Identifier: strings.ToLower(strings.TrimSpace(req.Identifier)), Code: res.Code, ExpiresAt: res.ExpiresAt}
		if _, err := h.enqueuer.Enqueue(r.Context(), queue.QueueEmail, JobNameVerificationEmail, mail); err != nil {
			h.log.Error("enqueue verification email failed", "identifier", mail.Identifier, "error", err)
			h.writeError(w, "RequestVerification", apperrors.Unavailable("job queue", err))
			return
		}
	}
	if err := WriteJSON(w, http.StatusAccepted, res); err != nil {
		h.log.Error("failed to write JSON response", "handler", "RequestVerification", "error", err)
	}
}

func (h *AuthHandler) ConfirmVerification(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req verifyRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.writeError(w, "ConfirmVerification", err)
		return
	}
	if req.Identifier == "" || req.Code == "" {
		h.writeError(w, "ConfirmVerification", apperrors.Validation("identifier and code are required", nil))
		return
	}
	ok, err := h.manager.ConfirmVerificationCode(r.Context(), req.Identifier, req.Code)
	if err != nil {
		h.writeError(w, "ConfirmVerification", err)
		return
	}
	status := http.StatusOK
	if !ok {
		status = http.StatusBadRequest
	}
	if err := WriteJSON(w, status, map[string]bool{"verified": ok}); err != nil {
		h.log.Error("failed to write JSON response", "handler", "ConfirmVerification", "error", err)
	}
}

func (h *AuthHandler) writeError(w http.ResponseWriter, handler string, err error) {
	if writeErr := WriteError(w, err); writeErr != nil {
		h.log.Error("failed to write error response", "handler", handler, "error", writeErr)
	}
}

func (h *AuthHandler) RegisterRoutes(router *httprouter.Router) {
	router.POST("/v1/auth/login", h.Login)
	router.POST("/v1/auth/refresh", h.Refresh)
	router.POST("/v1/auth/logout", h.Logout)
	router.GET("/v1/auth/session", h.Session)
	router.POST("/v1/auth/revoke-all", h.RevokeAll)
	router.POST("/v1/auth/verify/request", h.RequestVerification)
	router.POST("/v1/auth/verify/confirm", h.ConfirmVerification)
}
