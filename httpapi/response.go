// Package httpapi expõe o motor de reservas por HTTP: enfileiramento de ações
// de reserva, consulta de jobs, sessões de autenticação, métricas e health.
//
// Os handlers só traduzem HTTP; a regra de negócio fica nos pacotes auth,
// reservation e queue.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"reservation-engine/apperrors"
)

type ErrorResponse struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func WriteJSON(w http.ResponseWriter, statusCode int, data any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	return json.NewEncoder(w).Encode(data)
}

// WriteError usa o status do AppError; erros sem etiqueta viram 500 sem
// expor a causa.
func WriteError(w http.ResponseWriter, err error) error {
	appErr := apperrors.AsAppError(err)
	resp := ErrorResponse{Code: appErr.Code, Message: appErr.Message, Details: appErr.Details}
	if appErr.Code == apperrors.CodeInternal {
		resp.Message = "internal server error"
		resp.Details = nil
	}
	return WriteJSON(w, appErr.StatusCode(), resp)
}

func writeTooManyRequests(w http.ResponseWriter, message string, retryAfter time.Duration) error {
	secs := int64((retryAfter + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
	return WriteJSON(w, http.StatusTooManyRequests, ErrorResponse{
		Code:    "RATE_LIMITED",
		Message: message,
		Details: map[string]any{"retryAfterSeconds": secs},
	})
}

const maxBodyBytes = 1 << 20

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	return decode(w, r, v, false)
}

// decodeOptionalBody aceita corpo vazio.
func decodeOptionalBody(w http.ResponseWriter, r *http.Request, v any) error {
	return decode(w, r, v, true)
}

func decode(w http.ResponseWriter, r *http.Request, v any, optional bool) error {
	if r.Body == nil || r.Body == http.NoBody {
		if optional {
			return nil
		}
		return apperrors.Validation("request body is required", nil)
	}
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, io.EOF):
		if optional {
			return nil
		}
		return apperrors.Validation("request body is required", nil)
	default:
		return apperrors.Validation("invalid request body", map[string]any{"error": err.Error()})
	}
}
