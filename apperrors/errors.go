// Package apperrors define o erro de aplicação "etiquetado" usado pelos
// processadores de jobs.
//
// A etiqueta Retryable separa erros de domínio (ex.: transição inválida, que
// nunca vai dar certo numa nova tentativa) de erros de infraestrutura
// (timeout do Redis, banco fora do ar), que o runtime de filas deve repetir
// com backoff.
package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

const (
	CodeNotFound          = "NOT_FOUND"
	CodeValidation        = "VALIDATION_ERROR"
	CodeInvalidTransition = "INVALID_TRANSITION"
	CodeConflict          = "CONFLICT"
	CodeLockContention    = "LOCK_CONTENTION"
	CodeUnavailable       = "SERVICE_UNAVAILABLE"
	CodeInternal          = "INTERNAL_ERROR"
)

type AppError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Retryable bool           `json:"-"`
	Err       error          `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// StatusCode traduz o código para a resposta HTTP da API.
func (e *AppError) StatusCode() int {
	switch e.Code {
	case CodeNotFound:
		return http.StatusNotFound
	case CodeValidation:
		return http.StatusBadRequest
	case CodeInvalidTransition, CodeConflict, CodeLockContention:
		return http.StatusConflict
	case CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func (e *AppError) WithDetails(details map[string]any) *AppError {
	e.Details = details
	return e
}

func New(code, message string, retryable bool) *AppError {
	return &AppError{Code: code, Message: message, Retryable: retryable}
}

func Wrap(err error, code, message string, retryable bool) *AppError {
	return &AppError{Code: code, Message: message, Retryable: retryable, Err: err}
}

func NotFoundWithID(resource, id string) *AppError {
	return &AppError{
		Code:    CodeNotFound,
		Message: fmt.Sprintf("%s not found", resource),
		Details: map[string]any{"resource": resource, "id": id},
	}
}

func Validation(message string, details map[string]any) *AppError {
	return &AppError{Code: CodeValidation, Message: message, Details: details}
}

func InvalidTransition(from, to string) *AppError {
	return &AppError{
		Code:    CodeInvalidTransition,
		Message: fmt.Sprintf("invalid transition %s -> %s", from, to),
		Details: map[string]any{"from": from, "to": to},
	}
}

func Conflict(message string) *AppError {
	return &AppError{Code: CodeConflict, Message: message}
}

// LockContention sinaliza "tente mais tarde": o recurso está com outro dono.
func LockContention(resource string) *AppError {
	return &AppError{
		Code:      CodeLockContention,
		Message:   fmt.Sprintf("lock %s is held by another owner", resource),
		Retryable: true,
		Details:   map[string]any{"resource": resource},
	}
}

func Unavailable(service string, err error) *AppError {
	return &AppError{
		Code:      CodeUnavailable,
		Message:   fmt.Sprintf("%s is temporarily unavailable", service),
		Retryable: true,
		Err:       err,
	}
}

func Internal(message string, err error) *AppError {
	return &AppError{Code: CodeInternal, Message: message, Retryable: true, Err: err}
}

// IsRetryable decide se vale a pena tentar de novo.
// Erros sem etiqueta são tratados como falha de infraestrutura (repetíveis).
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Retryable
	}
	return true
}

func HasCode(err error, code string) bool {
	var appErr *AppError
	return errors.As(err, &appErr) && appErr.Code == code
}

func AsAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return Internal("an unexpected error occurred", err)
}
