package queue

import (
	"errors"

	"reservation-engine/apperrors"
)

var (
	ErrJobNotFound  = errors.New("job not found")
	ErrUnknownQueue = errors.New("unknown queue")
	ErrInvalidJob   = errors.New("invalid job")
)

type unrecoverableError struct {
	err error
}

func (e *unrecoverableError) Error() string { return e.err.Error() }
func (e *unrecoverableError) Unwrap() error { return e.err }

// Unrecoverable marca o erro para ir direto ao estado failed, sem retries.
func Unrecoverable(err error) error {
	if err == nil {
		return nil
	}
	return &unrecoverableError{err: err}
}

// shouldRetry combina a marca local com a etiqueta de apperrors.
func shouldRetry(err error) bool {
	var u *unrecoverableError
	if errors.As(err, &u) {
		return false
	}
	return apperrors.IsRetryable(err)
}
