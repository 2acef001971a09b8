package errors

import (
	"errors"
	"fmt"
)

var (
	ErrNetwork           = errors.New("network error")
	ErrNormalizationSkip = errors.New("listing has no usable identity")
	ErrIntegrityConflict = errors.New("integrity conflict")
	ErrPersistence       = errors.New("persistence failure")
	ErrCleanupRow        = errors.New("cleanup row failure")
	ErrNotFound          = errors.New("not found")
	ErrInvalidInput      = errors.New("invalid input")
	ErrCancelled         = errors.New("operation cancelled")
	ErrLocked            = errors.New("source is locked by another run")
)

type AppError struct {
	Err     error
	Message string
	Cause   error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Err.Error(), e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Err.Error(), e.Message)
}

// Unwrap exposes both the sentinel and the underlying cause to errors.Is/As.
func (e *AppError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Err}
	}
	return []error{e.Err, e.Cause}
}

func New(sentinel error, message string) *AppError {
	return &AppError{
		Err:     sentinel,
		Message: message,
	}
}

func Newf(sentinel error, format string, args ...any) *AppError {
	return &AppError{
		Err:     sentinel,
		Message: fmt.Sprintf(format, args...),
	}
}

func Wrap(sentinel error, cause error, message string) *AppError {
	return &AppError{
		Err:     sentinel,
		Message: message,
		Cause:   cause,
	}
}

func Wrapf(sentinel error, cause error, format string, args ...any) *AppError {
	return &AppError{
		Err:     sentinel,
		Message: fmt.Sprintf(format, args...),
		Cause:   cause,
	}
}

// Kind maps an error onto the statistics bucket it is folded into.
func Kind(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNetwork):
		return "network"
	case errors.Is(err, ErrNormalizationSkip):
		return "normalization_skip"
	case errors.Is(err, ErrIntegrityConflict):
		return "integrity_conflict"
	case errors.Is(err, ErrPersistence):
		return "persistence"
	case errors.Is(err, ErrCleanupRow):
		return "cleanup_row"
	case errors.Is(err, ErrCancelled):
		return "cancelled"
	case errors.Is(err, ErrLocked):
		return "locked"
	default:
		return "internal"
	}
}
