package common

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrValidation            = errors.New("validation error")
	ErrNotFound              = errors.New("not found")
	ErrConflict              = errors.New("conflict")
	ErrDuplicateJob          = errors.New("duplicate batch job")
	ErrExternalService       = errors.New("external service error")
	ErrInternalInconsistency = errors.New("internal inconsistency")
)

// AppError attaches a user-facing message to one of the sentinel errors above.
type AppError struct {
	Code    error
	Message string
	Cause   error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() []error {
	if e.Cause != nil {
		return []error{e.Code, e.Cause}
	}
	return []error{e.Code}
}

func NewValidationError(format string, args ...any) error {
	return &AppError{Code: ErrValidation, Message: fmt.Sprintf(format, args...)}
}

func NewNotFoundError(format string, args ...any) error {
	return &AppError{Code: ErrNotFound, Message: fmt.Sprintf(format, args...)}
}

func NewConflictError(format string, args ...any) error {
	return &AppError{Code: ErrConflict, Message: fmt.Sprintf(format, args...)}
}

func NewExternalServiceError(message string, cause error) error {
	return &AppError{Code: ErrExternalService, Message: message, Cause: cause}
}

func NewInconsistencyError(format string, args ...any) error {
	return &AppError{Code: ErrInternalInconsistency, Message: fmt.Sprintf(format, args...)}
}

// HTTPStatus maps an error onto the status code returned to API callers.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict), errors.Is(err, ErrDuplicateJob):
		return http.StatusConflict
	case errors.Is(err, ErrExternalService):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Message returns the user-facing part of err.
func Message(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return err.Error()
}
