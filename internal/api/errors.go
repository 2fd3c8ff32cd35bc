// errors.go - Structured error handling for API responses
package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/cre-docs/backend/internal/processing"
	"github.com/cre-docs/backend/internal/resultstore"
	"github.com/cre-docs/backend/internal/session"
	"github.com/cre-docs/backend/internal/storage"
)

// APIError represents a structured API error response
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// Error implements the error interface
func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewBadRequestError creates a 400 Bad Request error
func NewBadRequestError(message string, cause error) *APIError {
	err := &APIError{
		Status:  http.StatusBadRequest,
		Code:    "BAD_REQUEST",
		Message: message,
	}
	if cause != nil {
		err.Details = cause.Error()
	}
	return err
}

// NewValidationError creates a 400 validation error for a specific field
func NewValidationError(field string) *APIError {
	return &APIError{
		Status:  http.StatusBadRequest,
		Code:    "VALIDATION_ERROR",
		Message: fmt.Sprintf("validation failed for field: %s", field),
	}
}

// NewUnsupportedFileError creates a 415 error for rejected uploads
func NewUnsupportedFileError(cause error) *APIError {
	return &APIError{
		Status:  http.StatusUnsupportedMediaType,
		Code:    "UNSUPPORTED_FILE",
		Message: "file rejected",
		Details: cause.Error(),
	}
}

// NewNotFoundError creates a 404 Not Found error
func NewNotFoundError(resource string, id string) *APIError {
	return &APIError{
		Status:  http.StatusNotFound,
		Code:    "NOT_FOUND",
		Message: fmt.Sprintf("%s not found: %s", resource, id),
	}
}

// NewConflictError creates a 409 Conflict error
func NewConflictError(message string) *APIError {
	return &APIError{
		Status:  http.StatusConflict,
		Code:    "CONFLICT",
		Message: message,
	}
}

// NewInternalError creates a 500 Internal Server Error
func NewInternalError(message string, cause error) *APIError {
	err := &APIError{
		Status:  http.StatusInternalServerError,
		Code:    "INTERNAL_ERROR",
		Message: message,
	}
	if cause != nil {
		err.Details = cause.Error()
	}
	return err
}

// NewNotImplementedError creates a 501 Not Implemented error
func NewNotImplementedError(message string) *APIError {
	return &APIError{
		Status:  http.StatusNotImplemented,
		Code:    "NOT_IMPLEMENTED",
		Message: message,
	}
}

// NewServiceUnavailableError creates a 503 Service Unavailable error
func NewServiceUnavailableError(message string) *APIError {
	return &APIError{
		Status:  http.StatusServiceUnavailable,
		Code:    "SERVICE_UNAVAILABLE",
		Message: message,
	}
}

// fromDomainError maps errors of the service packages onto API errors.
// Unknown errors become 500s carrying message.
func fromDomainError(message string, err error) *APIError {
	var apiErr *APIError
	var invalid *processing.InvalidInputError
	switch {
	case errors.As(err, &apiErr):
		return apiErr
	case errors.As(err, &invalid):
		return NewBadRequestError(invalid.Error(), nil)
	case errors.Is(err, processing.ErrRetryNotSupported):
		return NewNotImplementedError(processing.ErrRetryNotSupported.Error())
	case errors.Is(err, session.ErrBusy):
		return NewConflictError(session.ErrBusy.Error())
	case errors.Is(err, session.ErrCapacity):
		return NewServiceUnavailableError(err.Error())
	case errors.Is(err, session.ErrNoDocuments):
		return NewValidationError("fileIds")
	case errors.Is(err, session.ErrNotFound),
		errors.Is(err, storage.ErrNotFound),
		errors.Is(err, resultstore.ErrNotFound):
		return &APIError{Status: http.StatusNotFound, Code: "NOT_FOUND", Message: err.Error()}
	case errors.Is(err, storage.ErrUnsupportedType), errors.Is(err, storage.ErrInvalidPDF):
		return NewUnsupportedFileError(err)
	default:
		return NewInternalError(message, err)
	}
}

// NewErrorHandler returns the echo error handler. Details of unexpected
// errors are only exposed in development.
func NewErrorHandler(development bool, log *zap.Logger) echo.HTTPErrorHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		var apiErr *APIError
		var httpErr *echo.HTTPError
		switch {
		case errors.As(err, &apiErr):
		case errors.As(err, &httpErr):
			apiErr = &APIError{
				Status:  httpErr.Code,
				Code:    "HTTP_ERROR",
				Message: fmt.Sprintf("%v", httpErr.Message),
			}
		default:
			apiErr = &APIError{
				Status:  http.StatusInternalServerError,
				Code:    "UNKNOWN_ERROR",
				Message: "An unexpected error occurred",
			}
			if development {
				apiErr.Details = err.Error()
			}
		}

		if apiErr.Status >= http.StatusInternalServerError {
			log.Error("request failed",
				zap.String("method", c.Request().Method),
				zap.String("path", c.Path()),
				zap.Int("status", apiErr.Status),
				zap.Error(err),
			)
		}

		if err := c.JSON(apiErr.Status, apiErr); err != nil {
			log.Debug("failed to write error response", zap.Error(err))
		}
	}
}
