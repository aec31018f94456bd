package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode represents application-specific error codes
type ErrorCode string

const (
	// Validation errors
	ErrCodeValidation   ErrorCode = "VALIDATION_ERROR"
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"

	// Authentication / authorization errors
	ErrCodeUnauthorized ErrorCode = "UNAUTHORIZED"
	ErrCodeForbidden    ErrorCode = "FORBIDDEN"

	// Not found errors
	ErrCodeNotFound     ErrorCode = "NOT_FOUND"
	ErrCodeCallNotFound ErrorCode = "CALL_NOT_FOUND"

	// Call lifecycle errors
	ErrCodeRoomUnavailable      ErrorCode = "ROOM_UNAVAILABLE"
	ErrCodeInvalidTransition    ErrorCode = "INVALID_TRANSITION"
	ErrCodeStaleWrite           ErrorCode = "STALE_WRITE"
	ErrCodeMediaSetupFailure    ErrorCode = "MEDIA_SETUP_FAILURE"
	ErrCodeTransportInterrupted ErrorCode = "TRANSPORT_INTERRUPTED"
	ErrCodeDeliveryGap          ErrorCode = "DELIVERY_GAP"
	ErrCodeCallBusy             ErrorCode = "CALL_BUSY"

	// Internal errors
	ErrCodeInternal       ErrorCode = "INTERNAL_ERROR"
	ErrCodeDatabase       ErrorCode = "DATABASE_ERROR"
	ErrCodeServiceUnavail ErrorCode = "SERVICE_UNAVAILABLE"
)

// AppError represents a structured application error with code, message, and HTTP status
type AppError struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	StatusCode int       `json:"-"`
	Details    any       `json:"details,omitempty"`
	Err        error     `json:"-"`
}

// Error implements the error interface, returning a formatted error message
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError with the given code and message
// The status code defaults to 500 Internal Server Error
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: http.StatusInternalServerError,
	}
}

// NewWithStatus creates a new AppError with a specific HTTP status code
func NewWithStatus(code ErrorCode, message string, statusCode int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
	}
}

// WrapWithStatus wraps an existing error with an AppError and specific status code
func WrapWithStatus(code ErrorCode, message string, statusCode int, err error) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
		Err:        err,
	}
}

// WithDetails adds additional details to an AppError for debugging
func (e *AppError) WithDetails(details any) *AppError {
	e.Details = details
	return e
}

// Validation errors
func ValidationError(message string) *AppError {
	return NewWithStatus(ErrCodeValidation, message, http.StatusBadRequest)
}

func InvalidInputError(message string) *AppError {
	return NewWithStatus(ErrCodeInvalidInput, message, http.StatusBadRequest)
}

func UnauthorizedError(message string) *AppError {
	return NewWithStatus(ErrCodeUnauthorized, message, http.StatusUnauthorized)
}

func ForbiddenError(message string) *AppError {
	return NewWithStatus(ErrCodeForbidden, message, http.StatusForbidden)
}

func NotFoundError(resource string) *AppError {
	return NewWithStatus(ErrCodeNotFound, fmt.Sprintf("%s not found", resource), http.StatusNotFound)
}

func CallNotFoundError() *AppError {
	return NewWithStatus(ErrCodeCallNotFound, "Call not found", http.StatusNotFound)
}

// RoomUnavailableError is raised when the room broker cannot allocate or resolve a room.
func RoomUnavailableError(err error) *AppError {
	return WrapWithStatus(ErrCodeRoomUnavailable, "Call room is unavailable", http.StatusServiceUnavailable, err)
}

// InvalidTransitionError is raised for structurally illegal status changes.
func InvalidTransitionError(from, to string) *AppError {
	return NewWithStatus(ErrCodeInvalidTransition,
		fmt.Sprintf("Cannot move call from %s to %s", from, to), http.StatusConflict)
}

// StaleWriteError marks a write that lost to a newer updated_at. Never shown to users.
func StaleWriteError(message string) *AppError {
	return NewWithStatus(ErrCodeStaleWrite, message, http.StatusConflict)
}

// MediaSetupError carries the human-readable reason in Message and the cause in Details.
func MediaSetupError(cause, message string, err error) *AppError {
	return WrapWithStatus(ErrCodeMediaSetupFailure, message, http.StatusUnprocessableEntity, err).WithDetails(cause)
}

func TransportInterruptedError() *AppError {
	return NewWithStatus(ErrCodeTransportInterrupted, "Call ended", http.StatusGone)
}

func DeliveryGapError(count int) *AppError {
	return NewWithStatus(ErrCodeDeliveryGap, fmt.Sprintf("%d ringing call(s) recovered by resync", count), http.StatusOK)
}

func CallBusyError() *AppError {
	return NewWithStatus(ErrCodeCallBusy, "Another call is already in progress", http.StatusConflict)
}

// Internal errors
func InternalError(message string) *AppError {
	return NewWithStatus(ErrCodeInternal, message, http.StatusInternalServerError)
}

func DatabaseError(err error) *AppError {
	return WrapWithStatus(ErrCodeDatabase, "Database error", http.StatusInternalServerError, err)
}

func ServiceUnavailableError(message string) *AppError {
	return NewWithStatus(ErrCodeServiceUnavail, message, http.StatusServiceUnavailable)
}

// IsAppError checks if an error is (or wraps) an AppError
func IsAppError(err error) bool {
	var appErr *AppError
	return stderrors.As(err, &appErr)
}

// Is reports whether err is an AppError carrying code anywhere in its chain
func Is(err error, code ErrorCode) bool {
	var appErr *AppError
	if !stderrors.As(err, &appErr) {
		return false
	}
	return appErr.Code == code
}

// GetAppError extracts AppError from an error, wrapping non-AppErrors as InternalError
func GetAppError(err error) *AppError {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}
	return InternalError(err.Error())
}
