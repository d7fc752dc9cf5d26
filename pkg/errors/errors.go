package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a standardized, stable error identifier.
type Code string

const (
	CodeNotFound         Code = "NOT_FOUND"
	CodeInvalidArgument  Code = "INVALID_ARGUMENT"
	CodeConflict         Code = "CONFLICT"
	CodeForbidden        Code = "FORBIDDEN"
	CodeUnauthenticated  Code = "UNAUTHENTICATED"
	CodeUnavailable      Code = "UNAVAILABLE"
	CodeInternal         Code = "INTERNAL"
	CodeAlreadyExists    Code = "ALREADY_EXISTS"
	CodeDeadlineExceeded Code = "DEADLINE_EXCEEDED"

	// Dispatcher-domain codes (spec §7).
	CodeOrderActiveExists    Code = "ORDER_ACTIVE_EXISTS"
	CodeBookingNotFound      Code = "BOOKING_NOT_FOUND"
	CodeBookingCannotCancel  Code = "BOOKING_CANNOT_CANCEL"
	CodeRequestAlreadyTaken  Code = "REQUEST_ALREADY_TAKEN"
	CodeVehicleTypeMismatch  Code = "VEHICLE_TYPE_MISMATCH"
	CodeVehicleInsufficient  Code = "VEHICLE_INSUFFICIENT"
	CodeStoreUnavailable     Code = "SHARED_STORE_UNAVAILABLE"
	CodeDurableConflict      Code = "DURABLE_STORE_CONFLICT"
	CodeDurableUnavailable   Code = "DURABLE_STORE_UNAVAILABLE"
	CodeTimerHandlerFailed   Code = "TIMER_HANDLER_FAILED"
	CodeDeliveryUnreachable  Code = "DELIVERY_UNREACHABLE"
)

// AppError is the structured error type used across the module. It chains an
// underlying cause while exposing a stable Code for callers that need to
// branch on error kind (HTTP handlers, retry policies, tests).
type AppError struct {
	Code    Code
	Message string
	Cause   error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// New builds an AppError with the given code, message and optional cause.
func New(code Code, message string, cause error) *AppError {
	return &AppError{Code: code, Message: message, Cause: cause}
}

// Wrap attaches context to an existing error without discarding its code, if
// any; errors not already an *AppError are wrapped as CodeInternal.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}
	var ae *AppError
	if errors.As(err, &ae) {
		return &AppError{Code: ae.Code, Message: message + ": " + ae.Message, Cause: ae.Cause}
	}
	return &AppError{Code: CodeInternal, Message: message, Cause: err}
}

func NotFound(message string, cause error) *AppError        { return New(CodeNotFound, message, cause) }
func InvalidArgument(message string, cause error) *AppError { return New(CodeInvalidArgument, message, cause) }
func Conflict(message string, cause error) *AppError        { return New(CodeConflict, message, cause) }
func Forbidden(message string, cause error) *AppError       { return New(CodeForbidden, message, cause) }
func Unauthenticated(message string, cause error) *AppError { return New(CodeUnauthenticated, message, cause) }
func Unavailable(message string, cause error) *AppError     { return New(CodeUnavailable, message, cause) }
func Internal(message string, cause error) *AppError        { return New(CodeInternal, message, cause) }
func AlreadyExists(message string, cause error) *AppError   { return New(CodeAlreadyExists, message, cause) }

// Is reports whether err is an *AppError carrying the given code.
func Is(err error, code Code) bool {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.Code == code
	}
	return false
}

// HTTPStatus maps a Code to the HTTP status callers should return.
func HTTPStatus(code Code) int {
	switch code {
	case CodeNotFound, CodeBookingNotFound:
		return http.StatusNotFound
	case CodeInvalidArgument:
		return http.StatusBadRequest
	case CodeConflict, CodeOrderActiveExists, CodeBookingCannotCancel, CodeRequestAlreadyTaken, CodeAlreadyExists, CodeDurableConflict:
		return http.StatusConflict
	case CodeForbidden, CodeVehicleInsufficient:
		return http.StatusForbidden
	case CodeUnauthenticated:
		return http.StatusUnauthorized
	case CodeVehicleTypeMismatch:
		return http.StatusBadRequest
	case CodeUnavailable, CodeStoreUnavailable, CodeDurableUnavailable, CodeDeliveryUnreachable:
		return http.StatusServiceUnavailable
	case CodeDeadlineExceeded:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// StatusOf returns the HTTP status for any error, defaulting to 500 when err
// is not an *AppError.
func StatusOf(err error) int {
	var ae *AppError
	if errors.As(err, &ae) {
		return HTTPStatus(ae.Code)
	}
	return http.StatusInternalServerError
}
