package errors

import (
	"errors"
	"fmt"
	"net/http"
)

type ErrorCode string

const (
	InvalidInput         ErrorCode = "invalid_input"
	InvalidAmount        ErrorCode = "invalid_amount"
	UnsupportedProvider  ErrorCode = "unsupported_provider"
	Unauthorized         ErrorCode = "unauthorized"
	TransactionNotFound  ErrorCode = "transaction_not_found"
	OrderNotFound        ErrorCode = "order_not_found"
	DuplicateTransaction ErrorCode = "duplicate_transaction"
	RateLimited          ErrorCode = "rate_limited"
	UpstreamError        ErrorCode = "upstream_error"
	InternalError        ErrorCode = "internal_error"
	NotFound             ErrorCode = "not_found"
	MethodNotAllowed     ErrorCode = "method_not_allowed"
)

type AppError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Details string    `json:"details,omitempty"`
}

func (e AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func NewAppError(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

func NewAppErrorf(code ErrorCode, format string, args ...interface{}) *AppError {
	return &AppError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// WithDetails returns a copy so the predefined errors below stay untouched.
func (e *AppError) WithDetails(details string) *AppError {
	cp := *e
	cp.Details = details
	return &cp
}

// Is matches on code, so errors.Is(err, ErrTransactionNotFound) holds for
// copies produced by WithDetails.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

func (e *AppError) HTTPStatus() int {
	switch e.Code {
	case InvalidInput, InvalidAmount, UnsupportedProvider:
		return http.StatusBadRequest
	case Unauthorized:
		return http.StatusUnauthorized
	case TransactionNotFound, OrderNotFound, NotFound:
		return http.StatusNotFound
	case MethodNotAllowed:
		return http.StatusMethodNotAllowed
	case DuplicateTransaction:
		return http.StatusConflict
	case RateLimited:
		return http.StatusTooManyRequests
	case UpstreamError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// AsAppError unwraps err into an AppError, falling back to an opaque
// internal error.
func AsAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return NewAppError(InternalError, "an unexpected error occurred")
}

// Predefined errors for common cases
var (
	ErrInvalidAmount          = NewAppError(InvalidAmount, "amount must be greater than zero")
	ErrUnsupportedProvider    = NewAppError(UnsupportedProvider, "payment method is not supported")
	ErrMissingSignature       = NewAppError(Unauthorized, "webhook signature missing")
	ErrInvalidSignature       = NewAppError(Unauthorized, "webhook signature invalid")
	ErrTransactionNotFound    = NewAppError(TransactionNotFound, "transaction not found")
	ErrOrderNotFound          = NewAppError(OrderNotFound, "order not found")
	ErrDuplicateTransaction   = NewAppError(DuplicateTransaction, "transaction already exists")
	ErrRateLimited            = NewAppError(RateLimited, "too many requests")
	ErrMissingCorrelationID   = NewAppError(InvalidInput, "webhook does not identify a transaction")
	ErrCannotBeginTransaction = NewAppError(InternalError, "cannot begin nested transaction")
)
