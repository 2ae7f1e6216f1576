package domain

import (
	"errors"
	"fmt"
)

// ErrorCode represents a machine-readable error code
type ErrorCode string

const (
	// Validation errors (VALIDATION_*) - rejected before any side effect, never retried
	ErrorCodeValidationFailed        ErrorCode = "VALIDATION_FAILED"
	ErrorCodeValidationAmountInvalid ErrorCode = "VALIDATION_AMOUNT_INVALID"
	ErrorCodeValidationMissingField  ErrorCode = "VALIDATION_MISSING_FIELD"

	// Conflict errors (CONFLICT_*) - caller must re-read and decide, never blindly retried
	ErrorCodeConflictStaleRevision ErrorCode = "CONFLICT_STALE_REVISION"
	ErrorCodeConflictInvalidState  ErrorCode = "CONFLICT_INVALID_STATE"

	// Transaction errors (TXN_*)
	ErrorCodeTxnNotFound       ErrorCode = "TXN_NOT_FOUND"
	ErrorCodeTxnRefundExceeded ErrorCode = "TXN_REFUND_EXCEEDED"

	// Transient infrastructure errors (TRANSIENT_*) - retried with bounded attempts
	ErrorCodeTransientGateway  ErrorCode = "TRANSIENT_GATEWAY"
	ErrorCodeTransientTerminal ErrorCode = "TRANSIENT_TERMINAL"
	ErrorCodeTransientStore    ErrorCode = "TRANSIENT_STORE"

	// Permanent decline errors (DECLINE_*) - terminal, never retried
	ErrorCodePermanentDecline ErrorCode = "DECLINE_PERMANENT"

	// Idempotency errors (IDEMPOTENCY_*)
	ErrorCodeIdempotencyPending ErrorCode = "IDEMPOTENCY_PENDING"

	// Event errors (EVENT_*)
	ErrorCodeEventNotFound ErrorCode = "EVENT_NOT_FOUND"

	// Session errors (SESSION_*)
	ErrorCodeSessionNotFound  ErrorCode = "SESSION_NOT_FOUND"
	ErrorCodeSessionCompleted ErrorCode = "SESSION_COMPLETED"

	// Internal errors (INTERNAL_*)
	ErrorCodeInternalError ErrorCode = "INTERNAL_ERROR"
	ErrorCodeDatabaseError ErrorCode = "INTERNAL_DATABASE_ERROR"
)

// DomainError represents a structured domain error with error code and context
type DomainError struct {
	Err     error
	Details map[string]interface{}
	Code    ErrorCode
	Message string
}

// Error implements the error interface
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/As support
func (e *DomainError) Unwrap() error {
	return e.Err
}

// WithDetail adds a detail field to the error
func (e *DomainError) WithDetail(key string, value interface{}) *DomainError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// NewDomainError creates a new domain error
func NewDomainError(code ErrorCode, message string) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
	}
}

// WrapError wraps an existing error with a domain error code
func WrapError(code ErrorCode, message string, err error) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Err:     err,
	}
}

// GetErrorCode extracts the error code from an error, returns empty string if not a DomainError
func GetErrorCode(err error) ErrorCode {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Code
	}
	return ""
}

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool {
	code := GetErrorCode(err)
	return code == ErrorCodeValidationFailed ||
		code == ErrorCodeValidationAmountInvalid ||
		code == ErrorCodeValidationMissingField ||
		code == ErrorCodeTxnRefundExceeded
}

// IsConflictError checks if an error is a revision or state conflict
func IsConflictError(err error) bool {
	code := GetErrorCode(err)
	return code == ErrorCodeConflictStaleRevision ||
		code == ErrorCodeConflictInvalidState
}

// IsTransientError checks if an error is a retryable infrastructure failure
func IsTransientError(err error) bool {
	code := GetErrorCode(err)
	return code == ErrorCodeTransientGateway ||
		code == ErrorCodeTransientTerminal ||
		code == ErrorCodeTransientStore
}

// IsPermanentDecline checks if an error is an explicit gateway/device decline
func IsPermanentDecline(err error) bool {
	return GetErrorCode(err) == ErrorCodePermanentDecline
}

// IsNotFoundError checks if an error represents a "not found" condition
func IsNotFoundError(err error) bool {
	code := GetErrorCode(err)
	return code == ErrorCodeTxnNotFound ||
		code == ErrorCodeEventNotFound ||
		code == ErrorCodeSessionNotFound
}

// Structured error instances
var (
	ErrValidationFailed        = NewDomainError(ErrorCodeValidationFailed, "validation failed")
	ErrValidationAmountInvalid = NewDomainError(ErrorCodeValidationAmountInvalid, "invalid amount")
	ErrValidationMissingField  = NewDomainError(ErrorCodeValidationMissingField, "required field missing")

	ErrStaleRevision = NewDomainError(ErrorCodeConflictStaleRevision, "transition carries a stale revision")
	ErrInvalidState  = NewDomainError(ErrorCodeConflictInvalidState, "transaction is in invalid state for this transition")

	ErrTxnNotFound     = NewDomainError(ErrorCodeTxnNotFound, "transaction not found")
	ErrRefundExceeded  = NewDomainError(ErrorCodeTxnRefundExceeded, "refund amount exceeds remaining refundable balance")
	ErrEventNotFound   = NewDomainError(ErrorCodeEventNotFound, "webhook event not found")
	ErrSessionNotFound = NewDomainError(ErrorCodeSessionNotFound, "terminal session not found")

	ErrGatewayUnavailable = NewDomainError(ErrorCodeTransientGateway, "payment gateway unavailable")
	ErrDeviceOffline      = NewDomainError(ErrorCodeTransientTerminal, "terminal device offline")
	ErrPaymentDeclined    = NewDomainError(ErrorCodePermanentDecline, "payment declined")

	ErrReservationPending = NewDomainError(ErrorCodeIdempotencyPending, "operation with this idempotency key is still in flight")

	ErrSessionCompleted = NewDomainError(ErrorCodeSessionCompleted, "terminal session already reached a final status")

	ErrInternalError = NewDomainError(ErrorCodeInternalError, "internal error")
	ErrDatabaseError = NewDomainError(ErrorCodeDatabaseError, "database error")
)
