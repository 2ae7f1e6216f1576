package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDomainErrorMessage(t *testing.T) {
	err := NewDomainError(ErrorCodeTxnNotFound, "transaction not found")
	assert.Equal(t, "TXN_NOT_FOUND: transaction not found", err.Error())

	wrapped := WrapError(ErrorCodeTransientStore, "query failed", errors.New("connection reset"))
	assert.Contains(t, wrapped.Error(), "TRANSIENT_STORE")
	assert.Contains(t, wrapped.Error(), "connection reset")
}

func TestGetErrorCode(t *testing.T) {
	assert.Equal(t, ErrorCodeConflictStaleRevision, GetErrorCode(ErrStaleRevision))
	assert.Equal(t, ErrorCode(""), GetErrorCode(errors.New("plain")))
	assert.Equal(t, ErrorCode(""), GetErrorCode(nil))

	// Wrapped domain errors keep their code through fmt.Errorf chains.
	chained := fmt.Errorf("applying transition: %w", ErrInvalidState)
	assert.Equal(t, ErrorCodeConflictInvalidState, GetErrorCode(chained))
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		transient bool
		conflict  bool
		decline   bool
		notFound  bool
		invalid   bool
	}{
		{"gateway unavailable", ErrGatewayUnavailable, true, false, false, false, false},
		{"device offline", ErrDeviceOffline, true, false, false, false, false},
		{"store failure", NewDomainError(ErrorCodeTransientStore, "db down"), true, false, false, false, false},
		{"stale revision", ErrStaleRevision, false, true, false, false, false},
		{"invalid state", ErrInvalidState, false, true, false, false, false},
		{"payment declined", ErrPaymentDeclined, false, false, true, false, false},
		{"transaction missing", ErrTxnNotFound, false, false, false, true, false},
		{"session missing", ErrSessionNotFound, false, false, false, true, false},
		{"event missing", ErrEventNotFound, false, false, false, true, false},
		{"refund exceeded", ErrRefundExceeded, false, false, false, false, true},
		{"missing field", NewDomainError(ErrorCodeValidationMissingField, "amount required"), false, false, false, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.transient, IsTransientError(tt.err))
			assert.Equal(t, tt.conflict, IsConflictError(tt.err))
			assert.Equal(t, tt.decline, IsPermanentDecline(tt.err))
			assert.Equal(t, tt.notFound, IsNotFoundError(tt.err))
			assert.Equal(t, tt.invalid, IsValidationError(tt.err))
		})
	}
}

func TestWithDetail(t *testing.T) {
	err := NewDomainError(ErrorCodePermanentDecline, "payment declined").
		WithDetail("reason", "insufficient_funds").
		WithDetail("attempt", 2)

	require.NotNil(t, err.Details)
	assert.Equal(t, "insufficient_funds", err.Details["reason"])
	assert.Equal(t, 2, err.Details["attempt"])
}

func TestErrorsAsThroughWrapping(t *testing.T) {
	inner := ErrPaymentDeclined.WithDetail("reason", "do_not_honor")
	outer := fmt.Errorf("charge attempt: %w", inner)

	var derr *DomainError
	require.ErrorAs(t, outer, &derr)
	assert.Equal(t, "do_not_honor", derr.Details["reason"])
}
