package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/verdantpay/reconciliation-service/internal/domain"
	"github.com/verdantpay/reconciliation-service/internal/domain/ports"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := DefaultConfig(srv.URL, "sk_test_123")
	cfg.Timeout = time.Second
	return NewClient(cfg, zap.NewNop())
}

func chargeReq() ports.ChargeRequest {
	return ports.ChargeRequest{
		AmountCents:    5000,
		Currency:       "USD",
		Token:          "tok_visa",
		IdempotencyKey: "key-1",
		Capture:        true,
	}
}

func TestCreateChargeCaptured(t *testing.T) {
	var gotAuth, gotKey string
	var gotBody chargePayload

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotKey = r.Header.Get("Idempotency-Key")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		json.NewEncoder(w).Encode(chargeResult{ID: "ch_123", Status: "captured"})
	})

	resp, err := client.CreateCharge(context.Background(), chargeReq())
	require.NoError(t, err)
	assert.Equal(t, "ch_123", resp.ID)
	assert.Equal(t, ports.ChargeStatusCaptured, resp.Status)
	assert.Equal(t, "Bearer sk_test_123", gotAuth)
	assert.Equal(t, "key-1", gotKey)
	assert.Equal(t, int64(5000), gotBody.AmountCents)
	assert.True(t, gotBody.Capture)
}

func TestCreateChargeDeclinedBody(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(chargeResult{ID: "ch_123", Status: "declined", DeclineReason: "insufficient_funds"})
	})

	resp, err := client.CreateCharge(context.Background(), chargeReq())
	require.NoError(t, err)
	assert.Equal(t, ports.ChargeStatusDeclined, resp.Status)
	assert.Equal(t, "insufficient_funds", resp.DeclineReason)
}

func TestCreateChargeDeclinedStatusCode(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"error": map[string]string{"code": "card_expired", "message": "card has expired"},
		})
	})

	_, err := client.CreateCharge(context.Background(), chargeReq())
	require.Error(t, err)
	assert.True(t, domain.IsPermanentDecline(err))

	var derr *domain.DomainError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, "card_expired", derr.Details["reason"])
}

func TestCreateChargeServerErrorIsTransient(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := client.CreateCharge(context.Background(), chargeReq())
	require.Error(t, err)
	assert.True(t, domain.IsTransientError(err))
}

func TestCreateChargeUnreachableIsTransient(t *testing.T) {
	cfg := DefaultConfig("http://127.0.0.1:1", "sk_test_123")
	cfg.Timeout = 100 * time.Millisecond
	client := NewClient(cfg, zap.NewNop())

	_, err := client.CreateCharge(context.Background(), chargeReq())
	require.Error(t, err)
	assert.True(t, domain.IsTransientError(err))
}

func TestCreateChargeValidationRejection(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"error": map[string]string{"code": "invalid_token", "message": "unknown payment token"},
		})
	})

	_, err := client.CreateCharge(context.Background(), chargeReq())
	require.Error(t, err)
	assert.True(t, domain.IsValidationError(err))
	assert.Contains(t, err.Error(), "unknown payment token")
}

func TestBreakerOpensAfterRepeatedServerErrors(t *testing.T) {
	calls := 0
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	})
	client.breaker = NewCircuitBreaker(CircuitBreakerConfig{
		MaxFailures:         2,
		Timeout:             time.Minute,
		MaxRequestsHalfOpen: 1,
	})

	for i := 0; i < 2; i++ {
		_, err := client.CreateCharge(context.Background(), chargeReq())
		require.Error(t, err)
	}
	require.Equal(t, 2, calls)

	_, err := client.CreateCharge(context.Background(), chargeReq())
	require.Error(t, err)
	assert.True(t, domain.IsTransientError(err))
	assert.Equal(t, 2, calls)
}

func TestHealthyReflectsBreakerState(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	client.breaker = NewCircuitBreaker(CircuitBreakerConfig{
		MaxFailures:         2,
		Timeout:             time.Minute,
		MaxRequestsHalfOpen: 1,
	})

	require.NoError(t, client.Healthy())

	for i := 0; i < 2; i++ {
		_, err := client.CreateCharge(context.Background(), chargeReq())
		require.Error(t, err)
	}

	err := client.Healthy()
	require.Error(t, err)
	assert.True(t, domain.IsTransientError(err))
}

func TestDeclinesDoNotTripBreaker(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"error": map[string]string{"code": "do_not_honor"},
		})
	})
	client.breaker = NewCircuitBreaker(CircuitBreakerConfig{
		MaxFailures:         2,
		Timeout:             time.Minute,
		MaxRequestsHalfOpen: 1,
	})

	for i := 0; i < 5; i++ {
		_, err := client.CreateCharge(context.Background(), chargeReq())
		require.True(t, domain.IsPermanentDecline(err))
	}

	assert.Equal(t, StateClosed, client.breaker.State())
}

func TestCreateRefund(t *testing.T) {
	var gotBody refundPayload
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/refunds", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		json.NewEncoder(w).Encode(chargeResult{ID: "re_1", Status: "captured"})
	})

	resp, err := client.CreateRefund(context.Background(), ports.RefundRequest{
		ChargeID:       "ch_123",
		AmountCents:    2000,
		IdempotencyKey: "key-r",
	})
	require.NoError(t, err)
	assert.Equal(t, "re_1", resp.ID)
	assert.Equal(t, "ch_123", gotBody.ChargeID)
}
