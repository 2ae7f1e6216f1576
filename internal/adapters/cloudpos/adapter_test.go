package cloudpos

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/verdantpay/reconciliation-service/internal/domain"
	"github.com/verdantpay/reconciliation-service/internal/domain/ports"
)

func newTestAdapter(t *testing.T, handler http.HandlerFunc) *Adapter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewAdapter(DefaultConfig(srv.URL, "fleet_key"), zap.NewNop())
}

func TestStartSession(t *testing.T) {
	var gotBody createSessionRequest
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/terminal/sessions", r.URL.Path)
		assert.Equal(t, "Bearer fleet_key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		json.NewEncoder(w).Encode(sessionResource{SessionID: "cp_sess_1", State: "pending"})
	})

	ref, err := adapter.StartSession(context.Background(), "dev-7", 5000, "USD")
	require.NoError(t, err)
	assert.Equal(t, "cp_sess_1", ref)
	assert.Equal(t, int64(5000), gotBody.AmountCents)
	assert.Equal(t, "dev-7", gotBody.DeviceID)
}

func TestPollSessionStates(t *testing.T) {
	tests := []struct {
		vendor string
		want   ports.DeviceState
	}{
		{"pending", ports.DevicePending},
		{"presented", ports.DevicePending},
		{"processing", ports.DevicePending},
		{"approved", ports.DeviceApproved},
		{"declined", ports.DeviceDeclined},
		{"cancelled", ports.DeviceCancelled},
		{"expired", ports.DeviceCancelled},
	}

	for _, tt := range tests {
		t.Run(tt.vendor, func(t *testing.T) {
			adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/v1/terminal/sessions/cp_sess_1", r.URL.Path)
				json.NewEncoder(w).Encode(sessionResource{SessionID: "cp_sess_1", State: tt.vendor})
			})

			result, err := adapter.PollSession(context.Background(), "cp_sess_1")
			require.NoError(t, err)
			assert.Equal(t, tt.want, result.State)
			assert.NotEmpty(t, result.Raw)
		})
	}
}

func TestPollSessionDeclineReason(t *testing.T) {
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(sessionResource{SessionID: "cp_sess_1", State: "declined", DeclineReason: "card_removed"})
	})

	result, err := adapter.PollSession(context.Background(), "cp_sess_1")
	require.NoError(t, err)
	assert.Equal(t, ports.DeviceDeclined, result.State)
	assert.Equal(t, "card_removed", result.Reason)
}

func TestPollSessionServerErrorIsTransient(t *testing.T) {
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	_, err := adapter.PollSession(context.Background(), "cp_sess_1")
	require.Error(t, err)
	assert.True(t, domain.IsTransientError(err))
}

func TestPollSessionUnreachableIsTransient(t *testing.T) {
	adapter := NewAdapter(DefaultConfig("http://127.0.0.1:1", "fleet_key"), zap.NewNop())

	_, err := adapter.PollSession(context.Background(), "cp_sess_1")
	require.Error(t, err)
	assert.True(t, domain.IsTransientError(err))
}

func TestPollSessionUnknownSession(t *testing.T) {
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	_, err := adapter.PollSession(context.Background(), "cp_sess_missing")
	assert.Equal(t, domain.ErrorCodeSessionNotFound, domain.GetErrorCode(err))
}

func TestCancelSession(t *testing.T) {
	cancelled := false
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		cancelled = true
		w.WriteHeader(http.StatusNoContent)
	})

	require.NoError(t, adapter.CancelSession(context.Background(), "cp_sess_1"))
	assert.True(t, cancelled)
}

func TestCancelFinishedSessionIsNotAnError(t *testing.T) {
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	assert.NoError(t, adapter.CancelSession(context.Background(), "cp_sess_done"))
}
