package lanepoint

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
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
	return NewAdapter(DefaultConfig(srv.URL, "mk_lane_1"), zap.NewNop())
}

func answer(w http.ResponseWriter, fields url.Values) {
	w.Header().Set("Content-Type", "application/x-www-form-urlencoded")
	w.Write([]byte(fields.Encode()))
}

func TestStartSession(t *testing.T) {
	var gotForm url.Values
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		gotForm = r.PostForm
		answer(w, url.Values{"RESULT": {"00"}, "SESSION_REF": {"lp_sess_1"}})
	})

	ref, err := adapter.StartSession(context.Background(), "lane-3", 7500, "USD")
	require.NoError(t, err)
	assert.Equal(t, "lp_sess_1", ref)
	assert.Equal(t, "SESSION_START", gotForm.Get("ACTION"))
	assert.Equal(t, "lane-3", gotForm.Get("DEVICE_ID"))
	assert.Equal(t, "7500", gotForm.Get("AMOUNT_CENTS"))
	assert.Equal(t, "mk_lane_1", gotForm.Get("MERCHANT_KEY"))
}

func TestPollSessionStates(t *testing.T) {
	tests := []struct {
		vendor string
		want   ports.DeviceState
	}{
		{"ARMED", ports.DevicePending},
		{"CARD_PRESENTED", ports.DevicePending},
		{"PROCESSING", ports.DevicePending},
		{"APPROVED", ports.DeviceApproved},
		{"DECLINED", ports.DeviceDeclined},
		{"CANCELLED", ports.DeviceCancelled},
		{"EXPIRED", ports.DeviceCancelled},
	}

	for _, tt := range tests {
		t.Run(tt.vendor, func(t *testing.T) {
			adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
				answer(w, url.Values{"RESULT": {"00"}, "STATE": {tt.vendor}})
			})

			result, err := adapter.PollSession(context.Background(), "lp_sess_1")
			require.NoError(t, err)
			assert.Equal(t, tt.want, result.State)
		})
	}
}

func TestPollSessionDeclineReason(t *testing.T) {
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		answer(w, url.Values{
			"RESULT":         {"00"},
			"STATE":          {"DECLINED"},
			"DECLINE_REASON": {"insufficient_funds"},
		})
	})

	result, err := adapter.PollSession(context.Background(), "lp_sess_1")
	require.NoError(t, err)
	assert.Equal(t, ports.DeviceDeclined, result.State)
	assert.Equal(t, "insufficient_funds", result.Reason)
	assert.Contains(t, string(result.Raw), "DECLINED")
}

func TestPollSessionUnknownSession(t *testing.T) {
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		answer(w, url.Values{"RESULT": {"90"}, "RESULT_TEXT": {"unknown session"}})
	})

	_, err := adapter.PollSession(context.Background(), "lp_sess_missing")
	assert.Equal(t, domain.ErrorCodeSessionNotFound, domain.GetErrorCode(err))
}

func TestPollSessionControllerDownIsTransient(t *testing.T) {
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := adapter.PollSession(context.Background(), "lp_sess_1")
	require.Error(t, err)
	assert.True(t, domain.IsTransientError(err))
}

func TestPollSessionUnreachableIsTransient(t *testing.T) {
	adapter := NewAdapter(DefaultConfig("http://127.0.0.1:1", "mk_lane_1"), zap.NewNop())

	_, err := adapter.PollSession(context.Background(), "lp_sess_1")
	require.Error(t, err)
	assert.True(t, domain.IsTransientError(err))
}

func TestCancelSession(t *testing.T) {
	var gotAction string
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		gotAction = r.PostForm.Get("ACTION")
		answer(w, url.Values{"RESULT": {"00"}})
	})

	require.NoError(t, adapter.CancelSession(context.Background(), "lp_sess_1"))
	assert.Equal(t, "SESSION_CANCEL", gotAction)
}

func TestCancelFinishedSessionIsNotAnError(t *testing.T) {
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		answer(w, url.Values{"RESULT": {"90"}})
	})

	assert.NoError(t, adapter.CancelSession(context.Background(), "lp_sess_done"))
}

func TestControllerRejectionIsValidationError(t *testing.T) {
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		answer(w, url.Values{"RESULT": {"12"}, "RESULT_TEXT": {"device busy"}})
	})

	_, err := adapter.StartSession(context.Background(), "lane-3", 7500, "USD")
	require.Error(t, err)
	assert.True(t, domain.IsValidationError(err))
	assert.Contains(t, err.Error(), "device busy")
}
