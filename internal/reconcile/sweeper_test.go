package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verdantpay/reconciliation-service/internal/adapters/logging"
	"github.com/verdantpay/reconciliation-service/internal/domain"
	"github.com/verdantpay/reconciliation-service/internal/domain/ports"
	"github.com/verdantpay/reconciliation-service/internal/testutil/mocks"
)

type sweeperFixture struct {
	*dispatcherFixture
	client  *mocks.ScriptedTerminal
	sweeper *Sweeper
}

func newSweeperFixture(cfg SweepConfig) *sweeperFixture {
	base := newDispatcherFixture()
	client := &mocks.ScriptedTerminal{}
	return &sweeperFixture{
		dispatcherFixture: base,
		client:            client,
		sweeper:           NewSweeper(base.sessions, client, base.dispatcher, logging.NopLogger{}, cfg),
	}
}

// seedTimedOut creates a session the polling loop gave up on: the session is
// still open and the transaction is FAILED(timeout).
func (f *sweeperFixture) seedTimedOut(t *testing.T, age time.Duration) (*domain.Transaction, *domain.TerminalSession) {
	t.Helper()
	ctx := context.Background()

	timeout := domain.FailureTimeout
	now := time.Now()
	sessionID := uuid.New().String()
	txn := &domain.Transaction{
		ID:                uuid.New().String(),
		Kind:              domain.KindPayment,
		Status:            domain.StatusFailed,
		FailureReason:     &timeout,
		AmountCents:       5000,
		Currency:          "USD",
		TerminalSessionID: &sessionID,
		CreatedAt:         now.Add(-age),
		UpdatedAt:         now.Add(-age),
	}
	require.NoError(t, f.txns.Create(ctx, nil, txn))

	session := &domain.TerminalSession{
		ID:            sessionID,
		TransactionID: txn.ID,
		DeviceID:      "dev-1",
		Currency:      "USD",
		Status:        domain.SessionPending,
		AmountCents:   5000,
		StartedAt:     now.Add(-age),
	}
	require.NoError(t, f.sessions.Create(ctx, session))
	return txn, session
}

func TestSweepCorrectsLateApproval(t *testing.T) {
	f := newSweeperFixture(SweepConfig{OlderThan: time.Minute, Expiry: time.Hour, BatchSize: 10})
	txn, session := f.seedTimedOut(t, 5*time.Minute)

	f.client.PollAnswers = []mocks.PollScript{
		{Result: &ports.PollResult{State: ports.DeviceApproved}},
	}

	report, err := f.sweeper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Examined)
	assert.Equal(t, 1, report.Corrected)
	assert.Equal(t, 0, report.Errors)

	current, err := f.txns.GetByID(context.Background(), nil, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCaptured, current.Status)
	assert.Nil(t, current.FailureReason)
	assert.Equal(t, int64(5000), current.CapturedCents)

	stored, err := f.sessions.GetByID(context.Background(), session.ID)
	require.NoError(t, err)
	assert.True(t, stored.IsFinal())
	assert.Equal(t, domain.SessionApproved, stored.Status)
}

func TestSweepCorrectionAppliesExactlyOnce(t *testing.T) {
	f := newSweeperFixture(SweepConfig{OlderThan: time.Minute, Expiry: time.Hour, BatchSize: 10})
	txn, _ := f.seedTimedOut(t, 5*time.Minute)
	ctx := context.Background()

	f.client.PollAnswers = []mocks.PollScript{
		{Result: &ports.PollResult{State: ports.DeviceApproved}},
	}

	_, err := f.sweeper.Sweep(ctx)
	require.NoError(t, err)

	// the session is now final, so a second sweep finds nothing to do
	report, err := f.sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Examined)

	current, err := f.txns.GetByID(ctx, nil, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCaptured, current.Status)
	assert.Equal(t, int64(1), current.Revision)
}

func TestSweepSkipsFreshSessions(t *testing.T) {
	f := newSweeperFixture(SweepConfig{OlderThan: time.Minute, Expiry: time.Hour, BatchSize: 10})
	f.seedTimedOut(t, 10*time.Second)

	report, err := f.sweeper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.Examined)
}

func TestSweepLeavesUnreachableDeviceForNextRun(t *testing.T) {
	f := newSweeperFixture(SweepConfig{OlderThan: time.Minute, Expiry: time.Hour, BatchSize: 10})
	txn, session := f.seedTimedOut(t, 5*time.Minute)

	f.client.PollAnswers = []mocks.PollScript{
		{Err: domain.ErrDeviceOffline},
	}

	report, err := f.sweeper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Examined)
	assert.Equal(t, 1, report.StillOpen)
	assert.Equal(t, 0, report.Corrected)

	current, err := f.txns.GetByID(context.Background(), nil, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, current.Status)

	stored, err := f.sessions.GetByID(context.Background(), session.ID)
	require.NoError(t, err)
	assert.False(t, stored.IsFinal())
}

func TestSweepExpiresAncientPendingSession(t *testing.T) {
	f := newSweeperFixture(SweepConfig{OlderThan: time.Minute, Expiry: time.Hour, BatchSize: 10})
	_, session := f.seedTimedOut(t, 2*time.Hour)

	// device still says pending after two hours
	f.client.PollAnswers = []mocks.PollScript{
		{Result: &ports.PollResult{State: ports.DevicePending}},
	}

	report, err := f.sweeper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Expired)
	assert.Equal(t, 1, f.client.CancelCalls)

	stored, err := f.sessions.GetByID(context.Background(), session.ID)
	require.NoError(t, err)
	assert.True(t, stored.IsFinal())
	assert.Equal(t, domain.SessionCancelled, stored.Status)
}
