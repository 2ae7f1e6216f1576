package checkout

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verdantpay/reconciliation-service/internal/adapters/logging"
	"github.com/verdantpay/reconciliation-service/internal/domain"
	"github.com/verdantpay/reconciliation-service/internal/domain/ports"
	"github.com/verdantpay/reconciliation-service/internal/idempotency"
	"github.com/verdantpay/reconciliation-service/internal/lifecycle"
	"github.com/verdantpay/reconciliation-service/internal/reconcile"
	"github.com/verdantpay/reconciliation-service/internal/terminal"
	"github.com/verdantpay/reconciliation-service/internal/testutil/mocks"
)

type fixture struct {
	service  *Service
	txns     *mocks.MemoryTransactionRepository
	sessions *mocks.MemorySessionRepository
	gateway  *mocks.ScriptedGateway
	term     *mocks.ScriptedTerminal
}

func newFixture() *fixture {
	logger := logging.NopLogger{}
	txns := mocks.NewMemoryTransactionRepository()
	sessions := mocks.NewMemorySessionRepository()
	payouts := mocks.NewMemoryPayoutRepository()
	gateway := &mocks.ScriptedGateway{}
	term := &mocks.ScriptedTerminal{}

	ledger := idempotency.NewLedger(mocks.NewMemoryIdempotencyRepository(), logger, time.Minute)
	machine := lifecycle.NewMachine(mocks.MemoryDB{}, txns, logger)
	driver := terminal.NewDriver(term, logger, terminal.Config{
		Interval:    2 * time.Millisecond,
		CallTimeout: 50 * time.Millisecond,
		Deadline:    200 * time.Millisecond,
		MaxAttempts: 5,
	})
	dispatcher := reconcile.NewDispatcher(txns, sessions, payouts, machine, logger)

	return &fixture{
		service:  NewService(mocks.MemoryDB{}, txns, sessions, gateway, term, ledger, machine, driver, dispatcher, logger),
		txns:     txns,
		sessions: sessions,
		gateway:  gateway,
		term:     term,
	}
}

func chargeReq(key string) ChargeRequest {
	return ChargeRequest{
		IdempotencyKey: key,
		AmountCents:    5000,
		Currency:       "USD",
		Token:          "tok_visa",
		Capture:        true,
	}
}

func TestChargeCaptured(t *testing.T) {
	f := newFixture()

	result, err := f.service.Charge(context.Background(), chargeReq("key-1"))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCaptured, result.Status)
	assert.False(t, result.Replayed)

	txn, err := f.txns.GetByID(context.Background(), nil, result.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), txn.CapturedCents)
	require.NotNil(t, txn.GatewayChargeID)
	assert.Len(t, f.gateway.ChargeCalls, 1)
}

func TestChargeReplayDoesNotHitGatewayAgain(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	first, err := f.service.Charge(ctx, chargeReq("key-1"))
	require.NoError(t, err)

	second, err := f.service.Charge(ctx, chargeReq("key-1"))
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.TransactionID, second.TransactionID)
	assert.Equal(t, first.Status, second.Status)
	assert.Len(t, f.gateway.ChargeCalls, 1)
}

func TestChargeDeclinedIsResultNotError(t *testing.T) {
	f := newFixture()
	f.gateway.ChargeResponses = []mocks.ChargeScript{
		{Response: &ports.ChargeResponse{ID: "ch_1", Status: ports.ChargeStatusDeclined, DeclineReason: "insufficient_funds"}},
	}

	result, err := f.service.Charge(context.Background(), chargeReq("key-1"))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, result.Status)
	assert.Equal(t, "insufficient_funds", result.FailureReason)

	// the decline is the committed result; a replay returns it unchanged
	replay, err := f.service.Charge(context.Background(), chargeReq("key-1"))
	require.NoError(t, err)
	assert.True(t, replay.Replayed)
	assert.Equal(t, domain.StatusFailed, replay.Status)
	assert.Len(t, f.gateway.ChargeCalls, 1)
}

func TestChargeTransientGatewayRetriesThenSucceeds(t *testing.T) {
	f := newFixture()
	f.gateway.ChargeResponses = []mocks.ChargeScript{
		{Err: domain.ErrGatewayUnavailable},
		{Response: &ports.ChargeResponse{ID: "ch_1", Status: ports.ChargeStatusCaptured}},
	}

	result, err := f.service.Charge(context.Background(), chargeReq("key-1"))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCaptured, result.Status)
	assert.Len(t, f.gateway.ChargeCalls, 2)
}

func TestChargeGatewayDownReleasesKey(t *testing.T) {
	f := newFixture()
	f.gateway.ChargeResponses = []mocks.ChargeScript{
		{Err: domain.ErrGatewayUnavailable},
		{Err: domain.ErrGatewayUnavailable},
		{Err: domain.ErrGatewayUnavailable},
	}

	_, err := f.service.Charge(context.Background(), chargeReq("key-1"))
	require.Error(t, err)
	assert.True(t, domain.IsTransientError(err))

	// the key is free again immediately, not locked for the grace window
	result, err := f.service.Charge(context.Background(), chargeReq("key-1"))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCaptured, result.Status)
}

func TestChargeValidation(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	tests := []struct {
		name string
		req  ChargeRequest
	}{
		{name: "zero amount", req: ChargeRequest{IdempotencyKey: "k", AmountCents: 0, Currency: "USD", Token: "t"}},
		{name: "negative amount", req: ChargeRequest{IdempotencyKey: "k", AmountCents: -100, Currency: "USD", Token: "t"}},
		{name: "missing currency", req: ChargeRequest{IdempotencyKey: "k", AmountCents: 100, Token: "t"}},
		{name: "missing token", req: ChargeRequest{IdempotencyKey: "k", AmountCents: 100, Currency: "USD"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.service.Charge(ctx, tt.req)
			require.Error(t, err)
			assert.True(t, domain.IsValidationError(err))
		})
	}
	assert.Empty(t, f.gateway.ChargeCalls)
}

func TestRefundPartialThenFullThenRejected(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	charged, err := f.service.Charge(ctx, chargeReq("key-charge"))
	require.NoError(t, err)

	partial, err := f.service.Refund(ctx, RefundRequest{
		IdempotencyKey: "key-r1",
		TransactionID:  charged.TransactionID,
		AmountCents:    2000,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPartiallyRefunded, partial.Status)

	full, err := f.service.Refund(ctx, RefundRequest{
		IdempotencyKey: "key-r2",
		TransactionID:  charged.TransactionID,
		AmountCents:    3000,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRefunded, full.Status)

	// over-refund is rejected before the gateway is consulted
	_, err = f.service.Refund(ctx, RefundRequest{
		IdempotencyKey: "key-r3",
		TransactionID:  charged.TransactionID,
		AmountCents:    1,
	})
	require.Error(t, err)
	assert.Len(t, f.gateway.RefundCalls, 2)
}

func TestRefundExceedingRemainingRejected(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	charged, err := f.service.Charge(ctx, chargeReq("key-charge"))
	require.NoError(t, err)

	_, err = f.service.Refund(ctx, RefundRequest{
		IdempotencyKey: "key-r1",
		TransactionID:  charged.TransactionID,
		AmountCents:    6000,
	})
	require.Error(t, err)
	assert.Equal(t, domain.ErrorCodeTxnRefundExceeded, domain.GetErrorCode(err))
	assert.Empty(t, f.gateway.RefundCalls)
}

func TestRefundReplayReturnsStoredResult(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	charged, err := f.service.Charge(ctx, chargeReq("key-charge"))
	require.NoError(t, err)

	req := RefundRequest{
		IdempotencyKey: "key-r1",
		TransactionID:  charged.TransactionID,
		AmountCents:    2000,
	}

	first, err := f.service.Refund(ctx, req)
	require.NoError(t, err)

	second, err := f.service.Refund(ctx, req)
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.Status, second.Status)
	assert.Len(t, f.gateway.RefundCalls, 1)

	txn, err := f.txns.GetByID(ctx, nil, charged.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, int64(2000), txn.RefundedCents)
}

func terminalReq(key string) TerminalChargeRequest {
	return TerminalChargeRequest{
		IdempotencyKey: key,
		AmountCents:    5000,
		Currency:       "USD",
		DeviceID:       "dev-1",
	}
}

func TestTerminalChargeApproved(t *testing.T) {
	f := newFixture()
	f.term.PollAnswers = []mocks.PollScript{
		{Result: &ports.PollResult{State: ports.DevicePending}},
		{Result: &ports.PollResult{State: ports.DeviceApproved}},
	}

	result, err := f.service.TerminalCharge(context.Background(), terminalReq("key-t1"))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCaptured, result.Status)

	txn, err := f.txns.GetByID(context.Background(), nil, result.TransactionID)
	require.NoError(t, err)
	require.NotNil(t, txn.TerminalSessionID)

	session, err := f.sessions.GetByID(context.Background(), *txn.TerminalSessionID)
	require.NoError(t, err)
	assert.True(t, session.IsFinal())
	assert.Equal(t, domain.SessionApproved, session.Status)
}

func TestTerminalChargeDeclined(t *testing.T) {
	f := newFixture()
	f.term.PollAnswers = []mocks.PollScript{
		{Result: &ports.PollResult{State: ports.DeviceDeclined, Reason: "card_removed"}},
	}

	result, err := f.service.TerminalCharge(context.Background(), terminalReq("key-t1"))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, result.Status)
	assert.Equal(t, "card_removed", result.FailureReason)
}

func TestTerminalChargeTimeoutLeavesSessionOpen(t *testing.T) {
	f := newFixture() // device pending forever, 5 attempt budget

	result, err := f.service.TerminalCharge(context.Background(), terminalReq("key-t1"))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, result.Status)
	assert.Equal(t, domain.FailureTimeout, result.FailureReason)

	txn, err := f.txns.GetByID(context.Background(), nil, result.TransactionID)
	require.NoError(t, err)
	require.NotNil(t, txn.TerminalSessionID)

	// open session is the sweep's handle for correcting the timeout later
	session, err := f.sessions.GetByID(context.Background(), *txn.TerminalSessionID)
	require.NoError(t, err)
	assert.False(t, session.IsFinal())
}

func TestTimeoutThenSweepCorrectionAppliesExactlyOnce(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	result, err := f.service.TerminalCharge(ctx, terminalReq("key-t1"))
	require.NoError(t, err)
	require.Equal(t, domain.StatusFailed, result.Status)

	// the device approved after the polling loop quit
	f.term.PollAnswers = []mocks.PollScript{
		{Result: &ports.PollResult{State: ports.DeviceApproved}},
	}
	f.term.PollCalls = 0

	payouts := mocks.NewMemoryPayoutRepository()
	machine := lifecycle.NewMachine(mocks.MemoryDB{}, f.txns, logging.NopLogger{})
	dispatcher := reconcile.NewDispatcher(f.txns, f.sessions, payouts, machine, logging.NopLogger{})
	sweeper := reconcile.NewSweeper(f.sessions, f.term, dispatcher, logging.NopLogger{},
		reconcile.SweepConfig{OlderThan: time.Nanosecond, Expiry: time.Hour, BatchSize: 10})

	report, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Corrected)

	txn, err := f.txns.GetByID(ctx, nil, result.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCaptured, txn.Status)
	assert.Equal(t, int64(5000), txn.CapturedCents)

	// second sweep: nothing left to do
	report, err = sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Corrected)
}
