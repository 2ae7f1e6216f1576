package terminal

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verdantpay/reconciliation-service/internal/adapters/logging"
	"github.com/verdantpay/reconciliation-service/internal/domain"
	"github.com/verdantpay/reconciliation-service/internal/domain/ports"
	"github.com/verdantpay/reconciliation-service/internal/testutil/mocks"
)

func fastConfig() Config {
	return Config{
		Interval:    5 * time.Millisecond,
		CallTimeout: 50 * time.Millisecond,
		Deadline:    500 * time.Millisecond,
		MaxAttempts: 10,
	}
}

func pending() PollScript { return PollScript{Result: &ports.PollResult{State: ports.DevicePending}} }

type PollScript = mocks.PollScript

func TestRunApprovedAfterPendings(t *testing.T) {
	client := &mocks.ScriptedTerminal{
		PollAnswers: []PollScript{
			pending(), pending(), pending(),
			{Result: &ports.PollResult{State: ports.DeviceApproved}},
		},
	}
	d := NewDriver(client, logging.NopLogger{}, fastConfig())

	outcome, err := d.Run(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeApproved, outcome.Kind)
	assert.Equal(t, 4, outcome.Attempts)
}

func TestRunDeclinedIsFinal(t *testing.T) {
	answers := make([]PollScript, 0, 10)
	for i := 0; i < 9; i++ {
		answers = append(answers, pending())
	}
	answers = append(answers, PollScript{Result: &ports.PollResult{State: ports.DeviceDeclined, Reason: "insufficient_funds"}})
	client := &mocks.ScriptedTerminal{PollAnswers: answers}
	d := NewDriver(client, logging.NopLogger{}, fastConfig())

	outcome, err := d.Run(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeDeclined, outcome.Kind)
	assert.Equal(t, "insufficient_funds", outcome.Reason)
	assert.Equal(t, 10, outcome.Attempts)
}

func TestRunOfflineDoesNotEndRun(t *testing.T) {
	// device unreachable twice, then answers; offline consumes attempts but is
	// not a decline
	client := &mocks.ScriptedTerminal{
		PollAnswers: []PollScript{
			{Err: domain.ErrDeviceOffline},
			{Err: domain.ErrDeviceOffline},
			{Result: &ports.PollResult{State: ports.DeviceApproved}},
		},
	}
	d := NewDriver(client, logging.NopLogger{}, fastConfig())

	outcome, err := d.Run(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeApproved, outcome.Kind)
	assert.Equal(t, 3, outcome.Attempts)
}

func TestRunAttemptBudgetExhaustedIsTimeout(t *testing.T) {
	client := &mocks.ScriptedTerminal{} // pending forever
	cfg := fastConfig()
	cfg.MaxAttempts = 9
	d := NewDriver(client, logging.NopLogger{}, cfg)

	outcome, err := d.Run(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeTimeout, outcome.Kind)
	assert.Equal(t, 9, outcome.Attempts)
}

func TestRunDeadlineExceededIsTimeout(t *testing.T) {
	client := &mocks.ScriptedTerminal{} // pending forever
	cfg := fastConfig()
	cfg.Deadline = 30 * time.Millisecond
	cfg.MaxAttempts = 1000
	d := NewDriver(client, logging.NopLogger{}, cfg)

	outcome, err := d.Run(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeTimeout, outcome.Kind)
	assert.Less(t, outcome.Attempts, 1000)
}

func TestRunCallerCancelIsAbandoned(t *testing.T) {
	client := &mocks.ScriptedTerminal{} // pending forever
	d := NewDriver(client, logging.NopLogger{}, fastConfig())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(15 * time.Millisecond)
		cancel()
	}()

	outcome, err := d.Run(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeAbandoned, outcome.Kind)
}

func TestRunUnexpectedErrorSurfaces(t *testing.T) {
	client := &mocks.ScriptedTerminal{
		PollAnswers: []PollScript{
			{Err: domain.ErrInternalError},
		},
	}
	d := NewDriver(client, logging.NopLogger{}, fastConfig())

	_, err := d.Run(context.Background(), "sess-1")
	require.Error(t, err)
	assert.Equal(t, domain.ErrorCodeInternalError, domain.GetErrorCode(err))
}
