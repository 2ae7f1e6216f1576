package terminal

import (
	"context"
	"time"

	"github.com/verdantpay/reconciliation-service/internal/domain"
	"github.com/verdantpay/reconciliation-service/internal/domain/ports"
	"github.com/verdantpay/reconciliation-service/pkg/observability"
)

// Config bounds one polling run. Every run ends: either with a device-final
// answer or because the deadline, the attempt budget, or the caller said stop.
type Config struct {
	Interval    time.Duration // fixed wait between polls
	CallTimeout time.Duration // budget for a single poll call
	Deadline    time.Duration // overall wall-clock budget for the run
	MaxAttempts int
}

// DefaultConfig polls every 2s for up to 90s or 40 attempts
func DefaultConfig() Config {
	return Config{
		Interval:    2 * time.Second,
		CallTimeout: 5 * time.Second,
		Deadline:    90 * time.Second,
		MaxAttempts: 40,
	}
}

// Driver drives a terminal session to completion by polling the device at a
// fixed interval. A device that stays pending past the budget yields a timeout
// outcome; the device-side transaction may still complete afterwards, which is
// the reconciliation sweep's problem, not the driver's.
type Driver struct {
	client ports.TerminalClient
	logger ports.Logger
	cfg    Config
}

// NewDriver creates a poll driver
func NewDriver(client ports.TerminalClient, logger ports.Logger, cfg Config) *Driver {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultConfig().CallTimeout
	}
	if cfg.Deadline <= 0 {
		cfg.Deadline = DefaultConfig().Deadline
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	return &Driver{client: client, logger: logger, cfg: cfg}
}

// Run polls sessionRef until a final outcome. Cancelling ctx yields an
// abandoned outcome, never an error; a device decline is an outcome, not an
// error. Only unexpected client failures return an error.
func (d *Driver) Run(ctx context.Context, sessionRef string) (domain.PollOutcome, error) {
	start := time.Now()
	runCtx, cancel := context.WithTimeout(ctx, d.cfg.Deadline)
	defer cancel()

	outcome, err := d.poll(ctx, runCtx, sessionRef)
	if err != nil {
		return domain.PollOutcome{}, err
	}

	observability.RecordPollRun(string(outcome.Kind), time.Since(start).Seconds())
	d.logger.Info("terminal polling run finished",
		ports.String("session_ref", sessionRef),
		ports.String("outcome", string(outcome.Kind)),
		ports.Int("attempts", outcome.Attempts),
		ports.Duration("elapsed", time.Since(start)))
	return outcome, nil
}

func (d *Driver) poll(parent, runCtx context.Context, sessionRef string) (domain.PollOutcome, error) {
	attempts := 0

	for attempts < d.cfg.MaxAttempts {
		attempts++

		callCtx, cancelCall := context.WithTimeout(runCtx, d.cfg.CallTimeout)
		res, err := d.client.PollSession(callCtx, sessionRef)
		cancelCall()

		switch {
		case err == nil:
			switch res.State {
			case ports.DeviceApproved:
				observability.RecordPollAttempt("approved")
				return domain.PollOutcome{Kind: domain.OutcomeApproved, RawResponse: res.Raw, Attempts: attempts}, nil
			case ports.DeviceDeclined:
				observability.RecordPollAttempt("declined")
				return domain.PollOutcome{Kind: domain.OutcomeDeclined, Reason: res.Reason, RawResponse: res.Raw, Attempts: attempts}, nil
			case ports.DeviceCancelled:
				observability.RecordPollAttempt("cancelled")
				return domain.PollOutcome{Kind: domain.OutcomeCancelled, RawResponse: res.Raw, Attempts: attempts}, nil
			default:
				observability.RecordPollAttempt("pending")
			}

		case domain.IsTransientError(err):
			// a flapping network or a briefly offline device consumes budget
			// but does not end the run
			observability.RecordPollAttempt("offline")
			d.logger.Warn("terminal poll attempt failed, device unreachable",
				ports.String("session_ref", sessionRef),
				ports.Int("attempt", attempts),
				ports.Err(err))

		case runCtx.Err() != nil:
			return d.giveUp(parent, attempts), nil

		default:
			return domain.PollOutcome{}, err
		}

		select {
		case <-time.After(d.cfg.Interval):
		case <-runCtx.Done():
			return d.giveUp(parent, attempts), nil
		}
	}

	return domain.PollOutcome{Kind: domain.OutcomeTimeout, Attempts: attempts}, nil
}

// giveUp distinguishes the caller walking away from the run outliving its
// deadline. Only the latter is a timeout eligible for sweep correction.
func (d *Driver) giveUp(parent context.Context, attempts int) domain.PollOutcome {
	if parent.Err() != nil {
		return domain.PollOutcome{Kind: domain.OutcomeAbandoned, Attempts: attempts}
	}
	return domain.PollOutcome{Kind: domain.OutcomeTimeout, Attempts: attempts}
}
