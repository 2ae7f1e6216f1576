package reconcile

import (
	"context"
	"time"

	"github.com/verdantpay/reconciliation-service/internal/domain"
	"github.com/verdantpay/reconciliation-service/internal/domain/ports"
	"github.com/verdantpay/reconciliation-service/pkg/observability"
)

// SweepConfig bounds one reconciliation sweep
type SweepConfig struct {
	// OlderThan keeps the sweep off sessions a live polling loop may still own
	OlderThan time.Duration
	// Expiry is the age past which a still-pending session is cancelled on the
	// device and closed out
	Expiry    time.Duration
	BatchSize int32
}

// DefaultSweepConfig sweeps sessions idle for 2 minutes and expires them after
// 24 hours
func DefaultSweepConfig() SweepConfig {
	return SweepConfig{
		OlderThan: 2 * time.Minute,
		Expiry:    24 * time.Hour,
		BatchSize: 100,
	}
}

// SweepReport summarizes one sweep run
type SweepReport struct {
	Examined  int `json:"examined"`
	Corrected int `json:"corrected"`
	Expired   int `json:"expired"`
	StillOpen int `json:"still_open"`
	Errors    int `json:"errors"`
}

// Sweeper revisits terminal sessions the polling loop gave up on. A session
// whose device transaction completed after the timeout gets its late result
// applied, turning FAILED(timeout) into the true outcome. This is the only
// path that moves a transaction out of FAILED.
type Sweeper struct {
	sessions   ports.SessionRepository
	client     ports.TerminalClient
	dispatcher *Dispatcher
	logger     ports.Logger
	cfg        SweepConfig
}

// NewSweeper creates a reconciliation sweeper
func NewSweeper(sessions ports.SessionRepository, client ports.TerminalClient, dispatcher *Dispatcher, logger ports.Logger, cfg SweepConfig) *Sweeper {
	if cfg.OlderThan <= 0 {
		cfg.OlderThan = DefaultSweepConfig().OlderThan
	}
	if cfg.Expiry <= 0 {
		cfg.Expiry = DefaultSweepConfig().Expiry
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultSweepConfig().BatchSize
	}
	return &Sweeper{sessions: sessions, client: client, dispatcher: dispatcher, logger: logger, cfg: cfg}
}

// Sweep polls every stale open session once and applies whatever the device
// now reports. Individual session failures are counted, logged, and do not
// stop the run.
func (s *Sweeper) Sweep(ctx context.Context) (SweepReport, error) {
	var report SweepReport

	cutoff := time.Now().Add(-s.cfg.OlderThan)
	pending, err := s.sessions.ListPendingOlderThan(ctx, cutoff, s.cfg.BatchSize)
	if err != nil {
		observability.RecordSweepRun("error")
		return report, err
	}

	for _, session := range pending {
		if ctx.Err() != nil {
			observability.RecordSweepRun("error")
			return report, ctx.Err()
		}

		report.Examined++
		if err := s.sweepSession(ctx, session, &report); err != nil {
			report.Errors++
			s.logger.Error("sweep failed for session",
				ports.String("session_id", session.ID),
				ports.Err(err))
		}
	}

	observability.RecordSweepRun("ok")
	s.logger.Info("reconciliation sweep finished",
		ports.Int("examined", report.Examined),
		ports.Int("corrected", report.Corrected),
		ports.Int("expired", report.Expired),
		ports.Int("still_open", report.StillOpen),
		ports.Int("errors", report.Errors))
	return report, nil
}

func (s *Sweeper) sweepSession(ctx context.Context, session *domain.TerminalSession, report *SweepReport) error {
	res, err := s.client.PollSession(ctx, session.ID)
	if err != nil {
		if domain.IsTransientError(err) {
			// device unreachable, leave it for the next run
			report.StillOpen++
			return nil
		}
		return err
	}

	switch res.State {
	case ports.DeviceApproved, ports.DeviceDeclined, ports.DeviceCancelled:
		outcome := outcomeFor(res)
		if err := s.dispatcher.ApplyPollOutcome(ctx, domain.SourceSweep, session, outcome); err != nil {
			return err
		}
		report.Corrected++
		observability.RecordSweepCorrection()
		s.logger.Info("applied late device result",
			ports.String("session_id", session.ID),
			ports.String("transaction_id", session.TransactionID),
			ports.String("outcome", string(outcome.Kind)))
		return nil

	default:
		if time.Since(session.StartedAt) < s.cfg.Expiry {
			report.StillOpen++
			return nil
		}
		// the device will never finish this one; cancel and close out
		if err := s.client.CancelSession(ctx, session.ID); err != nil && !domain.IsTransientError(err) {
			return err
		}
		outcome := domain.PollOutcome{Kind: domain.OutcomeCancelled, RawResponse: res.Raw}
		if err := s.dispatcher.ApplyPollOutcome(ctx, domain.SourceSweep, session, outcome); err != nil {
			return err
		}
		report.Expired++
		return nil
	}
}

func outcomeFor(res *ports.PollResult) domain.PollOutcome {
	switch res.State {
	case ports.DeviceApproved:
		return domain.PollOutcome{Kind: domain.OutcomeApproved, RawResponse: res.Raw, Attempts: 1}
	case ports.DeviceDeclined:
		return domain.PollOutcome{Kind: domain.OutcomeDeclined, Reason: res.Reason, RawResponse: res.Raw, Attempts: 1}
	default:
		return domain.PollOutcome{Kind: domain.OutcomeCancelled, RawResponse: res.Raw, Attempts: 1}
	}
}
