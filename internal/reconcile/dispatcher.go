package reconcile

import (
	"context"
	"time"

	"github.com/verdantpay/reconciliation-service/internal/domain"
	"github.com/verdantpay/reconciliation-service/internal/domain/ports"
	"github.com/verdantpay/reconciliation-service/internal/lifecycle"
)

// Dispatcher routes deduplicated gateway events and terminal poll results onto
// the owning transactions. Routing is idempotent end to end: any single update
// may be delivered any number of times, concurrently, and the entity converges
// to the same state.
type Dispatcher struct {
	txns     ports.TransactionRepository
	sessions ports.SessionRepository
	payouts  ports.PayoutRepository
	machine  *lifecycle.Machine
	logger   ports.Logger
}

// NewDispatcher creates a reconciliation dispatcher
func NewDispatcher(
	txns ports.TransactionRepository,
	sessions ports.SessionRepository,
	payouts ports.PayoutRepository,
	machine *lifecycle.Machine,
	logger ports.Logger,
) *Dispatcher {
	return &Dispatcher{
		txns:     txns,
		sessions: sessions,
		payouts:  payouts,
		machine:  machine,
		logger:   logger,
	}
}

// ProcessEvent applies the effects of one stored webhook event. An error means
// the event stays unprocessed and will be retried; a nil return means its
// effects are durably in place (including the case where the event was stale
// and deliberately discarded).
func (d *Dispatcher) ProcessEvent(ctx context.Context, e *domain.WebhookEvent) error {
	payload, err := e.ParsePayload()
	if err != nil {
		return err
	}

	switch e.Type {
	case domain.EventChargeSucceeded:
		return d.applyChargeEvent(ctx, e, payload, domain.StatusCaptured, "")

	case domain.EventChargeFailed:
		return d.applyChargeEvent(ctx, e, payload, domain.StatusFailed, payload.Reason)

	case domain.EventChargeRefunded:
		return d.applyRefundEvent(ctx, e, payload)

	case domain.EventDisputeOpened:
		return d.applyDisputeEvent(ctx, e, payload, domain.DisputeOpened)

	case domain.EventDisputeWon:
		return d.applyDisputeEvent(ctx, e, payload, domain.DisputeWon)

	case domain.EventDisputeLost:
		return d.applyDisputeEvent(ctx, e, payload, domain.DisputeLost)

	case domain.EventPayoutPaid:
		return d.applyPayoutEvent(ctx, e, payload)

	default:
		// unknown types are acknowledged and dropped so a vendor adding event
		// types does not wedge the queue
		d.logger.Warn("dropping event of unknown type",
			ports.String("event_id", e.EventID),
			ports.String("type", e.Type))
		return nil
	}
}

func (d *Dispatcher) applyChargeEvent(ctx context.Context, e *domain.WebhookEvent, p *domain.EventPayload, target domain.TransactionStatus, reason string) error {
	if p.ChargeID == "" {
		return domain.ErrValidationMissingField.WithDetail("field", "charge_id")
	}

	txn, err := d.txns.GetByChargeID(ctx, nil, p.ChargeID)
	if err != nil {
		return err
	}

	return d.applyWithOrdering(ctx, txn, domain.Transition{
		Kind:             domain.TransitionStatus,
		Source:           domain.SourceWebhook,
		SourceRef:        e.EventID,
		To:               target,
		Reason:           reason,
		ExpectedRevision: lifecycle.RevisionAny,
	})
}

func (d *Dispatcher) applyRefundEvent(ctx context.Context, e *domain.WebhookEvent, p *domain.EventPayload) error {
	if p.ChargeID == "" {
		return domain.ErrValidationMissingField.WithDetail("field", "charge_id")
	}
	if p.RefundID == "" {
		return domain.ErrValidationMissingField.WithDetail("field", "refund_id")
	}

	txn, err := d.txns.GetByChargeID(ctx, nil, p.ChargeID)
	if err != nil {
		return err
	}

	// keyed on the gateway refund id, not the event id: a second event about
	// the same refund must not book it twice
	_, err = d.machine.Apply(ctx, txn.ID, domain.Transition{
		Kind:             domain.TransitionRefund,
		Source:           domain.SourceWebhook,
		SourceRef:        p.RefundID,
		RefundCents:      p.AmountCents,
		GatewayRefundID:  p.RefundID,
		ExpectedRevision: lifecycle.RevisionAny,
	})
	return err
}

func (d *Dispatcher) applyDisputeEvent(ctx context.Context, e *domain.WebhookEvent, p *domain.EventPayload, to domain.DisputeStatus) error {
	if p.ChargeID == "" {
		return domain.ErrValidationMissingField.WithDetail("field", "charge_id")
	}

	txn, err := d.txns.GetByChargeID(ctx, nil, p.ChargeID)
	if err != nil {
		return err
	}

	_, err = d.machine.Apply(ctx, txn.ID, domain.Transition{
		Kind:             domain.TransitionDispute,
		Source:           domain.SourceWebhook,
		SourceRef:        e.EventID,
		ToDispute:        to,
		ExpectedRevision: lifecycle.RevisionAny,
	})
	return err
}

func (d *Dispatcher) applyPayoutEvent(ctx context.Context, e *domain.WebhookEvent, p *domain.EventPayload) error {
	day := p.PayoutDate
	if day == "" {
		day = e.ReceivedAt.UTC().Format("2006-01-02")
	}
	return d.payouts.Add(ctx, day, e.EventID, p.AmountCents)
}

// ApplyPollOutcome folds a terminal polling result into the session and its
// transaction. The session completion is first-wins: once a device-final
// status is recorded, a later, different answer for the same session changes
// nothing. A timeout deliberately leaves the session open so the sweep can
// revisit it.
func (d *Dispatcher) ApplyPollOutcome(ctx context.Context, source domain.TransitionSource, session *domain.TerminalSession, outcome domain.PollOutcome) error {
	if outcome.Kind == domain.OutcomeAbandoned {
		return nil
	}

	if outcome.IsDeviceFinal() {
		completed, err := d.sessions.Complete(ctx, session.ID, sessionStatusFor(outcome.Kind), outcome.RawResponse, time.Now())
		if err != nil {
			return err
		}
		if !completed {
			d.logger.Debug("session already final, poll result dropped",
				ports.String("session_id", session.ID),
				ports.String("outcome", string(outcome.Kind)))
		}
	}

	txn, err := d.txns.GetBySessionID(ctx, nil, session.ID)
	if err != nil {
		return err
	}

	tr := domain.Transition{
		Kind:             domain.TransitionStatus,
		Source:           source,
		SourceRef:        session.ID,
		ExpectedRevision: lifecycle.RevisionAny,
	}

	switch outcome.Kind {
	case domain.OutcomeApproved:
		tr.To = domain.StatusCaptured
	case domain.OutcomeDeclined:
		tr.To = domain.StatusFailed
		tr.Reason = outcome.Reason
		if tr.Reason == "" {
			tr.Reason = "declined"
		}
	case domain.OutcomeCancelled:
		tr.To = domain.StatusFailed
		tr.Reason = "cancelled"
	case domain.OutcomeTimeout:
		tr.To = domain.StatusFailed
		tr.Reason = domain.FailureTimeout
	}

	return d.applyWithOrdering(ctx, txn, tr)
}

// applyWithOrdering applies a status transition under the semantic ordering
// rule: when the entity has moved on, the incoming update is compared by
// business progress, and an update that does not supersede the current status
// is discarded as stale rather than surfaced as a failure.
func (d *Dispatcher) applyWithOrdering(ctx context.Context, txn *domain.Transaction, tr domain.Transition) error {
	_, err := d.machine.Apply(ctx, txn.ID, tr)
	if err == nil {
		return nil
	}
	if !domain.IsConflictError(err) {
		return err
	}

	current, readErr := d.txns.GetByID(ctx, nil, txn.ID)
	if readErr != nil {
		return readErr
	}

	if !domain.Supersedes(tr.To, current.Status) {
		d.logger.Info("discarding stale update",
			ports.String("transaction_id", txn.ID),
			ports.String("current", string(current.Status)),
			ports.String("incoming", string(tr.To)),
			ports.String("source", string(tr.Source)),
			ports.String("source_ref", tr.SourceRef))
		return nil
	}

	// the incoming update carries newer business meaning; one retry against
	// the fresh revision. FAILED(declined) still refuses a capture here, which
	// is surfaced, not swallowed.
	tr.ExpectedRevision = lifecycle.RevisionAny
	_, err = d.machine.Apply(ctx, txn.ID, tr)
	return err
}

func sessionStatusFor(kind domain.PollOutcomeKind) domain.SessionStatus {
	switch kind {
	case domain.OutcomeApproved:
		return domain.SessionApproved
	case domain.OutcomeDeclined:
		return domain.SessionDeclined
	default:
		return domain.SessionCancelled
	}
}
