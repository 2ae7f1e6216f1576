package lifecycle

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/verdantpay/reconciliation-service/internal/domain"
	"github.com/verdantpay/reconciliation-service/internal/domain/ports"
	"github.com/verdantpay/reconciliation-service/pkg/observability"
)

// RevisionAny tells Apply to gate the update on whatever revision the entity
// carries at read time instead of a caller-supplied one.
const RevisionAny int64 = -1

// Machine owns every mutation of a transaction after creation. It validates
// transitions against the lifecycle rules, applies them under a revision
// compare-and-set, and turns re-delivery of an already applied update into a
// no-op success instead of a conflict.
type Machine struct {
	db     ports.DB
	txns   ports.TransactionRepository
	logger ports.Logger
}

// NewMachine creates a lifecycle state machine
func NewMachine(db ports.DB, txns ports.TransactionRepository, logger ports.Logger) *Machine {
	return &Machine{db: db, txns: txns, logger: logger}
}

// Apply drives one transition against the transaction with the given id. The
// read, validation, and write happen in a single database transaction. On a
// caller-supplied stale revision the error is domain.ErrStaleRevision and
// nothing is written; the caller must re-read and decide, never blindly retry.
func (m *Machine) Apply(ctx context.Context, txnID string, tr domain.Transition) (*domain.Transaction, error) {
	var result *domain.Transaction

	err := m.db.WithTransaction(ctx, func(ctx context.Context, tx pgx.Tx) error {
		t, err := m.txns.GetByID(ctx, tx, txnID)
		if err != nil {
			return err
		}

		if tr.ExpectedRevision != RevisionAny && tr.ExpectedRevision != t.Revision {
			if noop, err := m.isReplay(ctx, tx, t, tr); err != nil {
				return err
			} else if noop {
				result = t
				return nil
			}
			observability.RecordTransition(string(tr.Source), string(tr.To), "conflict")
			return domain.ErrStaleRevision.
				WithDetail("transaction_id", txnID).
				WithDetail("expected_revision", tr.ExpectedRevision).
				WithDetail("current_revision", t.Revision)
		}

		// a matching applied transition makes redelivery a success without a
		// second effect or a revision bump
		if noop, err := m.isReplay(ctx, tx, t, tr); err != nil {
			return err
		} else if noop {
			m.logger.Debug("transition replay, no-op",
				ports.String("transaction_id", txnID),
				ports.String("source", string(tr.Source)),
				ports.String("source_ref", tr.SourceRef))
			observability.RecordTransition(string(tr.Source), string(tr.To), "noop")
			result = t
			return nil
		}

		if err := m.validate(t, &tr); err != nil {
			observability.RecordTransition(string(tr.Source), string(tr.To), "rejected")
			return err
		}

		tr.ExpectedRevision = t.Revision
		if err := m.txns.ApplyTransition(ctx, tx, t, tr); err != nil {
			if domain.IsConflictError(err) {
				observability.RecordTransition(string(tr.Source), string(tr.To), "conflict")
			}
			return err
		}

		observability.RecordTransition(string(tr.Source), string(tr.To), "applied")
		result = t
		return nil
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// isReplay reports whether tr was already applied to t. The audit trail is
// matched on source, source reference, and target; the entity must still
// reflect the target so a genuinely new update with a recycled reference is
// not swallowed.
func (m *Machine) isReplay(ctx context.Context, tx pgx.Tx, t *domain.Transaction, tr domain.Transition) (bool, error) {
	if tr.SourceRef == "" {
		return false, nil
	}

	applied, err := m.txns.ListTransitions(ctx, tx, t.ID)
	if err != nil {
		return false, err
	}

	for i := range applied {
		if !applied[i].Matches(tr) {
			continue
		}
		switch tr.Kind {
		case domain.TransitionDispute:
			return t.DisputeStatus == tr.ToDispute, nil
		case domain.TransitionRefund:
			// the same gateway refund is never booked twice
			return true, nil
		default:
			return t.Status == tr.To, nil
		}
	}

	return false, nil
}

// validate enforces the lifecycle rules for tr against the current entity.
// Refund transitions have their target computed here from the refund ledger so
// callers cannot disagree with the arithmetic.
func (m *Machine) validate(t *domain.Transaction, tr *domain.Transition) error {
	switch tr.Kind {
	case domain.TransitionRefund:
		if tr.RefundCents <= 0 {
			return domain.ErrValidationAmountInvalid.
				WithDetail("amount_cents", tr.RefundCents)
		}
		if !t.CanBeRefunded(tr.RefundCents) {
			if !t.IsCapturedOrLater() || t.Status == domain.StatusRefunded {
				return domain.ErrInvalidState.
					WithDetail("transaction_id", t.ID).
					WithDetail("status", string(t.Status)).
					WithDetail("attempted", "refund")
			}
			return domain.ErrRefundExceeded.
				WithDetail("transaction_id", t.ID).
				WithDetail("requested_cents", tr.RefundCents).
				WithDetail("remaining_cents", t.RemainingRefundable())
		}
		if tr.RefundCents == t.RemainingRefundable() {
			tr.To = domain.StatusRefunded
		} else {
			tr.To = domain.StatusPartiallyRefunded
		}
		return nil

	case domain.TransitionDispute:
		switch tr.ToDispute {
		case domain.DisputeOpened:
			if !t.CanOpenDispute() {
				return domain.ErrInvalidState.
					WithDetail("transaction_id", t.ID).
					WithDetail("status", string(t.Status)).
					WithDetail("dispute_status", string(t.DisputeStatus)).
					WithDetail("attempted", "open_dispute")
			}
		case domain.DisputeWon, domain.DisputeLost:
			if t.DisputeStatus != domain.DisputeOpened {
				return domain.ErrInvalidState.
					WithDetail("transaction_id", t.ID).
					WithDetail("dispute_status", string(t.DisputeStatus)).
					WithDetail("attempted", string(tr.ToDispute))
			}
		default:
			return domain.ErrValidationFailed.
				WithDetail("field", "to_dispute").
				WithDetail("value", string(tr.ToDispute))
		}
		return nil

	default:
		if !domain.CanTransition(t, tr.To) {
			return domain.ErrInvalidState.
				WithDetail("transaction_id", t.ID).
				WithDetail("from", string(t.Status)).
				WithDetail("to", string(tr.To))
		}
		return nil
	}
}
