package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/verdantpay/reconciliation-service/internal/adapters/database"
	"github.com/verdantpay/reconciliation-service/internal/domain"
)

// TransactionRepository implements ports.TransactionRepository over pgx.
// All mutation after Create goes through ApplyTransition, which performs the
// revision compare-and-set and appends the audit trail in one statement pair.
type TransactionRepository struct {
	db *database.PostgreSQLAdapter
}

// NewTransactionRepository creates a new transaction repository
func NewTransactionRepository(db *database.PostgreSQLAdapter) *TransactionRepository {
	return &TransactionRepository{db: db}
}

const transactionColumns = `id, kind, status, dispute_status, amount_cents, captured_cents,
	refunded_cents, currency, revision, gateway_charge_id, terminal_session_id,
	order_id, failure_reason, metadata, created_at, updated_at`

// Create persists a new transaction entity
func (r *TransactionRepository) Create(ctx context.Context, tx pgx.Tx, t *domain.Transaction) error {
	q := pick(r.db.Pool(), tx)
	ctx, cancel := queryContext(ctx, tx, r.db.SimpleQueryContext)
	defer cancel()

	metadataBytes := []byte("{}")
	if t.Metadata != nil {
		var err error
		metadataBytes, err = json.Marshal(t.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
	}

	_, err := q.Exec(ctx, `
		INSERT INTO transactions (id, kind, status, dispute_status, amount_cents,
			captured_cents, refunded_cents, currency, revision, gateway_charge_id,
			terminal_session_id, order_id, failure_reason, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		t.ID, t.Kind, t.Status, t.DisputeStatus, t.AmountCents,
		t.CapturedCents, t.RefundedCents, t.Currency, t.Revision, t.GatewayChargeID,
		t.TerminalSessionID, t.OrderID, t.FailureReason, metadataBytes, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create transaction: %w", err)
	}

	return nil
}

// GetByID retrieves a transaction by its ID
func (r *TransactionRepository) GetByID(ctx context.Context, tx pgx.Tx, id string) (*domain.Transaction, error) {
	return r.getByColumn(ctx, tx, "id", id)
}

// GetByChargeID retrieves a transaction by the gateway charge id
func (r *TransactionRepository) GetByChargeID(ctx context.Context, tx pgx.Tx, chargeID string) (*domain.Transaction, error) {
	return r.getByColumn(ctx, tx, "gateway_charge_id", chargeID)
}

// GetBySessionID retrieves a transaction by its terminal session id
func (r *TransactionRepository) GetBySessionID(ctx context.Context, tx pgx.Tx, sessionID string) (*domain.Transaction, error) {
	return r.getByColumn(ctx, tx, "terminal_session_id", sessionID)
}

func (r *TransactionRepository) getByColumn(ctx context.Context, tx pgx.Tx, column, value string) (*domain.Transaction, error) {
	q := pick(r.db.Pool(), tx)
	ctx, cancel := queryContext(ctx, tx, r.db.SimpleQueryContext)
	defer cancel()

	row := q.QueryRow(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE `+column+` = $1`, value)

	t, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrTxnNotFound.WithDetail(column, value)
		}
		return nil, domain.WrapError(domain.ErrorCodeDatabaseError, "get transaction", err)
	}

	return t, nil
}

// AttachChargeID links the gateway charge to a transaction. The guard keeps a
// charge id from ever being rewritten.
func (r *TransactionRepository) AttachChargeID(ctx context.Context, tx pgx.Tx, id, chargeID string) error {
	q := pick(r.db.Pool(), tx)
	ctx, cancel := queryContext(ctx, tx, r.db.SimpleQueryContext)
	defer cancel()

	tag, err := q.Exec(ctx, `
		UPDATE transactions
		SET gateway_charge_id = $1, updated_at = $2
		WHERE id = $3 AND gateway_charge_id IS NULL`,
		chargeID, time.Now(), id)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.NewDomainError(domain.ErrorCodeConflictInvalidState, "charge already attached to another transaction").
				WithDetail("gateway_charge_id", chargeID)
		}
		return domain.WrapError(domain.ErrorCodeDatabaseError, "attach charge id", err)
	}
	if tag.RowsAffected() == 0 {
		current, err := r.GetByID(ctx, tx, id)
		if err != nil {
			return err
		}
		if current.GatewayChargeID != nil && *current.GatewayChargeID == chargeID {
			return nil
		}
		return domain.NewDomainError(domain.ErrorCodeConflictInvalidState, "transaction already linked to a different charge").
			WithDetail("id", id).
			WithDetail("gateway_charge_id", chargeID)
	}
	return nil
}

// ApplyTransition atomically advances the entity iff its stored revision still
// equals tr.ExpectedRevision, appending an audit-trail row (and a refund
// ledger row for refund transitions). On success the in-memory entity is
// advanced to match the stored state.
func (r *TransactionRepository) ApplyTransition(ctx context.Context, tx pgx.Tx, t *domain.Transaction, tr domain.Transition) error {
	q := pick(r.db.Pool(), tx)
	ctx, cancel := queryContext(ctx, tx, r.db.ComplexQueryContext)
	defer cancel()

	next := nextState(t, tr)
	now := time.Now()

	tag, err := q.Exec(ctx, `
		UPDATE transactions
		SET status = $1, dispute_status = $2, captured_cents = $3, refunded_cents = $4,
			failure_reason = $5, revision = revision + 1, updated_at = $6
		WHERE id = $7 AND revision = $8`,
		next.Status, next.DisputeStatus, next.CapturedCents, next.RefundedCents,
		next.FailureReason, now, t.ID, tr.ExpectedRevision)
	if err != nil {
		return domain.WrapError(domain.ErrorCodeDatabaseError, "apply transition", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrStaleRevision.
			WithDetail("transaction_id", t.ID).
			WithDetail("expected_revision", tr.ExpectedRevision)
	}

	newRevision := tr.ExpectedRevision + 1

	_, err = q.Exec(ctx, `
		INSERT INTO transaction_transitions (id, transaction_id, source, source_ref,
			from_status, to_status, to_dispute, reason, revision, applied_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		uuid.New().String(), t.ID, tr.Source, tr.SourceRef,
		t.Status, next.Status, next.DisputeStatus, tr.Reason, newRevision, now)
	if err != nil {
		return domain.WrapError(domain.ErrorCodeDatabaseError, "record transition", err)
	}

	if tr.Kind == domain.TransitionRefund {
		_, err = q.Exec(ctx, `
			INSERT INTO refund_entries (id, transaction_id, gateway_refund_id, amount_cents, created_at)
			VALUES ($1, $2, $3, $4, $5)`,
			uuid.New().String(), t.ID, tr.GatewayRefundID, tr.RefundCents, now)
		if err != nil {
			return domain.WrapError(domain.ErrorCodeDatabaseError, "record refund entry", err)
		}
	}

	t.Status = next.Status
	t.DisputeStatus = next.DisputeStatus
	t.CapturedCents = next.CapturedCents
	t.RefundedCents = next.RefundedCents
	t.FailureReason = next.FailureReason
	t.Revision = newRevision
	t.UpdatedAt = now

	return nil
}

// nextState computes the post-transition field values without mutating t
func nextState(t *domain.Transaction, tr domain.Transition) *domain.Transaction {
	next := *t

	switch tr.Kind {
	case domain.TransitionDispute:
		next.DisputeStatus = tr.ToDispute
	case domain.TransitionRefund:
		next.Status = tr.To
		next.RefundedCents = t.RefundedCents + tr.RefundCents
	default:
		next.Status = tr.To
		if tr.To == domain.StatusCaptured {
			captured := tr.CapturedCents
			if captured == 0 {
				captured = t.AmountCents
			}
			next.CapturedCents = captured
			next.FailureReason = nil
		}
		if tr.To == domain.StatusFailed && tr.Reason != "" {
			reason := tr.Reason
			next.FailureReason = &reason
		}
	}

	return &next
}

// ListTransitions returns the ordered audit trail for a transaction
func (r *TransactionRepository) ListTransitions(ctx context.Context, tx pgx.Tx, id string) ([]domain.AppliedTransition, error) {
	q := pick(r.db.Pool(), tx)
	ctx, cancel := queryContext(ctx, tx, r.db.SimpleQueryContext)
	defer cancel()

	rows, err := q.Query(ctx, `
		SELECT id, transaction_id, source, source_ref, from_status, to_status,
			to_dispute, reason, revision, applied_at
		FROM transaction_transitions
		WHERE transaction_id = $1
		ORDER BY revision ASC`, id)
	if err != nil {
		return nil, domain.WrapError(domain.ErrorCodeDatabaseError, "list transitions", err)
	}
	defer rows.Close()

	var transitions []domain.AppliedTransition
	for rows.Next() {
		var at domain.AppliedTransition
		if err := rows.Scan(&at.ID, &at.TransactionID, &at.Source, &at.SourceRef,
			&at.FromStatus, &at.ToStatus, &at.ToDispute, &at.Reason, &at.Revision, &at.AppliedAt); err != nil {
			return nil, domain.WrapError(domain.ErrorCodeDatabaseError, "scan transition", err)
		}
		transitions = append(transitions, at)
	}

	return transitions, rows.Err()
}

// ListRefunds returns the refund ledger entries for a transaction
func (r *TransactionRepository) ListRefunds(ctx context.Context, tx pgx.Tx, id string) ([]domain.RefundEntry, error) {
	q := pick(r.db.Pool(), tx)
	ctx, cancel := queryContext(ctx, tx, r.db.SimpleQueryContext)
	defer cancel()

	rows, err := q.Query(ctx, `
		SELECT id, transaction_id, gateway_refund_id, amount_cents, created_at
		FROM refund_entries
		WHERE transaction_id = $1
		ORDER BY created_at ASC`, id)
	if err != nil {
		return nil, domain.WrapError(domain.ErrorCodeDatabaseError, "list refunds", err)
	}
	defer rows.Close()

	var entries []domain.RefundEntry
	for rows.Next() {
		var e domain.RefundEntry
		if err := rows.Scan(&e.ID, &e.TransactionID, &e.GatewayRefundID, &e.AmountCents, &e.CreatedAt); err != nil {
			return nil, domain.WrapError(domain.ErrorCodeDatabaseError, "scan refund entry", err)
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// ListByStatus returns transactions in a status updated within [since, until),
// for reconciliation sweeps
func (r *TransactionRepository) ListByStatus(ctx context.Context, tx pgx.Tx, status domain.TransactionStatus, since, until time.Time, limit int32) ([]*domain.Transaction, error) {
	q := pick(r.db.Pool(), tx)
	ctx, cancel := queryContext(ctx, tx, r.db.SweepQueryContext)
	defer cancel()

	rows, err := q.Query(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE status = $1 AND updated_at >= $2 AND updated_at < $3
		ORDER BY updated_at ASC
		LIMIT $4`, status, since, until, limit)
	if err != nil {
		return nil, domain.WrapError(domain.ErrorCodeDatabaseError, "list by status", err)
	}
	defer rows.Close()

	var transactions []*domain.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, domain.WrapError(domain.ErrorCodeDatabaseError, "scan transaction", err)
		}
		transactions = append(transactions, t)
	}

	return transactions, rows.Err()
}

func scanTransaction(row pgx.Row) (*domain.Transaction, error) {
	var t domain.Transaction
	var metadataBytes []byte

	err := row.Scan(&t.ID, &t.Kind, &t.Status, &t.DisputeStatus, &t.AmountCents,
		&t.CapturedCents, &t.RefundedCents, &t.Currency, &t.Revision, &t.GatewayChargeID,
		&t.TerminalSessionID, &t.OrderID, &t.FailureReason, &metadataBytes, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if len(metadataBytes) > 0 {
		if err := json.Unmarshal(metadataBytes, &t.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}

	return &t, nil
}
