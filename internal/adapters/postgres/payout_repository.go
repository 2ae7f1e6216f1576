package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/verdantpay/reconciliation-service/internal/adapters/database"
	"github.com/verdantpay/reconciliation-service/internal/domain"
)

// PayoutRepository implements ports.PayoutRepository with day-keyed upserts
type PayoutRepository struct {
	db *database.PostgreSQLAdapter
}

// NewPayoutRepository creates a new payout aggregate repository
func NewPayoutRepository(db *database.PostgreSQLAdapter) *PayoutRepository {
	return &PayoutRepository{db: db}
}

// Add folds a payout event into the day's aggregate. The event id is recorded
// in payout_events inside the same transaction as the increment; a redelivered
// event hits the unique constraint and the increment is skipped, so replaying
// a stored event cannot double-count.
func (r *PayoutRepository) Add(ctx context.Context, day string, eventID string, grossCents int64) error {
	ctx, cancel := r.db.ComplexQueryContext(ctx)
	defer cancel()

	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return domain.WrapError(domain.ErrorCodeDatabaseError, "add payout", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		INSERT INTO payout_events (event_id, day)
		VALUES ($1, $2)
		ON CONFLICT (event_id) DO NOTHING`, eventID, day)
	if err != nil {
		return domain.WrapError(domain.ErrorCodeDatabaseError, "add payout", err)
	}
	if tag.RowsAffected() == 0 {
		return nil
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO payout_summaries (day, payout_count, gross_cents, updated_at)
		VALUES ($1, 1, $2, now())
		ON CONFLICT (day) DO UPDATE
		SET payout_count = payout_summaries.payout_count + 1,
			gross_cents = payout_summaries.gross_cents + EXCLUDED.gross_cents,
			updated_at = now()`, day, grossCents)
	if err != nil {
		return domain.WrapError(domain.ErrorCodeDatabaseError, "add payout", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.WrapError(domain.ErrorCodeDatabaseError, "add payout", err)
	}
	return nil
}

// Get returns the aggregate for a settlement day, zero-valued if none exists
func (r *PayoutRepository) Get(ctx context.Context, day string) (*domain.PayoutSummary, error) {
	ctx, cancel := r.db.SimpleQueryContext(ctx)
	defer cancel()

	var p domain.PayoutSummary

	err := r.db.Pool().QueryRow(ctx, `
		SELECT day, payout_count, gross_cents, updated_at
		FROM payout_summaries
		WHERE day = $1`, day).
		Scan(&p.Day, &p.PayoutCount, &p.GrossCents, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return &domain.PayoutSummary{Day: day}, nil
		}
		return nil, domain.WrapError(domain.ErrorCodeDatabaseError, "get payout summary", err)
	}

	return &p, nil
}
