package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/verdantpay/reconciliation-service/internal/adapters/database"
	"github.com/verdantpay/reconciliation-service/internal/domain"
)

// IdempotencyRepository implements ports.IdempotencyRepository. Winner election
// among concurrent callers is delegated to the primary key on the keys table.
type IdempotencyRepository struct {
	db *database.PostgreSQLAdapter
}

// NewIdempotencyRepository creates a new idempotency ledger repository
func NewIdempotencyRepository(db *database.PostgreSQLAdapter) *IdempotencyRepository {
	return &IdempotencyRepository{db: db}
}

// Reserve inserts a reservation for key. Exactly one of any set of concurrent
// callers gets fresh=true; the others receive the stored record.
func (r *IdempotencyRepository) Reserve(ctx context.Context, key string, now time.Time) (bool, *domain.IdempotencyRecord, error) {
	ctx, cancel := r.db.SimpleQueryContext(ctx)
	defer cancel()

	tag, err := r.db.Pool().Exec(ctx, `
		INSERT INTO idempotency_keys (key, created_at, reserved_at)
		VALUES ($1, $2, $2)
		ON CONFLICT (key) DO NOTHING`, key, now)
	if err != nil {
		return false, nil, domain.WrapError(domain.ErrorCodeDatabaseError, "reserve idempotency key", err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil, nil
	}

	rec, err := r.get(ctx, key)
	if err != nil {
		return false, nil, err
	}

	return false, rec, nil
}

// Reclaim takes over an abandoned reservation: uncommitted and reserved before
// cutoff. Returns false when the key was committed or renewed in the meantime.
func (r *IdempotencyRepository) Reclaim(ctx context.Context, key string, cutoff, now time.Time) (bool, error) {
	ctx, cancel := r.db.SimpleQueryContext(ctx)
	defer cancel()

	tag, err := r.db.Pool().Exec(ctx, `
		UPDATE idempotency_keys
		SET reserved_at = $1
		WHERE key = $2 AND result IS NULL AND reserved_at < $3`,
		now, key, cutoff)
	if err != nil {
		return false, domain.WrapError(domain.ErrorCodeDatabaseError, "reclaim idempotency key", err)
	}
	return tag.RowsAffected() > 0, nil
}

// SaveResult commits the operation outcome for key. The result is written once
// and never overwritten.
func (r *IdempotencyRepository) SaveResult(ctx context.Context, key string, result []byte) error {
	ctx, cancel := r.db.SimpleQueryContext(ctx)
	defer cancel()

	tag, err := r.db.Pool().Exec(ctx, `
		UPDATE idempotency_keys
		SET result = $1
		WHERE key = $2 AND result IS NULL`, result, key)
	if err != nil {
		return domain.WrapError(domain.ErrorCodeDatabaseError, "save idempotency result", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.NewDomainError(domain.ErrorCodeInternalError, "idempotency key missing or already committed").
			WithDetail("key", key)
	}
	return nil
}

// Release drops an uncommitted reservation so the key can be retried
// immediately. Committed keys are never released.
func (r *IdempotencyRepository) Release(ctx context.Context, key string) error {
	ctx, cancel := r.db.SimpleQueryContext(ctx)
	defer cancel()

	_, err := r.db.Pool().Exec(ctx, `
		DELETE FROM idempotency_keys
		WHERE key = $1 AND result IS NULL`, key)
	if err != nil {
		return domain.WrapError(domain.ErrorCodeDatabaseError, "release idempotency key", err)
	}
	return nil
}

func (r *IdempotencyRepository) get(ctx context.Context, key string) (*domain.IdempotencyRecord, error) {
	ctx, cancel := r.db.SimpleQueryContext(ctx)
	defer cancel()

	var rec domain.IdempotencyRecord
	var result []byte

	err := r.db.Pool().QueryRow(ctx, `
		SELECT key, result, created_at, reserved_at
		FROM idempotency_keys
		WHERE key = $1`, key).
		Scan(&rec.Key, &result, &rec.CreatedAt, &rec.ReservedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// the reservation was released between the insert and this read;
			// report it as uncommitted so the caller retries the reserve
			return nil, domain.NewDomainError(domain.ErrorCodeTransientStore, "idempotency key vanished during reserve").
				WithDetail("key", key)
		}
		return nil, domain.WrapError(domain.ErrorCodeDatabaseError, "get idempotency key", err)
	}

	rec.Result = result
	return &rec, nil
}
