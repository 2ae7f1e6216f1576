package ports

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/verdantpay/reconciliation-service/internal/domain"
)

// DB abstracts transactional access to the durable store. A nil tx passed to a
// repository means "run against the pool".
type DB interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) error
}

// TransactionRepository persists the canonical transaction entities, their
// audit trail, and the refund ledger. ApplyTransition is the only mutation
// path and is compare-and-set gated on the expected revision.
type TransactionRepository interface {
	Create(ctx context.Context, tx pgx.Tx, t *domain.Transaction) error
	GetByID(ctx context.Context, tx pgx.Tx, id string) (*domain.Transaction, error)
	GetByChargeID(ctx context.Context, tx pgx.Tx, chargeID string) (*domain.Transaction, error)
	GetBySessionID(ctx context.Context, tx pgx.Tx, sessionID string) (*domain.Transaction, error)

	// AttachChargeID links the gateway charge to the entity exactly once.
	// Linking is not a lifecycle transition and does not bump the revision.
	AttachChargeID(ctx context.Context, tx pgx.Tx, id, chargeID string) error

	// ApplyTransition atomically advances the entity iff its stored revision
	// equals tr.ExpectedRevision, appending an audit-trail row. Returns
	// domain.ErrStaleRevision on a revision mismatch.
	ApplyTransition(ctx context.Context, tx pgx.Tx, t *domain.Transaction, tr domain.Transition) error

	ListTransitions(ctx context.Context, tx pgx.Tx, id string) ([]domain.AppliedTransition, error)
	ListRefunds(ctx context.Context, tx pgx.Tx, id string) ([]domain.RefundEntry, error)

	// ListByStatus supports reconciliation sweeps over a status/date range
	ListByStatus(ctx context.Context, tx pgx.Tx, status domain.TransactionStatus, since, until time.Time, limit int32) ([]*domain.Transaction, error)
}

// EventRepository persists webhook events keyed by the vendor event id
type EventRepository interface {
	// Insert stores a newly received event. When the vendor event id already
	// exists, inserted is false and existing carries the stored event; the
	// redelivery bookkeeping (retry count) is bumped in the same call.
	Insert(ctx context.Context, e *domain.WebhookEvent) (inserted bool, existing *domain.WebhookEvent, err error)
	GetByEventID(ctx context.Context, eventID string) (*domain.WebhookEvent, error)
	MarkProcessed(ctx context.Context, eventID string, at time.Time) error
	MarkFailed(ctx context.Context, eventID string, processingError string) error
	ListUnprocessed(ctx context.Context, maxRetries int32, limit int32) ([]*domain.WebhookEvent, error)
}

// SessionRepository persists terminal sessions
type SessionRepository interface {
	Create(ctx context.Context, s *domain.TerminalSession) error
	GetByID(ctx context.Context, id string) (*domain.TerminalSession, error)
	// Complete sets the final status and completion time. It is a no-op
	// returning false when the session already has a final status.
	Complete(ctx context.Context, id string, status domain.SessionStatus, raw []byte, at time.Time) (bool, error)
	ListPendingOlderThan(ctx context.Context, cutoff time.Time, limit int32) ([]*domain.TerminalSession, error)
}

// IdempotencyRepository persists the idempotency ledger rows
type IdempotencyRepository interface {
	// Reserve inserts a reservation for key. fresh is true for exactly one of
	// any set of concurrent callers; the rest receive the existing record.
	Reserve(ctx context.Context, key string, now time.Time) (fresh bool, existing *domain.IdempotencyRecord, err error)
	// Reclaim re-reserves an abandoned (uncommitted, reserved before cutoff)
	// key for the caller. Returns false if the key was committed or renewed.
	Reclaim(ctx context.Context, key string, cutoff, now time.Time) (bool, error)
	SaveResult(ctx context.Context, key string, result []byte) error
	Release(ctx context.Context, key string) error
}

// PayoutRepository persists day-level payout aggregates
type PayoutRepository interface {
	// Add folds one payout event into its day's aggregate. The event id keys
	// a dedup ledger so redelivery of the same event never double-counts.
	Add(ctx context.Context, day string, eventID string, grossCents int64) error
	Get(ctx context.Context, day string) (*domain.PayoutSummary, error)
}
