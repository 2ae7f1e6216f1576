package idempotency

import (
	"context"
	"encoding/json"
	"time"

	"github.com/verdantpay/reconciliation-service/internal/domain"
	"github.com/verdantpay/reconciliation-service/internal/domain/ports"
)

// DefaultGraceWindow is how long an uncommitted reservation is honored before
// a retry may take it over
const DefaultGraceWindow = 2 * time.Minute

// Reservation is the outcome of a Reserve call. Fresh means this caller owns
// the key and must run the operation, then Commit or Release. Otherwise Result
// carries the previously committed outcome.
type Reservation struct {
	Result json.RawMessage
	Fresh  bool
}

// Ledger enforces at-most-once execution per external operation key. For each
// key exactly one result is ever committed; callers that lose the reservation
// race either receive the stored result or, while the winner is still inside
// the grace window, an in-flight error they must surface without retrying the
// effect.
type Ledger struct {
	repo   ports.IdempotencyRepository
	logger ports.Logger
	grace  time.Duration
}

// NewLedger creates an idempotency ledger. A non-positive grace falls back to
// DefaultGraceWindow.
func NewLedger(repo ports.IdempotencyRepository, logger ports.Logger, grace time.Duration) *Ledger {
	if grace <= 0 {
		grace = DefaultGraceWindow
	}
	return &Ledger{repo: repo, logger: logger, grace: grace}
}

// Reserve claims key for the caller. Exactly one concurrent caller per key
// gets a fresh reservation. A stored result short-circuits to that result. An
// uncommitted reservation older than the grace window is reclaimed, so a retry
// of a crashed operation can proceed. Otherwise domain.ErrReservationPending.
func (l *Ledger) Reserve(ctx context.Context, key string) (*Reservation, error) {
	if key == "" {
		return nil, domain.ErrValidationMissingField.WithDetail("field", "idempotency_key")
	}

	now := time.Now()
	fresh, existing, err := l.repo.Reserve(ctx, key, now)
	if err != nil {
		return nil, err
	}
	if fresh {
		return &Reservation{Fresh: true}, nil
	}

	if existing.Committed() {
		l.logger.Debug("idempotency key replay, returning stored result",
			ports.String("key", key))
		return &Reservation{Result: existing.Result}, nil
	}

	if !existing.Abandoned(now, l.grace) {
		return nil, domain.ErrReservationPending.WithDetail("key", key)
	}

	reclaimed, err := l.repo.Reclaim(ctx, key, now.Add(-l.grace), now)
	if err != nil {
		return nil, err
	}
	if !reclaimed {
		// lost the reclaim race: either another retry took the key over or the
		// original owner committed in the meantime
		_, current, err := l.repo.Reserve(ctx, key, now)
		if err != nil {
			return nil, err
		}
		if current != nil && current.Committed() {
			return &Reservation{Result: current.Result}, nil
		}
		return nil, domain.ErrReservationPending.WithDetail("key", key)
	}

	l.logger.Warn("reclaimed abandoned idempotency reservation",
		ports.String("key", key),
		ports.Duration("grace", l.grace))
	return &Reservation{Fresh: true}, nil
}

// Commit stores the operation result against the key. After Commit every
// future Reserve for the key returns this result.
func (l *Ledger) Commit(ctx context.Context, key string, result json.RawMessage) error {
	return l.repo.SaveResult(ctx, key, result)
}

// Release drops an uncommitted reservation so a retry does not have to wait
// out the grace window. Called when the operation failed before any effect.
func (l *Ledger) Release(ctx context.Context, key string) error {
	return l.repo.Release(ctx, key)
}
