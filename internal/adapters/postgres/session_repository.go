package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/verdantpay/reconciliation-service/internal/adapters/database"
	"github.com/verdantpay/reconciliation-service/internal/domain"
)

// SessionRepository implements ports.SessionRepository
type SessionRepository struct {
	db *database.PostgreSQLAdapter
}

// NewSessionRepository creates a new terminal session repository
func NewSessionRepository(db *database.PostgreSQLAdapter) *SessionRepository {
	return &SessionRepository{db: db}
}

const sessionColumns = `id, transaction_id, device_id, currency, status,
	amount_cents, raw_response, started_at, completed_at`

// Create persists a new terminal session
func (r *SessionRepository) Create(ctx context.Context, s *domain.TerminalSession) error {
	ctx, cancel := r.db.SimpleQueryContext(ctx)
	defer cancel()

	_, err := r.db.Pool().Exec(ctx, `
		INSERT INTO terminal_sessions (id, transaction_id, device_id, currency,
			status, amount_cents, raw_response, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		s.ID, s.TransactionID, s.DeviceID, s.Currency,
		s.Status, s.AmountCents, []byte(s.RawResponse), s.StartedAt, s.CompletedAt)
	if err != nil {
		return domain.WrapError(domain.ErrorCodeDatabaseError, "create session", err)
	}
	return nil
}

// GetByID retrieves a terminal session by id
func (r *SessionRepository) GetByID(ctx context.Context, id string) (*domain.TerminalSession, error) {
	ctx, cancel := r.db.SimpleQueryContext(ctx)
	defer cancel()

	row := r.db.Pool().QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM terminal_sessions WHERE id = $1`, id)

	s, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrSessionNotFound.WithDetail("session_id", id)
		}
		return nil, domain.WrapError(domain.ErrorCodeDatabaseError, "get session", err)
	}

	return s, nil
}

// Complete records the final device outcome. The completed_at guard makes the
// first completion win: a later poll of an already-final session changes
// nothing and returns false.
func (r *SessionRepository) Complete(ctx context.Context, id string, status domain.SessionStatus, raw []byte, at time.Time) (bool, error) {
	ctx, cancel := r.db.SimpleQueryContext(ctx)
	defer cancel()

	tag, err := r.db.Pool().Exec(ctx, `
		UPDATE terminal_sessions
		SET status = $1, raw_response = $2, completed_at = $3
		WHERE id = $4 AND completed_at IS NULL`,
		status, raw, at, id)
	if err != nil {
		return false, domain.WrapError(domain.ErrorCodeDatabaseError, "complete session", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListPendingOlderThan returns still-open sessions started before cutoff,
// oldest first, for the reconciliation sweep
func (r *SessionRepository) ListPendingOlderThan(ctx context.Context, cutoff time.Time, limit int32) ([]*domain.TerminalSession, error) {
	ctx, cancel := r.db.SweepQueryContext(ctx)
	defer cancel()

	rows, err := r.db.Pool().Query(ctx, `
		SELECT `+sessionColumns+`
		FROM terminal_sessions
		WHERE completed_at IS NULL AND started_at < $1
		ORDER BY started_at ASC
		LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, domain.WrapError(domain.ErrorCodeDatabaseError, "list pending sessions", err)
	}
	defer rows.Close()

	var sessions []*domain.TerminalSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, domain.WrapError(domain.ErrorCodeDatabaseError, "scan session", err)
		}
		sessions = append(sessions, s)
	}

	return sessions, rows.Err()
}

func scanSession(row pgx.Row) (*domain.TerminalSession, error) {
	var s domain.TerminalSession
	var raw []byte

	err := row.Scan(&s.ID, &s.TransactionID, &s.DeviceID, &s.Currency, &s.Status,
		&s.AmountCents, &raw, &s.StartedAt, &s.CompletedAt)
	if err != nil {
		return nil, err
	}

	s.RawResponse = raw
	return &s, nil
}
