package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/verdantpay/reconciliation-service/internal/adapters/database"
	"github.com/verdantpay/reconciliation-service/internal/domain"
)

// EventRepository implements ports.EventRepository. The vendor event id carries
// a unique constraint; deduplication rides on it rather than on any
// application-level check.
type EventRepository struct {
	db *database.PostgreSQLAdapter
}

// NewEventRepository creates a new webhook event repository
func NewEventRepository(db *database.PostgreSQLAdapter) *EventRepository {
	return &EventRepository{db: db}
}

const eventColumns = `event_id, type, payload, processed, retry_count,
	processing_error, received_at, processed_at`

// Insert stores a newly received event. On a duplicate event id it bumps the
// stored row's retry count and returns it instead.
func (r *EventRepository) Insert(ctx context.Context, e *domain.WebhookEvent) (bool, *domain.WebhookEvent, error) {
	ctx, cancel := r.db.SimpleQueryContext(ctx)
	defer cancel()

	tag, err := r.db.Pool().Exec(ctx, `
		INSERT INTO webhook_events (event_id, type, payload, processed, retry_count, received_at)
		VALUES ($1, $2, $3, false, 0, $4)
		ON CONFLICT (event_id) DO NOTHING`,
		e.EventID, e.Type, []byte(e.Payload), e.ReceivedAt)
	if err != nil {
		return false, nil, domain.WrapError(domain.ErrorCodeDatabaseError, "insert event", err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil, nil
	}

	row := r.db.Pool().QueryRow(ctx, `
		UPDATE webhook_events
		SET retry_count = retry_count + 1
		WHERE event_id = $1
		RETURNING `+eventColumns, e.EventID)

	existing, err := scanEvent(row)
	if err != nil {
		return false, nil, domain.WrapError(domain.ErrorCodeDatabaseError, "load duplicate event", err)
	}

	return false, existing, nil
}

// GetByEventID retrieves an event by the vendor event id
func (r *EventRepository) GetByEventID(ctx context.Context, eventID string) (*domain.WebhookEvent, error) {
	ctx, cancel := r.db.SimpleQueryContext(ctx)
	defer cancel()

	row := r.db.Pool().QueryRow(ctx,
		`SELECT `+eventColumns+` FROM webhook_events WHERE event_id = $1`, eventID)

	e, err := scanEvent(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrEventNotFound.WithDetail("event_id", eventID)
		}
		return nil, domain.WrapError(domain.ErrorCodeDatabaseError, "get event", err)
	}

	return e, nil
}

// MarkProcessed flags an event as fully applied
func (r *EventRepository) MarkProcessed(ctx context.Context, eventID string, at time.Time) error {
	ctx, cancel := r.db.SimpleQueryContext(ctx)
	defer cancel()

	tag, err := r.db.Pool().Exec(ctx, `
		UPDATE webhook_events
		SET processed = true, processed_at = $1, processing_error = NULL
		WHERE event_id = $2`, at, eventID)
	if err != nil {
		return domain.WrapError(domain.ErrorCodeDatabaseError, "mark event processed", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrEventNotFound.WithDetail("event_id", eventID)
	}
	return nil
}

// MarkFailed records a processing failure without consuming the event
func (r *EventRepository) MarkFailed(ctx context.Context, eventID string, processingError string) error {
	ctx, cancel := r.db.SimpleQueryContext(ctx)
	defer cancel()

	tag, err := r.db.Pool().Exec(ctx, `
		UPDATE webhook_events
		SET processing_error = $1, retry_count = retry_count + 1
		WHERE event_id = $2 AND processed = false`, processingError, eventID)
	if err != nil {
		return domain.WrapError(domain.ErrorCodeDatabaseError, "mark event failed", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrEventNotFound.WithDetail("event_id", eventID)
	}
	return nil
}

// ListUnprocessed returns stored-but-unapplied events still within the retry
// budget, oldest first
func (r *EventRepository) ListUnprocessed(ctx context.Context, maxRetries int32, limit int32) ([]*domain.WebhookEvent, error) {
	ctx, cancel := r.db.SweepQueryContext(ctx)
	defer cancel()

	rows, err := r.db.Pool().Query(ctx, `
		SELECT `+eventColumns+`
		FROM webhook_events
		WHERE processed = false AND retry_count < $1
		ORDER BY received_at ASC
		LIMIT $2`, maxRetries, limit)
	if err != nil {
		return nil, domain.WrapError(domain.ErrorCodeDatabaseError, "list unprocessed events", err)
	}
	defer rows.Close()

	var events []*domain.WebhookEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, domain.WrapError(domain.ErrorCodeDatabaseError, "scan event", err)
		}
		events = append(events, e)
	}

	return events, rows.Err()
}

func scanEvent(row pgx.Row) (*domain.WebhookEvent, error) {
	var e domain.WebhookEvent
	var payload []byte

	err := row.Scan(&e.EventID, &e.Type, &payload, &e.Processed, &e.RetryCount,
		&e.ProcessingError, &e.ReceivedAt, &e.ProcessedAt)
	if err != nil {
		return nil, err
	}

	e.Payload = payload
	return &e, nil
}
