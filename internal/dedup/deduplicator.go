package dedup

import (
	"context"
	"encoding/json"
	"time"

	"github.com/verdantpay/reconciliation-service/internal/domain"
	"github.com/verdantpay/reconciliation-service/internal/domain/ports"
	"github.com/verdantpay/reconciliation-service/pkg/observability"
)

// Decision classifies an incoming event relative to the dedup store
type Decision string

const (
	// DecisionNew means the event was stored for the first time and must be
	// handed to processing
	DecisionNew Decision = "new"
	// DecisionAlreadyStored means the event id is known but its effects have
	// not been applied yet; processing is already owed, do not enqueue again
	DecisionAlreadyStored Decision = "already_stored"
	// DecisionAlreadyProcessed means the effects were fully applied before;
	// acknowledge and drop
	DecisionAlreadyProcessed Decision = "already_processed"
)

// Deduplicator stores gateway notifications exactly once per vendor event id.
// Receipt is decoupled from processing: Accept persists and classifies, the
// caller acknowledges the sender immediately, and effects are applied later by
// the processing queue.
type Deduplicator struct {
	events ports.EventRepository
	logger ports.Logger
}

// NewDeduplicator creates an event deduplicator
func NewDeduplicator(events ports.EventRepository, logger ports.Logger) *Deduplicator {
	return &Deduplicator{events: events, logger: logger}
}

// Accept stores an incoming notification and classifies it. Duplicate
// deliveries bump redelivery bookkeeping on the stored row but never create a
// second row, regardless of how many times or how concurrently the sender
// retries.
func (d *Deduplicator) Accept(ctx context.Context, eventID, eventType string, payload json.RawMessage) (Decision, *domain.WebhookEvent, error) {
	if eventID == "" {
		return "", nil, domain.ErrValidationMissingField.WithDetail("field", "event_id")
	}
	if eventType == "" {
		return "", nil, domain.ErrValidationMissingField.WithDetail("field", "type")
	}

	event := &domain.WebhookEvent{
		EventID:    eventID,
		Type:       eventType,
		Payload:    payload,
		ReceivedAt: time.Now(),
	}

	inserted, existing, err := d.events.Insert(ctx, event)
	if err != nil {
		return "", nil, err
	}

	if inserted {
		observability.RecordWebhookEvent(eventType, string(DecisionNew))
		return DecisionNew, event, nil
	}

	if existing.Processed {
		d.logger.Debug("dropping redelivery of processed event",
			ports.String("event_id", eventID),
			ports.String("type", eventType))
		observability.RecordWebhookEvent(eventType, string(DecisionAlreadyProcessed))
		return DecisionAlreadyProcessed, existing, nil
	}

	d.logger.Info("redelivery of stored but unprocessed event",
		ports.String("event_id", eventID),
		ports.String("type", eventType),
		ports.Int("retry_count", int(existing.RetryCount)))
	observability.RecordWebhookEvent(eventType, string(DecisionAlreadyStored))
	return DecisionAlreadyStored, existing, nil
}

// MarkProcessed records that the event's effects were fully applied
func (d *Deduplicator) MarkProcessed(ctx context.Context, eventID string) error {
	return d.events.MarkProcessed(ctx, eventID, time.Now())
}

// MarkFailed records a processing failure; the event stays eligible for retry
func (d *Deduplicator) MarkFailed(ctx context.Context, eventID string, cause error) error {
	return d.events.MarkFailed(ctx, eventID, cause.Error())
}

// Status returns the stored event with its processing bookkeeping
func (d *Deduplicator) Status(ctx context.Context, eventID string) (*domain.WebhookEvent, error) {
	if eventID == "" {
		return nil, domain.ErrValidationMissingField.WithDetail("field", "event_id")
	}
	return d.events.GetByEventID(ctx, eventID)
}
