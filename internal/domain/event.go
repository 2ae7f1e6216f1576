package domain

import (
	"encoding/json"
	"time"
)

// Gateway notification event types understood by the reconciliation dispatcher
const (
	EventChargeSucceeded = "charge.succeeded"
	EventChargeFailed    = "charge.failed"
	EventChargeRefunded  = "charge.refunded"
	EventDisputeOpened   = "dispute.opened"
	EventDisputeWon      = "dispute.won"
	EventDisputeLost     = "dispute.lost"
	EventPayoutPaid      = "payout.paid"
)

// WebhookEvent stores a gateway notification with deduplication metadata.
// The vendor event id is unique across all time; re-delivery of the same id is
// a no-op on effects but may still update bookkeeping fields.
type WebhookEvent struct {
	ReceivedAt      time.Time       `json:"received_at"`
	ProcessedAt     *time.Time      `json:"processed_at,omitempty"`
	ProcessingError *string         `json:"processing_error,omitempty"`
	Payload         json.RawMessage `json:"payload"`
	EventID         string          `json:"event_id"`
	Type            string          `json:"type"`
	Processed       bool            `json:"processed"`
	RetryCount      int32           `json:"retry_count"`
}

// EventPayload is the subset of a gateway notification payload the dispatcher
// acts on. Unknown fields in the raw payload are preserved but ignored.
type EventPayload struct {
	ChargeID    string `json:"charge_id"`
	RefundID    string `json:"refund_id,omitempty"`
	PayoutID    string `json:"payout_id,omitempty"`
	Reason      string `json:"reason,omitempty"`
	AmountCents int64  `json:"amount_cents,omitempty"`
	PayoutDate  string `json:"payout_date,omitempty"` // YYYY-MM-DD
}

// ParsePayload decodes the acted-on fields from the raw vendor payload
func (e *WebhookEvent) ParsePayload() (*EventPayload, error) {
	var p EventPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return nil, WrapError(ErrorCodeValidationFailed, "malformed event payload", err)
	}
	return &p, nil
}
