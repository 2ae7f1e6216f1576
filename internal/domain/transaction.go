package domain

import (
	"time"
)

// TransactionStatus represents the lifecycle state of a transaction
type TransactionStatus string

const (
	StatusCreated           TransactionStatus = "CREATED"
	StatusPending           TransactionStatus = "PENDING" // terminal payments only, before CAPTURED/FAILED
	StatusAuthorized        TransactionStatus = "AUTHORIZED"
	StatusCaptured          TransactionStatus = "CAPTURED"
	StatusPartiallyRefunded TransactionStatus = "PARTIALLY_REFUNDED"
	StatusRefunded          TransactionStatus = "REFUNDED"
	StatusFailed            TransactionStatus = "FAILED"
)

// DisputeStatus tracks the dispute sub-state attached to a captured transaction.
// It never replaces the capture status.
type DisputeStatus string

const (
	DisputeNone   DisputeStatus = ""
	DisputeOpened DisputeStatus = "DISPUTE_OPENED"
	DisputeWon    DisputeStatus = "DISPUTE_WON"
	DisputeLost   DisputeStatus = "DISPUTE_LOST"
)

// TransactionKind distinguishes payments from refunds
type TransactionKind string

const (
	KindPayment TransactionKind = "payment"
	KindRefund  TransactionKind = "refund"
)

// Transaction is the canonical payment/refund entity. It is owned exclusively by
// the lifecycle state machine: created on the first gateway or terminal attempt,
// never deleted, only superseded by new states under revision-gated updates.
type Transaction struct {
	CreatedAt         time.Time              `json:"created_at"`
	UpdatedAt         time.Time              `json:"updated_at"`
	GatewayChargeID   *string                `json:"gateway_charge_id"`
	TerminalSessionID *string                `json:"terminal_session_id"`
	OrderID           *string                `json:"order_id"`
	FailureReason     *string                `json:"failure_reason"`
	Metadata          map[string]interface{} `json:"metadata"`
	ID                string                 `json:"id"`
	Currency          string                 `json:"currency"`
	Kind              TransactionKind        `json:"kind"`
	Status            TransactionStatus      `json:"status"`
	DisputeStatus     DisputeStatus          `json:"dispute_status,omitempty"`
	AmountCents       int64                  `json:"amount_cents"`
	CapturedCents     int64                  `json:"captured_cents"`
	RefundedCents     int64                  `json:"refunded_cents"`
	Revision          int64                  `json:"revision"`
}

// IsFinal returns true if the status admits no further payment-path transitions.
// REFUNDED and FAILED are end states; FAILED(timeout) remains correctable by a
// reconciliation sweep, which is the one sanctioned exception.
func (t *Transaction) IsFinal() bool {
	return t.Status == StatusRefunded || t.Status == StatusFailed
}

// IsCapturedOrLater returns true once funds have been captured, including the
// refund tail states
func (t *Transaction) IsCapturedOrLater() bool {
	switch t.Status {
	case StatusCaptured, StatusPartiallyRefunded, StatusRefunded:
		return true
	}
	return false
}

// RemainingRefundable returns the captured amount not yet returned
func (t *Transaction) RemainingRefundable() int64 {
	remaining := t.CapturedCents - t.RefundedCents
	if remaining < 0 {
		return 0
	}
	return remaining
}

// CanBeRefunded returns true if a refund of the given amount is admissible
func (t *Transaction) CanBeRefunded(amountCents int64) bool {
	if !t.IsCapturedOrLater() || t.Status == StatusRefunded {
		return false
	}
	return amountCents > 0 && amountCents <= t.RemainingRefundable()
}

// CanOpenDispute returns true if a dispute may attach to this transaction
func (t *Transaction) CanOpenDispute() bool {
	return t.IsCapturedOrLater() && t.DisputeStatus == DisputeNone
}

// FailureTimeout is the failure reason recorded when the poll driver exhausts
// its budget. Sweep corrections are only applied over this reason.
const FailureTimeout = "timeout"

// statusRank orders statuses by business progress so racing updates can be
// compared semantically rather than by arrival time.
var statusRank = map[TransactionStatus]int{
	StatusCreated:           0,
	StatusPending:           1,
	StatusAuthorized:        2,
	StatusFailed:            3,
	StatusCaptured:          4,
	StatusPartiallyRefunded: 5,
	StatusRefunded:          6,
}

// Supersedes reports whether target carries newer business meaning than current.
// A stale "FAILED" arriving after "CAPTURED" does not supersede it and must be
// discarded by the caller; a late "CAPTURED" after FAILED(timeout) does.
func Supersedes(target, current TransactionStatus) bool {
	return statusRank[target] > statusRank[current]
}

// IsValidStatus reports whether s is a known lifecycle status
func IsValidStatus(s TransactionStatus) bool {
	_, ok := statusRank[s]
	return ok
}

// validTransitions is the payment-path transition table. Refund transitions are
// additionally gated by the refund ledger, dispute transitions by DisputeStatus.
var validTransitions = map[TransactionStatus][]TransactionStatus{
	StatusCreated:           {StatusAuthorized, StatusCaptured, StatusPending, StatusFailed},
	StatusPending:           {StatusCaptured, StatusFailed},
	StatusAuthorized:        {StatusCaptured, StatusFailed},
	StatusCaptured:          {StatusPartiallyRefunded, StatusRefunded},
	StatusPartiallyRefunded: {StatusPartiallyRefunded, StatusRefunded},
	StatusRefunded:          {},
	StatusFailed:            {StatusCaptured}, // late terminal approval corrected by sweep
}

// CanTransition reports whether a status transition is admissible under the
// lifecycle rules. The FAILED->CAPTURED correction is reserved for timed-out
// terminal sessions and is validated against the recorded failure reason.
func CanTransition(t *Transaction, target TransactionStatus) bool {
	if t.Status == StatusFailed && target == StatusCaptured {
		return t.FailureReason != nil && *t.FailureReason == FailureTimeout
	}
	for _, allowed := range validTransitions[t.Status] {
		if allowed == target {
			return true
		}
	}
	return false
}

// RefundEntry is one row of the per-transaction refund ledger
type RefundEntry struct {
	CreatedAt       time.Time `json:"created_at"`
	ID              string    `json:"id"`
	TransactionID   string    `json:"transaction_id"`
	GatewayRefundID string    `json:"gateway_refund_id"`
	AmountCents     int64     `json:"amount_cents"`
}
