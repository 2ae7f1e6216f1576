package domain

import (
	"encoding/json"
	"time"
)

// SessionStatus is the derived status of a terminal session
type SessionStatus string

const (
	SessionPending   SessionStatus = "pending"
	SessionApproved  SessionStatus = "approved"
	SessionDeclined  SessionStatus = "declined"
	SessionCancelled SessionStatus = "cancelled"
)

// TerminalSession tracks one attempt on a physical card terminal. The
// transaction id is generated locally at poll start, independent of any gateway
// id. A session is pending until CompletedAt is set; once set, the status is
// final and a later poll of the same session must not overwrite it.
type TerminalSession struct {
	StartedAt     time.Time       `json:"started_at"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
	RawResponse   json.RawMessage `json:"raw_response,omitempty"`
	ID            string          `json:"id"`
	TransactionID string          `json:"transaction_id"`
	DeviceID      string          `json:"device_id"`
	Currency      string          `json:"currency"`
	Status        SessionStatus   `json:"status"`
	AmountCents   int64           `json:"amount_cents"`
}

// IsFinal returns true once the session reached a terminal device outcome
func (s *TerminalSession) IsFinal() bool {
	return s.CompletedAt != nil
}

// PollOutcomeKind classifies the result of a polling run
type PollOutcomeKind string

const (
	OutcomeApproved  PollOutcomeKind = "approved"
	OutcomeDeclined  PollOutcomeKind = "declined"
	OutcomeCancelled PollOutcomeKind = "cancelled"
	// OutcomeTimeout means the attempt budget or deadline was exhausted while
	// the device still reported pending. The underlying device transaction may
	// still complete; a reconciliation sweep can correct it later.
	OutcomeTimeout PollOutcomeKind = "timeout"
	// OutcomeAbandoned means the caller cancelled the wait. The device session
	// itself is not invalidated.
	OutcomeAbandoned PollOutcomeKind = "abandoned"
)

// PollOutcome is the canonical result of driving a terminal session to
// completion (or giving up)
type PollOutcome struct {
	Kind        PollOutcomeKind `json:"kind"`
	Reason      string          `json:"reason,omitempty"` // device decline reason
	RawResponse json.RawMessage `json:"raw_response,omitempty"`
	Attempts    int             `json:"attempts"`
}

// IsDeviceFinal returns true if the outcome reflects a definitive device
// answer, as opposed to the driver giving up
func (o PollOutcome) IsDeviceFinal() bool {
	switch o.Kind {
	case OutcomeApproved, OutcomeDeclined, OutcomeCancelled:
		return true
	}
	return false
}
