package domain

import "time"

// TransitionSource identifies which of the asynchronous sources produced an update
type TransitionSource string

const (
	SourceGateway  TransitionSource = "gateway"  // synchronous charge/refund call path
	SourceWebhook  TransitionSource = "webhook"  // deduplicated gateway notification
	SourceTerminal TransitionSource = "terminal" // poll driver result
	SourceSweep    TransitionSource = "sweep"    // background reconciliation pass
)

// TransitionKind selects which part of the entity a transition mutates
type TransitionKind string

const (
	TransitionStatus  TransitionKind = "status"
	TransitionRefund  TransitionKind = "refund"
	TransitionDispute TransitionKind = "dispute"
)

// Transition is a requested state change. ExpectedRevision implements optimistic
// concurrency: the transition applies only if the entity still carries that
// revision. SourceRef (event id, session id, or gateway id) identifies the
// originating update so re-delivery can be recognized as a no-op.
type Transition struct {
	Kind             TransitionKind
	Source           TransitionSource
	SourceRef        string
	To               TransactionStatus
	ToDispute        DisputeStatus
	Reason           string // failure/decline reason for FAILED targets
	RefundCents      int64  // refund ledger delta for TransitionRefund
	CapturedCents    int64  // captured amount recorded on CAPTURED targets
	GatewayRefundID  string
	ExpectedRevision int64
}

// AppliedTransition is one audit-trail row: an accepted transition with its
// source and timestamp, ordered by revision.
type AppliedTransition struct {
	AppliedAt     time.Time         `json:"applied_at"`
	ID            string            `json:"id"`
	TransactionID string            `json:"transaction_id"`
	Source        TransitionSource  `json:"source"`
	SourceRef     string            `json:"source_ref"`
	FromStatus    TransactionStatus `json:"from_status"`
	ToStatus      TransactionStatus `json:"to_status"`
	ToDispute     DisputeStatus     `json:"to_dispute,omitempty"`
	Reason        string            `json:"reason,omitempty"`
	Revision      int64             `json:"revision"`
}

// Matches reports whether a previously applied transition represents the same
// logical update as tr: same source reference and same target. Used to turn
// re-delivery into a no-op success instead of a conflict.
func (a *AppliedTransition) Matches(tr Transition) bool {
	if a.Source != tr.Source || a.SourceRef != tr.SourceRef {
		return false
	}
	switch tr.Kind {
	case TransitionDispute:
		return a.ToDispute == tr.ToDispute
	case TransitionRefund:
		// the source reference is the gateway refund id; one booking per refund
		return true
	}
	return a.ToStatus == tr.To
}
