package domain

import (
	"encoding/json"
	"time"
)

// IdempotencyRecord stores one outcome per external operation key. For a given
// key exactly one result is ever stored; a second writer with the same key gets
// the stored result instead of re-executing the effect. A reserved record whose
// Result is still nil past the grace window is treated as abandoned and may be
// re-reserved.
type IdempotencyRecord struct {
	CreatedAt  time.Time       `json:"created_at"`
	ReservedAt time.Time       `json:"reserved_at"`
	Result     json.RawMessage `json:"result,omitempty"`
	Key        string          `json:"key"`
}

// Committed returns true once a result has been stored for the key
func (r *IdempotencyRecord) Committed() bool {
	return len(r.Result) > 0
}

// Abandoned reports whether an uncommitted reservation is older than the grace
// window and may be taken over by a legitimate retry
func (r *IdempotencyRecord) Abandoned(now time.Time, grace time.Duration) bool {
	return !r.Committed() && now.Sub(r.ReservedAt) > grace
}
