package ports

import (
	"context"
	"encoding/json"
)

// DeviceState is one raw answer from a terminal device
type DeviceState string

const (
	DevicePending   DeviceState = "pending"
	DeviceApproved  DeviceState = "approved"
	DeviceDeclined  DeviceState = "declined"
	DeviceCancelled DeviceState = "cancelled"
)

// PollResult is a single poll answer. Raw carries the vendor response verbatim
// for the session record.
type PollResult struct {
	State  DeviceState
	Reason string // decline reason, when State is DeviceDeclined
	Raw    json.RawMessage
}

// TerminalClient is the capability contract over terminal vendors. Two device
// protocols implement it behind one interface; network-level failures surface
// as domain.ErrDeviceOffline-coded errors and are retryable, an explicit
// declined answer is terminal.
type TerminalClient interface {
	StartSession(ctx context.Context, deviceID string, amountCents int64, currency string) (sessionRef string, err error)
	PollSession(ctx context.Context, sessionRef string) (*PollResult, error)
	CancelSession(ctx context.Context, sessionRef string) error
}
