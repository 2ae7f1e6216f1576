package ports

import "context"

// ChargeStatus is the gateway's answer to a charge or refund call
type ChargeStatus string

const (
	ChargeStatusAuthorized ChargeStatus = "authorized"
	ChargeStatusCaptured   ChargeStatus = "captured"
	ChargeStatusDeclined   ChargeStatus = "declined"
)

// ChargeRequest is a synchronous charge call. Calls are idempotency-keyed by
// the caller; the gateway must not create a second charge for a replayed key.
type ChargeRequest struct {
	AmountCents    int64
	Currency       string
	Token          string
	IdempotencyKey string
	Capture        bool
}

// ChargeResponse is the gateway's synchronous result
type ChargeResponse struct {
	ID            string
	Status        ChargeStatus
	DeclineReason string
}

// RefundRequest returns funds against a prior charge
type RefundRequest struct {
	ChargeID       string
	AmountCents    int64
	IdempotencyKey string
}

// RefundResponse is the gateway's refund result
type RefundResponse struct {
	ID     string
	Status ChargeStatus
}

// PaymentGateway is the synchronous request/response collaborator. Transient
// failures surface as domain.ErrGatewayUnavailable-coded errors, explicit
// declines as domain.ErrPaymentDeclined-coded errors with the reason attached.
type PaymentGateway interface {
	CreateCharge(ctx context.Context, req ChargeRequest) (*ChargeResponse, error)
	CreateRefund(ctx context.Context, req RefundRequest) (*RefundResponse, error)
}
