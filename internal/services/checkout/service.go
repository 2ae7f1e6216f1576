package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/verdantpay/reconciliation-service/internal/domain"
	"github.com/verdantpay/reconciliation-service/internal/domain/ports"
	"github.com/verdantpay/reconciliation-service/internal/idempotency"
	"github.com/verdantpay/reconciliation-service/internal/lifecycle"
	"github.com/verdantpay/reconciliation-service/internal/reconcile"
	"github.com/verdantpay/reconciliation-service/internal/terminal"
	"github.com/verdantpay/reconciliation-service/pkg/resilience"
)

// gatewayAttempts bounds the synchronous retry loop around gateway calls
const gatewayAttempts = 3

// ChargeRequest is a synchronous card charge
type ChargeRequest struct {
	IdempotencyKey string
	AmountCents    int64
	Currency       string
	Token          string
	OrderID        string
	Capture        bool
}

// TerminalChargeRequest runs a charge on a physical terminal
type TerminalChargeRequest struct {
	IdempotencyKey string
	AmountCents    int64
	Currency       string
	DeviceID       string
	OrderID        string
}

// RefundRequest returns funds against a prior charge
type RefundRequest struct {
	IdempotencyKey string
	TransactionID  string
	AmountCents    int64
}

// Result is the caller-facing outcome of a charge or refund. It is also the
// payload committed to the idempotency ledger, so a replayed key returns
// exactly this.
type Result struct {
	TransactionID string                   `json:"transaction_id"`
	Status        domain.TransactionStatus `json:"status"`
	FailureReason string                   `json:"failure_reason,omitempty"`
	AmountCents   int64                    `json:"amount_cents"`
	Currency      string                   `json:"currency"`
	Replayed      bool                     `json:"-"`
}

// Service coordinates charges and refunds: idempotency reservation first, then
// the gateway or terminal effect, then the lifecycle transition, then the
// ledger commit. Declines are results, not errors; only infrastructure
// failures surface as errors.
type Service struct {
	db       ports.DB
	txns     ports.TransactionRepository
	sessions ports.SessionRepository
	gateway  ports.PaymentGateway
	term     ports.TerminalClient

	ledger     *idempotency.Ledger
	machine    *lifecycle.Machine
	driver     *terminal.Driver
	dispatcher *reconcile.Dispatcher
	logger     ports.Logger
}

// NewService creates a checkout service
func NewService(
	db ports.DB,
	txns ports.TransactionRepository,
	sessions ports.SessionRepository,
	gateway ports.PaymentGateway,
	term ports.TerminalClient,
	ledger *idempotency.Ledger,
	machine *lifecycle.Machine,
	driver *terminal.Driver,
	dispatcher *reconcile.Dispatcher,
	logger ports.Logger,
) *Service {
	return &Service{
		db:         db,
		txns:       txns,
		sessions:   sessions,
		gateway:    gateway,
		term:       term,
		ledger:     ledger,
		machine:    machine,
		driver:     driver,
		dispatcher: dispatcher,
		logger:     logger,
	}
}

// Charge runs a synchronous card charge. Replaying the idempotency key returns
// the original result without touching the gateway again.
func (s *Service) Charge(ctx context.Context, req ChargeRequest) (*Result, error) {
	if err := validateAmount(req.AmountCents); err != nil {
		return nil, err
	}
	if req.Currency == "" {
		return nil, domain.ErrValidationMissingField.WithDetail("field", "currency")
	}
	if req.Token == "" {
		return nil, domain.ErrValidationMissingField.WithDetail("field", "token")
	}

	replay, err := s.reserve(ctx, req.IdempotencyKey)
	if err != nil || replay != nil {
		return replay, err
	}

	txn := s.newTransaction(domain.KindPayment, req.AmountCents, req.Currency, req.OrderID)
	if err := s.txns.Create(ctx, nil, txn); err != nil {
		s.abandon(ctx, req.IdempotencyKey)
		return nil, err
	}

	var charge *ports.ChargeResponse
	err = resilience.Retry(ctx, gatewayAttempts, resilience.GatewayBackoff(), domain.IsTransientError,
		func(ctx context.Context) error {
			var callErr error
			charge, callErr = s.gateway.CreateCharge(ctx, ports.ChargeRequest{
				AmountCents:    req.AmountCents,
				Currency:       req.Currency,
				Token:          req.Token,
				IdempotencyKey: req.IdempotencyKey,
				Capture:        req.Capture,
			})
			return callErr
		})
	if err != nil {
		if domain.IsPermanentDecline(err) {
			return s.finishDeclined(ctx, req.IdempotencyKey, txn, declineReason(err))
		}
		// no charge came into existence; release the key so the caller's
		// retry is not locked out for the grace window
		s.abandon(ctx, req.IdempotencyKey)
		return nil, err
	}

	if charge.Status == ports.ChargeStatusDeclined {
		return s.finishDeclined(ctx, req.IdempotencyKey, txn, charge.DeclineReason)
	}

	target := domain.StatusAuthorized
	if charge.Status == ports.ChargeStatusCaptured {
		target = domain.StatusCaptured
	}

	if err := s.attachChargeID(ctx, txn, charge.ID); err != nil {
		return nil, err
	}

	updated, err := s.machine.Apply(ctx, txn.ID, domain.Transition{
		Kind:             domain.TransitionStatus,
		Source:           domain.SourceGateway,
		SourceRef:        charge.ID,
		To:               target,
		ExpectedRevision: lifecycle.RevisionAny,
	})
	if err != nil {
		return nil, err
	}

	return s.commit(ctx, req.IdempotencyKey, updated, "")
}

// Refund returns part or all of a captured charge. The refund amount is
// validated against the ledger before the gateway is asked for anything.
func (s *Service) Refund(ctx context.Context, req RefundRequest) (*Result, error) {
	if err := validateAmount(req.AmountCents); err != nil {
		return nil, err
	}
	if req.TransactionID == "" {
		return nil, domain.ErrValidationMissingField.WithDetail("field", "transaction_id")
	}

	replay, err := s.reserve(ctx, req.IdempotencyKey)
	if err != nil || replay != nil {
		return replay, err
	}

	txn, err := s.txns.GetByID(ctx, nil, req.TransactionID)
	if err != nil {
		s.abandon(ctx, req.IdempotencyKey)
		return nil, err
	}
	if txn.GatewayChargeID == nil {
		s.abandon(ctx, req.IdempotencyKey)
		return nil, domain.ErrInvalidState.
			WithDetail("transaction_id", txn.ID).
			WithDetail("attempted", "refund").
			WithDetail("reason", "no gateway charge attached")
	}
	if !txn.CanBeRefunded(req.AmountCents) {
		s.abandon(ctx, req.IdempotencyKey)
		if !txn.IsCapturedOrLater() || txn.Status == domain.StatusRefunded {
			return nil, domain.ErrInvalidState.
				WithDetail("transaction_id", txn.ID).
				WithDetail("status", string(txn.Status)).
				WithDetail("attempted", "refund")
		}
		return nil, domain.ErrRefundExceeded.
			WithDetail("transaction_id", txn.ID).
			WithDetail("requested_cents", req.AmountCents).
			WithDetail("remaining_cents", txn.RemainingRefundable())
	}

	var refund *ports.RefundResponse
	err = resilience.Retry(ctx, gatewayAttempts, resilience.GatewayBackoff(), domain.IsTransientError,
		func(ctx context.Context) error {
			var callErr error
			refund, callErr = s.gateway.CreateRefund(ctx, ports.RefundRequest{
				ChargeID:       *txn.GatewayChargeID,
				AmountCents:    req.AmountCents,
				IdempotencyKey: req.IdempotencyKey,
			})
			return callErr
		})
	if err != nil {
		s.abandon(ctx, req.IdempotencyKey)
		return nil, err
	}

	updated, err := s.machine.Apply(ctx, txn.ID, domain.Transition{
		Kind:             domain.TransitionRefund,
		Source:           domain.SourceGateway,
		SourceRef:        refund.ID,
		RefundCents:      req.AmountCents,
		GatewayRefundID:  refund.ID,
		ExpectedRevision: lifecycle.RevisionAny,
	})
	if err != nil {
		return nil, err
	}

	return s.commit(ctx, req.IdempotencyKey, updated, "")
}

// TerminalCharge starts a session on a physical terminal and polls it to an
// outcome. A polling timeout records FAILED(timeout) but leaves the session
// open: the device may still approve, and the sweep will then correct the
// transaction.
func (s *Service) TerminalCharge(ctx context.Context, req TerminalChargeRequest) (*Result, error) {
	if err := validateAmount(req.AmountCents); err != nil {
		return nil, err
	}
	if req.Currency == "" {
		return nil, domain.ErrValidationMissingField.WithDetail("field", "currency")
	}
	if req.DeviceID == "" {
		return nil, domain.ErrValidationMissingField.WithDetail("field", "device_id")
	}

	replay, err := s.reserve(ctx, req.IdempotencyKey)
	if err != nil || replay != nil {
		return replay, err
	}

	sessionRef, err := s.term.StartSession(ctx, req.DeviceID, req.AmountCents, req.Currency)
	if err != nil {
		s.abandon(ctx, req.IdempotencyKey)
		return nil, err
	}

	txn := s.newTransaction(domain.KindPayment, req.AmountCents, req.Currency, req.OrderID)
	txn.TerminalSessionID = &sessionRef

	session := &domain.TerminalSession{
		ID:            sessionRef,
		TransactionID: txn.ID,
		DeviceID:      req.DeviceID,
		Currency:      req.Currency,
		Status:        domain.SessionPending,
		AmountCents:   req.AmountCents,
		StartedAt:     time.Now(),
	}

	err = s.db.WithTransaction(ctx, func(ctx context.Context, tx pgx.Tx) error {
		if err := s.txns.Create(ctx, tx, txn); err != nil {
			return err
		}
		return s.sessions.Create(ctx, session)
	})
	if err != nil {
		s.abandon(ctx, req.IdempotencyKey)
		return nil, err
	}

	if _, err := s.machine.Apply(ctx, txn.ID, domain.Transition{
		Kind:             domain.TransitionStatus,
		Source:           domain.SourceTerminal,
		SourceRef:        sessionRef,
		To:               domain.StatusPending,
		ExpectedRevision: lifecycle.RevisionAny,
	}); err != nil {
		return nil, err
	}

	outcome, err := s.driver.Run(ctx, sessionRef)
	if err != nil {
		return nil, err
	}

	if err := s.dispatcher.ApplyPollOutcome(ctx, domain.SourceTerminal, session, outcome); err != nil {
		return nil, err
	}

	updated, err := s.txns.GetByID(ctx, nil, txn.ID)
	if err != nil {
		return nil, err
	}

	reason := ""
	if updated.FailureReason != nil {
		reason = *updated.FailureReason
	}
	return s.commit(ctx, req.IdempotencyKey, updated, reason)
}

// GetTransaction returns the current entity together with its audit trail and
// refund ledger
func (s *Service) GetTransaction(ctx context.Context, id string) (*domain.Transaction, []domain.AppliedTransition, []domain.RefundEntry, error) {
	txn, err := s.txns.GetByID(ctx, nil, id)
	if err != nil {
		return nil, nil, nil, err
	}
	transitions, err := s.txns.ListTransitions(ctx, nil, id)
	if err != nil {
		return nil, nil, nil, err
	}
	refunds, err := s.txns.ListRefunds(ctx, nil, id)
	if err != nil {
		return nil, nil, nil, err
	}
	return txn, transitions, refunds, nil
}

// reserve claims the idempotency key. A non-nil *Result means the operation
// already ran and the stored result must be returned as-is.
func (s *Service) reserve(ctx context.Context, key string) (*Result, error) {
	res, err := s.ledger.Reserve(ctx, key)
	if err != nil {
		return nil, err
	}
	if res.Fresh {
		return nil, nil
	}

	var stored Result
	if err := json.Unmarshal(res.Result, &stored); err != nil {
		return nil, domain.WrapError(domain.ErrorCodeInternalError, "corrupt idempotency result", err)
	}
	stored.Replayed = true
	s.logger.Info("idempotency replay, returning stored result",
		ports.String("key", key),
		ports.String("transaction_id", stored.TransactionID))
	return &stored, nil
}

// commit stores the final result against the key and returns it
func (s *Service) commit(ctx context.Context, key string, txn *domain.Transaction, failureReason string) (*Result, error) {
	result := &Result{
		TransactionID: txn.ID,
		Status:        txn.Status,
		FailureReason: failureReason,
		AmountCents:   txn.AmountCents,
		Currency:      txn.Currency,
	}

	payload, err := json.Marshal(result)
	if err != nil {
		return nil, domain.WrapError(domain.ErrorCodeInternalError, "marshal result", err)
	}
	if err := s.ledger.Commit(ctx, key, payload); err != nil {
		return nil, err
	}
	return result, nil
}

// finishDeclined records the decline on the entity and commits it as the
// key's result. The caller gets a Result, not an error: the operation itself
// worked, the card did not.
func (s *Service) finishDeclined(ctx context.Context, key string, txn *domain.Transaction, reason string) (*Result, error) {
	if reason == "" {
		reason = "declined"
	}
	updated, err := s.machine.Apply(ctx, txn.ID, domain.Transition{
		Kind:             domain.TransitionStatus,
		Source:           domain.SourceGateway,
		SourceRef:        txn.ID,
		To:               domain.StatusFailed,
		Reason:           reason,
		ExpectedRevision: lifecycle.RevisionAny,
	})
	if err != nil {
		return nil, err
	}
	return s.commit(ctx, key, updated, reason)
}

// attachChargeID links the gateway charge to the entity before the status
// transition so webhook routing by charge id works from the first event
func (s *Service) attachChargeID(ctx context.Context, txn *domain.Transaction, chargeID string) error {
	if err := s.txns.AttachChargeID(ctx, nil, txn.ID, chargeID); err != nil {
		return err
	}
	txn.GatewayChargeID = &chargeID
	return nil
}

// abandon releases an uncommitted reservation after a failure with no effect
func (s *Service) abandon(ctx context.Context, key string) {
	if err := s.ledger.Release(ctx, key); err != nil {
		s.logger.Warn("failed to release idempotency key",
			ports.String("key", key),
			ports.Err(err))
	}
}

func (s *Service) newTransaction(kind domain.TransactionKind, amountCents int64, currency, orderID string) *domain.Transaction {
	now := time.Now()
	txn := &domain.Transaction{
		ID:          uuid.New().String(),
		Kind:        kind,
		Status:      domain.StatusCreated,
		AmountCents: amountCents,
		Currency:    currency,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if orderID != "" {
		txn.OrderID = &orderID
	}
	return txn
}

func validateAmount(amountCents int64) error {
	if amountCents <= 0 {
		return domain.ErrValidationAmountInvalid.WithDetail("amount_cents", amountCents)
	}
	return nil
}

func declineReason(err error) string {
	var de *domain.DomainError
	if errors.As(err, &de) {
		if r, ok := de.Details["reason"].(string); ok {
			return r
		}
	}
	return ""
}
