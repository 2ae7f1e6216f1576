// Package mocks provides shared in-memory implementations of the repository
// ports so service and component tests run without a database.
package mocks

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/verdantpay/reconciliation-service/internal/domain"
)

// MemoryDB satisfies ports.DB. The repositories below ignore the tx argument,
// so WithTransaction simply runs fn with a nil tx.
type MemoryDB struct{}

func (MemoryDB) WithTransaction(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) error {
	return fn(ctx, nil)
}

// MemoryTransactionRepository is an in-memory ports.TransactionRepository with
// the same compare-and-set semantics as the postgres implementation.
type MemoryTransactionRepository struct {
	mu          sync.Mutex
	byID        map[string]*domain.Transaction
	transitions map[string][]domain.AppliedTransition
	refunds     map[string][]domain.RefundEntry
}

func NewMemoryTransactionRepository() *MemoryTransactionRepository {
	return &MemoryTransactionRepository{
		byID:        make(map[string]*domain.Transaction),
		transitions: make(map[string][]domain.AppliedTransition),
		refunds:     make(map[string][]domain.RefundEntry),
	}
}

func (r *MemoryTransactionRepository) Create(ctx context.Context, tx pgx.Tx, t *domain.Transaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	clone := *t
	r.byID[t.ID] = &clone
	return nil
}

func (r *MemoryTransactionRepository) GetByID(ctx context.Context, tx pgx.Tx, id string) (*domain.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.byID[id]
	if !ok {
		return nil, domain.ErrTxnNotFound.WithDetail("id", id)
	}
	clone := *t
	return &clone, nil
}

func (r *MemoryTransactionRepository) GetByChargeID(ctx context.Context, tx pgx.Tx, chargeID string) (*domain.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.byID {
		if t.GatewayChargeID != nil && *t.GatewayChargeID == chargeID {
			clone := *t
			return &clone, nil
		}
	}
	return nil, domain.ErrTxnNotFound.WithDetail("gateway_charge_id", chargeID)
}

func (r *MemoryTransactionRepository) GetBySessionID(ctx context.Context, tx pgx.Tx, sessionID string) (*domain.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.byID {
		if t.TerminalSessionID != nil && *t.TerminalSessionID == sessionID {
			clone := *t
			return &clone, nil
		}
	}
	return nil, domain.ErrTxnNotFound.WithDetail("terminal_session_id", sessionID)
}

func (r *MemoryTransactionRepository) AttachChargeID(ctx context.Context, tx pgx.Tx, id, chargeID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.byID[id]
	if !ok {
		return domain.ErrTxnNotFound.WithDetail("id", id)
	}
	if t.GatewayChargeID != nil {
		if *t.GatewayChargeID == chargeID {
			return nil
		}
		return domain.NewDomainError(domain.ErrorCodeConflictInvalidState, "transaction already linked to a different charge").
			WithDetail("id", id)
	}
	t.GatewayChargeID = &chargeID
	t.UpdatedAt = time.Now()
	return nil
}

func (r *MemoryTransactionRepository) ApplyTransition(ctx context.Context, tx pgx.Tx, t *domain.Transaction, tr domain.Transition) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.byID[t.ID]
	if !ok {
		return domain.ErrTxnNotFound.WithDetail("id", t.ID)
	}
	if stored.Revision != tr.ExpectedRevision {
		return domain.ErrStaleRevision.
			WithDetail("transaction_id", t.ID).
			WithDetail("expected_revision", tr.ExpectedRevision)
	}

	now := time.Now()
	fromStatus := stored.Status

	switch tr.Kind {
	case domain.TransitionDispute:
		stored.DisputeStatus = tr.ToDispute
	case domain.TransitionRefund:
		stored.Status = tr.To
		stored.RefundedCents += tr.RefundCents
		r.refunds[t.ID] = append(r.refunds[t.ID], domain.RefundEntry{
			ID:              uuid.New().String(),
			TransactionID:   t.ID,
			GatewayRefundID: tr.GatewayRefundID,
			AmountCents:     tr.RefundCents,
			CreatedAt:       now,
		})
	default:
		stored.Status = tr.To
		if tr.To == domain.StatusCaptured {
			captured := tr.CapturedCents
			if captured == 0 {
				captured = stored.AmountCents
			}
			stored.CapturedCents = captured
			stored.FailureReason = nil
		}
		if tr.To == domain.StatusFailed && tr.Reason != "" {
			reason := tr.Reason
			stored.FailureReason = &reason
		}
	}

	stored.Revision++
	stored.UpdatedAt = now

	r.transitions[t.ID] = append(r.transitions[t.ID], domain.AppliedTransition{
		ID:            uuid.New().String(),
		TransactionID: t.ID,
		Source:        tr.Source,
		SourceRef:     tr.SourceRef,
		FromStatus:    fromStatus,
		ToStatus:      stored.Status,
		ToDispute:     stored.DisputeStatus,
		Reason:        tr.Reason,
		Revision:      stored.Revision,
		AppliedAt:     now,
	})

	*t = *stored
	return nil
}

func (r *MemoryTransactionRepository) ListTransitions(ctx context.Context, tx pgx.Tx, id string) ([]domain.AppliedTransition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.AppliedTransition, len(r.transitions[id]))
	copy(out, r.transitions[id])
	return out, nil
}

func (r *MemoryTransactionRepository) ListRefunds(ctx context.Context, tx pgx.Tx, id string) ([]domain.RefundEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.RefundEntry, len(r.refunds[id]))
	copy(out, r.refunds[id])
	return out, nil
}

func (r *MemoryTransactionRepository) ListByStatus(ctx context.Context, tx pgx.Tx, status domain.TransactionStatus, since, until time.Time, limit int32) ([]*domain.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Transaction
	for _, t := range r.byID {
		if t.Status != status {
			continue
		}
		if t.UpdatedAt.Before(since) || !t.UpdatedAt.Before(until) {
			continue
		}
		clone := *t
		out = append(out, &clone)
		if int32(len(out)) >= limit {
			break
		}
	}
	return out, nil
}

// MemoryEventRepository is an in-memory ports.EventRepository
type MemoryEventRepository struct {
	mu     sync.Mutex
	events map[string]*domain.WebhookEvent
}

func NewMemoryEventRepository() *MemoryEventRepository {
	return &MemoryEventRepository{events: make(map[string]*domain.WebhookEvent)}
}

func (r *MemoryEventRepository) Insert(ctx context.Context, e *domain.WebhookEvent) (bool, *domain.WebhookEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.events[e.EventID]; ok {
		existing.RetryCount++
		clone := *existing
		return false, &clone, nil
	}
	clone := *e
	r.events[e.EventID] = &clone
	return true, nil, nil
}

func (r *MemoryEventRepository) GetByEventID(ctx context.Context, eventID string) (*domain.WebhookEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.events[eventID]
	if !ok {
		return nil, domain.ErrEventNotFound.WithDetail("event_id", eventID)
	}
	clone := *e
	return &clone, nil
}

func (r *MemoryEventRepository) MarkProcessed(ctx context.Context, eventID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.events[eventID]
	if !ok {
		return domain.ErrEventNotFound.WithDetail("event_id", eventID)
	}
	e.Processed = true
	e.ProcessedAt = &at
	e.ProcessingError = nil
	return nil
}

func (r *MemoryEventRepository) MarkFailed(ctx context.Context, eventID string, processingError string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.events[eventID]
	if !ok || e.Processed {
		return domain.ErrEventNotFound.WithDetail("event_id", eventID)
	}
	e.ProcessingError = &processingError
	e.RetryCount++
	return nil
}

func (r *MemoryEventRepository) ListUnprocessed(ctx context.Context, maxRetries int32, limit int32) ([]*domain.WebhookEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.WebhookEvent
	for _, e := range r.events {
		if e.Processed || e.RetryCount >= maxRetries {
			continue
		}
		clone := *e
		out = append(out, &clone)
		if int32(len(out)) >= limit {
			break
		}
	}
	return out, nil
}

// MemorySessionRepository is an in-memory ports.SessionRepository
type MemorySessionRepository struct {
	mu       sync.Mutex
	sessions map[string]*domain.TerminalSession
}

func NewMemorySessionRepository() *MemorySessionRepository {
	return &MemorySessionRepository{sessions: make(map[string]*domain.TerminalSession)}
}

func (r *MemorySessionRepository) Create(ctx context.Context, s *domain.TerminalSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	clone := *s
	r.sessions[s.ID] = &clone
	return nil
}

func (r *MemorySessionRepository) GetByID(ctx context.Context, id string) (*domain.TerminalSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, domain.ErrSessionNotFound.WithDetail("session_id", id)
	}
	clone := *s
	return &clone, nil
}

func (r *MemorySessionRepository) Complete(ctx context.Context, id string, status domain.SessionStatus, raw []byte, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return false, domain.ErrSessionNotFound.WithDetail("session_id", id)
	}
	if s.CompletedAt != nil {
		return false, nil
	}
	s.Status = status
	s.RawResponse = raw
	completedAt := at
	s.CompletedAt = &completedAt
	return true, nil
}

func (r *MemorySessionRepository) ListPendingOlderThan(ctx context.Context, cutoff time.Time, limit int32) ([]*domain.TerminalSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.TerminalSession
	for _, s := range r.sessions {
		if s.CompletedAt != nil || !s.StartedAt.Before(cutoff) {
			continue
		}
		clone := *s
		out = append(out, &clone)
		if int32(len(out)) >= limit {
			break
		}
	}
	return out, nil
}

// MemoryIdempotencyRepository is an in-memory ports.IdempotencyRepository
type MemoryIdempotencyRepository struct {
	mu      sync.Mutex
	records map[string]*domain.IdempotencyRecord
}

func NewMemoryIdempotencyRepository() *MemoryIdempotencyRepository {
	return &MemoryIdempotencyRepository{records: make(map[string]*domain.IdempotencyRecord)}
}

func (r *MemoryIdempotencyRepository) Reserve(ctx context.Context, key string, now time.Time) (bool, *domain.IdempotencyRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.records[key]; ok {
		clone := *existing
		return false, &clone, nil
	}
	r.records[key] = &domain.IdempotencyRecord{Key: key, CreatedAt: now, ReservedAt: now}
	return true, nil, nil
}

func (r *MemoryIdempotencyRepository) Reclaim(ctx context.Context, key string, cutoff, now time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[key]
	if !ok || rec.Committed() || !rec.ReservedAt.Before(cutoff) {
		return false, nil
	}
	rec.ReservedAt = now
	return true, nil
}

func (r *MemoryIdempotencyRepository) SaveResult(ctx context.Context, key string, result []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[key]
	if !ok || rec.Committed() {
		return domain.NewDomainError(domain.ErrorCodeInternalError, "idempotency key missing or already committed").
			WithDetail("key", key)
	}
	rec.Result = result
	return nil
}

func (r *MemoryIdempotencyRepository) Release(ctx context.Context, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[key]
	if ok && !rec.Committed() {
		delete(r.records, key)
	}
	return nil
}

// MemoryPayoutRepository is an in-memory ports.PayoutRepository
type MemoryPayoutRepository struct {
	mu        sync.Mutex
	summaries map[string]*domain.PayoutSummary
	applied   map[string]bool
}

func NewMemoryPayoutRepository() *MemoryPayoutRepository {
	return &MemoryPayoutRepository{
		summaries: make(map[string]*domain.PayoutSummary),
		applied:   make(map[string]bool),
	}
}

func (r *MemoryPayoutRepository) Add(ctx context.Context, day string, eventID string, grossCents int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.applied[eventID] {
		return nil
	}
	r.applied[eventID] = true
	s, ok := r.summaries[day]
	if !ok {
		s = &domain.PayoutSummary{Day: day}
		r.summaries[day] = s
	}
	s.PayoutCount++
	s.GrossCents += grossCents
	s.UpdatedAt = time.Now()
	return nil
}

func (r *MemoryPayoutRepository) Get(ctx context.Context, day string) (*domain.PayoutSummary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.summaries[day]
	if !ok {
		return &domain.PayoutSummary{Day: day}, nil
	}
	clone := *s
	return &clone, nil
}
