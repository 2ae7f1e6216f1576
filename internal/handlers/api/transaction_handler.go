package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/verdantpay/reconciliation-service/internal/domain"
	"github.com/verdantpay/reconciliation-service/internal/domain/ports"
	"github.com/verdantpay/reconciliation-service/internal/services/checkout"
	"github.com/verdantpay/reconciliation-service/pkg/middleware"
)

// Handler exposes the checkout service and reconciliation reads over HTTP.
type Handler struct {
	service *checkout.Service
	txns    ports.TransactionRepository
	payouts ports.PayoutRepository
	logger  *zap.Logger
}

// NewHandler creates a new API handler
func NewHandler(service *checkout.Service, txns ports.TransactionRepository, payouts ports.PayoutRepository, logger *zap.Logger) *Handler {
	return &Handler{
		service: service,
		txns:    txns,
		payouts: payouts,
		logger:  logger,
	}
}

// Routes mounts the API endpoints on a chi router.
func (h *Handler) Routes(limiter *middleware.RateLimiter) chi.Router {
	r := chi.NewRouter()
	r.Use(limiter.Middleware)

	r.Post("/charges", h.CreateCharge)
	r.Post("/terminal-charges", h.CreateTerminalCharge)
	r.Post("/refunds", h.CreateRefund)
	r.Get("/transactions", h.ListTransactions)
	r.Get("/transactions/{id}", h.GetTransaction)
	r.Get("/payouts/{day}", h.GetPayoutSummary)

	return r
}

type chargeRequest struct {
	AmountCents int64  `json:"amount_cents"`
	Currency    string `json:"currency"`
	Token       string `json:"token"`
	OrderID     string `json:"order_id"`
	Capture     bool   `json:"capture"`
}

type terminalChargeRequest struct {
	AmountCents int64  `json:"amount_cents"`
	Currency    string `json:"currency"`
	DeviceID    string `json:"device_id"`
	OrderID     string `json:"order_id"`
}

type refundRequest struct {
	TransactionID string `json:"transaction_id"`
	AmountCents   int64  `json:"amount_cents"`
}

type transactionResponse struct {
	Transaction *domain.Transaction        `json:"transaction"`
	Transitions []domain.AppliedTransition `json:"transitions"`
	Refunds     []domain.RefundEntry       `json:"refunds"`
}

// CreateCharge handles POST /charges
func (h *Handler) CreateCharge(w http.ResponseWriter, r *http.Request) {
	var req chargeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := h.service.Charge(r.Context(), checkout.ChargeRequest{
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
		AmountCents:    req.AmountCents,
		Currency:       req.Currency,
		Token:          req.Token,
		OrderID:        req.OrderID,
		Capture:        req.Capture,
	})
	if err != nil {
		h.respondDomainError(w, err)
		return
	}

	h.respondResult(w, result)
}

// CreateTerminalCharge handles POST /terminal-charges
func (h *Handler) CreateTerminalCharge(w http.ResponseWriter, r *http.Request) {
	var req terminalChargeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := h.service.TerminalCharge(r.Context(), checkout.TerminalChargeRequest{
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
		AmountCents:    req.AmountCents,
		Currency:       req.Currency,
		DeviceID:       req.DeviceID,
		OrderID:        req.OrderID,
	})
	if err != nil {
		h.respondDomainError(w, err)
		return
	}

	h.respondResult(w, result)
}

// CreateRefund handles POST /refunds
func (h *Handler) CreateRefund(w http.ResponseWriter, r *http.Request) {
	var req refundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := h.service.Refund(r.Context(), checkout.RefundRequest{
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
		TransactionID:  req.TransactionID,
		AmountCents:    req.AmountCents,
	})
	if err != nil {
		h.respondDomainError(w, err)
		return
	}

	h.respondResult(w, result)
}

// GetTransaction handles GET /transactions/{id}. The response carries the
// current entity plus its full audit trail and refund ledger.
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		h.respondError(w, http.StatusBadRequest, "transaction id is required")
		return
	}

	txn, transitions, refunds, err := h.service.GetTransaction(r.Context(), id)
	if err != nil {
		h.respondDomainError(w, err)
		return
	}

	h.respondJSON(w, http.StatusOK, transactionResponse{
		Transaction: txn,
		Transitions: transitions,
		Refunds:     refunds,
	})
}

// ListTransactions handles GET /transactions?status=&since=&until=&limit=.
// It serves status/date range scans for reconciliation reports; the window
// defaults to the last 24 hours.
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	status := domain.TransactionStatus(r.URL.Query().Get("status"))
	if !domain.IsValidStatus(status) {
		h.respondError(w, http.StatusBadRequest, "unknown status")
		return
	}

	until := time.Now()
	if raw := r.URL.Query().Get("until"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			h.respondError(w, http.StatusBadRequest, "until must be RFC3339")
			return
		}
		until = parsed
	}

	since := until.Add(-24 * time.Hour)
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			h.respondError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		since = parsed
	}

	limit := int32(100)
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 32)
		if err != nil || parsed < 1 || parsed > 500 {
			h.respondError(w, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		limit = int32(parsed)
	}

	transactions, err := h.txns.ListByStatus(r.Context(), nil, status, since, until, limit)
	if err != nil {
		h.respondDomainError(w, err)
		return
	}
	if transactions == nil {
		transactions = []*domain.Transaction{}
	}

	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"count":        len(transactions),
		"transactions": transactions,
	})
}

// GetPayoutSummary handles GET /payouts/{day} where day is YYYY-MM-DD.
func (h *Handler) GetPayoutSummary(w http.ResponseWriter, r *http.Request) {
	day := chi.URLParam(r, "day")
	if day == "" {
		h.respondError(w, http.StatusBadRequest, "day is required")
		return
	}

	summary, err := h.payouts.Get(r.Context(), day)
	if err != nil {
		h.respondDomainError(w, err)
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"day":          summary.Day,
		"payout_count": summary.PayoutCount,
		"gross_cents":  summary.GrossCents,
		"gross_amount": summary.GrossAmount().String(),
	})
}

func (h *Handler) respondResult(w http.ResponseWriter, result *checkout.Result) {
	status := http.StatusOK
	if !result.Replayed {
		status = http.StatusCreated
	}
	h.respondJSON(w, status, result)
}

// respondDomainError maps domain error codes onto HTTP status codes. Transient
// failures return 503 so callers know a retry with the same idempotency key is
// safe.
func (h *Handler) respondDomainError(w http.ResponseWriter, err error) {
	code := domain.GetErrorCode(err)

	var status int
	switch {
	case domain.IsValidationError(err):
		status = http.StatusBadRequest
	case domain.IsNotFoundError(err):
		status = http.StatusNotFound
	case domain.IsConflictError(err), code == domain.ErrorCodeIdempotencyPending:
		status = http.StatusConflict
	case domain.IsTransientError(err):
		status = http.StatusServiceUnavailable
	default:
		h.logger.Error("Unhandled service error", zap.Error(err))
		status = http.StatusInternalServerError
	}

	h.respondJSON(w, status, map[string]interface{}{
		"error": map[string]interface{}{
			"code":    string(code),
			"message": err.Error(),
		},
	})
}

func (h *Handler) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, map[string]interface{}{
		"error": map[string]interface{}{"message": message},
	})
}

func (h *Handler) respondJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("Failed to encode response", zap.Error(err))
	}
}
