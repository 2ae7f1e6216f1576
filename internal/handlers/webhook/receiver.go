package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/verdantpay/reconciliation-service/internal/dedup"
	"github.com/verdantpay/reconciliation-service/internal/domain"
	"github.com/verdantpay/reconciliation-service/internal/tasks"
	"github.com/verdantpay/reconciliation-service/pkg/middleware"
)

// SignatureHeader carries the sender's HMAC-SHA256 of the raw body, hex-encoded
const SignatureHeader = "X-Webhook-Signature"

// maxBodyBytes caps webhook payloads at 1 MiB
const maxBodyBytes = 1 << 20

// envelope is the outer shape of a gateway notification
type envelope struct {
	EventID string          `json:"event_id"`
	Type    string          `json:"type"`
	Data    json.RawMessage `json:"data"`
}

// Receiver terminates the gateway's webhook channel. It verifies the
// signature, stores the event exactly once, acknowledges immediately, and
// leaves the effects to the processing queue. The sender only ever sees a
// retryable failure when the store itself is down.
type Receiver struct {
	dedup         *dedup.Deduplicator
	queue         *tasks.Queue
	logger        *zap.Logger
	signingSecret []byte
}

// NewReceiver creates a webhook receiver
func NewReceiver(d *dedup.Deduplicator, queue *tasks.Queue, logger *zap.Logger, signingSecret string) *Receiver {
	return &Receiver{
		dedup:         d,
		queue:         queue,
		logger:        logger,
		signingSecret: []byte(signingSecret),
	}
}

// Routes mounts the webhook endpoint behind the rate limiter
func (rc *Receiver) Routes(limiter *middleware.RateLimiter) chi.Router {
	r := chi.NewRouter()
	r.Use(limiter.Middleware)
	r.Post("/gateway", rc.HandleGatewayEvent)
	r.Get("/gateway/events/{eventID}", rc.GetEventStatus)
	return r
}

// HandleGatewayEvent handles POST /webhooks/gateway
func (rc *Receiver) HandleGatewayEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		rc.respond(w, http.StatusBadRequest, map[string]string{"error": "unreadable body"})
		return
	}

	if !rc.verifySignature(body, r.Header.Get(SignatureHeader)) {
		rc.logger.Warn("webhook signature verification failed",
			zap.String("remote_addr", r.RemoteAddr))
		rc.respond(w, http.StatusUnauthorized, map[string]string{"error": "invalid signature"})
		return
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		rc.respond(w, http.StatusBadRequest, map[string]string{"error": "malformed payload"})
		return
	}

	decision, event, err := rc.dedup.Accept(r.Context(), env.EventID, env.Type, env.Data)
	if err != nil {
		if domain.IsValidationError(err) {
			rc.respond(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		// a 5xx tells the sender to retry; dedup makes that safe
		rc.logger.Error("failed to store webhook event",
			zap.String("event_id", env.EventID),
			zap.Error(err))
		rc.respond(w, http.StatusInternalServerError, map[string]string{"error": "storage failure"})
		return
	}

	if decision == dedup.DecisionNew {
		rc.queue.Enqueue(event)
	}

	// receipt is the acknowledgement; processing happens behind it
	rc.respond(w, http.StatusOK, map[string]string{
		"event_id": env.EventID,
		"status":   string(decision),
	})
}

// GetEventStatus handles GET /webhooks/gateway/events/{eventID}. It reports
// whether a delivery has been processed yet, for chasing a sender's retries.
func (rc *Receiver) GetEventStatus(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "eventID")

	event, err := rc.dedup.Status(r.Context(), eventID)
	if err != nil {
		if domain.IsNotFoundError(err) {
			rc.respond(w, http.StatusNotFound, map[string]string{"error": "unknown event"})
			return
		}
		rc.logger.Error("failed to read webhook event",
			zap.String("event_id", eventID),
			zap.Error(err))
		rc.respond(w, http.StatusInternalServerError, map[string]string{"error": "storage failure"})
		return
	}

	rc.respond(w, http.StatusOK, map[string]any{
		"event_id":    event.EventID,
		"type":        event.Type,
		"processed":   event.Processed,
		"retry_count": event.RetryCount,
		"received_at": event.ReceivedAt,
	})
}

func (rc *Receiver) verifySignature(body []byte, signature string) bool {
	if len(rc.signingSecret) == 0 || signature == "" {
		return false
	}
	expected, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, rc.signingSecret)
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), expected)
}

func (rc *Receiver) respond(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		rc.logger.Error("failed to write response", zap.Error(err))
	}
}
