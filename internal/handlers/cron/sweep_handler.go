package cron

import (
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/verdantpay/reconciliation-service/internal/reconcile"
	"github.com/verdantpay/reconciliation-service/pkg/resilience"
)

// SweepHandler exposes the terminal session sweep as a cron endpoint.
// It is called by a scheduler (Cloud Scheduler, systemd timer) rather than
// by end users, so it authenticates with a shared secret instead of the
// regular request auth.
type SweepHandler struct {
	sweeper    *reconcile.Sweeper
	timeouts   *resilience.TimeoutConfig
	logger     *zap.Logger
	cronSecret string
}

// NewSweepHandler creates a new sweep cron handler
func NewSweepHandler(sweeper *reconcile.Sweeper, timeouts *resilience.TimeoutConfig, logger *zap.Logger, cronSecret string) *SweepHandler {
	return &SweepHandler{
		sweeper:    sweeper,
		timeouts:   timeouts,
		logger:     logger,
		cronSecret: cronSecret,
	}
}

// SweepResponse represents the response from a sweep run
type SweepResponse struct {
	Success     bool   `json:"success"`
	Examined    int    `json:"examined"`
	Corrected   int    `json:"corrected"`
	Expired     int    `json:"expired"`
	StillOpen   int    `json:"still_open"`
	Errors      int    `json:"errors"`
	ProcessedAt string `json:"processed_at"`
}

// SweepSessions handles the POST /cron/sweep-sessions endpoint
func (h *SweepHandler) SweepSessions(w http.ResponseWriter, r *http.Request) {
	h.logger.Info("Session sweep cron job triggered",
		zap.String("method", r.Method),
		zap.String("remote_addr", r.RemoteAddr),
	)

	if r.Method != http.MethodPost {
		h.respondError(w, http.StatusMethodNotAllowed, "only POST method is allowed")
		return
	}

	if !h.authenticateRequest(r) {
		h.logger.Warn("Unauthorized cron request",
			zap.String("remote_addr", r.RemoteAddr),
		)
		h.respondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	ctx, cancel := h.timeouts.CronContext(r.Context())
	defer cancel()

	report, err := h.sweeper.Sweep(ctx)
	if err != nil {
		h.logger.Error("Session sweep failed", zap.Error(err))
		h.respondError(w, http.StatusInternalServerError, "sweep failed")
		return
	}

	resp := SweepResponse{
		Success:     report.Errors == 0,
		Examined:    report.Examined,
		Corrected:   report.Corrected,
		Expired:     report.Expired,
		StillOpen:   report.StillOpen,
		Errors:      report.Errors,
		ProcessedAt: time.Now().Format(time.RFC3339),
	}

	h.logger.Info("Session sweep completed",
		zap.Int("examined", report.Examined),
		zap.Int("corrected", report.Corrected),
		zap.Int("expired", report.Expired),
		zap.Int("still_open", report.StillOpen),
		zap.Int("errors", report.Errors),
	)

	w.Header().Set("Content-Type", "application/json")
	if resp.Success {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusPartialContent)
	}

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Error("Failed to encode response", zap.Error(err))
	}
}

// authenticateRequest verifies the cron request is authorized
func (h *SweepHandler) authenticateRequest(r *http.Request) bool {
	if h.cronSecret == "" {
		return false
	}

	cronSecret := r.Header.Get("X-Cron-Secret")
	if cronSecret != "" && cronSecret == h.cronSecret {
		return true
	}

	authHeader := r.Header.Get("Authorization")
	if authHeader == "Bearer "+h.cronSecret {
		return true
	}

	return false
}

// respondError sends an error response
func (h *SweepHandler) respondError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	resp := map[string]interface{}{
		"success": false,
		"error":   message,
	}

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Error("Failed to encode error response", zap.Error(err))
	}
}
