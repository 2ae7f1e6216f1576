package cloudpos

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/verdantpay/reconciliation-service/internal/domain"
	"github.com/verdantpay/reconciliation-service/internal/domain/ports"
)

// Config contains configuration for the CloudPOS terminal adapter
type Config struct {
	// BaseURL of the CloudPOS fleet API
	BaseURL string

	// APIKey for the fleet account
	APIKey string

	// HTTP client timeout; poll calls carry their own context deadline on top
	Timeout time.Duration
}

// DefaultConfig returns default adapter configuration
func DefaultConfig(baseURL, apiKey string) *Config {
	return &Config{
		BaseURL: baseURL,
		APIKey:  apiKey,
		Timeout: 10 * time.Second,
	}
}

// Adapter implements ports.TerminalClient against the CloudPOS JSON API.
// CloudPOS devices are cloud-connected; a session is created against the
// fleet API and the device answer is read back by polling the session
// resource.
type Adapter struct {
	config     *Config
	httpClient *http.Client
	logger     *zap.Logger
}

// NewAdapter creates a new CloudPOS adapter
func NewAdapter(config *Config, logger *zap.Logger) *Adapter {
	return &Adapter{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		logger: logger,
	}
}

type createSessionRequest struct {
	DeviceID    string `json:"device_id"`
	AmountCents int64  `json:"amount_cents"`
	Currency    string `json:"currency"`
}

type sessionResource struct {
	SessionID     string `json:"session_id"`
	State         string `json:"state"`
	DeclineReason string `json:"decline_reason"`
}

// StartSession creates a payment session on the device.
func (a *Adapter) StartSession(ctx context.Context, deviceID string, amountCents int64, currency string) (string, error) {
	body, err := json.Marshal(createSessionRequest{
		DeviceID:    deviceID,
		AmountCents: amountCents,
		Currency:    currency,
	})
	if err != nil {
		return "", domain.WrapError(domain.ErrorCodeInternalError, "failed to encode session request", err)
	}

	raw, err := a.do(ctx, http.MethodPost, "/v1/terminal/sessions", bytes.NewReader(body))
	if err != nil {
		return "", err
	}

	var resource sessionResource
	if err := json.Unmarshal(raw, &resource); err != nil {
		return "", domain.WrapError(domain.ErrorCodeTransientTerminal, "malformed session response", err)
	}
	if resource.SessionID == "" {
		return "", domain.NewDomainError(domain.ErrorCodeTransientTerminal, "session response missing session_id")
	}

	a.logger.Info("CloudPOS session started",
		zap.String("device_id", deviceID),
		zap.String("session_ref", resource.SessionID),
	)
	return resource.SessionID, nil
}

// PollSession reads the current device answer for a session.
func (a *Adapter) PollSession(ctx context.Context, sessionRef string) (*ports.PollResult, error) {
	raw, err := a.do(ctx, http.MethodGet, "/v1/terminal/sessions/"+sessionRef, nil)
	if err != nil {
		return nil, err
	}

	var resource sessionResource
	if err := json.Unmarshal(raw, &resource); err != nil {
		return nil, domain.WrapError(domain.ErrorCodeTransientTerminal, "malformed session response", err)
	}

	state, err := mapState(resource.State)
	if err != nil {
		return nil, err
	}

	return &ports.PollResult{
		State:  state,
		Reason: resource.DeclineReason,
		Raw:    raw,
	}, nil
}

// CancelSession aborts an in-progress session on the device. Cancelling a
// session the device already finished is not an error.
func (a *Adapter) CancelSession(ctx context.Context, sessionRef string) error {
	_, err := a.do(ctx, http.MethodDelete, "/v1/terminal/sessions/"+sessionRef, nil)
	if domain.GetErrorCode(err) == domain.ErrorCodeSessionNotFound {
		return nil
	}
	return err
}

func (a *Adapter) do(ctx context.Context, method, path string, body io.Reader) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, method, a.config.BaseURL+path, body)
	if err != nil {
		return nil, domain.WrapError(domain.ErrorCodeInternalError, "failed to create terminal request", err)
	}
	req.Header.Set("Authorization", "Bearer "+a.config.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		a.logger.Warn("CloudPOS request failed",
			zap.String("path", path),
			zap.Error(err),
		)
		return nil, domain.WrapError(domain.ErrorCodeTransientTerminal, "terminal fleet unreachable", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, domain.WrapError(domain.ErrorCodeTransientTerminal, "failed to read terminal response", err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return raw, nil
	case resp.StatusCode == http.StatusNotFound:
		return nil, domain.ErrSessionNotFound.WithDetail("session_path", path)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, domain.ErrDeviceOffline.WithDetail("status", resp.StatusCode)
	default:
		return nil, domain.NewDomainError(domain.ErrorCodeValidationFailed,
			fmt.Sprintf("terminal fleet rejected request with status %d", resp.StatusCode))
	}
}

func mapState(vendor string) (ports.DeviceState, error) {
	switch vendor {
	case "pending", "presented", "processing":
		return ports.DevicePending, nil
	case "approved":
		return ports.DeviceApproved, nil
	case "declined":
		return ports.DeviceDeclined, nil
	case "cancelled", "expired":
		return ports.DeviceCancelled, nil
	default:
		return "", domain.NewDomainError(domain.ErrorCodeTransientTerminal,
			fmt.Sprintf("unknown device state %q", vendor))
	}
}
