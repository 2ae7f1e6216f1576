package lanepoint

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/verdantpay/reconciliation-service/internal/domain"
	"github.com/verdantpay/reconciliation-service/internal/domain/ports"
)

// Config contains configuration for the LanePoint terminal adapter
type Config struct {
	// Endpoint of the LanePoint lane controller
	Endpoint string

	// MerchantKey identifies the merchant to the lane controller
	MerchantKey string

	// HTTP client timeout
	Timeout time.Duration
}

// DefaultConfig returns default adapter configuration
func DefaultConfig(endpoint, merchantKey string) *Config {
	return &Config{
		Endpoint:    endpoint,
		MerchantKey: merchantKey,
		Timeout:     10 * time.Second,
	}
}

// Adapter implements ports.TerminalClient against LanePoint's form-encoded
// lane controller protocol. Every call is a POST of key=value pairs against a
// single endpoint; ACTION selects the operation and the answer comes back in
// the same encoding.
type Adapter struct {
	config     *Config
	httpClient *http.Client
	logger     *zap.Logger
}

// NewAdapter creates a new LanePoint adapter
func NewAdapter(config *Config, logger *zap.Logger) *Adapter {
	return &Adapter{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		logger: logger,
	}
}

// StartSession asks the lane controller to arm the device for a payment.
func (a *Adapter) StartSession(ctx context.Context, deviceID string, amountCents int64, currency string) (string, error) {
	form := url.Values{}
	form.Set("ACTION", "SESSION_START")
	form.Set("DEVICE_ID", deviceID)
	form.Set("AMOUNT_CENTS", strconv.FormatInt(amountCents, 10))
	form.Set("CURRENCY", currency)

	fields, _, err := a.post(ctx, form)
	if err != nil {
		return "", err
	}

	sessionRef := fields.Get("SESSION_REF")
	if sessionRef == "" {
		return "", domain.NewDomainError(domain.ErrorCodeTransientTerminal, "lane controller answer missing SESSION_REF")
	}

	a.logger.Info("LanePoint session started",
		zap.String("device_id", deviceID),
		zap.String("session_ref", sessionRef),
	)
	return sessionRef, nil
}

// PollSession reads the current device answer for a session.
func (a *Adapter) PollSession(ctx context.Context, sessionRef string) (*ports.PollResult, error) {
	form := url.Values{}
	form.Set("ACTION", "SESSION_STATUS")
	form.Set("SESSION_REF", sessionRef)

	fields, raw, err := a.post(ctx, form)
	if err != nil {
		return nil, err
	}

	state, err := mapState(fields.Get("STATE"))
	if err != nil {
		return nil, err
	}

	// Session record stores JSON; re-encode the form answer.
	rawJSON, _ := json.Marshal(flatten(fields))
	if rawJSON == nil {
		rawJSON = raw
	}

	return &ports.PollResult{
		State:  state,
		Reason: fields.Get("DECLINE_REASON"),
		Raw:    rawJSON,
	}, nil
}

// CancelSession aborts an armed session. An already finished session is not
// an error.
func (a *Adapter) CancelSession(ctx context.Context, sessionRef string) error {
	form := url.Values{}
	form.Set("ACTION", "SESSION_CANCEL")
	form.Set("SESSION_REF", sessionRef)

	_, _, err := a.post(ctx, form)
	if domain.GetErrorCode(err) == domain.ErrorCodeSessionNotFound {
		return nil
	}
	return err
}

// post sends one form-encoded call and parses the form-encoded answer.
// RESULT "00" is success; "90" means unknown session; anything else is a
// controller rejection.
func (a *Adapter) post(ctx context.Context, form url.Values) (url.Values, []byte, error) {
	form.Set("MERCHANT_KEY", a.config.MerchantKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.config.Endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, nil, domain.WrapError(domain.ErrorCodeInternalError, "failed to create lane controller request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		a.logger.Warn("LanePoint request failed",
			zap.String("action", form.Get("ACTION")),
			zap.Error(err),
		)
		return nil, nil, domain.WrapError(domain.ErrorCodeTransientTerminal, "lane controller unreachable", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, nil, domain.WrapError(domain.ErrorCodeTransientTerminal, "failed to read lane controller response", err)
	}

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return nil, nil, domain.ErrDeviceOffline.WithDetail("status", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, nil, domain.NewDomainError(domain.ErrorCodeValidationFailed,
			fmt.Sprintf("lane controller rejected request with status %d", resp.StatusCode))
	}

	fields, err := url.ParseQuery(string(raw))
	if err != nil {
		return nil, nil, domain.WrapError(domain.ErrorCodeTransientTerminal, "malformed lane controller response", err)
	}

	switch fields.Get("RESULT") {
	case "00":
		return fields, raw, nil
	case "90":
		return nil, nil, domain.ErrSessionNotFound.WithDetail("session_ref", form.Get("SESSION_REF"))
	default:
		return nil, nil, domain.NewDomainError(domain.ErrorCodeValidationFailed,
			fmt.Sprintf("lane controller result %s: %s", fields.Get("RESULT"), fields.Get("RESULT_TEXT")))
	}
}

func mapState(vendor string) (ports.DeviceState, error) {
	switch vendor {
	case "ARMED", "CARD_PRESENTED", "PROCESSING":
		return ports.DevicePending, nil
	case "APPROVED":
		return ports.DeviceApproved, nil
	case "DECLINED":
		return ports.DeviceDeclined, nil
	case "CANCELLED", "EXPIRED":
		return ports.DeviceCancelled, nil
	default:
		return "", domain.NewDomainError(domain.ErrorCodeTransientTerminal,
			fmt.Sprintf("unknown lane state %q", vendor))
	}
}

func flatten(fields url.Values) map[string]string {
	out := make(map[string]string, len(fields))
	for k := range fields {
		out[k] = fields.Get(k)
	}
	return out
}
