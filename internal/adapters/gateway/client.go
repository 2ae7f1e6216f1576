package gateway

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

// Config contains configuration for the payment gateway client
type Config struct {
	// BaseURL of the gateway API, e.g. https://api.gateway.example.com
	BaseURL string

	// APIKey sent as a bearer token on every request
	APIKey string

	// HTTP client timeout
	Timeout time.Duration

	// Circuit breaker configuration
	CircuitBreaker CircuitBreakerConfig
}

// DefaultConfig returns default client configuration
func DefaultConfig(baseURL, apiKey string) *Config {
	return &Config{
		BaseURL:        baseURL,
		APIKey:         apiKey,
		Timeout:        10 * time.Second,
		CircuitBreaker: DefaultCircuitBreakerConfig(),
	}
}

// Client implements ports.PaymentGateway against the gateway's JSON API.
// Network failures, 5xx answers, and an open breaker all surface as
// transient errors so the caller's retry and idempotency machinery can take
// over; declines come back as declined responses, not errors.
type Client struct {
	config     *Config
	httpClient *http.Client
	breaker    *CircuitBreaker
	logger     *zap.Logger
}

// NewClient creates a new payment gateway client
func NewClient(config *Config, logger *zap.Logger) *Client {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 100,
		IdleConnTimeout:     90 * time.Second,
	}

	return &Client{
		config: config,
		httpClient: &http.Client{
			Timeout:   config.Timeout,
			Transport: transport,
		},
		breaker: NewCircuitBreaker(config.CircuitBreaker),
		logger:  logger,
	}
}

type chargePayload struct {
	AmountCents int64  `json:"amount_cents"`
	Currency    string `json:"currency"`
	Token       string `json:"token"`
	Capture     bool   `json:"capture"`
}

type refundPayload struct {
	ChargeID    string `json:"charge_id"`
	AmountCents int64  `json:"amount_cents"`
}

type chargeResult struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	DeclineReason string `json:"decline_reason"`
}

type apiError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Healthy reports whether the gateway can be called right now. An open
// circuit breaker means recent calls kept failing.
func (c *Client) Healthy() error {
	if c.breaker.State() == StateOpen {
		return domain.ErrGatewayUnavailable.WithDetail("reason", "circuit_open")
	}
	return nil
}

// CreateCharge sends a charge to the gateway. The idempotency key rides the
// Idempotency-Key header so a retried call never creates a second charge.
func (c *Client) CreateCharge(ctx context.Context, req ports.ChargeRequest) (*ports.ChargeResponse, error) {
	c.logger.Debug("Creating gateway charge",
		zap.Int64("amount_cents", req.AmountCents),
		zap.String("currency", req.Currency),
		zap.Bool("capture", req.Capture),
	)

	var result chargeResult
	err := c.post(ctx, "/v1/charges", req.IdempotencyKey, chargePayload{
		AmountCents: req.AmountCents,
		Currency:    req.Currency,
		Token:       req.Token,
		Capture:     req.Capture,
	}, &result)
	if err != nil {
		return nil, err
	}

	return &ports.ChargeResponse{
		ID:            result.ID,
		Status:        ports.ChargeStatus(result.Status),
		DeclineReason: result.DeclineReason,
	}, nil
}

// CreateRefund sends a refund against a prior charge.
func (c *Client) CreateRefund(ctx context.Context, req ports.RefundRequest) (*ports.RefundResponse, error) {
	c.logger.Debug("Creating gateway refund",
		zap.String("charge_id", req.ChargeID),
		zap.Int64("amount_cents", req.AmountCents),
	)

	var result chargeResult
	err := c.post(ctx, "/v1/refunds", req.IdempotencyKey, refundPayload{
		ChargeID:    req.ChargeID,
		AmountCents: req.AmountCents,
	}, &result)
	if err != nil {
		return nil, err
	}

	return &ports.RefundResponse{
		ID:     result.ID,
		Status: ports.ChargeStatus(result.Status),
	}, nil
}

// post runs one JSON request through the circuit breaker. Only transient
// errors count against the breaker; declines and validation rejections are
// completed round trips.
func (c *Client) post(ctx context.Context, path, idempotencyKey string, payload, result interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return domain.WrapError(domain.ErrorCodeInternalError, "failed to encode gateway request", err)
	}

	err = c.breaker.Call(func() error {
		return c.doRequest(ctx, path, idempotencyKey, body, result)
	}, domain.IsTransientError)

	switch err {
	case ErrCircuitOpen, ErrTooManyRequests:
		c.logger.Warn("Gateway circuit breaker rejected request",
			zap.String("path", path),
			zap.String("state", c.breaker.State().String()),
		)
		return domain.ErrGatewayUnavailable.WithDetail("reason", "circuit_open")
	}
	return err
}

func (c *Client) doRequest(ctx context.Context, path, idempotencyKey string, body []byte, result interface{}) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return domain.WrapError(domain.ErrorCodeInternalError, "failed to create gateway request", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	if idempotencyKey != "" {
		httpReq.Header.Set("Idempotency-Key", idempotencyKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.logger.Warn("Gateway request failed",
			zap.String("path", path),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err),
		)
		return domain.WrapError(domain.ErrorCodeTransientGateway, "gateway unreachable", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return domain.WrapError(domain.ErrorCodeTransientGateway, "failed to read gateway response", err)
	}

	c.logger.Debug("Gateway response received",
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)),
	)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if err := json.Unmarshal(raw, result); err != nil {
			return domain.WrapError(domain.ErrorCodeTransientGateway, "malformed gateway response", err)
		}
		return nil

	case resp.StatusCode == http.StatusPaymentRequired:
		var apiErr apiError
		reason := "declined"
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error.Code != "" {
			reason = apiErr.Error.Code
		}
		return domain.ErrPaymentDeclined.WithDetail("reason", reason)

	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return domain.ErrGatewayUnavailable.WithDetail("status", resp.StatusCode)

	default:
		var apiErr apiError
		message := fmt.Sprintf("gateway rejected request with status %d", resp.StatusCode)
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error.Message != "" {
			message = apiErr.Error.Message
		}
		return domain.NewDomainError(domain.ErrorCodeValidationFailed, message)
	}
}
