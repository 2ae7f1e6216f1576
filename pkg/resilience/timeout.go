package resilience

import (
	"context"
	"time"
)

// TimeoutConfig defines the application's timeout hierarchy
//
// Hierarchy (from outermost to innermost):
//
//	HTTP handler (60s)
//	  Service layer (50s)
//	    Gateway call (10s) / terminal poll call (3s)
//	      Database query (handled by the postgres adapter)
//
// Each layer completes before its parent times out. The terminal poll deadline
// is a separate, overall cap on the whole polling loop, distinct from the
// per-call network timeout.
type TimeoutConfig struct {
	HTTPHandler time.Duration // overall request timeout
	CronJob     time.Duration // sweep execution timeout
	Service     time.Duration // service operation timeout

	GatewayCall  time.Duration // single payment gateway call
	TerminalCall time.Duration // single terminal poll call
	PollDeadline time.Duration // hard cap on one terminal polling loop
}

// DefaultTimeoutConfig returns production timeout values
func DefaultTimeoutConfig() *TimeoutConfig {
	return &TimeoutConfig{
		HTTPHandler:  60 * time.Second,
		CronJob:      5 * time.Minute,
		Service:      50 * time.Second,
		GatewayCall:  10 * time.Second,
		TerminalCall: 3 * time.Second,
		PollDeadline: 90 * time.Second,
	}
}

// TestTimeoutConfig returns shorter timeouts for testing
func TestTimeoutConfig() *TimeoutConfig {
	return &TimeoutConfig{
		HTTPHandler:  5 * time.Second,
		CronJob:      30 * time.Second,
		Service:      4 * time.Second,
		GatewayCall:  1 * time.Second,
		TerminalCall: 200 * time.Millisecond,
		PollDeadline: 2 * time.Second,
	}
}

// HandlerContext creates a context with timeout for HTTP handlers
func (tc *TimeoutConfig) HandlerContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, tc.HTTPHandler)
}

// CronContext creates a context with timeout for sweep jobs
func (tc *TimeoutConfig) CronContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, tc.CronJob)
}

// ServiceContext creates a context with timeout for service layer operations
func (tc *TimeoutConfig) ServiceContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, tc.Service)
}

// GatewayContext creates a context for a single gateway call
func (tc *TimeoutConfig) GatewayContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, tc.GatewayCall)
}

// TerminalContext creates a context for a single terminal poll call
func (tc *TimeoutConfig) TerminalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, tc.TerminalCall)
}
