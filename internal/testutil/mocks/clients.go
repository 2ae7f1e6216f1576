package mocks

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/verdantpay/reconciliation-service/internal/domain"
	"github.com/verdantpay/reconciliation-service/internal/domain/ports"
)

// ScriptedGateway plays back configured answers and records the requests it
// saw. A nil script entry means "succeed with a generated charge id".
type ScriptedGateway struct {
	mu sync.Mutex

	ChargeResponses []ChargeScript
	RefundResponses []RefundScript

	ChargeCalls []ports.ChargeRequest
	RefundCalls []ports.RefundRequest
}

// ChargeScript is one scripted CreateCharge answer
type ChargeScript struct {
	Response *ports.ChargeResponse
	Err      error
}

// RefundScript is one scripted CreateRefund answer
type RefundScript struct {
	Response *ports.RefundResponse
	Err      error
}

func (g *ScriptedGateway) CreateCharge(ctx context.Context, req ports.ChargeRequest) (*ports.ChargeResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ChargeCalls = append(g.ChargeCalls, req)

	if len(g.ChargeResponses) == 0 {
		status := ports.ChargeStatusAuthorized
		if req.Capture {
			status = ports.ChargeStatusCaptured
		}
		return &ports.ChargeResponse{ID: "ch_" + uuid.New().String()[:8], Status: status}, nil
	}

	script := g.ChargeResponses[0]
	g.ChargeResponses = g.ChargeResponses[1:]
	return script.Response, script.Err
}

func (g *ScriptedGateway) CreateRefund(ctx context.Context, req ports.RefundRequest) (*ports.RefundResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.RefundCalls = append(g.RefundCalls, req)

	if len(g.RefundResponses) == 0 {
		return &ports.RefundResponse{ID: "re_" + uuid.New().String()[:8], Status: ports.ChargeStatusCaptured}, nil
	}

	script := g.RefundResponses[0]
	g.RefundResponses = g.RefundResponses[1:]
	return script.Response, script.Err
}

// PollScript is one scripted PollSession answer
type PollScript struct {
	Result *ports.PollResult
	Err    error
}

// ScriptedTerminal plays back a fixed sequence of poll answers. When the
// script runs out the last entry repeats.
type ScriptedTerminal struct {
	mu sync.Mutex

	StartErr    error
	PollAnswers []PollScript
	CancelErr   error

	PollCalls   int
	CancelCalls int
	Sessions    []string
}

func (t *ScriptedTerminal) StartSession(ctx context.Context, deviceID string, amountCents int64, currency string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.StartErr != nil {
		return "", t.StartErr
	}
	ref := "term_" + uuid.New().String()[:8]
	t.Sessions = append(t.Sessions, ref)
	return ref, nil
}

func (t *ScriptedTerminal) PollSession(ctx context.Context, sessionRef string) (*ports.PollResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, domain.WrapError(domain.ErrorCodeTransientTerminal, "poll cancelled", err)
	}

	if len(t.PollAnswers) == 0 {
		return &ports.PollResult{State: ports.DevicePending}, nil
	}

	idx := t.PollCalls
	if idx >= len(t.PollAnswers) {
		idx = len(t.PollAnswers) - 1
	}
	t.PollCalls++

	script := t.PollAnswers[idx]
	return script.Result, script.Err
}

func (t *ScriptedTerminal) CancelSession(ctx context.Context, sessionRef string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.CancelCalls++
	return t.CancelErr
}
