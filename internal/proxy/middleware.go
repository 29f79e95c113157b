package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ampersend-xyz/x402-mcp-proxy/internal/treasurer"
	"github.com/ampersend-xyz/x402-mcp-proxy/internal/x402"
)

// PaymentMiddleware inspects upstream responses against the request that
// produced them. A 402 error becomes a retry request with a signed payment
// attached; a settle response resolves the outstanding authorization. The
// middleware never sends messages itself, it only transforms them.
//
// One instance per bridge: pending authorizations are scoped to a session
// and drained when the bridge closes.
type PaymentMiddleware struct {
	treasurer treasurer.Treasurer
	log       *slog.Logger

	mu      sync.Mutex
	pending map[string]*treasurer.Authorization
}

// NewPaymentMiddleware creates a middleware bound to a treasurer.
func NewPaymentMiddleware(t treasurer.Treasurer, log *slog.Logger) *PaymentMiddleware {
	if log == nil {
		log = slog.Default()
	}
	return &PaymentMiddleware{
		treasurer: t,
		log:       log,
		pending:   make(map[string]*treasurer.Authorization),
	}
}

// OnMessage examines a response in the context of its originating request
// and returns a retry request when a payment should be attempted, or nil
// when the response should continue to the buyer unchanged.
func (m *PaymentMiddleware) OnMessage(ctx context.Context, original *x402.Envelope, response json.RawMessage) (json.RawMessage, error) {
	settlement, err := x402.SettlementFromResponse(response)
	if err != nil {
		return nil, err
	}
	if settlement != nil {
		return nil, m.handleSettlement(ctx, original, settlement)
	}

	required, err := x402.RequirementsFromError(response)
	if err != nil {
		return nil, err
	}
	if required != nil {
		return m.handlePaymentRequired(ctx, original, required)
	}

	return nil, nil
}

func (m *PaymentMiddleware) handleSettlement(ctx context.Context, original *x402.Envelope, settlement *x402.SettleResponse) error {
	idValue, ok := x402.RequestMetaValue(original.Raw, x402.MetaPaymentID)
	if !ok {
		return fmt.Errorf("%w: method %q", x402.ErrProtocolViolation, original.Method)
	}
	paymentID, ok := idValue.(string)
	if !ok {
		return fmt.Errorf("%w: non-string payment id %v", x402.ErrProtocolViolation, idValue)
	}

	m.mu.Lock()
	auth, ok := m.pending[paymentID]
	delete(m.pending, paymentID)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", x402.ErrUnknownAuthorization, paymentID)
	}

	status := treasurer.StatusAccepted
	pctx := map[string]any{"method": original.Method}
	if !settlement.Success {
		status = treasurer.StatusRejected
		if settlement.ErrorReason != "" {
			pctx["reason"] = settlement.ErrorReason
		}
	}

	m.log.Info("payment settled",
		"authorizationId", auth.ID,
		"success", settlement.Success,
		"transaction", settlement.Transaction)
	m.treasurer.OnStatus(ctx, status, auth, pctx)
	return nil
}

func (m *PaymentMiddleware) handlePaymentRequired(ctx context.Context, original *x402.Envelope, required *x402.PaymentRequiredResponse) (json.RawMessage, error) {
	// A request that already carries a payment must not pay twice; its 402
	// goes back to the buyer.
	if _, paid := x402.RequestMetaValue(original.Raw, x402.MetaPayment); paid {
		m.log.Warn("payment rejected after retry, forwarding 402", "method", original.Method)
		return nil, nil
	}

	pctx := map[string]any{"method": original.Method}
	auth, err := m.treasurer.OnPaymentRequired(ctx, required.Accepts, pctx)
	if err != nil {
		return nil, err
	}
	if auth == nil {
		m.log.Info("payment declined", "method", original.Method)
		return nil, nil
	}

	m.mu.Lock()
	m.pending[auth.ID] = auth
	m.mu.Unlock()

	m.treasurer.OnStatus(ctx, treasurer.StatusSending, auth, pctx)

	retry, err := x402.InjectRequestMeta(original.Raw, map[string]any{
		x402.MetaPayment:   auth.Payment,
		x402.MetaPaymentID: auth.ID,
	})
	if err != nil {
		m.mu.Lock()
		delete(m.pending, auth.ID)
		m.mu.Unlock()
		return nil, err
	}
	return retry, nil
}

// Drain discards all pending authorizations. Called on bridge close so no
// authorization outlives its session.
func (m *PaymentMiddleware) Drain() {
	m.mu.Lock()
	n := len(m.pending)
	m.pending = make(map[string]*treasurer.Authorization)
	m.mu.Unlock()
	if n > 0 {
		m.log.Debug("discarded pending authorizations", "count", n)
	}
}

// PendingAuthorizations reports how many authorizations await settlement.
func (m *PaymentMiddleware) PendingAuthorizations() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}
