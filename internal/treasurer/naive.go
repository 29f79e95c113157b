package treasurer

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/ampersend-xyz/x402-mcp-proxy/internal/wallet"
	"github.com/ampersend-xyz/x402-mcp-proxy/internal/x402"
)

// Naive auto-approves the first offered requirement. Useful for local
// development and tests; it applies no spending policy at all.
type Naive struct {
	wallet wallet.Wallet
	log    *slog.Logger
}

// NewNaive creates a treasurer that pays whatever the upstream asks first.
func NewNaive(w wallet.Wallet, log *slog.Logger) *Naive {
	if log == nil {
		log = slog.Default()
	}
	return &Naive{wallet: w, log: log}
}

func (t *Naive) OnPaymentRequired(ctx context.Context, accepts []x402.PaymentRequirements, pctx map[string]any) (*Authorization, error) {
	if len(accepts) == 0 {
		return nil, nil
	}

	req := accepts[0]
	payment, err := t.wallet.CreatePayment(ctx, req)
	if err != nil {
		return nil, err
	}

	auth := &Authorization{
		ID:      uuid.NewString(),
		Payment: payment,
	}
	t.log.Debug("authorized payment",
		"authorizationId", auth.ID,
		"network", req.Network,
		"amount", req.MaxAmountRequired,
		"payTo", req.PayTo)
	return auth, nil
}

func (t *Naive) OnStatus(ctx context.Context, status PaymentStatus, auth *Authorization, pctx map[string]any) {
	if auth == nil {
		return
	}
	t.log.Info("payment status", "authorizationId", auth.ID, "status", string(status))
}
