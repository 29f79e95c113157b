package ampersend

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ampersend-xyz/x402-mcp-proxy/internal/treasurer"
	"github.com/ampersend-xyz/x402-mcp-proxy/internal/wallet"
	"github.com/ampersend-xyz/x402-mcp-proxy/internal/x402"
)

// statusReportTimeout bounds the fire-and-forget event reports so a slow
// policy service cannot pile up goroutines.
const statusReportTimeout = 15 * time.Second

// Treasurer asks the Ampersend policy service before paying and reports
// lifecycle events for every authorization. Policy failures are treated
// as declines: the buyer sees the original 402 and the proxy stays up.
type Treasurer struct {
	client *Client
	wallet wallet.Wallet
	log    *slog.Logger
}

// NewTreasurer creates a remote-policy treasurer.
func NewTreasurer(client *Client, w wallet.Wallet, log *slog.Logger) *Treasurer {
	if log == nil {
		log = slog.Default()
	}
	return &Treasurer{client: client, wallet: w, log: log}
}

func (t *Treasurer) OnPaymentRequired(ctx context.Context, accepts []x402.PaymentRequirements, pctx map[string]any) (*treasurer.Authorization, error) {
	if len(accepts) == 0 {
		return nil, nil
	}

	result, err := t.client.AuthorizePayment(ctx, accepts, pctx)
	if err != nil {
		// Transport failures and timeouts decline rather than fail the
		// buyer's request.
		t.log.Warn("payment authorization failed, declining", "error", err)
		return nil, nil
	}

	if len(result.Authorized.Requirements) == 0 {
		t.log.Info("no requirements authorized", "reasons", rejectionReasons(result.Rejected))
		return nil, nil
	}

	recommended := 0
	if result.Authorized.Recommended != nil {
		recommended = *result.Authorized.Recommended
	}
	if recommended < 0 || recommended >= len(result.Authorized.Requirements) {
		t.log.Warn("recommended index out of bounds, declining",
			"recommended", recommended,
			"authorized", len(result.Authorized.Requirements))
		return nil, nil
	}

	req := result.Authorized.Requirements[recommended].Requirement
	payment, err := t.wallet.CreatePayment(ctx, req)
	if err != nil {
		return nil, err
	}

	return &treasurer.Authorization{
		ID:      uuid.NewString(),
		Payment: payment,
	}, nil
}

func (t *Treasurer) OnStatus(ctx context.Context, status treasurer.PaymentStatus, auth *treasurer.Authorization, pctx map[string]any) {
	if auth == nil {
		return
	}

	var event PaymentEvent
	switch status {
	case treasurer.StatusSending:
		event = PaymentEvent{Type: "sending"}
	case treasurer.StatusAccepted:
		event = PaymentEvent{Type: "accepted"}
	case treasurer.StatusRejected:
		event = PaymentEvent{Type: "rejected", Reason: reasonFrom(pctx, "Payment rejected by server")}
	case treasurer.StatusError:
		event = PaymentEvent{Type: "error", Reason: reasonFrom(pctx, "Payment processing failed")}
	default:
		// Declines carry no authorization worth reporting.
		return
	}

	t.reportEvent(auth, event)
}

// reportEvent posts a lifecycle event without blocking the payment flow.
func (t *Treasurer) reportEvent(auth *treasurer.Authorization, event PaymentEvent) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), statusReportTimeout)
		defer cancel()

		if err := t.client.ReportPaymentEvent(ctx, auth.ID, auth.Payment, event); err != nil {
			t.log.Warn("failed to report payment event",
				"authorizationId", auth.ID,
				"event", event.Type,
				"error", err)
		}
	}()
}

func reasonFrom(pctx map[string]any, fallback string) string {
	if pctx != nil {
		if reason, ok := pctx["reason"].(string); ok && reason != "" {
			return reason
		}
	}
	return fallback
}

func rejectionReasons(rejected []RejectedRequirement) string {
	parts := make([]string, 0, len(rejected))
	for _, r := range rejected {
		parts = append(parts, r.Requirement.Resource+": "+r.Reason)
	}
	return strings.Join(parts, ", ")
}
