package treasurer

import (
	"context"

	"github.com/ampersend-xyz/x402-mcp-proxy/internal/x402"
)

// PaymentStatus describes the lifecycle of an authorized payment.
type PaymentStatus string

const (
	StatusSending  PaymentStatus = "sending"
	StatusAccepted PaymentStatus = "accepted"
	StatusRejected PaymentStatus = "rejected"
	StatusDeclined PaymentStatus = "declined"
	StatusError    PaymentStatus = "error"
)

// Authorization binds a created payment to an opaque id so that a later
// settle response can be correlated back to it.
type Authorization struct {
	ID      string
	Payment *x402.PaymentPayload
}

// Treasurer decides whether to pay and which requirement to satisfy.
// Implementations must be safe for concurrent use; they are shared by all
// bridges in the process.
type Treasurer interface {
	// OnPaymentRequired picks a requirement and produces a signed payment
	// for it. Returning (nil, nil) declines the payment, in which case the
	// original 402 error reaches the buyer unchanged. Implementations with
	// their own timeouts must decline on timeout rather than fail.
	OnPaymentRequired(ctx context.Context, accepts []x402.PaymentRequirements, pctx map[string]any) (*Authorization, error)

	// OnStatus reports a lifecycle transition for an authorization.
	// Best-effort: it must tolerate out-of-order and repeated calls, and
	// must never fail the payment flow.
	OnStatus(ctx context.Context, status PaymentStatus, auth *Authorization, pctx map[string]any)
}
