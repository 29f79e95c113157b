package ampersend

import (
	"github.com/ampersend-xyz/x402-mcp-proxy/internal/x402"
)

// PaymentEvent is a lifecycle event reported to the events endpoint.
type PaymentEvent struct {
	Type   string `json:"type"`
	Reason string `json:"reason,omitempty"`
}

// AuthorizeRequest asks the policy service which requirements may be paid.
type AuthorizeRequest struct {
	Requirements []x402.PaymentRequirements `json:"requirements"`
	Context      map[string]any             `json:"context,omitempty"`
}

// AuthorizedRequirement is a single approved requirement with the spend
// limits remaining after it.
type AuthorizedRequirement struct {
	Requirement x402.PaymentRequirements `json:"requirement"`
	Limits      map[string]string        `json:"limits,omitempty"`
}

// RejectedRequirement is a single refused requirement with the reason.
type RejectedRequirement struct {
	Requirement x402.PaymentRequirements `json:"requirement"`
	Reason      string                   `json:"reason"`
}

// AuthorizedResponse lists the approved requirements. Recommended, when
// set, is the index of the cheapest approved option.
type AuthorizedResponse struct {
	Recommended  *int                    `json:"recommended,omitempty"`
	Requirements []AuthorizedRequirement `json:"requirements"`
}

// AuthorizeResponse is the authorize endpoint's reply.
type AuthorizeResponse struct {
	Authorized AuthorizedResponse    `json:"authorized"`
	Rejected   []RejectedRequirement `json:"rejected"`
}

// EventRequest reports a payment lifecycle event.
type EventRequest struct {
	ID      string              `json:"id"`
	Payment *x402.PaymentPayload `json:"payment"`
	Event   PaymentEvent        `json:"event"`
}

// EventResponse acknowledges an event report.
type EventResponse struct {
	Received  bool   `json:"received"`
	PaymentID string `json:"paymentId,omitempty"`
}

// nonceResponse is the auth nonce endpoint's reply.
type nonceResponse struct {
	Nonce     string `json:"nonce"`
	SessionID string `json:"sessionId"`
}

// loginRequest is the SIWE login body.
type loginRequest struct {
	Message   string `json:"message"`
	Signature string `json:"signature"`
	SessionID string `json:"sessionId"`
}

// loginResponse is the SIWE login reply.
type loginResponse struct {
	Token        string `json:"token"`
	AgentAddress string `json:"agentAddress"`
	ExpiresAt    string `json:"expiresAt"`
}
