package x402

import (
	"math/big"
)

// Meta keys the proxy reads and writes inside JSON-RPC _meta fields. The
// upstream and the buyer both observe these names, so they are fixed.
const (
	MetaPayment         = "x402/payment"
	MetaPaymentResponse = "x402/payment-response"
	MetaPaymentID       = "ampersend/paymentId"
	MetaOriginalID      = "ampersend/original-id"
)

// PaymentRequirements represents a payment method offered by the upstream.
type PaymentRequirements struct {
	Scheme            string            `json:"scheme"`
	Network           string            `json:"network"`
	MaxAmountRequired string            `json:"maxAmountRequired"`
	Asset             string            `json:"asset"`
	PayTo             string            `json:"payTo"`
	Resource          string            `json:"resource"`
	Description       string            `json:"description"`
	MimeType          string            `json:"mimeType,omitempty"`
	MaxTimeoutSeconds int               `json:"maxTimeoutSeconds"`
	Extra             map[string]string `json:"extra,omitempty"`
}

// PaymentRequiredResponse is the body carried in a 402 error's data field.
type PaymentRequiredResponse struct {
	X402Version int                   `json:"x402Version"`
	Error       string                `json:"error,omitempty"`
	Accepts     []PaymentRequirements `json:"accepts"`
}

// PaymentPayload is the signed payment attached to a retried request
// under _meta["x402/payment"].
type PaymentPayload struct {
	X402Version int                `json:"x402Version"`
	Scheme      string             `json:"scheme"`
	Network     string             `json:"network"`
	Payload     PaymentPayloadData `json:"payload"`
}

// PaymentPayloadData contains the signature and the ERC-3009 authorization.
type PaymentPayloadData struct {
	Signature     string                `json:"signature,omitempty"`
	Authorization *PaymentAuthorization `json:"authorization,omitempty"`

	// Transaction carries a base64 partial-signed transaction for SVM
	// payments instead of a signature/authorization pair.
	Transaction string `json:"transaction,omitempty"`
}

// PaymentAuthorization is the ERC-3009 TransferWithAuthorization message.
type PaymentAuthorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  string `json:"validAfter"`
	ValidBefore string `json:"validBefore"`
	Nonce       string `json:"nonce"`
}

// SettleResponse is the settlement result the upstream places under
// result._meta["x402/payment-response"].
type SettleResponse struct {
	Success     bool   `json:"success"`
	Transaction string `json:"transaction,omitempty"`
	Network     string `json:"network,omitempty"`
	Payer       string `json:"payer,omitempty"`
	ErrorReason string `json:"errorReason,omitempty"`
}

// NetworkChainIDs maps EVM network names to chain IDs.
var NetworkChainIDs = map[string]*big.Int{
	"base-sepolia":   big.NewInt(84532),
	"base":           big.NewInt(8453),
	"avalanche-fuji": big.NewInt(43113),
	"avalanche":      big.NewInt(43114),
	"ethereum":       big.NewInt(1),
	"sepolia":        big.NewInt(11155111),
}

// ChainID returns the chain ID for an EVM network name.
func ChainID(network string) (*big.Int, bool) {
	id, ok := NetworkChainIDs[network]
	return id, ok
}
