package wallet

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ampersend-xyz/x402-mcp-proxy/internal/x402"
)

// MockWallet produces deterministic fake payments for tests.
type MockWallet struct {
	address string

	// Err, when set, is returned from every CreatePayment call.
	Err error
}

// NewMockWallet creates a mock wallet with a fixed payer address.
func NewMockWallet(address string) *MockWallet {
	if !strings.HasPrefix(address, "0x") {
		address = "0x" + address
	}
	return &MockWallet{address: address}
}

func (m *MockWallet) Address() string {
	return m.address
}

func (m *MockWallet) CreatePayment(ctx context.Context, req x402.PaymentRequirements) (*x402.PaymentPayload, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	if req.Scheme != "exact" {
		return nil, fmt.Errorf("%w: %q", x402.ErrUnsupportedScheme, req.Scheme)
	}

	now := time.Now()
	return &x402.PaymentPayload{
		X402Version: 1,
		Scheme:      req.Scheme,
		Network:     req.Network,
		Payload: x402.PaymentPayloadData{
			Signature: "0x" + strings.Repeat("00", 65),
			Authorization: &x402.PaymentAuthorization{
				From:        m.address,
				To:          req.PayTo,
				Value:       req.MaxAmountRequired,
				ValidAfter:  fmt.Sprintf("%d", now.Unix()),
				ValidBefore: fmt.Sprintf("%d", now.Add(60*time.Second).Unix()),
				Nonce:       "0x" + strings.Repeat("11", 32),
			},
		},
	}, nil
}
