package treasurer

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ampersend-xyz/x402-mcp-proxy/internal/wallet"
	"github.com/ampersend-xyz/x402-mcp-proxy/internal/x402"
)

func testAccepts() []x402.PaymentRequirements {
	return []x402.PaymentRequirements{
		{
			Scheme:            "exact",
			Network:           "base-sepolia",
			Asset:             "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
			PayTo:             "0x209693Bc6afc0C5328bA36FaF03C514EF312287C",
			MaxAmountRequired: "10000",
			Resource:          "https://example.com/a",
			MaxTimeoutSeconds: 300,
		},
		{
			Scheme:            "exact",
			Network:           "base",
			Asset:             "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
			PayTo:             "0x209693Bc6afc0C5328bA36FaF03C514EF312287C",
			MaxAmountRequired: "20000",
			Resource:          "https://example.com/a",
			MaxTimeoutSeconds: 300,
		},
	}
}

func TestNaiveDeclinesEmptyAccepts(t *testing.T) {
	n := NewNaive(wallet.NewMockWallet("0xabc"), nil)

	auth, err := n.OnPaymentRequired(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Nil(t, auth)
}

func TestNaivePicksFirstRequirement(t *testing.T) {
	n := NewNaive(wallet.NewMockWallet("0xabc"), nil)

	auth, err := n.OnPaymentRequired(context.Background(), testAccepts(), nil)
	require.NoError(t, err)
	require.NotNil(t, auth)
	assert.NotEmpty(t, auth.ID)
	require.NotNil(t, auth.Payment)
	assert.Equal(t, "base-sepolia", auth.Payment.Network)
	assert.Equal(t, "10000", auth.Payment.Payload.Authorization.Value)
}

func TestNaiveAuthorizationIDsAreUnique(t *testing.T) {
	n := NewNaive(wallet.NewMockWallet("0xabc"), nil)

	seen := make(map[string]bool)
	for i := 0; i < 5; i++ {
		auth, err := n.OnPaymentRequired(context.Background(), testAccepts(), nil)
		require.NoError(t, err)
		assert.False(t, seen[auth.ID])
		seen[auth.ID] = true
	}
}

func TestNaivePropagatesWalletError(t *testing.T) {
	w := wallet.NewMockWallet("0xabc")
	w.Err = errors.New("signer unavailable")
	n := NewNaive(w, nil)

	_, err := n.OnPaymentRequired(context.Background(), testAccepts(), nil)
	assert.Error(t, err)
}

func TestNaiveOnStatusTolerates(t *testing.T) {
	n := NewNaive(wallet.NewMockWallet("0xabc"), nil)

	// Best-effort: nil authorizations and repeated calls must be safe.
	n.OnStatus(context.Background(), StatusAccepted, nil, nil)
	auth := &Authorization{ID: "a1"}
	n.OnStatus(context.Background(), StatusSending, auth, nil)
	n.OnStatus(context.Background(), StatusSending, auth, nil)
}
