package wallet

import (
	"context"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ampersend-xyz/x402-mcp-proxy/internal/x402"
)

func TestNewSolanaWallet(t *testing.T) {
	key, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)

	w, err := NewSolanaWallet(key.String())
	require.NoError(t, err)
	assert.Equal(t, key.PublicKey().String(), w.Address())
}

func TestNewSolanaWalletInvalidKey(t *testing.T) {
	_, err := NewSolanaWallet("not-base58!")
	assert.ErrorIs(t, err, x402.ErrInvalidPrivateKey)
}

func TestSolanaWalletRejectsBeforeRPC(t *testing.T) {
	key, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	w, err := NewSolanaWallet(key.String())
	require.NoError(t, err)

	t.Run("unsupported scheme", func(t *testing.T) {
		req := testRequirements()
		req.Scheme = "upto"
		_, err := w.CreatePayment(context.Background(), req)
		assert.ErrorIs(t, err, x402.ErrUnsupportedScheme)
	})

	t.Run("unsupported network", func(t *testing.T) {
		req := testRequirements()
		req.Network = "base-sepolia"
		_, err := w.CreatePayment(context.Background(), req)
		assert.ErrorIs(t, err, x402.ErrUnsupportedNetwork)
	})
}
