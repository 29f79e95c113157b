package wallet

import (
	"context"
	"encoding/base64"
	"fmt"
	"math/big"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/ampersend-xyz/x402-mcp-proxy/internal/x402"
)

// SolanaWallet signs "exact" payments on SVM networks by partial-signing
// an SPL TransferChecked transaction. The facilitator adds the fee payer
// signature and submits it.
type SolanaWallet struct {
	privateKey solana.PrivateKey
	publicKey  solana.PublicKey
}

// NewSolanaWallet creates a wallet from a base58-encoded Solana private key.
func NewSolanaWallet(privateKeyBase58 string) (*SolanaWallet, error) {
	privateKey, err := solana.PrivateKeyFromBase58(privateKeyBase58)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", x402.ErrInvalidPrivateKey, err)
	}
	return &SolanaWallet{
		privateKey: privateKey,
		publicKey:  privateKey.PublicKey(),
	}, nil
}

func (w *SolanaWallet) Address() string {
	return w.publicKey.String()
}

func (w *SolanaWallet) CreatePayment(ctx context.Context, req x402.PaymentRequirements) (*x402.PaymentPayload, error) {
	if req.Scheme != "exact" {
		return nil, fmt.Errorf("%w: %q", x402.ErrUnsupportedScheme, req.Scheme)
	}

	var rpcURL string
	switch req.Network {
	case "solana":
		rpcURL = rpc.MainNetBeta_RPC
	case "solana-devnet":
		rpcURL = rpc.DevNet_RPC
	default:
		return nil, fmt.Errorf("%w: %q", x402.ErrUnsupportedNetwork, req.Network)
	}
	client := rpc.New(rpcURL)

	recent, err := client.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return nil, fmt.Errorf("failed to get blockhash from %s: %w", rpcURL, err)
	}

	mintAddr, err := solana.PublicKeyFromBase58(req.Asset)
	if err != nil {
		return nil, fmt.Errorf("%w: bad mint address: %v", x402.ErrInvalidRequirements, err)
	}

	toAddr, err := solana.PublicKeyFromBase58(req.PayTo)
	if err != nil {
		return nil, fmt.Errorf("%w: bad recipient address: %v", x402.ErrInvalidRequirements, err)
	}

	feePayerAddr, err := solana.PublicKeyFromBase58(req.Extra["feePayer"])
	if err != nil {
		return nil, fmt.Errorf("%w: bad fee payer address: %v", x402.ErrInvalidRequirements, err)
	}

	fromATA, _, err := solana.FindAssociatedTokenAddress(w.publicKey, mintAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to derive sender ATA: %w", err)
	}

	toATA, _, err := solana.FindAssociatedTokenAddress(toAddr, mintAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to derive recipient ATA: %w", err)
	}

	amount := new(big.Int)
	if _, ok := amount.SetString(req.MaxAmountRequired, 10); !ok {
		return nil, fmt.Errorf("%w: bad amount %q", x402.ErrInvalidRequirements, req.MaxAmountRequired)
	}

	decimals := uint8(6) // USDC default
	if decStr, ok := req.Extra["decimals"]; ok {
		_, _ = fmt.Sscanf(decStr, "%d", &decimals)
	}

	var instructions []solana.Instruction

	// Compute budget instructions required by the x402 SVM profile.
	instructions = append(instructions, solana.NewInstruction(
		solana.MustPublicKeyFromBase58("ComputeBudget111111111111111111111111111111"),
		solana.AccountMetaSlice{},
		[]byte{2, 0x40, 0x0d, 0x03, 0x00}, // SetComputeUnitLimit: 200,000 units
	))
	instructions = append(instructions, solana.NewInstruction(
		solana.MustPublicKeyFromBase58("ComputeBudget111111111111111111111111111111"),
		solana.AccountMetaSlice{},
		[]byte{3, 0x10, 0x27, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}, // SetComputeUnitPrice: 10,000 microlamports
	))

	instructions = append(instructions, token.NewTransferCheckedInstructionBuilder().
		SetAmount(amount.Uint64()).
		SetDecimals(decimals).
		SetSourceAccount(fromATA).
		SetDestinationAccount(toATA).
		SetMintAccount(mintAddr).
		SetOwnerAccount(w.publicKey).
		Build())

	tx, err := solana.NewTransaction(
		instructions,
		recent.Value.Blockhash,
		solana.TransactionPayer(feePayerAddr),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build transaction: %w", err)
	}

	_, err = tx.PartialSign(func(key solana.PublicKey) *solana.PrivateKey {
		if w.publicKey.Equals(key) {
			return &w.privateKey
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", x402.ErrSigningFailed, err)
	}

	txBytes, err := tx.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("failed to serialize transaction: %w", err)
	}

	return &x402.PaymentPayload{
		X402Version: 1,
		Scheme:      req.Scheme,
		Network:     req.Network,
		Payload: x402.PaymentPayloadData{
			Transaction: base64.StdEncoding.EncodeToString(txBytes),
		},
	}, nil
}
