package wallet

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/tyler-smith/go-bip32"
	"github.com/tyler-smith/go-bip39"

	"github.com/ampersend-xyz/x402-mcp-proxy/internal/x402"
)

// clockSkewGrace is subtracted from validAfter so that payments remain
// valid across moderate clock drift between payer and facilitator.
const clockSkewGrace = 600 * time.Second

// Wallet produces a signed PaymentPayload from a PaymentRequirements.
type Wallet interface {
	// CreatePayment signs a payment authorization for the given requirement.
	CreatePayment(ctx context.Context, req x402.PaymentRequirements) (*x402.PaymentPayload, error)

	// Address returns the payer address payments are drawn from.
	Address() string
}

// EOAWallet signs ERC-3009 authorizations with a plain account key.
type EOAWallet struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

// NewEOAWallet creates a wallet from a hex-encoded private key.
func NewEOAWallet(privateKeyHex string) (*EOAWallet, error) {
	privateKeyHex = strings.TrimPrefix(privateKeyHex, "0x")

	privateKeyBytes, err := hex.DecodeString(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", x402.ErrInvalidPrivateKey, err)
	}

	privateKey, err := crypto.ToECDSA(privateKeyBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", x402.ErrInvalidPrivateKey, err)
	}

	return &EOAWallet{
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(privateKey.PublicKey),
	}, nil
}

// NewMnemonicWallet creates a wallet from a BIP-39 mnemonic phrase.
func NewMnemonicWallet(mnemonic, derivationPath string) (*EOAWallet, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, x402.ErrInvalidMnemonic
	}

	if derivationPath == "" {
		derivationPath = "m/44'/60'/0'/0/0" // Default Ethereum path
	}

	path, err := accounts.ParseDerivationPath(derivationPath)
	if err != nil {
		return nil, fmt.Errorf("invalid derivation path: %w", err)
	}

	seed := bip39.NewSeed(mnemonic, "")
	privateKey, err := derivePrivateKey(seed, path)
	if err != nil {
		return nil, fmt.Errorf("failed to derive private key: %w", err)
	}

	return &EOAWallet{
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(privateKey.PublicKey),
	}, nil
}

// derivePrivateKey derives a private key from a seed using BIP-32 HD derivation.
func derivePrivateKey(seed []byte, path accounts.DerivationPath) (*ecdsa.PrivateKey, error) {
	masterKey, err := bip32.NewMasterKey(seed)
	if err != nil {
		return nil, fmt.Errorf("failed to create master key: %w", err)
	}

	key := masterKey
	for _, n := range path {
		key, err = key.NewChildKey(n)
		if err != nil {
			return nil, fmt.Errorf("failed to derive child key: %w", err)
		}
	}

	return crypto.ToECDSA(key.Key)
}

func (w *EOAWallet) Address() string {
	return w.address.Hex()
}

func (w *EOAWallet) CreatePayment(ctx context.Context, req x402.PaymentRequirements) (*x402.PaymentPayload, error) {
	auth, typedData, err := buildAuthorization(w.address, req)
	if err != nil {
		return nil, err
	}

	digest, _, err := apitypes.TypedDataAndHash(*typedData)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", x402.ErrSigningFailed, err)
	}

	signature, err := crypto.Sign(digest, w.privateKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", x402.ErrSigningFailed, err)
	}
	signature[64] += 27

	return &x402.PaymentPayload{
		X402Version: 1,
		Scheme:      req.Scheme,
		Network:     req.Network,
		Payload: x402.PaymentPayloadData{
			Signature:     "0x" + hex.EncodeToString(signature),
			Authorization: auth,
		},
	}, nil
}

// buildAuthorization validates the requirement and produces the ERC-3009
// authorization struct plus the EIP-712 typed data over it.
func buildAuthorization(from common.Address, req x402.PaymentRequirements) (*x402.PaymentAuthorization, *apitypes.TypedData, error) {
	if req.Scheme != "exact" {
		return nil, nil, fmt.Errorf("%w: %q", x402.ErrUnsupportedScheme, req.Scheme)
	}

	chainID, ok := x402.ChainID(req.Network)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %q", x402.ErrUnsupportedNetwork, req.Network)
	}

	if !common.IsHexAddress(req.Asset) || !common.IsHexAddress(req.PayTo) {
		return nil, nil, fmt.Errorf("%w: asset and payTo must be hex addresses", x402.ErrInvalidRequirements)
	}

	value := new(big.Int)
	if _, ok := value.SetString(req.MaxAmountRequired, 10); !ok || value.Sign() < 0 {
		return nil, nil, fmt.Errorf("%w: bad amount %q", x402.ErrInvalidRequirements, req.MaxAmountRequired)
	}

	nonceBytes := make([]byte, 32)
	if _, err := rand.Read(nonceBytes); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", x402.ErrSigningFailed, err)
	}
	nonce := "0x" + hex.EncodeToString(nonceBytes)

	now := time.Now()
	validAfter := now.Add(-clockSkewGrace).Unix()
	validBefore := now.Add(time.Duration(req.MaxTimeoutSeconds) * time.Second).Unix()

	domainName := req.Extra["name"]
	if domainName == "" {
		domainName = "USDC"
	}
	domainVersion := req.Extra["version"]
	if domainVersion == "" {
		domainVersion = "2"
	}

	typedData := &apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": []apitypes.Type{
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"TransferWithAuthorization": []apitypes.Type{
				{Name: "from", Type: "address"},
				{Name: "to", Type: "address"},
				{Name: "value", Type: "uint256"},
				{Name: "validAfter", Type: "uint256"},
				{Name: "validBefore", Type: "uint256"},
				{Name: "nonce", Type: "bytes32"},
			},
		},
		PrimaryType: "TransferWithAuthorization",
		Domain: apitypes.TypedDataDomain{
			Name:              domainName,
			Version:           domainVersion,
			ChainId:           (*math.HexOrDecimal256)(chainID),
			VerifyingContract: common.HexToAddress(req.Asset).Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"from":        from.Hex(),
			"to":          common.HexToAddress(req.PayTo).Hex(),
			"value":       (*math.HexOrDecimal256)(value),
			"validAfter":  (*math.HexOrDecimal256)(big.NewInt(validAfter)),
			"validBefore": (*math.HexOrDecimal256)(big.NewInt(validBefore)),
			"nonce":       nonce,
		},
	}

	auth := &x402.PaymentAuthorization{
		From:        from.Hex(),
		To:          common.HexToAddress(req.PayTo).Hex(),
		Value:       value.String(),
		ValidAfter:  strconv.FormatInt(validAfter, 10),
		ValidBefore: strconv.FormatInt(validBefore, 10),
		Nonce:       nonce,
	}
	return auth, typedData, nil
}
