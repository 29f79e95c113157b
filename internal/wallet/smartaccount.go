package wallet

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/ampersend-xyz/x402-mcp-proxy/internal/x402"
)

// DefaultOwnableValidator is the ERC-7579 ownable validator module most
// smart account deployments install. Session-key signatures are validated
// against its owner list.
const DefaultOwnableValidator = "0x000000000013fdB5234E4E3162a810F54d9f7E98"

// DefaultSmartAccountChainID is Base Sepolia.
const DefaultSmartAccountChainID = 84532

// SmartAccountWallet signs ERC-3009 authorizations on behalf of an
// ERC-4337 smart account. The EIP-712 digest is signed by a session key
// and the signature is ERC-1271-encoded against the account and its
// ownable validator so the facilitator can verify it on-chain.
type SmartAccountWallet struct {
	account    common.Address
	sessionKey *ecdsa.PrivateKey
	validator  common.Address
	chainID    int64
}

// SmartAccountConfig configures a SmartAccountWallet.
type SmartAccountConfig struct {
	AccountAddress       string
	SessionKeyPrivateKey string
	ValidatorAddress     string // defaults to DefaultOwnableValidator
	ChainID              int64  // defaults to DefaultSmartAccountChainID
}

// NewSmartAccountWallet creates a wallet for an ERC-4337 smart account.
func NewSmartAccountWallet(cfg SmartAccountConfig) (*SmartAccountWallet, error) {
	if !common.IsHexAddress(cfg.AccountAddress) {
		return nil, fmt.Errorf("invalid smart account address: %q", cfg.AccountAddress)
	}

	keyHex := strings.TrimPrefix(cfg.SessionKeyPrivateKey, "0x")
	keyBytes, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", x402.ErrInvalidPrivateKey, err)
	}
	sessionKey, err := crypto.ToECDSA(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", x402.ErrInvalidPrivateKey, err)
	}

	validator := cfg.ValidatorAddress
	if validator == "" {
		validator = DefaultOwnableValidator
	}
	if !common.IsHexAddress(validator) {
		return nil, fmt.Errorf("invalid validator address: %q", validator)
	}

	chainID := cfg.ChainID
	if chainID == 0 {
		chainID = DefaultSmartAccountChainID
	}

	return &SmartAccountWallet{
		account:    common.HexToAddress(cfg.AccountAddress),
		sessionKey: sessionKey,
		validator:  common.HexToAddress(validator),
		chainID:    chainID,
	}, nil
}

func (w *SmartAccountWallet) Address() string {
	return w.account.Hex()
}

// SessionKeyAddress returns the address of the session signer, which must
// be registered as an owner on the account's ownable validator.
func (w *SmartAccountWallet) SessionKeyAddress() string {
	return crypto.PubkeyToAddress(w.sessionKey.PublicKey).Hex()
}

func (w *SmartAccountWallet) CreatePayment(ctx context.Context, req x402.PaymentRequirements) (*x402.PaymentPayload, error) {
	// The validator only knows the session key as an owner on the
	// configured chain, so the requirement must settle there.
	chainID, ok := x402.ChainID(req.Network)
	if !ok {
		return nil, fmt.Errorf("%w: %q", x402.ErrUnsupportedNetwork, req.Network)
	}
	if chainID.Int64() != w.chainID {
		return nil, fmt.Errorf("%w: network %q is chain %d, wallet is configured for chain %d",
			x402.ErrUnsupportedNetwork, req.Network, chainID.Int64(), w.chainID)
	}

	auth, typedData, err := buildAuthorization(w.account, req)
	if err != nil {
		return nil, err
	}

	digest, _, err := apitypes.TypedDataAndHash(*typedData)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", x402.ErrSigningFailed, err)
	}

	signature, err := crypto.Sign(digest, w.sessionKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", x402.ErrSigningFailed, err)
	}
	signature[64] += 27

	wrapped := erc1271Signature(w.validator, ownableValidatorSignature(signature))

	return &x402.PaymentPayload{
		X402Version: 1,
		Scheme:      req.Scheme,
		Network:     req.Network,
		Payload: x402.PaymentPayloadData{
			Signature:     "0x" + hex.EncodeToString(wrapped),
			Authorization: auth,
		},
	}, nil
}

// ownableValidatorSignature packs owner signatures for the ownable
// validator. With a threshold of one the envelope is the single 65-byte
// signature.
func ownableValidatorSignature(sigs ...[]byte) []byte {
	var packed []byte
	for _, sig := range sigs {
		packed = append(packed, sig...)
	}
	return packed
}

// erc1271Signature encodes a validator-specific signature for ERC-1271
// verification on an ERC-7579 account: the 20-byte validator module
// address followed by the validator payload.
func erc1271Signature(validator common.Address, payload []byte) []byte {
	out := make([]byte, 0, common.AddressLength+len(payload))
	out = append(out, validator.Bytes()...)
	return append(out, payload...)
}

// DecodeERC1271Signature splits an ERC-1271 encoded signature back into
// the validator address and the validator payload.
func DecodeERC1271Signature(sig []byte) (common.Address, []byte, error) {
	if len(sig) < common.AddressLength {
		return common.Address{}, nil, fmt.Errorf("signature too short for ERC-1271 wrapper: %d bytes", len(sig))
	}
	return common.BytesToAddress(sig[:common.AddressLength]), sig[common.AddressLength:], nil
}
