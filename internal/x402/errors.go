package x402

import "errors"

var (
	// Wallet errors
	ErrUnsupportedScheme   = errors.New("unsupported payment scheme")
	ErrSigningFailed       = errors.New("failed to sign payment")
	ErrInvalidRequirements = errors.New("invalid payment requirements")
	ErrInvalidPrivateKey   = errors.New("invalid private key")
	ErrInvalidMnemonic     = errors.New("invalid mnemonic phrase")
	ErrUnsupportedNetwork  = errors.New("unsupported network")

	// Payment flow errors
	ErrProtocolViolation    = errors.New("settle response without payment id")
	ErrUnknownAuthorization = errors.New("no pending authorization for payment id")

	// Bridge errors
	ErrBackpressureExceeded = errors.New("too many pending requests")
	ErrBridgeClosed         = errors.New("bridge is closed")
	ErrDuplicateRequest     = errors.New("request id is already in flight")

	// Session errors
	ErrUnknownSession = errors.New("unknown session")
)
