package ampersend

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/ampersend-xyz/x402-mcp-proxy/internal/x402"
)

const (
	defaultTimeout = 30 * time.Second

	// tokenExpiryMargin renews the bearer token slightly before the
	// service-reported expiry to avoid racing it.
	tokenExpiryMargin = time.Minute
)

// ClientOptions configures the policy API client.
type ClientOptions struct {
	BaseURL string

	// SigningKey is the 0x-prefixed hex key used for SIWE login. For
	// smart-account wallets this is the session key.
	SigningKey string

	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client talks to the Ampersend policy service. Authentication uses a
// Sign-In-With-Ethereum round-trip; the bearer token is cached and
// renewed under a mutex so concurrent callers share one login.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	signKey    *ecdsa.PrivateKey
	address    common.Address

	authMu    sync.Mutex
	token     string
	expiresAt time.Time
}

// NewClient creates a policy API client.
func NewClient(opts ClientOptions) (*Client, error) {
	base, err := url.Parse(opts.BaseURL)
	if err != nil || !base.IsAbs() {
		return nil, fmt.Errorf("invalid policy API URL: %q", opts.BaseURL)
	}

	keyBytes, err := hex.DecodeString(strings.TrimPrefix(opts.SigningKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", x402.ErrInvalidPrivateKey, err)
	}
	signKey, err := crypto.ToECDSA(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", x402.ErrInvalidPrivateKey, err)
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout == 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		baseURL:    base,
		httpClient: httpClient,
		signKey:    signKey,
		address:    crypto.PubkeyToAddress(signKey.PublicKey),
	}, nil
}

// Address returns the agent address the client signs in as.
func (c *Client) Address() string {
	return c.address.Hex()
}

// AuthorizePayment posts the offered requirements for a policy decision.
func (c *Client) AuthorizePayment(ctx context.Context, requirements []x402.PaymentRequirements, pctx map[string]any) (*AuthorizeResponse, error) {
	token, err := c.ensureAuthenticated(ctx)
	if err != nil {
		return nil, err
	}

	var result AuthorizeResponse
	err = c.post(ctx, "/agents/payments/authorize", token, AuthorizeRequest{
		Requirements: requirements,
		Context:      pctx,
	}, &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// ReportPaymentEvent posts a lifecycle event for an authorization.
func (c *Client) ReportPaymentEvent(ctx context.Context, eventID string, payment *x402.PaymentPayload, event PaymentEvent) error {
	token, err := c.ensureAuthenticated(ctx)
	if err != nil {
		return err
	}

	var result EventResponse
	return c.post(ctx, "/agents/payments/events", token, EventRequest{
		ID:      eventID,
		Payment: payment,
		Event:   event,
	}, &result)
}

// ensureAuthenticated returns a valid bearer token, logging in when the
// cached one is missing or near expiry.
func (c *Client) ensureAuthenticated(ctx context.Context) (string, error) {
	c.authMu.Lock()
	defer c.authMu.Unlock()

	if c.token != "" && time.Until(c.expiresAt) > tokenExpiryMargin {
		return c.token, nil
	}

	var nonce nonceResponse
	if err := c.get(ctx, "/agents/auth/nonce", &nonce); err != nil {
		return "", fmt.Errorf("failed to fetch login nonce: %w", err)
	}

	message := c.siweMessage(nonce.Nonce)
	signature, err := crypto.Sign(accounts.TextHash([]byte(message)), c.signKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign login message: %w", err)
	}
	signature[64] += 27

	var login loginResponse
	err = c.post(ctx, "/agents/auth/login", "", loginRequest{
		Message:   message,
		Signature: "0x" + hex.EncodeToString(signature),
		SessionID: nonce.SessionID,
	}, &login)
	if err != nil {
		return "", fmt.Errorf("login failed: %w", err)
	}

	c.token = login.Token
	c.expiresAt = time.Now().Add(time.Hour)
	if t, err := time.Parse(time.RFC3339, login.ExpiresAt); err == nil {
		c.expiresAt = t
	}
	return c.token, nil
}

// siweMessage builds the EIP-4361 message signed at login.
func (c *Client) siweMessage(nonce string) string {
	now := time.Now().UTC().Format(time.RFC3339)
	return fmt.Sprintf(
		"%s wants you to sign in with your Ethereum account:\n%s\n\n"+
			"Authenticate agent with Ampersend\n\n"+
			"URI: %s\nVersion: 1\nChain ID: 1\nNonce: %s\nIssued At: %s",
		c.baseURL.Host, c.address.Hex(), c.baseURL.String(), nonce, now)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(path), nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, path, token string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(path), bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("policy API returned %d: %s", resp.StatusCode, body)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode policy API response: %w", err)
	}
	return nil
}

func (c *Client) endpoint(path string) string {
	u := *c.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + path
	return u.String()
}
