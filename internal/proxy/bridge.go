package proxy

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/ampersend-xyz/x402-mcp-proxy/internal/x402"
)

// SyntheticIDPrefix marks the JSON-RPC ids the bridge mints for payment
// retries. A well-behaved client never produces ids with this prefix.
const SyntheticIDPrefix = "retry_with_payment__"

// DefaultMaxPending caps outstanding upstream requests per bridge.
const DefaultMaxPending = 1000

// Bridge joins the buyer-facing side of a session to its upstream
// transport. It forwards messages in both directions, tracks pending
// requests so responses can be correlated, and routes every correlated
// response through the payment middleware, which may turn a 402 into a
// fresh retry on the upstream transport.
type Bridge struct {
	upstream   *Upstream
	middleware *PaymentMiddleware
	log        *slog.Logger
	maxPending int

	onMessage func(json.RawMessage)
	onClose   func()
	onError   func(error)

	mu      sync.Mutex
	pending map[string]*x402.Envelope
	closed  bool

	closeOnce sync.Once
}

// BridgeOptions configures a bridge.
type BridgeOptions struct {
	MaxPending int
	Log        *slog.Logger
}

// NewBridge pairs an upstream transport with a payment middleware.
func NewBridge(upstream *Upstream, middleware *PaymentMiddleware, opts BridgeOptions) *Bridge {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	maxPending := opts.MaxPending
	if maxPending <= 0 {
		maxPending = DefaultMaxPending
	}
	return &Bridge{
		upstream:   upstream,
		middleware: middleware,
		log:        log,
		maxPending: maxPending,
		pending:    make(map[string]*x402.Envelope),
	}
}

// SetOnMessage installs the sink for messages bound for the buyer.
func (b *Bridge) SetOnMessage(fn func(json.RawMessage)) {
	b.onMessage = fn
}

// SetOnClose installs the hook fired exactly once when the bridge closes.
func (b *Bridge) SetOnClose(fn func()) {
	b.onClose = fn
}

// SetOnError installs the sink for transport errors that do not close the
// bridge.
func (b *Bridge) SetOnError(fn func(error)) {
	b.onError = fn
}

// HandleFromBuyer forwards one buyer message to the upstream and processes
// whatever the upstream sent back. Requests are tracked in the pending map
// so their responses can be correlated; exceeding the pending ceiling
// fails the request with ErrBackpressureExceeded without affecting
// requests already in flight.
func (b *Bridge) HandleFromBuyer(ctx context.Context, env *x402.Envelope) error {
	if env.Kind == x402.KindRequest {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return x402.ErrBridgeClosed
		}
		if len(b.pending) >= b.maxPending {
			b.mu.Unlock()
			return x402.ErrBackpressureExceeded
		}
		b.pending[env.IDKey()] = env
		b.mu.Unlock()
	}

	messages, err := b.upstream.Send(ctx, env)
	if err != nil {
		if env.Kind == x402.KindRequest {
			b.dropPending(env.IDKey())
		}
		return err
	}

	for _, raw := range messages {
		b.processUpstreamMessage(ctx, raw)
	}
	return nil
}

// processUpstreamMessage routes one upstream message: notifications pass
// through, responses are correlated and run through the middleware, and
// upstream-initiated requests are refused (the buyer side has no channel
// to carry them).
func (b *Bridge) processUpstreamMessage(ctx context.Context, raw json.RawMessage) {
	env, err := x402.ParseMessage(raw)
	if err != nil {
		b.reportError(err)
		return
	}

	switch env.Kind {
	case x402.KindNotification:
		b.deliver(raw)

	case x402.KindRequest:
		b.refuseUpstreamRequest(ctx, env)

	case x402.KindResponse:
		b.processUpstreamResponse(ctx, env, raw)
	}
}

func (b *Bridge) processUpstreamResponse(ctx context.Context, env *x402.Envelope, raw json.RawMessage) {
	if !env.HasID() {
		b.deliver(raw)
		return
	}

	// Remove the pending entry before anything else so a failure below
	// cannot leak it.
	b.mu.Lock()
	original, ok := b.pending[env.IDKey()]
	delete(b.pending, env.IDKey())
	closed := b.closed
	b.mu.Unlock()

	if closed {
		b.log.Debug("dropping response after close", "id", env.IDToken())
		return
	}
	if !ok {
		b.deliver(raw)
		return
	}

	// Retried requests carry the buyer's id in _meta; restore it before
	// the response goes any further.
	if origID, stashed := x402.RequestMetaValue(original.Raw, x402.MetaOriginalID); stashed {
		rewritten, err := x402.RewriteID(raw, x402.IDFromValue(origID))
		if err != nil {
			b.reportError(err)
		} else {
			raw = rewritten
		}
	}

	retry, err := b.middleware.OnMessage(ctx, original, raw)
	if err != nil {
		b.reportError(err)
		b.deliver(raw)
		return
	}
	if retry == nil {
		b.deliver(raw)
		return
	}

	b.sendRetry(ctx, original, retry, raw)
}

// sendRetry rewrites the middleware's retry request under a synthetic id,
// stashes the buyer's id for later restoration, and sends it upstream. On
// any failure the suppressed 402 is released to the buyer instead.
func (b *Bridge) sendRetry(ctx context.Context, original *x402.Envelope, retry, response json.RawMessage) {
	withOriginalID, err := x402.InjectRequestMeta(retry, map[string]any{
		x402.MetaOriginalID: x402.IDValue(original.ID),
	})
	if err != nil {
		b.reportError(err)
		b.deliver(response)
		return
	}

	syntheticID, _ := json.Marshal(SyntheticIDPrefix + original.IDToken())
	rewritten, err := x402.RewriteID(withOriginalID, syntheticID)
	if err != nil {
		b.reportError(err)
		b.deliver(response)
		return
	}

	retryEnv, err := x402.ParseMessage(rewritten)
	if err != nil {
		b.reportError(err)
		b.deliver(response)
		return
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.pending[retryEnv.IDKey()] = retryEnv
	b.mu.Unlock()

	b.log.Debug("retrying with payment",
		"method", original.Method,
		"originalId", original.IDToken(),
		"retryId", retryEnv.IDToken())

	messages, err := b.upstream.Send(ctx, retryEnv)
	if err != nil {
		b.dropPending(retryEnv.IDKey())
		b.reportError(err)
		b.deliver(response)
		return
	}

	// A retry that itself 402s stops here: the double-pay guard refuses a
	// second payment and the error reaches the buyer.
	for _, raw := range messages {
		b.processUpstreamMessage(ctx, raw)
	}
}

// refuseUpstreamRequest answers an upstream-initiated request with a
// method-not-found error. The buyer connects per-request, so there is no
// standing channel to forward server requests into.
func (b *Bridge) refuseUpstreamRequest(ctx context.Context, env *x402.Envelope) {
	b.log.Debug("refusing upstream-initiated request", "method", env.Method)
	refusal := x402.NewErrorResponse(env.ID, mcp.METHOD_NOT_FOUND, "proxy does not support server-initiated requests")
	refusalEnv, err := x402.ParseMessage(refusal)
	if err != nil {
		return
	}
	if _, err := b.upstream.Send(ctx, refusalEnv); err != nil {
		b.reportError(err)
	}
}

// Close tears the bridge down exactly once: pending requests and
// authorizations are discarded and the upstream session is terminated.
func (b *Bridge) Close() error {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		n := len(b.pending)
		b.pending = make(map[string]*x402.Envelope)
		b.mu.Unlock()

		if n > 0 {
			b.log.Debug("abandoning in-flight requests", "count", n)
		}

		b.middleware.Drain()
		if err := b.upstream.Close(); err != nil {
			b.log.Warn("failed to close upstream transport", "error", err)
		}
		if b.onClose != nil {
			b.onClose()
		}
	})
	return nil
}

// PendingRequests reports the number of in-flight upstream requests.
func (b *Bridge) PendingRequests() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

func (b *Bridge) deliver(raw json.RawMessage) {
	if b.onMessage != nil {
		b.onMessage(raw)
	}
}

func (b *Bridge) reportError(err error) {
	b.log.Error("bridge error", "error", err)
	if b.onError != nil {
		b.onError(err)
	}
}

func (b *Bridge) dropPending(key string) {
	b.mu.Lock()
	delete(b.pending, key)
	b.mu.Unlock()
}
