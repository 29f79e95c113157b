package proxy

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/ampersend-xyz/x402-mcp-proxy/internal/x402"
)

const (
	defaultUpstreamTimeout = 2 * time.Minute
	sessionCloseTimeout    = 5 * time.Second
)

// Upstream is a streamable HTTP client for the target MCP server. It is
// message-oriented: Send posts one raw JSON-RPC message and returns every
// message the server produced in the response body (a single JSON object,
// or several SSE events). Session and protocol-version headers are managed
// here; the bridge never sees them.
type Upstream struct {
	targetURL  *url.URL
	httpClient *http.Client
	log        *slog.Logger

	sessionID       atomic.Value
	protocolVersion atomic.Value

	closed    chan struct{}
	closeOnce sync.Once
}

// NewUpstream creates a transport for one upstream server. The HTTP client
// may be shared across sessions; pass nil for a default.
func NewUpstream(target *url.URL, httpClient *http.Client, log *slog.Logger) *Upstream {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultUpstreamTimeout}
	}
	if log == nil {
		log = slog.Default()
	}
	u := &Upstream{
		targetURL:  target,
		httpClient: httpClient,
		log:        log,
		closed:     make(chan struct{}),
	}
	u.sessionID.Store("")
	u.protocolVersion.Store("")
	return u
}

// SessionID returns the session id issued by the upstream, if any.
func (u *Upstream) SessionID() string {
	id, _ := u.sessionID.Load().(string)
	return id
}

// SetProtocolVersion records the negotiated MCP protocol version so it is
// echoed on subsequent requests.
func (u *Upstream) SetProtocolVersion(version string) {
	u.protocolVersion.Store(version)
}

// Send posts one message and returns the messages the upstream replied
// with. A 202 yields no messages. The upstream's own session id is
// captured from the initialize exchange.
func (u *Upstream) Send(ctx context.Context, env *x402.Envelope) ([]json.RawMessage, error) {
	select {
	case <-u.closed:
		return nil, x402.ErrBridgeClosed
	default:
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.targetURL.String(), bytes.NewReader(env.Raw))
	if err != nil {
		return nil, fmt.Errorf("failed to create upstream request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	if sessionID := u.SessionID(); sessionID != "" {
		req.Header.Set(transport.HeaderKeySessionID, sessionID)
	}
	if version, _ := u.protocolVersion.Load().(string); version != "" {
		req.Header.Set(transport.HeaderKeyProtocolVersion, version)
	}

	resp, err := u.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send upstream request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		// Upstream terminated the session out from under us.
		u.sessionID.Store("")
		return nil, fmt.Errorf("%w: upstream returned 404", x402.ErrUnknownSession)
	}

	if env.Kind == x402.KindRequest && env.Method == string(mcp.MethodInitialize) {
		if sessionID := resp.Header.Get(transport.HeaderKeySessionID); sessionID != "" {
			u.sessionID.Store(sessionID)
		}
	}

	return u.readMessages(ctx, resp)
}

// readMessages decodes the response body into zero or more JSON-RPC
// messages depending on status and content type.
func (u *Upstream) readMessages(ctx context.Context, resp *http.Response) ([]json.RawMessage, error) {
	if resp.StatusCode == http.StatusAccepted {
		return nil, nil
	}

	if resp.StatusCode != http.StatusOK {
		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return nil, fmt.Errorf("failed to read upstream error response: %w", err)
		}
		// Error bodies are sometimes JSON-RPC errors worth forwarding.
		if json.Valid(body) && bytes.Contains(body, []byte(`"jsonrpc"`)) {
			return []json.RawMessage{json.RawMessage(body)}, nil
		}
		return nil, fmt.Errorf("upstream returned status %d: %s", resp.StatusCode, body)
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	switch mediaType {
	case "application/json":
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to read upstream response: %w", err)
		}
		return []json.RawMessage{json.RawMessage(body)}, nil

	case "text/event-stream":
		return u.readSSE(ctx, resp.Body)

	default:
		return nil, fmt.Errorf("unexpected upstream content type: %s", resp.Header.Get("Content-Type"))
	}
}

// readSSE collects every data event from an SSE body until it closes.
func (u *Upstream) readSSE(ctx context.Context, body io.Reader) ([]json.RawMessage, error) {
	var messages []json.RawMessage
	br := bufio.NewReader(body)
	var dataLines []string

	flush := func() {
		if len(dataLines) == 0 {
			return
		}
		data := strings.Join(dataLines, "\n")
		dataLines = nil
		if json.Valid([]byte(data)) {
			messages = append(messages, json.RawMessage(data))
		} else {
			u.log.Debug("ignoring non-JSON SSE event from upstream")
		}
	}

	for {
		select {
		case <-ctx.Done():
			return messages, ctx.Err()
		case <-u.closed:
			return messages, nil
		default:
		}

		line, err := br.ReadString('\n')
		if err != nil {
			flush()
			if err == io.EOF {
				return messages, nil
			}
			return messages, fmt.Errorf("failed to read upstream SSE stream: %w", err)
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			flush()
			continue
		}
		if strings.HasPrefix(line, "data:") {
			dataLine := strings.TrimPrefix(line, "data:")
			if len(dataLine) > 0 && dataLine[0] == ' ' {
				dataLine = dataLine[1:]
			}
			dataLines = append(dataLines, dataLine)
		}
	}
}

// Close terminates the upstream session with a DELETE. Idempotent.
func (u *Upstream) Close() error {
	u.closeOnce.Do(func() {
		close(u.closed)

		sessionID := u.SessionID()
		if sessionID == "" {
			return
		}
		u.sessionID.Store("")

		ctx, cancel := context.WithTimeout(context.Background(), sessionCloseTimeout)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodDelete, u.targetURL.String(), nil)
		if err != nil {
			return
		}
		req.Header.Set(transport.HeaderKeySessionID, sessionID)
		if version, _ := u.protocolVersion.Load().(string); version != "" {
			req.Header.Set(transport.HeaderKeyProtocolVersion, version)
		}

		resp, err := u.httpClient.Do(req)
		if err != nil {
			u.log.Debug("failed to delete upstream session", "error", err)
			return
		}
		resp.Body.Close()
	})
	return nil
}
