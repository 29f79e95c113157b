package proxy

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ampersend-xyz/x402-mcp-proxy/internal/treasurer"
	"github.com/ampersend-xyz/x402-mcp-proxy/internal/wallet"
	"github.com/ampersend-xyz/x402-mcp-proxy/internal/x402"
)

const initializeRequest = `{"jsonrpc":"2.0","id":"init-1","method":"initialize","params":{"protocolVersion":"2025-03-26","capabilities":{},"clientInfo":{"name":"test","version":"1.0"}}}`

type serverHarness struct {
	proxy    *httptest.Server
	server   *Server
	upstream *fakeUpstream
}

func newServerHarness(t *testing.T) *serverHarness {
	t.Helper()
	upstream := newFakeUpstream(t)

	server := NewServer(ServerOptions{
		Treasurer: treasurer.NewNaive(wallet.NewMockWallet("0xabc"), nil),
	})
	proxy := httptest.NewServer(server.Handler())
	t.Cleanup(proxy.Close)

	return &serverHarness{proxy: proxy, server: server, upstream: upstream}
}

func (h *serverHarness) post(t *testing.T, target, sessionID, body string) *http.Response {
	t.Helper()
	u := h.proxy.URL + "/mcp"
	if target != "" {
		u += "?target=" + target
	}
	req, err := http.NewRequest(http.MethodPost, u, bytes.NewReader([]byte(body)))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if sessionID != "" {
		req.Header.Set(transport.HeaderKeySessionID, sessionID)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func (h *serverHarness) delete(t *testing.T, sessionID string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodDelete, h.proxy.URL+"/mcp", nil)
	require.NoError(t, err)
	if sessionID != "" {
		req.Header.Set(transport.HeaderKeySessionID, sessionID)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

// initialize opens a session against the fake upstream and returns its id.
func (h *serverHarness) initialize(t *testing.T) string {
	t.Helper()
	resp := h.post(t, h.upstream.URL, "", initializeRequest)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	sessionID := resp.Header.Get(transport.HeaderKeySessionID)
	require.NotEmpty(t, sessionID)
	return sessionID
}

func errorCode(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body.Error.Code
}

func TestValidateTarget(t *testing.T) {
	tests := []struct {
		name   string
		target string
		code   string
	}{
		{"missing", "", CodeInvalidURL},
		{"relative", "/mcp", CodeInvalidURL},
		{"no host", "http://", CodeInvalidURL},
		{"ftp", "ftp://example.com/mcp", CodeInvalidProtocol},
		{"ws", "ws://example.com/mcp", CodeInvalidProtocol},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := validateTarget(tt.target)
			require.Error(t, err)
			var verr *validationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.code, verr.code)
		})
	}

	t.Run("localhost allowed", func(t *testing.T) {
		target, err := validateTarget("http://127.0.0.1:8080/mcp")
		require.NoError(t, err)
		assert.Equal(t, "127.0.0.1:8080", target.Host)
	})
}

func TestServerRejectsBadTarget(t *testing.T) {
	h := newServerHarness(t)

	resp := h.post(t, "ftp%3A%2F%2Fexample.com", "", initializeRequest)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, CodeInvalidProtocol, errorCode(t, resp))

	resp = h.post(t, "", "", initializeRequest)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, CodeInvalidURL, errorCode(t, resp))
}

func TestServerRequiresSessionAfterInitialize(t *testing.T) {
	h := newServerHarness(t)

	resp := h.post(t, h.upstream.URL, "", toolCallRequest)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, CodeMissingSession, errorCode(t, resp))
}

func TestServerUnknownSession(t *testing.T) {
	h := newServerHarness(t)

	resp := h.post(t, "", "no-such-session", toolCallRequest)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, CodeUnknownSession, errorCode(t, resp))
}

func TestServerEndToEndPaidToolCall(t *testing.T) {
	h := newServerHarness(t)
	sessionID := h.initialize(t)
	assert.Equal(t, 1, h.server.Sessions().Len())

	resp := h.post(t, "", sessionID, toolCallRequest)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	env, err := x402.ParseMessage(body)
	require.NoError(t, err)
	assert.Equal(t, "7", env.IDToken())

	settlement, err := x402.SettlementFromResponse(body)
	require.NoError(t, err)
	require.NotNil(t, settlement)
	assert.True(t, settlement.Success)

	// The buyer never sees payment artefacts beyond the settle meta: the
	// upstream received the paid retry, not the buyer.
	sent := h.upstream.recorded()
	require.Len(t, sent, 3) // initialize, bare call, paid retry
	_, paid := x402.RequestMetaValue(sent[2], x402.MetaPayment)
	assert.True(t, paid)
}

func TestServerNotificationReturns202(t *testing.T) {
	h := newServerHarness(t)
	sessionID := h.initialize(t)

	resp := h.post(t, "", sessionID, `{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestServerDelete(t *testing.T) {
	h := newServerHarness(t)
	sessionID := h.initialize(t)

	resp := h.delete(t, sessionID)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Zero(t, h.server.Sessions().Len())

	// Idempotence: deleting again is a 404 and nothing else changes.
	resp = h.delete(t, sessionID)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, CodeUnknownSession, errorCode(t, resp))
}

func TestServerDeleteRequiresSessionHeader(t *testing.T) {
	h := newServerHarness(t)

	resp := h.delete(t, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, CodeMissingSession, errorCode(t, resp))
}

func TestServerDeleteDoesNotAffectOtherSessions(t *testing.T) {
	h := newServerHarness(t)
	first := h.initialize(t)
	second := h.initialize(t)

	resp := h.delete(t, first)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = h.post(t, "", second, toolCallRequest)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServerTeardownMidFlight(t *testing.T) {
	h := newServerHarness(t)
	sessionID := h.initialize(t)

	// The upstream swallows the next request, leaving the buyer's POST
	// blocked on its response.
	h.upstream.acceptOnly = true

	type result struct {
		status int
	}
	done := make(chan result, 1)
	go func() {
		resp := h.post(t, "", sessionID, toolCallRequest)
		resp.Body.Close()
		done <- result{resp.StatusCode}
	}()

	// Let the request reach the bridge, then tear the session down.
	require.Eventually(t, func() bool {
		sess, ok := h.server.Sessions().Get(sessionID)
		if !ok {
			return false
		}
		return sess.bridge.PendingRequests() == 1
	}, 2*time.Second, 10*time.Millisecond)

	resp := h.delete(t, sessionID)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Zero(t, h.server.Sessions().Len())

	select {
	case r := <-done:
		assert.Equal(t, http.StatusNotFound, r.status)
	case <-time.After(2 * time.Second):
		t.Fatal("blocked request was not released by session teardown")
	}
}

func TestServerRejectsDuplicateInFlightID(t *testing.T) {
	h := newServerHarness(t)
	sessionID := h.initialize(t)

	// Block the first request inside the bridge so its id stays in flight.
	h.upstream.acceptOnly = true

	done := make(chan int, 1)
	go func() {
		resp := h.post(t, "", sessionID, toolCallRequest)
		resp.Body.Close()
		done <- resp.StatusCode
	}()

	require.Eventually(t, func() bool {
		sess, ok := h.server.Sessions().Get(sessionID)
		if !ok {
			return false
		}
		return sess.bridge.PendingRequests() == 1
	}, 2*time.Second, 10*time.Millisecond)

	// Reusing the id while the first request is outstanding is a client
	// error; the original request must keep its waiter.
	resp := h.post(t, "", sessionID, toolCallRequest)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Error struct {
			Code int `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, -32600, body.Error.Code)

	teardown := h.delete(t, sessionID)
	teardown.Body.Close()
	require.Equal(t, http.StatusOK, teardown.StatusCode)

	select {
	case status := <-done:
		assert.Equal(t, http.StatusNotFound, status)
	case <-time.After(2 * time.Second):
		t.Fatal("blocked request was not released by session teardown")
	}
}

func TestServerMethodNotAllowed(t *testing.T) {
	h := newServerHarness(t)

	resp, err := http.Get(h.proxy.URL + "/mcp")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
