package proxy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ampersend-xyz/x402-mcp-proxy/internal/x402"
)

func newTestUpstream(t *testing.T, handler http.HandlerFunc) *Upstream {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	target, err := url.Parse(srv.URL)
	require.NoError(t, err)
	return NewUpstream(target, nil, nil)
}

func sendRaw(t *testing.T, u *Upstream, raw string) ([]x402.Envelope, error) {
	t.Helper()
	env, err := x402.ParseMessage([]byte(raw))
	require.NoError(t, err)
	messages, err := u.Send(context.Background(), env)
	if err != nil {
		return nil, err
	}
	out := make([]x402.Envelope, 0, len(messages))
	for _, m := range messages {
		parsed, err := x402.ParseMessage(m)
		require.NoError(t, err)
		out = append(out, *parsed)
	}
	return out, nil
}

func TestUpstreamJSONResponse(t *testing.T) {
	u := newTestUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Contains(t, r.Header.Get("Accept"), "text/event-stream")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":{}}`))
	})

	messages, err := sendRaw(t, u, `{"jsonrpc":"2.0","id":1,"method":"tools/list","params":{}}`)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "1", messages[0].IDToken())
}

func TestUpstreamSSEResponse(t *testing.T) {
	u := newTestUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte(
			"event: message\ndata: {\"jsonrpc\":\"2.0\",\"method\":\"notifications/progress\",\"params\":{}}\n\n" +
				"event: message\ndata: {\"jsonrpc\":\"2.0\",\"id\":1,\"result\":{}}\n\n"))
	})

	messages, err := sendRaw(t, u, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{}}`)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, x402.KindNotification, messages[0].Kind)
	assert.Equal(t, x402.KindResponse, messages[1].Kind)
}

func TestUpstreamAcceptedYieldsNoMessages(t *testing.T) {
	u := newTestUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})

	messages, err := sendRaw(t, u, `{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	require.NoError(t, err)
	assert.Empty(t, messages)
}

func TestUpstreamCapturesSessionFromInitialize(t *testing.T) {
	var sawSession string
	u := newTestUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		sawSession = r.Header.Get(transport.HeaderKeySessionID)
		w.Header().Set(transport.HeaderKeySessionID, "sess-42")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":"i","result":{}}`))
	})

	_, err := sendRaw(t, u, `{"jsonrpc":"2.0","id":"i","method":"initialize","params":{}}`)
	require.NoError(t, err)
	require.Equal(t, "sess-42", u.SessionID())

	// Subsequent sends carry the captured session id.
	_, err = sendRaw(t, u, `{"jsonrpc":"2.0","id":2,"method":"tools/list","params":{}}`)
	require.NoError(t, err)
	assert.Equal(t, "sess-42", sawSession)
}

func TestUpstream404ClearsSession(t *testing.T) {
	u := newTestUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	_, err := sendRaw(t, u, `{"jsonrpc":"2.0","id":1,"method":"tools/list","params":{}}`)
	assert.ErrorIs(t, err, x402.ErrUnknownSession)
}

func TestUpstreamForwardsJSONRPCErrorBodies(t *testing.T) {
	u := newTestUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"error":{"code":-32600,"message":"bad request"}}`))
	})

	messages, err := sendRaw(t, u, `{"jsonrpc":"2.0","id":1,"method":"tools/list","params":{}}`)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, x402.KindResponse, messages[0].Kind)
}

func TestUpstreamSendAfterClose(t *testing.T) {
	u := newTestUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})
	require.NoError(t, u.Close())

	_, err := sendRaw(t, u, `{"jsonrpc":"2.0","id":1,"method":"tools/list","params":{}}`)
	assert.ErrorIs(t, err, x402.ErrBridgeClosed)
}
