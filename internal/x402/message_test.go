package x402

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMessage(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		kind    MessageKind
		idToken string
		method  string
	}{
		{
			name:    "request with numeric id",
			raw:     `{"jsonrpc":"2.0","id":7,"method":"tools/call","params":{}}`,
			kind:    KindRequest,
			idToken: "7",
			method:  "tools/call",
		},
		{
			name:    "request with string id",
			raw:     `{"jsonrpc":"2.0","id":"abc","method":"tools/list"}`,
			kind:    KindRequest,
			idToken: "abc",
			method:  "tools/list",
		},
		{
			name:   "notification",
			raw:    `{"jsonrpc":"2.0","method":"notifications/initialized"}`,
			kind:   KindNotification,
			method: "notifications/initialized",
		},
		{
			name:   "notification with null id",
			raw:    `{"jsonrpc":"2.0","id":null,"method":"ping"}`,
			kind:   KindNotification,
			method: "ping",
		},
		{
			name:    "response",
			raw:     `{"jsonrpc":"2.0","id":7,"result":{}}`,
			kind:    KindResponse,
			idToken: "7",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := ParseMessage([]byte(tt.raw))
			require.NoError(t, err)
			assert.Equal(t, tt.kind, env.Kind)
			assert.Equal(t, tt.idToken, env.IDToken())
			assert.Equal(t, tt.method, env.Method)
		})
	}
}

func TestParseMessageMalformed(t *testing.T) {
	_, err := ParseMessage([]byte(`{not json`))
	assert.Error(t, err)
}

func TestIDKeyDistinguishesStringAndNumber(t *testing.T) {
	numeric, err := ParseMessage([]byte(`{"jsonrpc":"2.0","id":7,"result":{}}`))
	require.NoError(t, err)
	str, err := ParseMessage([]byte(`{"jsonrpc":"2.0","id":"7","result":{}}`))
	require.NoError(t, err)

	assert.NotEqual(t, numeric.IDKey(), str.IDKey())
}

func TestRewriteID(t *testing.T) {
	raw := json.RawMessage(`{"jsonrpc":"2.0","id":7,"method":"tools/call","params":{"name":"x"}}`)

	rewritten, err := RewriteID(raw, json.RawMessage(`"retry_with_payment__7"`))
	require.NoError(t, err)

	env, err := ParseMessage(rewritten)
	require.NoError(t, err)
	assert.Equal(t, "retry_with_payment__7", env.IDToken())
	assert.Equal(t, "tools/call", env.Method)

	var msg map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(rewritten, &msg))
	assert.JSONEq(t, `{"name":"x"}`, string(msg["params"]))
}

func TestIDFromValueRoundTrip(t *testing.T) {
	tests := []struct {
		value any
		token string
	}{
		{float64(7), "7"},
		{"abc", `"abc"`},
		{json.Number("42"), "42"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.token, string(IDFromValue(tt.value)))
	}
}

func TestNewErrorResponse(t *testing.T) {
	raw := NewErrorResponse(json.RawMessage(`7`), -32000, "too many pending requests")

	var resp struct {
		JSONRPC string `json:"jsonrpc"`
		ID      int    `json:"id"`
		Error   struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(raw, &resp))
	assert.Equal(t, "2.0", resp.JSONRPC)
	assert.Equal(t, 7, resp.ID)
	assert.Equal(t, -32000, resp.Error.Code)
	assert.Equal(t, "too many pending requests", resp.Error.Message)
}
