package x402

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// MessageKind classifies a raw JSON-RPC message.
type MessageKind int

const (
	KindRequest MessageKind = iota
	KindNotification
	KindResponse
)

// Envelope is a lightly parsed JSON-RPC message. The bridge moves messages
// around without decoding method-specific payloads, so it only sniffs the
// id and method fields and keeps the original bytes intact.
type Envelope struct {
	Raw    json.RawMessage
	Kind   MessageKind
	ID     json.RawMessage // raw id token, nil when absent or null
	Method string
}

// ParseMessage sniffs the id and method fields of a raw JSON-RPC message.
func ParseMessage(raw []byte) (*Envelope, error) {
	var probe struct {
		ID     json.RawMessage `json:"id"`
		Method string          `json:"method"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, fmt.Errorf("malformed JSON-RPC message: %w", err)
	}

	env := &Envelope{Raw: raw, ID: probe.ID, Method: probe.Method}
	if len(env.ID) == 0 || string(env.ID) == "null" {
		env.ID = nil
	}

	switch {
	case env.Method != "" && env.ID != nil:
		env.Kind = KindRequest
	case env.Method != "":
		env.Kind = KindNotification
	default:
		env.Kind = KindResponse
	}
	return env, nil
}

// HasID reports whether the message carries a non-null id.
func (e *Envelope) HasID() bool {
	return e.ID != nil
}

// IDKey returns a map key for the message id. Two ids are the same request
// iff their raw JSON tokens are equal.
func (e *Envelope) IDKey() string {
	return string(e.ID)
}

// IDToken returns the id as a bare string: string ids are unquoted,
// numeric ids keep their decimal form. Used to build synthetic retry ids.
func (e *Envelope) IDToken() string {
	if e.ID == nil {
		return ""
	}
	var s string
	if err := json.Unmarshal(e.ID, &s); err == nil {
		return s
	}
	return string(e.ID)
}

// RewriteID returns a copy of the message with its id replaced.
func RewriteID(raw json.RawMessage, id json.RawMessage) (json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("failed to rewrite message id: %w", err)
	}
	fields["id"] = id
	return json.Marshal(fields)
}

// IDFromValue converts a decoded JSON value (string or number) back into a
// raw id token. Values round-trip through _meta as float64 or string.
func IDFromValue(v any) json.RawMessage {
	switch id := v.(type) {
	case string:
		b, _ := json.Marshal(id)
		return b
	case float64:
		if id == float64(int64(id)) {
			return json.RawMessage(strconv.FormatInt(int64(id), 10))
		}
		return json.RawMessage(strconv.FormatFloat(id, 'f', -1, 64))
	case json.Number:
		return json.RawMessage(id.String())
	default:
		b, _ := json.Marshal(v)
		return b
	}
}

// IDValue decodes a raw id token into its JSON value.
func IDValue(id json.RawMessage) any {
	var v any
	_ = json.Unmarshal(id, &v)
	return v
}

// NewErrorResponse builds a raw JSON-RPC error response.
func NewErrorResponse(id json.RawMessage, code int, message string) json.RawMessage {
	resp := map[string]any{
		"jsonrpc": "2.0",
		"error": map[string]any{
			"code":    code,
			"message": message,
		},
	}
	if id != nil {
		resp["id"] = json.RawMessage(id)
	} else {
		resp["id"] = nil
	}
	b, _ := json.Marshal(resp)
	return b
}
