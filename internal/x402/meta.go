package x402

import (
	"encoding/json"
	"fmt"
)

// InjectRequestMeta returns a copy of a raw JSON-RPC request with the given
// fields merged into params._meta. Existing params and _meta entries are
// preserved.
func InjectRequestMeta(raw json.RawMessage, fields map[string]any) (json.RawMessage, error) {
	var msg map[string]json.RawMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal request: %w", err)
	}

	paramsMap := make(map[string]any)
	if params, ok := msg["params"]; ok && len(params) > 0 && string(params) != "null" {
		if err := json.Unmarshal(params, &paramsMap); err != nil {
			return nil, fmt.Errorf("failed to unmarshal params to map: %w", err)
		}
	}

	metaMap, _ := paramsMap["_meta"].(map[string]any)
	if metaMap == nil {
		metaMap = make(map[string]any)
	}
	for k, v := range fields {
		metaMap[k] = v
	}
	paramsMap["_meta"] = metaMap

	paramsBytes, err := json.Marshal(paramsMap)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal params: %w", err)
	}
	msg["params"] = paramsBytes
	return json.Marshal(msg)
}

// RequestMetaValue reads a single params._meta field from a raw request.
func RequestMetaValue(raw json.RawMessage, key string) (any, bool) {
	var msg struct {
		Params struct {
			Meta map[string]any `json:"_meta"`
		} `json:"params"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, false
	}
	v, ok := msg.Params.Meta[key]
	return v, ok
}

// SettlementFromResponse extracts the x402/payment-response settle result
// from a raw response's result._meta, or nil when absent.
func SettlementFromResponse(raw json.RawMessage) (*SettleResponse, error) {
	var msg struct {
		Result struct {
			Meta map[string]json.RawMessage `json:"_meta"`
		} `json:"result"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		// Result may be a non-object value; that is not a settle response.
		return nil, nil
	}

	settleRaw, ok := msg.Result.Meta[MetaPaymentResponse]
	if !ok {
		return nil, nil
	}

	var settlement SettleResponse
	if err := json.Unmarshal(settleRaw, &settlement); err != nil {
		return nil, fmt.Errorf("failed to unmarshal settle response: %w", err)
	}
	return &settlement, nil
}

// RequirementsFromError extracts the 402 body from a raw response. Returns
// nil when the message is not a payment-required error.
func RequirementsFromError(raw json.RawMessage) (*PaymentRequiredResponse, error) {
	var msg struct {
		Error *struct {
			Code int             `json:"code"`
			Data json.RawMessage `json:"data"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse JSON-RPC response: %w", err)
	}
	if msg.Error == nil || msg.Error.Code != 402 {
		return nil, nil
	}

	var requirements PaymentRequiredResponse
	if err := json.Unmarshal(msg.Error.Data, &requirements); err != nil {
		return nil, fmt.Errorf("failed to parse payment requirements from error.data: %w", err)
	}
	return &requirements, nil
}
