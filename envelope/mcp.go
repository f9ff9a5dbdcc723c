package envelope

import (
	"encoding/json"
	"fmt"
)

// Reserved MCP tool-parameter keys and the payment resource identity. The
// adapter stays SDK-neutral: params and content items travel as plain maps.
const (
	MCPAuthKey    = "__nuwa_auth"
	MCPPaymentKey = "__nuwa_payment"

	MCPPaymentURI      = "nuwa:payment"
	MCPPaymentMimeType = "application/vnd.nuwa.payment+json"
)

// ExtractMCPRequest pulls the payment payload and the DID-auth header out of
// tool-call params. A missing payment key yields (nil, auth, nil).
func ExtractMCPRequest(params map[string]any) (*RequestPayload, string, error) {
	auth, _ := params[MCPAuthKey].(string)

	raw, ok := params[MCPPaymentKey]
	if !ok || raw == nil {
		return nil, auth, nil
	}

	data, err := json.Marshal(raw)
	if err != nil {
		return nil, auth, fmt.Errorf("re-encoding %s: %w", MCPPaymentKey, err)
	}
	payload, err := UnmarshalRequest(data)
	if err != nil {
		return nil, auth, err
	}
	return payload, auth, nil
}

// InjectMCPRequest sets the reserved keys on tool-call params.
func InjectMCPRequest(params map[string]any, p *RequestPayload, auth string) error {
	if auth != "" {
		params[MCPAuthKey] = auth
	}
	if p == nil {
		return nil
	}
	data, err := MarshalRequest(p)
	if err != nil {
		return err
	}
	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("shaping %s: %w", MCPPaymentKey, err)
	}
	params[MCPPaymentKey] = obj
	return nil
}

// StripMCPReserved returns params without the reserved keys, leaving only the
// business arguments for the tool handler.
func StripMCPReserved(params map[string]any) map[string]any {
	out := make(map[string]any, len(params))
	for k, v := range params {
		if k == MCPAuthKey || k == MCPPaymentKey {
			continue
		}
		out[k] = v
	}
	return out
}

// MCPResponseField renders the response payload for embedding as the
// structured result field.
func MCPResponseField(p *ResponsePayload) (map[string]any, error) {
	data, err := MarshalResponse(p)
	if err != nil {
		return nil, err
	}
	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, fmt.Errorf("shaping %s: %w", MCPPaymentKey, err)
	}
	return obj, nil
}

// MCPResponseContentItem renders the response payload as an extra resource
// content item for tool results.
func MCPResponseContentItem(p *ResponsePayload) (map[string]any, error) {
	data, err := MarshalResponse(p)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"type": "resource",
		"resource": map[string]any{
			"uri":      MCPPaymentURI,
			"mimeType": MCPPaymentMimeType,
			"text":     string(data),
		},
	}, nil
}

// ParseMCPResponse extracts the response payload from a tool result shaped as
// either the structured field or a payment resource content item.
func ParseMCPResponse(result map[string]any) (*ResponsePayload, error) {
	if raw, ok := result[MCPPaymentKey]; ok && raw != nil {
		data, err := json.Marshal(raw)
		if err != nil {
			return nil, fmt.Errorf("re-encoding %s: %w", MCPPaymentKey, err)
		}
		return UnmarshalResponse(data)
	}

	content, ok := result["content"].([]any)
	if !ok {
		return nil, nil
	}
	for _, item := range content {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		resource, ok := m["resource"].(map[string]any)
		if !ok {
			continue
		}
		if uri, _ := resource["uri"].(string); uri != MCPPaymentURI {
			continue
		}
		text, _ := resource["text"].(string)
		if text == "" {
			return nil, fmt.Errorf("payment resource item has no text")
		}
		return UnmarshalResponse([]byte(text))
	}
	return nil, nil
}
