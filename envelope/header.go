package envelope

import (
	"encoding/base64"
	"fmt"
	"net/http"
)

// HeaderName carries the payment envelope over HTTP. Matching is
// case-insensitive per net/http canonicalization.
const HeaderName = "X-Payment-Channel-Data"

// EncodeRequestHeader renders a request payload as the header value:
// base64url(JSON), no padding.
func EncodeRequestHeader(p *RequestPayload) (string, error) {
	data, err := MarshalRequest(p)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

// DecodeRequestHeader parses a header value into a request payload.
func DecodeRequestHeader(value string) (*RequestPayload, error) {
	data, err := base64.RawURLEncoding.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("decoding payment header: %w", err)
	}
	return UnmarshalRequest(data)
}

// EncodeResponseHeader renders a response payload as the header value.
func EncodeResponseHeader(p *ResponsePayload) (string, error) {
	data, err := MarshalResponse(p)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

// DecodeResponseHeader parses a header value into a response payload.
func DecodeResponseHeader(value string) (*ResponsePayload, error) {
	data, err := base64.RawURLEncoding.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("decoding payment header: %w", err)
	}
	return UnmarshalResponse(data)
}

// HasPaymentData reports whether the request carries a payment envelope.
func HasPaymentData(h http.Header) bool {
	return h.Get(HeaderName) != ""
}
