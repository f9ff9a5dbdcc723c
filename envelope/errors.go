package envelope

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/nuwa-protocol/payment-kit-go/subrav"
)

// ErrorCode is a protocol-level error code carried in response envelopes.
type ErrorCode string

const (
	CodeUnauthorized            ErrorCode = "UNAUTHORIZED"
	CodeForbidden               ErrorCode = "FORBIDDEN"
	CodePaymentRequired         ErrorCode = "PAYMENT_REQUIRED"
	CodeInsufficientFunds       ErrorCode = "INSUFFICIENT_FUNDS"
	CodeRAVConflict             ErrorCode = "RAV_CONFLICT"
	CodeBadRequest              ErrorCode = "BAD_REQUEST"
	CodeUnknownSubRAV           ErrorCode = "UNKNOWN_SUBRAV"
	CodeTamperedSubRAV          ErrorCode = "TAMPERED_SUBRAV"
	CodeInvalidPayment          ErrorCode = "INVALID_PAYMENT"
	CodeMaxAmountExceeded       ErrorCode = "MAX_AMOUNT_EXCEEDED"
	CodeChannelNotFound         ErrorCode = "CHANNEL_NOT_FOUND"
	CodeChannelClosed           ErrorCode = "CHANNEL_CLOSED"
	CodeEpochMismatch           ErrorCode = "EPOCH_MISMATCH"
	CodeChainIDMismatch         ErrorCode = "CHAIN_ID_MISMATCH"
	CodeSubChannelNotAuthorized ErrorCode = "SUBCHANNEL_NOT_AUTHORIZED"
	CodeNotFound                ErrorCode = "NOT_FOUND"
	CodeServiceUnavailable      ErrorCode = "SERVICE_UNAVAILABLE"
	CodeInternalError           ErrorCode = "INTERNAL_ERROR"
)

// HTTPStatus maps the code to its HTTP response status.
func (c ErrorCode) HTTPStatus() int {
	switch c {
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodePaymentRequired, CodeInsufficientFunds:
		return http.StatusPaymentRequired
	case CodeRAVConflict:
		return http.StatusConflict
	case CodeBadRequest, CodeUnknownSubRAV, CodeTamperedSubRAV, CodeInvalidPayment,
		CodeMaxAmountExceeded, CodeChannelClosed, CodeEpochMismatch, CodeChainIDMismatch:
		return http.StatusBadRequest
	case CodeChannelNotFound, CodeSubChannelNotAuthorized, CodeNotFound:
		return http.StatusNotFound
	case CodeServiceUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// MCPCode maps the code to the coarser MCP error code family.
func (c ErrorCode) MCPCode() string {
	switch c.HTTPStatus() {
	case http.StatusUnauthorized:
		return "UNAUTHORIZED"
	case http.StatusForbidden:
		return "FORBIDDEN"
	case http.StatusPaymentRequired:
		if c == CodeInsufficientFunds {
			return "INSUFFICIENT_FUNDS"
		}
		return "PAYMENT_REQUIRED"
	case http.StatusConflict:
		return "CONFLICT"
	case http.StatusBadRequest:
		return "BAD_REQUEST"
	case http.StatusNotFound:
		return "NOT_FOUND"
	case http.StatusServiceUnavailable:
		return "SERVICE_UNAVAILABLE"
	}
	return "INTERNAL_ERROR"
}

// ProtocolError is a failure with a protocol code, suitable for direct
// rendering into a response envelope.
type ProtocolError struct {
	Code    ErrorCode
	Message string

	// Pending carries the unsigned proposal embedded in PAYMENT_REQUIRED
	// responses so the payer can sign it on the next request.
	Pending *subrav.SubRAV
}

// Errorf builds a ProtocolError with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *ProtocolError {
	return &ProtocolError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Error implements error
func (e *ProtocolError) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// AsProtocolError unwraps err into a ProtocolError if one is in its chain.
func AsProtocolError(err error) (*ProtocolError, bool) {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// InternalError is the INTERNAL_ERROR envelope; the underlying cause is for
// logs, never for the wire payload.
func InternalError() *ProtocolError {
	return &ProtocolError{Code: CodeInternalError, Message: "internal error"}
}
