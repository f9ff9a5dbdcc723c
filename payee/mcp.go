package payee

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nuwa-protocol/payment-kit-go/billing"
	"github.com/nuwa-protocol/payment-kit-go/envelope"
	"github.com/nuwa-protocol/payment-kit-go/subrav"
)

// MCPToolHandler executes the business part of a tool call. The params map
// arrives with the reserved payment keys already stripped.
type MCPToolHandler func(ctx context.Context, params map[string]any) (map[string]any, error)

// MCPAdapter runs tool invocations through the payment pipeline. It stays
// SDK-neutral: tool results and params travel as plain maps, so any MCP
// server library can sit in front of Invoke.
type MCPAdapter struct {
	processor *Processor
	resolver  subrav.DIDResolver
	skew      time.Duration
	logger    *zap.Logger

	mu    sync.RWMutex
	tools map[string]MCPToolHandler
}

func NewMCPAdapter(processor *Processor, resolver subrav.DIDResolver, logger *zap.Logger) *MCPAdapter {
	return &MCPAdapter{
		processor: processor,
		resolver:  resolver,
		skew:      envelope.DefaultDIDAuthSkew,
		logger:    logger,
		tools:     make(map[string]MCPToolHandler),
	}
}

// RegisterTool binds a handler to a tool name, replacing any previous one.
// Invoke falls back to registered tools when called without a handler.
func (a *MCPAdapter) RegisterTool(tool string, handler MCPToolHandler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tools[tool] = handler
}

func (a *MCPAdapter) lookup(tool string) MCPToolHandler {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.tools[tool]
}

// Invoke runs one tool call end to end: extract the payment params, verify
// auth, run the pipeline around the handler and embed the payment payload in
// the result. Protocol failures come back as error results, never as Go
// errors, so the MCP layer always has something to send.
func (a *MCPAdapter) Invoke(ctx context.Context, tool string, params map[string]any, handler MCPToolHandler) (map[string]any, error) {
	payload, auth, err := envelope.ExtractMCPRequest(params)
	if err != nil {
		return a.errorResult(nil, envelope.Errorf(envelope.CodeBadRequest, "malformed payment params: %s", err)), nil
	}

	values := map[string]string{"tool": tool}
	args := envelope.StripMCPReserved(params)
	for key, value := range args {
		if key == "tool" {
			continue
		}
		if s, ok := value.(string); ok {
			values[key] = s
		}
	}

	bctx := &BillingContext{
		Meta:    &billing.Meta{Path: tool, Method: "MCP", Values: values},
		Request: payload,
	}

	if auth != "" {
		token, err := envelope.ParseDIDAuthHeader(auth)
		if err != nil {
			return a.errorResult(bctx, envelope.Errorf(envelope.CodeUnauthorized, "malformed auth param")), nil
		}
		ok, err := token.Verify(ctx, a.resolver, a.processor.ServiceDID(), a.skew)
		if err != nil || !ok {
			return a.errorResult(bctx, envelope.Errorf(envelope.CodeUnauthorized, "did auth verification failed")), nil
		}
		bctx.AuthDID = token.DID
		bctx.AuthKeyFragment = token.KeyFragment()
	}

	if err := a.processor.PreProcess(ctx, bctx); err != nil {
		bctx.Release()
		return a.errorResult(bctx, err), nil
	}

	if handler == nil {
		handler = a.lookup(tool)
	}
	if handler == nil {
		bctx.Release()
		return a.errorResult(bctx, envelope.Errorf(envelope.CodeNotFound, "unknown tool %q", tool)), nil
	}

	out, handlerErr := a.run(WithBillingContext(ctx, bctx), handler, args)
	if handlerErr != nil {
		bctx.HandlerFailed = true
	}

	if err := a.processor.Settle(ctx, bctx); err != nil {
		// The receipt verified in PreProcess is value already received; a
		// settlement failure only costs the successor proposal.
		result := a.errorResult(bctx, err)
		a.schedulePersist(bctx)
		return result, nil
	}

	if out == nil {
		out = make(map[string]any)
	}
	if handlerErr != nil {
		out["isError"] = true
		out["content"] = []any{map[string]any{"type": "text", "text": handlerErr.Error()}}
		if pe, ok := envelope.AsProtocolError(handlerErr); ok {
			if bctx.Response == nil {
				clientTxRef := ""
				if bctx.Request != nil {
					clientTxRef = bctx.Request.ClientTxRef
				}
				bctx.Response = &envelope.ResponsePayload{Version: envelope.WireVersion, ClientTxRef: clientTxRef}
			}
			bctx.Response.Error = &envelope.ErrorInfo{
				Code:    envelope.ErrorCode(pe.Code.MCPCode()),
				Message: pe.Message,
			}
		}
	}
	if bctx.Response != nil {
		field, err := envelope.MCPResponseField(bctx.Response)
		if err != nil {
			a.logger.Error("response payload shaping failed", zap.Error(err))
			result := a.errorResult(bctx, envelope.InternalError())
			a.schedulePersist(bctx)
			return result, nil
		}
		out[envelope.MCPPaymentKey] = field
	}

	a.schedulePersist(bctx)
	return out, nil
}

// schedulePersist runs Step C after the tool result is shaped; Persist
// releases the sub-channel lock.
func (a *MCPAdapter) schedulePersist(bctx *BillingContext) {
	go func() {
		if err := a.processor.Persist(context.Background(), bctx); err != nil {
			a.logger.Warn("post-response persistence failed", zap.Error(err))
		}
	}()
}

// run shields the pipeline from handler panics; a panic settles as a failed
// call with zero cost.
func (a *MCPAdapter) run(ctx context.Context, handler MCPToolHandler, params map[string]any) (out map[string]any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			a.logger.Error("tool handler panicked", zap.Any("panic", rec), zap.Stack("stacktrace"))
			out = nil
			err = fmt.Errorf("tool handler panicked")
		}
	}()
	return handler(ctx, params)
}

// errorResult shapes a protocol error as an MCP error result with the
// payment payload attached. Error codes use their MCP kinds.
func (a *MCPAdapter) errorResult(bctx *BillingContext, err error) map[string]any {
	pe, ok := envelope.AsProtocolError(err)
	if !ok {
		a.logger.Error("payment pipeline failed", zap.Error(err))
		pe = envelope.InternalError()
	}

	clientTxRef := ""
	if bctx != nil && bctx.Request != nil {
		clientTxRef = bctx.Request.ClientTxRef
	}

	payload := &envelope.ResponsePayload{
		Version:     envelope.WireVersion,
		ClientTxRef: clientTxRef,
		SubRAV:      pe.Pending,
		Error: &envelope.ErrorInfo{
			Code:    envelope.ErrorCode(pe.Code.MCPCode()),
			Message: pe.Message,
		},
	}

	result := map[string]any{
		"isError": true,
		"content": []any{map[string]any{"type": "text", "text": pe.Error()}},
	}
	if field, err := envelope.MCPResponseField(payload); err == nil {
		result[envelope.MCPPaymentKey] = field
	}
	return result
}
