package payee

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nuwa-protocol/payment-kit-go/billing"
	"github.com/nuwa-protocol/payment-kit-go/envelope"
	"github.com/nuwa-protocol/payment-kit-go/store"
	"github.com/nuwa-protocol/payment-kit-go/subrav"
)

type mcpEnv struct {
	*procEnv
	signer  *subrav.LocalSigner
	keyID   string
	adapter *MCPAdapter
}

func newMCPEngine(t *testing.T) *billing.Engine {
	t.Helper()

	engine, err := billing.NewEngine(nil, nil)
	require.NoError(t, err)

	free := false
	require.NoError(t, engine.AddRule(billing.Rule{
		ID:       "echo",
		When:     map[string]string{"tool": "echo"},
		Strategy: billing.StrategyConfig{Type: billing.StrategyPerRequest, PricePicoUSD: "1000000000"},
	}))
	require.NoError(t, engine.AddRule(billing.Rule{
		ID:              "ping",
		When:            map[string]string{"tool": "ping"},
		Strategy:        billing.StrategyConfig{Type: billing.StrategyPerRequest},
		PaymentRequired: &free,
	}))

	return engine
}

func newMCPEnv(t *testing.T) *mcpEnv {
	return newMCPEnvFor(t, newProcEnvWith(t, newMCPEngine(t)))
}

func newMCPEnvFor(t *testing.T, env *procEnv) *mcpEnv {
	t.Helper()

	keyID := procPayerDID + "#" + procFragment
	signer := subrav.NewLocalSigner()
	signer.AddSecp256k1Key(keyID, env.key)

	resolver := subrav.NewStaticResolver()
	vm, ok := signer.VerificationMethod(keyID)
	require.True(t, ok)
	resolver.AddVerificationMethod(procPayerDID, *vm)

	return &mcpEnv{
		procEnv: env,
		signer:  signer,
		keyID:   keyID,
		adapter: NewMCPAdapter(env.processor, resolver, zap.NewNop()),
	}
}

func (e *mcpEnv) authParam(t *testing.T) string {
	t.Helper()

	value, err := envelope.NewDIDAuthHeader(context.Background(), e.signer, procPayerDID, e.keyID, procServiceDID)
	require.NoError(t, err)
	return value
}

// callParams shapes tool params with the reserved payment keys set. A nil
// receipt sends auth only.
func (e *mcpEnv) callParams(t *testing.T, signed *subrav.SignedSubRAV, args map[string]any) map[string]any {
	t.Helper()

	params := make(map[string]any, len(args)+2)
	for k, v := range args {
		params[k] = v
	}
	var payload *envelope.RequestPayload
	if signed != nil {
		payload = &envelope.RequestPayload{
			Version:      envelope.WireVersion,
			ClientTxRef:  "tx-mcp",
			SignedSubRAV: signed,
		}
	}
	require.NoError(t, envelope.InjectMCPRequest(params, payload, e.authParam(t)))
	return params
}

func mcpPayload(t *testing.T, result map[string]any) *envelope.ResponsePayload {
	t.Helper()

	payload, err := envelope.ParseMCPResponse(result)
	require.NoError(t, err)
	require.NotNil(t, payload, "missing payment field in tool result")
	return payload
}

func TestMCPAdapterPaidToolCall(t *testing.T) {
	env := newMCPEnv(t)
	ctx := context.Background()

	var gotArgs map[string]any
	params := env.callParams(t, env.sign(t, env.rav(0, 0)), map[string]any{"message": "hi"})
	result, err := env.adapter.Invoke(ctx, "echo", params, func(ctx context.Context, args map[string]any) (map[string]any, error) {
		gotArgs = args
		assert.NotNil(t, BillingContextFrom(ctx))
		return map[string]any{"content": []any{map[string]any{"type": "text", "text": "hi"}}}, nil
	})
	require.NoError(t, err)

	// The handler sees business args only, never the reserved keys.
	assert.Equal(t, "hi", gotArgs["message"])
	assert.NotContains(t, gotArgs, envelope.MCPAuthKey)
	assert.NotContains(t, gotArgs, envelope.MCPPaymentKey)

	assert.Nil(t, result["isError"])
	payload := mcpPayload(t, result)
	require.Nil(t, payload.Error)
	require.NotNil(t, payload.SubRAV)
	assert.Equal(t, uint64(1), payload.SubRAV.Nonce)
	assert.Equal(t, big.NewInt(echoCostAsset), payload.SubRAV.AccumulatedAmount)
	assert.Equal(t, big.NewInt(echoCostAsset), payload.Cost)
	assert.Equal(t, "tx-mcp", payload.ClientTxRef)

	env.waitLatestNonce(t, 0)
}

func TestMCPAdapterPaymentRequired(t *testing.T) {
	env := newMCPEnv(t)
	ctx := context.Background()

	params := env.callParams(t, env.sign(t, env.rav(0, 0)), nil)
	_, err := env.adapter.Invoke(ctx, "echo", params, func(context.Context, map[string]any) (map[string]any, error) {
		return nil, nil
	})
	require.NoError(t, err)

	env.waitLatestNonce(t, 0)
	require.Eventually(t, func() bool {
		_, err := env.store.Pending.FindLatestBySubChannel(ctx, env.channelID, procFragment)
		return err == nil
	}, 5*time.Second, 2*time.Millisecond)

	// Auth without a receipt: error result carrying the proposal to sign.
	params = env.callParams(t, nil, nil)
	result, err := env.adapter.Invoke(ctx, "echo", params, func(context.Context, map[string]any) (map[string]any, error) {
		t.Fatal("handler must not run")
		return nil, nil
	})
	require.NoError(t, err)

	assert.Equal(t, true, result["isError"])
	payload := mcpPayload(t, result)
	require.NotNil(t, payload.Error)
	assert.Equal(t, envelope.ErrorCode("PAYMENT_REQUIRED"), payload.Error.Code)
	require.NotNil(t, payload.SubRAV)
	assert.Equal(t, uint64(1), payload.SubRAV.Nonce)
}

func TestMCPAdapterFreeToolHasNoPaymentField(t *testing.T) {
	env := newMCPEnv(t)

	result, err := env.adapter.Invoke(context.Background(), "ping", map[string]any{}, func(context.Context, map[string]any) (map[string]any, error) {
		return map[string]any{"content": []any{map[string]any{"type": "text", "text": "pong"}}}, nil
	})
	require.NoError(t, err)

	assert.Nil(t, result["isError"])
	assert.NotContains(t, result, envelope.MCPPaymentKey)
}

func TestMCPAdapterHandlerFailureIsNotCharged(t *testing.T) {
	tests := []struct {
		name    string
		handler MCPToolHandler
		text    string
	}{
		{
			name: "error",
			handler: func(context.Context, map[string]any) (map[string]any, error) {
				return nil, errors.New("backend exploded")
			},
			text: "backend exploded",
		},
		{
			name: "panic",
			handler: func(context.Context, map[string]any) (map[string]any, error) {
				panic("boom")
			},
			text: "tool handler panicked",
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			env := newMCPEnv(t)

			params := env.callParams(t, env.sign(t, env.rav(0, 0)), nil)
			result, err := env.adapter.Invoke(context.Background(), "echo", params, test.handler)
			require.NoError(t, err)

			assert.Equal(t, true, result["isError"])
			content, ok := result["content"].([]any)
			require.True(t, ok)
			require.Len(t, content, 1)
			item, ok := content[0].(map[string]any)
			require.True(t, ok)
			assert.Equal(t, test.text, item["text"])

			payload := mcpPayload(t, result)
			assert.Nil(t, payload.SubRAV)
			assert.Equal(t, big.NewInt(0), payload.Cost)

			// The handshake receipt is still persisted.
			env.waitLatestNonce(t, 0)
		})
	}
}

func TestMCPAdapterProtocolErrorFromHandler(t *testing.T) {
	env := newMCPEnv(t)

	params := env.callParams(t, env.sign(t, env.rav(0, 0)), nil)
	result, err := env.adapter.Invoke(context.Background(), "echo", params, func(context.Context, map[string]any) (map[string]any, error) {
		return nil, envelope.Errorf(envelope.CodeNotFound, "no such document")
	})
	require.NoError(t, err)

	assert.Equal(t, true, result["isError"])
	payload := mcpPayload(t, result)
	require.NotNil(t, payload.Error)
	assert.Equal(t, envelope.ErrorCode("NOT_FOUND"), payload.Error.Code)
	assert.Equal(t, "no such document", payload.Error.Message)
	assert.Equal(t, big.NewInt(0), payload.Cost)
}

func TestMCPAdapterSettleFailureKeepsReceipt(t *testing.T) {
	env := newMCPEnvFor(t, newProcEnvRates(t, newMCPEngine(t), downRates{}))
	ctx := context.Background()

	params := env.callParams(t, env.sign(t, env.rav(0, 0)), nil)
	result, err := env.adapter.Invoke(ctx, "echo", params, func(context.Context, map[string]any) (map[string]any, error) {
		return map[string]any{}, nil
	})
	require.NoError(t, err)

	assert.Equal(t, true, result["isError"])
	payload := mcpPayload(t, result)
	require.NotNil(t, payload.Error)
	assert.Equal(t, envelope.ErrorCode("SERVICE_UNAVAILABLE"), payload.Error.Code)
	assert.Nil(t, payload.SubRAV)

	// The verified handshake still reaches the store: the pricing outage
	// costs the successor proposal, not the receipt.
	env.waitLatestNonce(t, 0)
	_, err = env.store.Pending.FindLatestBySubChannel(ctx, env.channelID, procFragment)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestMCPAdapterUnknownTool(t *testing.T) {
	env := newMCPEnv(t)

	result, err := env.adapter.Invoke(context.Background(), "nope", map[string]any{}, nil)
	require.NoError(t, err)

	assert.Equal(t, true, result["isError"])
	payload := mcpPayload(t, result)
	require.NotNil(t, payload.Error)
	assert.Equal(t, envelope.ErrorCode("NOT_FOUND"), payload.Error.Code)
}

func TestMCPAdapterRegisteredTools(t *testing.T) {
	env := newMCPEnv(t)

	env.adapter.RegisterTool("ping", func(context.Context, map[string]any) (map[string]any, error) {
		return map[string]any{"content": []any{map[string]any{"type": "text", "text": "pong"}}}, nil
	})

	result, err := env.adapter.Invoke(context.Background(), "ping", map[string]any{}, nil)
	require.NoError(t, err)
	assert.Nil(t, result["isError"])

	content, ok := result["content"].([]any)
	require.True(t, ok)
	item, ok := content[0].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "pong", item["text"])
}
