package payee

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/streamingfast/eth-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nuwa-protocol/payment-kit-go/billing"
	"github.com/nuwa-protocol/payment-kit-go/envelope"
	"github.com/nuwa-protocol/payment-kit-go/store"
	"github.com/nuwa-protocol/payment-kit-go/subrav"
)

type builtinEnv struct {
	*procEnv
	engine     *billing.Engine
	routes     *BuiltinRoutes
	scheduler  *ClaimScheduler
	signer     *subrav.LocalSigner
	resolver   *subrav.StaticResolver
	payerKeyID string
	adminKeyID string
	handler    http.Handler
}

func newBuiltinEnv(t *testing.T) *builtinEnv {
	t.Helper()

	engine := newProcEngine(t)
	env := newProcEnvWith(t, engine)

	scheduler := NewClaimScheduler(ClaimPolicy{}, env.store, env.hub, zap.NewNop())
	t.Cleanup(scheduler.Destroy)

	routes := NewBuiltinRoutes(env.processor, scheduler, ServiceInfo{
		ServiceID:           "svc-test",
		Network:             "test",
		DefaultPricePicoUSD: big.NewInt(echoCostPicoUSD),
	}, zap.NewNop())

	mux := http.NewServeMux()
	require.NoError(t, routes.Register(mux, engine))

	signer := subrav.NewLocalSigner()
	payerKeyID := procPayerDID + "#" + procFragment
	signer.AddSecp256k1Key(payerKeyID, env.key)

	adminKey, err := eth.NewRandomPrivateKey()
	require.NoError(t, err)
	adminKeyID := procAdminDID + "#admin-key"
	signer.AddSecp256k1Key(adminKeyID, adminKey)

	resolver := subrav.NewStaticResolver()
	payerVM, ok := signer.VerificationMethod(payerKeyID)
	require.True(t, ok)
	resolver.AddVerificationMethod(procPayerDID, *payerVM)
	adminVM, ok := signer.VerificationMethod(adminKeyID)
	require.True(t, ok)
	resolver.AddVerificationMethod(procAdminDID, *adminVM)

	middleware := NewHTTPMiddleware(env.processor, resolver, zap.NewNop())
	return &builtinEnv{
		procEnv:    env,
		engine:     engine,
		routes:     routes,
		scheduler:  scheduler,
		signer:     signer,
		resolver:   resolver,
		payerKeyID: payerKeyID,
		adminKeyID: adminKeyID,
		handler:    middleware.Wrap(mux),
	}
}

// do performs one request against the built-in routes. A non-empty keyID
// attaches a DIDAuthV1 header for the key's DID.
func (e *builtinEnv) do(t *testing.T, method, path string, body any, did, keyID string) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	if keyID != "" {
		value, err := envelope.NewDIDAuthHeader(context.Background(), e.signer, did, keyID, procServiceDID)
		require.NoError(t, err)
		req.Header.Set("Authorization", value)
	}

	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decodeJSON[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()

	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestBuiltinDiscovery(t *testing.T) {
	env := newBuiltinEnv(t)

	rec := env.do(t, http.MethodGet, WellKnownPath, nil, "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get(envelope.HeaderName))

	doc := decodeJSON[envelope.DiscoveryDocument](t, rec)
	assert.Equal(t, envelope.WireVersion, doc.Version)
	assert.Equal(t, "svc-test", doc.ServiceID)
	assert.Equal(t, procServiceDID, doc.ServiceDID)
	assert.Equal(t, "test", doc.Network)
	assert.Equal(t, procAssetID, doc.DefaultAssetID)
	assert.Equal(t, "1000000000", doc.DefaultPricePicoUSD)
	assert.Equal(t, DefaultBasePath, doc.BasePath)
}

func TestBuiltinHealth(t *testing.T) {
	env := newBuiltinEnv(t)

	rec := env.do(t, http.MethodGet, DefaultBasePath+"/health", nil, "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	health := decodeJSON[envelope.HealthResponse](t, rec)
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, procServiceDID, health.ServiceDID)
	assert.NotEmpty(t, health.Timestamp)
}

func TestBuiltinRecovery(t *testing.T) {
	env := newBuiltinEnv(t)

	// Recovery is caller-scoped and refuses anonymous requests.
	rec := env.do(t, http.MethodGet, DefaultBasePath+"/recovery", nil, "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Before any exchange the contract still answers for the caller.
	rec = env.do(t, http.MethodGet, DefaultBasePath+"/recovery", nil, procPayerDID, env.payerKeyID)
	require.Equal(t, http.StatusOK, rec.Code)
	recovery := decodeJSON[envelope.RecoveryResponse](t, rec)
	require.NotNil(t, recovery.Channel)
	assert.Equal(t, env.channelID.String(), recovery.Channel.ChannelID)
	require.NotNil(t, recovery.SubChannel)
	assert.Equal(t, procFragment, recovery.SubChannel.VMIDFragment)
	assert.Empty(t, recovery.PendingSubRAV)

	// After a handshake the outstanding proposal rides along.
	env.exchange(t, env.sign(t, env.rav(0, 0)))

	rec = env.do(t, http.MethodGet, DefaultBasePath+"/recovery", nil, procPayerDID, env.payerKeyID)
	require.Equal(t, http.StatusOK, rec.Code)
	recovery = decodeJSON[envelope.RecoveryResponse](t, rec)
	require.NotEmpty(t, recovery.PendingSubRAV)
	pending, err := envelope.UnmarshalSubRAV(recovery.PendingSubRAV)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), pending.Nonce)
	assert.Equal(t, big.NewInt(echoCostAsset), pending.AccumulatedAmount)
}

func TestBuiltinCommit(t *testing.T) {
	env := newBuiltinEnv(t)
	ctx := context.Background()

	env.exchange(t, env.sign(t, env.rav(0, 0)))
	pending, err := env.store.Pending.FindLatestBySubChannel(ctx, env.channelID, procFragment)
	require.NoError(t, err)

	raw, err := envelope.MarshalSignedSubRAV(env.sign(t, pending))
	require.NoError(t, err)
	body := &envelope.CommitRequest{SignedSubRAV: raw}

	// Commits demand DID auth.
	rec := env.do(t, http.MethodPost, DefaultBasePath+"/commit", body, "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, http.MethodPost, DefaultBasePath+"/commit", body, procPayerDID, env.payerKeyID)
	require.Equal(t, http.StatusOK, rec.Code)
	commit := decodeJSON[envelope.CommitResponse](t, rec)
	assert.True(t, commit.Accepted)

	latest, err := env.store.RAVs.GetLatest(ctx, env.channelID, procFragment)
	require.NoError(t, err)
	assert.Equal(t, pending.Nonce, latest.SubRAV.Nonce)
	_, err = env.store.Pending.FindLatestBySubChannel(ctx, env.channelID, procFragment)
	assert.ErrorIs(t, err, store.ErrNotFound)

	// Replays are stale; malformed bodies never reach the processor.
	rec = env.do(t, http.MethodPost, DefaultBasePath+"/commit", body, procPayerDID, env.payerKeyID)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, DefaultBasePath+"/commit", map[string]any{}, procPayerDID, env.payerKeyID)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBuiltinAdminGates(t *testing.T) {
	env := newBuiltinEnv(t)

	rec := env.do(t, http.MethodGet, DefaultBasePath+"/admin/status", nil, "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, http.MethodGet, DefaultBasePath+"/admin/status", nil, procPayerDID, env.payerKeyID)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(t, http.MethodGet, DefaultBasePath+"/admin/status", nil, procAdminDID, env.adminKeyID)
	require.Equal(t, http.StatusOK, rec.Code)

	status := decodeJSON[map[string]any](t, rec)
	assert.Contains(t, status, "processor")
	assert.Contains(t, status, "claims")
}

func TestBuiltinClaimTrigger(t *testing.T) {
	env := newBuiltinEnv(t)
	ctx := context.Background()

	require.NoError(t, env.store.RAVs.Save(ctx, env.sign(t, env.rav(1, echoCostAsset))))

	rec := env.do(t, http.MethodPost, DefaultBasePath+"/admin/claim-trigger",
		&envelope.ClaimTriggerRequest{ChannelID: env.channelID.String()}, procAdminDID, env.adminKeyID)
	require.Equal(t, http.StatusOK, rec.Code)

	trigger := decodeJSON[envelope.ClaimTriggerResponse](t, rec)
	assert.Equal(t, 1, trigger.Queued)

	require.Eventually(t, func() bool {
		return env.scheduler.Status().SuccessCount == 1
	}, 5*time.Second, 5*time.Millisecond)

	// A malformed channel id never reaches the scheduler.
	rec = env.do(t, http.MethodPost, DefaultBasePath+"/admin/claim-trigger",
		&envelope.ClaimTriggerRequest{ChannelID: "not-a-channel"}, procAdminDID, env.adminKeyID)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBuiltinMetrics(t *testing.T) {
	env := newBuiltinEnv(t)

	rec := env.do(t, http.MethodGet, DefaultBasePath+"/admin/metrics", nil, "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, http.MethodGet, DefaultBasePath+"/admin/metrics", nil, procAdminDID, env.adminKeyID)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "# HELP")
}

func TestBuiltinToolsOverMCP(t *testing.T) {
	env := newBuiltinEnv(t)
	ctx := context.Background()

	adapter := NewMCPAdapter(env.processor, env.resolver, zap.NewNop())

	// The MCP rules land on the same engine as the HTTP ones, under
	// distinct ids.
	require.NoError(t, env.routes.RegisterMCP(adapter, env.engine))

	result, err := adapter.Invoke(ctx, "nuwa.discover", map[string]any{}, nil)
	require.NoError(t, err)
	assert.Equal(t, procServiceDID, result["serviceDid"])
	assert.NotContains(t, result, envelope.MCPPaymentKey)

	// Recovery demands the auth param.
	result, err = adapter.Invoke(ctx, "nuwa.recovery", map[string]any{}, nil)
	require.NoError(t, err)
	assert.Equal(t, true, result["isError"])

	// So does the admin surface, which additionally wants an admin DID.
	result, err = adapter.Invoke(ctx, "nuwa.admin.status", map[string]any{}, nil)
	require.NoError(t, err)
	assert.Equal(t, true, result["isError"])

	auth, err := envelope.NewDIDAuthHeader(ctx, env.signer, procPayerDID, env.payerKeyID, procServiceDID)
	require.NoError(t, err)
	result, err = adapter.Invoke(ctx, "nuwa.recovery", map[string]any{envelope.MCPAuthKey: auth}, nil)
	require.NoError(t, err)
	require.Nil(t, result["isError"])
	channel, ok := result["channel"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, env.channelID.String(), channel["channelId"])

	// Admin status over MCP respects the same gate.
	auth, err = envelope.NewDIDAuthHeader(ctx, env.signer, procAdminDID, env.adminKeyID, procServiceDID)
	require.NoError(t, err)
	result, err = adapter.Invoke(ctx, "nuwa.admin.status", map[string]any{envelope.MCPAuthKey: auth}, nil)
	require.NoError(t, err)
	require.Nil(t, result["isError"])
	assert.Contains(t, result, "processor")
}
