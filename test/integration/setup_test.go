package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/streamingfast/eth-go"
	"github.com/stretchr/testify/require"

	"github.com/nuwa-protocol/payment-kit-go/billing"
	"github.com/nuwa-protocol/payment-kit-go/contract"
	"github.com/nuwa-protocol/payment-kit-go/envelope"
	"github.com/nuwa-protocol/payment-kit-go/payee"
	"github.com/nuwa-protocol/payment-kit-go/payer"
	"github.com/nuwa-protocol/payment-kit-go/store"
	"github.com/nuwa-protocol/payment-kit-go/subrav"
)

const (
	testChainID = uint64(4)
	testAssetID = "eth:4:0xusdc"
	payerDID    = "did:nuwa:payer1"
	serviceDID  = "did:nuwa:service1"
	adminDID    = "did:nuwa:admin1"
	keyFragment = "key-1"

	// /echo is priced at 0.001 USD per request; with the asset at 1 USD per
	// whole unit and 8 decimals that is 100000 smallest units per call.
	echoCostPicoUSD = int64(1_000_000_000)
	echoCostAsset   = int64(100_000)

	// /chat is priced per token at 20000 picoUSD, so 150 tokens cost
	// 3000000 picoUSD, 300 smallest units.
	chatTokenPicoUSD = int64(20_000)
)

type envConfig struct {
	policy payee.ClaimPolicy
	store  *store.Store
}

type envOption func(*envConfig)

// withClaimPolicy replaces the default policy, whose floor is high enough
// that reactive claiming never interferes with flow tests.
func withClaimPolicy(policy payee.ClaimPolicy) envOption {
	return func(cfg *envConfig) { cfg.policy = policy }
}

// withStore runs the service against an externally owned store.
func withStore(st *store.Store) envOption {
	return func(cfg *envConfig) { cfg.store = st }
}

// testEnv is one payee service listening on a real socket, with direct access
// to its internals for assertions. The payer key lives in the env so several
// clients can impersonate the same restarted payer.
type testEnv struct {
	hub       *contract.MemoryHub
	store     *store.Store
	engine    *billing.Engine
	processor *payee.Processor
	scheduler *payee.ClaimScheduler
	server    *httptest.Server

	key        *eth.PrivateKey
	keyID      string
	adminKeyID string
	signer     *subrav.LocalSigner
}

func startEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()

	cfg := &envConfig{
		policy: payee.ClaimPolicy{
			MinClaimAmount:      new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil),
			MaxConcurrentClaims: 4,
			RetryDelay:          25 * time.Millisecond,
		},
	}
	for _, opt := range opts {
		opt(cfg)
	}

	hub := contract.NewMemoryHub(testChainID)
	hub.RegisterAsset(testAssetID, "USDC", 8, new(big.Int).Exp(big.NewInt(10), big.NewInt(12), nil))
	require.NoError(t, hub.Deposit(payerDID, testAssetID, big.NewInt(100_000_000)))

	key, err := eth.NewRandomPrivateKey()
	require.NoError(t, err)
	adminKey, err := eth.NewRandomPrivateKey()
	require.NoError(t, err)

	keyID := payerDID + "#" + keyFragment
	adminKeyID := adminDID + "#" + keyFragment
	signer := subrav.NewLocalSigner()
	signer.AddSecp256k1Key(keyID, key)
	signer.AddSecp256k1Key(adminKeyID, adminKey)

	resolver := subrav.NewStaticResolver()
	for did, id := range map[string]string{payerDID: keyID, adminDID: adminKeyID} {
		vm, ok := signer.VerificationMethod(id)
		require.True(t, ok)
		resolver.AddVerificationMethod(did, *vm)
	}

	engine := newTestEngine(t)

	st := cfg.store
	if st == nil {
		st = store.NewMemoryStore()
	}

	scheduler := payee.NewClaimScheduler(cfg.policy, st, hub, zlog.Named("claims"))

	processor, err := payee.NewProcessor(&payee.ProcessorConfig{
		ServiceDID:     serviceDID,
		DefaultAssetID: testAssetID,
		AdminDIDs:      []string{adminDID},
		Store:          st,
		Contract:       hub,
		Rates:          contract.NewCachedRateProvider(contract.NewContractRateProvider(hub), time.Minute),
		Engine:         engine,
		Scheduler:      scheduler,
	}, zlog.Named("processor"))
	require.NoError(t, err)

	mux := http.NewServeMux()
	builtin := payee.NewBuiltinRoutes(processor, scheduler, payee.ServiceInfo{ServiceID: "integration", Network: "local"}, zlog.Named("builtin"))
	require.NoError(t, builtin.Register(mux, engine))

	mux.HandleFunc("/echo", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("echo"))
	})
	mux.HandleFunc("/chat", func(w http.ResponseWriter, r *http.Request) {
		tokens := int64(150)
		if raw := r.URL.Query().Get("tokens"); raw != "" {
			if parsed, err := strconv.ParseInt(raw, 10, 64); err == nil {
				tokens = parsed
			}
		}
		if bctx := payee.BillingContextFrom(r.Context()); bctx != nil {
			bctx.SetUsage("tokens", big.NewInt(tokens))
		}
		_, _ = w.Write([]byte("chat"))
	})
	mux.HandleFunc("/free", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("no charge"))
	})

	middleware := payee.NewHTTPMiddleware(processor, resolver, zlog.Named("middleware"))
	server := httptest.NewServer(middleware.Wrap(mux))
	t.Cleanup(func() {
		server.Close()
		scheduler.Destroy()
	})

	return &testEnv{
		hub:        hub,
		store:      st,
		engine:     engine,
		processor:  processor,
		scheduler:  scheduler,
		server:     server,
		key:        key,
		keyID:      keyID,
		adminKeyID: adminKeyID,
		signer:     signer,
	}
}

func newTestEngine(t *testing.T) *billing.Engine {
	t.Helper()

	engine, err := billing.NewEngine(nil, nil)
	require.NoError(t, err)

	free := false
	require.NoError(t, engine.AddRule(billing.Rule{
		ID:       "echo",
		When:     map[string]string{billing.WhenPath: "/echo"},
		Strategy: billing.StrategyConfig{Type: billing.StrategyPerRequest, PricePicoUSD: "1000000000"},
	}))
	require.NoError(t, engine.AddRule(billing.Rule{
		ID:       "chat",
		When:     map[string]string{billing.WhenPath: "/chat"},
		Strategy: billing.StrategyConfig{Type: billing.StrategyPerToken, UnitPricePicoUSD: "20000", UsageKey: "tokens"},
	}))
	require.NoError(t, engine.AddRule(billing.Rule{
		ID:              "free",
		When:            map[string]string{billing.WhenPath: "/free"},
		Strategy:        billing.StrategyConfig{Type: billing.StrategyPerRequest},
		PaymentRequired: &free,
	}))

	return engine
}

// newClient builds a payer client against the environment's service, sharing
// the environment's signing key and hub.
func (e *testEnv) newClient(t *testing.T) *payer.Client {
	t.Helper()

	vm, ok := e.signer.VerificationMethod(e.keyID)
	require.True(t, ok)

	client, err := payer.New(&payer.Config{
		BaseURL:        e.server.URL,
		PayerDID:       payerDID,
		SigningMethod:  vm,
		Signer:         e.signer,
		Contract:       e.hub,
		RequestTimeout: 10 * time.Second,
	}, zlog.Named("payer"))
	require.NoError(t, err)
	t.Cleanup(client.Close)
	return client
}

// get issues one GET through the payment pipeline. info is nil on free routes.
func (e *testEnv) get(t *testing.T, client *payer.Client, path string) (string, *payer.PaymentInfo) {
	t.Helper()

	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, e.server.URL+path, nil)
	require.NoError(t, err)

	resp, info, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return string(body), info
}

// adminPost calls an admin built-in with a fresh admin DIDAuth token.
func (e *testEnv) adminPost(t *testing.T, path string, body, out any) {
	t.Helper()

	auth, err := envelope.NewDIDAuthHeader(context.Background(), e.signer, adminDID, e.adminKeyID, serviceDID)
	require.NoError(t, err)

	encoded, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, e.server.URL+payee.DefaultBasePath+path, bytes.NewReader(encoded))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", auth)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func (e *testEnv) channelID() subrav.ChannelID {
	return contract.DeriveChannelID(payerDID, serviceDID, testAssetID)
}

// Persistence runs after the response is flushed; assertions against stored
// state wait for the write to land.
func (e *testEnv) waitLatestNonce(t *testing.T, nonce uint64) {
	t.Helper()

	require.Eventually(t, func() bool {
		latest, err := e.store.RAVs.GetLatest(context.Background(), e.channelID(), keyFragment)
		return err == nil && latest.SubRAV.Nonce == nonce
	}, 5*time.Second, 5*time.Millisecond)
}

func (e *testEnv) waitPendingNonce(t *testing.T, nonce uint64) {
	t.Helper()

	require.Eventually(t, func() bool {
		pending, err := e.store.Pending.FindLatestBySubChannel(context.Background(), e.channelID(), keyFragment)
		return err == nil && pending.Nonce == nonce
	}, 5*time.Second, 5*time.Millisecond)
}

func (e *testEnv) payeeBalance(t *testing.T) *big.Int {
	t.Helper()

	balance, err := e.hub.GetHubBalance(context.Background(), serviceDID, testAssetID)
	require.NoError(t, err)
	return balance
}
