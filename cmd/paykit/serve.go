package main

import (
	"context"
	"math/big"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/streamingfast/cli"
	. "github.com/streamingfast/cli"
	"github.com/streamingfast/cli/sflags"
	"github.com/streamingfast/eth-go"
	"github.com/streamingfast/logging"
	"go.uber.org/zap"

	"github.com/nuwa-protocol/payment-kit-go/billing"
	"github.com/nuwa-protocol/payment-kit-go/contract"
	"github.com/nuwa-protocol/payment-kit-go/payee"
	"github.com/nuwa-protocol/payment-kit-go/store"
	"github.com/nuwa-protocol/payment-kit-go/store/postgres"
	"github.com/nuwa-protocol/payment-kit-go/subrav"
)

var serveLog, _ = logging.PackageLogger("serve", "github.com/nuwa-protocol/payment-kit-go/cmd/paykit@serve")

var serveCmd = Command(
	runServe,
	"serve",
	"Start the payee HTTP service",
	Description(`
		Starts the payee-side HTTP service: the payment middleware, the built-in
		channel operations (discovery, health, recovery, commit, admin) and the
		reactive claim scheduler.

		Billing rules come from a YAML file:
		  rules:
		    - id: api
		      when:
		        path: "/api/.*"
		      strategy:
		        type: PerRequest
		        price_usd: "0.001"
		    - id: everything-else
		      default: true
		      strategy:
		        type: PerRequest
		        price_pico_usd: "0"

		DID documents for request authentication come from a YAML registry:
		  documents:
		    - did: did:nuwa:alice
		      verification_methods:
		        - id: key-1
		          type: EcdsaSecp256k1VerificationKey2019
		          public_key: "0x..."

		With --upstream the service acts as a payment gateway: business routes
		are reverse-proxied to the upstream once the payment pipeline clears
		them. Without it only the built-in operations are mounted.

		With --rpc-endpoint and --hub-address the service runs against a payment
		hub deployed on an EVM chain; claim transactions need --operator-key.
		Without them an in-process hub with a single registered asset is used,
		which is enough to exercise the protocol surface locally.
	`),
	Flags(func(flags *pflag.FlagSet) {
		flags.String("listen-addr", ":8080", "HTTP server listen address")
		flags.String("service-did", "", "Service DID (required)")
		flags.String("service-id", "", "Service identifier for discovery (defaults to the service DID)")
		flags.String("network", "local", "Network name advertised by discovery")
		flags.String("base-path", payee.DefaultBasePath, "Base path of the built-in channel operations")
		flags.String("asset-id", "", "Default settlement asset id (required)")
		flags.String("rules", "", "Path to the billing rules YAML file (required)")
		flags.String("did-registry", "", "Path to the DID registry YAML file (required)")
		flags.StringSlice("admin-dids", nil, "DIDs allowed on the admin routes")
		flags.String("upstream", "", "Upstream URL business routes are proxied to")
		flags.String("store-dsn", "", "PostgreSQL DSN for durable storage (in-memory when empty)")
		flags.Duration("rate-ttl", 30*time.Second, "Asset price cache TTL")

		flags.String("rpc-endpoint", "", "EVM RPC endpoint of the payment hub chain (in-process hub when empty)")
		flags.String("hub-address", "", "Payment hub contract address (required with --rpc-endpoint)")
		flags.String("operator-key", "", "Hex private key for hub claim transactions")
		flags.Uint64("dev-chain-id", 4, "Chain id of the in-process hub")
		flags.String("dev-asset-symbol", "TEST", "Asset symbol registered on the in-process hub")
		flags.Uint64("dev-asset-decimals", 8, "Asset decimals registered on the in-process hub")
		flags.String("dev-asset-price", "1000000000000", "Asset price in picoUSD per whole unit on the in-process hub")

		flags.Bool("disable-claims", false, "Disable automatic claiming")
		flags.String("min-claim-amount", "0", "picoUSD threshold below which accumulated deltas are not queued")
		flags.Int("max-concurrent-claims", 5, "Maximum claim tasks queued or in flight")
		flags.Int("claim-max-retries", 3, "Claim attempts per task before giving up")
		flags.Duration("claim-retry-delay", 30*time.Second, "Base delay between claim retries, scaled linearly per attempt")
		flags.Bool("require-hub-balance", false, "Gate claims on the payer hub balance covering the claim")
		flags.Duration("hub-balance-backoff", 5*time.Minute, "Requeue delay when the payer hub balance cannot cover a claim")
	}),
)

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	listenAddr := sflags.MustGetString(cmd, "listen-addr")
	serviceDID := sflags.MustGetString(cmd, "service-did")
	serviceID := sflags.MustGetString(cmd, "service-id")
	assetID := sflags.MustGetString(cmd, "asset-id")
	rulesPath := sflags.MustGetString(cmd, "rules")
	registryPath := sflags.MustGetString(cmd, "did-registry")

	cli.Ensure(serviceDID != "", "<service-did> is required")
	cli.Ensure(assetID != "", "<asset-id> is required")
	cli.Ensure(rulesPath != "", "<rules> is required")
	cli.Ensure(registryPath != "", "<did-registry> is required")

	if serviceID == "" {
		serviceID = serviceDID
	}

	resolver, err := subrav.LoadStaticResolver(registryPath)
	cli.NoError(err, "failed to load did registry from %q", registryPath)

	rulesConfig, err := billing.LoadConfig(rulesPath)
	cli.NoError(err, "failed to load billing rules from %q", rulesPath)

	engine, err := billing.NewEngine(rulesConfig, nil)
	cli.NoError(err, "invalid billing rules")

	hub := buildServeContract(cmd, assetID)
	st, closeStore := buildServeStore(ctx, cmd)
	rates := contract.NewCachedRateProvider(contract.NewContractRateProvider(hub), sflags.MustGetDuration(cmd, "rate-ttl"))

	var scheduler *payee.ClaimScheduler
	if !sflags.MustGetBool(cmd, "disable-claims") {
		minClaimStr := sflags.MustGetString(cmd, "min-claim-amount")
		minClaim, ok := new(big.Int).SetString(minClaimStr, 10)
		cli.Ensure(ok, "invalid <min-claim-amount> %q", minClaimStr)

		scheduler = payee.NewClaimScheduler(payee.ClaimPolicy{
			MinClaimAmount:           minClaim,
			MaxConcurrentClaims:      sflags.MustGetInt(cmd, "max-concurrent-claims"),
			MaxRetries:               sflags.MustGetInt(cmd, "claim-max-retries"),
			RetryDelay:               sflags.MustGetDuration(cmd, "claim-retry-delay"),
			RequireHubBalance:        sflags.MustGetBool(cmd, "require-hub-balance"),
			InsufficientFundsBackoff: sflags.MustGetDuration(cmd, "hub-balance-backoff"),
		}, st, hub, serveLog.Named("claims"))
	}

	processor, err := payee.NewProcessor(&payee.ProcessorConfig{
		ServiceDID:     serviceDID,
		DefaultAssetID: assetID,
		AdminDIDs:      sflags.MustGetStringSlice(cmd, "admin-dids"),
		Store:          st,
		Contract:       hub,
		Rates:          rates,
		Engine:         engine,
		Scheduler:      scheduler,
	}, serveLog)
	cli.NoError(err, "failed to build payment processor")

	service, err := payee.NewService(&payee.ServiceConfig{
		ListenAddr: listenAddr,
		Processor:  processor,
		Scheduler:  scheduler,
		Resolver:   resolver,
		Engine:     engine,
		Handler:    buildUpstreamProxy(cmd),
		Info: payee.ServiceInfo{
			ServiceID: serviceID,
			Network:   sflags.MustGetString(cmd, "network"),
			BasePath:  sflags.MustGetString(cmd, "base-path"),
		},
	}, serveLog)
	cli.NoError(err, "failed to build payee service")

	if closeStore != nil {
		service.OnTerminated(func(_ error) { closeStore() })
	}

	app := NewApplication(ctx)
	app.SuperviseAndStart(service)

	return app.WaitForTermination(serveLog, 0*time.Second, 30*time.Second)
}

func buildServeContract(cmd *cobra.Command, assetID string) contract.Contract {
	rpcEndpoint := sflags.MustGetString(cmd, "rpc-endpoint")
	if rpcEndpoint == "" {
		chainID := sflags.MustGetUint64(cmd, "dev-chain-id")
		decimals := sflags.MustGetUint64(cmd, "dev-asset-decimals")
		cli.Ensure(decimals <= 38, "<dev-asset-decimals> %d is out of range", decimals)

		priceStr := sflags.MustGetString(cmd, "dev-asset-price")
		price, ok := new(big.Int).SetString(priceStr, 10)
		cli.Ensure(ok && price.Sign() > 0, "invalid <dev-asset-price> %q", priceStr)

		hub := contract.NewMemoryHub(chainID)
		hub.RegisterAsset(assetID, sflags.MustGetString(cmd, "dev-asset-symbol"), uint8(decimals), price)

		serveLog.Info("running against in-process payment hub",
			zap.Uint64("chain_id", chainID),
			zap.String("asset_id", assetID),
		)
		return hub
	}

	hubHex := sflags.MustGetString(cmd, "hub-address")
	cli.Ensure(hubHex != "", "<hub-address> is required with --rpc-endpoint")
	hubAddr, err := eth.NewAddress(hubHex)
	cli.NoError(err, "invalid <hub-address> %q", hubHex)

	config := contract.EVMAdapterConfig{
		RPCEndpoint: rpcEndpoint,
		HubAddress:  hubAddr,
	}
	if keyHex := sflags.MustGetString(cmd, "operator-key"); keyHex != "" {
		key, err := eth.NewPrivateKey(keyHex)
		cli.NoError(err, "invalid <operator-key>")
		config.OperatorKey = key
	} else {
		serveLog.Warn("no operator key configured, claim transactions will fail")
	}

	return contract.NewEVMAdapter(config, serveLog.Named("hub"))
}

func buildServeStore(ctx context.Context, cmd *cobra.Command) (*store.Store, func()) {
	dsn := sflags.MustGetString(cmd, "store-dsn")
	if dsn == "" {
		return store.NewMemoryStore(), nil
	}

	backend, err := postgres.Connect(ctx, dsn, serveLog.Named("store"))
	cli.NoError(err, "failed to connect to postgres store")
	cli.NoError(backend.Migrate(ctx), "failed to migrate postgres store")

	return backend.Store(), backend.Close
}

func buildUpstreamProxy(cmd *cobra.Command) http.Handler {
	upstream := sflags.MustGetString(cmd, "upstream")
	if upstream == "" {
		return nil
	}

	target, err := url.Parse(upstream)
	cli.NoError(err, "invalid <upstream> %q", upstream)
	cli.Ensure(target.Scheme == "http" || target.Scheme == "https", "<upstream> %q must be http or https", upstream)

	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		serveLog.Warn("upstream request failed", zap.String("path", r.URL.Path), zap.Error(err))
		w.WriteHeader(http.StatusBadGateway)
	}
	return proxy
}
