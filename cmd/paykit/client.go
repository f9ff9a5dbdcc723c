package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/streamingfast/cli"
	. "github.com/streamingfast/cli"
	"github.com/streamingfast/cli/sflags"
	"github.com/streamingfast/eth-go"
	"github.com/streamingfast/logging"
	"go.uber.org/zap"

	"github.com/nuwa-protocol/payment-kit-go/contract"
	"github.com/nuwa-protocol/payment-kit-go/envelope"
	"github.com/nuwa-protocol/payment-kit-go/payer"
	"github.com/nuwa-protocol/payment-kit-go/subrav"
)

var clientLog, _ = logging.PackageLogger("client", "github.com/nuwa-protocol/payment-kit-go/cmd/paykit@client")

var clientDiscoverCmd = Command(
	runClientDiscover,
	"discover",
	"Fetch a service's well-known payment discovery document",
	Flags(func(flags *pflag.FlagSet) {
		flags.String("base-url", "http://localhost:8080", "Service base URL")
	}),
)

var clientHealthCmd = Command(
	runClientHealth,
	"health",
	"Probe a service's built-in health operation",
	Flags(func(flags *pflag.FlagSet) {
		flags.String("base-url", "http://localhost:8080", "Service base URL")
	}),
)

var clientCallCmd = Command(
	runClientCall,
	"call <path>",
	"Issue paid requests against a service route",
	Description(`
		Opens (or recovers) the payment channel to the service, then issues one
		or more paid requests against the given path, printing the settled cost
		of each call. The deferred receipt of the last call stays pending unless
		--commit is given.

		The payer key signs both the sub-channel receipts and the channel
		management transactions on the payment hub, so --rpc-endpoint and
		--hub-address must point at the hub the service settles on.
	`),
	Flags(func(flags *pflag.FlagSet) {
		payerChannelFlags(flags)
		flags.String("method", "GET", "HTTP method")
		flags.String("body", "", "Request body (sent as application/json)")
		flags.Int("count", 1, "Number of calls to issue")
		flags.Bool("commit", false, "Commit the outstanding receipt after the calls")
	}),
)

var clientCommitCmd = Command(
	runClientCommit,
	"commit",
	"Sign and commit the outstanding receipt out of band",
	Description(`
		Recovers the channel state from the service and, when a proposal is
		pending, signs it and submits it through the built-in commit operation.
	`),
	Flags(payerChannelFlags),
)

// payerChannelFlags is shared by every command that runs a full payer client.
func payerChannelFlags(flags *pflag.FlagSet) {
	flags.String("base-url", "http://localhost:8080", "Service base URL")
	flags.String("payer-did", "", "Payer DID (required)")
	flags.String("key-fragment", "key-1", "Verification method fragment of the signing key")
	flags.String("private-key", "", "Hex secp256k1 private key for receipts and hub transactions (required)")
	flags.String("payee-did", "", "Expected service DID (discovery fills it when empty)")
	flags.String("asset-id", "", "Settlement asset id (discovery default when empty)")
	flags.String("max-amount", "", "Maximum asset units a single request may cost")
	flags.Duration("timeout", payer.DefaultRequestTimeout, "Per-request payment resolution timeout")
	flags.String("rpc-endpoint", "", "EVM RPC endpoint of the payment hub chain (required)")
	flags.String("hub-address", "", "Payment hub contract address (required)")
}

func runClientDiscover(cmd *cobra.Command, args []string) error {
	var doc envelope.DiscoveryDocument
	if err := probeJSON(cmd.Context(), sflags.MustGetString(cmd, "base-url"), envelope.WellKnownPath, &doc); err != nil {
		return err
	}
	return printJSON(doc)
}

func runClientHealth(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	baseURL := sflags.MustGetString(cmd, "base-url")

	basePath := envelope.DefaultBasePath
	var doc envelope.DiscoveryDocument
	if err := probeJSON(ctx, baseURL, envelope.WellKnownPath, &doc); err == nil && doc.BasePath != "" {
		basePath = doc.BasePath
	}

	var health envelope.HealthResponse
	if err := probeJSON(ctx, baseURL, basePath+"/health", &health); err != nil {
		return err
	}
	return printJSON(health)
}

func runClientCall(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cli.Ensure(len(args) == 1, "exactly one <path> argument is required")
	path := args[0]
	method := strings.ToUpper(sflags.MustGetString(cmd, "method"))
	body := sflags.MustGetString(cmd, "body")
	count := sflags.MustGetInt(cmd, "count")
	cli.Ensure(count > 0, "<count> must be positive")

	client := buildPayerClient(cmd)
	defer client.Close()

	cli.NoError(client.EnsureChannelReady(ctx), "failed to open payment channel")
	channelID, _ := client.ChannelID()
	fmt.Printf("channel ready: %s (payee %s)\n", channelID, client.PayeeDID())

	totalCost := big.NewInt(0)
	totalUSD := big.NewInt(0)
	for i := 0; i < count; i++ {
		req, err := newCallRequest(ctx, sflags.MustGetString(cmd, "base-url"), method, path, body)
		cli.NoError(err, "failed to build request")

		resp, info, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("call %d: %w", i+1, err)
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		if info == nil {
			fmt.Printf("call %d: %s (free)\n", i+1, resp.Status)
			continue
		}
		totalCost.Add(totalCost, info.Cost)
		totalUSD.Add(totalUSD, info.CostUSD)
		fmt.Printf("call %d: %s cost=%s costUsd=%s nonce=%d txRef=%s\n",
			i+1, resp.Status, info.Cost, info.CostUSD, info.Nonce, info.ClientTxRef)
	}
	fmt.Printf("total: cost=%s costUsd=%s\n", totalCost, totalUSD)

	if sflags.MustGetBool(cmd, "commit") {
		committed, err := client.CommitPending(ctx)
		cli.NoError(err, "failed to commit outstanding receipt")
		if committed {
			fmt.Println("outstanding receipt committed")
		} else {
			fmt.Println("no outstanding receipt to commit")
		}
	}
	return nil
}

func runClientCommit(cmd *cobra.Command, args []string) error {
	client := buildPayerClient(cmd)
	defer client.Close()

	committed, err := client.CommitPending(cmd.Context())
	cli.NoError(err, "failed to commit outstanding receipt")
	if committed {
		fmt.Println("outstanding receipt committed")
	} else {
		fmt.Println("no outstanding receipt to commit")
	}
	return nil
}

func newCallRequest(ctx context.Context, baseURL, method, path, body string) (*http.Request, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url %q: %w", baseURL, err)
	}

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, base.JoinPath(path).String(), reader)
	if err != nil {
		return nil, err
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
		req.GetBody = func() (io.ReadCloser, error) { return io.NopCloser(strings.NewReader(body)), nil }
	}
	return req, nil
}

func buildPayerClient(cmd *cobra.Command) *payer.Client {
	baseURL := sflags.MustGetString(cmd, "base-url")
	payerDID := sflags.MustGetString(cmd, "payer-did")
	fragment := sflags.MustGetString(cmd, "key-fragment")
	keyHex := sflags.MustGetString(cmd, "private-key")
	rpcEndpoint := sflags.MustGetString(cmd, "rpc-endpoint")
	hubHex := sflags.MustGetString(cmd, "hub-address")

	cli.Ensure(payerDID != "", "<payer-did> is required")
	cli.Ensure(keyHex != "", "<private-key> is required")
	cli.Ensure(rpcEndpoint != "", "<rpc-endpoint> is required")
	cli.Ensure(hubHex != "", "<hub-address> is required")

	key, err := eth.NewPrivateKey(keyHex)
	cli.NoError(err, "invalid <private-key>")
	hubAddr, err := eth.NewAddress(hubHex)
	cli.NoError(err, "invalid <hub-address> %q", hubHex)

	keyID := payerDID + "#" + fragment
	signer := subrav.NewLocalSigner()
	signer.AddSecp256k1Key(keyID, key)
	method, _ := signer.VerificationMethod(keyID)

	hub := contract.NewEVMAdapter(contract.EVMAdapterConfig{
		RPCEndpoint: rpcEndpoint,
		HubAddress:  hubAddr,
		OperatorKey: key,
	}, clientLog.Named("hub"))

	var maxAmount *big.Int
	if maxStr := sflags.MustGetString(cmd, "max-amount"); maxStr != "" {
		value, ok := new(big.Int).SetString(maxStr, 10)
		cli.Ensure(ok && value.Sign() > 0, "invalid <max-amount> %q", maxStr)
		maxAmount = value
	}

	client, err := payer.New(&payer.Config{
		BaseURL:        baseURL,
		PayerDID:       payerDID,
		SigningMethod:  method,
		Signer:         signer,
		Contract:       hub,
		PayeeDID:       sflags.MustGetString(cmd, "payee-did"),
		DefaultAssetID: sflags.MustGetString(cmd, "asset-id"),
		MaxAmount:      maxAmount,
		RequestTimeout: sflags.MustGetDuration(cmd, "timeout"),
	}, clientLog)
	cli.NoError(err, "failed to build payer client")

	clientLog.Info("payer client ready",
		zap.String("base_url", baseURL),
		zap.String("payer_did", payerDID),
		zap.String("key_id", keyID),
	)
	return client
}

// probeJSON fetches an unauthenticated built-in route and decodes its body.
func probeJSON(ctx context.Context, baseURL, path string, out any) error {
	base, err := url.Parse(baseURL)
	if err != nil {
		return fmt.Errorf("invalid base url %q: %w", baseURL, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base.JoinPath(path).String(), nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s returned %s: %s", path, resp.Status, strings.TrimSpace(string(body)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
