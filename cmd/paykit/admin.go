package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
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

	"github.com/nuwa-protocol/payment-kit-go/envelope"
	"github.com/nuwa-protocol/payment-kit-go/subrav"
)

var adminLog, _ = logging.PackageLogger("admin", "github.com/nuwa-protocol/payment-kit-go/cmd/paykit@admin")

var adminStatusCmd = Command(
	runAdminStatus,
	"status",
	"Fetch the claim scheduler and processor status of a running payee",
	Flags(adminFlags),
)

var adminClaimTriggerCmd = Command(
	runAdminClaimTrigger,
	"claim-trigger",
	"Queue claims for a channel's unclaimed receipts",
	Flags(func(flags *pflag.FlagSet) {
		adminFlags(flags)
		flags.String("channel-id", "", "Channel id to claim (required)")
	}),
)

func adminFlags(flags *pflag.FlagSet) {
	flags.String("base-url", "http://localhost:8080", "Service base URL")
	flags.String("admin-did", "", "Admin DID (required)")
	flags.String("key-fragment", "key-1", "Verification method fragment of the admin key")
	flags.String("private-key", "", "Hex secp256k1 private key of the admin (required)")
}

func runAdminStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	session := newAdminSession(ctx, cmd)

	var status map[string]any
	if err := session.do(ctx, http.MethodGet, "admin/status", nil, &status); err != nil {
		return err
	}
	return printJSON(status)
}

func runAdminClaimTrigger(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	channelID := sflags.MustGetString(cmd, "channel-id")
	cli.Ensure(channelID != "", "<channel-id> is required")
	_, err := subrav.ParseChannelID(channelID)
	cli.NoError(err, "invalid <channel-id> %q", channelID)

	session := newAdminSession(ctx, cmd)

	var result envelope.ClaimTriggerResponse
	if err := session.do(ctx, http.MethodPost, "admin/claim-trigger", &envelope.ClaimTriggerRequest{ChannelID: channelID}, &result); err != nil {
		return err
	}

	adminLog.Debug("claim trigger accepted")
	fmt.Printf("queued %d claim(s)\n", result.Queued)
	return nil
}

// adminSession carries a DIDAuthV1 token scoped to the discovered service.
type adminSession struct {
	baseURL  *url.URL
	basePath string
	auth     string
}

func newAdminSession(ctx context.Context, cmd *cobra.Command) *adminSession {
	baseURL := sflags.MustGetString(cmd, "base-url")
	adminDID := sflags.MustGetString(cmd, "admin-did")
	fragment := sflags.MustGetString(cmd, "key-fragment")
	keyHex := sflags.MustGetString(cmd, "private-key")

	cli.Ensure(adminDID != "", "<admin-did> is required")
	cli.Ensure(keyHex != "", "<private-key> is required")

	key, err := eth.NewPrivateKey(keyHex)
	cli.NoError(err, "invalid <private-key>")

	base, err := url.Parse(baseURL)
	cli.NoError(err, "invalid <base-url> %q", baseURL)

	var doc envelope.DiscoveryDocument
	cli.NoError(probeJSON(ctx, baseURL, envelope.WellKnownPath, &doc), "failed to discover service at %q", baseURL)

	keyID := adminDID + "#" + fragment
	signer := subrav.NewLocalSigner()
	signer.AddSecp256k1Key(keyID, key)

	auth, err := envelope.NewDIDAuthHeader(ctx, signer, adminDID, keyID, doc.ServiceDID)
	cli.NoError(err, "failed to build auth token")

	basePath := doc.BasePath
	if basePath == "" {
		basePath = envelope.DefaultBasePath
	}
	return &adminSession{baseURL: base, basePath: basePath, auth: auth}
}

func (s *adminSession) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL.JoinPath(s.basePath, path).String(), reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", s.auth)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned %s: %s", path, resp.Status, strings.TrimSpace(string(raw)))
	}
	return json.Unmarshal(raw, out)
}
