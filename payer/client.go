// Package payer drives the paying side of a payment channel: it discovers
// the service, opens or recovers the channel for its signing key, signs the
// outstanding proposal into each request and settles payment results from
// response envelopes.
package payer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/streamingfast/shutter"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/nuwa-protocol/payment-kit-go/contract"
	"github.com/nuwa-protocol/payment-kit-go/envelope"
	"github.com/nuwa-protocol/payment-kit-go/subrav"
)

// ErrClientClosed rejects work arriving after the client shut down.
var ErrClientClosed = errors.New("payer client closed")

// Config wires a Client to one service host and one signing key.
type Config struct {
	// BaseURL is the service root, e.g. "https://api.example.org".
	BaseURL string

	// PayerDID identifies the paying side; SigningMethod must be one of its
	// verification methods and Signer must hold the matching private key.
	PayerDID      string
	SigningMethod *subrav.VerificationMethod
	Signer        subrav.Signer

	// Contract reaches the payment hub for channel management.
	Contract contract.Contract

	// PayeeDID pins the service identity; discovery fills it when empty.
	PayeeDID string

	// DefaultAssetID selects the settlement asset; discovery's default is
	// used when empty.
	DefaultAssetID string

	// MaxAmount caps the cost of a single request. No cap when nil.
	MaxAmount *big.Int

	// RequestTimeout bounds payment resolution per request. Defaults to
	// DefaultRequestTimeout.
	RequestTimeout time.Duration

	// HTTPClient overrides the transport. A default client bounded by the
	// request timeout is used when nil.
	HTTPClient *http.Client
}

func (c *Config) validate() (*url.URL, error) {
	if c.BaseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}
	base, err := url.Parse(c.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url %q: %w", c.BaseURL, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("base url %q must be http or https", c.BaseURL)
	}
	if c.PayerDID == "" {
		return nil, fmt.Errorf("payer DID is required")
	}
	if c.SigningMethod == nil || c.SigningMethod.Fragment() == "" {
		return nil, fmt.Errorf("signing method with a keyed id is required")
	}
	if len(c.SigningMethod.PublicKey) == 0 {
		return nil, fmt.Errorf("signing method public key is required")
	}
	if c.Signer == nil {
		return nil, fmt.Errorf("signer is required")
	}
	if c.Contract == nil {
		return nil, fmt.Errorf("contract is required")
	}
	return base, nil
}

// proposalToken is the single-slot mailbox entry: the proposal the next
// request signs, nil when the next request goes out bare and relies on the
// service to regenerate one. The generation ties a handed-out token to the
// channel state it was born under.
type proposalToken struct {
	pending *subrav.SubRAV
	gen     uint64
}

// Client is the per-host payer state machine. At most one paid request is
// being prepared per client at a time; the proposal mailbox serializes them
// while letting response bodies stream concurrently.
type Client struct {
	*shutter.Shutter

	baseURL        *url.URL
	payerDID       string
	keyID          string
	vmIDFragment   string
	method         *subrav.VerificationMethod
	signer         subrav.Signer
	hub            contract.Contract
	maxAmount      *big.Int
	httpClient     *http.Client
	logger         *zap.Logger
	inflight       *inflightTable
	ensure         singleflight.Group

	// slot holds at most one live token; see proposalToken.
	slot chan proposalToken

	mu           sync.Mutex
	gen          uint64
	ready        bool
	resumeBare   bool
	discovery    *envelope.DiscoveryDocument
	basePath     string
	payeeDID     string
	assetID      string
	chainID      uint64
	channelID    subrav.ChannelID
	channelInfo  *contract.ChannelInfo
	subChannel   *contract.SubChannelInfo
	lastPending  *subrav.SubRAV
	highestNonce uint64
}

// New builds a client for one service host. The channel is not touched until
// the first request or an explicit EnsureChannelReady.
func New(config *Config, logger *zap.Logger) (*Client, error) {
	base, err := config.validate()
	if err != nil {
		return nil, err
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		timeout := config.RequestTimeout
		if timeout <= 0 {
			timeout = DefaultRequestTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	logger = logger.With(zap.String("host", base.Host))
	client := &Client{
		Shutter:      shutter.New(),
		baseURL:      base,
		payerDID:     config.PayerDID,
		keyID:        config.SigningMethod.ID,
		vmIDFragment: config.SigningMethod.Fragment(),
		method:       config.SigningMethod,
		signer:       config.Signer,
		hub:          config.Contract,
		maxAmount:    config.MaxAmount,
		httpClient:   httpClient,
		logger:       logger,
		inflight:     newInflightTable(config.RequestTimeout, logger),
		slot:         make(chan proposalToken, 1),
		basePath:     envelope.DefaultBasePath,
		payeeDID:     config.PayeeDID,
		assetID:      config.DefaultAssetID,
	}

	client.OnTerminating(func(err error) {
		if err == nil {
			err = ErrClientClosed
		}
		client.inflight.rejectAll(err)
	})

	return client, nil
}

// Close rejects in-flight requests and shuts the client down.
func (c *Client) Close() { c.Shutdown(nil) }

// DiscoverService fetches the well-known discovery document, cached for the
// life of the client. The document's base path replaces the default.
func (c *Client) DiscoverService(ctx context.Context) (*envelope.DiscoveryDocument, error) {
	c.mu.Lock()
	if c.discovery != nil {
		doc := *c.discovery
		c.mu.Unlock()
		return &doc, nil
	}
	c.mu.Unlock()

	var doc envelope.DiscoveryDocument
	if err := c.getJSON(ctx, c.endpoint(envelope.WellKnownPath), false, &doc); err != nil {
		return nil, fmt.Errorf("fetching discovery document: %w", err)
	}

	c.mu.Lock()
	c.discovery = &doc
	if doc.BasePath != "" {
		c.basePath = doc.BasePath
	}
	if c.payeeDID == "" {
		c.payeeDID = doc.ServiceDID
	}
	if c.assetID == "" {
		c.assetID = doc.DefaultAssetID
	}
	c.mu.Unlock()

	out := doc
	return &out, nil
}

// EnsureChannelReady makes the channel and this key's sub-channel usable:
// service discovery, state recovery from the service, then opening or
// authorizing on the hub as needed. Idempotent; concurrent callers share one
// attempt.
func (c *Client) EnsureChannelReady(ctx context.Context) error {
	if c.IsTerminating() {
		return ErrClientClosed
	}
	c.mu.Lock()
	ready := c.ready
	c.mu.Unlock()
	if ready {
		return nil
	}

	_, err, _ := c.ensure.Do("channel", func() (any, error) {
		return nil, c.openOrRecover(ctx)
	})
	return err
}

func (c *Client) openOrRecover(ctx context.Context) error {
	if err := c.resolveService(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	payeeDID := c.payeeDID
	assetID := c.assetID
	c.mu.Unlock()
	if assetID == "" {
		return fmt.Errorf("no settlement asset configured and discovery offered none")
	}

	chainID, err := c.hub.GetChainID(ctx)
	if err != nil {
		return fmt.Errorf("resolving chain id: %w", err)
	}

	recovered, err := c.recoverFromService(ctx)
	if err != nil {
		return err
	}

	channelID := contract.DeriveChannelID(c.payerDID, payeeDID, assetID)

	info, err := c.hub.GetChannelStatus(ctx, channelID)
	opened := false
	if errors.Is(err, contract.ErrChannelNotFound) || (err == nil && info.Status == contract.ChannelStatusClosed) {
		params := &contract.OpenChannelWithSubChannelParams{
			OpenChannelParams: contract.OpenChannelParams{
				PayerDID: c.payerDID,
				PayeeDID: payeeDID,
				AssetID:  assetID,
			},
			VMIDFragment: c.vmIDFragment,
			PublicKey:    c.method.PublicKey,
			MethodType:   c.method.Type,
		}
		if _, err := c.hub.OpenChannelWithSubChannel(ctx, params); err != nil && !errors.Is(err, contract.ErrChannelExists) {
			return fmt.Errorf("opening channel: %w", err)
		}
		opened = true
		info, err = c.hub.GetChannelStatus(ctx, channelID)
	}
	if err != nil {
		return fmt.Errorf("fetching channel status: %w", err)
	}
	if info.Status != contract.ChannelStatusOpen {
		return fmt.Errorf("channel %s is %s", channelID, info.Status)
	}

	sub, err := c.hub.GetSubChannel(ctx, channelID, c.vmIDFragment)
	if errors.Is(err, contract.ErrSubChannelNotAuthorized) {
		if !opened {
			authParams := &contract.AuthorizeSubChannelParams{
				ChannelID:    channelID,
				VMIDFragment: c.vmIDFragment,
				PublicKey:    c.method.PublicKey,
				MethodType:   c.method.Type,
			}
			if _, authErr := c.hub.AuthorizeSubChannel(ctx, authParams); authErr != nil {
				return fmt.Errorf("authorizing sub-channel: %w", authErr)
			}
		}
		sub, err = c.waitSubChannel(ctx, channelID)
	}
	if err != nil {
		return fmt.Errorf("fetching sub-channel: %w", err)
	}
	if sub.Epoch != info.Epoch {
		return fmt.Errorf("sub-channel epoch %d behind channel epoch %d, key must be reauthorized", sub.Epoch, info.Epoch)
	}

	var pending *subrav.SubRAV
	switch {
	case recovered.pending != nil && recovered.pending.VMIDFragment == c.vmIDFragment && recovered.pending.ChannelID == channelID:
		pending = recovered.pending
	case recovered.subChannel == nil:
		// The service has never seen this key; the first call handshakes.
		pending = subrav.NewHandshake(chainID, channelID, info.Epoch, c.vmIDFragment)
	default:
		// The service knows the key but holds no proposal (committed or
		// conflicted away). The next call goes out bare and signs whatever
		// PAYMENT_REQUIRED regenerates.
		pending = nil
	}

	highest := sub.LastConfirmedNonce
	if pending != nil && pending.Nonce > highest {
		highest = pending.Nonce
	}

	c.mu.Lock()
	if c.resumeBare && recovered.pending == nil {
		pending = nil
	}
	c.resumeBare = false
	c.chainID = chainID
	c.channelID = channelID
	c.channelInfo = info
	c.subChannel = sub
	c.highestNonce = highest
	c.lastPending = pending
	c.slot <- proposalToken{pending: pending, gen: c.gen}
	c.ready = true
	c.mu.Unlock()

	c.logger.Info("payment channel ready",
		zap.Stringer("channel_id", channelID),
		zap.String("vm_id_fragment", c.vmIDFragment),
		zap.Uint64("epoch", info.Epoch),
		zap.Bool("recovered_pending", recovered.pending != nil))
	return nil
}

// resolveService settles the payee identity and base path, from configuration
// or from discovery.
func (c *Client) resolveService(ctx context.Context) error {
	c.mu.Lock()
	known := c.payeeDID != ""
	c.mu.Unlock()

	if _, err := c.DiscoverService(ctx); err != nil {
		if known {
			c.logger.Debug("service discovery failed, using configured identity", zap.Error(err))
			return nil
		}
		return err
	}
	return nil
}

type recoveredState struct {
	channel    *envelope.RecoveryChannel
	subChannel *envelope.RecoverySubChannel
	pending    *subrav.SubRAV
}

// recoverFromService pulls the service's view of this key: channel,
// sub-channel and the outstanding proposal, if any.
func (c *Client) recoverFromService(ctx context.Context) (*recoveredState, error) {
	var doc envelope.RecoveryResponse
	if err := c.getJSON(ctx, c.endpoint(c.currentBasePath(), "recovery"), true, &doc); err != nil {
		return nil, fmt.Errorf("recovering channel state: %w", err)
	}

	out := &recoveredState{channel: doc.Channel, subChannel: doc.SubChannel}
	if len(doc.PendingSubRAV) > 0 {
		pending, err := envelope.UnmarshalSubRAV(doc.PendingSubRAV)
		if err != nil {
			c.logger.Warn("recovered pending proposal unreadable", zap.Error(err))
		} else {
			out.pending = pending
		}
	}
	return out, nil
}

// waitSubChannel polls until a fresh authorization is visible on the hub.
func (c *Client) waitSubChannel(ctx context.Context, channelID subrav.ChannelID) (*contract.SubChannelInfo, error) {
	var sub *contract.SubChannelInfo
	operation := func() error {
		found, err := c.hub.GetSubChannel(ctx, channelID, c.vmIDFragment)
		if err != nil {
			if errors.Is(err, contract.ErrSubChannelNotAuthorized) {
				return err
			}
			return backoff.Permanent(err)
		}
		sub = found
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 50 * time.Millisecond
	policy.MaxElapsedTime = 15 * time.Second

	if err := backoff.Retry(operation, backoff.WithContext(policy, ctx)); err != nil {
		return nil, err
	}
	return sub, nil
}

// CommitSubRAV settles a signed receipt through the commit built-in, outside
// any billable request.
func (c *Client) CommitSubRAV(ctx context.Context, signed *subrav.SignedSubRAV) error {
	if err := c.resolveService(ctx); err != nil {
		return err
	}

	wire, err := envelope.MarshalSignedSubRAV(signed)
	if err != nil {
		return fmt.Errorf("encoding signed subrav: %w", err)
	}

	var out envelope.CommitResponse
	if err := c.postJSON(ctx, c.endpoint(c.currentBasePath(), "commit"), &envelope.CommitRequest{SignedSubRAV: wire}, &out); err != nil {
		return err
	}
	if !out.Accepted {
		return fmt.Errorf("commit not accepted")
	}
	return nil
}

// CommitPending signs the proposal the client holds and commits it, settling
// the channel without buying anything. Returns false when nothing committable
// is pending.
func (c *Client) CommitPending(ctx context.Context) (bool, error) {
	if err := c.EnsureChannelReady(ctx); err != nil {
		return false, err
	}

	token, err := c.takeProposal(ctx)
	if err != nil {
		return false, err
	}
	// A handshake proposal carries no value to settle.
	if token.pending == nil || token.pending.Nonce == 0 {
		c.putProposal(token.pending, token.gen)
		return false, nil
	}

	signed, err := subrav.Sign(ctx, token.pending, c.signer, c.keyID)
	if err != nil {
		c.putProposal(token.pending, token.gen)
		return false, fmt.Errorf("signing proposal: %w", err)
	}
	if err := c.CommitSubRAV(ctx, signed); err != nil {
		c.putProposal(token.pending, token.gen)
		return false, err
	}

	// The service consumed the proposal; the next paid call goes out bare.
	c.putProposal(nil, token.gen)
	return true, nil
}

// Health probes the service health built-in.
func (c *Client) Health(ctx context.Context) (*envelope.HealthResponse, error) {
	if _, err := c.DiscoverService(ctx); err != nil {
		c.logger.Debug("service discovery failed before health probe", zap.Error(err))
	}
	var out envelope.HealthResponse
	if err := c.getJSON(ctx, c.endpoint(c.currentBasePath(), "health"), false, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ExtendTimeout pushes out the resolution deadline of one in-flight request.
func (c *Client) ExtendTimeout(clientTxRef string, d time.Duration) bool {
	return c.inflight.extend(clientTxRef, d)
}

// RejectAll fails every in-flight request with err.
func (c *Client) RejectAll(err error) { c.inflight.rejectAll(err) }

// ResolveAllAsFree resolves every in-flight request without payment, for
// services downgrading to free operation.
func (c *Client) ResolveAllAsFree() { c.inflight.resolveAllAsFree() }

// ChannelID returns the channel identity once the channel is ready.
func (c *Client) ChannelID() (subrav.ChannelID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channelID, c.ready
}

// PayeeDID returns the service identity once known.
func (c *Client) PayeeDID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.payeeDID
}

// PendingProposal returns a copy of the proposal the next request will sign,
// or nil when the next request goes out bare.
func (c *Client) PendingProposal() *subrav.SubRAV {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastPending == nil {
		return nil
	}
	return c.lastPending.Clone()
}

// HighestObservedNonce reports the monotonic guard's floor: proposals at or
// below it are dropped.
func (c *Client) HighestObservedNonce() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.highestNonce
}

// takeProposal blocks until the mailbox token is available.
func (c *Client) takeProposal(ctx context.Context) (proposalToken, error) {
	select {
	case token := <-c.slot:
		return token, nil
	case <-ctx.Done():
		return proposalToken{}, ctx.Err()
	case <-c.Terminating():
		return proposalToken{}, ErrClientClosed
	}
}

// putProposal returns the mailbox token carrying the next proposal. Tokens
// from a generation invalidated by resetChannel are discarded; the reseed
// owns the slot then.
func (c *Client) putProposal(next *subrav.SubRAV, gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return
	}
	c.lastPending = next
	c.slot <- proposalToken{pending: next, gen: gen}
}

// resetChannel forces the next request through recovery. bare additionally
// suppresses the handshake so the retry relies on service regeneration.
func (c *Client) resetChannel(bare bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	c.ready = false
	c.resumeBare = bare
	c.lastPending = nil
	select {
	case <-c.slot:
	default:
	}
}

// acceptProposal applies the monotonic guard to a proposal from the service:
// it must name this key and advance past both the proposal just consumed and
// every nonce observed before. Returns nil on a drop.
func (c *Client) acceptProposal(taken, next *subrav.SubRAV) *subrav.SubRAV {
	if next == nil {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	floor := c.highestNonce
	if taken != nil && taken.Nonce > floor {
		floor = taken.Nonce
	}
	if next.VMIDFragment != c.vmIDFragment || (c.ready && next.ChannelID != c.channelID) || next.Nonce <= floor {
		c.logger.Debug("dropping proposal",
			zap.Uint64("nonce", next.Nonce),
			zap.Uint64("floor", floor),
			zap.String("vm_id_fragment", next.VMIDFragment))
		return nil
	}

	c.highestNonce = next.Nonce
	return next
}

func (c *Client) currentBasePath() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.basePath
}

func (c *Client) endpoint(parts ...string) string {
	return c.baseURL.JoinPath(parts...).String()
}

// authHeader mints a fresh DIDAuthV1 token addressed to the service.
func (c *Client) authHeader(ctx context.Context) (string, error) {
	c.mu.Lock()
	audience := c.payeeDID
	c.mu.Unlock()
	if audience == "" {
		return "", fmt.Errorf("payee DID unknown, discovery has not run")
	}
	return envelope.NewDIDAuthHeader(ctx, c.signer, c.payerDID, c.keyID, audience)
}

func (c *Client) getJSON(ctx context.Context, url string, authed bool, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	if authed {
		auth, err := c.authHeader(ctx)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", auth)
	}
	return c.roundTripJSON(req, out)
}

func (c *Client) postJSON(ctx context.Context, url string, body, out any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding request body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(encoded))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	auth, err := c.authHeader(ctx)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", auth)

	return c.roundTripJSON(req, out)
}

func (c *Client) roundTripJSON(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return callError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response body: %w", err)
	}
	return nil
}

// callError surfaces the protocol error of a failed built-in call, preferring
// the envelope header over the JSON body.
func callError(resp *http.Response) error {
	if value := resp.Header.Get(envelope.HeaderName); value != "" {
		if payload, err := envelope.DecodeResponseHeader(value); err == nil && payload.Error != nil {
			return envelope.Errorf(payload.Error.Code, "%s", payload.Error.Message)
		}
	}

	var body struct {
		Error *envelope.ErrorInfo `json:"error"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body); err == nil && body.Error != nil {
		return envelope.Errorf(body.Error.Code, "%s", body.Error.Message)
	}
	return fmt.Errorf("service returned status %d", resp.StatusCode)
}
