package payee

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/nuwa-protocol/payment-kit-go/billing"
	"github.com/nuwa-protocol/payment-kit-go/contract"
	"github.com/nuwa-protocol/payment-kit-go/envelope"
	"github.com/nuwa-protocol/payment-kit-go/store"
	"github.com/nuwa-protocol/payment-kit-go/subrav"
)

// ProcessorConfig wires the collaborators of a payment processor.
type ProcessorConfig struct {
	ServiceDID     string
	DefaultAssetID string

	// AdminDIDs may call admin-only routes.
	AdminDIDs []string

	Store    *store.Store
	Contract contract.Contract
	Rates    contract.RateProvider
	Engine   *billing.Engine

	// Scheduler, when set, is notified after each persisted receipt.
	Scheduler *ClaimScheduler
}

// Processor drives the three-step payment pipeline. Transport adapters call
// PreProcess before the business handler, Settle right before response
// headers go out and Persist after the response is flushed.
type Processor struct {
	store     *store.Store
	contract  contract.Contract
	rates     contract.RateProvider
	engine    *billing.Engine
	scheduler *ClaimScheduler
	logger    *zap.Logger

	serviceDID     string
	defaultAssetID string
	adminDIDs      map[string]struct{}

	locks *keyMutex

	chainIDMu sync.Mutex
	chainID   uint64
	hasChain  bool

	processed       atomic.Uint64
	settled         atomic.Uint64
	persistFailures atomic.Uint64
}

func NewProcessor(config *ProcessorConfig, logger *zap.Logger) (*Processor, error) {
	if config.ServiceDID == "" {
		return nil, fmt.Errorf("service did is required")
	}
	if config.DefaultAssetID == "" {
		return nil, fmt.Errorf("default asset id is required")
	}
	if config.Store == nil || config.Contract == nil || config.Rates == nil || config.Engine == nil {
		return nil, fmt.Errorf("store, contract, rates and engine are all required")
	}

	admins := make(map[string]struct{}, len(config.AdminDIDs))
	for _, did := range config.AdminDIDs {
		admins[did] = struct{}{}
	}

	return &Processor{
		store:          config.Store,
		contract:       config.Contract,
		rates:          config.Rates,
		engine:         config.Engine,
		scheduler:      config.Scheduler,
		logger:         logger,
		serviceDID:     config.ServiceDID,
		defaultAssetID: config.DefaultAssetID,
		adminDIDs:      admins,
		locks:          newKeyMutex(),
	}, nil
}

func (p *Processor) ServiceDID() string     { return p.serviceDID }
func (p *Processor) DefaultAssetID() string { return p.defaultAssetID }

// IsAdmin reports whether the DID may call admin-only routes.
func (p *Processor) IsAdmin(did string) bool {
	if did == "" {
		return false
	}
	_, ok := p.adminDIDs[did]
	return ok
}

// Counters reports pipeline totals for the admin status endpoint.
func (p *Processor) Counters() (processed, settled, persistFailures uint64) {
	return p.processed.Load(), p.settled.Load(), p.persistFailures.Load()
}

// PreProcess resolves the billing rule, verifies the submitted receipt and
// reserves the sub-channel. On return with a submitted receipt accepted (or
// rejected with RAV_CONFLICT) the context holds the sub-channel lock until
// Release or Persist runs.
func (p *Processor) PreProcess(ctx context.Context, bctx *BillingContext) error {
	p.processed.Add(1)
	bctx.locks = p.locks

	err := p.preProcess(ctx, bctx)
	outcome := "ok"
	if err != nil {
		if pe, ok := envelope.AsProtocolError(err); ok {
			outcome = strings.ToLower(string(pe.Code))
		} else {
			outcome = "internal_error"
		}
	}
	requestsTotal.WithLabelValues(outcome).Inc()
	return err
}

func (p *Processor) preProcess(ctx context.Context, bctx *BillingContext) error {
	bctx.rule = p.engine.Match(bctx.Meta)
	if bctx.rule == nil {
		return nil
	}

	if bctx.rule.RequiresAuth() && bctx.AuthDID == "" {
		return envelope.Errorf(envelope.CodeUnauthorized, "route requires DID authentication")
	}
	if bctx.rule.AdminOnly && !p.IsAdmin(bctx.AuthDID) {
		return envelope.Errorf(envelope.CodeForbidden, "route is restricted to admin DIDs")
	}

	var signed *subrav.SignedSubRAV
	if bctx.Request != nil {
		signed = bctx.Request.SignedSubRAV
	}

	if signed == nil {
		if !bctx.rule.RequiresPayment() {
			return nil
		}
		return p.paymentRequired(ctx, bctx)
	}

	if signed.SubRAV.Version != subrav.SupportedVersion {
		return envelope.Errorf(envelope.CodeBadRequest, "unsupported subrav version %d", signed.SubRAV.Version)
	}
	if err := signed.SubRAV.Validate(); err != nil {
		return envelope.Errorf(envelope.CodeBadRequest, "invalid subrav: %s", err)
	}

	bctx.channelID = signed.SubRAV.ChannelID
	bctx.vmIDFragment = signed.SubRAV.VMIDFragment

	p.locks.Lock(subChannelKey{bctx.channelID, bctx.vmIDFragment})
	bctx.engaged = true

	chainID, err := p.chain(ctx)
	if err != nil {
		return envelope.Errorf(envelope.CodeServiceUnavailable, "contract unavailable")
	}
	if signed.SubRAV.ChainID != chainID {
		return envelope.Errorf(envelope.CodeChainIDMismatch, "subrav chain id %d, contract chain id %d", signed.SubRAV.ChainID, chainID)
	}

	info, err := p.contract.GetChannelStatus(ctx, bctx.channelID)
	if errors.Is(err, contract.ErrChannelNotFound) {
		return envelope.Errorf(envelope.CodeChannelNotFound, "channel %s not found", bctx.channelID)
	}
	if err != nil {
		p.logger.Warn("channel status lookup failed", zap.Error(err))
		return envelope.Errorf(envelope.CodeServiceUnavailable, "contract unavailable")
	}
	if info.Status == contract.ChannelStatusClosed {
		return envelope.Errorf(envelope.CodeChannelClosed, "channel %s is closed", bctx.channelID)
	}
	if signed.SubRAV.ChannelEpoch != info.Epoch {
		return envelope.Errorf(envelope.CodeEpochMismatch, "subrav epoch %d, channel epoch %d", signed.SubRAV.ChannelEpoch, info.Epoch)
	}
	bctx.channelInfo = info

	sub, err := p.contract.GetSubChannel(ctx, bctx.channelID, bctx.vmIDFragment)
	if errors.Is(err, contract.ErrSubChannelNotAuthorized) || errors.Is(err, contract.ErrChannelNotFound) {
		return envelope.Errorf(envelope.CodeSubChannelNotAuthorized, "sub-channel %s not authorized", bctx.vmIDFragment)
	}
	if err != nil {
		p.logger.Warn("sub-channel lookup failed", zap.Error(err))
		return envelope.Errorf(envelope.CodeServiceUnavailable, "contract unavailable")
	}
	bctx.subChannel = sub

	bctx.payerDID = bctx.AuthDID
	if bctx.payerDID == "" {
		bctx.payerDID = p.resolvePayerDID(ctx, bctx)
	}

	latest, err := p.store.RAVs.GetLatest(ctx, bctx.channelID, bctx.vmIDFragment)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("loading latest receipt: %w", err)
	}
	bctx.latestSigned = latest

	pending, err := p.store.Pending.FindLatestBySubChannel(ctx, bctx.channelID, bctx.vmIDFragment)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("loading pending proposal: %w", err)
	}

	if pending != nil && latest != nil && pending.Nonce <= latest.SubRAV.Nonce {
		// Leftover from a settlement that failed after its receipt was
		// stored; the receipt supersedes it.
		if err := p.store.Pending.Remove(ctx, bctx.channelID, bctx.vmIDFragment, pending.Nonce); err != nil {
			p.logger.Warn("clearing stale pending proposal failed", zap.Error(err))
		}
		pending = nil
	}

	if pending != nil {
		if signed.SubRAV.Nonce != pending.Nonce || signed.SubRAV.AccumulatedAmount.Cmp(pending.AccumulatedAmount) != 0 {
			if err := p.store.Pending.Remove(ctx, bctx.channelID, bctx.vmIDFragment, pending.Nonce); err != nil {
				p.logger.Warn("clearing conflicted pending proposal failed", zap.Error(err))
			}
			return envelope.Errorf(envelope.CodeRAVConflict,
				"submitted (nonce %d, amount %s) does not match pending (nonce %d, amount %s)",
				signed.SubRAV.Nonce, signed.SubRAV.AccumulatedAmount, pending.Nonce, pending.AccumulatedAmount)
		}
	}

	ok, err := subrav.VerifyWithKey(signed, sub.PublicKey, sub.MethodType)
	if err != nil || !ok {
		return envelope.Errorf(envelope.CodeTamperedSubRAV, "signature does not verify against the authorized key")
	}

	if latest != nil {
		if signed.SubRAV.Nonce <= latest.SubRAV.Nonce {
			return envelope.Errorf(envelope.CodeUnknownSubRAV,
				"nonce %d does not advance past stored nonce %d", signed.SubRAV.Nonce, latest.SubRAV.Nonce)
		}
		if signed.SubRAV.AccumulatedAmount.Cmp(latest.SubRAV.AccumulatedAmount) < 0 {
			return envelope.Errorf(envelope.CodeInvalidPayment, "accumulated amount regressed")
		}
	} else {
		if pending == nil && signed.SubRAV.Nonce != 0 {
			return envelope.Errorf(envelope.CodeUnknownSubRAV, "expected handshake, got nonce %d", signed.SubRAV.Nonce)
		}
		if signed.SubRAV.Nonce == 0 && signed.SubRAV.AccumulatedAmount.Sign() != 0 {
			return envelope.Errorf(envelope.CodeInvalidPayment, "handshake must carry a zero amount")
		}
	}
	bctx.verifiedSigned = signed

	if !p.engine.Deferred(bctx.rule) && bctx.Request.MaxAmount != nil {
		costPico, err := p.engine.Price(bctx.rule, bctx.Meta)
		if err != nil {
			return fmt.Errorf("pricing rule %q: %w", bctx.rule.ID, err)
		}
		assetCost, err := p.toAsset(ctx, bctx, costPico)
		if err != nil {
			return err
		}
		if assetCost.Cmp(bctx.Request.MaxAmount) > 0 {
			return envelope.Errorf(envelope.CodeMaxAmountExceeded,
				"cost %s exceeds the declared maximum %s", assetCost, bctx.Request.MaxAmount)
		}
	}

	return nil
}

// paymentRequired answers a paid route hit without a signed receipt: embed
// the outstanding proposal when one can be located so the payer signs it on
// the retry.
func (p *Processor) paymentRequired(ctx context.Context, bctx *BillingContext) error {
	pe := envelope.Errorf(envelope.CodePaymentRequired, "payment required")
	if bctx.AuthDID == "" || bctx.AuthKeyFragment == "" {
		return pe
	}

	channelID := contract.DeriveChannelID(bctx.AuthDID, p.serviceDID, p.defaultAssetID)
	latest, err := p.store.RAVs.GetLatest(ctx, channelID, bctx.AuthKeyFragment)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		p.logger.Warn("latest receipt lookup failed", zap.Error(err))
		return pe
	}

	pending, pendErr := p.store.Pending.FindLatestBySubChannel(ctx, channelID, bctx.AuthKeyFragment)
	if pendErr == nil {
		if latest == nil || pending.Nonce > latest.SubRAV.Nonce {
			pe.Pending = pending
			return pe
		}
		// Leftover from a settlement that failed after its receipt was
		// stored; clear it and regenerate from the receipt instead.
		if err := p.store.Pending.Remove(ctx, channelID, bctx.AuthKeyFragment, pending.Nonce); err != nil {
			p.logger.Warn("clearing stale pending proposal failed", zap.Error(err))
		}
	} else if !errors.Is(pendErr, store.ErrNotFound) {
		p.logger.Warn("pending proposal lookup failed", zap.Error(pendErr))
		return pe
	}

	// No usable pending (conflict clearing, restart, stale leftover).
	// Regenerate from the latest stored receipt so the nonce chain stays
	// contiguous.
	if latest == nil {
		return pe
	}

	costPico := big.NewInt(0)
	if !p.engine.Deferred(bctx.rule) {
		if price, err := p.engine.Price(bctx.rule, bctx.Meta); err == nil {
			costPico = price
		}
	}
	assetCost, err := p.toAsset(ctx, bctx, costPico)
	if err != nil {
		return pe
	}
	if regenerated, err := latest.SubRAV.Next(assetCost); err == nil {
		pe.Pending = regenerated
	}
	return pe
}

// Settle prices the request and emits the unsigned successor proposal. It
// must run before response headers are flushed.
func (p *Processor) Settle(ctx context.Context, bctx *BillingContext) error {
	if !bctx.engaged || bctx.verifiedSigned == nil {
		return nil
	}

	timer := prometheus.NewTimer(settleDuration)
	defer timer.ObserveDuration()

	response := &envelope.ResponsePayload{
		Version:      envelope.WireVersion,
		ClientTxRef:  bctx.Request.ClientTxRef,
		ServiceTxRef: uuid.NewString(),
	}
	bctx.Response = response

	if bctx.HandlerFailed {
		// The handler broke after the receipt was verified. Charge nothing
		// and emit no successor; the prior pending proposal stays in place.
		response.Cost = big.NewInt(0)
		response.CostUSD = big.NewInt(0)
		return nil
	}

	costPico, err := p.engine.Price(bctx.rule, bctx.Meta)
	if err != nil {
		return fmt.Errorf("pricing rule %q: %w", bctx.rule.ID, err)
	}
	assetCost, err := p.toAsset(ctx, bctx, costPico)
	if err != nil {
		return err
	}

	proposal, err := bctx.verifiedSigned.SubRAV.Next(assetCost)
	if err != nil {
		return fmt.Errorf("deriving next proposal: %w", err)
	}
	bctx.proposal = proposal

	response.SubRAV = proposal
	response.Cost = assetCost
	response.CostUSD = costPico

	p.settled.Add(1)
	settledTotal.Inc()
	return nil
}

// Persist stores the verified receipt, overwrites the pending proposal and
// notifies the claim scheduler. Adapters run it after the response is
// flushed; the receipt is saved first so a crash in between never loses
// proof of value received.
func (p *Processor) Persist(ctx context.Context, bctx *BillingContext) error {
	defer bctx.Release()

	if !bctx.engaged || bctx.verifiedSigned == nil {
		return nil
	}

	if err := p.store.RAVs.Save(ctx, bctx.verifiedSigned); err != nil {
		p.persistFailures.Add(1)
		persistFailuresTotal.Inc()
		return fmt.Errorf("saving signed receipt: %w", err)
	}

	if bctx.proposal != nil {
		if err := p.store.Pending.Save(ctx, bctx.proposal); err != nil {
			p.persistFailures.Add(1)
			persistFailuresTotal.Inc()
			return fmt.Errorf("saving pending proposal: %w", err)
		}
	}

	p.mirror(ctx, bctx)

	if p.scheduler != nil {
		delta := new(big.Int).Sub(bctx.verifiedSigned.SubRAV.AccumulatedAmount, bctx.subChannel.LastClaimedAmount)
		if delta.Sign() > 0 {
			deltaUSD, err := p.toUSD(ctx, bctx, delta)
			if err != nil {
				p.logger.Warn("claimable delta conversion failed", zap.Error(err))
			} else {
				p.scheduler.MaybeQueue(bctx.channelID, bctx.vmIDFragment, deltaUSD)
			}
		}
	}

	return nil
}

// mirror refreshes the local channel and sub-channel views so recovery calls
// are served from the store. Failures only cost freshness.
func (p *Processor) mirror(ctx context.Context, bctx *BillingContext) {
	info := bctx.channelInfo
	metadata := &store.ChannelMetadata{
		ChannelID: bctx.channelID,
		PayerDID:  info.PayerDID,
		PayeeDID:  info.PayeeDID,
		AssetID:   info.AssetID,
		Epoch:     info.Epoch,
		Status:    info.Status,
	}
	if metadata.PayerDID == "" {
		metadata.PayerDID = bctx.payerDID
	}
	if metadata.PayeeDID == "" {
		metadata.PayeeDID = p.serviceDID
	}
	if metadata.AssetID == "" {
		metadata.AssetID = p.defaultAssetID
	}
	if err := p.store.Channels.SetChannelMetadata(ctx, metadata); err != nil {
		p.logger.Warn("mirroring channel metadata failed", zap.Error(err))
	}

	sub := bctx.subChannel
	state := &store.SubChannelState{
		ChannelID:          bctx.channelID,
		VMIDFragment:       bctx.vmIDFragment,
		Epoch:              sub.Epoch,
		PublicKey:          sub.PublicKey,
		MethodType:         string(sub.MethodType),
		LastClaimedAmount:  sub.LastClaimedAmount,
		LastConfirmedNonce: sub.LastConfirmedNonce,
	}
	if err := p.store.Channels.SetSubChannelState(ctx, state); err != nil {
		p.logger.Warn("mirroring sub-channel state failed", zap.Error(err))
	}
}

// resolvePayerDID falls back to stored channel metadata when the request
// carried no DID-auth token.
func (p *Processor) resolvePayerDID(ctx context.Context, bctx *BillingContext) string {
	if metadata, err := p.store.Channels.GetChannelMetadata(ctx, bctx.channelID); err == nil && metadata.PayerDID != "" {
		return metadata.PayerDID
	}
	return bctx.channelInfo.PayerDID
}

func (p *Processor) chain(ctx context.Context) (uint64, error) {
	p.chainIDMu.Lock()
	defer p.chainIDMu.Unlock()

	if p.hasChain {
		return p.chainID, nil
	}
	id, err := p.contract.GetChainID(ctx)
	if err != nil {
		return 0, err
	}
	p.chainID = id
	p.hasChain = true
	return id, nil
}

// assetTerms resolves and caches the channel asset's price and decimals on
// the context.
func (p *Processor) assetTerms(ctx context.Context, bctx *BillingContext) error {
	if bctx.assetPrice != nil {
		return nil
	}

	assetID := p.defaultAssetID
	if bctx.channelInfo != nil && bctx.channelInfo.AssetID != "" {
		assetID = bctx.channelInfo.AssetID
	}

	price, err := p.rates.GetPricePicoUSD(ctx, assetID)
	if err != nil {
		return envelope.Errorf(envelope.CodeServiceUnavailable, "asset price unavailable")
	}
	info, err := p.rates.GetAssetInfo(ctx, assetID)
	if err != nil {
		return envelope.Errorf(envelope.CodeServiceUnavailable, "asset info unavailable")
	}

	bctx.assetPrice = price
	bctx.assetDecimals = info.Decimals
	return nil
}

func (p *Processor) toAsset(ctx context.Context, bctx *BillingContext, costPicoUSD *big.Int) (*big.Int, error) {
	if err := p.assetTerms(ctx, bctx); err != nil {
		return nil, err
	}
	return billing.ConvertUSDToAsset(costPicoUSD, bctx.assetPrice, bctx.assetDecimals)
}

func (p *Processor) toUSD(ctx context.Context, bctx *BillingContext, assetAmount *big.Int) (*big.Int, error) {
	if err := p.assetTerms(ctx, bctx); err != nil {
		return nil, err
	}
	return billing.ConvertAssetToUSD(assetAmount, bctx.assetPrice, bctx.assetDecimals)
}

// RecoveryResult is what a payer needs to resynchronize after a restart.
type RecoveryResult struct {
	Channel    *store.ChannelMetadata
	SubChannel *store.SubChannelState
	Pending    *subrav.SubRAV
}

// Recover assembles the channel view for the authenticated caller. Missing
// pieces are nil, never errors: a payer with no channel yet gets an empty
// result and opens one.
func (p *Processor) Recover(ctx context.Context, callerDID, vmIDFragment string) (*RecoveryResult, error) {
	if callerDID == "" {
		return nil, envelope.Errorf(envelope.CodeUnauthorized, "recovery requires DID authentication")
	}

	channelID := contract.DeriveChannelID(callerDID, p.serviceDID, p.defaultAssetID)
	out := &RecoveryResult{}

	metadata, err := p.store.Channels.GetChannelMetadata(ctx, channelID)
	switch {
	case err == nil:
		out.Channel = metadata
	case errors.Is(err, store.ErrNotFound):
		// Not mirrored yet; the contract may still know the channel.
		if info, cerr := p.contract.GetChannelStatus(ctx, channelID); cerr == nil {
			out.Channel = &store.ChannelMetadata{
				ChannelID: channelID,
				PayerDID:  callerDID,
				PayeeDID:  p.serviceDID,
				AssetID:   p.defaultAssetID,
				Epoch:     info.Epoch,
				Status:    info.Status,
			}
		}
	default:
		return nil, fmt.Errorf("loading channel metadata: %w", err)
	}

	if out.Channel == nil || vmIDFragment == "" {
		return out, nil
	}

	state, err := p.store.Channels.GetSubChannelState(ctx, channelID, vmIDFragment)
	switch {
	case err == nil:
		out.SubChannel = state
	case errors.Is(err, store.ErrNotFound):
		if sub, cerr := p.contract.GetSubChannel(ctx, channelID, vmIDFragment); cerr == nil {
			out.SubChannel = &store.SubChannelState{
				ChannelID:          channelID,
				VMIDFragment:       vmIDFragment,
				Epoch:              sub.Epoch,
				PublicKey:          sub.PublicKey,
				MethodType:         string(sub.MethodType),
				LastClaimedAmount:  sub.LastClaimedAmount,
				LastConfirmedNonce: sub.LastConfirmedNonce,
			}
		}
	default:
		return nil, fmt.Errorf("loading sub-channel state: %w", err)
	}

	pending, err := p.store.Pending.FindLatestBySubChannel(ctx, channelID, vmIDFragment)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("loading pending proposal: %w", err)
	}
	out.Pending = pending

	return out, nil
}

// Commit verifies and persists a signed proposal outside the request
// pipeline, for payers flushing their last pending receipt.
func (p *Processor) Commit(ctx context.Context, signed *subrav.SignedSubRAV) error {
	if signed == nil {
		return envelope.Errorf(envelope.CodeBadRequest, "signed subrav is required")
	}
	if signed.SubRAV.Version != subrav.SupportedVersion {
		return envelope.Errorf(envelope.CodeBadRequest, "unsupported subrav version %d", signed.SubRAV.Version)
	}
	if err := signed.SubRAV.Validate(); err != nil {
		return envelope.Errorf(envelope.CodeBadRequest, "invalid subrav: %s", err)
	}

	key := subChannelKey{signed.SubRAV.ChannelID, signed.SubRAV.VMIDFragment}
	p.locks.Lock(key)
	defer p.locks.Unlock(key)

	chainID, err := p.chain(ctx)
	if err != nil {
		return envelope.Errorf(envelope.CodeServiceUnavailable, "contract unavailable")
	}
	if signed.SubRAV.ChainID != chainID {
		return envelope.Errorf(envelope.CodeChainIDMismatch, "subrav chain id %d, contract chain id %d", signed.SubRAV.ChainID, chainID)
	}

	info, err := p.contract.GetChannelStatus(ctx, signed.SubRAV.ChannelID)
	if errors.Is(err, contract.ErrChannelNotFound) {
		return envelope.Errorf(envelope.CodeChannelNotFound, "channel %s not found", signed.SubRAV.ChannelID)
	}
	if err != nil {
		return envelope.Errorf(envelope.CodeServiceUnavailable, "contract unavailable")
	}
	if signed.SubRAV.ChannelEpoch != info.Epoch {
		return envelope.Errorf(envelope.CodeEpochMismatch, "subrav epoch %d, channel epoch %d", signed.SubRAV.ChannelEpoch, info.Epoch)
	}

	sub, err := p.contract.GetSubChannel(ctx, signed.SubRAV.ChannelID, signed.SubRAV.VMIDFragment)
	if err != nil {
		return envelope.Errorf(envelope.CodeSubChannelNotAuthorized, "sub-channel %s not authorized", signed.SubRAV.VMIDFragment)
	}

	ok, err := subrav.VerifyWithKey(signed, sub.PublicKey, sub.MethodType)
	if err != nil || !ok {
		return envelope.Errorf(envelope.CodeTamperedSubRAV, "signature does not verify against the authorized key")
	}

	latest, err := p.store.RAVs.GetLatest(ctx, signed.SubRAV.ChannelID, signed.SubRAV.VMIDFragment)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("loading latest receipt: %w", err)
	}
	if latest != nil {
		if signed.SubRAV.Nonce <= latest.SubRAV.Nonce {
			return envelope.Errorf(envelope.CodeUnknownSubRAV,
				"nonce %d does not advance past stored nonce %d", signed.SubRAV.Nonce, latest.SubRAV.Nonce)
		}
		if signed.SubRAV.AccumulatedAmount.Cmp(latest.SubRAV.AccumulatedAmount) < 0 {
			return envelope.Errorf(envelope.CodeInvalidPayment, "accumulated amount regressed")
		}
	}

	if err := p.store.RAVs.Save(ctx, signed); err != nil {
		return fmt.Errorf("saving signed receipt: %w", err)
	}
	if err := p.store.Pending.Remove(ctx, signed.SubRAV.ChannelID, signed.SubRAV.VMIDFragment, signed.SubRAV.Nonce); err != nil {
		p.logger.Warn("clearing committed pending proposal failed", zap.Error(err))
	}

	if p.scheduler != nil {
		delta := new(big.Int).Sub(signed.SubRAV.AccumulatedAmount, sub.LastClaimedAmount)
		if delta.Sign() > 0 {
			bctx := &BillingContext{channelInfo: info}
			if deltaUSD, err := p.toUSD(ctx, bctx, delta); err == nil {
				p.scheduler.MaybeQueue(signed.SubRAV.ChannelID, signed.SubRAV.VMIDFragment, deltaUSD)
			}
		}
	}

	return nil
}

// CleanupPending drops stale pending proposals; wired to a ticker by the
// service.
func (p *Processor) CleanupPending(ctx context.Context, maxAge time.Duration) (int, error) {
	return p.store.Pending.Cleanup(ctx, maxAge)
}
