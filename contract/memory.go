package contract

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/nuwa-protocol/payment-kit-go/subrav"
)

// MemoryHub is a deterministic in-process payment hub used by tests, the
// example and the dev CLI. It implements the full Contract surface including
// idempotent claims and epoch bumps on reopen.
type MemoryHub struct {
	mu          sync.RWMutex
	chainID     uint64
	blockHeight uint64

	// authorizationDelay simulates on-chain visibility lag: GetSubChannel
	// misses until the delay elapsed after AuthorizeSubChannel.
	authorizationDelay time.Duration

	channels map[subrav.ChannelID]*hubChannel
	assets   map[string]*hubAsset
	balances map[balanceKey]*big.Int
}

type hubChannel struct {
	info        ChannelInfo
	subChannels map[string]*SubChannelInfo
}

type hubAsset struct {
	info  AssetInfo
	price *big.Int
}

type balanceKey struct {
	ownerDID string
	assetID  string
}

// NewMemoryHub creates an empty hub on the given chain id.
func NewMemoryHub(chainID uint64) *MemoryHub {
	return &MemoryHub{
		chainID:  chainID,
		channels: make(map[subrav.ChannelID]*hubChannel),
		assets:   make(map[string]*hubAsset),
		balances: make(map[balanceKey]*big.Int),
	}
}

// RegisterAsset makes an asset claimable on the hub at the given picoUSD
// price per whole unit.
func (h *MemoryHub) RegisterAsset(assetID, symbol string, decimals uint8, pricePicoUSD *big.Int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.assets[assetID] = &hubAsset{
		info:  AssetInfo{AssetID: assetID, Symbol: symbol, Decimals: decimals},
		price: new(big.Int).Set(pricePicoUSD),
	}
}

// SetAssetPrice updates the picoUSD price of a registered asset.
func (h *MemoryHub) SetAssetPrice(assetID string, pricePicoUSD *big.Int) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	asset, ok := h.assets[assetID]
	if !ok {
		return ErrAssetNotFound
	}
	asset.price = new(big.Int).Set(pricePicoUSD)

	return nil
}

// Deposit credits an owner's hub balance.
func (h *MemoryHub) Deposit(ownerDID, assetID string, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("deposit amount must be positive")
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.assets[assetID]; !ok {
		return ErrAssetNotFound
	}

	key := balanceKey{ownerDID, assetID}
	balance, ok := h.balances[key]
	if !ok {
		balance = big.NewInt(0)
		h.balances[key] = balance
	}
	balance.Add(balance, amount)

	return nil
}

// SetAuthorizationDelay makes freshly authorized sub-channels invisible for
// d, mimicking chains where reads lag writes by a block or two.
func (h *MemoryHub) SetAuthorizationDelay(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.authorizationDelay = d
}

func (h *MemoryHub) GetChainID(context.Context) (uint64, error) {
	return h.chainID, nil
}

func (h *MemoryHub) OpenChannel(_ context.Context, params *OpenChannelParams) (*OpenChannelResult, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.openChannelLocked(params)
}

func (h *MemoryHub) OpenChannelWithSubChannel(_ context.Context, params *OpenChannelWithSubChannelParams) (*OpenChannelResult, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	result, err := h.openChannelLocked(&params.OpenChannelParams)
	if err != nil {
		return nil, err
	}

	if err := h.authorizeLocked(&AuthorizeSubChannelParams{
		ChannelID:    result.ChannelID,
		VMIDFragment: params.VMIDFragment,
		PublicKey:    params.PublicKey,
		MethodType:   params.MethodType,
	}); err != nil {
		return nil, err
	}

	return result, nil
}

func (h *MemoryHub) openChannelLocked(params *OpenChannelParams) (*OpenChannelResult, error) {
	if params.PayerDID == "" || params.PayeeDID == "" {
		return nil, fmt.Errorf("payer and payee DIDs are required")
	}
	if _, ok := h.assets[params.AssetID]; !ok {
		return nil, ErrAssetNotFound
	}

	channelID := DeriveChannelID(params.PayerDID, params.PayeeDID, params.AssetID)

	epoch := uint64(0)
	if existing, ok := h.channels[channelID]; ok {
		if existing.info.Status != ChannelStatusClosed {
			return nil, ErrChannelExists
		}
		// Reopening starts a fresh epoch; old sub-channel authorizations
		// do not carry over.
		epoch = existing.info.Epoch + 1
	}

	h.channels[channelID] = &hubChannel{
		info: ChannelInfo{
			ChannelID: channelID,
			PayerDID:  params.PayerDID,
			PayeeDID:  params.PayeeDID,
			AssetID:   params.AssetID,
			Epoch:     epoch,
			Status:    ChannelStatusOpen,
		},
		subChannels: make(map[string]*SubChannelInfo),
	}

	return &OpenChannelResult{
		TxResult:  h.nextTx("open_channel"),
		ChannelID: channelID,
		Epoch:     epoch,
	}, nil
}

func (h *MemoryHub) AuthorizeSubChannel(_ context.Context, params *AuthorizeSubChannelParams) (*TxResult, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.authorizeLocked(params); err != nil {
		return nil, err
	}

	tx := h.nextTx("authorize_sub_channel")
	return &tx, nil
}

func (h *MemoryHub) authorizeLocked(params *AuthorizeSubChannelParams) error {
	channel, ok := h.channels[params.ChannelID]
	if !ok {
		return ErrChannelNotFound
	}
	if channel.info.Status != ChannelStatusOpen {
		return ErrChannelClosed
	}

	if params.VMIDFragment == "" || len(params.VMIDFragment) > subrav.MaxVMIDFragmentLen {
		return fmt.Errorf("invalid vmIdFragment %q", params.VMIDFragment)
	}
	if len(params.PublicKey) == 0 {
		return fmt.Errorf("public key is required")
	}

	channel.subChannels[params.VMIDFragment] = &SubChannelInfo{
		ChannelID:         params.ChannelID,
		VMIDFragment:      params.VMIDFragment,
		Epoch:             channel.info.Epoch,
		PublicKey:         append([]byte(nil), params.PublicKey...),
		MethodType:        params.MethodType,
		LastClaimedAmount: big.NewInt(0),
		AuthorizedAt:      time.Now(),
	}

	return nil
}

func (h *MemoryHub) CloseChannel(_ context.Context, params *CloseChannelParams) (*TxResult, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	channel, ok := h.channels[params.ChannelID]
	if !ok {
		return nil, ErrChannelNotFound
	}
	if channel.info.Status == ChannelStatusClosed {
		return nil, ErrChannelClosed
	}

	channel.info.Status = ChannelStatusClosed

	tx := h.nextTx("close_channel")
	return &tx, nil
}

func (h *MemoryHub) ClaimFromChannel(_ context.Context, signed *subrav.SignedSubRAV) (*ClaimResult, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	rav := &signed.SubRAV

	channel, ok := h.channels[rav.ChannelID]
	if !ok {
		return nil, ErrChannelNotFound
	}
	if channel.info.Status == ChannelStatusClosed {
		return nil, ErrChannelClosed
	}
	if rav.ChainID != h.chainID {
		return nil, ErrChainIDMismatch
	}
	if rav.ChannelEpoch != channel.info.Epoch {
		return nil, ErrEpochMismatch
	}

	sub, ok := channel.subChannels[rav.VMIDFragment]
	if !ok {
		return nil, ErrSubChannelNotAuthorized
	}

	data, err := subrav.Encode(rav)
	if err != nil {
		return nil, fmt.Errorf("encoding receipt: %w", err)
	}
	if !subrav.VerifyBytesWithKey(data, signed.Signature, sub.PublicKey, sub.MethodType) {
		return nil, ErrInvalidSignature
	}

	// Replayed claims are settled as no-ops. The handshake nonce 0 lands
	// here too, which is fine: it carries no amount.
	if rav.Nonce <= sub.LastConfirmedNonce {
		return &ClaimResult{
			TxResult:      h.nextTx("claim_from_channel"),
			ClaimedAmount: big.NewInt(0),
		}, nil
	}

	delta := new(big.Int).Sub(rav.AccumulatedAmount, sub.LastClaimedAmount)
	if delta.Sign() < 0 {
		return nil, fmt.Errorf("accumulated amount regressed below claimed amount")
	}

	if delta.Sign() > 0 {
		payerKey := balanceKey{channel.info.PayerDID, channel.info.AssetID}
		payerBalance, ok := h.balances[payerKey]
		if !ok || payerBalance.Cmp(delta) < 0 {
			return nil, ErrInsufficientFunds
		}

		payeeKey := balanceKey{channel.info.PayeeDID, channel.info.AssetID}
		payeeBalance, ok := h.balances[payeeKey]
		if !ok {
			payeeBalance = big.NewInt(0)
			h.balances[payeeKey] = payeeBalance
		}

		payerBalance.Sub(payerBalance, delta)
		payeeBalance.Add(payeeBalance, delta)
	}

	sub.LastClaimedAmount = new(big.Int).Set(rav.AccumulatedAmount)
	sub.LastConfirmedNonce = rav.Nonce

	return &ClaimResult{
		TxResult:      h.nextTx("claim_from_channel"),
		ClaimedAmount: delta,
	}, nil
}

func (h *MemoryHub) GetChannelStatus(_ context.Context, channelID subrav.ChannelID) (*ChannelInfo, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	channel, ok := h.channels[channelID]
	if !ok {
		return nil, ErrChannelNotFound
	}

	info := channel.info
	return &info, nil
}

func (h *MemoryHub) GetSubChannel(_ context.Context, channelID subrav.ChannelID, vmIDFragment string) (*SubChannelInfo, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	channel, ok := h.channels[channelID]
	if !ok {
		return nil, ErrChannelNotFound
	}

	sub, ok := channel.subChannels[vmIDFragment]
	if !ok {
		return nil, ErrSubChannelNotAuthorized
	}
	if h.authorizationDelay > 0 && time.Since(sub.AuthorizedAt) < h.authorizationDelay {
		return nil, ErrSubChannelNotAuthorized
	}

	out := *sub
	out.PublicKey = append([]byte(nil), sub.PublicKey...)
	out.LastClaimedAmount = new(big.Int).Set(sub.LastClaimedAmount)
	return &out, nil
}

func (h *MemoryHub) GetAssetInfo(_ context.Context, assetID string) (*AssetInfo, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	asset, ok := h.assets[assetID]
	if !ok {
		return nil, ErrAssetNotFound
	}

	info := asset.info
	return &info, nil
}

func (h *MemoryHub) GetAssetPrice(_ context.Context, assetID string) (*big.Int, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	asset, ok := h.assets[assetID]
	if !ok {
		return nil, ErrAssetNotFound
	}

	return new(big.Int).Set(asset.price), nil
}

func (h *MemoryHub) GetHubBalance(_ context.Context, ownerDID string, assetID string) (*big.Int, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if _, ok := h.assets[assetID]; !ok {
		return nil, ErrAssetNotFound
	}

	balance, ok := h.balances[balanceKey{ownerDID, assetID}]
	if !ok {
		return big.NewInt(0), nil
	}

	return new(big.Int).Set(balance), nil
}

// nextTx mints a deterministic transaction receipt. Callers must hold the
// write lock.
func (h *MemoryHub) nextTx(op string) TxResult {
	h.blockHeight++

	digest := Keccak256Hash(fmt.Sprintf("%s|%d", op, h.blockHeight))
	return TxResult{
		TxHash:      "0x" + hex.EncodeToString(digest[:]),
		BlockHeight: h.blockHeight,
		Events:      []string{op},
	}
}
