package contract

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/streamingfast/eth-go"
	"github.com/streamingfast/eth-go/rpc"
	"github.com/streamingfast/eth-go/signer/native"
	"go.uber.org/zap"

	"github.com/nuwa-protocol/payment-kit-go/subrav"
)

const (
	methodTypeCodeSecp256k1 = 1
	methodTypeCodeEd25519   = 2

	// Sub-channel keys are packed into two ABI words on chain.
	maxOnChainKeyLen = 64
)

// EVMAdapterConfig configures an adapter against a deployed payment hub.
type EVMAdapterConfig struct {
	RPCEndpoint string
	HubAddress  eth.Address

	// OperatorKey signs hub transactions. Read-only adapters (payee-side
	// price and status queries) leave it nil; write operations then return
	// ErrNoOperatorKey.
	OperatorKey *eth.PrivateKey

	// ChainID, when zero, is fetched from the node on first use.
	ChainID uint64

	GasLimit       uint64
	ReceiptTimeout time.Duration
}

// EVMAdapter implements Contract against a payment hub deployed on an EVM
// chain, using plain selector calls for reads and signed transactions for
// writes.
//
// The hub stores DIDs, asset ids and vmIdFragments as keccak hashes, so
// ChannelInfo values read from chain carry empty identity strings; callers
// keep the readable identities in their channel store.
type EVMAdapter struct {
	config    EVMAdapterConfig
	rpcClient *rpc.Client
	logger    *zap.Logger

	mu      sync.Mutex
	chainID uint64
}

// NewEVMAdapter creates an adapter for the hub at config.HubAddress.
func NewEVMAdapter(config EVMAdapterConfig, logger *zap.Logger) *EVMAdapter {
	if config.GasLimit == 0 {
		config.GasLimit = 500_000
	}
	if config.ReceiptTimeout == 0 {
		config.ReceiptTimeout = 30 * time.Second
	}

	return &EVMAdapter{
		config:    config,
		rpcClient: rpc.NewClient(config.RPCEndpoint),
		logger:    logger,
		chainID:   config.ChainID,
	}
}

func (a *EVMAdapter) GetChainID(ctx context.Context) (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.chainID != 0 {
		return a.chainID, nil
	}

	chainIDHex, err := rpc.Do[string](a.rpcClient, ctx, "eth_chainId", []interface{}{})
	if err != nil {
		return 0, fmt.Errorf("fetching chain id: %w", err)
	}

	chainID, ok := new(big.Int).SetString(strings.TrimPrefix(chainIDHex, "0x"), 16)
	if !ok {
		return 0, fmt.Errorf("invalid chain id %q", chainIDHex)
	}

	a.chainID = chainID.Uint64()
	return a.chainID, nil
}

func (a *EVMAdapter) OpenChannel(ctx context.Context, params *OpenChannelParams) (*OpenChannelResult, error) {
	channelID := DeriveChannelID(params.PayerDID, params.PayeeDID, params.AssetID)

	payerHash := Keccak256Hash(params.PayerDID)
	payeeHash := Keccak256Hash(params.PayeeDID)
	assetHash := Keccak256Hash(params.AssetID)

	data := encodeCall("openChannel(bytes32,bytes32,bytes32,bytes32)",
		channelID[:], payerHash[:], payeeHash[:], assetHash[:])

	tx, err := a.sendTransaction(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("opening channel: %w", err)
	}

	info, err := a.GetChannelStatus(ctx, channelID)
	if err != nil {
		return nil, fmt.Errorf("reading back channel: %w", err)
	}

	return &OpenChannelResult{TxResult: *tx, ChannelID: channelID, Epoch: info.Epoch}, nil
}

func (a *EVMAdapter) OpenChannelWithSubChannel(ctx context.Context, params *OpenChannelWithSubChannelParams) (*OpenChannelResult, error) {
	channelID := DeriveChannelID(params.PayerDID, params.PayeeDID, params.AssetID)

	payerHash := Keccak256Hash(params.PayerDID)
	payeeHash := Keccak256Hash(params.PayeeDID)
	assetHash := Keccak256Hash(params.AssetID)
	fragmentHash := Keccak256Hash(params.VMIDFragment)

	methodCode, keyWords, err := packSubChannelKey(params.MethodType, params.PublicKey)
	if err != nil {
		return nil, err
	}

	data := encodeCall("openChannelWithSubChannel(bytes32,bytes32,bytes32,bytes32,bytes32,uint8,uint256,bytes32,bytes32)",
		channelID[:], payerHash[:], payeeHash[:], assetHash[:], fragmentHash[:],
		[]byte{methodCode}, big.NewInt(int64(len(params.PublicKey))).Bytes(),
		keyWords[:32], keyWords[32:])

	tx, err := a.sendTransaction(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("opening channel with sub-channel: %w", err)
	}

	info, err := a.GetChannelStatus(ctx, channelID)
	if err != nil {
		return nil, fmt.Errorf("reading back channel: %w", err)
	}

	return &OpenChannelResult{TxResult: *tx, ChannelID: channelID, Epoch: info.Epoch}, nil
}

func (a *EVMAdapter) AuthorizeSubChannel(ctx context.Context, params *AuthorizeSubChannelParams) (*TxResult, error) {
	fragmentHash := Keccak256Hash(params.VMIDFragment)

	methodCode, keyWords, err := packSubChannelKey(params.MethodType, params.PublicKey)
	if err != nil {
		return nil, err
	}

	data := encodeCall("authorizeSubChannel(bytes32,bytes32,uint8,uint256,bytes32,bytes32)",
		params.ChannelID[:], fragmentHash[:],
		[]byte{methodCode}, big.NewInt(int64(len(params.PublicKey))).Bytes(),
		keyWords[:32], keyWords[32:])

	tx, err := a.sendTransaction(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("authorizing sub-channel: %w", err)
	}

	return tx, nil
}

func (a *EVMAdapter) CloseChannel(ctx context.Context, params *CloseChannelParams) (*TxResult, error) {
	data := encodeCall("closeChannel(bytes32)", params.ChannelID[:])

	tx, err := a.sendTransaction(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("closing channel: %w", err)
	}

	return tx, nil
}

func (a *EVMAdapter) ClaimFromChannel(ctx context.Context, signed *subrav.SignedSubRAV) (*ClaimResult, error) {
	before, err := a.GetSubChannel(ctx, signed.SubRAV.ChannelID, signed.SubRAV.VMIDFragment)
	if err != nil {
		return nil, err
	}

	encoded, err := subrav.Encode(&signed.SubRAV)
	if err != nil {
		return nil, fmt.Errorf("encoding receipt: %w", err)
	}

	// The canonical encoding is self-delimiting, so receipt and signature
	// travel as one bytes argument.
	payload := append(encoded, signed.Signature...)

	tx, err := a.sendTransaction(ctx, encodeBytesCall("claimFromChannel(bytes)", payload))
	if err != nil {
		return nil, fmt.Errorf("claiming from channel: %w", err)
	}

	after, err := a.GetSubChannel(ctx, signed.SubRAV.ChannelID, signed.SubRAV.VMIDFragment)
	if err != nil {
		return nil, err
	}

	return &ClaimResult{
		TxResult:      *tx,
		ClaimedAmount: new(big.Int).Sub(after.LastClaimedAmount, before.LastClaimedAmount),
	}, nil
}

func (a *EVMAdapter) GetChannelStatus(ctx context.Context, channelID subrav.ChannelID) (*ChannelInfo, error) {
	result, err := a.call(ctx, encodeCall("getChannel(bytes32)", channelID[:]))
	if err != nil {
		return nil, fmt.Errorf("calling getChannel: %w", err)
	}

	exists, err := wordUint64(result, 0)
	if err != nil {
		return nil, err
	}
	if exists == 0 {
		return nil, ErrChannelNotFound
	}

	status, err := wordUint64(result, 1)
	if err != nil {
		return nil, err
	}
	epoch, err := wordUint64(result, 2)
	if err != nil {
		return nil, err
	}

	return &ChannelInfo{
		ChannelID: channelID,
		Epoch:     epoch,
		Status:    ChannelStatus(status),
	}, nil
}

func (a *EVMAdapter) GetSubChannel(ctx context.Context, channelID subrav.ChannelID, vmIDFragment string) (*SubChannelInfo, error) {
	fragmentHash := Keccak256Hash(vmIDFragment)

	result, err := a.call(ctx, encodeCall("getSubChannel(bytes32,bytes32)", channelID[:], fragmentHash[:]))
	if err != nil {
		return nil, fmt.Errorf("calling getSubChannel: %w", err)
	}

	exists, err := wordUint64(result, 0)
	if err != nil {
		return nil, err
	}
	if exists == 0 {
		return nil, ErrSubChannelNotAuthorized
	}

	epoch, err := wordUint64(result, 1)
	if err != nil {
		return nil, err
	}
	lastClaimed, err := wordBig(result, 2)
	if err != nil {
		return nil, err
	}
	lastNonce, err := wordUint64(result, 3)
	if err != nil {
		return nil, err
	}
	methodCode, err := wordUint64(result, 4)
	if err != nil {
		return nil, err
	}
	keyLen, err := wordUint64(result, 5)
	if err != nil {
		return nil, err
	}
	if keyLen > maxOnChainKeyLen {
		return nil, fmt.Errorf("unexpected key length %d", keyLen)
	}

	keyA, err := word(result, 6)
	if err != nil {
		return nil, err
	}
	keyB, err := word(result, 7)
	if err != nil {
		return nil, err
	}
	publicKey := append(append([]byte(nil), keyA...), keyB...)[:keyLen]

	return &SubChannelInfo{
		ChannelID:          channelID,
		VMIDFragment:       vmIDFragment,
		Epoch:              epoch,
		PublicKey:          publicKey,
		MethodType:         methodTypeFromCode(uint8(methodCode)),
		LastClaimedAmount:  lastClaimed,
		LastConfirmedNonce: lastNonce,
	}, nil
}

func (a *EVMAdapter) GetAssetInfo(ctx context.Context, assetID string) (*AssetInfo, error) {
	assetHash := Keccak256Hash(assetID)

	result, err := a.call(ctx, encodeCall("getAssetInfo(bytes32)", assetHash[:]))
	if err != nil {
		return nil, fmt.Errorf("calling getAssetInfo: %w", err)
	}

	exists, err := wordUint64(result, 0)
	if err != nil {
		return nil, err
	}
	if exists == 0 {
		return nil, ErrAssetNotFound
	}

	decimals, err := wordUint64(result, 1)
	if err != nil {
		return nil, err
	}
	symbolWord, err := word(result, 2)
	if err != nil {
		return nil, err
	}

	return &AssetInfo{
		AssetID:  assetID,
		Symbol:   string(trimRightZeros(symbolWord)),
		Decimals: uint8(decimals),
	}, nil
}

func (a *EVMAdapter) GetAssetPrice(ctx context.Context, assetID string) (*big.Int, error) {
	assetHash := Keccak256Hash(assetID)

	result, err := a.call(ctx, encodeCall("getAssetPrice(bytes32)", assetHash[:]))
	if err != nil {
		return nil, fmt.Errorf("calling getAssetPrice: %w", err)
	}

	exists, err := wordUint64(result, 0)
	if err != nil {
		return nil, err
	}
	if exists == 0 {
		return nil, ErrAssetNotFound
	}

	return wordBig(result, 1)
}

func (a *EVMAdapter) GetHubBalance(ctx context.Context, ownerDID string, assetID string) (*big.Int, error) {
	didHash := Keccak256Hash(ownerDID)
	assetHash := Keccak256Hash(assetID)

	result, err := a.call(ctx, encodeCall("getHubBalance(bytes32,bytes32)", didHash[:], assetHash[:]))
	if err != nil {
		return nil, fmt.Errorf("calling getHubBalance: %w", err)
	}

	return wordBig(result, 0)
}

// call executes a read with bounded retries. Malformed responses are not
// retried.
func (a *EVMAdapter) call(ctx context.Context, data []byte) ([]byte, error) {
	var result []byte

	operation := func() error {
		resultHex, err := a.rpcClient.Call(ctx, rpc.CallParams{To: a.config.HubAddress, Data: data})
		if err != nil {
			return err
		}

		decoded, err := hex.DecodeString(strings.TrimPrefix(resultHex, "0x"))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("decoding call result: %w", err))
		}

		result = decoded
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 200 * time.Millisecond
	policy.MaxElapsedTime = 10 * time.Second

	if err := backoff.Retry(operation, backoff.WithContext(policy, ctx)); err != nil {
		return nil, err
	}

	return result, nil
}

func (a *EVMAdapter) sendTransaction(ctx context.Context, data []byte) (*TxResult, error) {
	if a.config.OperatorKey == nil {
		return nil, ErrNoOperatorKey
	}

	chainID, err := a.GetChainID(ctx)
	if err != nil {
		return nil, err
	}

	from := a.config.OperatorKey.PublicKey().Address()

	nonce, err := a.rpcClient.Nonce(ctx, from, nil)
	if err != nil {
		return nil, fmt.Errorf("getting nonce: %w", err)
	}

	gasPrice, err := a.rpcClient.GasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("getting gas price: %w", err)
	}

	signer, err := native.NewPrivateKeySigner(a.logger, big.NewInt(int64(chainID)), a.config.OperatorKey)
	if err != nil {
		return nil, fmt.Errorf("creating signer: %w", err)
	}

	signedTx, err := signer.SignTransaction(nonce, a.config.HubAddress[:], big.NewInt(0), a.config.GasLimit, gasPrice, data)
	if err != nil {
		return nil, fmt.Errorf("signing transaction: %w", err)
	}

	txHash, err := a.rpcClient.SendRawTransaction(ctx, signedTx)
	if err != nil {
		return nil, fmt.Errorf("sending transaction: %w", err)
	}

	a.logger.Debug("hub transaction submitted", zap.String("tx_hash", txHash))

	if err := a.waitForReceipt(ctx, txHash); err != nil {
		return nil, err
	}

	return &TxResult{TxHash: txHash}, nil
}

func (a *EVMAdapter) waitForReceipt(ctx context.Context, txHash string) error {
	hash := eth.MustNewHash(txHash)

	operation := func() error {
		receipt, err := a.rpcClient.TransactionReceipt(ctx, hash)
		if err != nil || receipt == nil {
			return fmt.Errorf("transaction %s not mined yet", txHash)
		}
		if receipt.Status != nil && uint64(*receipt.Status) == 0 {
			return backoff.Permanent(fmt.Errorf("transaction failed: %s", txHash))
		}
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.MaxInterval = 2 * time.Second
	policy.MaxElapsedTime = a.config.ReceiptTimeout

	return backoff.Retry(operation, backoff.WithContext(policy, ctx))
}

func selector(signature string) []byte {
	return eth.Keccak256([]byte(signature))[:4]
}

// encodeCall packs a selector plus left-padded 32-byte words, the layout the
// hub uses for all static arguments.
func encodeCall(signature string, words ...[]byte) []byte {
	data := make([]byte, 0, 4+32*len(words))
	data = append(data, selector(signature)...)
	for _, w := range words {
		data = append(data, leftPad32(w)...)
	}
	return data
}

// encodeBytesCall packs a selector plus a single dynamic bytes argument.
func encodeBytesCall(signature string, payload []byte) []byte {
	data := make([]byte, 0, 4+64+len(payload)+32)
	data = append(data, selector(signature)...)
	data = append(data, leftPad32(big.NewInt(32).Bytes())...)
	data = append(data, leftPad32(big.NewInt(int64(len(payload))).Bytes())...)
	data = append(data, payload...)
	if pad := len(payload) % 32; pad != 0 {
		data = append(data, make([]byte, 32-pad)...)
	}
	return data
}

func leftPad32(b []byte) []byte {
	if len(b) >= 32 {
		return b[len(b)-32:]
	}
	out := make([]byte, 32)
	copy(out[32-len(b):], b)
	return out
}

func word(result []byte, i int) ([]byte, error) {
	if len(result) < (i+1)*32 {
		return nil, fmt.Errorf("result too short: want word %d, got %d bytes", i, len(result))
	}
	return result[i*32 : (i+1)*32], nil
}

func wordBig(result []byte, i int) (*big.Int, error) {
	w, err := word(result, i)
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(w), nil
}

func wordUint64(result []byte, i int) (uint64, error) {
	v, err := wordBig(result, i)
	if err != nil {
		return 0, err
	}
	if v.BitLen() > 64 {
		return 0, fmt.Errorf("word %d overflows uint64", i)
	}
	return v.Uint64(), nil
}

func trimRightZeros(b []byte) []byte {
	end := len(b)
	for end > 0 && b[end-1] == 0 {
		end--
	}
	return b[:end]
}

func packSubChannelKey(methodType subrav.KeyType, publicKey []byte) (uint8, []byte, error) {
	var code uint8
	switch methodType {
	case subrav.KeyTypeEcdsaSecp256k1:
		code = methodTypeCodeSecp256k1
	case subrav.KeyTypeEd25519:
		code = methodTypeCodeEd25519
	default:
		return 0, nil, fmt.Errorf("unsupported method type %q", methodType)
	}

	if len(publicKey) == 0 || len(publicKey) > maxOnChainKeyLen {
		return 0, nil, fmt.Errorf("public key must be 1 to %d bytes, got %d", maxOnChainKeyLen, len(publicKey))
	}

	words := make([]byte, maxOnChainKeyLen)
	copy(words, publicKey)
	return code, words, nil
}

func methodTypeFromCode(code uint8) subrav.KeyType {
	switch code {
	case methodTypeCodeSecp256k1:
		return subrav.KeyTypeEcdsaSecp256k1
	case methodTypeCodeEd25519:
		return subrav.KeyTypeEd25519
	default:
		return ""
	}
}
