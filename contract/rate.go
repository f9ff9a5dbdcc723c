package contract

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// DefaultRateTTL is how long cached asset prices stay fresh.
const DefaultRateTTL = 30 * time.Second

const rateCacheSize = 128

// RateProvider serves asset prices and metadata for cost conversion.
type RateProvider interface {
	// GetPricePicoUSD returns the price of one whole asset unit in picoUSD.
	GetPricePicoUSD(ctx context.Context, assetID string) (*big.Int, error)
	GetAssetInfo(ctx context.Context, assetID string) (*AssetInfo, error)
}

type contractRateProvider struct {
	contract Contract
}

// NewContractRateProvider exposes a hub's price view as a RateProvider.
func NewContractRateProvider(c Contract) RateProvider {
	return &contractRateProvider{contract: c}
}

func (p *contractRateProvider) GetPricePicoUSD(ctx context.Context, assetID string) (*big.Int, error) {
	return p.contract.GetAssetPrice(ctx, assetID)
}

func (p *contractRateProvider) GetAssetInfo(ctx context.Context, assetID string) (*AssetInfo, error) {
	return p.contract.GetAssetInfo(ctx, assetID)
}

// CachedRateProvider memoizes a RateProvider behind an expiring cache so the
// payee does not hit the hub on every settlement.
type CachedRateProvider struct {
	source RateProvider

	prices *expirable.LRU[string, *big.Int]
	infos  *expirable.LRU[string, *AssetInfo]

	mu          sync.RWMutex
	lastUpdated map[string]time.Time
}

// NewCachedRateProvider wraps source with a TTL cache. A non-positive ttl
// falls back to DefaultRateTTL.
func NewCachedRateProvider(source RateProvider, ttl time.Duration) *CachedRateProvider {
	if ttl <= 0 {
		ttl = DefaultRateTTL
	}

	return &CachedRateProvider{
		source:      source,
		prices:      expirable.NewLRU[string, *big.Int](rateCacheSize, nil, ttl),
		infos:       expirable.NewLRU[string, *AssetInfo](rateCacheSize, nil, ttl),
		lastUpdated: make(map[string]time.Time),
	}
}

func (p *CachedRateProvider) GetPricePicoUSD(ctx context.Context, assetID string) (*big.Int, error) {
	if price, ok := p.prices.Get(assetID); ok {
		return new(big.Int).Set(price), nil
	}

	price, err := p.source.GetPricePicoUSD(ctx, assetID)
	if err != nil {
		return nil, err
	}

	p.prices.Add(assetID, new(big.Int).Set(price))
	p.touch(assetID)

	return price, nil
}

func (p *CachedRateProvider) GetAssetInfo(ctx context.Context, assetID string) (*AssetInfo, error) {
	if info, ok := p.infos.Get(assetID); ok {
		out := *info
		return &out, nil
	}

	info, err := p.source.GetAssetInfo(ctx, assetID)
	if err != nil {
		return nil, err
	}

	stored := *info
	p.infos.Add(assetID, &stored)
	p.touch(assetID)

	return info, nil
}

// GetLastUpdated reports when the asset was last fetched from the source.
func (p *CachedRateProvider) GetLastUpdated(assetID string) (time.Time, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	at, ok := p.lastUpdated[assetID]
	if !ok {
		return time.Time{}, ErrAssetNotFound
	}
	return at, nil
}

// ClearCache drops all cached entries, forcing fresh reads on next use.
func (p *CachedRateProvider) ClearCache() {
	p.prices.Purge()
	p.infos.Purge()
}

func (p *CachedRateProvider) touch(assetID string) {
	p.mu.Lock()
	p.lastUpdated[assetID] = time.Now()
	p.mu.Unlock()
}
