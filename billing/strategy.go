package billing

import (
	"fmt"
	"math/big"
	"sync"
)

const (
	StrategyPerRequest = "PerRequest"
	StrategyPerToken   = "PerToken"
	StrategyFinalCost  = "FinalCost"

	// FinalCostUsageKey is the usage key a handler writes its own picoUSD
	// cost into when the route is priced with the FinalCost strategy.
	FinalCostUsageKey = "finalCostPicoUSD"
)

// Meta carries the request attributes rules match against and the usage
// counters strategies read. Path and Method come from the transport adapter,
// Values holds additional equality keys such as the MCP tool name, and Usage
// is filled in by the handler while the request executes.
type Meta struct {
	Path   string
	Method string
	Values map[string]string
	Usage  map[string]*big.Int
}

// SetUsage records a usage counter, replacing any previous value.
func (m *Meta) SetUsage(key string, value *big.Int) {
	if m.Usage == nil {
		m.Usage = make(map[string]*big.Int)
	}
	m.Usage[key] = new(big.Int).Set(value)
}

// AddUsage increments a usage counter, creating it at zero if absent.
func (m *Meta) AddUsage(key string, delta *big.Int) {
	if m.Usage == nil {
		m.Usage = make(map[string]*big.Int)
	}

	current, ok := m.Usage[key]
	if !ok {
		m.Usage[key] = new(big.Int).Set(delta)
		return
	}
	current.Add(current, delta)
}

// UsageValue returns the recorded counter for key, or zero when absent.
func (m *Meta) UsageValue(key string) *big.Int {
	if m.Usage == nil {
		return big.NewInt(0)
	}

	value, ok := m.Usage[key]
	if !ok || value == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(value)
}

// Strategy prices a single request in picoUSD.
type Strategy interface {
	// Evaluate returns the cost of the request in picoUSD.
	Evaluate(meta *Meta) (*big.Int, error)

	// Deferred reports whether the cost depends on usage recorded while the
	// handler runs, which forces settlement after the business logic instead
	// of before it.
	Deferred() bool
}

// StrategyFactory builds a Strategy from its rule configuration.
type StrategyFactory func(cfg *StrategyConfig) (Strategy, error)

// StrategyConfig is the strategy section of a billing rule. Prices are
// decimal strings, either in picoUSD or in human-readable USD, so YAML
// never carries floats.
type StrategyConfig struct {
	Type string `yaml:"type"`

	// PerRequest
	PricePicoUSD string `yaml:"price_pico_usd,omitempty"`
	PriceUSD     string `yaml:"price_usd,omitempty"`

	// PerToken
	UnitPricePicoUSD string `yaml:"unit_price_pico_usd,omitempty"`
	UnitPriceUSD     string `yaml:"unit_price_usd,omitempty"`
	UsageKey         string `yaml:"usage_key,omitempty"`
}

// Registry maps strategy type names to factories. Service owners register
// custom strategies next to the built-in ones.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]StrategyFactory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]StrategyFactory)}
}

// DefaultRegistry returns a registry with the built-in strategies registered.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(StrategyPerRequest, newPerRequest)
	r.Register(StrategyPerToken, newPerToken)
	r.Register(StrategyFinalCost, newFinalCost)
	return r
}

// Register adds a strategy factory, replacing any previous registration for
// the same type name.
func (r *Registry) Register(strategyType string, factory StrategyFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.factories[strategyType] = factory
}

// Build constructs the strategy described by cfg.
func (r *Registry) Build(cfg *StrategyConfig) (Strategy, error) {
	if cfg == nil || cfg.Type == "" {
		return nil, fmt.Errorf("strategy type is required")
	}

	r.mu.RLock()
	factory, ok := r.factories[cfg.Type]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown strategy type %q", cfg.Type)
	}

	return factory(cfg)
}

// resolvePrice picks the configured price from its picoUSD or USD form.
// Leaving both empty yields a zero price, which is how free routes that
// still participate in the payment handshake are expressed.
func resolvePrice(picoUSD, usd string) (*big.Int, error) {
	if picoUSD != "" && usd != "" {
		return nil, fmt.Errorf("price configured in both picoUSD and USD form")
	}

	if picoUSD != "" {
		price, ok := new(big.Int).SetString(picoUSD, 10)
		if !ok || price.Sign() < 0 {
			return nil, fmt.Errorf("invalid picoUSD price %q", picoUSD)
		}
		return price, nil
	}

	if usd != "" {
		return ParseUSD(usd)
	}

	return big.NewInt(0), nil
}

type perRequest struct {
	price *big.Int
}

func newPerRequest(cfg *StrategyConfig) (Strategy, error) {
	price, err := resolvePrice(cfg.PricePicoUSD, cfg.PriceUSD)
	if err != nil {
		return nil, err
	}
	return &perRequest{price: price}, nil
}

func (s *perRequest) Evaluate(*Meta) (*big.Int, error) {
	return new(big.Int).Set(s.price), nil
}

func (s *perRequest) Deferred() bool { return false }

type perToken struct {
	unitPrice *big.Int
	usageKey  string
}

func newPerToken(cfg *StrategyConfig) (Strategy, error) {
	unitPrice, err := resolvePrice(cfg.UnitPricePicoUSD, cfg.UnitPriceUSD)
	if err != nil {
		return nil, err
	}

	if cfg.UsageKey == "" {
		return nil, fmt.Errorf("usage_key is required for %s", StrategyPerToken)
	}

	return &perToken{unitPrice: unitPrice, usageKey: cfg.UsageKey}, nil
}

func (s *perToken) Evaluate(meta *Meta) (*big.Int, error) {
	count := meta.UsageValue(s.usageKey)
	if count.Sign() < 0 {
		return nil, fmt.Errorf("usage counter %q is negative", s.usageKey)
	}
	return count.Mul(count, s.unitPrice), nil
}

func (s *perToken) Deferred() bool { return true }

type finalCost struct{}

func newFinalCost(*StrategyConfig) (Strategy, error) {
	return &finalCost{}, nil
}

func (s *finalCost) Evaluate(meta *Meta) (*big.Int, error) {
	cost := meta.UsageValue(FinalCostUsageKey)
	if cost.Sign() < 0 {
		return nil, fmt.Errorf("usage counter %q is negative", FinalCostUsageKey)
	}
	return cost, nil
}

func (s *finalCost) Deferred() bool { return true }
