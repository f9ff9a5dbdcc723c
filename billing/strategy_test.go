package billing

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPerRequestStrategy(t *testing.T) {
	reg := DefaultRegistry()

	s, err := reg.Build(&StrategyConfig{Type: StrategyPerRequest, PriceUSD: "0.001"})
	require.NoError(t, err)
	assert.False(t, s.Deferred())

	cost, err := s.Evaluate(&Meta{Path: "/api/weather"})
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(1_000_000_000), cost)

	// picoUSD form prices the same
	s, err = reg.Build(&StrategyConfig{Type: StrategyPerRequest, PricePicoUSD: "1000000000"})
	require.NoError(t, err)

	cost, err = s.Evaluate(&Meta{})
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(1_000_000_000), cost)

	// No price configured means free
	s, err = reg.Build(&StrategyConfig{Type: StrategyPerRequest})
	require.NoError(t, err)

	cost, err = s.Evaluate(&Meta{})
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(0), cost)

	// Both price forms at once is ambiguous
	_, err = reg.Build(&StrategyConfig{Type: StrategyPerRequest, PriceUSD: "1", PricePicoUSD: "1"})
	require.Error(t, err)

	_, err = reg.Build(&StrategyConfig{Type: StrategyPerRequest, PricePicoUSD: "-5"})
	require.Error(t, err)
}

func TestPerTokenStrategy(t *testing.T) {
	reg := DefaultRegistry()

	s, err := reg.Build(&StrategyConfig{
		Type:             StrategyPerToken,
		UnitPricePicoUSD: "2500000",
		UsageKey:         "llm.tokens",
	})
	require.NoError(t, err)
	assert.True(t, s.Deferred())

	meta := &Meta{}
	meta.SetUsage("llm.tokens", big.NewInt(150))

	cost, err := s.Evaluate(meta)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(375_000_000), cost)

	// A handler that reports nothing is charged for nothing
	cost, err = s.Evaluate(&Meta{})
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(0), cost)

	_, err = reg.Build(&StrategyConfig{Type: StrategyPerToken, UnitPricePicoUSD: "1"})
	require.Error(t, err, "usage_key is mandatory")
}

func TestFinalCostStrategy(t *testing.T) {
	reg := DefaultRegistry()

	s, err := reg.Build(&StrategyConfig{Type: StrategyFinalCost})
	require.NoError(t, err)
	assert.True(t, s.Deferred())

	meta := &Meta{}
	meta.SetUsage(FinalCostUsageKey, big.NewInt(42_000_000))

	cost, err := s.Evaluate(meta)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(42_000_000), cost)

	cost, err = s.Evaluate(&Meta{})
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(0), cost)
}

func TestRegistryUnknownType(t *testing.T) {
	reg := DefaultRegistry()

	_, err := reg.Build(&StrategyConfig{Type: "Subscription"})
	require.ErrorContains(t, err, `unknown strategy type "Subscription"`)

	_, err = reg.Build(&StrategyConfig{})
	require.Error(t, err)

	_, err = reg.Build(nil)
	require.Error(t, err)
}

func TestRegistryCustomStrategy(t *testing.T) {
	reg := DefaultRegistry()
	reg.Register("Flat", func(cfg *StrategyConfig) (Strategy, error) {
		return &perRequest{price: big.NewInt(7)}, nil
	})

	s, err := reg.Build(&StrategyConfig{Type: "Flat"})
	require.NoError(t, err)

	cost, err := s.Evaluate(&Meta{})
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(7), cost)
}

func TestMetaUsageHelpers(t *testing.T) {
	meta := &Meta{}

	assert.Equal(t, big.NewInt(0), meta.UsageValue("missing"))

	meta.AddUsage("llm.tokens", big.NewInt(100))
	meta.AddUsage("llm.tokens", big.NewInt(50))
	assert.Equal(t, big.NewInt(150), meta.UsageValue("llm.tokens"))

	meta.SetUsage("llm.tokens", big.NewInt(10))
	assert.Equal(t, big.NewInt(10), meta.UsageValue("llm.tokens"))

	// UsageValue hands out copies, not the stored counter
	meta.UsageValue("llm.tokens").SetInt64(999)
	assert.Equal(t, big.NewInt(10), meta.UsageValue("llm.tokens"))
}
