package billing

import (
	"fmt"
	"math/big"
	"sync"
)

// Engine matches requests to billing rules and prices them. Strategies are
// built once per rule at registration time, so a hot path never touches the
// registry.
type Engine struct {
	matcher  *Matcher
	registry *Registry

	mu         sync.RWMutex
	strategies map[string]Strategy
}

// NewEngine builds an engine from a parsed config. A nil registry means the
// built-in strategies only.
func NewEngine(cfg *Config, registry *Registry) (*Engine, error) {
	if registry == nil {
		registry = DefaultRegistry()
	}

	matcher, err := NewMatcher(nil)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		matcher:    matcher,
		registry:   registry,
		strategies: make(map[string]Strategy),
	}

	if cfg != nil {
		for i := range cfg.Rules {
			if err := e.AddRule(cfg.Rules[i]); err != nil {
				return nil, err
			}
		}
	}

	return e, nil
}

// AddRule registers a rule behind all previously registered ones, building
// its strategy eagerly so configuration errors surface at startup.
func (e *Engine) AddRule(rule Rule) error {
	strategy, err := e.registry.Build(&rule.Strategy)
	if err != nil {
		return fmt.Errorf("rule %q: %w", rule.ID, err)
	}

	if err := e.matcher.Append(rule); err != nil {
		return err
	}

	e.mu.Lock()
	e.strategies[rule.ID] = strategy
	e.mu.Unlock()

	return nil
}

// Match returns the rule that applies to meta, or nil when no rule matches
// and no default is configured.
func (e *Engine) Match(meta *Meta) *Rule {
	return e.matcher.Match(meta)
}

// Rules returns all registered rules in evaluation order.
func (e *Engine) Rules() []*Rule {
	return e.matcher.Rules()
}

// Deferred reports whether the rule's cost can only be known after the
// handler has run.
func (e *Engine) Deferred(rule *Rule) bool {
	strategy, err := e.strategy(rule)
	if err != nil {
		return false
	}
	return strategy.Deferred()
}

// Price evaluates the rule's strategy against meta and returns the cost in
// picoUSD.
func (e *Engine) Price(rule *Rule, meta *Meta) (*big.Int, error) {
	strategy, err := e.strategy(rule)
	if err != nil {
		return nil, err
	}

	cost, err := strategy.Evaluate(meta)
	if err != nil {
		return nil, fmt.Errorf("pricing rule %q: %w", rule.ID, err)
	}

	if cost == nil || cost.Sign() < 0 {
		return nil, fmt.Errorf("rule %q produced an invalid cost", rule.ID)
	}

	return cost, nil
}

func (e *Engine) strategy(rule *Rule) (Strategy, error) {
	if rule == nil {
		return nil, fmt.Errorf("no rule matched")
	}

	e.mu.RLock()
	strategy, ok := e.strategies[rule.ID]
	e.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("rule %q has no strategy registered", rule.ID)
	}

	return strategy, nil
}
