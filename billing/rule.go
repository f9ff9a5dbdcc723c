package billing

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Reserved predicate keys in a rule's when clause. Any other key is matched
// by equality against Meta.Values, which is how MCP rules match on the tool
// name.
const (
	WhenPath      = "path"
	WhenPathRegex = "path_regex"
	WhenMethod    = "method"
)

// regexCacheSize bounds the compiled path_regex cache.
const regexCacheSize = 100

// Rule binds a request predicate to a pricing strategy. Rules are evaluated
// in insertion order and the first match wins; rules flagged default always
// sort after every explicit rule.
type Rule struct {
	ID              string            `yaml:"id"`
	When            map[string]string `yaml:"when,omitempty"`
	Default         bool              `yaml:"default,omitempty"`
	Strategy        StrategyConfig    `yaml:"strategy"`
	AuthRequired    bool              `yaml:"auth_required,omitempty"`
	AdminOnly       bool              `yaml:"admin_only,omitempty"`
	PaymentRequired *bool             `yaml:"payment_required,omitempty"`
}

// RequiresPayment reports whether the route refuses unpaid requests once a
// channel proposal is outstanding. Unset means true, so a rule only opts out
// of payment explicitly.
func (r *Rule) RequiresPayment() bool {
	if r.PaymentRequired == nil {
		return true
	}
	return *r.PaymentRequired
}

// RequiresAuth reports whether the route demands a verified DIDAuth header.
// Admin-only routes always do.
func (r *Rule) RequiresAuth() bool {
	return r.AuthRequired || r.AdminOnly
}

// Matcher evaluates rules in insertion order against request metadata.
// Compiled path regexes are shared through a bounded LRU so hot rules do not
// recompile on every request.
type Matcher struct {
	mu       sync.RWMutex
	rules    []*Rule
	defaults []*Rule

	regexps *lru.Cache[string, *regexp.Regexp]
}

// NewMatcher builds a matcher over the given rules, validating each one.
func NewMatcher(rules []Rule) (*Matcher, error) {
	regexps, err := lru.New[string, *regexp.Regexp](regexCacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating regex cache: %w", err)
	}

	m := &Matcher{regexps: regexps}
	for i := range rules {
		if err := m.Append(rules[i]); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// Append validates and adds a rule behind all previously added rules.
// Default rules sort behind every explicit rule regardless of call order.
func (m *Matcher) Append(rule Rule) error {
	if rule.ID == "" {
		return fmt.Errorf("rule is missing an id")
	}

	if rule.Default && len(rule.When) > 0 {
		return fmt.Errorf("rule %q: a default rule cannot carry a when clause", rule.ID)
	}

	if !rule.Default && len(rule.When) == 0 {
		return fmt.Errorf("rule %q: a non-default rule needs a when clause", rule.ID)
	}

	stored := rule
	if len(rule.When) > 0 {
		when := make(map[string]string, len(rule.When))
		for key, value := range rule.When {
			switch key {
			case WhenPathRegex:
				if _, err := m.compile(value); err != nil {
					return fmt.Errorf("rule %q: invalid %s: %w", rule.ID, WhenPathRegex, err)
				}
			case WhenMethod:
				value = strings.ToUpper(value)
			}
			when[key] = value
		}
		stored.When = when
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.rules {
		if existing.ID == rule.ID {
			return fmt.Errorf("rule %q is already registered", rule.ID)
		}
	}
	for _, existing := range m.defaults {
		if existing.ID == rule.ID {
			return fmt.Errorf("rule %q is already registered", rule.ID)
		}
	}

	if rule.Default {
		m.defaults = append(m.defaults, &stored)
	} else {
		m.rules = append(m.rules, &stored)
	}

	return nil
}

// Match returns the first rule whose predicates all hold for meta, falling
// back to the first default rule. Returns nil when nothing matches.
func (m *Matcher) Match(meta *Meta) *Rule {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, rule := range m.rules {
		if m.matches(rule, meta) {
			return rule
		}
	}

	if len(m.defaults) > 0 {
		return m.defaults[0]
	}

	return nil
}

// Rules returns all registered rules in evaluation order.
func (m *Matcher) Rules() []*Rule {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Rule, 0, len(m.rules)+len(m.defaults))
	out = append(out, m.rules...)
	out = append(out, m.defaults...)
	return out
}

func (m *Matcher) matches(rule *Rule, meta *Meta) bool {
	for key, want := range rule.When {
		switch key {
		case WhenPath:
			if meta.Path != want {
				return false
			}
		case WhenPathRegex:
			re, err := m.compile(want)
			if err != nil || !re.MatchString(meta.Path) {
				return false
			}
		case WhenMethod:
			if meta.Method != want {
				return false
			}
		default:
			if meta.Values[key] != want {
				return false
			}
		}
	}

	return true
}

// compile returns the cached compiled form of pattern. The lru cache carries
// its own lock, so compile is safe under the matcher's read lock.
func (m *Matcher) compile(pattern string) (*regexp.Regexp, error) {
	if re, ok := m.regexps.Get(pattern); ok {
		return re, nil
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}

	m.regexps.Add(pattern, re)
	return re, nil
}
