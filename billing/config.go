package billing

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the billing rule set for one service, usually loaded from a YAML
// file next to the service config:
//
//	rules:
//	  - id: weather
//	    when:
//	      path: /api/weather
//	      method: GET
//	    strategy:
//	      type: PerRequest
//	      price_usd: "0.001"
//	  - id: everything-else
//	    default: true
//	    strategy:
//	      type: PerRequest
//	      price_pico_usd: "0"
type Config struct {
	Rules []Rule `yaml:"rules"`
}

// LoadConfig loads a billing configuration from a YAML file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading billing config: %w", err)
	}

	return ParseConfig(data)
}

// ParseConfig parses a billing configuration from YAML bytes. Rule-level
// validation happens when the rules are registered with an Engine.
func ParseConfig(data []byte) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parsing billing config: %w", err)
	}

	return &config, nil
}
