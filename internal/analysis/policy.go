package analysis

import (
	_ "embed"
	"fmt"

	"gopkg.in/yaml.v3"
)

//go:embed policy.yaml
var policyYAML []byte

// QualityWeights sets the relative contribution of each ad quality
// sub-signal to the combined 0-100 score.
type QualityWeights struct {
	Title       int `yaml:"title"`
	Description int `yaml:"description"`
	Photo       int `yaml:"photo"`
	Price       int `yaml:"price"`
}

func (w QualityWeights) total() int {
	return w.Title + w.Description + w.Photo + w.Price
}

// Policy carries the tunable constants of the arbitrage heuristic.
type Policy struct {
	MinProfit         float64        `yaml:"min_profit"`
	PriceMultiplier   float64        `yaml:"price_multiplier"`
	NegotiationMargin float64        `yaml:"negotiation_margin"`
	Quality           QualityWeights `yaml:"quality_weights"`
}

// DefaultPolicy returns the built-in policy constants.
func DefaultPolicy() Policy {
	return Policy{
		MinProfit:         50,
		PriceMultiplier:   1.15,
		NegotiationMargin: 0.15,
		Quality:           QualityWeights{Title: 25, Description: 35, Photo: 20, Price: 20},
	}
}

// LoadPolicy parses the embedded policy file and normalizes its values.
func LoadPolicy() (Policy, error) {
	policy := DefaultPolicy()
	if err := yaml.Unmarshal(policyYAML, &policy); err != nil {
		return DefaultPolicy(), fmt.Errorf("failed to parse policy.yaml: %w", err)
	}
	return normalizePolicy(policy), nil
}

// normalizePolicy clamps out-of-range values back to defensible ones.
func normalizePolicy(p Policy) Policy {
	if p.MinProfit < 0 {
		p.MinProfit = 0
	}
	if p.PriceMultiplier <= 1 {
		p.PriceMultiplier = 1.15
	}
	// Haggling headroom stays within 10-20%.
	if p.NegotiationMargin < 0.10 {
		p.NegotiationMargin = 0.10
	}
	if p.NegotiationMargin > 0.20 {
		p.NegotiationMargin = 0.20
	}
	if p.Quality.total() <= 0 {
		p.Quality = DefaultPolicy().Quality
	}
	return p
}
