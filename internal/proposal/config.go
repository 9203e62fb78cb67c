package proposal

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/markymo/compass-sub003/internal/model"
)

// Policy is the source-priority configuration used to resolve conflicting
// values. It is loaded once at startup and never mutated.
type Policy struct {
	Version string       `yaml:"version"`
	Tiers   []TierRule   `yaml:"tiers"`
	Review  ReviewConfig `yaml:"review"`
}

// TierRule assigns an authority tier to a source. Verified restricts the rule
// to values with (true) or without (false) the manual/verified flag; nil
// matches both. Higher tiers win.
type TierRule struct {
	Source   model.Source `yaml:"source"`
	Verified *bool        `yaml:"verified,omitempty"`
	Tier     int          `yaml:"tier"`
}

// ReviewConfig controls the advisory review flag on blocked proposals.
// A zero ConfidenceThreshold disables it.
type ReviewConfig struct {
	ConfidenceThreshold float64     `yaml:"confidence_threshold"`
	TimeDecay           DecayConfig `yaml:"time_decay"`
}

// DecayConfig holds time decay parameters.
type DecayConfig struct {
	HalfLifeDays int     `yaml:"half_life_days"`
	Floor        float64 `yaml:"floor"`
}

// DefaultPolicy ranks manual verified input above public registries, registries
// above questionnaire answers and questionnaire answers above system inference.
func DefaultPolicy() Policy {
	verified, unverified := true, false
	return Policy{
		Version: "default",
		Tiers: []TierRule{
			{Source: model.SourceUserInput, Verified: &verified, Tier: 4},
			{Source: model.SourceCompaniesHouse, Tier: 3},
			{Source: model.SourceGLEIF, Tier: 3},
			{Source: model.SourceUserInput, Verified: &unverified, Tier: 2},
			{Source: model.SourceSystem, Tier: 1},
		},
		Review: ReviewConfig{
			ConfidenceThreshold: 0.9,
			TimeDecay:           DecayConfig{HalfLifeDays: 365, Floor: 0},
		},
	}
}

// Tier returns the authority tier of a source/verified pair, or 0 when no
// rule matches.
func (p Policy) Tier(source model.Source, verified bool) int {
	for _, r := range p.Tiers {
		if r.Source != source {
			continue
		}
		if r.Verified != nil && *r.Verified != verified {
			continue
		}
		return r.Tier
	}
	return 0
}

// Validate checks that every rule names a known source with a positive tier.
func (p Policy) Validate() error {
	if len(p.Tiers) == 0 {
		return eris.New("proposal: policy has no tiers")
	}
	for i, r := range p.Tiers {
		if !r.Source.Valid() {
			return eris.Errorf("proposal: tier rule %d has unknown source %q", i, r.Source)
		}
		if r.Tier <= 0 {
			return eris.Errorf("proposal: tier rule %d (%s) must have a positive tier", i, r.Source)
		}
	}
	if p.Review.ConfidenceThreshold < 0 || p.Review.ConfidenceThreshold > 1 {
		return eris.Errorf("proposal: review confidence threshold %v out of range", p.Review.ConfidenceThreshold)
	}
	return nil
}

// LoadPolicy reads a policy from a YAML file. Missing review settings fall
// back to DefaultPolicy's.
func LoadPolicy(path string) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, eris.Wrapf(err, "proposal: read policy %s", path)
	}

	// The YAML has a top-level "policy" key
	var wrapper struct {
		Policy Policy `yaml:"policy"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return Policy{}, eris.Wrap(err, "proposal: parse policy")
	}

	p := wrapper.Policy
	def := DefaultPolicy()
	if p.Review.TimeDecay.HalfLifeDays == 0 {
		p.Review.TimeDecay = def.Review.TimeDecay
	}
	if p.Version == "" {
		p.Version = path
	}
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}
