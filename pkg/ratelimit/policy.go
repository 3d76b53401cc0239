package ratelimit

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// AnonymousTier is the tier of callers with no identity.
const AnonymousTier = "anonymous"

// Rule is a limit over a window.
type Rule struct {
	Limit  int           `yaml:"limit" json:"limit"`
	Window time.Duration `yaml:"window" json:"window"`
}

// Policy maps callers and paths to rules. Resolution order: unlimited tiers
// short-circuit, then an exact-path override, then the caller's tier default,
// then the anonymous default.
type Policy struct {
	Anonymous      Rule            `yaml:"anonymous" json:"anonymous"`
	APIKeyTier     string          `yaml:"api_key_tier" json:"api_key_tier"`
	UnlimitedTiers []string        `yaml:"unlimited_tiers" json:"unlimited_tiers"`
	Tiers          map[string]Rule `yaml:"tiers" json:"tiers"`
	Paths          map[string]Rule `yaml:"paths" json:"paths"`
}

// DefaultPolicy is used when no policy file is configured.
func DefaultPolicy(anonymousPerMinute int) Policy {
	if anonymousPerMinute <= 0 {
		anonymousPerMinute = 30
	}
	return Policy{
		Anonymous:      Rule{Limit: anonymousPerMinute, Window: time.Minute},
		APIKeyTier:     "partner",
		UnlimitedTiers: []string{"internal"},
		Tiers: map[string]Rule{
			"free":    {Limit: 60, Window: time.Minute},
			"pro":     {Limit: 300, Window: time.Minute},
			"partner": {Limit: 1200, Window: time.Minute},
		},
		Paths: map[string]Rule{
			"/internal/settlements/run": {Limit: 5, Window: time.Minute},
		},
	}
}

// LoadPolicy reads a YAML policy file. Missing sections are filled from the defaults.
func LoadPolicy(path string, anonymousPerMinute int) (Policy, error) {
	policy := DefaultPolicy(anonymousPerMinute)
	if strings.TrimSpace(path) == "" {
		return policy, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("read rate limit policy: %w", err)
	}

	var parsed Policy
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return Policy{}, fmt.Errorf("parse rate limit policy: %w", err)
	}

	if parsed.Anonymous.Limit > 0 {
		policy.Anonymous = parsed.Anonymous
	}
	if strings.TrimSpace(parsed.APIKeyTier) != "" {
		policy.APIKeyTier = strings.TrimSpace(parsed.APIKeyTier)
	}
	if parsed.UnlimitedTiers != nil {
		policy.UnlimitedTiers = parsed.UnlimitedTiers
	}
	if parsed.Tiers != nil {
		policy.Tiers = parsed.Tiers
	}
	if parsed.Paths != nil {
		policy.Paths = parsed.Paths
	}

	if err := policy.Validate(); err != nil {
		return Policy{}, err
	}
	return policy, nil
}

// Validate rejects rules that cannot be enforced.
func (p Policy) Validate() error {
	if err := p.Anonymous.validate("anonymous"); err != nil {
		return err
	}
	for tier, rule := range p.Tiers {
		if err := rule.validate("tier " + tier); err != nil {
			return err
		}
	}
	for path, rule := range p.Paths {
		if !strings.HasPrefix(path, "/") {
			return fmt.Errorf("rate limit path override %q must start with /", path)
		}
		if err := rule.validate("path " + path); err != nil {
			return err
		}
	}
	return nil
}

// Resolve returns the rule for a call to path by a caller in tier, or unlimited=true.
func (p Policy) Resolve(path, tier string) (rule Rule, unlimited bool) {
	for _, t := range p.UnlimitedTiers {
		if t == tier {
			return Rule{}, true
		}
	}
	if override, ok := p.Paths[path]; ok {
		return override, false
	}
	if tier != AnonymousTier {
		if tierRule, ok := p.Tiers[tier]; ok {
			return tierRule, false
		}
	}
	return p.Anonymous, false
}

func (r Rule) validate(name string) error {
	if r.Limit <= 0 {
		return fmt.Errorf("rate limit %s: limit must be positive", name)
	}
	if r.Window < time.Second {
		return fmt.Errorf("rate limit %s: window must be at least 1s", name)
	}
	return nil
}
