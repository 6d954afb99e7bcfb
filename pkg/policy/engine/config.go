package engine

import (
	"fmt"

	"opensase/sase-policy/pkg/policy"
	"opensase/sase-policy/pkg/policy/bloom"
	"opensase/sase-policy/pkg/policy/cache"
)

// FailMode selects the default decision returned when no rule matches.
type FailMode string

const (
	// FailOpen allows flows that match no rule.
	FailOpen FailMode = "fail-open"

	// FailClosed denies flows that match no rule.
	FailClosed FailMode = "fail-closed"
)

// DecisionFor returns the default decision implied by mode.
func DecisionFor(mode FailMode) (policy.PolicyDecision, error) {
	switch mode {
	case FailOpen:
		return policy.DefaultDecision(), nil
	case FailClosed:
		return policy.DenyDecision(), nil
	default:
		return policy.PolicyDecision{}, fmt.Errorf("%w: invalid fail mode %q", ErrInvalidConfig, mode)
	}
}

// Config contains configuration for the decision engine.
type Config struct {
	// DefaultDecision is returned for keys no rule matches.
	// Default: allow, no inspection, priority 1000.
	DefaultDecision policy.PolicyDecision

	// Cache sizes the decision cache.
	// Default: cache.DefaultConfig().
	Cache cache.Config

	// CacheNegative caches the default decision for keys that passed the
	// prefilter but matched nothing.
	// Default: true.
	CacheNegative bool

	// BloomBitsPerItem sizes the prefilter per indexed token.
	// Default: 10.
	BloomBitsPerItem int

	// BloomHashes is the probe count. Zero picks the optimum for the
	// sizing.
	// Default: 0.
	BloomHashes int

	// MaxPortExpansion is the widest destination port range indexed port
	// by port. Wider ranges are indexed by protocol only.
	// Default: 256.
	MaxPortExpansion int

	// MaxPrefilterTokens caps the prefilter size. Rule sets producing more
	// tokens run without a prefilter.
	// Default: 1048576.
	MaxPrefilterTokens int

	// MaxRules is the largest rule set LoadRules accepts.
	// Default: 100000.
	MaxRules int

	// failModeErr holds a rejected WithFailMode argument for Validate.
	failModeErr error
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() *Config {
	return &Config{
		DefaultDecision:    policy.DefaultDecision(),
		Cache:              cache.DefaultConfig(),
		CacheNegative:      true,
		BloomBitsPerItem:   bloom.BitsPerItem,
		BloomHashes:        0,
		MaxPortExpansion:   256,
		MaxPrefilterTokens: 1 << 20,
		MaxRules:           100000,
	}
}

// Validate validates the engine configuration.
func (c *Config) Validate() error {
	if c.failModeErr != nil {
		return c.failModeErr
	}
	if !c.DefaultDecision.Action.Valid() {
		return fmt.Errorf("%w: invalid default action %d", ErrInvalidConfig, c.DefaultDecision.Action)
	}
	if !c.DefaultDecision.Inspection.Valid() {
		return fmt.Errorf("%w: invalid default inspection level %d", ErrInvalidConfig, c.DefaultDecision.Inspection)
	}
	if err := c.Cache.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if c.BloomBitsPerItem <= 0 {
		return fmt.Errorf("%w: bloom bits per item must be positive", ErrInvalidConfig)
	}
	if c.BloomHashes < 0 {
		return fmt.Errorf("%w: bloom hashes cannot be negative", ErrInvalidConfig)
	}
	if c.MaxPortExpansion < 1 || c.MaxPortExpansion > 65536 {
		return fmt.Errorf("%w: max port expansion must be in [1, 65536]", ErrInvalidConfig)
	}
	if c.MaxPrefilterTokens <= 0 {
		return fmt.Errorf("%w: max prefilter tokens must be positive", ErrInvalidConfig)
	}
	if c.MaxRules <= 0 {
		return fmt.Errorf("%w: max rules must be positive", ErrInvalidConfig)
	}
	return nil
}

// WithDefaultDecision sets the decision returned when nothing matches.
func (c *Config) WithDefaultDecision(d policy.PolicyDecision) *Config {
	c.DefaultDecision = d
	return c
}

// WithFailMode sets the default decision from a fail mode. An unknown mode
// leaves the default decision unchanged and makes Validate, and so New,
// fail.
func (c *Config) WithFailMode(mode FailMode) *Config {
	d, err := DecisionFor(mode)
	if err != nil {
		c.failModeErr = err
		return c
	}
	c.DefaultDecision = d
	c.failModeErr = nil
	return c
}

// WithCache sets the cache sizing.
func (c *Config) WithCache(cfg cache.Config) *Config {
	c.Cache = cfg
	return c
}

// WithNegativeCaching enables or disables caching of default decisions.
func (c *Config) WithNegativeCaching(enabled bool) *Config {
	c.CacheNegative = enabled
	return c
}

// WithMaxRules sets the maximum rule set size.
func (c *Config) WithMaxRules(max int) *Config {
	c.MaxRules = max
	return c
}

// WithMaxPortExpansion sets the widest port range indexed per port.
func (c *Config) WithMaxPortExpansion(max int) *Config {
	c.MaxPortExpansion = max
	return c
}
