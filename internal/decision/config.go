package decision

import (
	"fmt"
	"strings"
	"time"
)

// Config holds the tunables for Analyze. A guild may override any of them.
type Config struct {
	Cooldown               time.Duration
	DefaultModelTokenLimit int
	MaxMentionsAllowed     int
	BurstThreshold         int
}

// DefaultConfig returns the process-wide defaults.
func DefaultConfig() Config {
	return Config{
		Cooldown:               60 * time.Second,
		DefaultModelTokenLimit: 8192,
		MaxMentionsAllowed:     5,
		BurstThreshold:         5,
	}
}

// Overrides is the partial form of Config stored per guild. Nil fields keep
// the default.
type Overrides struct {
	CooldownMs             *int64 `json:"cooldownMs,omitempty" yaml:"cooldownMs,omitempty"`
	DefaultModelTokenLimit *int   `json:"defaultModelTokenLimit,omitempty" yaml:"defaultModelTokenLimit,omitempty"`
	MaxMentionsAllowed     *int   `json:"maxMentionsAllowed,omitempty" yaml:"maxMentionsAllowed,omitempty"`
	BurstThreshold         *int   `json:"burstThreshold,omitempty" yaml:"burstThreshold,omitempty"`

	// AmbientThreshold is not part of Config; it travels to Analyze through
	// ConversationContext.GuildOverrides.
	AmbientThreshold *float64 `json:"ambientThreshold,omitempty" yaml:"ambientThreshold,omitempty"`
}

// IsZero reports whether no field is set.
func (o Overrides) IsZero() bool {
	return o.CooldownMs == nil && o.DefaultModelTokenLimit == nil &&
		o.MaxMentionsAllowed == nil && o.BurstThreshold == nil && o.AmbientThreshold == nil
}

// Merge returns c with every set field of o applied.
func (c Config) Merge(o Overrides) Config {
	if o.CooldownMs != nil {
		c.Cooldown = time.Duration(*o.CooldownMs) * time.Millisecond
	}
	if o.DefaultModelTokenLimit != nil {
		c.DefaultModelTokenLimit = *o.DefaultModelTokenLimit
	}
	if o.MaxMentionsAllowed != nil {
		c.MaxMentionsAllowed = *o.MaxMentionsAllowed
	}
	if o.BurstThreshold != nil {
		c.BurstThreshold = *o.BurstThreshold
	}
	return c
}

// ContextOverrides returns the override map that belongs in
// ConversationContext.GuildOverrides.
func (o Overrides) ContextOverrides() map[string]float64 {
	if o.AmbientThreshold == nil {
		return nil
	}
	return map[string]float64{AmbientThresholdKey: *o.AmbientThreshold}
}

// Validate rejects configs Analyze cannot reason about.
func (c Config) Validate() error {
	var errs []string
	if c.Cooldown < 0 {
		errs = append(errs, "cooldown must be >= 0")
	}
	if c.DefaultModelTokenLimit < 4 {
		errs = append(errs, "defaultModelTokenLimit must be >= 4")
	}
	if c.MaxMentionsAllowed < 0 {
		errs = append(errs, "maxMentionsAllowed must be >= 0")
	}
	if c.BurstThreshold < 1 {
		errs = append(errs, "burstThreshold must be >= 1")
	}
	if len(errs) > 0 {
		return fmt.Errorf("decision config: %s", strings.Join(errs, "; "))
	}
	return nil
}
