// Package policy maps identity tiers to token bucket policies.
//
// The table is built once at start and never mutated afterwards, so it is
// safe to share between request goroutines without locking.
package policy

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/yourusername/chatgate/core"
)

// Tier names shipped in the default table.
const (
	TierFree       = "free"
	TierPro        = "pro"
	TierEnterprise = "enterprise"
)

var (
	// ErrInvalidPolicy is returned when a tier or global policy is unusable
	ErrInvalidPolicy = errors.New("invalid rate limit policy")

	// ErrUnknownDefaultTier is returned when the fallback tier has no policy
	ErrUnknownDefaultTier = errors.New("default tier has no policy")
)

// Table resolves tiers to policies. Unknown tiers get the default tier's
// policy, which should be the most restrictive one.
type Table struct {
	tiers       map[string]core.Policy
	defaultTier string
	global      core.Policy
	warn        zerolog.Logger
}

// Defaults returns the stock tiers: free 10/min, pro 100/min,
// enterprise 1000/min, global 10000/min.
func Defaults() (map[string]core.Policy, core.Policy) {
	return map[string]core.Policy{
		TierFree:       core.PerMinute(10),
		TierPro:        core.PerMinute(100),
		TierEnterprise: core.PerMinute(1000),
	}, core.PerMinute(10000)
}

// NewTable validates and freezes a tier table.
func NewTable(tiers map[string]core.Policy, defaultTier string, global core.Policy) (*Table, error) {
	if err := global.Validate(); err != nil {
		return nil, fmt.Errorf("%w: global: %w", ErrInvalidPolicy, err)
	}

	frozen := make(map[string]core.Policy, len(tiers))
	for name, p := range tiers {
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("%w: tier %q: %w", ErrInvalidPolicy, name, err)
		}
		frozen[name] = p
	}

	if _, ok := frozen[defaultTier]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDefaultTier, defaultTier)
	}

	return &Table{
		tiers:       frozen,
		defaultTier: defaultTier,
		global:      global,
		warn: log.With().Str("component", "policy").Logger().
			Sample(&zerolog.BurstSampler{Burst: 5, Period: time.Minute}),
	}, nil
}

// Resolve returns the policy for tier. Unknown tiers fall back to the default
// tier so misconfiguration under-provisions rather than over-provisions.
func (t *Table) Resolve(tier string) core.Policy {
	if p, ok := t.tiers[tier]; ok {
		return p
	}
	t.warn.Warn().Str("tier", tier).Str("fallback", t.defaultTier).Msg("unknown tier, applying default tier policy")
	return t.tiers[t.defaultTier]
}

// Known reports whether tier has its own policy.
func (t *Table) Known(tier string) bool {
	_, ok := t.tiers[tier]
	return ok
}

// Global returns the aggregate policy shared by all identities.
func (t *Table) Global() core.Policy {
	return t.global
}

// Tiers returns the configured tier names in sorted order.
func (t *Table) Tiers() []string {
	names := make([]string, 0, len(t.tiers))
	for name := range t.tiers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IdleTTL decides how long an untouched bucket lives in the store. It must be
// long enough that a dormant bucket is not mistaken for a new one under light
// traffic, and short enough to bound memory on the shared store.
type IdleTTL struct {
	Multiplier float64       // times the full refill period
	Min        time.Duration // lower bound for fast-refilling policies
	Static     time.Duration // used for policies that never refill
}

// DefaultIdleTTL keeps buckets for three full refill periods, at least a minute.
func DefaultIdleTTL() IdleTTL {
	return IdleTTL{Multiplier: 3, Min: time.Minute, Static: 24 * time.Hour}
}

// For returns the expiry to apply to a bucket governed by p.
func (t IdleTTL) For(p core.Policy) time.Duration {
	if !p.Refills() {
		return t.Static
	}
	ttl := time.Duration(t.Multiplier * float64(p.FullRefill()))
	if ttl < t.Min {
		ttl = t.Min
	}
	return ttl
}
