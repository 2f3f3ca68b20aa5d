package core

import (
	"errors"
	"math"
	"time"
)

var (
	// ErrNegativeCapacity is returned when a policy capacity is below zero
	ErrNegativeCapacity = errors.New("bucket capacity must not be negative")

	// ErrNegativeRefillRate is returned when a policy refill rate is below zero or not finite
	ErrNegativeRefillRate = errors.New("refill rate must be a finite non-negative number")
)

// Policy defines the rate limiting parameters for one bucket
type Policy struct {
	Capacity   int64   // Maximum tokens (burst size)
	RefillRate float64 // Tokens added per second
}

// PerMinute builds a policy allowing n requests per minute with a burst of n.
func PerMinute(n int64) Policy {
	return Policy{Capacity: n, RefillRate: float64(n) / 60}
}

// Validate reports whether the policy can be used by the engine.
func (p Policy) Validate() error {
	if p.Capacity < 0 {
		return ErrNegativeCapacity
	}
	if p.RefillRate < 0 || math.IsNaN(p.RefillRate) || math.IsInf(p.RefillRate, 0) {
		return ErrNegativeRefillRate
	}
	return nil
}

// Refills reports whether tokens are ever added back to the bucket.
func (p Policy) Refills() bool {
	return p.RefillRate > 0
}

// FullRefill is the time an empty bucket needs to fill up again.
// Zero for policies that never refill.
func (p Policy) FullRefill() time.Duration {
	if !p.Refills() {
		return 0
	}
	return time.Duration(float64(p.Capacity) / p.RefillRate * float64(time.Second))
}

// BucketState represents the current state of a token bucket
type BucketState struct {
	Tokens     float64   // Current tokens available
	LastRefill time.Time // Last time tokens were refilled
}

// Scope distinguishes per-identity buckets from the aggregate bucket.
type Scope string

const (
	ScopeIdentity Scope = "user"
	ScopeGlobal   Scope = "global"
)

// BucketKey identifies exactly one bucket in the shared store.
type BucketKey struct {
	Scope    Scope
	Identity string // empty for ScopeGlobal
}

// IdentityKey returns the per-identity bucket key for id.
func IdentityKey(id string) BucketKey {
	return BucketKey{Scope: ScopeIdentity, Identity: id}
}

// GlobalKey returns the key of the aggregate bucket.
func GlobalKey() BucketKey {
	return BucketKey{Scope: ScopeGlobal}
}

// String renders the key under prefix, e.g. "ratelimit:user:42" or "ratelimit:global".
func (k BucketKey) String(prefix string) string {
	if k.Scope == ScopeGlobal {
		return prefix + ":" + string(ScopeGlobal)
	}
	return prefix + ":" + string(k.Scope) + ":" + k.Identity
}

// Verdict contains the result of a rate limit check
type Verdict struct {
	Allowed    bool          // Whether the request is allowed
	Remaining  int64         // Whole tokens left after this request
	RetryAfter time.Duration // Whole seconds until a retry can succeed; 0 if allowed or unknown
}
