package core

import (
	"math"
	"time"
)

// Epsilon absorbs float drift in refill arithmetic, e.g. 6s at 10/60 tokens/s
// summing to 0.9999999999999999 instead of 1.
const Epsilon = 1e-9

// Check applies one admission attempt of the given cost to state.
// A nil state is a bucket seen for the first time and starts full.
// The returned state is always meant to be written back, even on denial,
// so refill progress is kept.
func Check(state *BucketState, p Policy, now time.Time, cost float64) (BucketState, Verdict) {
	if state == nil {
		state = &BucketState{
			Tokens:     float64(p.Capacity),
			LastRefill: now,
		}
	}

	refilled := Refill(state.Tokens, p, now.Sub(state.LastRefill))

	allowed := Admits(p, refilled, cost)
	tokens := refilled
	if allowed {
		tokens = math.Max(0, refilled-cost)
	}

	return BucketState{Tokens: tokens, LastRefill: now}, NewVerdict(p, allowed, tokens, cost)
}

// Refill tops tokens up for elapsed time, capped at capacity.
// Negative elapsed (clock skew between gateways) adds nothing.
func Refill(tokens float64, p Policy, elapsed time.Duration) float64 {
	if elapsed > 0 && p.Refills() {
		tokens += elapsed.Seconds() * p.RefillRate
	}
	return math.Min(tokens, float64(p.Capacity))
}

// Admits reports whether a bucket holding tokens can pay cost.
// A zero-capacity policy admits nothing.
func Admits(p Policy, tokens, cost float64) bool {
	return p.Capacity > 0 && tokens+Epsilon >= cost
}

// NewVerdict builds the externally visible verdict from the token count left
// after a check. On denial tokens is the refilled, unspent amount.
func NewVerdict(p Policy, allowed bool, tokens, cost float64) Verdict {
	v := Verdict{
		Allowed:   allowed,
		Remaining: int64(math.Floor(tokens + Epsilon)),
	}
	if v.Remaining < 0 {
		v.Remaining = 0
	}
	// No hint when waiting can never help.
	if !allowed && p.Refills() && cost <= float64(p.Capacity) {
		seconds := math.Ceil((cost - tokens - Epsilon) / p.RefillRate)
		if seconds < 0 {
			seconds = 0
		}
		v.RetryAfter = time.Duration(seconds) * time.Second
	}
	return v
}
