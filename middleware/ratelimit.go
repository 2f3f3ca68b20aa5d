package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/yourusername/chatgate/auth"
	"github.com/yourusername/chatgate/clock"
	"github.com/yourusername/chatgate/core"
	"github.com/yourusername/chatgate/degrade"
	"github.com/yourusername/chatgate/policy"
)

// Recorder receives the outcome of every admission check
type Recorder interface {
	RecordDecision(identity string, allowed bool, scope core.Scope)
}

// RateLimiter admits or denies authenticated requests against the global
// bucket and the caller's own bucket.
//
// The global bucket is checked first. A global denial stops there and leaves
// the caller's bucket untouched; a caller denial after a successful global
// check does not refund the global token.
type RateLimiter struct {
	policies   *policy.Table
	controller *degrade.Controller
	clock      clock.Clock
	recorder   Recorder
	ttl        policy.IdleTTL
	cost       float64
}

// Config for creating a rate limiter
type Config struct {
	Policies   *policy.Table       // Required: tier and global policies
	Controller *degrade.Controller // Required: fail-open access to the bucket store
	Clock      clock.Clock         // Optional: defaults to the system clock
	Recorder   Recorder            // Optional: decision metrics
	TTL        *policy.IdleTTL     // Optional: bucket expiry, defaults to policy.DefaultIdleTTL
	Cost       float64             // Optional: tokens per request, defaults to 1
}

// NewRateLimiter creates a new rate limiting middleware
func NewRateLimiter(config Config) (*RateLimiter, error) {
	if config.Policies == nil {
		return nil, errors.New("rate limiter: policy table is required")
	}
	if config.Controller == nil {
		return nil, errors.New("rate limiter: store controller is required")
	}
	if config.Clock == nil {
		config.Clock = clock.Real{}
	}
	if config.Cost < 0 || math.IsNaN(config.Cost) {
		return nil, fmt.Errorf("rate limiter: invalid request cost %v", config.Cost)
	}
	if config.Cost == 0 {
		config.Cost = 1
	}
	ttl := policy.DefaultIdleTTL()
	if config.TTL != nil {
		ttl = *config.TTL
	}

	return &RateLimiter{
		policies:   config.Policies,
		controller: config.Controller,
		clock:      config.Clock,
		recorder:   config.Recorder,
		ttl:        ttl,
		cost:       config.Cost,
	}, nil
}

// Decision is the outcome of Check for one request.
type Decision struct {
	Allowed    bool
	Scope      core.Scope    // stage that decided: ScopeGlobal only on a global denial
	Identity   string        // caller id
	Tier       string        // caller tier as received
	Limit      int64         // capacity of the deciding bucket
	Remaining  int64         // whole tokens left in the deciding bucket
	RetryAfter time.Duration // zero when allowed
	Degraded   bool          // a store call failed and was admitted unmetered
}

// RetryAfterSeconds is the Retry-After header value: whole seconds, at least 1.
func (d Decision) RetryAfterSeconds() int64 {
	seconds := int64(math.Ceil(d.RetryAfter.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	return seconds
}

// Reason is the client-facing description of a denial.
func (d Decision) Reason() string {
	if d.Scope == core.ScopeGlobal {
		return "Global rate limit exceeded"
	}
	return "User rate limit exceeded"
}

// Check runs the global and per-identity checks for id.
func (rl *RateLimiter) Check(ctx context.Context, id auth.Identity) Decision {
	now := rl.clock.Now()

	global := rl.policies.Global()
	gv, globalDegraded := rl.controller.Take(ctx, core.GlobalKey(), global, now, rl.cost, rl.ttl.For(global))
	if !gv.Allowed {
		return rl.finish(ctx, Decision{
			Allowed:    false,
			Scope:      core.ScopeGlobal,
			Identity:   id.ID,
			Tier:       id.Tier,
			Limit:      global.Capacity,
			Remaining:  gv.Remaining,
			RetryAfter: gv.RetryAfter,
			Degraded:   globalDegraded,
		})
	}

	p := rl.policies.Resolve(id.Tier)
	uv, identityDegraded := rl.controller.Take(ctx, core.IdentityKey(id.ID), p, now, rl.cost, rl.ttl.For(p))

	return rl.finish(ctx, Decision{
		Allowed:    uv.Allowed,
		Scope:      core.ScopeIdentity,
		Identity:   id.ID,
		Tier:       id.Tier,
		Limit:      p.Capacity,
		Remaining:  uv.Remaining,
		RetryAfter: uv.RetryAfter,
		Degraded:   globalDegraded || identityDegraded,
	})
}

func (rl *RateLimiter) finish(ctx context.Context, d Decision) Decision {
	if rl.recorder != nil {
		rl.recorder.RecordDecision(d.Identity, d.Allowed, d.Scope)
	}

	if !d.Allowed {
		zerolog.Ctx(ctx).Info().
			Str("identity", d.Identity).
			Str("tier", d.Tier).
			Str("scope", string(d.Scope)).
			Int64("limit", d.Limit).
			Dur("retry_after", d.RetryAfter).
			Msg("request rate limited")
	}
	return d
}

// Middleware wraps an http.Handler with rate limiting.
// Requests without an authenticated identity pass through untouched;
// rejecting them is the authenticator's job.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := auth.FromContext(r.Context())
		if !ok {
			next.ServeHTTP(w, r)
			return
		}

		decision := rl.Check(r.Context(), id)

		// Add rate limit headers
		w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(decision.Limit, 10))
		w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(decision.Remaining, 10))

		if !decision.Allowed {
			retryAfter := decision.RetryAfterSeconds()
			w.Header().Set("Retry-After", strconv.FormatInt(retryAfter, 10))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)

			json.NewEncoder(w).Encode(ErrorResponse{
				Error:      "rate_limit_exceeded",
				Scope:      string(decision.Scope),
				Message:    decision.Reason(),
				Detail:     fmt.Sprintf("Rate limit exceeded. Try again in %d seconds.", retryAfter),
				Limit:      decision.Limit,
				RetryAfter: retryAfter,
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}

// ErrorResponse is the body of a 429 response
type ErrorResponse struct {
	Error      string `json:"error"`
	Scope      string `json:"scope"`
	Message    string `json:"message"`
	Detail     string `json:"detail"`
	Limit      int64  `json:"limit"`
	RetryAfter int64  `json:"retry_after"`
}
