// Package degrade keeps the request path alive when the bucket store is not.
//
// Every store call goes through a Controller. A failing call is turned into
// an "allow" verdict with a full bucket, so a store outage costs enforcement
// for its duration but never availability. Each fallback is reported to a
// Sink for alerting and logged at a throttled rate.
//
// Contention is not an outage. A check that keeps losing optimistic
// transactions is denied instead, since the bucket it raced for is in use.
package degrade

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/yourusername/chatgate/core"
	"github.com/yourusername/chatgate/store"
)

// Sink receives degradation events. Implementations must not block.
type Sink interface {
	RecordDegraded(identity string, scope core.Scope)
}

// Config configures a Controller.
type Config struct {
	// KeyPrefix namespaces bucket keys in the store (default "ratelimit").
	KeyPrefix string

	// Timeout bounds each store call (default 50ms).
	Timeout time.Duration

	// LogEvery is the minimum gap between degradation log lines (default 1s).
	// Events in between are counted and reported with the next line.
	LogEvery time.Duration

	// Sink receives every degradation event. Optional.
	Sink Sink
}

// Controller wraps a Store with a per-call timeout and fail-open fallback.
type Controller struct {
	store      store.Store
	prefix     string
	timeout    time.Duration
	sink       Sink
	logLimit   *rate.Limiter
	suppressed atomic.Int64
}

// New creates a Controller around s.
func New(s store.Store, cfg Config) *Controller {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "ratelimit"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 50 * time.Millisecond
	}
	if cfg.LogEvery <= 0 {
		cfg.LogEvery = time.Second
	}

	return &Controller{
		store:    s,
		prefix:   cfg.KeyPrefix,
		timeout:  cfg.Timeout,
		sink:     cfg.Sink,
		logLimit: rate.NewLimiter(rate.Every(cfg.LogEvery), 1),
	}
}

// contendedRetryAfter is the hint attached to a check denied for contention.
const contendedRetryAfter = time.Second

// Take runs one admission check for key. It never fails: when the store
// errors or times out it returns an allowed verdict reporting a full bucket
// and degraded = true. store.ErrContended is the exception and yields a
// denial that is not degraded.
func (c *Controller) Take(ctx context.Context, key core.BucketKey, p core.Policy, now time.Time, cost float64, ttl time.Duration) (verdict core.Verdict, degraded bool) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	verdict, err := c.store.Take(ctx, key.String(c.prefix), p, now, cost, ttl)
	if err == nil {
		return verdict, false
	}
	if errors.Is(err, store.ErrContended) {
		log.Debug().
			Err(err).
			Str("scope", string(key.Scope)).
			Str("identity", key.Identity).
			Msg("bucket contended, denying request")
		return core.Verdict{Allowed: false, Remaining: 0, RetryAfter: contendedRetryAfter}, false
	}

	if c.sink != nil {
		c.sink.RecordDegraded(key.Identity, key.Scope)
	}

	if c.logLimit.Allow() {
		log.Warn().
			Err(err).
			Str("scope", string(key.Scope)).
			Str("identity", key.Identity).
			Int64("suppressed", c.suppressed.Swap(0)).
			Msg("bucket store unavailable, admitting request unmetered")
	} else {
		c.suppressed.Add(1)
	}

	return core.Verdict{Allowed: true, Remaining: p.Capacity}, true
}
