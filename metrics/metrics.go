package metrics

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/yourusername/chatgate/core"
)

// Metrics tracks rate limiting statistics for this gateway process
type Metrics struct {
	totalRequests   atomic.Int64
	allowedRequests atomic.Int64
	deniedIdentity  atomic.Int64
	deniedGlobal    atomic.Int64
	degradedEvents  atomic.Int64

	// Per-identity stats
	mu            sync.RWMutex
	identityStats map[string]*IdentityStats
	lastDegraded  time.Time
	startTime     time.Time
	now           func() time.Time

	// OpenTelemetry mirrors, nil until Instrument is called
	decisionCounter metric.Int64Counter
	degradedCounter metric.Int64Counter
}

// IdentityStats tracks statistics for a specific identity
type IdentityStats struct {
	Identity        string    `json:"identity"`
	TotalRequests   int64     `json:"total_requests"`
	AllowedRequests int64     `json:"allowed_requests"`
	BlockedRequests int64     `json:"blocked_requests"`
	DegradedChecks  int64     `json:"degraded_checks"`
	LastRequestAt   time.Time `json:"last_request_at"`
	FirstRequestAt  time.Time `json:"first_request_at"`
}

// Option configures Metrics.
type Option func(*Metrics)

// WithClock sets the time source for request timestamps and uptime.
func WithClock(now func() time.Time) Option {
	return func(m *Metrics) {
		m.now = now
	}
}

// NewMetrics creates a new metrics tracker
func NewMetrics(opts ...Option) *Metrics {
	m := &Metrics{
		identityStats: make(map[string]*IdentityStats),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.startTime = m.now()
	return m
}

// Instrument mirrors decision and degradation counts into OpenTelemetry
// counters created from meter. Call it before traffic starts.
func (m *Metrics) Instrument(meter metric.Meter) error {
	decisions, err := meter.Int64Counter("chatgate.ratelimit.decisions",
		metric.WithDescription("Admission checks by outcome and deciding scope"))
	if err != nil {
		return err
	}
	degraded, err := meter.Int64Counter("chatgate.ratelimit.degraded",
		metric.WithDescription("Store failures answered with a fail-open verdict"))
	if err != nil {
		return err
	}

	m.decisionCounter = decisions
	m.degradedCounter = degraded
	return nil
}

// RecordDecision records the outcome of one admission check.
// scope names the bucket that denied; it is ignored when allowed.
func (m *Metrics) RecordDecision(identity string, allowed bool, scope core.Scope) {
	m.totalRequests.Add(1)
	if m.decisionCounter != nil {
		m.decisionCounter.Add(context.Background(), 1, metric.WithAttributes(
			attribute.Bool("allowed", allowed),
			attribute.String("scope", string(scope)),
		))
	}

	switch {
	case allowed:
		m.allowedRequests.Add(1)
	case scope == core.ScopeGlobal:
		m.deniedGlobal.Add(1)
	default:
		m.deniedIdentity.Add(1)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	stats := m.statsFor(identity)
	stats.TotalRequests++
	if allowed {
		stats.AllowedRequests++
	} else {
		stats.BlockedRequests++
	}
	stats.LastRequestAt = m.now()
}

// RecordDegraded records a store failure that forced a fail-open verdict.
// It satisfies degrade.Sink.
func (m *Metrics) RecordDegraded(identity string, scope core.Scope) {
	m.degradedEvents.Add(1)
	if m.degradedCounter != nil {
		m.degradedCounter.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("scope", string(scope)),
		))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.lastDegraded = m.now()
	if scope == core.ScopeIdentity && identity != "" {
		m.statsFor(identity).DegradedChecks++
	}
}

// statsFor must be called with m.mu held.
func (m *Metrics) statsFor(identity string) *IdentityStats {
	stats, exists := m.identityStats[identity]
	if !exists {
		stats = &IdentityStats{
			Identity:       identity,
			FirstRequestAt: m.now(),
		}
		m.identityStats[identity] = stats
	}
	return stats
}

// GetSnapshot returns a snapshot of current metrics
func (m *Metrics) GetSnapshot() *Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	top := make([]*IdentityStats, 0, len(m.identityStats))
	for _, stats := range m.identityStats {
		copied := *stats
		top = append(top, &copied)
	}

	sort.Slice(top, func(i, j int) bool {
		if top[i].TotalRequests != top[j].TotalRequests {
			return top[i].TotalRequests > top[j].TotalRequests
		}
		return top[i].Identity < top[j].Identity
	})
	if len(top) > 10 {
		top = top[:10]
	}

	snapshot := &Snapshot{
		TotalRequests:    m.totalRequests.Load(),
		AllowedRequests:  m.allowedRequests.Load(),
		DeniedByIdentity: m.deniedIdentity.Load(),
		DeniedByGlobal:   m.deniedGlobal.Load(),
		DegradedChecks:   m.degradedEvents.Load(),
		UniqueIdentities: int64(len(m.identityStats)),
		TopIdentities:    top,
		UptimeSeconds:    int64(m.now().Sub(m.startTime).Seconds()),
		StartTime:        m.startTime,
	}
	if !m.lastDegraded.IsZero() {
		last := m.lastDegraded
		snapshot.LastDegradedAt = &last
	}
	return snapshot
}

// Snapshot represents a point-in-time view of metrics
type Snapshot struct {
	TotalRequests    int64            `json:"total_requests"`
	AllowedRequests  int64            `json:"allowed_requests"`
	DeniedByIdentity int64            `json:"denied_by_identity"`
	DeniedByGlobal   int64            `json:"denied_by_global"`
	DegradedChecks   int64            `json:"degraded_checks"`
	LastDegradedAt   *time.Time       `json:"last_degraded_at,omitempty"`
	UniqueIdentities int64            `json:"unique_identities"`
	TopIdentities    []*IdentityStats `json:"top_identities"`
	UptimeSeconds    int64            `json:"uptime_seconds"`
	StartTime        time.Time        `json:"start_time"`
}
