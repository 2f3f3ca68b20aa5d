package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/yourusername/chatgate/auth"
	"github.com/yourusername/chatgate/clock"
	"github.com/yourusername/chatgate/core"
	"github.com/yourusername/chatgate/degrade"
	"github.com/yourusername/chatgate/metrics"
	"github.com/yourusername/chatgate/policy"
	"github.com/yourusername/chatgate/store"
)

type fixture struct {
	limiter *RateLimiter
	store   *store.MemoryStore
	clock   *clock.Manual
	metrics *metrics.Metrics
	backend atomic.Int64
	handler http.Handler
}

func newFixture(t *testing.T, global core.Policy) *fixture {
	t.Helper()

	f := &fixture{
		clock:   clock.NewManual(time.Unix(1700000000, 0)),
		metrics: metrics.NewMetrics(),
	}
	f.store = store.NewMemoryStore(f.clock.Now)
	f.limiter = newLimiter(t, f.store, global, f.clock, f.metrics)
	f.handler = f.limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.backend.Add(1)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("completion"))
	}))
	return f
}

func newLimiter(t *testing.T, s store.Store, global core.Policy, clk clock.Clock, m *metrics.Metrics) *RateLimiter {
	t.Helper()

	tiers, _ := policy.Defaults()
	table, err := policy.NewTable(tiers, policy.TierFree, global)
	if err != nil {
		t.Fatalf("NewTable() error: %v", err)
	}

	controller := degrade.New(s, degrade.Config{Sink: m, Timeout: time.Second})
	limiter, err := NewRateLimiter(Config{
		Policies:   table,
		Controller: controller,
		Clock:      clk,
		Recorder:   m,
	})
	if err != nil {
		t.Fatalf("NewRateLimiter() error: %v", err)
	}
	return limiter
}

func (f *fixture) do(id auth.Identity) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	req = req.WithContext(auth.WithIdentity(req.Context(), id))
	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, req)
	return rr
}

var freeUser = auth.Identity{ID: "1", Tier: policy.TierFree}

func TestMiddleware_FreeTierScenario(t *testing.T) {
	f := newFixture(t, core.PerMinute(10000))

	for i := 0; i < 10; i++ {
		rr := f.do(freeUser)
		if rr.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d, want 200", i+1, rr.Code)
		}
		if got := rr.Header().Get("X-RateLimit-Limit"); got != "10" {
			t.Errorf("request %d: X-RateLimit-Limit = %s, want 10", i+1, got)
		}
		if got, want := rr.Header().Get("X-RateLimit-Remaining"), []string{"9", "8", "7", "6", "5", "4", "3", "2", "1", "0"}[i]; got != want {
			t.Errorf("request %d: X-RateLimit-Remaining = %s, want %s", i+1, got, want)
		}
		if rr.Header().Get("Retry-After") != "" {
			t.Errorf("request %d: Retry-After set on an admitted request", i+1)
		}
	}

	rr := f.do(freeUser)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("11th request: status = %d, want 429", rr.Code)
	}
	if got := rr.Header().Get("Retry-After"); got != "6" {
		t.Errorf("Retry-After = %s, want 6", got)
	}
	if got := rr.Header().Get("X-RateLimit-Remaining"); got != "0" {
		t.Errorf("X-RateLimit-Remaining = %s, want 0", got)
	}

	var body ErrorResponse
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("decode 429 body: %v", err)
	}
	if body.Error != "rate_limit_exceeded" || body.Scope != string(core.ScopeIdentity) || body.RetryAfter != 6 {
		t.Errorf("429 body = %+v", body)
	}

	f.clock.Advance(6 * time.Second)
	if rr := f.do(freeUser); rr.Code != http.StatusOK {
		t.Errorf("retry at t=6: status = %d, want 200", rr.Code)
	}

	if got := f.backend.Load(); got != 11 {
		t.Errorf("backend invoked %d times, want 11", got)
	}
}

func TestMiddleware_GlobalDenialLeavesIdentityBucketUntouched(t *testing.T) {
	f := newFixture(t, core.Policy{Capacity: 3, RefillRate: 3.0 / 60})

	// Aggregate traffic from other callers drains the global bucket.
	for i, other := range []string{"a", "b", "c"} {
		if rr := f.do(auth.Identity{ID: other, Tier: policy.TierEnterprise}); rr.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d, want 200", i+1, rr.Code)
		}
	}

	rr := f.do(freeUser)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rr.Code)
	}

	var body ErrorResponse
	json.NewDecoder(rr.Body).Decode(&body)
	if body.Scope != string(core.ScopeGlobal) || body.Message != "Global rate limit exceeded" {
		t.Errorf("429 body = %+v, want global scope", body)
	}
	if rr.Header().Get("X-RateLimit-Limit") != "3" {
		t.Errorf("X-RateLimit-Limit = %s, want the global capacity 3", rr.Header().Get("X-RateLimit-Limit"))
	}
	if rr.Header().Get("Retry-After") != "20" {
		t.Errorf("Retry-After = %s, want 20", rr.Header().Get("Retry-After"))
	}

	if state := f.store.Get(core.IdentityKey("1").String("ratelimit")); state != nil {
		t.Errorf("identity bucket = %+v, want untouched", state)
	}
	if s := f.metrics.GetSnapshot(); s.DeniedByGlobal != 1 || s.DeniedByIdentity != 0 {
		t.Errorf("metrics denied global/identity = %d/%d, want 1/0", s.DeniedByGlobal, s.DeniedByIdentity)
	}
	if got := f.backend.Load(); got != 3 {
		t.Errorf("backend invoked %d times, want 3", got)
	}
}

func TestMiddleware_IdentityDenialDoesNotRefundGlobal(t *testing.T) {
	f := newFixture(t, core.Policy{Capacity: 100, RefillRate: 0})

	for i := 0; i < 12; i++ {
		f.do(freeUser)
	}

	state := f.store.Get(core.GlobalKey().String("ratelimit"))
	if state == nil {
		t.Fatal("global bucket missing")
	}
	// 10 admitted + 2 denied by the free tier, all of which spent a global token.
	if state.Tokens != 88 {
		t.Errorf("global tokens = %v, want 88", state.Tokens)
	}
}

func TestMiddleware_TiersAreIndependent(t *testing.T) {
	f := newFixture(t, core.PerMinute(10000))
	pro := auth.Identity{ID: "2", Tier: policy.TierPro}

	for i := 0; i < 10; i++ {
		f.do(freeUser)
	}
	if rr := f.do(freeUser); rr.Code != http.StatusTooManyRequests {
		t.Fatalf("free user: status = %d, want 429", rr.Code)
	}

	rr := f.do(pro)
	if rr.Code != http.StatusOK {
		t.Fatalf("pro user: status = %d, want 200", rr.Code)
	}
	if rr.Header().Get("X-RateLimit-Limit") != "100" || rr.Header().Get("X-RateLimit-Remaining") != "99" {
		t.Errorf("pro headers = %s/%s, want 100/99",
			rr.Header().Get("X-RateLimit-Limit"), rr.Header().Get("X-RateLimit-Remaining"))
	}
}

func TestMiddleware_UnknownTierGetsFreePolicy(t *testing.T) {
	f := newFixture(t, core.PerMinute(10000))

	rr := f.do(auth.Identity{ID: "3", Tier: "platinum"})
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if rr.Header().Get("X-RateLimit-Limit") != "10" {
		t.Errorf("X-RateLimit-Limit = %s, want the free tier's 10", rr.Header().Get("X-RateLimit-Limit"))
	}
}

func TestMiddleware_NoIdentityPassesThrough(t *testing.T) {
	f := newFixture(t, core.PerMinute(10000))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rr.Code)
	}
	if rr.Header().Get("X-RateLimit-Limit") != "" {
		t.Error("unauthenticated requests should not carry rate limit headers")
	}
	if f.store.Count() != 0 {
		t.Errorf("store has %d buckets, want 0", f.store.Count())
	}
}

func TestMiddleware_FailsOpenWhenStoreIsDown(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { client.Close() })
	rs, err := store.NewRedisStore(client)
	if err != nil {
		t.Fatal(err)
	}
	mr.Close()

	m := metrics.NewMetrics()
	limiter := newLimiter(t, rs, core.PerMinute(10000), clock.NewManual(time.Unix(1700000000, 0)), m)

	var backend atomic.Int64
	handler := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		backend.Add(1)
	}))

	for i := 0; i < 15; i++ {
		req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
		req = req.WithContext(auth.WithIdentity(req.Context(), freeUser))
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d, want 200 (fail open)", i+1, rr.Code)
		}
		if rr.Header().Get("X-RateLimit-Remaining") != "10" {
			t.Errorf("request %d: X-RateLimit-Remaining = %s, want full capacity 10", i+1, rr.Header().Get("X-RateLimit-Remaining"))
		}
	}

	if backend.Load() != 15 {
		t.Errorf("backend invoked %d times, want 15", backend.Load())
	}
	// global and per-identity checks both degrade
	if got := m.GetSnapshot().DegradedChecks; got != 30 {
		t.Errorf("DegradedChecks = %d, want 30", got)
	}
}

func TestCheck_DegradedFlag(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { client.Close() })
	rs, err := store.NewRedisStore(client)
	if err != nil {
		t.Fatal(err)
	}

	limiter := newLimiter(t, rs, core.PerMinute(10000), clock.Real{}, metrics.NewMetrics())

	if d := limiter.Check(context.Background(), freeUser); d.Degraded || !d.Allowed || d.Remaining != 9 {
		t.Errorf("healthy decision = %+v", d)
	}

	mr.Close()

	if d := limiter.Check(context.Background(), freeUser); !d.Degraded || !d.Allowed || d.Remaining != 10 {
		t.Errorf("degraded decision = %+v", d)
	}
}

func TestMiddleware_ConcurrentRequestsAcrossGateways(t *testing.T) {
	const n = 25

	mr := miniredis.RunT(t)
	clk := clock.NewManual(time.Unix(1700000000, 0))

	// Several gateway processes, each with its own client, share one Redis.
	var handlers []http.Handler
	for i := 0; i < 3; i++ {
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { client.Close() })
		rs, err := store.NewRedisStore(client)
		if err != nil {
			t.Fatal(err)
		}

		tiers := map[string]core.Policy{policy.TierFree: {Capacity: n, RefillRate: 0}}
		table, err := policy.NewTable(tiers, policy.TierFree, core.PerMinute(10000))
		if err != nil {
			t.Fatal(err)
		}
		limiter, err := NewRateLimiter(Config{
			Policies:   table,
			Controller: degrade.New(rs, degrade.Config{Timeout: 5 * time.Second}),
			Clock:      clk,
		})
		if err != nil {
			t.Fatal(err)
		}
		handlers = append(handlers, limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})))
	}

	var admitted, denied atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 3*n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
			req = req.WithContext(auth.WithIdentity(req.Context(), freeUser))
			rr := httptest.NewRecorder()
			handlers[i%len(handlers)].ServeHTTP(rr, req)

			switch rr.Code {
			case http.StatusOK:
				admitted.Add(1)
			case http.StatusTooManyRequests:
				denied.Add(1)
			}
		}(i)
	}
	wg.Wait()

	if admitted.Load() != n || denied.Load() != 2*n {
		t.Errorf("admitted/denied = %d/%d, want %d/%d", admitted.Load(), denied.Load(), n, 2*n)
	}
}

func TestDecision_RetryAfterSecondsFloor(t *testing.T) {
	if got := (Decision{}).RetryAfterSeconds(); got != 1 {
		t.Errorf("RetryAfterSeconds() = %d, want minimum 1", got)
	}
	if got := (Decision{RetryAfter: 1500 * time.Millisecond}).RetryAfterSeconds(); got != 2 {
		t.Errorf("RetryAfterSeconds() = %d, want 2", got)
	}
}

func TestNewRateLimiter_RequiresCollaborators(t *testing.T) {
	if _, err := NewRateLimiter(Config{}); err == nil {
		t.Error("missing policy table should be rejected")
	}
}
