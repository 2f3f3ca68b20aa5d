package core

import (
	"testing"
	"time"
)

func TestTokenBucket_AllowsBurstRequests(t *testing.T) {
	p := Policy{Capacity: 10, RefillRate: 5}
	now := time.Now()

	var state *BucketState

	// Should allow up to capacity requests instantly
	for i := 0; i < 10; i++ {
		next, result := Check(state, p, now, 1)
		state = &next

		if !result.Allowed {
			t.Errorf("Request %d should be allowed (burst)", i+1)
		}
	}

	// 11th request should be blocked
	_, result := Check(state, p, now, 1)
	if result.Allowed {
		t.Error("Request 11 should be blocked (bucket empty)")
	}
}

func TestTokenBucket_RefillsOverTime(t *testing.T) {
	p := Policy{Capacity: 10, RefillRate: 5}
	now := time.Now()

	state := drain(t, p, now, 10)

	next, result := Check(state, p, now, 1)
	state = &next
	if result.Allowed {
		t.Error("Should be blocked immediately after draining")
	}

	// Wait 1 second (should refill 5 tokens)
	now = now.Add(1 * time.Second)

	for i := 0; i < 5; i++ {
		next, result := Check(state, p, now, 1)
		state = &next
		if !result.Allowed {
			t.Errorf("Request %d should be allowed after refill", i+1)
		}
	}

	_, result = Check(state, p, now, 1)
	if result.Allowed {
		t.Error("Request should be blocked after using refilled tokens")
	}
}

func TestTokenBucket_CapsAtCapacity(t *testing.T) {
	p := Policy{Capacity: 10, RefillRate: 5}
	now := time.Now()

	state := &BucketState{Tokens: 0, LastRefill: now}

	// Idle for a very long time; refill must still stop at capacity
	now = now.Add(1000 * time.Hour)
	next, result := Check(state, p, now, 0)

	if next.Tokens != 10 {
		t.Errorf("Tokens = %.2f, want 10", next.Tokens)
	}
	if result.Remaining != p.Capacity {
		t.Errorf("Remaining = %d, want %d", result.Remaining, p.Capacity)
	}
}

func TestTokenBucket_DenialDoesNotSpend(t *testing.T) {
	p := Policy{Capacity: 3, RefillRate: 1}
	now := time.Now()

	state := &BucketState{Tokens: 0.25, LastRefill: now}

	first, v1 := Check(state, p, now, 1)
	second, v2 := Check(&first, p, now, 1)

	if v1.Allowed || v2.Allowed {
		t.Fatal("both checks should be denied")
	}
	if first != second {
		t.Errorf("state changed across denials: %+v -> %+v", first, second)
	}
	if first.Tokens != 0.25 {
		t.Errorf("Tokens = %v, want 0.25", first.Tokens)
	}
}

func TestTokenBucket_DenialKeepsRefillProgress(t *testing.T) {
	p := Policy{Capacity: 5, RefillRate: 2}
	start := time.Now()
	state := &BucketState{Tokens: 0, LastRefill: start}

	later := start.Add(250 * time.Millisecond)
	next, v := Check(state, p, later, 1)
	if v.Allowed {
		t.Fatal("half a token should not admit")
	}
	if !next.LastRefill.Equal(later) {
		t.Errorf("LastRefill = %v, want %v", next.LastRefill, later)
	}
	if next.Tokens != 0.5 {
		t.Errorf("Tokens = %v, want 0.5", next.Tokens)
	}
}

func TestTokenBucket_RetryAfterAdmits(t *testing.T) {
	policies := []Policy{
		PerMinute(10),
		PerMinute(100),
		{Capacity: 5, RefillRate: 2},
		{Capacity: 7, RefillRate: 0.3},
	}

	for _, p := range policies {
		now := time.Unix(1700000000, 0)
		state := &BucketState{Tokens: 0, LastRefill: now}

		next, v := Check(state, p, now, 1)
		if v.Allowed {
			t.Fatalf("%+v: empty bucket should deny", p)
		}
		if v.RetryAfter <= 0 {
			t.Fatalf("%+v: RetryAfter = %v, want positive", p, v.RetryAfter)
		}

		_, v = Check(&next, p, now.Add(v.RetryAfter), 1)
		if !v.Allowed {
			t.Errorf("%+v: retry after %v should be admitted", p, v.RetryAfter)
		}
	}
}

func TestTokenBucket_RetryAfterIsNotExcessive(t *testing.T) {
	p := Policy{Capacity: 5, RefillRate: 2} // 1 token every 500ms
	now := time.Now()

	state := drain(t, p, now, 5)
	_, v := Check(state, p, now, 1)

	if v.RetryAfter != time.Second {
		t.Errorf("RetryAfter = %v, want 1s (0.5s rounded up)", v.RetryAfter)
	}
}

func TestTokenBucket_FreeTierScenario(t *testing.T) {
	p := PerMinute(10)
	t0 := time.Unix(1700000000, 0)

	var state *BucketState
	for i := 0; i < 10; i++ {
		next, v := Check(state, p, t0, 1)
		state = &next
		if !v.Allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
		if want := int64(9 - i); v.Remaining != want {
			t.Errorf("request %d: Remaining = %d, want %d", i+1, v.Remaining, want)
		}
	}

	next, v := Check(state, p, t0, 1)
	state = &next
	if v.Allowed {
		t.Fatal("11th request should be denied")
	}
	if v.RetryAfter != 6*time.Second {
		t.Errorf("RetryAfter = %v, want 6s", v.RetryAfter)
	}

	_, v = Check(state, p, t0.Add(6*time.Second), 1)
	if !v.Allowed {
		t.Error("retry at t=6 should be admitted")
	}
}

func TestTokenBucket_StaticQuota(t *testing.T) {
	p := Policy{Capacity: 2, RefillRate: 0}
	now := time.Now()

	state := drain(t, p, now, 2)

	_, v := Check(state, p, now.Add(24*time.Hour), 1)
	if v.Allowed {
		t.Error("bucket without refill should stay empty")
	}
	if v.RetryAfter != 0 {
		t.Errorf("RetryAfter = %v, want 0 (never refills)", v.RetryAfter)
	}
}

func TestTokenBucket_ZeroCapacityAlwaysDenies(t *testing.T) {
	p := Policy{Capacity: 0, RefillRate: 10}
	now := time.Now()

	var state *BucketState
	for i := 0; i < 3; i++ {
		next, v := Check(state, p, now, 1)
		state = &next
		if v.Allowed {
			t.Fatalf("check %d admitted with zero capacity", i+1)
		}
		now = now.Add(time.Minute)
	}
}

func TestTokenBucket_ClockSkewAddsNothing(t *testing.T) {
	p := Policy{Capacity: 10, RefillRate: 5}
	now := time.Now()
	state := &BucketState{Tokens: 1, LastRefill: now}

	next, v := Check(state, p, now.Add(-time.Minute), 1)
	if !v.Allowed {
		t.Fatal("one token should admit")
	}
	if next.Tokens != 0 {
		t.Errorf("Tokens = %v, want 0 (backwards clock must not refill)", next.Tokens)
	}
}

func TestPolicy_Validate(t *testing.T) {
	tests := []struct {
		name    string
		policy  Policy
		wantErr error
	}{
		{"per minute", PerMinute(10), nil},
		{"static quota", Policy{Capacity: 5}, nil},
		{"always deny", Policy{Capacity: 0, RefillRate: 1}, nil},
		{"negative capacity", Policy{Capacity: -1, RefillRate: 1}, ErrNegativeCapacity},
		{"negative rate", Policy{Capacity: 1, RefillRate: -1}, ErrNegativeRefillRate},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.policy.Validate(); err != tt.wantErr {
				t.Errorf("Validate() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestBucketKey_String(t *testing.T) {
	if got := IdentityKey("42").String("ratelimit"); got != "ratelimit:user:42" {
		t.Errorf("identity key = %q", got)
	}
	if got := GlobalKey().String("ratelimit"); got != "ratelimit:global" {
		t.Errorf("global key = %q", got)
	}
}

func drain(t *testing.T, p Policy, now time.Time, n int) *BucketState {
	t.Helper()

	var state *BucketState
	for i := 0; i < n; i++ {
		next, v := Check(state, p, now, 1)
		state = &next
		if !v.Allowed {
			t.Fatalf("drain: request %d denied", i+1)
		}
	}
	return state
}
