package store

import (
	"context"
	"sync"
	"time"

	"github.com/yourusername/chatgate/core"
)

// MemoryStore provides thread-safe in-memory storage for bucket states.
// It is the single-process backend and the reference for tests.
type MemoryStore struct {
	mu      sync.Mutex
	buckets map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	state     core.BucketState
	expiresAt time.Time // zero means no expiry
}

// Ensure MemoryStore implements Store interface
var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory store. now drives expiry and
// defaults to time.Now.
func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		buckets: make(map[string]memoryEntry),
		now:     now,
	}
}

// Take implements Store.
func (s *MemoryStore) Take(ctx context.Context, key string, p core.Policy, now time.Time, cost float64, ttl time.Duration) (core.Verdict, error) {
	var verdict core.Verdict
	err := s.Update(ctx, key, ttl, func(state *core.BucketState) core.BucketState {
		next, v := core.Check(state, p, now, cost)
		verdict = v
		return next
	})
	return verdict, err
}

// Update applies fn to the state at key and stores the result with expiry ttl.
// The whole read-modify-write runs under one lock.
func (s *MemoryStore) Update(ctx context.Context, key string, ttl time.Duration, fn UpdateFunc) error {
	if err := ctx.Err(); err != nil {
		return wrapUnavailable(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var current *core.BucketState
	if entry, ok := s.buckets[key]; ok && !s.expired(entry) {
		state := entry.state
		current = &state
	}

	entry := memoryEntry{state: fn(current)}
	if ttl > 0 {
		entry.expiresAt = s.now().Add(ttl)
	}
	s.buckets[key] = entry
	return nil
}

// Get returns the live state at key, or nil.
func (s *MemoryStore) Get(key string) *core.BucketState {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.buckets[key]
	if !ok || s.expired(entry) {
		return nil
	}
	state := entry.state
	return &state
}

// Count returns the number of stored buckets, expired ones included until cleanup.
func (s *MemoryStore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buckets)
}

// Cleanup removes expired buckets and returns how many were dropped.
func (s *MemoryStore) Cleanup() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, entry := range s.buckets {
		if s.expired(entry) {
			delete(s.buckets, key)
			removed++
		}
	}
	return removed
}

// StartBackgroundCleanup starts a goroutine that periodically removes expired buckets.
// Call the returned function to stop it.
func (s *MemoryStore) StartBackgroundCleanup(interval time.Duration) func() {
	if interval <= 0 {
		return func() {}
	}

	ticker := time.NewTicker(interval)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-ticker.C:
				s.Cleanup()
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() { close(done) })
	}
}

// expired must be called with s.mu held.
func (s *MemoryStore) expired(entry memoryEntry) bool {
	return !entry.expiresAt.IsZero() && !s.now().Before(entry.expiresAt)
}
