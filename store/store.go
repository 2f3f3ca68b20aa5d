package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/yourusername/chatgate/core"
)

// ErrUnavailable wraps every failure to reach or decode the bucket store:
// connectivity, timeouts, cancelled contexts and malformed state.
// No partial result accompanies it.
var ErrUnavailable = errors.New("bucket store unavailable")

// ErrContended is returned when optimistic transactions on a bucket keep
// losing to concurrent writers. The store was reachable and nothing was
// committed, so callers must not treat it as an outage.
var ErrContended = errors.New("bucket store contended")

// Store defines the interface for shared bucket state storage.
type Store interface {
	// Take atomically applies one admission check of the given cost to the
	// bucket at key and resets the key's expiry to ttl. Concurrent callers on
	// the same key observe a serial order of checks.
	Take(ctx context.Context, key string, p core.Policy, now time.Time, cost float64, ttl time.Duration) (core.Verdict, error)
}

// UpdateFunc computes the next bucket state from the current one.
// state is nil when the key is absent or expired.
type UpdateFunc func(state *core.BucketState) core.BucketState

func wrapUnavailable(err error) error {
	if err == nil || errors.Is(err, ErrUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrUnavailable, err)
}
