package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/yourusername/chatgate/core"
)

//go:embed token_bucket.lua
var tokenBucketLua string

var tokenBucketScript = redis.NewScript(tokenBucketLua)

const (
	fieldTokens     = "tokens"
	fieldLastRefill = "last_refill"
)

// Atomicity modes for RedisStore.Take.
const (
	// ModeScript runs the whole check server-side in one Lua round trip.
	ModeScript = "script"
	// ModeWatch reads the bucket, runs the engine locally and commits with
	// WATCH/MULTI, retrying when another gateway wins the race.
	ModeWatch = "watch"
)

const defaultWatchRetries = 16

// RedisStore provides Redis-backed storage for bucket states, shared by
// every gateway process pointed at the same Redis.
type RedisStore struct {
	client       redis.UniversalClient
	mode         string
	watchRetries int
}

// Ensure RedisStore implements Store interface
var _ Store = (*RedisStore)(nil)

// RedisConfig for creating a Redis client
type RedisConfig struct {
	Addr     string        // Redis address (e.g., "localhost:6379")
	Password string        // Redis password (empty for no auth)
	DB       int           // Redis database number
	Timeout  time.Duration // Dial/read/write timeout (default: 100ms)
	PoolSize int           // Connection pool size (0 = go-redis default)
}

// NewRedisClient builds a go-redis client from cfg.
func NewRedisClient(cfg RedisConfig) *redis.Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 100 * time.Millisecond
	}
	return redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  timeout,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
		PoolSize:     cfg.PoolSize,

		// Per-call deadlines from the caller's context must win over the
		// socket timeouts above.
		ContextTimeoutEnabled: true,
	})
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore) error

// WithMode selects ModeScript (default) or ModeWatch.
func WithMode(mode string) RedisOption {
	return func(s *RedisStore) error {
		switch mode {
		case "", ModeScript:
			s.mode = ModeScript
		case ModeWatch:
			s.mode = ModeWatch
		default:
			return fmt.Errorf("unknown redis store mode %q", mode)
		}
		return nil
	}
}

// WithWatchRetries bounds optimistic transaction retries in ModeWatch.
func WithWatchRetries(n int) RedisOption {
	return func(s *RedisStore) error {
		if n <= 0 {
			return fmt.Errorf("watch retries must be positive, got %d", n)
		}
		s.watchRetries = n
		return nil
	}
}

// NewRedisStore creates a store on top of a pre-configured client
// (redis.Client, ClusterClient or a failover client).
func NewRedisStore(client redis.UniversalClient, opts ...RedisOption) (*RedisStore, error) {
	s := &RedisStore{
		client:       client,
		mode:         ModeScript,
		watchRetries: defaultWatchRetries,
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Mode returns the atomicity mode in use.
func (s *RedisStore) Mode() string {
	return s.mode
}

// Take implements Store.
func (s *RedisStore) Take(ctx context.Context, key string, p core.Policy, now time.Time, cost float64, ttl time.Duration) (core.Verdict, error) {
	if s.mode == ModeWatch {
		var verdict core.Verdict
		err := s.Update(ctx, key, ttl, func(state *core.BucketState) core.BucketState {
			next, v := core.Check(state, p, now, cost)
			verdict = v
			return next
		})
		return verdict, err
	}
	return s.takeScript(ctx, key, p, now, cost, ttl)
}

func (s *RedisStore) takeScript(ctx context.Context, key string, p core.Policy, now time.Time, cost float64, ttl time.Duration) (core.Verdict, error) {
	result, err := tokenBucketScript.Run(ctx, s.client, []string{key},
		p.Capacity,         // ARGV[1]
		p.RefillRate,       // ARGV[2]
		now.UnixMicro(),    // ARGV[3]
		cost,               // ARGV[4]
		ttl.Milliseconds(), // ARGV[5]
		core.Epsilon,       // ARGV[6]
	).Slice()
	if err != nil {
		log.Debug().Err(err).Str("key", key).Msg("redis token bucket script failed")
		return core.Verdict{}, wrapUnavailable(err)
	}

	if len(result) != 2 {
		return core.Verdict{}, fmt.Errorf("%w: %s: unexpected script reply %v", ErrUnavailable, key, result)
	}
	allowed, ok := result[0].(int64)
	if !ok {
		return core.Verdict{}, fmt.Errorf("%w: %s: unexpected allowed flag %T", ErrUnavailable, key, result[0])
	}
	encoded, ok := result[1].(string)
	if !ok {
		return core.Verdict{}, fmt.Errorf("%w: %s: unexpected token count %T", ErrUnavailable, key, result[1])
	}
	tokens, err := strconv.ParseFloat(encoded, 64)
	if err != nil {
		return core.Verdict{}, fmt.Errorf("%w: %s: bad token count: %v", ErrUnavailable, key, err)
	}

	return core.NewVerdict(p, allowed == 1, tokens, cost), nil
}

// Update applies fn to the bucket at key inside a WATCH/MULTI transaction
// and resets its expiry to ttl. fn may run more than once when concurrent
// writers force a retry; only the committed run takes effect. When every
// retry loses the race the result is ErrContended and nothing is written.
func (s *RedisStore) Update(ctx context.Context, key string, ttl time.Duration, fn UpdateFunc) error {
	txf := func(tx *redis.Tx) error {
		values, err := tx.HMGet(ctx, key, fieldTokens, fieldLastRefill).Result()
		if err != nil {
			return err
		}
		current, err := decodeState(values)
		if err != nil {
			return err
		}

		next := fn(current)

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key,
				fieldTokens, strconv.FormatFloat(next.Tokens, 'g', 17, 64),
				fieldLastRefill, next.LastRefill.UnixMicro(),
			)
			if ttl > 0 {
				pipe.PExpire(ctx, key, ttl)
			}
			return nil
		})
		return err
	}

	for attempt := 0; attempt < s.watchRetries; attempt++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			log.Debug().Str("key", key).Int("attempt", attempt+1).Msg("bucket changed during transaction, retrying")
			continue
		}
		return wrapUnavailable(err)
	}
	return fmt.Errorf("%w: %s: gave up after %d transactions", ErrContended, key, s.watchRetries)
}

// Get retrieves the bucket state for a given key, nil when absent.
func (s *RedisStore) Get(ctx context.Context, key string) (*core.BucketState, error) {
	values, err := s.client.HMGet(ctx, key, fieldTokens, fieldLastRefill).Result()
	if err != nil {
		return nil, wrapUnavailable(err)
	}
	state, err := decodeState(values)
	if err != nil {
		return nil, wrapUnavailable(err)
	}
	return state, nil
}

// Ping checks if Redis connection is alive
func (s *RedisStore) Ping(ctx context.Context) error {
	return wrapUnavailable(s.client.Ping(ctx).Err())
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func decodeState(values []interface{}) (*core.BucketState, error) {
	if len(values) != 2 || values[0] == nil || values[1] == nil {
		return nil, nil
	}

	rawTokens, ok := values[0].(string)
	if !ok {
		return nil, fmt.Errorf("%w: tokens field has type %T", ErrUnavailable, values[0])
	}
	rawLast, ok := values[1].(string)
	if !ok {
		return nil, fmt.Errorf("%w: last_refill field has type %T", ErrUnavailable, values[1])
	}

	tokens, err := strconv.ParseFloat(rawTokens, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: tokens field: %v", ErrUnavailable, err)
	}
	micros, err := strconv.ParseInt(rawLast, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: last_refill field: %v", ErrUnavailable, err)
	}

	return &core.BucketState{Tokens: tokens, LastRefill: time.UnixMicro(micros)}, nil
}
