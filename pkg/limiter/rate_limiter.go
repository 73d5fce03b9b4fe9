package limiter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"coupon/pkg/clock"
)

// RateLimiter decides whether one more request for key may pass
type RateLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// KEYS[1] window key
// ARGV[1] now ms, ARGV[2] window start ms, ARGV[3] limit, ARGV[4] ttl ms, ARGV[5] member
var slidingWindowScript = redis.NewScript(`
	redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[2])
	if redis.call('ZCARD', KEYS[1]) < tonumber(ARGV[3]) then
		redis.call('ZADD', KEYS[1], ARGV[1], ARGV[5])
		redis.call('PEXPIRE', KEYS[1], ARGV[4])
		return 1
	end
	return 0
`)

// SlidingWindowLimiter allows limit requests per key in any window-long span.
// State lives in Redis so every API instance shares it.
type SlidingWindowLimiter struct {
	client redis.UniversalClient
	prefix string
	limit  int
	window time.Duration
	clock  clock.Clock
}

// NewSlidingWindowLimiter creates a limiter storing windows under "<prefix>:<key>"
func NewSlidingWindowLimiter(client redis.UniversalClient, prefix string, limit int, window time.Duration, c clock.Clock) *SlidingWindowLimiter {
	if c == nil {
		c = clock.NewSystem()
	}
	return &SlidingWindowLimiter{
		client: client,
		prefix: prefix,
		limit:  limit,
		window: window,
		clock:  c,
	}
}

// Allow records the request and reports whether it fits in the window
func (l *SlidingWindowLimiter) Allow(ctx context.Context, key string) (bool, error) {
	now := l.clock.Now().UnixMilli()
	member := fmt.Sprintf("%d-%s", now, uuid.NewString())

	res, err := slidingWindowScript.Run(ctx, l.client,
		[]string{fmt.Sprintf("%s:%s", l.prefix, key)},
		now,
		now-l.window.Milliseconds(),
		l.limit,
		l.window.Milliseconds(),
		member,
	).Int()
	if err != nil {
		return false, fmt.Errorf("sliding window %s: %w", key, err)
	}
	return res == 1, nil
}

// KeyedTokenBucket keeps one in-process token bucket per key
type KeyedTokenBucket struct {
	rps   rate.Limit
	burst int

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

// NewKeyedTokenBucket creates buckets refilling at rps with the given burst
func NewKeyedTokenBucket(rps float64, burst int) *KeyedTokenBucket {
	return &KeyedTokenBucket{
		rps:     rate.Limit(rps),
		burst:   burst,
		buckets: make(map[string]*rate.Limiter),
	}
}

// Allow takes a token from key's bucket
func (k *KeyedTokenBucket) Allow(_ context.Context, key string) (bool, error) {
	return k.bucket(key).Allow(), nil
}

// Len returns the number of tracked keys
func (k *KeyedTokenBucket) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.buckets)
}

func (k *KeyedTokenBucket) bucket(key string) *rate.Limiter {
	k.mu.Lock()
	defer k.mu.Unlock()

	b, ok := k.buckets[key]
	if !ok {
		b = rate.NewLimiter(k.rps, k.burst)
		k.buckets[key] = b
	}
	return b
}
