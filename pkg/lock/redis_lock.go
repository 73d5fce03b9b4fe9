package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"coupon/pkg/log"
)

var (
	// ErrLockTimeout the lock was not obtained within the wait time
	ErrLockTimeout = errors.New("lock: wait time exceeded")
	// ErrLockNotHeld the lock expired or belongs to someone else
	ErrLockNotHeld = errors.New("lock: not held")
)

var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

var extendScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("pexpire", KEYS[1], ARGV[2])
	else
		return 0
	end
`)

// Locker hands out named exclusive locks.
type Locker interface {
	Acquire(ctx context.Context, key string, wait, lease time.Duration) (*Lock, error)
}

// Manager is a Redis-backed Locker. Each acquisition writes a random token with
// SET NX PX so only the holder can release or extend it.
type Manager struct {
	client        redis.UniversalClient
	retryInterval time.Duration
}

// Option configures a Manager
type Option func(*Manager)

// WithRetryInterval sets how often Acquire polls while waiting
func WithRetryInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.retryInterval = d
		}
	}
}

// NewManager creates a lock manager
func NewManager(client redis.UniversalClient, opts ...Option) *Manager {
	m := &Manager{
		client:        client,
		retryInterval: 20 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// TryAcquire makes a single attempt. ok is false when someone else holds key.
func (m *Manager) TryAcquire(ctx context.Context, key string, lease time.Duration) (*Lock, bool, error) {
	token := uuid.NewString()
	ok, err := m.client.SetNX(ctx, key, token, lease).Result()
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	return &Lock{client: m.client, key: key, token: token}, true, nil
}

// Acquire blocks for up to wait trying to obtain key. The lock expires on its
// own after lease even if Release is never called.
func (m *Manager) Acquire(ctx context.Context, key string, wait, lease time.Duration) (*Lock, error) {
	deadline := time.Now().Add(wait)
	for {
		l, ok, err := m.TryAcquire(ctx, key, lease)
		if err != nil {
			return nil, err
		}
		if ok {
			return l, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, ErrLockTimeout
		}
		delay := m.retryInterval
		if remaining < delay {
			delay = remaining
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// IsLocked reports whether anyone currently holds key
func (m *Manager) IsLocked(ctx context.Context, key string) (bool, error) {
	n, err := m.client.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Lock is a held lock
type Lock struct {
	client redis.UniversalClient
	key    string
	token  string

	once sync.Once
	err  error
}

// Key returns the locked key
func (l *Lock) Key() string {
	return l.key
}

// Release frees the lock. It is safe to call more than once and does nothing
// when the lease already expired or another holder took over.
func (l *Lock) Release(ctx context.Context) error {
	l.once.Do(func() {
		_, l.err = releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Int()
	})
	return l.err
}

// Extend pushes the lease out to ttl from now
func (l *Lock) Extend(ctx context.Context, ttl time.Duration) error {
	n, err := extendScript.Run(ctx, l.client, []string{l.key}, l.token, ttl.Milliseconds()).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLockNotHeld
	}
	return nil
}

// IsHeld checks whether this lock still owns its key
func (l *Lock) IsHeld(ctx context.Context) (bool, error) {
	value, err := l.client.Get(ctx, l.key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, err
	}
	return value == l.token, nil
}

// WithLock runs fn while holding key. The lock is released when fn returns,
// including when ctx was cancelled in the meantime.
func WithLock(ctx context.Context, locker Locker, key string, wait, lease time.Duration, fn func(ctx context.Context) error) error {
	l, err := locker.Acquire(ctx, key, wait, lease)
	if err != nil {
		return err
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
		defer cancel()
		if err := l.Release(releaseCtx); err != nil {
			log.WithFields(map[string]interface{}{
				"key":   key,
				"error": err.Error(),
			}).Warn("Failed to release lock, lease expiry will free it")
		}
	}()

	return fn(ctx)
}
