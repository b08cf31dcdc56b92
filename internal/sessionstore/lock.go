package sessionstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const lockPrefix = "session-lock:"

// ErrLockNotHeld is returned on release when the lock expired or was taken
// over by another holder.
var ErrLockNotHeld = errors.New("sessionstore: lock was not held or token mismatch")

// ReleaseFunc gives a lock back. It must be called exactly once.
type ReleaseFunc func(ctx context.Context) error

// MemoryLocker is an in-process keyed mutex.
type MemoryLocker struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{slots: make(map[string]*slot)}
}

// Acquire blocks until key is free or ctx is done.
func (l *MemoryLocker) Acquire(ctx context.Context, key string) (ReleaseFunc, error) {
	l.mu.Lock()
	s, ok := l.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[key] = s
	}
	s.refs++
	l.mu.Unlock()

	select {
	case s.ch <- struct{}{}:
	case <-ctx.Done():
		l.drop(key, s)
		return nil, fmt.Errorf("sessionstore: acquire lock: %w", ctx.Err())
	}

	var once sync.Once
	return func(context.Context) error {
		once.Do(func() {
			<-s.ch
			l.drop(key, s)
		})
		return nil
	}, nil
}

func (l *MemoryLocker) drop(key string, s *slot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(l.slots, key)
	}
}

// releaseScript deletes the lock key only if it still holds our token.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

// extendScript pushes the lock expiry out only while we still own it.
const extendScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`

// RedisLockOptions configures RedisLocker.
type RedisLockOptions struct {
	// TTL bounds how long a crashed holder can block the session.
	TTL time.Duration
	// RetryInterval is the delay between acquisition attempts.
	RetryInterval time.Duration
	// RenewInterval is how often a held lock has its TTL pushed back out.
	// Defaults to a third of TTL.
	RenewInterval time.Duration
}

func DefaultRedisLockOptions() RedisLockOptions {
	return RedisLockOptions{
		TTL:           30 * time.Second,
		RetryInterval: 50 * time.Millisecond,
		RenewInterval: 10 * time.Second,
	}
}

// RedisLocker serializes turns across instances with SET NX and a
// token-checked release. A held lock is renewed in the background until it is
// released, so a turn may outlive TTL.
type RedisLocker struct {
	client *redis.Client
	opts   RedisLockOptions
	logger *zap.Logger
}

func NewRedisLocker(client *redis.Client, opts RedisLockOptions, logger *zap.Logger) (*RedisLocker, error) {
	if client == nil {
		return nil, errors.New("sessionstore: redis client must not be nil")
	}
	def := DefaultRedisLockOptions()
	if opts.TTL <= 0 {
		opts.TTL = def.TTL
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = def.RetryInterval
	}
	if opts.RenewInterval <= 0 || opts.RenewInterval >= opts.TTL {
		opts.RenewInterval = opts.TTL / 3
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisLocker{client: client, opts: opts, logger: logger}, nil
}

// Acquire retries until the lock is taken or ctx is done.
func (l *RedisLocker) Acquire(ctx context.Context, key string) (ReleaseFunc, error) {
	redisKey := lockPrefix + key
	token := uuid.NewString()

	ticker := time.NewTicker(l.opts.RetryInterval)
	defer ticker.Stop()

	for {
		ok, err := l.client.SetNX(ctx, redisKey, token, l.opts.TTL).Result()
		if err != nil {
			return nil, fmt.Errorf("sessionstore: acquire lock: %w", err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("sessionstore: acquire lock: %w", ctx.Err())
		case <-ticker.C:
		}
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go l.renew(redisKey, token, stop, done)

	var once sync.Once
	return func(ctx context.Context) error {
		once.Do(func() {
			close(stop)
			<-done
		})
		n, err := l.client.Eval(ctx, releaseScript, []string{redisKey}, token).Int64()
		if err != nil {
			return fmt.Errorf("sessionstore: release lock: %w", err)
		}
		if n == 0 {
			return ErrLockNotHeld
		}
		return nil
	}, nil
}

// renew extends the lock every RenewInterval until stop is closed or the lock
// is found to belong to someone else.
func (l *RedisLocker) renew(redisKey, token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(l.opts.RenewInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), l.opts.RenewInterval)
		n, err := l.client.Eval(ctx, extendScript, []string{redisKey}, token, l.opts.TTL.Milliseconds()).Int64()
		cancel()
		if err != nil {
			l.logger.Warn("session lock renewal failed", zap.String("key", redisKey), zap.Error(err))
			continue
		}
		if n == 0 {
			l.logger.Warn("session lock lost before release", zap.String("key", redisKey))
			return
		}
	}
}
