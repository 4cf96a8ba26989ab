package tokens

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	defaultLockTTL          = 30 * time.Second
	defaultLockPollInterval = 50 * time.Millisecond
	defaultLockPrefix       = "tokens:refresh-lock:"
)

// LockHandle releases a lock obtained from a Locker.
type LockHandle interface {
	Unlock(ctx context.Context) error
}

// Locker provides mutual exclusion per owner key. Acquire blocks until the
// lock is held or ctx is done.
type Locker interface {
	Acquire(ctx context.Context, key string) (LockHandle, error)
}

// MemoryLocker serializes owners within one process.
type MemoryLocker struct {
	mu    sync.Mutex
	locks map[string]*memoryLock
}

type memoryLock struct {
	sem  chan struct{}
	refs int
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{locks: make(map[string]*memoryLock)}
}

func (l *MemoryLocker) Acquire(ctx context.Context, key string) (LockHandle, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, errors.New("tokens: lock key is required")
	}

	l.mu.Lock()
	lock, ok := l.locks[key]
	if !ok {
		lock = &memoryLock{sem: make(chan struct{}, 1)}
		l.locks[key] = lock
	}
	lock.refs++
	l.mu.Unlock()

	select {
	case lock.sem <- struct{}{}:
		return &memoryLockHandle{locker: l, key: key, lock: lock}, nil
	case <-ctx.Done():
		l.release(key, lock)
		return nil, ctx.Err()
	}
}

func (l *MemoryLocker) release(key string, lock *memoryLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lock.refs--
	if lock.refs == 0 {
		delete(l.locks, key)
	}
}

type memoryLockHandle struct {
	locker *MemoryLocker
	key    string
	lock   *memoryLock
	once   sync.Once
}

func (h *memoryLockHandle) Unlock(_ context.Context) error {
	h.once.Do(func() {
		<-h.lock.sem
		h.locker.release(h.key, h.lock)
	})
	return nil
}

// releaseScript deletes the key only if it still carries our token, so an
// expired lock taken over by another instance is never released by us.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisLocker serializes owners across instances sharing one Redis.
type RedisLocker struct {
	client       redis.Cmdable
	ttl          time.Duration
	pollInterval time.Duration
	prefix       string
}

// RedisLockerOption configures a RedisLocker.
type RedisLockerOption func(*RedisLocker)

// WithLockTTL bounds how long a crashed holder can block others.
func WithLockTTL(ttl time.Duration) RedisLockerOption {
	return func(l *RedisLocker) {
		if ttl > 0 {
			l.ttl = ttl
		}
	}
}

// WithLockPollInterval sets the wait between acquisition attempts.
func WithLockPollInterval(d time.Duration) RedisLockerOption {
	return func(l *RedisLocker) {
		if d > 0 {
			l.pollInterval = d
		}
	}
}

// WithLockPrefix namespaces lock keys.
func WithLockPrefix(prefix string) RedisLockerOption {
	return func(l *RedisLocker) {
		l.prefix = prefix
	}
}

func NewRedisLocker(client redis.Cmdable, opts ...RedisLockerOption) *RedisLocker {
	l := &RedisLocker{
		client:       client,
		ttl:          defaultLockTTL,
		pollInterval: defaultLockPollInterval,
		prefix:       defaultLockPrefix,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *RedisLocker) Acquire(ctx context.Context, key string) (LockHandle, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, errors.New("tokens: lock key is required")
	}
	redisKey := l.prefix + key
	token := uuid.NewString()

	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()
	for {
		ok, err := l.client.SetNX(ctx, redisKey, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("tokens: acquire lock %q: %w", key, err)
		}
		if ok {
			return &redisLockHandle{client: l.client, key: redisKey, token: token}, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

type redisLockHandle struct {
	client redis.Cmdable
	key    string
	token  string
}

func (h *redisLockHandle) Unlock(ctx context.Context) error {
	if err := releaseScript.Run(ctx, h.client, []string{h.key}, h.token).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("tokens: release lock: %w", err)
	}
	return nil
}
