package redis

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	// ErrLockNotAcquired is returned when another holder owns the lock
	ErrLockNotAcquired = errors.New("lock not acquired")
	// ErrLockNotHeld is returned when the lock expired or changed hands
	ErrLockNotHeld = errors.New("lock not held")
)

const defaultKeyPrefix = "thistle:lock:"

// both scripts act only while the caller's token is still the value
var (
	releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	end
	return 0
`)
	extendScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("pexpire", KEYS[1], ARGV[2])
	end
	return 0
`)
)

// Lock is a held SET NX lock identified by a random token.
type Lock struct {
	client *Client
	key    string
	token  string
}

type Locker struct {
	client    *Client
	keyPrefix string
}

func NewLocker(client *Client, keyPrefix string) *Locker {
	if keyPrefix == "" {
		keyPrefix = defaultKeyPrefix
	}
	return &Locker{client: client, keyPrefix: keyPrefix}
}

// Acquire takes the lock once, without waiting.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lock, error) {
	lock := &Lock{client: l.client, key: l.keyPrefix + key, token: uuid.New().String()}

	ok, err := l.client.rdb.SetNX(ctx, lock.key, lock.token, ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrLockNotAcquired
	}

	l.client.logger.WithContext(ctx).WithField("lock", lock.key).Debug("Acquired lock")
	return lock, nil
}

func (lock *Lock) run(ctx context.Context, script *redis.Script, args ...any) error {
	n, err := script.Run(ctx, lock.client.rdb, []string{lock.key}, append([]any{lock.token}, args...)...).Int64()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLockNotHeld
	}
	return nil
}

// Extend resets the expiry to ttl while the lock is still ours.
func (lock *Lock) Extend(ctx context.Context, ttl time.Duration) error {
	return lock.run(ctx, extendScript, ttl.Milliseconds())
}

func (lock *Lock) Release(ctx context.Context) error {
	if err := lock.run(ctx, releaseScript); err != nil {
		return err
	}
	lock.client.logger.WithContext(ctx).WithField("lock", lock.key).Debug("Released lock")
	return nil
}

// WithLock runs fn while holding the lock, extending it every ttl/3 so a long
// scan keeps it. It returns ErrLockNotAcquired without running fn when the
// lock is taken.
func (l *Locker) WithLock(ctx context.Context, key string, ttl time.Duration, fn func() error) error {
	lock, err := l.Acquire(ctx, key, ttl)
	if err != nil {
		return err
	}

	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		if ttl < 3*time.Millisecond {
			<-done
			return
		}
		ticker := time.NewTicker(ttl / 3)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := lock.Extend(context.WithoutCancel(ctx), ttl); err != nil {
					l.client.logger.WithContext(ctx).WithError(err).WithField("lock", lock.key).Warn("Failed to extend lock")
					return
				}
			}
		}
	}()

	defer func() {
		close(done)
		<-stopped
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
			l.client.logger.WithContext(ctx).WithError(err).WithField("lock", lock.key).Warn("Failed to release lock")
		}
	}()

	return fn()
}
