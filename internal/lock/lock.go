// Package lock provides the per-tenant advisory lock taken by mutating reconciliation work.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"example.com/reconciliation/internal/domain"
)

// Key builds the lock key for a tenant. Imports, sync runs, auto-fixing checks and resolve
// batches all write entries, presence or issues, so they share this one key.
func Key(tenantID string) string {
	return fmt.Sprintf("lock:mutate:%s", tenantID)
}

// Lease is a held lock.
type Lease interface {
	Release(ctx context.Context) error
	// Lost is closed when the lease expired while still held. Work must stop mutating then.
	Lost() <-chan struct{}
}

// Locker acquires tenant-scoped leases. Acquire returns domain.ErrLockNotObtained when the
// lock stays held elsewhere for the whole wait budget.
type Locker interface {
	Acquire(ctx context.Context, tenantID string) (Lease, error)
}

// IsLost reports whether lease has been lost without blocking.
func IsLost(lease Lease) bool {
	select {
	case <-lease.Lost():
		return true
	default:
		return false
	}
}

const retryInterval = 250 * time.Millisecond

// RedisLocker implements Locker on top of bsm/redislock.
type RedisLocker struct {
	client *redislock.Client
	ttl    time.Duration
	wait   time.Duration
	logger logrus.FieldLogger
}

// NewRedisLocker constructs a RedisLocker. ttl is the lease length, refreshed at ttl/2 while held.
func NewRedisLocker(rdb redis.UniversalClient, ttl, wait time.Duration, logger logrus.FieldLogger) *RedisLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &RedisLocker{client: redislock.New(rdb), ttl: ttl, wait: wait, logger: logger}
}

// Acquire obtains the lock, retrying linearly until the wait budget is spent.
func (l *RedisLocker) Acquire(ctx context.Context, tenantID string) (Lease, error) {
	key := Key(tenantID)
	retries := int(l.wait / retryInterval)
	opts := &redislock.Options{RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(retryInterval), retries)}

	lk, err := l.client.Obtain(ctx, key, l.ttl, opts)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, fmt.Errorf("%w: %s", domain.ErrLockNotObtained, key)
	}
	if err != nil {
		return nil, fmt.Errorf("obtain %s: %w", key, err)
	}

	lease := &redisLease{lock: lk, key: key, ttl: l.ttl, logger: l.logger, done: make(chan struct{}), lost: make(chan struct{})}
	lease.wg.Add(1)
	go lease.keepAlive()
	return lease, nil
}

type redisLease struct {
	lock   *redislock.Lock
	key    string
	ttl    time.Duration
	logger logrus.FieldLogger

	once sync.Once
	done chan struct{}
	lost chan struct{}
	wg   sync.WaitGroup
}

func (l *redisLease) Lost() <-chan struct{} { return l.lost }

func (l *redisLease) keepAlive() {
	defer l.wg.Done()
	ticker := time.NewTicker(l.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.ttl/2)
			err := l.lock.Refresh(ctx, l.ttl, nil)
			cancel()
			if err != nil {
				l.logger.WithError(err).WithField("lock_key", l.key).Warn("lock refresh failed")
				if errors.Is(err, redislock.ErrNotObtained) {
					close(l.lost)
					return
				}
			}
		}
	}
}

func (l *redisLease) Release(ctx context.Context) error {
	var err error
	l.once.Do(func() {
		close(l.done)
		l.wg.Wait()
		err = l.lock.Release(ctx)
		if errors.Is(err, redislock.ErrLockNotHeld) {
			err = nil
		}
	})
	return err
}

// LocalLocker is an in-process Locker for single-instance deployments and tests.
type LocalLocker struct {
	wait time.Duration

	mu   sync.Mutex
	held map[string]struct{}
}

// NewLocalLocker constructs a LocalLocker.
func NewLocalLocker(wait time.Duration) *LocalLocker {
	return &LocalLocker{wait: wait, held: make(map[string]struct{})}
}

// Acquire takes the in-process lock for tenant.
func (l *LocalLocker) Acquire(ctx context.Context, tenantID string) (Lease, error) {
	key := Key(tenantID)
	deadline := time.Now().Add(l.wait)
	for {
		if l.tryAcquire(key) {
			return &localLease{owner: l, key: key, lost: make(chan struct{})}, nil
		}
		if !time.Now().Before(deadline) {
			return nil, fmt.Errorf("%w: %s", domain.ErrLockNotObtained, key)
		}
		timer := time.NewTimer(retryInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (l *LocalLocker) tryAcquire(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[key]; ok {
		return false
	}
	l.held[key] = struct{}{}
	return true
}

// localLease never expires, so lost is never closed.
type localLease struct {
	owner *LocalLocker
	key   string
	lost  chan struct{}
	once  sync.Once
}

func (l *localLease) Lost() <-chan struct{} { return l.lost }

func (l *localLease) Release(context.Context) error {
	l.once.Do(func() {
		l.owner.mu.Lock()
		delete(l.owner.held, l.key)
		l.owner.mu.Unlock()
	})
	return nil
}
