// internal/services/affiliate_locker.go
package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// AffiliateLocker serializes every ledger writer for one affiliate. Different
// affiliates never contend.
type AffiliateLocker interface {
	Lock(ctx context.Context, affiliateID uuid.UUID) (unlock func(), err error)
}

// LocalLocker is a keyed mutex for single-instance deployments.
type LocalLocker struct {
	mu      sync.Mutex
	slots   map[uuid.UUID]*lockSlot
	timeout time.Duration
}

type lockSlot struct {
	ch   chan struct{}
	refs int
}

func NewLocalLocker(timeout time.Duration) *LocalLocker {
	return &LocalLocker{
		slots:   make(map[uuid.UUID]*lockSlot),
		timeout: timeout,
	}
}

func (l *LocalLocker) Lock(ctx context.Context, affiliateID uuid.UUID) (func(), error) {
	l.mu.Lock()
	slot, ok := l.slots[affiliateID]
	if !ok {
		slot = &lockSlot{ch: make(chan struct{}, 1)}
		l.slots[affiliateID] = slot
	}
	slot.refs++
	l.mu.Unlock()

	timer := time.NewTimer(l.timeout)
	defer timer.Stop()

	select {
	case slot.ch <- struct{}{}:
		return func() {
			<-slot.ch
			l.release(affiliateID, slot)
		}, nil
	case <-ctx.Done():
		l.release(affiliateID, slot)
		return nil, ctx.Err()
	case <-timer.C:
		l.release(affiliateID, slot)
		return nil, fmt.Errorf("%w: timed out waiting for affiliate %s", ErrConcurrencyConflict, affiliateID)
	}
}

func (l *LocalLocker) release(affiliateID uuid.UUID, slot *lockSlot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	slot.refs--
	if slot.refs == 0 {
		delete(l.slots, affiliateID)
	}
}

// releaseScript deletes the lock only if this holder still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker extends single-writer-per-affiliate across service instances.
type RedisLocker struct {
	rdb       *redis.Client
	keyPrefix string
	ttl       time.Duration
	timeout   time.Duration
}

func NewRedisLocker(rdb *redis.Client, timeout time.Duration) *RedisLocker {
	return &RedisLocker{
		rdb:       rdb,
		keyPrefix: "lock:ledger:",
		ttl:       30 * time.Second,
		timeout:   timeout,
	}
}

func (l *RedisLocker) Lock(ctx context.Context, affiliateID uuid.UUID) (func(), error) {
	key := l.keyPrefix + affiliateID.String()
	token := uuid.NewString()
	deadline := time.Now().Add(l.timeout)
	backoff := 5 * time.Millisecond

	for {
		ok, err := l.rdb.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, storageUnavailable("acquire ledger lock", err)
		}
		if ok {
			return func() {
				// Release must run even when the request context is gone.
				releaseCtx, cancel := context.WithTimeout(context.Background(), time.Second)
				defer cancel()
				if err := releaseScript.Run(releaseCtx, l.rdb, []string{key}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
					logrus.WithError(err).WithField("affiliate_id", affiliateID).Warn("Failed to release ledger lock")
				}
			}, nil
		}

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: ledger lock for affiliate %s is held", ErrConcurrencyConflict, affiliateID)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
			backoff *= 2
			if backoff > 200*time.Millisecond {
				backoff = 200 * time.Millisecond
			}
		}
	}
}
