package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/javajoker/affiliate-backend/internal/models"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const defaultBalanceCacheTTL = 30 * time.Second

// BalanceVersions is the per-affiliate write counter cached balances are
// tagged with. Instances sharing a ledger must share the counter.
type BalanceVersions interface {
	Current(ctx context.Context, affiliateID uuid.UUID) (int64, error)
	Bump(ctx context.Context, affiliateID uuid.UUID) error
}

// LocalBalanceVersions is only correct when a single process writes the ledger.
type LocalBalanceVersions struct {
	mu       sync.Mutex
	versions map[uuid.UUID]int64
}

func NewLocalBalanceVersions() *LocalBalanceVersions {
	return &LocalBalanceVersions{versions: make(map[uuid.UUID]int64)}
}

func (v *LocalBalanceVersions) Current(_ context.Context, affiliateID uuid.UUID) (int64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.versions[affiliateID], nil
}

func (v *LocalBalanceVersions) Bump(_ context.Context, affiliateID uuid.UUID) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.versions[affiliateID]++
	return nil
}

type RedisBalanceVersions struct {
	rdb       *redis.Client
	keyPrefix string
}

func NewRedisBalanceVersions(rdb *redis.Client) *RedisBalanceVersions {
	return &RedisBalanceVersions{rdb: rdb, keyPrefix: "ledger:version:"}
}

func (v *RedisBalanceVersions) Current(ctx context.Context, affiliateID uuid.UUID) (int64, error) {
	version, err := v.rdb.Get(ctx, v.keyPrefix+affiliateID.String()).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, storageUnavailable("read balance version", err)
	}
	return version, nil
}

func (v *RedisBalanceVersions) Bump(ctx context.Context, affiliateID uuid.UUID) error {
	if err := v.rdb.Incr(ctx, v.keyPrefix+affiliateID.String()).Err(); err != nil {
		return storageUnavailable("bump balance version", err)
	}
	return nil
}

type cachedBalance struct {
	balance   models.WalletBalance
	version   int64
	expiresAt time.Time
}

// balanceCache holds folded balances for dashboard reads. An entry is served
// only while its version matches the shared counter and its TTL has not run
// out, so a missed bump is bounded by the TTL.
type balanceCache struct {
	mu       sync.Mutex
	entries  map[uuid.UUID]cachedBalance
	versions BalanceVersions
	ttl      time.Duration
	now      func() time.Time
}

func newBalanceCache(versions BalanceVersions, ttl time.Duration) *balanceCache {
	if ttl <= 0 {
		ttl = defaultBalanceCacheTTL
	}
	return &balanceCache{
		entries:  make(map[uuid.UUID]cachedBalance),
		versions: versions,
		ttl:      ttl,
		now:      time.Now,
	}
}

func (c *balanceCache) version(ctx context.Context, affiliateID uuid.UUID) (int64, error) {
	return c.versions.Current(ctx, affiliateID)
}

func (c *balanceCache) get(affiliateID uuid.UUID, version int64) (models.WalletBalance, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[affiliateID]
	if !ok {
		return models.WalletBalance{}, false
	}
	if entry.version != version || !c.now().Before(entry.expiresAt) {
		delete(c.entries, affiliateID)
		return models.WalletBalance{}, false
	}
	return entry.balance, true
}

// store keeps a fold tagged with the version read before folding. A fold that
// raced an append carries the older version and is dropped on the next read.
func (c *balanceCache) store(affiliateID uuid.UUID, balance models.WalletBalance, version int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.entries[affiliateID]; ok && existing.version > version {
		return
	}
	c.entries[affiliateID] = cachedBalance{
		balance:   balance,
		version:   version,
		expiresAt: c.now().Add(c.ttl),
	}
}

// invalidate runs under the affiliate lock after commit. The bump must happen
// even when the request context is gone.
func (c *balanceCache) invalidate(affiliateID uuid.UUID) {
	c.mu.Lock()
	delete(c.entries, affiliateID)
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.versions.Bump(ctx, affiliateID); err != nil {
		logrus.WithError(err).WithField("affiliate_id", affiliateID).Warn("Failed to bump balance version; other instances rely on the cache TTL")
	}
}
