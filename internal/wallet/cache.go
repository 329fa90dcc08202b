package wallet

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/R3E-Network/mixer_core/internal/config"
	"github.com/R3E-Network/mixer_core/internal/domain"
)

// BalanceCache sits in front of the store's single-column balance
// read. Entries live at most the configured TTL; staleness past that
// bound is unacceptable for withdrawal decisions.
type BalanceCache interface {
	Get(ctx context.Context, walletID string) (domain.Amount, bool)
	Set(ctx context.Context, walletID string, balance domain.Amount)
	Invalidate(ctx context.Context, walletIDs ...string)
	Close() error
}

// NewCache selects the redis-backed cache when redis is enabled and
// the in-process TTL map otherwise.
func NewCache(cfg config.RedisConfig, ttl time.Duration) BalanceCache {
	if cfg.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		})
		return NewRedisCache(client, ttl)
	}
	return NewTTLCache(ttl)
}

// --- in-memory ---

type ttlEntry struct {
	balance domain.Amount
	expires time.Time
}

// TTLCache is the in-process default. Expiry is lazy; the working set
// is bounded by the wallet fleet size.
type TTLCache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[string]ttlEntry
}

var _ BalanceCache = (*TTLCache)(nil)

func NewTTLCache(ttl time.Duration) *TTLCache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &TTLCache{ttl: ttl, entries: make(map[string]ttlEntry)}
}

func (c *TTLCache) Get(_ context.Context, walletID string) (domain.Amount, bool) {
	c.mu.RLock()
	e, ok := c.entries[walletID]
	c.mu.RUnlock()
	if !ok {
		return 0, false
	}
	if time.Now().After(e.expires) {
		c.mu.Lock()
		delete(c.entries, walletID)
		c.mu.Unlock()
		return 0, false
	}
	return e.balance, true
}

func (c *TTLCache) Set(_ context.Context, walletID string, balance domain.Amount) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[walletID] = ttlEntry{balance: balance, expires: time.Now().Add(c.ttl)}
}

func (c *TTLCache) Invalidate(_ context.Context, walletIDs ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range walletIDs {
		delete(c.entries, id)
	}
}

func (c *TTLCache) Close() error { return nil }

// --- redis ---

const redisBalancePrefix = "mixer:balance:"

// RedisCache shares cached balances across coordinator replicas.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

var _ BalanceCache = (*RedisCache)(nil)

func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisCache{client: client, ttl: ttl}
}

func (c *RedisCache) Get(ctx context.Context, walletID string) (domain.Amount, bool) {
	val, err := c.client.Get(ctx, redisBalancePrefix+walletID).Result()
	if err != nil {
		return 0, false
	}
	units, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, false
	}
	return domain.Amount(units), true
}

func (c *RedisCache) Set(ctx context.Context, walletID string, balance domain.Amount) {
	c.client.Set(ctx, redisBalancePrefix+walletID, fmt.Sprintf("%d", int64(balance)), c.ttl)
}

func (c *RedisCache) Invalidate(ctx context.Context, walletIDs ...string) {
	if len(walletIDs) == 0 {
		return
	}
	keys := make([]string, len(walletIDs))
	for i, id := range walletIDs {
		keys[i] = redisBalancePrefix + id
	}
	c.client.Del(ctx, keys...)
}

func (c *RedisCache) Close() error { return c.client.Close() }
