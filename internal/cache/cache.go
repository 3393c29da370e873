// Package cache holds the engine's hot market state: last-seen prices
// per symbol and the account balance map, both written by the stream
// layer and read by strategy runners. Entries expire by age rather than
// eviction. An optional Redis mirror keeps an external copy for
// observers; mirror failures never fail the in-memory write.
package cache

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// DefaultPriceTTL is how long a cached price is served before callers
// fall back to REST.
const DefaultPriceTTL = 30 * time.Second

const mirrorTTL = 60 * time.Second

// PricePoint is a cached last price.
type PricePoint struct {
	Price float64 `json:"price"`
	Ts    int64   `json:"ts"`
}

// Balance is one asset's free/locked pair.
type Balance struct {
	Free   float64 `json:"free"`
	Locked float64 `json:"locked"`
}

type entry struct {
	value      interface{}
	insertedAt time.Time
}

// Cache is safe for concurrent use.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]entry

	rdb *redis.Client
	log zerolog.Logger
}

// New builds a cache. redisURL may be empty; a failed initial ping only
// degrades the mirror, it does not fail construction.
func New(redisURL string, log zerolog.Logger) *Cache {
	c := &Cache{
		entries: make(map[string]entry),
		log:     log.With().Str("component", "cache").Logger(),
	}

	if redisURL != "" {
		opts, err := redis.ParseURL(redisURL)
		if err != nil {
			c.log.Warn().Err(err).Msg("invalid REDIS_URL, mirror disabled")
			return c
		}
		c.rdb = redis.NewClient(opts)

		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := c.rdb.Ping(ctx).Err(); err != nil {
			c.log.Warn().Err(err).Msg("redis unreachable, mirroring best-effort")
		} else {
			c.log.Info().Msg("redis mirror connected")
		}
	}

	return c
}

// Set stores value under key and mirrors it to Redis when configured.
func (c *Cache) Set(key string, value interface{}) {
	c.mu.Lock()
	c.entries[key] = entry{value: value, insertedAt: time.Now()}
	c.mu.Unlock()

	c.mirror(key, value)
}

// Get returns the value for key if it is younger than maxAge.
func (c *Cache) Get(key string, maxAge time.Duration) (interface{}, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok || time.Since(e.insertedAt) > maxAge {
		return nil, false
	}
	return e.value, true
}

// PriceKey returns the cache key for a symbol's last price.
func PriceKey(symbol string) string {
	return "price:" + symbol
}

// BalancesKey is the cache key for the account balances map.
const BalancesKey = "account:balances"

// SetPrice records the last price for a symbol.
func (c *Cache) SetPrice(symbol string, price float64) {
	c.Set(PriceKey(symbol), PricePoint{Price: price, Ts: time.Now().UnixMilli()})
}

// GetPrice returns a fresh cached price for symbol.
func (c *Cache) GetPrice(symbol string) (float64, bool) {
	v, ok := c.Get(PriceKey(symbol), DefaultPriceTTL)
	if !ok {
		return 0, false
	}
	p, ok := v.(PricePoint)
	if !ok {
		return 0, false
	}
	return p.Price, true
}

// SetBalances replaces the cached account balance map.
func (c *Cache) SetBalances(balances map[string]Balance) {
	c.Set(BalancesKey, balances)
}

// GetBalances returns the cached balance map if one has been written in
// the last maxAge.
func (c *Cache) GetBalances(maxAge time.Duration) (map[string]Balance, bool) {
	v, ok := c.Get(BalancesKey, maxAge)
	if !ok {
		return nil, false
	}
	b, ok := v.(map[string]Balance)
	if !ok {
		return nil, false
	}
	return b, true
}

func (c *Cache) mirror(key string, value interface{}) {
	if c.rdb == nil {
		return
	}
	data, err := json.Marshal(value)
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.rdb.Set(ctx, key, data, mirrorTTL).Err(); err != nil {
		c.log.Debug().Str("key", key).Err(err).Msg("redis mirror write failed")
	}
}

// Close releases the Redis connection if one was opened.
func (c *Cache) Close() error {
	if c.rdb != nil {
		return c.rdb.Close()
	}
	return nil
}
