package quotes

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/singleflight"

	"github.com/daytrader/backend/internal/audit"
	"github.com/daytrader/backend/internal/models"
)

// ErrUnavailable reports that the external pricing collaborator could not
// produce a price. Nothing is cached on failure; every coalesced waiter
// receives this error.
var ErrUnavailable = errors.New("quote unavailable")

const redisKeyPrefix = "quote:"

// CacheConfig tunes the quote cache.
type CacheConfig struct {
	// Capacity bounds the in-process price map.
	Capacity int
	// RedisTTL bounds staleness of the shared redis layer. Zero disables
	// expiry.
	RedisTTL time.Duration
}

// Cache answers GetPrice while deduplicating concurrent fetches for the same
// symbol and feeding every fresh price to the trigger engine. Buy/Sell and
// trigger matching therefore always observe the same price for a symbol: the
// cache is the single point that both serves requests and seeds the engine.
//
// Lookup order: in-process map, then the optional shared redis layer, then a
// single-flight fetch through a circuit breaker. Only a genuine external
// fetch publishes a price update; cache hits at either layer do not.
type Cache struct {
	fetcher  Fetcher
	rdb      *redis.Client
	cfg      CacheConfig
	updates  chan<- models.PriceUpdate
	sink     audit.Sink
	logger   zerolog.Logger
	group    singleflight.Group
	breaker  *gobreaker.CircuitBreaker

	mu     sync.Mutex
	prices map[string]float64
}

// NewCache wires the cache. rdb may be nil; updates receives one message per
// fresh fetch, in the order fetches complete for each symbol.
func NewCache(fetcher Fetcher, rdb *redis.Client, updates chan<- models.PriceUpdate, sink audit.Sink, logger zerolog.Logger, cfg CacheConfig) *Cache {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 100_000
	}
	settings := gobreaker.Settings{
		Name:     "quote-fetch",
		Interval: 60 * time.Second,
		Timeout:  30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	}
	return &Cache{
		fetcher: fetcher,
		rdb:     rdb,
		cfg:     cfg,
		updates: updates,
		sink:    sink,
		logger:  logger.With().Str("component", "quote_cache").Logger(),
		breaker: gobreaker.NewCircuitBreaker(settings),
		prices:  make(map[string]float64),
	}
}

// GetPrice returns the current price for symbol. Concurrent callers for a
// cold symbol share one underlying fetch.
func (c *Cache) GetPrice(ctx context.Context, symbol string) (float64, error) {
	if price, ok := c.lookup(symbol); ok {
		return price, nil
	}

	if price, ok := c.lookupRedis(ctx, symbol); ok {
		c.store(symbol, price)
		return price, nil
	}

	v, err, _ := c.group.Do(symbol, func() (interface{}, error) {
		// A waiter queued behind a fetch that just finished sees the
		// fresh entry here instead of fetching again.
		if price, ok := c.lookup(symbol); ok {
			return price, nil
		}
		return c.fetch(ctx, symbol)
	})
	if err != nil {
		return 0, err
	}
	return v.(float64), nil
}

func (c *Cache) fetch(ctx context.Context, symbol string) (float64, error) {
	c.logger.Warn().Str("symbol", symbol).Msg("cache miss")

	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.fetcher.FetchPrice(ctx, symbol)
	})
	if err != nil {
		c.logger.Error().Err(err).Str("symbol", symbol).Msg("quote fetch failed")
		return 0, fmt.Errorf("%w: %s: %v", ErrUnavailable, symbol, err)
	}
	price := result.(float64)

	c.store(symbol, price)
	c.storeRedis(ctx, symbol, price)
	c.publish(ctx, symbol, price)
	c.sink.Emit(audit.NewQuoteEvent(symbol, price))

	return price, nil
}

func (c *Cache) lookup(symbol string) (float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	price, ok := c.prices[symbol]
	return price, ok
}

func (c *Cache) store(symbol string, price float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.prices[symbol]; !ok && len(c.prices) >= c.cfg.Capacity {
		// Coarse eviction: drop an arbitrary entry to stay bounded.
		for k := range c.prices {
			delete(c.prices, k)
			break
		}
	}
	c.prices[symbol] = price
}

func (c *Cache) lookupRedis(ctx context.Context, symbol string) (float64, bool) {
	if c.rdb == nil {
		return 0, false
	}
	price, err := c.rdb.Get(ctx, redisKeyPrefix+symbol).Float64()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn().Err(err).Str("symbol", symbol).Msg("redis quote lookup failed")
		}
		return 0, false
	}
	return price, true
}

func (c *Cache) storeRedis(ctx context.Context, symbol string, price float64) {
	if c.rdb == nil {
		return
	}
	if err := c.rdb.Set(ctx, redisKeyPrefix+symbol, price, c.cfg.RedisTTL).Err(); err != nil {
		c.logger.Warn().Err(err).Str("symbol", symbol).Msg("redis quote store failed")
	}
}

func (c *Cache) publish(ctx context.Context, symbol string, price float64) {
	if c.updates == nil {
		return
	}
	select {
	case c.updates <- models.PriceUpdate{StockSymbol: symbol, Price: price}:
	case <-ctx.Done():
		c.logger.Warn().Str("symbol", symbol).Msg("price update dropped, caller gone")
	}
}
