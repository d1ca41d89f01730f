// Package cache implements the stale-while-revalidate cache in front of the
// upstream inventory API. Values live in an in-process L1 (size-bounded LRU)
// and optionally in a shared Redis L2. A value past its TTL is still served
// while a single background refresh runs for that key.
package cache

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/harborwatch/harborwatch/internal/config"
	"github.com/harborwatch/harborwatch/internal/observability"
)

// ErrNotFound is returned when a key has no live or stale value
var ErrNotFound = errors.New("cache: key not found")

// Loader produces a fresh value for a key
type Loader func(ctx context.Context) (interface{}, error)

type entry struct {
	value     interface{}
	fetchedAt time.Time
	ttl       time.Duration
}

func (e *entry) expired(now time.Time) bool {
	return now.Sub(e.fetchedAt) > e.ttl
}

// l2State tracks the exponential disable window for an unavailable L2
type l2State struct {
	failureCount  int
	disabledUntil time.Time
	configured    bool
}

// SWRCache is the process-wide cache. Safe for concurrent use.
type SWRCache struct {
	mu       sync.Mutex
	l1       *lru.Cache[string, *entry]
	inflight map[string]chan struct{}

	redis   *redis.Client
	l2      l2State
	l2mu    sync.Mutex
	logger  observability.Logger
	metrics *observability.Metrics
}

const l1Size = 4096

// New builds the cache. The redis client is optional; pass a nil config
// Enabled flag to run L1-only.
func New(cfg config.RedisConfig, logger observability.Logger, metrics *observability.Metrics) (*SWRCache, error) {
	l1, err := lru.New[string, *entry](l1Size)
	if err != nil {
		return nil, err
	}

	c := &SWRCache{
		l1:       l1,
		inflight: make(map[string]chan struct{}),
		logger:   logger,
		metrics:  metrics,
	}

	if cfg.Enabled {
		c.redis = redis.NewClient(&redis.Options{
			Addr:         cfg.Address,
			Password:     cfg.Password,
			DB:           cfg.Database,
			DialTimeout:  cfg.DialTimeout,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			PoolSize:     cfg.PoolSize,
		})
		c.l2.configured = true
	}

	return c, nil
}

// CachedFetchSWR returns the cached value for key if fresh; if stale it
// returns the stale value and schedules a background refresh; if absent it
// runs the loader synchronously. At most one refresh runs per key.
func (c *SWRCache) CachedFetchSWR(ctx context.Context, key string, ttlSeconds int, loader Loader) (interface{}, error) {
	ttl := time.Duration(ttlSeconds) * time.Second
	now := time.Now()

	c.mu.Lock()
	if e, ok := c.l1.Get(key); ok {
		if !e.expired(now) {
			c.mu.Unlock()
			c.countResult("hit")
			return e.value, nil
		}
		// Stale: serve it and refresh in the background unless a refresh
		// for this key is already in flight.
		if _, running := c.inflight[key]; !running {
			done := make(chan struct{})
			c.inflight[key] = done
			go c.refresh(key, ttl, loader, done)
		}
		c.mu.Unlock()
		c.countResult("stale")
		return e.value, nil
	}
	c.mu.Unlock()

	c.countResult("miss")
	return c.loadAndStore(ctx, key, ttl, loader)
}

// CachedFetch is the strict-TTL variant: expired values are never served.
func (c *SWRCache) CachedFetch(ctx context.Context, key string, ttlSeconds int, loader Loader) (interface{}, error) {
	ttl := time.Duration(ttlSeconds) * time.Second

	c.mu.Lock()
	if e, ok := c.l1.Get(key); ok && !e.expired(time.Now()) {
		c.mu.Unlock()
		c.countResult("hit")
		return e.value, nil
	}
	c.mu.Unlock()

	c.countResult("miss")
	return c.loadAndStore(ctx, key, ttl, loader)
}

// Get returns the live value for key, if any. Stale values are not returned.
func (c *SWRCache) Get(key string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.l1.Get(key); ok && !e.expired(time.Now()) {
		return e.value, true
	}
	return nil, false
}

// Invalidate drops a key from both levels.
func (c *SWRCache) Invalidate(ctx context.Context, key string) {
	c.mu.Lock()
	c.l1.Remove(key)
	c.mu.Unlock()
	if c.l2Available() {
		if err := c.redis.Del(ctx, key).Err(); err != nil {
			c.l2Failure(err)
		}
	}
}

// Ping reports whether the L2 store answers. L1-only deployments report true.
func (c *SWRCache) Ping(ctx context.Context) bool {
	if c.redis == nil {
		return true
	}
	return c.redis.Ping(ctx).Err() == nil
}

// Close releases the L2 connection.
func (c *SWRCache) Close() error {
	if c.redis != nil {
		return c.redis.Close()
	}
	return nil
}

func (c *SWRCache) refresh(key string, ttl time.Duration, loader Loader, done chan struct{}) {
	defer func() {
		c.mu.Lock()
		delete(c.inflight, key)
		c.mu.Unlock()
		close(done)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	value, err := loader(ctx)
	if err != nil {
		// Failures are not memoized; the stale value keeps serving.
		c.logger.Warn("Background cache refresh failed", map[string]interface{}{
			"key":   key,
			"error": err.Error(),
		})
		return
	}
	c.store(ctx, key, value, ttl)
}

func (c *SWRCache) loadAndStore(ctx context.Context, key string, ttl time.Duration, loader Loader) (interface{}, error) {
	// Single-flight for synchronous loads as well: concurrent callers for
	// the same absent key wait on the first loader.
	c.mu.Lock()
	if done, running := c.inflight[key]; running {
		c.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		c.mu.Lock()
		if e, ok := c.l1.Get(key); ok && !e.expired(time.Now()) {
			c.mu.Unlock()
			return e.value, nil
		}
		c.mu.Unlock()
		return nil, ErrNotFound
	}
	done := make(chan struct{})
	c.inflight[key] = done
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.inflight, key)
		c.mu.Unlock()
		close(done)
	}()

	// Try L2 before hitting the loader.
	if raw, ok := c.l2Get(ctx, key); ok {
		var value interface{}
		if err := json.Unmarshal(raw, &value); err == nil {
			c.mu.Lock()
			c.l1.Add(key, &entry{value: value, fetchedAt: time.Now(), ttl: ttl})
			c.mu.Unlock()
			return value, nil
		}
	}

	value, err := loader(ctx)
	if err != nil {
		return nil, err
	}
	c.store(ctx, key, value, ttl)
	return value, nil
}

func (c *SWRCache) store(ctx context.Context, key string, value interface{}, ttl time.Duration) {
	c.mu.Lock()
	c.l1.Add(key, &entry{value: value, fetchedAt: time.Now(), ttl: ttl})
	c.mu.Unlock()

	if c.l2Available() {
		data, err := json.Marshal(value)
		if err != nil {
			return
		}
		if err := c.redis.Set(ctx, key, data, ttl).Err(); err != nil {
			c.l2Failure(err)
		} else {
			c.l2Success()
		}
	}
}

func (c *SWRCache) l2Get(ctx context.Context, key string) ([]byte, bool) {
	if !c.l2Available() {
		return nil, false
	}
	data, err := c.redis.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.l2Failure(err)
		}
		return nil, false
	}
	c.l2Success()
	return data, true
}

func (c *SWRCache) l2Available() bool {
	if c.redis == nil {
		return false
	}
	c.l2mu.Lock()
	defer c.l2mu.Unlock()
	return c.l2.configured && time.Now().After(c.l2.disabledUntil)
}

// l2Failure widens the disable window exponentially: 1s, 2s, 4s... capped
// at 5 minutes.
func (c *SWRCache) l2Failure(err error) {
	c.l2mu.Lock()
	defer c.l2mu.Unlock()
	c.l2.failureCount++
	window := time.Second << uint(minInt(c.l2.failureCount-1, 8))
	if window > 5*time.Minute {
		window = 5 * time.Minute
	}
	c.l2.disabledUntil = time.Now().Add(window)
	c.logger.Warn("L2 cache unavailable, disabling", map[string]interface{}{
		"error":          err.Error(),
		"failure_count":  c.l2.failureCount,
		"disabled_until": c.l2.disabledUntil.Format(time.RFC3339),
	})
}

func (c *SWRCache) l2Success() {
	c.l2mu.Lock()
	c.l2.failureCount = 0
	c.l2mu.Unlock()
}

func (c *SWRCache) countResult(result string) {
	if c.metrics != nil {
		c.metrics.CacheRequests.WithLabelValues(result).Inc()
	}
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
