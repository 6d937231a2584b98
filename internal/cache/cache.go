package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/opensource-finance/riskscore/internal/domain"
	"github.com/sony/gobreaker"
)

// New creates a new cache based on configuration.
// For Community tier: returns LRU cache.
// For Pro tier with two-phase: returns TwoPhaseCache wrapping LRU + Redis.
// For Pro tier without two-phase: returns Redis cache.
func New(cfg domain.CacheConfig, logger *slog.Logger) (domain.Cache, error) {
	switch cfg.Type {
	case "memory":
		return NewLRUCache(cfg.LocalMaxSize), nil

	case "redis":
		remote, err := NewRedisCache(cfg)
		if err != nil {
			return nil, err
		}
		if cfg.EnableTwoPhase {
			return NewTwoPhaseCache(NewLRUCache(cfg.LocalMaxSize), remote, cfg.LocalTTL, logger), nil
		}
		return remote, nil

	default:
		return nil, fmt.Errorf("unsupported cache type: %s", cfg.Type)
	}
}

// TwoPhaseCache implements the two-phase caching strategy.
// L1: Local LRU cache for fast reads
// L2: Redis for distributed caching, guarded by a circuit breaker
//
// While the breaker is open the cache runs on L1 alone: L2 reads become
// misses and L2 writes are skipped.
type TwoPhaseCache struct {
	local   *LRUCache
	remote  byteStore
	breaker *gobreaker.CircuitBreaker
	l1TTL   time.Duration
	logger  *slog.Logger
}

// NewTwoPhaseCache creates a two-phase cache over local and remote.
func NewTwoPhaseCache(local *LRUCache, remote byteStore, l1TTL time.Duration, logger *slog.Logger) *TwoPhaseCache {
	if l1TTL <= 0 {
		l1TTL = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := &TwoPhaseCache{
		local:  local,
		remote: remote,
		l1TTL:  l1TTL,
		logger: logger,
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "cache-l2",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				"name", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})
	return c
}

// Get retrieves from L1 first, then L2. Populates L1 on L2 hit.
func (c *TwoPhaseCache) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := c.local.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if val != nil {
		return val, nil
	}

	out, err := c.breaker.Execute(func() (interface{}, error) {
		return c.remote.Get(ctx, key)
	})
	if err != nil {
		c.degraded("get", key, err)
		return nil, nil
	}

	val, _ = out.([]byte)
	if val != nil {
		_ = c.local.Set(ctx, key, val, c.l1TTL)
	}
	return val, nil
}

// Set writes to both L1 and L2. L1 keeps the entry for at most its own TTL.
func (c *TwoPhaseCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	l1TTL := c.l1TTL
	if ttl > 0 && ttl < l1TTL {
		l1TTL = ttl
	}
	if err := c.local.Set(ctx, key, value, l1TTL); err != nil {
		return err
	}

	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.remote.Set(ctx, key, value, ttl)
	})
	if err != nil {
		c.degraded("set", key, err)
	}
	return nil
}

// Delete removes from both L1 and L2. An L2 failure is returned so stale
// entries are not silently left behind.
func (c *TwoPhaseCache) Delete(ctx context.Context, key string) error {
	if err := c.local.Delete(ctx, key); err != nil {
		return err
	}
	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.remote.Delete(ctx, key)
	})
	return err
}

// GetCustomer retrieves a cached customer.
func (c *TwoPhaseCache) GetCustomer(ctx context.Context, id string) (*domain.Customer, error) {
	return getCustomer(ctx, c, id)
}

// SetCustomer caches a customer in both layers.
func (c *TwoPhaseCache) SetCustomer(ctx context.Context, cust *domain.Customer, ttl time.Duration) error {
	return setCustomer(ctx, c, cust, ttl)
}

// Ping checks both L1 and L2 health.
func (c *TwoPhaseCache) Ping(ctx context.Context) error {
	if err := c.local.Ping(ctx); err != nil {
		return fmt.Errorf("L1 ping failed: %w", err)
	}
	if err := c.remote.Ping(ctx); err != nil {
		return fmt.Errorf("L2 ping failed: %w", err)
	}
	return nil
}

// Close closes both L1 and L2.
func (c *TwoPhaseCache) Close() error {
	_ = c.local.Close()
	return c.remote.Close()
}

// Stats returns L1 cache statistics.
func (c *TwoPhaseCache) Stats() Stats {
	return c.local.Stats()
}

// BreakerState reports the L2 circuit breaker state.
func (c *TwoPhaseCache) BreakerState() gobreaker.State {
	return c.breaker.State()
}

func (c *TwoPhaseCache) degraded(op, key string, err error) {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return
	}
	c.logger.Warn("L2 cache unavailable, using L1 only",
		"op", op,
		"key", key,
		"error", err,
	)
}
