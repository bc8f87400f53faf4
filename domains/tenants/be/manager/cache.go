package manager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/solusinc/manylead-cloud-sub001/platform/go/metrics"
)

// Cache keeps at most one Conn per connection ref for the lifetime of the
// process. Concurrent first requests for the same tenant are collapsed into a
// single open via singleflight, so a cold tenant taking a burst of traffic
// opens exactly one pool.
type Cache struct {
	opener      Opener
	openTimeout time.Duration
	logger      *zap.Logger
	metrics     *metrics.Metrics

	group singleflight.Group

	mu    sync.RWMutex
	conns map[string]Conn
}

// NewCache constructs the connection cache. Metrics may be nil; openTimeout
// bounds how long a cache miss may spend constructing a pool.
func NewCache(opener Opener, openTimeout time.Duration, logger *zap.Logger, m *metrics.Metrics) *Cache {
	if opener == nil {
		panic("cache requires opener")
	}
	if logger == nil {
		panic("cache requires logger")
	}
	if openTimeout <= 0 {
		openTimeout = 10 * time.Second
	}
	return &Cache{
		opener:      opener,
		openTimeout: openTimeout,
		logger:      logger,
		metrics:     m,
		conns:       make(map[string]Conn),
	}
}

// Get returns the cached Conn for the connection ref, opening it on first
// use. An open failure is returned to every collapsed waiter and nothing is
// cached, so the next request retries from scratch.
func (c *Cache) Get(ctx context.Context, connectionRef string) (Conn, error) {
	c.mu.RLock()
	conn, ok := c.conns[connectionRef]
	c.mu.RUnlock()
	if ok {
		if c.metrics != nil {
			c.metrics.CacheHits.Inc()
		}
		return conn, nil
	}

	if c.metrics != nil {
		c.metrics.CacheMisses.Inc()
	}

	v, err, _ := c.group.Do(connectionRef, func() (any, error) {
		// A loser of an earlier flight may arrive after the winner stored
		// the conn; re-check under the flight before opening again.
		c.mu.RLock()
		existing, ok := c.conns[connectionRef]
		c.mu.RUnlock()
		if ok {
			return existing, nil
		}

		openCtx, cancel := context.WithTimeout(ctx, c.openTimeout)
		defer cancel()

		start := time.Now()
		opened, err := c.opener.Open(openCtx, connectionRef)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
		}
		if c.metrics != nil {
			c.metrics.ConnectionsOpened.Inc()
			c.metrics.ObserveOpen(start)
			c.metrics.ActiveHandles.Inc()
		}

		c.mu.Lock()
		c.conns[connectionRef] = opened
		c.mu.Unlock()

		c.logger.Info("tenant connection opened",
			zap.String("connection_ref", connectionRef),
			zap.Duration("took", time.Since(start)))
		return opened, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(Conn), nil
}

// Invalidate closes and forgets the Conn for one connection ref. No-op when
// the ref is not cached.
func (c *Cache) Invalidate(connectionRef string) {
	c.mu.Lock()
	conn, ok := c.conns[connectionRef]
	if ok {
		delete(c.conns, connectionRef)
	}
	c.mu.Unlock()

	if !ok {
		return
	}
	conn.Close()
	if c.metrics != nil {
		c.metrics.ActiveHandles.Dec()
	}
	c.logger.Info("tenant connection invalidated", zap.String("connection_ref", connectionRef))
}

// InvalidateAll closes every cached Conn. Called on shutdown.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	conns := c.conns
	c.conns = make(map[string]Conn)
	c.mu.Unlock()

	for ref, conn := range conns {
		conn.Close()
		if c.metrics != nil {
			c.metrics.ActiveHandles.Dec()
		}
		c.logger.Info("tenant connection invalidated", zap.String("connection_ref", ref))
	}
}

// Len reports how many handles the cache currently holds.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.conns)
}
