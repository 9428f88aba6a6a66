package blockchain

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// cachedHeight holds a block height with fetch metadata
type cachedHeight struct {
	Height    uint64
	FetchedAt time.Time
}

// HeightCache keeps the current block height warm so the confirmation
// path can compare against lastValidBlockHeight without an RPC call
// per check. Heights only move forward, so a slightly stale value can
// declare a transaction expired a beat late but never early.
type HeightCache struct {
	current atomic.Pointer[cachedHeight]

	rpc      *RPCClient
	ttl      time.Duration
	interval time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup

	hits   atomic.Int64
	misses atomic.Int64
}

// NewHeightCache creates a height cache refreshing every interval
func NewHeightCache(rpc *RPCClient, refreshInterval, ttl time.Duration) *HeightCache {
	return &HeightCache{
		rpc:      rpc,
		interval: refreshInterval,
		ttl:      ttl,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the background refresh goroutine
func (c *HeightCache) Start() error {
	// Initial fetch must succeed
	if err := c.fetch(); err != nil {
		return err
	}

	c.wg.Add(1)
	go c.prefetchLoop()

	log.Info().
		Dur("interval", c.interval).
		Dur("ttl", c.ttl).
		Msg("block height cache started")

	return nil
}

// Stop stops the background refresh
func (c *HeightCache) Stop() {
	close(c.stopCh)
	c.wg.Wait()
}

// Get returns the cached block height, refreshing synchronously only
// when the cache went stale (RPC outage).
func (c *HeightCache) Get() (uint64, error) {
	cached := c.current.Load()

	if cached != nil && time.Since(cached.FetchedAt) < c.ttl {
		c.hits.Add(1)
		return cached.Height, nil
	}

	c.misses.Add(1)
	log.Warn().Msg("height cache miss, forcing sync refresh")

	if err := c.fetch(); err != nil {
		return 0, err
	}
	return c.current.Load().Height, nil
}

// HitRate returns the cache hit rate percentage
func (c *HeightCache) HitRate() float64 {
	hits := c.hits.Load()
	misses := c.misses.Load()
	total := hits + misses
	if total == 0 {
		return 100.0
	}
	return float64(hits) / float64(total) * 100
}

func (c *HeightCache) prefetchLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			if err := c.fetch(); err != nil {
				log.Warn().Err(err).Msg("height prefetch failed")
			}
		}
	}
}

func (c *HeightCache) fetch() error {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	height, err := c.rpc.GetBlockHeight(ctx)
	if err != nil {
		return err
	}

	c.current.Store(&cachedHeight{
		Height:    height,
		FetchedAt: time.Now(),
	})

	log.Debug().
		Uint64("height", height).
		Float64("hitRate", c.HitRate()).
		Msg("block height prefetched")

	return nil
}
