package health

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// CheckFunc probes one component. A nil return means healthy.
type CheckFunc func(ctx context.Context) error

// Status is the latest result for one registered component
type Status struct {
	Name    string
	Healthy bool
	Latency time.Duration
	Error   string
}

type namedCheck struct {
	name string
	fn   CheckFunc
}

// Checker periodically runs registered probes and keeps the latest
// results for status surfaces to read.
type Checker struct {
	mu       sync.RWMutex
	checks   []namedCheck
	statuses []Status

	every   time.Duration
	timeout time.Duration
}

// NewChecker creates a checker with the default 10s cadence
func NewChecker() *Checker {
	return &Checker{
		every:   10 * time.Second,
		timeout: 5 * time.Second,
	}
}

// Register adds a component probe. Call before Start.
func (c *Checker) Register(name string, fn CheckFunc) {
	c.checks = append(c.checks, namedCheck{name: name, fn: fn})
}

// Start begins periodic health checks
func (c *Checker) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(c.every)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.check(ctx)
			}
		}
	}()

	// Initial check
	c.check(ctx)
}

func (c *Checker) check(ctx context.Context) {
	statuses := make([]Status, 0, len(c.checks))
	for _, nc := range c.checks {
		statuses = append(statuses, c.run(ctx, nc))
	}

	c.mu.Lock()
	c.statuses = statuses
	c.mu.Unlock()
}

func (c *Checker) run(ctx context.Context, nc namedCheck) Status {
	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	err := nc.fn(cctx)
	latency := time.Since(start)

	status := Status{
		Name:    nc.name,
		Healthy: err == nil,
		Latency: latency,
	}
	if err != nil {
		status.Error = err.Error()
		log.Warn().
			Str("component", nc.name).
			Dur("latency", latency).
			Err(err).
			Msg("health check failed")
	}
	return status
}

// Statuses returns a copy of the latest check results
func (c *Checker) Statuses() []Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Status, len(c.statuses))
	copy(out, c.statuses)
	return out
}

// Healthy reports whether every registered component passed its last
// check. True before the first check completes.
func (c *Checker) Healthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, s := range c.statuses {
		if !s.Healthy {
			return false
		}
	}
	return true
}
