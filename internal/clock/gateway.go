// Package clock wraps the venue session-clock query with retry, a stale
// cache, and a fail-closed fallback. The runtime must never assume "open"
// under uncertainty: open is the state that permits new capital commitment.
package clock

import (
	"context"
	"sync"
	"time"

	"helmsman/internal/broker"
	"helmsman/internal/logger"
)

// failClosedAfter is the consecutive end-to-end failure count at which the
// gateway stops serving the stale cache and fabricates a closed clock.
const failClosedAfter = 5

// Gateway fetches the session clock through the broker port.
type Gateway struct {
	port  broker.Port
	retry RetryPolicy
	nowFn func() time.Time

	mu       sync.Mutex
	cached   broker.Clock
	hasCache bool
	failures int
}

func NewGateway(port broker.Port, retry RetryPolicy) *Gateway {
	return &Gateway{port: port, retry: retry, nowFn: time.Now}
}

// Clock returns the freshest clock it can. Resolution order: live fetch with
// retry; on failure the cached clock marked stale; after failClosedAfter
// consecutive failures a synthetic closed clock.
func (g *Gateway) Clock(ctx context.Context) broker.Clock {
	var fetched broker.Clock
	err := g.retry.Do(ctx, func(ctx context.Context) error {
		c, err := g.port.GetClock(ctx)
		if err != nil {
			return err
		}
		fetched = c
		return nil
	})

	g.mu.Lock()
	defer g.mu.Unlock()
	if err == nil {
		if g.failures > 0 {
			logger.Infof("clock: recovered after %d consecutive failures", g.failures)
		}
		g.failures = 0
		g.cached = fetched
		g.hasCache = true
		return fetched
	}

	g.failures++
	logger.Warnf("clock: fetch failed (consecutive=%d): %v", g.failures, err)
	if g.failures >= failClosedAfter || !g.hasCache {
		if g.failures >= failClosedAfter {
			logger.Errorf("clock: %d consecutive failures, failing closed", g.failures)
		}
		return broker.Clock{
			IsOpen:    false,
			Now:       g.nowFn().UTC(),
			Synthetic: true,
		}
	}
	stale := g.cached
	stale.Stale = true
	return stale
}

// LastClock reports the clock as the tick loop last observed it, without
// touching the venue or the failure streak. Read-only path for the ops API.
// Before the first successful fetch it reports a synthetic closed clock.
func (g *Gateway) LastClock() broker.Clock {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.hasCache {
		return broker.Clock{
			IsOpen:    false,
			Now:       g.nowFn().UTC(),
			Synthetic: true,
		}
	}
	c := g.cached
	if g.failures > 0 {
		c.Stale = true
	}
	return c
}

// ConsecutiveFailures reports the current failure streak, for the health
// endpoint.
func (g *Gateway) ConsecutiveFailures() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.failures
}
