package clock

import (
	"context"
	"errors"
	"testing"
	"time"

	"helmsman/internal/broker"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubPort struct {
	broker.Port
	clock broker.Clock
	err   error
	calls int
}

func (s *stubPort) GetClock(ctx context.Context) (broker.Clock, error) {
	s.calls++
	if s.err != nil {
		return broker.Clock{}, s.err
	}
	return s.clock, nil
}

func fastRetry() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
}

func TestGatewayCachesLastGoodClock(t *testing.T) {
	open := broker.Clock{IsOpen: true, Now: time.Now().UTC()}
	port := &stubPort{clock: open}
	g := NewGateway(port, fastRetry())

	got := g.Clock(context.Background())
	require.True(t, got.IsOpen)
	assert.False(t, got.Stale)
	assert.False(t, got.Synthetic)

	port.err = errors.New("boom")
	got = g.Clock(context.Background())
	assert.True(t, got.IsOpen, "stale cache keeps last known state")
	assert.True(t, got.Stale)
	assert.False(t, got.Synthetic)
}

func TestGatewayRetriesBeforeFailing(t *testing.T) {
	port := &stubPort{err: errors.New("transient")}
	g := NewGateway(port, fastRetry())

	g.Clock(context.Background())
	assert.Equal(t, 3, port.calls, "one end-to-end failure should consume every retry attempt")
	assert.Equal(t, 1, g.ConsecutiveFailures())
}

func TestGatewayFailsClosedAfterRepeatedFailures(t *testing.T) {
	open := broker.Clock{IsOpen: true, Now: time.Now().UTC()}
	port := &stubPort{clock: open}
	g := NewGateway(port, fastRetry())
	g.Clock(context.Background()) // prime the cache

	port.err = errors.New("down")
	var got broker.Clock
	for i := 0; i < failClosedAfter; i++ {
		got = g.Clock(context.Background())
	}
	assert.False(t, got.IsOpen, "must never assume open under uncertainty")
	assert.True(t, got.Synthetic)
	assert.True(t, got.NextOpen.IsZero())
}

func TestGatewaySyntheticClosedWithoutCache(t *testing.T) {
	port := &stubPort{err: errors.New("down")}
	g := NewGateway(port, fastRetry())

	got := g.Clock(context.Background())
	assert.False(t, got.IsOpen)
	assert.True(t, got.Synthetic)
}

func TestGatewayLastClockNeverTouchesTheVenue(t *testing.T) {
	open := broker.Clock{IsOpen: true, Now: time.Now().UTC()}
	port := &stubPort{clock: open}
	g := NewGateway(port, fastRetry())
	g.Clock(context.Background())
	require.Equal(t, 1, port.calls)

	got := g.LastClock()
	assert.True(t, got.IsOpen)
	assert.False(t, got.Stale)
	assert.Equal(t, 1, port.calls, "read-only snapshot, no venue fetch")

	// A downed venue and a polling reader must leave the streak alone.
	port.err = errors.New("down")
	g.Clock(context.Background())
	require.Equal(t, 1, g.ConsecutiveFailures())
	for i := 0; i < 10; i++ {
		got = g.LastClock()
	}
	assert.Equal(t, 1, g.ConsecutiveFailures())
	assert.True(t, got.IsOpen)
	assert.True(t, got.Stale, "snapshot reflects the ongoing failure streak")
}

func TestGatewayLastClockBeforeFirstFetch(t *testing.T) {
	g := NewGateway(&stubPort{}, fastRetry())
	got := g.LastClock()
	assert.False(t, got.IsOpen)
	assert.True(t, got.Synthetic)
}

func TestGatewayRecoveryResetsFailures(t *testing.T) {
	port := &stubPort{err: errors.New("down")}
	g := NewGateway(port, fastRetry())
	g.Clock(context.Background())
	g.Clock(context.Background())
	require.Equal(t, 2, g.ConsecutiveFailures())

	port.err = nil
	port.clock = broker.Clock{IsOpen: false, Now: time.Now().UTC()}
	got := g.Clock(context.Background())
	assert.False(t, got.Synthetic)
	assert.Equal(t, 0, g.ConsecutiveFailures())
}
