package risk

import (
	"context"
	"testing"

	"helmsman/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRiskConfig() config.RiskConfig {
	return config.RiskConfig{
		StartingEquity:       100000,
		RiskPerTradePct:      0.01,
		DailyLossLimitPct:    0.03,
		MaxRiskPerSymbolPct:  0.02,
		MaxPortfolioHeatPct:  0.06,
		MaxConsecutiveLosses: 3,
		MaxTradesPerDay:      5,
	}
}

func newTestGate(t *testing.T) *Gate {
	t.Helper()
	g, err := NewGate(context.Background(), testRiskConfig(), nil, nil)
	require.NoError(t, err)
	return g
}

func proposal(confidence float64) ProposedTrade {
	return ProposedTrade{Symbol: "AAPL", EntryPrice: 150, PerUnitRisk: 3, Confidence: confidence}
}

func TestGateKillSwitchOrder(t *testing.T) {
	t.Run("consecutive losses reject first", func(t *testing.T) {
		g := newTestGate(t)
		g.state.ConsecutiveLosses = 3
		g.state.DailyTradesOpened = 99 // would also reject, but losses win
		v := g.Evaluate(context.Background(), proposal(5), 0)
		assert.False(t, v.Approved)
		assert.Equal(t, RejectConsecutiveLosses, v.Reason)
	})

	t.Run("daily loss limit", func(t *testing.T) {
		g := newTestGate(t)
		g.state.DailyPnL = -3500 // limit is 3% of 100k
		v := g.Evaluate(context.Background(), proposal(5), 0)
		assert.False(t, v.Approved)
		assert.Equal(t, RejectDailyLossLimit, v.Reason)
	})

	t.Run("trades per day", func(t *testing.T) {
		g := newTestGate(t)
		g.state.DailyTradesOpened = 5
		v := g.Evaluate(context.Background(), proposal(5), 0)
		assert.False(t, v.Approved)
		assert.Equal(t, RejectTradesPerDay, v.Reason)
	})

	t.Run("symbol exposure", func(t *testing.T) {
		g := newTestGate(t)
		p := proposal(5)
		p.ExistingRisk = 1900 // cap is 2% of 100k = 2000; add of 1250 breaches
		v := g.Evaluate(context.Background(), p, 0)
		assert.False(t, v.Approved)
		assert.Equal(t, RejectSymbolExposure, v.Reason)
	})

	t.Run("portfolio heat", func(t *testing.T) {
		g := newTestGate(t)
		v := g.Evaluate(context.Background(), proposal(5), 5500) // cap is 6000
		assert.False(t, v.Approved)
		assert.Equal(t, RejectPortfolioHeat, v.Reason)
	})

	t.Run("invalid per-unit risk", func(t *testing.T) {
		g := newTestGate(t)
		p := proposal(5)
		p.PerUnitRisk = 0
		v := g.Evaluate(context.Background(), p, 0)
		assert.False(t, v.Approved)
		assert.Equal(t, RejectInvalidSize, v.Reason)
	})
}

func TestGateSizing(t *testing.T) {
	g := newTestGate(t)
	v := g.Evaluate(context.Background(), proposal(4), 0)
	require.True(t, v.Approved)
	// equity 100k * 1% * 1.0x / 3 per-unit risk
	assert.InDelta(t, 333.33, v.Size, 0.01)
	assert.InDelta(t, 1000, v.RiskAmount, 0.001)
}

func TestGateSizeMonotonicInConfidence(t *testing.T) {
	g := newTestGate(t)
	var prev float64
	for _, conf := range []float64{1, 2, 3, 4, 5} {
		v := g.Evaluate(context.Background(), proposal(conf), 0)
		require.True(t, v.Approved, "confidence %v", conf)
		assert.GreaterOrEqual(t, v.Size, prev, "size must never decrease as confidence rises")
		prev = v.Size
	}
}

func TestGateSizeMonotonicInEquity(t *testing.T) {
	g := newTestGate(t)
	high := g.Evaluate(context.Background(), proposal(3), 0)
	require.True(t, high.Approved)

	g.state.Equity = 50000
	low := g.Evaluate(context.Background(), proposal(3), 0)
	require.True(t, low.Approved)
	assert.Less(t, low.Size, high.Size, "less equity must never approve a larger size")
}

func TestGateTradeCloseUpdatesKillSwitchState(t *testing.T) {
	g := newTestGate(t)
	require.NoError(t, g.OnTradeClosed(context.Background(), -500))
	require.NoError(t, g.OnTradeClosed(context.Background(), -250))
	assert.Equal(t, 2, g.State().ConsecutiveLosses)
	assert.InDelta(t, -750, g.State().DailyPnL, 0.001)
	assert.InDelta(t, 99250, g.State().Equity, 0.001)

	require.NoError(t, g.OnTradeClosed(context.Background(), 100))
	assert.Equal(t, 0, g.State().ConsecutiveLosses, "a win resets the loss streak")
}

func TestGateAbandonedOrderReleasesDailySlot(t *testing.T) {
	g := newTestGate(t)
	require.NoError(t, g.OnTradeOpened(context.Background()))
	require.NoError(t, g.OnTradeOpened(context.Background()))
	assert.Equal(t, 2, g.State().DailyTradesOpened)

	// A canceled or expired entry never opened a trade; its slot comes back.
	require.NoError(t, g.OnTradeAbandoned(context.Background()))
	assert.Equal(t, 1, g.State().DailyTradesOpened)

	require.NoError(t, g.OnTradeAbandoned(context.Background()))
	require.NoError(t, g.OnTradeAbandoned(context.Background()))
	assert.Zero(t, g.State().DailyTradesOpened, "counter floors at zero")
}

func TestGateRollover(t *testing.T) {
	g := newTestGate(t)
	g.state.DailyPnL = -700
	g.state.DailyTradesOpened = 3
	g.state.ConsecutiveLosses = 2

	require.NoError(t, g.Rollover(context.Background(), "2026-08-31"))
	st := g.State()
	assert.Zero(t, st.DailyPnL)
	assert.Zero(t, st.DailyTradesOpened)
	assert.Equal(t, 2, st.ConsecutiveLosses, "loss streak survives the session boundary")

	// Same date again is a no-op even after new activity.
	g.state.DailyPnL = -100
	require.NoError(t, g.Rollover(context.Background(), "2026-08-31"))
	assert.InDelta(t, -100, g.State().DailyPnL, 0.001)
}
