package scaling

import (
	"context"
	"errors"
	"testing"
	"time"

	"helmsman/internal/broker"
	"helmsman/internal/ledger"
	"helmsman/internal/market"
	"helmsman/internal/policy"
	"helmsman/internal/signal"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubBars struct {
	bars []market.Candle
	err  error
}

func (s *stubBars) BarsSince(ctx context.Context, symbol string, since time.Time) ([]market.Candle, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.bars, nil
}

func testPolicy() policy.ScalingPolicy {
	return policy.ScalingPolicy{
		ID:                          "test",
		AllowsMultipleEntries:       true,
		MaxEntriesPerSymbol:         3,
		ScalingType:                 policy.TypePyramid,
		MinWallClockGapMin:          60,
		MinBarGap:                   2,
		MinConfidenceForAdd:         3,
		MaxAdverseExcursionMultiple: 2,
		MaxPositionPctOfEquity:      0.25,
	}
}

func longPosition(t *testing.T, entries int, lastPrice float64, lastEntryAt time.Time) *ledger.Position {
	t.Helper()
	first := ledger.EntryFill{
		Timestamp:  lastEntryAt,
		Price:      lastPrice,
		Quantity:   10,
		Confidence: 4,
		RiskAmount: 50,
	}
	if entries > 1 {
		first.Timestamp = lastEntryAt.Add(-24 * time.Hour)
		first.Price = lastPrice - 5
	}
	pos := ledger.NewPosition("MSFT", broker.SideLong, first)
	for i := 1; i < entries; i++ {
		require.NoError(t, pos.AddFill(ledger.EntryFill{
			Timestamp:  lastEntryAt,
			Price:      lastPrice,
			Quantity:   10,
			Confidence: 4,
			RiskAmount: 50,
		}))
	}
	return pos
}

func snapshotFor(pos *ledger.Position) BookSnapshot {
	snap := BookSnapshot{
		Unreconciled:  map[string]bool{},
		BrokerQty:     map[string]float64{},
		PendingOrders: map[string]bool{},
		Equity:        100000,
	}
	if pos != nil {
		snap.BrokerQty[pos.Symbol] = pos.Quantity
	}
	return snap
}

func addSignal(symbol string, side broker.Side, price, confidence float64) signal.Signal {
	return signal.Signal{
		ID:          "sig-1",
		Symbol:      symbol,
		Side:        side,
		Confidence:  confidence,
		PriceHint:   price,
		GeneratedAt: time.Now().UTC(),
	}
}

func TestDecideUnreconciledPreflightWins(t *testing.T) {
	e := NewEngine(&stubBars{}, nil)
	pos := longPosition(t, 1, 100, time.Now().Add(-2*time.Hour))
	snap := snapshotFor(pos)
	snap.Unreconciled["MSFT"] = true

	// The preflight must win over every ledger/policy configuration,
	// including ones that would otherwise pass or fail differently.
	policies := []policy.ScalingPolicy{testPolicy(), {ID: "closed", MaxPositionPctOfEquity: 0.1}}
	positions := []*ledger.Position{nil, pos}
	for _, pol := range policies {
		for _, p := range positions {
			d := e.Decide(context.Background(), addSignal("MSFT", broker.SideLong, 110, 5), p, pol, snap)
			assert.Equal(t, OutcomeBlock, d.Outcome)
			assert.Equal(t, ReasonUnreconciled, d.Reason)
		}
	}
}

func TestDecideEnterNewWithoutPosition(t *testing.T) {
	e := NewEngine(&stubBars{}, nil)
	d := e.Decide(context.Background(), addSignal("AAPL", broker.SideLong, 150, 4), nil, testPolicy(), snapshotFor(nil))
	assert.Equal(t, OutcomeEnterNew, d.Outcome)
	assert.Equal(t, ReasonNone, d.Reason)
}

func TestDecideMaxEntriesBlocksRegardlessOfConfidence(t *testing.T) {
	pol := testPolicy()
	pol.MaxEntriesPerSymbol = 2
	e := NewEngine(&stubBars{}, nil)
	pos := longPosition(t, 2, 100, time.Now().Add(-3*time.Hour))

	for _, conf := range []float64{1, 3, 5} {
		d := e.Decide(context.Background(), addSignal("MSFT", broker.SideLong, 110, conf), pos, pol, snapshotFor(pos))
		assert.Equal(t, OutcomeBlock, d.Outcome)
		assert.Equal(t, ReasonMaxEntries, d.Reason)
		assert.Equal(t, 2, d.Entries)
	}
}

func TestDecideNeverFlipsDirection(t *testing.T) {
	e := NewEngine(&stubBars{}, nil)
	pos := longPosition(t, 1, 100, time.Now().Add(-3*time.Hour))

	d := e.Decide(context.Background(), addSignal("MSFT", broker.SideShort, 90, 5), pos, testPolicy(), snapshotFor(pos))
	assert.Equal(t, OutcomeBlock, d.Outcome)
	assert.Equal(t, ReasonDirectionMismatch, d.Reason)
	assert.NotEqual(t, OutcomeScale, d.Outcome)
	assert.NotEqual(t, OutcomeEnterNew, d.Outcome)
}

func TestDecideScalingDisabled(t *testing.T) {
	pol := testPolicy()
	pol.AllowsMultipleEntries = false
	e := NewEngine(&stubBars{}, nil)
	pos := longPosition(t, 1, 100, time.Now().Add(-3*time.Hour))

	d := e.Decide(context.Background(), addSignal("MSFT", broker.SideLong, 110, 5), pos, pol, snapshotFor(pos))
	assert.Equal(t, OutcomeBlock, d.Outcome)
	assert.Equal(t, ReasonScalingDisabled, d.Reason)
}

func TestDecideQuantityDriftBlocks(t *testing.T) {
	e := NewEngine(&stubBars{}, nil)
	pos := longPosition(t, 1, 100, time.Now().Add(-3*time.Hour))
	snap := snapshotFor(pos)
	snap.BrokerQty["MSFT"] = pos.Quantity + 5

	d := e.Decide(context.Background(), addSignal("MSFT", broker.SideLong, 110, 5), pos, testPolicy(), snap)
	assert.Equal(t, OutcomeBlock, d.Outcome)
	assert.Equal(t, ReasonQuantityDrift, d.Reason)
}

func TestDecidePendingOrderBlocks(t *testing.T) {
	e := NewEngine(&stubBars{}, nil)
	pos := longPosition(t, 1, 100, time.Now().Add(-3*time.Hour))
	snap := snapshotFor(pos)
	snap.PendingOrders["MSFT"] = true

	d := e.Decide(context.Background(), addSignal("MSFT", broker.SideLong, 110, 5), pos, testPolicy(), snap)
	assert.Equal(t, OutcomeBlock, d.Outcome)
	assert.Equal(t, ReasonPendingOrder, d.Reason)
}

func TestDecidePendingOrderBlocksFreshEntry(t *testing.T) {
	// A resting unfilled order means no ledger position yet; a later signal
	// for the same symbol must not become a second entry.
	e := NewEngine(&stubBars{}, nil)
	snap := snapshotFor(nil)
	snap.PendingOrders["AAPL"] = true

	d := e.Decide(context.Background(), addSignal("AAPL", broker.SideLong, 151, 4), nil, testPolicy(), snap)
	assert.Equal(t, OutcomeBlock, d.Outcome)
	assert.Equal(t, ReasonPendingOrder, d.Reason)
	assert.NotEqual(t, OutcomeEnterNew, d.Outcome)
}

func TestDecidePositionPctBlocks(t *testing.T) {
	e := NewEngine(&stubBars{}, nil)
	pos := longPosition(t, 1, 100, time.Now().Add(-3*time.Hour))
	snap := snapshotFor(pos)
	// 1000 held + 1100 added against 5000 equity is 42%, past the 25% cap.
	snap.Equity = 5000

	d := e.Decide(context.Background(), addSignal("MSFT", broker.SideLong, 110, 5), pos, testPolicy(), snap)
	assert.Equal(t, OutcomeBlock, d.Outcome)
	assert.Equal(t, ReasonPositionPct, d.Reason)
	assert.Greater(t, d.PositionPct, testPolicy().MaxPositionPctOfEquity)
}

func TestDecideQualificationSkips(t *testing.T) {
	now := time.Now().UTC()
	goodBars := []market.Candle{
		{OpenTime: now.Add(-90 * time.Minute).UnixMilli(), CloseTime: now.Add(-60 * time.Minute).UnixMilli(), Low: 101, High: 108},
		{OpenTime: now.Add(-60 * time.Minute).UnixMilli(), CloseTime: now.Add(-30 * time.Minute).UnixMilli(), Low: 102, High: 109},
	}

	t.Run("wall clock gap too small", func(t *testing.T) {
		e := NewEngine(&stubBars{bars: goodBars}, nil)
		pos := longPosition(t, 1, 100, now.Add(-10*time.Minute))
		d := e.Decide(context.Background(), addSignal("MSFT", broker.SideLong, 110, 5), pos, testPolicy(), snapshotFor(pos))
		assert.Equal(t, OutcomeSkip, d.Outcome)
		assert.Equal(t, ReasonMinTimeGap, d.Reason)
	})

	t.Run("bar gap too small", func(t *testing.T) {
		e := NewEngine(&stubBars{bars: goodBars[:1]}, nil)
		pos := longPosition(t, 1, 100, now.Add(-3*time.Hour))
		d := e.Decide(context.Background(), addSignal("MSFT", broker.SideLong, 110, 5), pos, testPolicy(), snapshotFor(pos))
		assert.Equal(t, OutcomeSkip, d.Outcome)
		assert.Equal(t, ReasonMinBarGap, d.Reason)
	})

	t.Run("candle feed down fails soft", func(t *testing.T) {
		e := NewEngine(&stubBars{err: errors.New("feed down")}, nil)
		pos := longPosition(t, 1, 100, now.Add(-3*time.Hour))
		d := e.Decide(context.Background(), addSignal("MSFT", broker.SideLong, 110, 5), pos, testPolicy(), snapshotFor(pos))
		assert.Equal(t, OutcomeSkip, d.Outcome, "qualification checks never hard-block")
		assert.Equal(t, ReasonBarsUnavailable, d.Reason)
	})

	t.Run("low confidence", func(t *testing.T) {
		e := NewEngine(&stubBars{bars: goodBars}, nil)
		pos := longPosition(t, 1, 100, now.Add(-3*time.Hour))
		d := e.Decide(context.Background(), addSignal("MSFT", broker.SideLong, 110, 2), pos, testPolicy(), snapshotFor(pos))
		assert.Equal(t, OutcomeSkip, d.Outcome)
		assert.Equal(t, ReasonLowConfidence, d.Reason)
	})

	t.Run("pyramid needs higher price", func(t *testing.T) {
		e := NewEngine(&stubBars{bars: goodBars}, nil)
		pos := longPosition(t, 1, 100, now.Add(-3*time.Hour))
		d := e.Decide(context.Background(), addSignal("MSFT", broker.SideLong, 95, 5), pos, testPolicy(), snapshotFor(pos))
		assert.Equal(t, OutcomeSkip, d.Outcome)
		assert.Equal(t, ReasonPyramidNotAbove, d.Reason)
	})

	t.Run("pyramid rejects a new low since last entry", func(t *testing.T) {
		badBars := append([]market.Candle{}, goodBars...)
		badBars[0].Low = 80
		e := NewEngine(&stubBars{bars: badBars}, nil)
		pos := longPosition(t, 1, 95, now.Add(-3*time.Hour))
		d := e.Decide(context.Background(), addSignal("MSFT", broker.SideLong, 110, 5), pos, testPolicy(), snapshotFor(pos))
		assert.Equal(t, OutcomeSkip, d.Outcome)
		assert.Equal(t, ReasonPyramidNewLow, d.Reason)
	})
}

func TestDecideAverageMode(t *testing.T) {
	now := time.Now().UTC()
	pol := testPolicy()
	pol.ScalingType = policy.TypeAverage
	pol.MinBarGap = 0
	e := NewEngine(&stubBars{}, nil)

	t.Run("add below last entry scales", func(t *testing.T) {
		pos := longPosition(t, 1, 100, now.Add(-3*time.Hour))
		d := e.Decide(context.Background(), addSignal("MSFT", broker.SideLong, 93, 5), pos, pol, snapshotFor(pos))
		assert.Equal(t, OutcomeScale, d.Outcome)
	})

	t.Run("add above last entry skips", func(t *testing.T) {
		pos := longPosition(t, 1, 100, now.Add(-3*time.Hour))
		d := e.Decide(context.Background(), addSignal("MSFT", broker.SideLong, 105, 5), pos, pol, snapshotFor(pos))
		assert.Equal(t, OutcomeSkip, d.Outcome)
		assert.Equal(t, ReasonAverageNotBelow, d.Reason)
	})

	t.Run("excursion beyond limit skips", func(t *testing.T) {
		pos := longPosition(t, 1, 100, now.Add(-3*time.Hour))
		// first fill risk: 50 over 10 units = 5/unit; limit 2x = 10 under avg
		d := e.Decide(context.Background(), addSignal("MSFT", broker.SideLong, 70, 5), pos, pol, snapshotFor(pos))
		assert.Equal(t, OutcomeSkip, d.Outcome)
		assert.Equal(t, ReasonExcursion, d.Reason)
	})

	// Adopted positions carry no risk metadata, so the excursion bound falls
	// back to percent-of-average-price, one percent per allowed multiple.
	adopted := func() *ledger.Position {
		pos := ledger.NewPosition("MSFT", broker.SideLong, ledger.EntryFill{
			Timestamp: now.Add(-3 * time.Hour),
			Price:     100,
			Quantity:  10,
		})
		pos.External = true
		return pos
	}

	t.Run("adopted position within pct fallback scales", func(t *testing.T) {
		pos := adopted()
		// limit 2 reads as 2% of avg 100; price 99 is a 1% excursion.
		d := e.Decide(context.Background(), addSignal("MSFT", broker.SideLong, 99, 5), pos, pol, snapshotFor(pos))
		assert.Equal(t, OutcomeScale, d.Outcome)
	})

	t.Run("adopted position beyond pct fallback skips", func(t *testing.T) {
		pos := adopted()
		d := e.Decide(context.Background(), addSignal("MSFT", broker.SideLong, 93, 5), pos, pol, snapshotFor(pos))
		assert.Equal(t, OutcomeSkip, d.Outcome)
		assert.Equal(t, ReasonExcursion, d.Reason)
	})
}

func TestDecideScalePassesAllPhases(t *testing.T) {
	now := time.Now().UTC()
	bars := []market.Candle{
		{OpenTime: now.Add(-90 * time.Minute).UnixMilli(), CloseTime: now.Add(-60 * time.Minute).UnixMilli(), Low: 101, High: 108},
		{OpenTime: now.Add(-60 * time.Minute).UnixMilli(), CloseTime: now.Add(-30 * time.Minute).UnixMilli(), Low: 103, High: 112},
	}
	e := NewEngine(&stubBars{bars: bars}, nil)
	pos := longPosition(t, 1, 100, now.Add(-3*time.Hour))

	d := e.Decide(context.Background(), addSignal("MSFT", broker.SideLong, 110, 5), pos, testPolicy(), snapshotFor(pos))
	require.Equal(t, OutcomeScale, d.Outcome)
	assert.Equal(t, ReasonNone, d.Reason)
	assert.Equal(t, 1, d.Entries)
	assert.NotEmpty(t, d.ID)
}
