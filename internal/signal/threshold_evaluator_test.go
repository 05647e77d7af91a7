package signal

import (
	"context"
	"testing"
	"time"

	"helmsman/internal/broker"
	"helmsman/internal/ledger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func longPosition(avgPrice float64, openedAt time.Time) *ledger.Position {
	return ledger.NewPosition("AAPL", broker.SideLong, ledger.EntryFill{
		Timestamp: openedAt,
		Price:     avgPrice,
		Quantity:  10,
	})
}

func TestThresholdEvaluatorVerdicts(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 8, 28, 20, 0, 0, 0, time.UTC)
	eval := NewThresholdEvaluator(0.10, 0.05, 10)

	t.Run("healthy position holds", func(t *testing.T) {
		es, err := eval.Evaluate(ctx, longPosition(100, now.Add(-48*time.Hour)), 99, now)
		require.NoError(t, err)
		assert.Nil(t, es)
	})

	t.Run("catastrophic loss is immediate", func(t *testing.T) {
		es, err := eval.Evaluate(ctx, longPosition(100, now.Add(-48*time.Hour)), 88, now)
		require.NoError(t, err)
		require.NotNil(t, es)
		assert.Equal(t, "catastrophic_loss", es.ExitType)
		assert.Equal(t, UrgencyImmediate, es.Urgency)
	})

	t.Run("stop breach is end of day", func(t *testing.T) {
		es, err := eval.Evaluate(ctx, longPosition(100, now.Add(-48*time.Hour)), 94, now)
		require.NoError(t, err)
		require.NotNil(t, es)
		assert.Equal(t, "stop_loss", es.ExitType)
		assert.Equal(t, UrgencyEOD, es.Urgency)
	})

	t.Run("stale holding is end of day", func(t *testing.T) {
		es, err := eval.Evaluate(ctx, longPosition(100, now.Add(-11*24*time.Hour)), 101, now)
		require.NoError(t, err)
		require.NotNil(t, es)
		assert.Equal(t, "max_hold", es.ExitType)
		assert.Equal(t, UrgencyEOD, es.Urgency)
	})

	t.Run("short side inverts the loss", func(t *testing.T) {
		pos := ledger.NewPosition("TSLA", broker.SideShort, ledger.EntryFill{
			Timestamp: now.Add(-24 * time.Hour),
			Price:     200,
			Quantity:  5,
		})
		es, err := eval.Evaluate(ctx, pos, 224, now)
		require.NoError(t, err)
		require.NotNil(t, es)
		assert.Equal(t, "catastrophic_loss", es.ExitType)
	})

	t.Run("missing price is an error", func(t *testing.T) {
		_, err := eval.Evaluate(ctx, longPosition(100, now), 0, now)
		assert.Error(t, err)
	})
}
