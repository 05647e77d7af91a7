package reconcile

import (
	"context"
	"fmt"
	"testing"
	"time"

	"helmsman/internal/broker"
	"helmsman/internal/ledger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memLedger struct {
	positions map[string]*ledger.Position
	closes    []ledger.CloseEvent
	saveErr   error
	closeErr  error
}

func newMemLedger(positions ...*ledger.Position) *memLedger {
	m := &memLedger{positions: make(map[string]*ledger.Position)}
	for _, p := range positions {
		m.positions[p.Symbol] = p
	}
	return m
}

func (m *memLedger) List(ctx context.Context) ([]*ledger.Position, error) {
	out := make([]*ledger.Position, 0, len(m.positions))
	for _, p := range m.positions {
		out = append(out, p)
	}
	return out, nil
}

func (m *memLedger) Save(ctx context.Context, pos *ledger.Position) error {
	if m.saveErr != nil {
		return m.saveErr
	}
	m.positions[pos.Symbol] = pos
	return nil
}

func (m *memLedger) RemoveClosed(ctx context.Context, evt ledger.CloseEvent) error {
	if m.closeErr != nil {
		return m.closeErr
	}
	delete(m.positions, evt.Symbol)
	m.closes = append(m.closes, evt)
	return nil
}

func heldPosition(symbol string, qty, price float64) *ledger.Position {
	return ledger.NewPosition(symbol, broker.SideLong, ledger.EntryFill{
		Timestamp: time.Date(2026, 8, 28, 14, 30, 0, 0, time.UTC),
		Price:     price,
		Quantity:  qty,
	})
}

func venuePosition(symbol string, qty, price float64) broker.Position {
	return broker.Position{Symbol: symbol, Side: broker.SideLong, Quantity: qty, AvgPrice: price}
}

func TestReconcileMatched(t *testing.T) {
	book := newMemLedger(heldPosition("AAPL", 100, 150))
	e := NewEngine(book, nil)

	res, err := e.Reconcile(context.Background(), []broker.Position{venuePosition("AAPL", 100, 150)})
	require.NoError(t, err)
	assert.Equal(t, []string{"AAPL"}, res.Matched)
	assert.Empty(t, res.Backfilled)
	assert.Empty(t, res.OrphanClosed)
	assert.Empty(t, res.Unreconciled)
	assert.Equal(t, 100.0, res.BrokerQty["AAPL"])
}

func TestReconcileBackfill(t *testing.T) {
	book := newMemLedger()
	e := NewEngine(book, nil)

	res, err := e.Reconcile(context.Background(), []broker.Position{venuePosition("MSFT", 50, 410)})
	require.NoError(t, err)
	assert.Equal(t, []string{"MSFT"}, res.Backfilled)

	pos := book.positions["MSFT"]
	require.NotNil(t, pos)
	assert.True(t, pos.External, "adopted positions are excluded from strategy statistics")
	assert.Equal(t, 1, pos.EntryCount)
	assert.Equal(t, 50.0, pos.Quantity)
	assert.Equal(t, 410.0, pos.AvgPrice)
	assert.Zero(t, pos.Fills[0].Confidence)
}

func TestReconcileOrphanClose(t *testing.T) {
	book := newMemLedger(heldPosition("TSLA", 20, 250))
	e := NewEngine(book, nil)

	res, err := e.Reconcile(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"TSLA"}, res.OrphanClosed)
	assert.NotContains(t, book.positions, "TSLA")

	require.Len(t, book.closes, 1)
	evt := book.closes[0]
	assert.Equal(t, ledger.CloseReasonExternal, evt.Reason)
	assert.True(t, evt.External)
	assert.Equal(t, 20.0, evt.Quantity)
}

func TestReconcileQuarantine(t *testing.T) {
	t.Run("non-positive quantity", func(t *testing.T) {
		book := newMemLedger()
		e := NewEngine(book, nil)
		res, err := e.Reconcile(context.Background(), []broker.Position{venuePosition("BAD", 0, 100)})
		require.NoError(t, err)
		assert.True(t, res.Unreconciled["BAD"])
		assert.NotContains(t, book.positions, "BAD")
	})

	t.Run("quantity drift on known position", func(t *testing.T) {
		book := newMemLedger(heldPosition("NVDA", 30, 900))
		e := NewEngine(book, nil)
		res, err := e.Reconcile(context.Background(), []broker.Position{venuePosition("NVDA", 35, 900)})
		require.NoError(t, err)
		assert.True(t, res.Unreconciled["NVDA"])
		assert.Empty(t, res.OrphanClosed, "drifted positions are not closed")
		assert.Contains(t, book.positions, "NVDA", "ledger record is kept for operator resolution")
	})

	t.Run("duplicate venue rows", func(t *testing.T) {
		book := newMemLedger(heldPosition("AMD", 10, 160))
		e := NewEngine(book, nil)
		res, err := e.Reconcile(context.Background(), []broker.Position{
			venuePosition("AMD", 10, 160),
			venuePosition("AMD", 10, 160),
		})
		require.NoError(t, err)
		assert.True(t, res.Unreconciled["AMD"])
		assert.Empty(t, res.Matched)
		assert.Empty(t, res.OrphanClosed, "symbol is still on the venue")
		assert.Contains(t, book.positions, "AMD")
	})

	t.Run("backfill save failure", func(t *testing.T) {
		book := newMemLedger()
		book.saveErr = fmt.Errorf("disk full")
		e := NewEngine(book, nil)
		res, err := e.Reconcile(context.Background(), []broker.Position{venuePosition("GOOG", 5, 180)})
		require.NoError(t, err)
		assert.True(t, res.Unreconciled["GOOG"])
		assert.Empty(t, res.Backfilled)
	})
}

// Every symbol seen on either side lands in exactly one result set.
func TestReconcilePartitionCoversEverySymbol(t *testing.T) {
	book := newMemLedger(
		heldPosition("AAPL", 100, 150), // matched
		heldPosition("NVDA", 30, 900),  // drifted
		heldPosition("TSLA", 20, 250),  // orphan
	)
	e := NewEngine(book, nil)
	venue := []broker.Position{
		venuePosition("AAPL", 100, 150),
		venuePosition("NVDA", 35, 900),
		venuePosition("MSFT", 50, 410), // backfill
		venuePosition("BAD", -1, 10),   // quarantine
	}

	res, err := e.Reconcile(context.Background(), venue)
	require.NoError(t, err)

	membership := make(map[string]int)
	for _, s := range res.Matched {
		membership[s]++
	}
	for _, s := range res.Backfilled {
		membership[s]++
	}
	for _, s := range res.OrphanClosed {
		membership[s]++
	}
	for s := range res.Unreconciled {
		membership[s]++
	}

	for _, s := range []string{"AAPL", "NVDA", "MSFT", "TSLA", "BAD"} {
		assert.Equal(t, 1, membership[s], "symbol %s must appear in exactly one set", s)
	}
}

func TestReconcileIdempotentOnSecondPass(t *testing.T) {
	book := newMemLedger()
	e := NewEngine(book, nil)
	venue := []broker.Position{venuePosition("MSFT", 50, 410)}

	first, err := e.Reconcile(context.Background(), venue)
	require.NoError(t, err)
	assert.Equal(t, []string{"MSFT"}, first.Backfilled)

	second, err := e.Reconcile(context.Background(), venue)
	require.NoError(t, err)
	assert.Empty(t, second.Backfilled, "adopted position matches on the next pass")
	assert.Equal(t, []string{"MSFT"}, second.Matched)
}
