// Package reconcile aligns the internal ledger with the venue's position
// snapshot. The venue is ground truth: the ledger adopts what it cannot
// explain, closes what the venue no longer holds, and quarantines what it
// cannot adopt consistently. Reconciliation never places orders.
package reconcile

import (
	"context"
	"fmt"
	"sort"
	"time"

	"helmsman/internal/audit"
	"helmsman/internal/broker"
	"helmsman/internal/ledger"
	"helmsman/internal/logger"
)

// Tolerance below which venue and ledger quantities are considered equal.
const qtyTolerance = 1e-6

// Result partitions every symbol seen on either side of the comparison into
// exactly one of four sets.
type Result struct {
	// Backfilled holds venue positions newly adopted into the ledger with
	// synthetic metadata.
	Backfilled []string
	// OrphanClosed holds ledger positions the venue no longer reports,
	// closed via a synthetic external-close event.
	OrphanClosed []string
	// Unreconciled holds venue positions that could not be adopted. These
	// are quarantined and hard-block new risk.
	Unreconciled map[string]bool
	// Matched holds symbols present and consistent on both sides.
	Matched []string
	// BrokerQty snapshots the venue quantity per held symbol, consumed by
	// the decision engine's drift check.
	BrokerQty map[string]float64

	RanAt time.Time
}

// Ledger is the slice of the position store reconciliation mutates.
type Ledger interface {
	List(ctx context.Context) ([]*ledger.Position, error)
	Save(ctx context.Context, pos *ledger.Position) error
	RemoveClosed(ctx context.Context, evt ledger.CloseEvent) error
}

// Engine runs one reconciliation pass at a time, on the scheduler goroutine.
type Engine struct {
	book  Ledger
	log   *audit.Log
	nowFn func() time.Time
}

func NewEngine(book Ledger, log *audit.Log) *Engine {
	return &Engine{book: book, log: log, nowFn: time.Now}
}

// Reconcile compares the venue snapshot against the ledger and resolves every
// discrepancy it can. It returns a partition covering each symbol exactly
// once; partial failures leave the remaining symbols untouched for the next
// cycle rather than aborting the pass.
func (e *Engine) Reconcile(ctx context.Context, venue []broker.Position) (Result, error) {
	now := e.nowFn().UTC()
	res := Result{
		Unreconciled: make(map[string]bool),
		BrokerQty:    make(map[string]float64, len(venue)),
		RanAt:        now,
	}

	held, err := e.book.List(ctx)
	if err != nil {
		return res, fmt.Errorf("reconcile: list ledger: %w", err)
	}
	bySymbol := make(map[string]*ledger.Position, len(held))
	for _, pos := range held {
		bySymbol[pos.Symbol] = pos
	}

	counts := make(map[string]int, len(venue))
	for _, vp := range venue {
		counts[vp.Symbol]++
	}

	for _, vp := range venue {
		if counts[vp.Symbol] > 1 {
			// Duplicate venue rows cannot be trusted for adoption. The
			// symbol stays on the venue, so it is not an orphan either.
			if !res.Unreconciled[vp.Symbol] {
				e.quarantine(ctx, &res, vp, "duplicate venue rows")
			}
			delete(bySymbol, vp.Symbol)
			continue
		}
		res.BrokerQty[vp.Symbol] = vp.Quantity

		pos, ok := bySymbol[vp.Symbol]
		if !ok {
			e.backfill(ctx, &res, vp, now)
			continue
		}
		delete(bySymbol, vp.Symbol)

		if diff := vp.Quantity - pos.Quantity; diff > qtyTolerance || diff < -qtyTolerance {
			// Quantity drift on a known position is surfaced, never
			// silently repaired.
			e.quarantine(ctx, &res, vp,
				fmt.Sprintf("venue qty %v != ledger qty %v", vp.Quantity, pos.Quantity))
			continue
		}
		res.Matched = append(res.Matched, vp.Symbol)
	}

	// Whatever remains in the ledger has no venue counterpart.
	for _, pos := range bySymbol {
		e.orphanClose(ctx, &res, pos, now)
	}

	sort.Strings(res.Backfilled)
	sort.Strings(res.OrphanClosed)
	sort.Strings(res.Matched)
	return res, nil
}

// backfill adopts a venue position the ledger has never seen. The synthetic
// fill carries no confidence or risk metadata and is excluded from strategy
// statistics via the External flag.
func (e *Engine) backfill(ctx context.Context, res *Result, vp broker.Position, now time.Time) {
	if vp.Quantity <= 0 || vp.AvgPrice <= 0 {
		e.quarantine(ctx, res, vp,
			fmt.Sprintf("cannot adopt qty=%v avg_price=%v", vp.Quantity, vp.AvgPrice))
		return
	}
	pos := ledger.NewPosition(vp.Symbol, vp.Side, ledger.EntryFill{
		Timestamp: now,
		Price:     vp.AvgPrice,
		Quantity:  vp.Quantity,
	})
	pos.External = true
	if err := e.book.Save(ctx, pos); err != nil {
		logger.Errorf("reconcile: backfill %s failed: %v", vp.Symbol, err)
		e.quarantine(ctx, res, vp, fmt.Sprintf("backfill save failed: %v", err))
		return
	}
	res.Backfilled = append(res.Backfilled, vp.Symbol)
	logger.Infof("reconcile: backfilled %s qty=%v avg=%v", vp.Symbol, vp.Quantity, vp.AvgPrice)
	e.audit(ctx, audit.KindBackfill, vp.Symbol, "adopted venue position", map[string]any{
		"quantity": vp.Quantity, "avg_price": vp.AvgPrice,
	})
}

// orphanClose removes a ledger position the venue no longer holds.
func (e *Engine) orphanClose(ctx context.Context, res *Result, pos *ledger.Position, now time.Time) {
	evt := ledger.CloseEvent{
		Symbol:     pos.Symbol,
		Side:       pos.Side,
		Quantity:   pos.Quantity,
		AvgPrice:   pos.AvgPrice,
		ClosePrice: pos.AvgPrice, // no venue price for a vanished position
		Reason:     ledger.CloseReasonExternal,
		External:   true,
		ClosedAt:   now,
	}
	if err := e.book.RemoveClosed(ctx, evt); err != nil {
		logger.Errorf("reconcile: orphan close %s failed: %v", pos.Symbol, err)
		res.Unreconciled[pos.Symbol] = true
		return
	}
	res.OrphanClosed = append(res.OrphanClosed, pos.Symbol)
	logger.Warnf("reconcile: %s closed externally, qty=%v", pos.Symbol, pos.Quantity)
	e.audit(ctx, audit.KindOrphanClose, pos.Symbol, "no venue position", map[string]any{
		"quantity": pos.Quantity, "avg_price": pos.AvgPrice,
	})
}

func (e *Engine) quarantine(ctx context.Context, res *Result, vp broker.Position, detail string) {
	res.Unreconciled[vp.Symbol] = true
	logger.Warnf("reconcile: %s unreconciled: %s", vp.Symbol, detail)
	e.audit(ctx, audit.KindUnreconciled, vp.Symbol, detail, map[string]any{
		"quantity": vp.Quantity, "avg_price": vp.AvgPrice,
	})
}

func (e *Engine) audit(ctx context.Context, kind, symbol, reason string, numbers map[string]any) {
	if e.log == nil {
		return
	}
	if err := e.log.Append(ctx, audit.Event{
		Kind: kind, Symbol: symbol, Reason: reason, Numbers: numbers, TS: e.nowFn().UnixMilli(),
	}); err != nil {
		logger.Warnf("reconcile: audit append failed: %v", err)
	}
}
