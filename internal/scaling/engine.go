package scaling

import (
	"context"
	"time"

	"helmsman/internal/audit"
	"helmsman/internal/ledger"
	"helmsman/internal/logger"
	"helmsman/internal/market"
	"helmsman/internal/policy"
	"helmsman/internal/signal"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// BookSnapshot is everything beyond the signal that a decision reads. It is
// assembled by the scheduler from the latest reconciliation cycle so all
// checks within one decision see a consistent view.
type BookSnapshot struct {
	// Unreconciled symbols are hard-blocked before any other lookup.
	Unreconciled map[string]bool
	// BrokerQty is the venue-reported quantity per held symbol.
	BrokerQty map[string]float64
	// PendingOrders marks symbols already targeted by an open order.
	PendingOrders map[string]bool
	Equity        float64
}

// Engine evaluates signals. Stateless apart from its collaborators; safe to
// call only from the scheduler goroutine.
type Engine struct {
	bars  market.CandleSource
	log   *audit.Log
	nowFn func() time.Time
}

func NewEngine(bars market.CandleSource, log *audit.Log) *Engine {
	return &Engine{bars: bars, log: log, nowFn: time.Now}
}

// checkContext carries the prepared inputs through the check chain.
type checkContext struct {
	ctx          context.Context
	sig          signal.Signal
	pos          *ledger.Position
	policy       policy.ScalingPolicy
	snap         BookSnapshot
	now          time.Time
	projectedPct float64

	barsFn     func() ([]market.Candle, error)
	barsCache  []market.Candle
	barsErr    error
	barsLoaded bool
}

// bars fetches the completed candles since the last entry, once.
func (c *checkContext) bars() ([]market.Candle, error) {
	if !c.barsLoaded {
		c.barsCache, c.barsErr = c.barsFn()
		c.barsLoaded = true
	}
	return c.barsCache, c.barsErr
}

// Decide evaluates one signal against the book. The unreconciled preflight
// runs before any ledger access and cannot be bypassed.
func (e *Engine) Decide(ctx context.Context, sig signal.Signal, pos *ledger.Position, pol policy.ScalingPolicy, snap BookSnapshot) Decision {
	now := e.nowFn().UTC()
	d := Decision{
		ID:         uuid.NewString(),
		Symbol:     sig.Symbol,
		MaxEntries: pol.MaxEntriesPerSymbol,
		DecidedAt:  now,
	}

	if snap.Unreconciled[sig.Symbol] {
		d.Outcome = OutcomeBlock
		d.Reason = ReasonUnreconciled
		d.Detail = "symbol is quarantined until the venue position is reconciled"
		e.emit(ctx, d)
		return d
	}

	// A resting order counts as committed exposure even before the ledger
	// sees a fill, so this guard runs ahead of the position lookup: a fresh
	// signal must never double-enter a symbol with an order in flight.
	if snap.PendingOrders[sig.Symbol] {
		d.Outcome = OutcomeBlock
		d.Reason = ReasonPendingOrder
		d.Detail = "an order already targets the symbol"
		e.emit(ctx, d)
		return d
	}

	if pos == nil {
		d.Outcome = OutcomeEnterNew
		d.Detail = "no existing position; sizing deferred to the risk gate"
		e.emit(ctx, d)
		return d
	}

	d.Entries = pos.EntryCount
	d.PositionPct = projectedPct(sig, pos, snap.Equity)

	cc := &checkContext{
		ctx:          ctx,
		sig:          sig,
		pos:          pos,
		policy:       pol,
		snap:         snap,
		now:          now,
		projectedPct: d.PositionPct,
		barsFn: func() ([]market.Candle, error) {
			bars, err := e.bars.BarsSince(ctx, sig.Symbol, pos.LastEntryAt)
			if err != nil {
				return nil, err
			}
			return market.DropUnclosed(bars, now), nil
		},
	}

	for _, check := range scalingChecks {
		if f := check(cc); f != nil {
			d.Outcome = f.outcome
			d.Reason = f.reason
			d.Detail = f.detail
			e.emit(ctx, d)
			return d
		}
	}

	d.Outcome = OutcomeScale
	d.Detail = "all scaling checks passed; final sizing deferred to the risk gate"
	e.emit(ctx, d)
	return d
}

// projectedPct estimates the position's share of equity after the add. The
// add size is the signal's hint, or the position's mean fill size when the
// signal carries none.
func projectedPct(sig signal.Signal, pos *ledger.Position, equity float64) float64 {
	if equity <= 0 {
		return 0
	}
	addQty := sig.SizeHint
	if addQty <= 0 && pos.EntryCount > 0 {
		addQty = pos.Quantity / float64(pos.EntryCount)
	}
	price := sig.PriceHint
	if price <= 0 {
		price = pos.AvgPrice
	}
	current := decimal.NewFromFloat(pos.Quantity).Mul(decimal.NewFromFloat(pos.AvgPrice))
	add := decimal.NewFromFloat(addQty).Mul(decimal.NewFromFloat(price))
	pct := current.Add(add).Div(decimal.NewFromFloat(equity))
	f, _ := pct.Float64()
	return f
}

func (e *Engine) emit(ctx context.Context, d Decision) {
	logger.Infof("decide: %s %s reason=%s entries=%d/%d pct=%.2f%% %s",
		d.Symbol, d.Outcome, d.Reason, d.Entries, d.MaxEntries, d.PositionPct*100, d.Detail)
	if e.log == nil {
		return
	}
	err := e.log.Append(ctx, audit.Event{
		ID:     d.ID,
		Kind:   audit.KindDecision,
		Symbol: d.Symbol,
		Reason: string(d.Reason),
		Detail: d.Detail,
		Numbers: map[string]any{
			"outcome":      string(d.Outcome),
			"entries":      d.Entries,
			"max_entries":  d.MaxEntries,
			"position_pct": d.PositionPct,
		},
	})
	if err != nil {
		logger.Warnf("decide: audit append failed for %s: %v", d.Symbol, err)
	}
}
