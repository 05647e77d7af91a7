package exitintent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"helmsman/internal/audit"
	"helmsman/internal/broker"
	"helmsman/internal/ledger"
	"helmsman/internal/logger"
	"helmsman/internal/signal"
)

// Ledger is the slice of the position store the executor needs.
type Ledger interface {
	Get(ctx context.Context, symbol string) (*ledger.Position, error)
	RemoveClosed(ctx context.Context, evt ledger.CloseEvent) error
}

// RiskSink receives realized results. Satisfied by the risk gate.
type RiskSink interface {
	OnTradeClosed(ctx context.Context, pnl float64) error
}

// Window is the post-open span, in minutes after the session open, during
// which planned intents may execute.
type Window struct {
	StartMin int
	EndMin   int
}

// Contains reports whether now falls inside the window for the given session
// open.
func (w Window) Contains(now, sessionOpen time.Time) bool {
	elapsed := now.Sub(sessionOpen)
	return elapsed >= time.Duration(w.StartMin)*time.Minute &&
		elapsed <= time.Duration(w.EndMin)*time.Minute
}

// Executor turns exit signals into orders. Immediate exits go straight to a
// market order; everything else becomes a durable PLANNED intent executed in
// the next valid window.
type Executor struct {
	store  *Store
	port   broker.Port
	prices broker.PriceSource
	book   Ledger
	risk   RiskSink
	log    *audit.Log
	window Window
	nowFn  func() time.Time
}

func NewExecutor(store *Store, port broker.Port, prices broker.PriceSource, book Ledger, risk RiskSink, log *audit.Log, window Window) *Executor {
	return &Executor{
		store:  store,
		port:   port,
		prices: prices,
		book:   book,
		risk:   risk,
		log:    log,
		window: window,
		nowFn:  time.Now,
	}
}

// RecordOrExecute handles one exit decision. Catastrophic urgency closes the
// position synchronously with a market order and creates no intent; anything
// else is persisted as PLANNED with no order submitted now.
func (e *Executor) RecordOrExecute(ctx context.Context, pos *ledger.Position, sig signal.ExitSignal) error {
	if sig.Urgency == signal.UrgencyImmediate {
		logger.Warnf("exit: immediate %s for %s: %s", sig.ExitType, sig.Symbol, sig.Reason)
		return e.closePosition(ctx, pos, broker.OrderTypeMarket, 0, sig.Reason)
	}

	in := NewIntent(sig.Symbol, sig.ExitType, sig.Reason, e.nowFn().UTC())
	if err := e.store.Save(ctx, in); err != nil {
		return fmt.Errorf("exit: persist intent for %s: %w", sig.Symbol, err)
	}
	logger.Infof("exit: planned %s for %s: %s", sig.ExitType, sig.Symbol, sig.Reason)
	e.audit(ctx, audit.KindIntentPlanned, sig.Symbol, sig.Reason, map[string]any{
		"exit_type": sig.ExitType, "quantity": pos.Quantity,
	})
	return nil
}

// ExecutePending executes every PLANNED intent, provided now falls inside the
// post-open window for the given session open. Planned exits always use a
// limit order at the prevailing price so slippage against the decision price
// stays bounded. The once-per-session guard lives with the caller's task
// state. Returns the number of intents executed.
func (e *Executor) ExecutePending(ctx context.Context, now, sessionOpen time.Time) (int, error) {
	if !e.window.Contains(now, sessionOpen) {
		return 0, nil
	}
	intents, err := e.store.ListPlanned(ctx)
	if err != nil {
		return 0, fmt.Errorf("exit: list planned: %w", err)
	}

	executed := 0
	for _, in := range intents {
		if err := e.executeIntent(ctx, in); err != nil {
			// One stuck symbol must not starve the rest; the intent stays
			// PLANNED for the next window.
			logger.Errorf("exit: intent %s for %s failed: %v", in.ID, in.Symbol, err)
			continue
		}
		executed++
	}
	return executed, nil
}

func (e *Executor) executeIntent(ctx context.Context, in Intent) error {
	pos, err := e.book.Get(ctx, in.Symbol)
	if errors.Is(err, ledger.ErrNotFound) {
		// The position left the book since the decision, usually via an
		// external close. The intent is moot.
		logger.Infof("exit: intent %s for %s obsolete, position gone", in.ID, in.Symbol)
		return e.store.Delete(ctx, in.Symbol)
	}
	if err != nil {
		return err
	}

	price, err := e.prices.LastPrice(ctx, in.Symbol)
	if err != nil {
		return fmt.Errorf("no prevailing price: %w", err)
	}
	if err := e.closePosition(ctx, pos, broker.OrderTypeLimit, price, in.Reason); err != nil {
		return err
	}
	if err := e.store.MarkExecuted(ctx, in.Symbol); err != nil {
		return fmt.Errorf("mark intent executed: %w", err)
	}
	e.audit(ctx, audit.KindIntentDone, in.Symbol, in.Reason, map[string]any{
		"exit_type": in.ExitType, "limit_price": price, "quantity": pos.Quantity,
	})
	return nil
}

// closePosition submits the closing order, finalizes the ledger, and feeds
// the realized result to the risk gate.
func (e *Executor) closePosition(ctx context.Context, pos *ledger.Position, typ broker.OrderType, limitPrice float64, reason string) error {
	req := broker.OrderRequest{
		Symbol:     pos.Symbol,
		Side:       pos.Side,
		Action:     "close",
		Quantity:   pos.Quantity,
		Type:       typ,
		LimitPrice: limitPrice,
		Tag:        reason,
	}
	handle, err := e.port.SubmitOrder(ctx, req)
	if err != nil {
		return fmt.Errorf("submit close order: %w", err)
	}
	e.audit(ctx, audit.KindOrder, pos.Symbol, reason, map[string]any{
		"action": "close", "type": string(typ), "quantity": pos.Quantity, "limit_price": limitPrice,
	})

	closePrice := limitPrice
	if status, err := e.port.PollOrder(ctx, handle); err == nil && status.AvgFillPrice > 0 {
		closePrice = status.AvgFillPrice
	}
	if closePrice <= 0 {
		// Market order with no immediate fill report; fall back to the
		// recorded average so the close event stays well-formed.
		closePrice = pos.AvgPrice
	}

	evt := ledger.CloseEvent{
		Symbol:     pos.Symbol,
		Side:       pos.Side,
		Quantity:   pos.Quantity,
		AvgPrice:   pos.AvgPrice,
		ClosePrice: closePrice,
		Reason:     ledger.CloseReasonOrdered,
		External:   pos.External,
		ClosedAt:   e.nowFn().UTC(),
	}
	if err := e.book.RemoveClosed(ctx, evt); err != nil {
		return fmt.Errorf("finalize ledger close: %w", err)
	}
	if e.risk != nil {
		if err := e.risk.OnTradeClosed(ctx, evt.PnL()); err != nil {
			logger.Errorf("exit: risk update for %s failed: %v", pos.Symbol, err)
		}
	}
	logger.Infof("exit: closed %s qty=%v at %v pnl=%.2f (%s)", pos.Symbol, pos.Quantity, closePrice, evt.PnL(), reason)
	return nil
}

func (e *Executor) audit(ctx context.Context, kind, symbol, reason string, numbers map[string]any) {
	if e.log == nil {
		return
	}
	if err := e.log.Append(ctx, audit.Event{
		Kind: kind, Symbol: symbol, Reason: reason, Numbers: numbers, TS: e.nowFn().UnixMilli(),
	}); err != nil {
		logger.Warnf("exit: audit append failed: %v", err)
	}
}
