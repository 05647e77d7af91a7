// Package ledger holds the runtime's own record of positions. It is mutated
// only on the scheduler goroutine, by approved decision actions and by
// reconciliation backfills; the venue snapshot stays ground truth.
package ledger

import (
	"fmt"
	"time"

	"helmsman/internal/broker"
)

// EntryFill is one approved entry into a position.
type EntryFill struct {
	Timestamp  time.Time `json:"timestamp"`
	Price      float64   `json:"price"`
	Quantity   float64   `json:"quantity"`
	Confidence float64   `json:"confidence"`
	RiskAmount float64   `json:"risk_amount"`
}

// Close reasons recorded on the position when it leaves the book.
const (
	CloseReasonOrdered  = "ordered_exit"
	CloseReasonExternal = "external_close"
)

// Position is the ledger's view of a holding.
//
// Invariants: EntryCount == len(Fills); Quantity == sum of fill quantities.
type Position struct {
	Symbol      string
	Side        broker.Side
	Fills       []EntryFill
	Quantity    float64
	AvgPrice    float64
	EntryCount  int
	LastEntryAt time.Time
	OpenedAt    time.Time

	// External marks a position adopted from the venue by a reconciliation
	// backfill. Tracked for exits, excluded from strategy statistics.
	External bool
}

// NewPosition opens a position from its first fill.
func NewPosition(symbol string, side broker.Side, fill EntryFill) *Position {
	p := &Position{
		Symbol:   symbol,
		Side:     side,
		OpenedAt: fill.Timestamp,
	}
	p.addFill(fill)
	return p
}

// AddFill appends a further entry and recomputes the aggregates.
func (p *Position) AddFill(fill EntryFill) error {
	if fill.Quantity <= 0 || fill.Price <= 0 {
		return fmt.Errorf("ledger: invalid fill for %s: qty=%v price=%v", p.Symbol, fill.Quantity, fill.Price)
	}
	p.addFill(fill)
	return nil
}

func (p *Position) addFill(fill EntryFill) {
	p.Fills = append(p.Fills, fill)
	p.EntryCount = len(p.Fills)
	p.LastEntryAt = fill.Timestamp

	var qty, notional float64
	for _, f := range p.Fills {
		qty += f.Quantity
		notional += f.Quantity * f.Price
	}
	p.Quantity = qty
	if qty > 0 {
		p.AvgPrice = notional / qty
	}
}

// LastFill returns the most recent entry, or nil for an empty position.
func (p *Position) LastFill() *EntryFill {
	if len(p.Fills) == 0 {
		return nil
	}
	return &p.Fills[len(p.Fills)-1]
}

// TotalRisk sums the recorded risk amounts across fills.
func (p *Position) TotalRisk() float64 {
	var sum float64
	for _, f := range p.Fills {
		sum += f.RiskAmount
	}
	return sum
}

// CheckInvariants verifies the fill aggregates. A violation is a programming
// error surfaced to the caller, never a panic.
func (p *Position) CheckInvariants() error {
	if p.EntryCount != len(p.Fills) {
		return fmt.Errorf("ledger: %s entry_count=%d but %d fills", p.Symbol, p.EntryCount, len(p.Fills))
	}
	var qty float64
	for _, f := range p.Fills {
		qty += f.Quantity
	}
	if diff := p.Quantity - qty; diff > 1e-9 || diff < -1e-9 {
		return fmt.Errorf("ledger: %s aggregate quantity %v != fill sum %v", p.Symbol, p.Quantity, qty)
	}
	return nil
}

func sideFromString(s string) broker.Side {
	if s == string(broker.SideShort) {
		return broker.SideShort
	}
	return broker.SideLong
}

// CloseEvent is emitted when a position leaves the book, either via an
// executed exit or a synthetic external close from reconciliation.
type CloseEvent struct {
	Symbol     string
	Side       broker.Side
	Quantity   float64
	AvgPrice   float64
	ClosePrice float64
	Reason     string
	External   bool
	ClosedAt   time.Time
}

// PnL returns the realized profit for the close in quote currency.
func (e CloseEvent) PnL() float64 {
	diff := e.ClosePrice - e.AvgPrice
	if e.Side == broker.SideShort {
		diff = -diff
	}
	return diff * e.Quantity
}
