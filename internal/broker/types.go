// Package broker defines the port the runtime uses to talk to an execution
// venue. The core never builds wire requests itself; adapters under
// internal/gateway implement this interface.
package broker

import "time"

// Side of a position or order.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// Opposite returns the other direction.
func (s Side) Opposite() Side {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

// OrderType is the execution style of an order.
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// OrderState is the lifecycle state reported by the venue.
type OrderState string

const (
	OrderStateNew             OrderState = "new"
	OrderStatePartiallyFilled OrderState = "partially_filled"
	OrderStateFilled          OrderState = "filled"
	OrderStateCanceled        OrderState = "canceled"
	OrderStateRejected        OrderState = "rejected"
	OrderStateExpired         OrderState = "expired"
)

// Terminal reports whether the state can no longer change.
func (s OrderState) Terminal() bool {
	switch s {
	case OrderStateFilled, OrderStateCanceled, OrderStateRejected, OrderStateExpired:
		return true
	}
	return false
}

// Clock is the venue's session clock snapshot.
type Clock struct {
	IsOpen    bool
	Now       time.Time
	NextOpen  time.Time
	NextClose time.Time

	// Stale marks a cached snapshot returned after a failed refresh.
	Stale bool
	// Synthetic marks a fabricated fail-closed snapshot; it must never be
	// trusted to open a trading window.
	Synthetic bool
}

// Position is the venue's view of a holding. It is ground truth and is never
// mutated locally.
type Position struct {
	Symbol       string
	Side         Side
	Quantity     float64
	AvgPrice     float64
	CurrentPrice float64
	UpdatedAt    time.Time
}

// OrderRequest describes an order to submit.
type OrderRequest struct {
	Symbol     string
	Side       Side
	Action     string // "open" or "close", tag for the audit trail
	Quantity   float64
	Type       OrderType
	LimitPrice float64 // required for limit orders
	Tag        string  // free-form reason tag
}

// OrderHandle identifies a submitted order for later polling.
type OrderHandle struct {
	ID     string
	Symbol string
}

// OrderStatus is a poll result.
type OrderStatus struct {
	ID           string
	Symbol       string
	State        OrderState
	FilledQty    float64
	AvgFillPrice float64
	UpdatedAt    time.Time
}
