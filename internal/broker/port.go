package broker

import "context"

// Port is the execution-venue boundary. Every call must honor the context
// deadline; the scheduler wraps each call with its own timeout so a hung
// venue cannot freeze the tick loop.
type Port interface {
	// GetClock returns the venue session clock.
	GetClock(ctx context.Context) (Clock, error)

	// GetPositions returns the venue's current holdings.
	GetPositions(ctx context.Context) ([]Position, error)

	// SubmitOrder places an order and returns a handle for polling.
	SubmitOrder(ctx context.Context, req OrderRequest) (OrderHandle, error)

	// PollOrder fetches the current status for a previously submitted order.
	PollOrder(ctx context.Context, handle OrderHandle) (OrderStatus, error)
}

// PriceSource exposes the latest tradeable price for a symbol. Planned exits
// are priced against this, not against the decision-time price.
type PriceSource interface {
	LastPrice(ctx context.Context, symbol string) (float64, error)
}
