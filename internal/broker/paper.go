package broker

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Paper is an in-memory Port used for dry runs and tests. Orders fill
// immediately at the limit price (or the last published price for market
// orders) and positions update accordingly.
type Paper struct {
	mu        sync.Mutex
	clock     Clock
	positions map[string]Position
	orders    map[string]OrderStatus
	prices    map[string]float64
	seq       int
}

func NewPaper() *Paper {
	return &Paper{
		positions: make(map[string]Position),
		orders:    make(map[string]OrderStatus),
		prices:    make(map[string]float64),
	}
}

// SetClock installs the clock snapshot returned by GetClock.
func (p *Paper) SetClock(c Clock) {
	p.mu.Lock()
	p.clock = c
	p.mu.Unlock()
}

// SetPrice publishes the last price used to fill market orders.
func (p *Paper) SetPrice(symbol string, price float64) {
	p.mu.Lock()
	p.prices[symbol] = price
	p.mu.Unlock()
}

// SetPosition seeds a venue-side position.
func (p *Paper) SetPosition(pos Position) {
	p.mu.Lock()
	p.positions[pos.Symbol] = pos
	p.mu.Unlock()
}

func (p *Paper) GetClock(ctx context.Context) (Clock, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c := p.clock
	if c.Now.IsZero() {
		c.Now = time.Now().UTC()
	}
	return c, nil
}

func (p *Paper) GetPositions(ctx context.Context) ([]Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Position, 0, len(p.positions))
	for _, pos := range p.positions {
		if pos.Quantity != 0 {
			out = append(out, pos)
		}
	}
	return out, nil
}

func (p *Paper) SubmitOrder(ctx context.Context, req OrderRequest) (OrderHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if req.Symbol == "" || req.Quantity <= 0 {
		return OrderHandle{}, fmt.Errorf("paper: invalid order %+v", req)
	}
	price := req.LimitPrice
	if req.Type == OrderTypeMarket || price <= 0 {
		price = p.prices[req.Symbol]
	}
	if price <= 0 {
		return OrderHandle{}, fmt.Errorf("paper: no price for %s", req.Symbol)
	}
	p.seq++
	id := fmt.Sprintf("paper-%d", p.seq)
	p.applyFill(req, price)
	p.orders[id] = OrderStatus{
		ID:           id,
		Symbol:       req.Symbol,
		State:        OrderStateFilled,
		FilledQty:    req.Quantity,
		AvgFillPrice: price,
		UpdatedAt:    time.Now().UTC(),
	}
	return OrderHandle{ID: id, Symbol: req.Symbol}, nil
}

func (p *Paper) PollOrder(ctx context.Context, handle OrderHandle) (OrderStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.orders[handle.ID]
	if !ok {
		return OrderStatus{}, fmt.Errorf("paper: unknown order %s", handle.ID)
	}
	return st, nil
}

func (p *Paper) LastPrice(ctx context.Context, symbol string) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	price, ok := p.prices[symbol]
	if !ok || price <= 0 {
		return 0, fmt.Errorf("paper: no price for %s", symbol)
	}
	return price, nil
}

// Orders returns every order submitted so far, for test assertions.
func (p *Paper) Orders() []OrderStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]OrderStatus, 0, len(p.orders))
	for _, st := range p.orders {
		out = append(out, st)
	}
	return out
}

func (p *Paper) applyFill(req OrderRequest, price float64) {
	pos, ok := p.positions[req.Symbol]
	opening := req.Action != "close"
	if !ok && opening {
		p.positions[req.Symbol] = Position{
			Symbol:       req.Symbol,
			Side:         req.Side,
			Quantity:     req.Quantity,
			AvgPrice:     price,
			CurrentPrice: price,
			UpdatedAt:    time.Now().UTC(),
		}
		return
	}
	if opening {
		total := pos.Quantity + req.Quantity
		pos.AvgPrice = (pos.AvgPrice*pos.Quantity + price*req.Quantity) / total
		pos.Quantity = total
	} else {
		pos.Quantity -= req.Quantity
		if pos.Quantity < 0 {
			pos.Quantity = 0
		}
	}
	pos.CurrentPrice = price
	pos.UpdatedAt = time.Now().UTC()
	if pos.Quantity == 0 {
		delete(p.positions, req.Symbol)
		return
	}
	p.positions[req.Symbol] = pos
}

var _ Port = (*Paper)(nil)
var _ PriceSource = (*Paper)(nil)
