// Package binance adapts the Binance spot REST API to the broker port. The
// core never sees wire types; everything is mapped at this boundary.
package binance

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"helmsman/internal/broker"
	"helmsman/internal/config"
	"helmsman/internal/logger"
	"helmsman/internal/market"

	sdk "github.com/adshao/go-binance/v2"
)

// SessionCalendar supplies the trading-session instants for the clock. The
// venue itself trades around the clock; the session windows are a strategy
// constraint, not a venue one.
type SessionCalendar interface {
	IsOpen(now time.Time) bool
	NextOpen(now time.Time) time.Time
	NextClose(now time.Time) time.Time
}

// Adapter implements broker.Port, broker.PriceSource and market.CandleSource
// over the spot API.
type Adapter struct {
	client     *sdk.Client
	calendar   SessionCalendar
	quoteAsset string
}

func New(cfg config.BrokerConfig, calendar SessionCalendar) (*Adapter, error) {
	if calendar == nil {
		return nil, fmt.Errorf("binance adapter: nil session calendar")
	}
	quote := strings.ToUpper(strings.TrimSpace(cfg.QuoteAsset))
	if quote == "" {
		quote = "USDT"
	}
	if cfg.Testnet {
		sdk.UseTestnet = true
	}
	client := sdk.NewClient(cfg.APIKey, cfg.APISecret)
	if cfg.TimeoutSeconds > 0 {
		client.HTTPClient = &http.Client{Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second}
	}
	return &Adapter{client: client, calendar: calendar, quoteAsset: quote}, nil
}

// GetClock combines the venue server time with the configured session
// calendar.
func (a *Adapter) GetClock(ctx context.Context) (broker.Clock, error) {
	ms, err := a.client.NewServerTimeService().Do(ctx)
	if err != nil {
		return broker.Clock{}, fmt.Errorf("binance: server time: %w", err)
	}
	now := time.UnixMilli(ms).UTC()
	return broker.Clock{
		IsOpen:    a.calendar.IsOpen(now),
		Now:       now,
		NextOpen:  a.calendar.NextOpen(now),
		NextClose: a.calendar.NextClose(now),
	}, nil
}

// GetPositions maps non-quote spot balances to positions. Spot balances carry
// no entry price, so the current ticker price stands in; reconciliation
// treats adopted positions as externally sourced anyway.
func (a *Adapter) GetPositions(ctx context.Context) ([]broker.Position, error) {
	account, err := a.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("binance: account: %w", err)
	}
	now := time.Now().UTC()
	out := make([]broker.Position, 0, len(account.Balances))
	for _, bal := range account.Balances {
		asset := strings.ToUpper(strings.TrimSpace(bal.Asset))
		if asset == "" || asset == a.quoteAsset {
			continue
		}
		qty := parseFloat(bal.Free) + parseFloat(bal.Locked)
		if qty <= 0 {
			continue
		}
		symbol := asset + a.quoteAsset
		price, err := a.LastPrice(ctx, symbol)
		if err != nil {
			logger.Warnf("binance: no ticker for %s, balance skipped: %v", symbol, err)
			continue
		}
		out = append(out, broker.Position{
			Symbol:       symbol,
			Side:         broker.SideLong,
			Quantity:     qty,
			AvgPrice:     price,
			CurrentPrice: price,
			UpdatedAt:    now,
		})
	}
	return out, nil
}

func (a *Adapter) SubmitOrder(ctx context.Context, req broker.OrderRequest) (broker.OrderHandle, error) {
	if req.Quantity <= 0 {
		return broker.OrderHandle{}, fmt.Errorf("binance: non-positive quantity for %s", req.Symbol)
	}
	side, err := orderSide(req)
	if err != nil {
		return broker.OrderHandle{}, err
	}
	svc := a.client.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(side).
		Quantity(formatQty(req.Quantity))
	if req.Type == broker.OrderTypeLimit {
		if req.LimitPrice <= 0 {
			return broker.OrderHandle{}, fmt.Errorf("binance: limit order for %s without price", req.Symbol)
		}
		svc = svc.Type(sdk.OrderTypeLimit).
			TimeInForce(sdk.TimeInForceTypeGTC).
			Price(formatQty(req.LimitPrice))
	} else {
		svc = svc.Type(sdk.OrderTypeMarket)
	}
	resp, err := svc.Do(ctx)
	if err != nil {
		return broker.OrderHandle{}, fmt.Errorf("binance: submit %s %s: %w", req.Action, req.Symbol, err)
	}
	return broker.OrderHandle{
		ID:     strconv.FormatInt(resp.OrderID, 10),
		Symbol: resp.Symbol,
	}, nil
}

func (a *Adapter) PollOrder(ctx context.Context, handle broker.OrderHandle) (broker.OrderStatus, error) {
	id, err := strconv.ParseInt(handle.ID, 10, 64)
	if err != nil {
		return broker.OrderStatus{}, fmt.Errorf("binance: bad order id %q: %w", handle.ID, err)
	}
	order, err := a.client.NewGetOrderService().Symbol(handle.Symbol).OrderID(id).Do(ctx)
	if err != nil {
		return broker.OrderStatus{}, fmt.Errorf("binance: poll order %s: %w", handle.ID, err)
	}
	filled := parseFloat(order.ExecutedQuantity)
	avg := 0.0
	if filled > 0 {
		avg = parseFloat(order.CummulativeQuoteQuantity) / filled
	}
	return broker.OrderStatus{
		ID:           handle.ID,
		Symbol:       order.Symbol,
		State:        mapOrderStatus(order.Status),
		FilledQty:    filled,
		AvgFillPrice: avg,
		UpdatedAt:    time.UnixMilli(order.UpdateTime).UTC(),
	}, nil
}

func (a *Adapter) LastPrice(ctx context.Context, symbol string) (float64, error) {
	prices, err := a.client.NewListPricesService().Symbol(symbol).Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("binance: ticker %s: %w", symbol, err)
	}
	for _, p := range prices {
		if p.Symbol == symbol {
			v := parseFloat(p.Price)
			if v > 0 {
				return v, nil
			}
		}
	}
	return 0, fmt.Errorf("binance: no price for %s", symbol)
}

// BarsSince returns completed daily bars with open time after since.
func (a *Adapter) BarsSince(ctx context.Context, symbol string, since time.Time) ([]market.Candle, error) {
	kls, err := a.client.NewKlinesService().
		Symbol(symbol).
		Interval("1d").
		StartTime(since.UnixMilli()).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("binance: klines %s: %w", symbol, err)
	}
	out := make([]market.Candle, 0, len(kls))
	for _, kl := range kls {
		if kl == nil {
			continue
		}
		if kl.OpenTime <= since.UnixMilli() {
			continue
		}
		out = append(out, market.Candle{
			OpenTime:  kl.OpenTime,
			CloseTime: kl.CloseTime,
			Open:      parseFloat(kl.Open),
			High:      parseFloat(kl.High),
			Low:       parseFloat(kl.Low),
			Close:     parseFloat(kl.Close),
			Volume:    parseFloat(kl.Volume),
		})
	}
	return market.DropUnclosed(out, time.Now().UTC()), nil
}

// orderSide maps the action/side pair to the venue's buy/sell verbs. Spot has
// no native shorts: closing a long sells, opening a long buys.
func orderSide(req broker.OrderRequest) (sdk.SideType, error) {
	opening := req.Action != "close"
	switch req.Side {
	case broker.SideLong:
		if opening {
			return sdk.SideTypeBuy, nil
		}
		return sdk.SideTypeSell, nil
	case broker.SideShort:
		if opening {
			return sdk.SideTypeSell, nil
		}
		return sdk.SideTypeBuy, nil
	}
	return "", fmt.Errorf("binance: unknown side %q", req.Side)
}

func mapOrderStatus(st sdk.OrderStatusType) broker.OrderState {
	switch st {
	case sdk.OrderStatusTypeNew:
		return broker.OrderStateNew
	case sdk.OrderStatusTypePartiallyFilled:
		return broker.OrderStatePartiallyFilled
	case sdk.OrderStatusTypeFilled:
		return broker.OrderStateFilled
	case sdk.OrderStatusTypeCanceled, sdk.OrderStatusTypePendingCancel:
		return broker.OrderStateCanceled
	case sdk.OrderStatusTypeRejected:
		return broker.OrderStateRejected
	case sdk.OrderStatusTypeExpired:
		return broker.OrderStateExpired
	}
	return broker.OrderStateNew
}

func formatQty(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func parseFloat(v string) float64 {
	f, _ := strconv.ParseFloat(strings.TrimSpace(v), 64)
	return f
}
