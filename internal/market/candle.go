// Package market exposes the minimal candle feed the decision engine needs:
// completed bars since a position's last entry, used for bar-gap and
// price-structure checks.
package market

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Candle is one completed bar. Times are milliseconds since epoch, venue
// style.
type Candle struct {
	OpenTime  int64
	CloseTime int64
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}

// CandleSource returns the completed bars for symbol with open time strictly
// after since. Implementations must not return the still-forming bar.
type CandleSource interface {
	BarsSince(ctx context.Context, symbol string, since time.Time) ([]Candle, error)
}

// LowestLow returns the minimum low across bars, or zero for an empty slice.
func LowestLow(bars []Candle) float64 {
	if len(bars) == 0 {
		return 0
	}
	low := decimal.NewFromFloat(bars[0].Low)
	for _, b := range bars[1:] {
		if l := decimal.NewFromFloat(b.Low); l.LessThan(low) {
			low = l
		}
	}
	f, _ := low.Float64()
	return f
}

// HighestHigh returns the maximum high across bars, or zero for an empty
// slice.
func HighestHigh(bars []Candle) float64 {
	if len(bars) == 0 {
		return 0
	}
	high := decimal.NewFromFloat(bars[0].High)
	for _, b := range bars[1:] {
		if h := decimal.NewFromFloat(b.High); h.GreaterThan(high) {
			high = h
		}
	}
	f, _ := high.Float64()
	return f
}

// DropUnclosed drops the final bar if its close time has not passed yet.
func DropUnclosed(bars []Candle, now time.Time) []Candle {
	if len(bars) == 0 {
		return bars
	}
	last := bars[len(bars)-1]
	if last.CloseTime > 0 && now.UnixMilli() < last.CloseTime {
		return bars[:len(bars)-1]
	}
	return bars
}
