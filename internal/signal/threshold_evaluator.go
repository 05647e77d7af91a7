package signal

import (
	"context"
	"fmt"
	"time"

	"helmsman/internal/broker"
	"helmsman/internal/ledger"
)

// ThresholdEvaluator is the built-in exit evaluator: a catastrophic loss
// triggers an immediate exit, an ordinary stop-loss breach or stale holding
// becomes an end-of-day intent.
type ThresholdEvaluator struct {
	CatastrophicLossPct float64
	StopLossPct         float64
	MaxHold             time.Duration
}

func NewThresholdEvaluator(catastrophicPct, stopPct float64, maxHoldDays int) *ThresholdEvaluator {
	return &ThresholdEvaluator{
		CatastrophicLossPct: catastrophicPct,
		StopLossPct:         stopPct,
		MaxHold:             time.Duration(maxHoldDays) * 24 * time.Hour,
	}
}

func (e *ThresholdEvaluator) Evaluate(ctx context.Context, pos *ledger.Position, currentPrice float64, now time.Time) (*ExitSignal, error) {
	if pos == nil || pos.Quantity <= 0 {
		return nil, nil
	}
	if currentPrice <= 0 || pos.AvgPrice <= 0 {
		return nil, fmt.Errorf("exit evaluator: no usable price for %s", pos.Symbol)
	}
	loss := (pos.AvgPrice - currentPrice) / pos.AvgPrice
	if pos.Side == broker.SideShort {
		loss = -loss
	}
	if e.CatastrophicLossPct > 0 && loss >= e.CatastrophicLossPct {
		return &ExitSignal{
			Symbol:   pos.Symbol,
			ExitType: "catastrophic_loss",
			Reason:   fmt.Sprintf("loss %.2f%% breaches catastrophic threshold %.2f%%", loss*100, e.CatastrophicLossPct*100),
			Urgency:  UrgencyImmediate,
		}, nil
	}
	if e.StopLossPct > 0 && loss >= e.StopLossPct {
		return &ExitSignal{
			Symbol:   pos.Symbol,
			ExitType: "stop_loss",
			Reason:   fmt.Sprintf("loss %.2f%% breaches stop threshold %.2f%%", loss*100, e.StopLossPct*100),
			Urgency:  UrgencyEOD,
		}, nil
	}
	if e.MaxHold > 0 && !pos.OpenedAt.IsZero() && now.Sub(pos.OpenedAt) >= e.MaxHold {
		return &ExitSignal{
			Symbol:   pos.Symbol,
			ExitType: "max_hold",
			Reason:   fmt.Sprintf("held %s, beyond %s", now.Sub(pos.OpenedAt).Truncate(time.Hour), e.MaxHold),
			Urgency:  UrgencyEOD,
		}, nil
	}
	return nil, nil
}

var _ ExitEvaluator = (*ThresholdEvaluator)(nil)
