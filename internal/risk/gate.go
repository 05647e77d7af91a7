package risk

import (
	"context"
	"fmt"
	"time"

	"helmsman/internal/audit"
	"helmsman/internal/config"
	"helmsman/internal/logger"

	"github.com/shopspring/decimal"
)

// Rejection reason codes.
const (
	RejectConsecutiveLosses = "consecutive_losses"
	RejectDailyLossLimit    = "daily_loss_limit"
	RejectTradesPerDay      = "max_trades_per_day"
	RejectSymbolExposure    = "symbol_exposure"
	RejectPortfolioHeat     = "portfolio_heat"
	RejectInvalidSize       = "invalid_size"
)

// ProposedTrade is a sizing request. PerUnitRisk is the distance between
// entry and protective stop; it must be positive.
type ProposedTrade struct {
	Symbol      string
	EntryPrice  float64
	PerUnitRisk float64
	Confidence  float64 // 1..5
	// ExistingRisk is capital already at risk on this symbol (scale-ins).
	ExistingRisk float64
}

// Verdict is the gate's answer. A rejection is a normal outcome.
type Verdict struct {
	Approved   bool
	Size       float64
	RiskAmount float64
	Reason     string
	Detail     string
}

// Gate owns the portfolio state. All mutations happen on the scheduler
// goroutine; each one is persisted synchronously.
type Gate struct {
	cfg   config.RiskConfig
	store *StateStore
	log   *audit.Log
	state PortfolioState
}

// NewGate restores the persisted state, seeding equity from config on first
// run.
func NewGate(ctx context.Context, cfg config.RiskConfig, store *StateStore, log *audit.Log) (*Gate, error) {
	g := &Gate{cfg: cfg, store: store, log: log}
	if store != nil {
		st, ok, err := store.Load(ctx)
		if err != nil {
			return nil, fmt.Errorf("risk gate: load state: %w", err)
		}
		if ok {
			g.state = st
			return g, nil
		}
	}
	g.state = PortfolioState{Equity: cfg.StartingEquity}
	return g, nil
}

// State returns a copy of the current snapshot.
func (g *Gate) State() PortfolioState {
	return g.state
}

// Rollover resets the daily fields when the session date changes.
func (g *Gate) Rollover(ctx context.Context, sessionDate string) error {
	if g.state.SessionDate == sessionDate {
		return nil
	}
	g.state.SessionDate = sessionDate
	g.state.DailyPnL = 0
	g.state.DailyTradesOpened = 0
	return g.persist(ctx)
}

// Evaluate runs the kill switches in order, first failure wins, then sizes
// the trade. openHeat is the capital already at risk across all open
// positions, excluding the proposal.
func (g *Gate) Evaluate(ctx context.Context, trade ProposedTrade, openHeat float64) Verdict {
	st := g.state
	if g.cfg.MaxConsecutiveLosses > 0 && st.ConsecutiveLosses >= g.cfg.MaxConsecutiveLosses {
		return g.reject(ctx, trade, RejectConsecutiveLosses,
			fmt.Sprintf("%d consecutive losses at limit %d", st.ConsecutiveLosses, g.cfg.MaxConsecutiveLosses))
	}
	lossLimit := st.Equity * g.cfg.DailyLossLimitPct
	if st.DailyPnL <= -lossLimit {
		return g.reject(ctx, trade, RejectDailyLossLimit,
			fmt.Sprintf("daily pnl %.2f breaches limit -%.2f", st.DailyPnL, lossLimit))
	}
	if g.cfg.MaxTradesPerDay > 0 && st.DailyTradesOpened >= g.cfg.MaxTradesPerDay {
		return g.reject(ctx, trade, RejectTradesPerDay,
			fmt.Sprintf("%d trades already opened today, limit %d", st.DailyTradesOpened, g.cfg.MaxTradesPerDay))
	}

	equity := decimal.NewFromFloat(st.Equity)
	riskBudget := equity.Mul(decimal.NewFromFloat(g.cfg.RiskPerTradePct)).
		Mul(confidenceMultiple(trade.Confidence))
	riskAmount, _ := riskBudget.Float64()

	symbolCap := st.Equity * g.cfg.MaxRiskPerSymbolPct
	if trade.ExistingRisk+riskAmount > symbolCap {
		return g.reject(ctx, trade, RejectSymbolExposure,
			fmt.Sprintf("projected symbol risk %.2f exceeds cap %.2f", trade.ExistingRisk+riskAmount, symbolCap))
	}
	heatCap := st.Equity * g.cfg.MaxPortfolioHeatPct
	if openHeat+riskAmount > heatCap {
		return g.reject(ctx, trade, RejectPortfolioHeat,
			fmt.Sprintf("projected portfolio heat %.2f exceeds cap %.2f", openHeat+riskAmount, heatCap))
	}

	if trade.PerUnitRisk <= 0 {
		return g.reject(ctx, trade, RejectInvalidSize,
			fmt.Sprintf("per-unit risk %.4f must be positive", trade.PerUnitRisk))
	}
	size, _ := riskBudget.Div(decimal.NewFromFloat(trade.PerUnitRisk)).Float64()
	if size <= 0 {
		// A non-positive size here is a data fault, fatal for this decision
		// only; the tick continues.
		return g.reject(ctx, trade, RejectInvalidSize,
			fmt.Sprintf("computed size %.6f is not positive", size))
	}

	v := Verdict{Approved: true, Size: size, RiskAmount: riskAmount}
	g.audit(ctx, audit.KindRiskApprove, trade.Symbol, "", map[string]any{
		"size": size, "risk_amount": riskAmount, "confidence": trade.Confidence, "equity": st.Equity,
	})
	return v
}

// OnTradeOpened bumps the daily trade counter.
func (g *Gate) OnTradeOpened(ctx context.Context) error {
	g.state.DailyTradesOpened++
	return g.persist(ctx)
}

// OnTradeAbandoned releases the daily slot an order claimed at submit time
// when it ends canceled, rejected or expired without filling.
func (g *Gate) OnTradeAbandoned(ctx context.Context) error {
	if g.state.DailyTradesOpened > 0 {
		g.state.DailyTradesOpened--
	}
	return g.persist(ctx)
}

// OnTradeClosed folds the realized result into the kill-switch state:
// consecutive losses reset on a win, increment on a loss.
func (g *Gate) OnTradeClosed(ctx context.Context, pnl float64) error {
	g.state.DailyPnL += pnl
	g.state.Equity += pnl
	if pnl < 0 {
		g.state.ConsecutiveLosses++
	} else if pnl > 0 {
		g.state.ConsecutiveLosses = 0
	}
	return g.persist(ctx)
}

func (g *Gate) persist(ctx context.Context) error {
	if g.store == nil {
		return nil
	}
	return g.store.Save(ctx, g.state)
}

func (g *Gate) reject(ctx context.Context, trade ProposedTrade, reason, detail string) Verdict {
	logger.Infof("risk: reject %s reason=%s %s", trade.Symbol, reason, detail)
	g.audit(ctx, audit.KindRiskReject, trade.Symbol, reason, map[string]any{
		"confidence": trade.Confidence,
		"equity":     g.state.Equity,
		"daily_pnl":  g.state.DailyPnL,
	})
	return Verdict{Reason: reason, Detail: detail}
}

func (g *Gate) audit(ctx context.Context, kind, symbol, reason string, numbers map[string]any) {
	if g.log == nil {
		return
	}
	if err := g.log.Append(ctx, audit.Event{
		Kind: kind, Symbol: symbol, Reason: reason, Numbers: numbers, TS: time.Now().UnixMilli(),
	}); err != nil {
		logger.Warnf("risk: audit append failed: %v", err)
	}
}

// confidenceMultiple is the monotonic confidence lookup: 0.25x at the bottom
// of the 1..5 scale up to 1.25x at the top.
func confidenceMultiple(confidence float64) decimal.Decimal {
	switch {
	case confidence < 1.5:
		return decimal.NewFromFloat(0.25)
	case confidence < 2.5:
		return decimal.NewFromFloat(0.5)
	case confidence < 3.5:
		return decimal.NewFromFloat(0.75)
	case confidence < 4.5:
		return decimal.NewFromFloat(1.0)
	default:
		return decimal.NewFromFloat(1.25)
	}
}
