package scaling

import (
	"fmt"

	"helmsman/internal/broker"
	"helmsman/internal/market"
	"helmsman/internal/policy"

	"github.com/shopspring/decimal"
)

// failure is a non-passing check result. nil means pass.
type failure struct {
	outcome Outcome
	reason  Reason
	detail  string
}

func block(reason Reason, format string, v ...any) *failure {
	return &failure{outcome: OutcomeBlock, reason: reason, detail: fmt.Sprintf(format, v...)}
}

func skip(reason Reason, format string, v ...any) *failure {
	return &failure{outcome: OutcomeSkip, reason: reason, detail: fmt.Sprintf(format, v...)}
}

// checkFunc evaluates one rule against the prepared context. The checks run
// in order and the first failure wins, so later checks may assume everything
// earlier passed.
type checkFunc func(c *checkContext) *failure

// scalingChecks is the full ordered chain: hard safety first, directionality
// second, retryable qualification last. Adding a rule is appending here.
var scalingChecks = []checkFunc{
	// hard safety -> BLOCK (pending-order and unreconciled guards run even
	// earlier, in Decide, so they also cover fresh entries)
	checkMultipleEntriesAllowed,
	checkEntryBudget,
	checkPositionPct,
	checkNoQuantityDrift,
	// directionality -> BLOCK
	checkSameDirection,
	// qualification -> SKIP, retryable next cycle
	checkWallClockGap,
	checkBarGap,
	checkConfidence,
	checkPriceStructure,
}

func checkMultipleEntriesAllowed(c *checkContext) *failure {
	if !c.policy.AllowsMultipleEntries {
		return block(ReasonScalingDisabled, "policy %s does not allow multiple entries", c.policy.ID)
	}
	return nil
}

func checkEntryBudget(c *checkContext) *failure {
	if c.pos.EntryCount >= c.policy.MaxEntriesPerSymbol {
		return block(ReasonMaxEntries, "entries %d/%d exhausted", c.pos.EntryCount, c.policy.MaxEntriesPerSymbol)
	}
	return nil
}

func checkPositionPct(c *checkContext) *failure {
	limit := c.policy.MaxPositionPctOfEquity
	if c.projectedPct > limit {
		return block(ReasonPositionPct, "projected position %.2f%% of equity exceeds %.2f%%", c.projectedPct*100, limit*100)
	}
	return nil
}

// checkNoQuantityDrift blocks adds while the venue and the ledger disagree on
// size; drift must be resolved by reconciliation before new risk is taken.
func checkNoQuantityDrift(c *checkContext) *failure {
	brokerQty, ok := c.snap.BrokerQty[c.sig.Symbol]
	if !ok {
		return block(ReasonQuantityDrift, "venue reports no position for %s but ledger holds %.4f", c.sig.Symbol, c.pos.Quantity)
	}
	diff := decimal.NewFromFloat(brokerQty).Sub(decimal.NewFromFloat(c.pos.Quantity)).Abs()
	if diff.GreaterThan(qtyTolerance) {
		return block(ReasonQuantityDrift, "venue qty %.6f != ledger qty %.6f", brokerQty, c.pos.Quantity)
	}
	return nil
}

func checkSameDirection(c *checkContext) *failure {
	if c.sig.Side != c.pos.Side {
		return block(ReasonDirectionMismatch, "signal is %s but position is %s; scaling never flips direction", c.sig.Side, c.pos.Side)
	}
	return nil
}

func checkWallClockGap(c *checkContext) *failure {
	gap := c.policy.MinWallClockGap()
	if gap <= 0 {
		return nil
	}
	elapsed := c.now.Sub(c.pos.LastEntryAt)
	if elapsed < gap {
		return skip(ReasonMinTimeGap, "only %s since last entry, need %s", elapsed.Truncate(1e9), gap)
	}
	return nil
}

func checkBarGap(c *checkContext) *failure {
	if c.policy.MinBarGap <= 0 {
		return nil
	}
	bars, err := c.bars()
	if err != nil {
		return skip(ReasonBarsUnavailable, "candle feed unavailable: %v", err)
	}
	if len(bars) < c.policy.MinBarGap {
		return skip(ReasonMinBarGap, "%d bars since last entry, need %d", len(bars), c.policy.MinBarGap)
	}
	return nil
}

func checkConfidence(c *checkContext) *failure {
	if c.sig.Confidence < c.policy.MinConfidenceForAdd {
		return skip(ReasonLowConfidence, "confidence %.2f below add threshold %.2f", c.sig.Confidence, c.policy.MinConfidenceForAdd)
	}
	return nil
}

// checkPriceStructure enforces the shape of the add: pyramid entries must
// improve on the last fill with no new low since it; average entries must
// come in below the last fill with cumulative excursion still bounded.
func checkPriceStructure(c *checkContext) *failure {
	last := c.pos.LastFill()
	if last == nil {
		return skip(ReasonBarsUnavailable, "position has no recorded fills")
	}
	price := decimal.NewFromFloat(c.sig.PriceHint)
	lastPrice := decimal.NewFromFloat(last.Price)
	better := price.GreaterThan(lastPrice)
	if c.pos.Side == broker.SideShort {
		better = price.LessThan(lastPrice)
	}

	switch c.policy.ScalingType {
	case policy.TypePyramid:
		if !better {
			return skip(ReasonPyramidNotAbove, "pyramid add needs price beyond last entry %.4f, got %.4f", last.Price, c.sig.PriceHint)
		}
		bars, err := c.bars()
		if err != nil {
			return skip(ReasonBarsUnavailable, "candle feed unavailable: %v", err)
		}
		if c.pos.Side == broker.SideLong {
			if low := market.LowestLow(bars); low > 0 && low < last.Price {
				return skip(ReasonPyramidNewLow, "new low %.4f since last entry %.4f", low, last.Price)
			}
		} else {
			if high := market.HighestHigh(bars); high > 0 && high > last.Price {
				return skip(ReasonPyramidNewLow, "new high %.4f since last entry %.4f", high, last.Price)
			}
		}
	case policy.TypeAverage:
		if better || price.Equal(lastPrice) {
			return skip(ReasonAverageNotBelow, "average add needs price worse than last entry %.4f, got %.4f", last.Price, c.sig.PriceHint)
		}
		if f := checkExcursion(c); f != nil {
			return f
		}
	}
	return nil
}

// checkExcursion bounds cumulative drawdown for average-mode adds, measured
// in multiples of the first fill's per-unit risk.
func checkExcursion(c *checkContext) *failure {
	if len(c.pos.Fills) == 0 {
		return nil
	}
	first := c.pos.Fills[0]
	if first.Quantity <= 0 || first.RiskAmount <= 0 {
		// Backfilled positions carry no risk metadata; fall back to a
		// fraction of the first entry price.
		return checkExcursionPct(c)
	}
	riskPerUnit := decimal.NewFromFloat(first.RiskAmount).Div(decimal.NewFromFloat(first.Quantity))
	if riskPerUnit.IsZero() {
		return checkExcursionPct(c)
	}
	excursion := adverseExcursion(c)
	multiple := excursion.Div(riskPerUnit)
	limit := decimal.NewFromFloat(c.policy.MaxAdverseExcursionMultiple)
	if multiple.GreaterThan(limit) {
		mf, _ := multiple.Float64()
		return skip(ReasonExcursion, "adverse excursion %.2fx exceeds limit %.2fx", mf, c.policy.MaxAdverseExcursionMultiple)
	}
	return nil
}

// checkExcursionPct is the fallback bound when no per-unit risk was recorded:
// each allowed multiple is read as one percent of the average price.
func checkExcursionPct(c *checkContext) *failure {
	avg := decimal.NewFromFloat(c.pos.AvgPrice)
	if avg.IsZero() {
		return nil
	}
	excursionPct := adverseExcursion(c).Div(avg).Mul(decimal.NewFromInt(100))
	limit := decimal.NewFromFloat(c.policy.MaxAdverseExcursionMultiple)
	if excursionPct.GreaterThan(limit) {
		ef, _ := excursionPct.Float64()
		return skip(ReasonExcursion, "adverse excursion %.2f%% of avg price exceeds %.2f", ef, c.policy.MaxAdverseExcursionMultiple)
	}
	return nil
}

func adverseExcursion(c *checkContext) decimal.Decimal {
	avg := decimal.NewFromFloat(c.pos.AvgPrice)
	price := decimal.NewFromFloat(c.sig.PriceHint)
	excursion := avg.Sub(price)
	if c.pos.Side == broker.SideShort {
		excursion = price.Sub(avg)
	}
	if excursion.IsNegative() {
		return decimal.Zero
	}
	return excursion
}

var qtyTolerance = decimal.NewFromFloat(1e-6)
