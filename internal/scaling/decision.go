// Package scaling is the trade decision engine: given a signal and the
// current book state it returns BLOCK, SKIP, SCALE or ENTER_NEW. Outcomes are
// values, not errors, and every one is audited.
package scaling

import (
	"time"
)

// Outcome of a decision.
type Outcome string

const (
	OutcomeBlock    Outcome = "BLOCK"
	OutcomeSkip     Outcome = "SKIP"
	OutcomeScale    Outcome = "SCALE"
	OutcomeEnterNew Outcome = "ENTER_NEW"
)

// Reason codes. BLOCK reasons are terminal for the signal; SKIP reasons are
// retryable on a later cycle.
type Reason string

const (
	ReasonNone              Reason = ""
	ReasonUnreconciled      Reason = "unreconciled_broker_position"
	ReasonScalingDisabled   Reason = "scaling_disabled"
	ReasonMaxEntries        Reason = "max_entries_exceeded"
	ReasonPositionPct       Reason = "position_pct_exceeded"
	ReasonPendingOrder      Reason = "pending_order_exists"
	ReasonQuantityDrift     Reason = "quantity_drift"
	ReasonDirectionMismatch Reason = "direction_mismatch"
	ReasonMinTimeGap        Reason = "min_time_gap"
	ReasonMinBarGap         Reason = "min_bar_gap"
	ReasonLowConfidence     Reason = "low_confidence"
	ReasonPyramidNotAbove   Reason = "pyramid_price_not_above"
	ReasonPyramidNewLow     Reason = "pyramid_new_low"
	ReasonAverageNotBelow   Reason = "average_price_not_below"
	ReasonExcursion         Reason = "adverse_excursion_exceeded"
	ReasonBarsUnavailable   Reason = "bars_unavailable"
)

// Decision is the immutable record of one evaluation. It is always logged and
// never retried automatically.
type Decision struct {
	ID          string  `json:"id"`
	Symbol      string  `json:"symbol"`
	Outcome     Outcome `json:"outcome"`
	Reason      Reason  `json:"reason,omitempty"`
	Detail      string  `json:"detail,omitempty"`
	Entries     int     `json:"entries"`
	MaxEntries  int     `json:"max_entries"`
	PositionPct float64 `json:"position_pct"`
	DecidedAt   time.Time
}

// Actionable reports whether the caller should hand the signal to the risk
// gate for sizing.
func (d Decision) Actionable() bool {
	return d.Outcome == OutcomeScale || d.Outcome == OutcomeEnterNew
}
