// Package policy holds per-strategy scaling policies: whether and how a
// position may take further entries. Policies are loaded from a YAML file and
// hot-reloaded; the decision engine always works from an immutable snapshot.
package policy

import (
	"fmt"
	"strings"
	"time"
)

// Scaling types.
const (
	TypePyramid = "pyramid" // add only at better prices
	TypeAverage = "average" // add only at worse prices, bounded excursion
)

// ScalingPolicy is immutable at decision time.
type ScalingPolicy struct {
	ID                    string  `mapstructure:"id" yaml:"id"`
	AllowsMultipleEntries bool    `mapstructure:"allows_multiple_entries" yaml:"allows_multiple_entries"`
	MaxEntriesPerSymbol   int     `mapstructure:"max_entries_per_symbol" yaml:"max_entries_per_symbol"`
	ScalingType           string  `mapstructure:"scaling_type" yaml:"scaling_type"`
	MinWallClockGapMin    int     `mapstructure:"min_wall_clock_gap_min" yaml:"min_wall_clock_gap_min"`
	MinBarGap             int     `mapstructure:"min_bar_gap" yaml:"min_bar_gap"`
	MinConfidenceForAdd   float64 `mapstructure:"min_confidence_for_add" yaml:"min_confidence_for_add"`
	// MaxAdverseExcursionMultiple bounds cumulative drawdown for average-mode
	// adds, expressed as a multiple of the first fill's per-unit risk.
	MaxAdverseExcursionMultiple float64 `mapstructure:"max_adverse_excursion_multiple" yaml:"max_adverse_excursion_multiple"`
	MaxPositionPctOfEquity      float64 `mapstructure:"max_position_pct_of_equity" yaml:"max_position_pct_of_equity"`
}

// MinWallClockGap returns the configured gap as a duration.
func (p ScalingPolicy) MinWallClockGap() time.Duration {
	return time.Duration(p.MinWallClockGapMin) * time.Minute
}

func (p ScalingPolicy) validate() error {
	if strings.TrimSpace(p.ID) == "" {
		return fmt.Errorf("policy requires an id")
	}
	if p.AllowsMultipleEntries {
		switch p.ScalingType {
		case TypePyramid, TypeAverage:
		default:
			return fmt.Errorf("policy %s: scaling_type must be %s or %s", p.ID, TypePyramid, TypeAverage)
		}
		if p.MaxEntriesPerSymbol < 2 {
			return fmt.Errorf("policy %s: max_entries_per_symbol must be >= 2 when scaling is enabled", p.ID)
		}
		if p.ScalingType == TypeAverage && p.MaxAdverseExcursionMultiple <= 0 {
			return fmt.Errorf("policy %s: average mode requires max_adverse_excursion_multiple", p.ID)
		}
	}
	if p.MaxPositionPctOfEquity <= 0 || p.MaxPositionPctOfEquity > 1 {
		return fmt.Errorf("policy %s: max_position_pct_of_equity must be in (0, 1]", p.ID)
	}
	return nil
}
