package app

import (
	"fmt"
	"sort"
	"strings"

	"helmsman/internal/config"
	"helmsman/internal/policy"
)

// StartupSummary is printed once at boot so the operator can confirm the
// effective configuration before the first tick.
type StartupSummary struct {
	Env           string
	BrokerMode    string
	HTTPAddr      string
	Session       SessionSummary
	Schedule      ScheduleSummary
	Risk          RiskSummary
	DefaultPolicy string
	PolicyIDs     []string
}

type SessionSummary struct {
	Timezone string
	Open     string
	Close    string
	Days     []string
}

type ScheduleSummary struct {
	TickSeconds        int
	ExecWindowStartMin int
	ExecWindowEndMin   int
	EntryWindowMin     int
	SwingExitDelayMin  int
}

type RiskSummary struct {
	RiskPerTradePct      float64
	DailyLossLimitPct    float64
	MaxPortfolioHeatPct  float64
	MaxConsecutiveLosses int
	MaxTradesPerDay      int
}

func newStartupSummary(cfg *config.Config, httpAddr string, policies *policy.Registry) *StartupSummary {
	snap := policies.Snapshot()
	ids := make([]string, 0, len(snap.Policies))
	for id := range snap.Policies {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	return &StartupSummary{
		Env:        cfg.App.Env,
		BrokerMode: cfg.Broker.Mode,
		HTTPAddr:   httpAddr,
		Session: SessionSummary{
			Timezone: cfg.Broker.Session.Timezone,
			Open:     cfg.Broker.Session.Open,
			Close:    cfg.Broker.Session.Close,
			Days:     cfg.Broker.Session.Days,
		},
		Schedule: ScheduleSummary{
			TickSeconds:        cfg.Schedule.TickSeconds,
			ExecWindowStartMin: cfg.Schedule.ExecWindowStartMin,
			ExecWindowEndMin:   cfg.Schedule.ExecWindowEndMin,
			EntryWindowMin:     cfg.Schedule.EntryWindowMin,
			SwingExitDelayMin:  cfg.Schedule.SwingExitDelayMin,
		},
		Risk: RiskSummary{
			RiskPerTradePct:      cfg.Risk.RiskPerTradePct,
			DailyLossLimitPct:    cfg.Risk.DailyLossLimitPct,
			MaxPortfolioHeatPct:  cfg.Risk.MaxPortfolioHeatPct,
			MaxConsecutiveLosses: cfg.Risk.MaxConsecutiveLosses,
			MaxTradesPerDay:      cfg.Risk.MaxTradesPerDay,
		},
		DefaultPolicy: cfg.Policy.Default,
		PolicyIDs:     ids,
	}
}

func (s *StartupSummary) Print() {
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("%*s\n", 40+len("STARTUP SUMMARY")/2, "STARTUP SUMMARY")
	fmt.Println(strings.Repeat("=", 80))

	fmt.Println("[RUNTIME]")
	fmt.Printf("  env: %s\n", s.Env)
	fmt.Printf("  broker mode: %s\n", s.BrokerMode)
	fmt.Printf("  ops http: %s\n", s.HTTPAddr)
	fmt.Println()

	fmt.Println("[SESSION]")
	fmt.Printf("  timezone: %s\n", s.Session.Timezone)
	fmt.Printf("  hours: %s - %s\n", s.Session.Open, s.Session.Close)
	fmt.Printf("  days: %s\n", formatList(s.Session.Days))
	fmt.Println()

	fmt.Println("[SCHEDULE]")
	fmt.Printf("  tick: %ds\n", s.Schedule.TickSeconds)
	fmt.Printf("  exit window: open+%dm .. open+%dm\n", s.Schedule.ExecWindowStartMin, s.Schedule.ExecWindowEndMin)
	fmt.Printf("  entry window: close-%dm .. close\n", s.Schedule.EntryWindowMin)
	fmt.Printf("  swing pass: close+%dm\n", s.Schedule.SwingExitDelayMin)
	fmt.Println()

	fmt.Println("[RISK]")
	fmt.Printf("  per-trade risk: %.2f%%\n", s.Risk.RiskPerTradePct*100)
	fmt.Printf("  daily loss limit: %.2f%%\n", s.Risk.DailyLossLimitPct*100)
	fmt.Printf("  max portfolio heat: %.2f%%\n", s.Risk.MaxPortfolioHeatPct*100)
	fmt.Printf("  max consecutive losses: %d\n", s.Risk.MaxConsecutiveLosses)
	fmt.Printf("  max trades/day: %d\n", s.Risk.MaxTradesPerDay)
	fmt.Println()

	fmt.Println("[POLICIES]")
	fmt.Printf("  default: %s\n", s.DefaultPolicy)
	fmt.Printf("  loaded: %s\n", formatList(s.PolicyIDs))
	fmt.Println(strings.Repeat("=", 80))
}

func formatList(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	return strings.Join(items, ", ")
}
