package config

import (
	"fmt"
	"strings"
	"time"
)

// validate performs basic sanity checks after defaults are applied.
func validate(c *Config) error {
	if err := c.Broker.validate(); err != nil {
		return err
	}
	if err := c.Schedule.validate(); err != nil {
		return err
	}
	if err := c.Risk.validate(); err != nil {
		return err
	}
	return nil
}

func (b *BrokerConfig) validate() error {
	switch strings.ToLower(strings.TrimSpace(b.Mode)) {
	case "binance":
		if strings.TrimSpace(b.APIKey) == "" || strings.TrimSpace(b.APISecret) == "" {
			return fmt.Errorf("broker.api_key and broker.api_secret are required for mode=binance")
		}
	case "paper":
	default:
		return fmt.Errorf("broker.mode must be binance or paper, got %q", b.Mode)
	}
	if _, err := time.LoadLocation(b.Session.Timezone); err != nil {
		return fmt.Errorf("broker.session.timezone invalid: %w", err)
	}
	for _, field := range []string{b.Session.Open, b.Session.Close} {
		if _, err := time.Parse("15:04", field); err != nil {
			return fmt.Errorf("broker.session open/close must be HH:MM, got %q", field)
		}
	}
	return nil
}

func (s *ScheduleConfig) validate() error {
	if s.ExecWindowEndMin <= s.ExecWindowStartMin {
		return fmt.Errorf("schedule.exec_window_end_min must be > exec_window_start_min")
	}
	if s.CallTimeoutSeconds >= s.TickSeconds {
		return fmt.Errorf("schedule.call_timeout_seconds must be below tick_seconds")
	}
	return nil
}

func (r *RiskConfig) validate() error {
	pcts := map[string]float64{
		"risk.risk_per_trade_pct":      r.RiskPerTradePct,
		"risk.daily_loss_limit_pct":    r.DailyLossLimitPct,
		"risk.max_risk_per_symbol_pct": r.MaxRiskPerSymbolPct,
		"risk.max_portfolio_heat_pct":  r.MaxPortfolioHeatPct,
	}
	for name, v := range pcts {
		if v <= 0 || v >= 1 {
			return fmt.Errorf("%s must be in (0, 1), got %v", name, v)
		}
	}
	if r.MaxRiskPerSymbolPct > r.MaxPortfolioHeatPct {
		return fmt.Errorf("risk.max_risk_per_symbol_pct cannot exceed max_portfolio_heat_pct")
	}
	return nil
}
