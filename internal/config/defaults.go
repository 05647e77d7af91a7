package config

// applyDefaults fills every zero-valued field that has a sensible default.
// Explicit zero values that are meaningful (e.g. training.command empty to
// disable) are left alone.
func (c *Config) applyDefaults() {
	if c.App.Env == "" {
		c.App.Env = "dev"
	}
	if c.App.LogLevel == "" {
		c.App.LogLevel = "info"
	}
	if c.App.HTTPAddr == "" {
		c.App.HTTPAddr = ":9985"
	}

	if c.Broker.Mode == "" {
		c.Broker.Mode = "paper"
	}
	if c.Broker.QuoteAsset == "" {
		c.Broker.QuoteAsset = "USDT"
	}
	if c.Broker.TimeoutSeconds <= 0 {
		c.Broker.TimeoutSeconds = 10
	}
	if c.Broker.Session.Timezone == "" {
		c.Broker.Session.Timezone = "America/New_York"
	}
	if c.Broker.Session.Open == "" {
		c.Broker.Session.Open = "09:30"
	}
	if c.Broker.Session.Close == "" {
		c.Broker.Session.Close = "16:00"
	}
	if len(c.Broker.Session.Days) == 0 {
		c.Broker.Session.Days = []string{"Mon", "Tue", "Wed", "Thu", "Fri"}
	}

	if c.Store.Path == "" {
		c.Store.Path = "data/helmsman.db"
	}
	if c.Store.AuditPath == "" {
		c.Store.AuditPath = "data/audit.db"
	}
	if c.Signals.Dir == "" {
		c.Signals.Dir = "data/signals"
	}
	if c.Policy.Path == "" {
		c.Policy.Path = "configs/policies.yaml"
	}
	if c.Policy.Default == "" {
		c.Policy.Default = "default"
	}

	s := &c.Schedule
	if s.TickSeconds <= 0 {
		s.TickSeconds = 60
	}
	if s.ReconcileSeconds <= 0 {
		s.ReconcileSeconds = 300
	}
	if s.MonitorSeconds <= 0 {
		s.MonitorSeconds = 120
	}
	if s.OrderPollSeconds <= 0 {
		s.OrderPollSeconds = 60
	}
	if s.HealthSeconds <= 0 {
		s.HealthSeconds = 600
	}
	if s.CallTimeoutSeconds <= 0 {
		s.CallTimeoutSeconds = 15
	}
	if s.ExecWindowStartMin <= 0 {
		s.ExecWindowStartMin = 5
	}
	if s.ExecWindowEndMin <= 0 {
		s.ExecWindowEndMin = 30
	}
	if s.EntryWindowMin <= 0 {
		s.EntryWindowMin = 30
	}
	if s.SwingExitDelayMin <= 0 {
		s.SwingExitDelayMin = 30
	}

	r := &c.Risk
	if r.StartingEquity <= 0 {
		r.StartingEquity = 100000
	}
	if r.RiskPerTradePct <= 0 {
		r.RiskPerTradePct = 0.01
	}
	if r.DailyLossLimitPct <= 0 {
		r.DailyLossLimitPct = 0.03
	}
	if r.MaxRiskPerSymbolPct <= 0 {
		r.MaxRiskPerSymbolPct = 0.02
	}
	if r.MaxPortfolioHeatPct <= 0 {
		r.MaxPortfolioHeatPct = 0.06
	}
	if r.MaxConsecutiveLosses <= 0 {
		r.MaxConsecutiveLosses = 4
	}
	if r.MaxTradesPerDay <= 0 {
		r.MaxTradesPerDay = 5
	}

	e := &c.Exits
	if e.CatastrophicLossPct <= 0 {
		e.CatastrophicLossPct = 0.08
	}
	if e.StopLossPct <= 0 {
		e.StopLossPct = 0.04
	}
	if e.MaxHoldDays <= 0 {
		e.MaxHoldDays = 10
	}
}
