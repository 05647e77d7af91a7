package config

// Config is the main configuration carrier for the runtime.
type Config struct {
	App      AppConfig      `toml:"app"`
	Broker   BrokerConfig   `toml:"broker"`
	Store    StoreConfig    `toml:"store"`
	Signals  SignalConfig   `toml:"signals"`
	Policy   PolicyConfig   `toml:"policy"`
	Schedule ScheduleConfig `toml:"schedule"`
	Risk     RiskConfig     `toml:"risk"`
	Exits    ExitConfig     `toml:"exits"`
	Training TrainingConfig `toml:"training"`
}

type AppConfig struct {
	Env      string `toml:"env"`
	LogLevel string `toml:"log_level"`
	LogPath  string `toml:"log_path"`
	HTTPAddr string `toml:"http_addr"`
}

// BrokerConfig describes the execution venue adapter.
type BrokerConfig struct {
	Mode           string        `toml:"mode"` // "binance" | "paper"
	APIKey         string        `toml:"api_key"`
	APISecret      string        `toml:"api_secret"`
	Testnet        bool          `toml:"testnet"`
	QuoteAsset     string        `toml:"quote_asset"`
	TimeoutSeconds int           `toml:"timeout_seconds"`
	Session        SessionConfig `toml:"session"`
}

// SessionConfig defines the trading session used to derive the market clock.
type SessionConfig struct {
	Timezone string   `toml:"timezone"` // e.g. "America/New_York"
	Open     string   `toml:"open"`     // "09:30"
	Close    string   `toml:"close"`    // "16:00"
	Days     []string `toml:"days"`     // weekday names, default Mon-Fri
}

type StoreConfig struct {
	Path      string `toml:"path"`       // gorm sqlite file (ledger, intents, task state, portfolio)
	AuditPath string `toml:"audit_path"` // append-only audit log sqlite file
}

type SignalConfig struct {
	Dir string `toml:"dir"` // directory watched for signal drop files
}

type PolicyConfig struct {
	Path    string `toml:"path"`    // scaling policy yaml file
	Default string `toml:"default"` // policy id used when a signal names none
}

// ScheduleConfig holds every cadence the tick loop owns. All windows are
// expressed in minutes relative to session open/close.
type ScheduleConfig struct {
	TickSeconds        int `toml:"tick_seconds"`
	ReconcileSeconds   int `toml:"reconcile_seconds"`
	MonitorSeconds     int `toml:"monitor_seconds"`
	OrderPollSeconds   int `toml:"order_poll_seconds"`
	HealthSeconds      int `toml:"health_seconds"`
	CallTimeoutSeconds int `toml:"call_timeout_seconds"` // per external call

	ExecWindowStartMin int `toml:"exec_window_start_min"` // minutes after open
	ExecWindowEndMin   int `toml:"exec_window_end_min"`
	EntryWindowMin     int `toml:"entry_window_min"`     // minutes before close
	SwingExitDelayMin  int `toml:"swing_exit_delay_min"` // minutes after close
}

// RiskConfig holds the kill-switch thresholds and sizing inputs.
type RiskConfig struct {
	StartingEquity       float64 `toml:"starting_equity"`
	RiskPerTradePct      float64 `toml:"risk_per_trade_pct"`
	DailyLossLimitPct    float64 `toml:"daily_loss_limit_pct"`
	MaxRiskPerSymbolPct  float64 `toml:"max_risk_per_symbol_pct"`
	MaxPortfolioHeatPct  float64 `toml:"max_portfolio_heat_pct"`
	MaxConsecutiveLosses int     `toml:"max_consecutive_losses"`
	MaxTradesPerDay      int     `toml:"max_trades_per_day"`
}

// ExitConfig parameterizes the built-in threshold exit evaluator.
type ExitConfig struct {
	CatastrophicLossPct float64 `toml:"catastrophic_loss_pct"` // immediate market exit
	StopLossPct         float64 `toml:"stop_loss_pct"`         // planned eod exit
	MaxHoldDays         int     `toml:"max_hold_days"`         // planned eod exit
}

// TrainingConfig configures the once-per-day offline training trigger.
type TrainingConfig struct {
	Command string `toml:"command"` // shell command; empty disables the trigger
}
