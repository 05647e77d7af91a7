package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "app:\n  env: prod\n"))
	require.NoError(t, err)

	assert.Equal(t, "prod", cfg.App.Env)
	assert.Equal(t, "info", cfg.App.LogLevel)
	assert.Equal(t, "paper", cfg.Broker.Mode)
	assert.Equal(t, "America/New_York", cfg.Broker.Session.Timezone)
	assert.Equal(t, []string{"Mon", "Tue", "Wed", "Thu", "Fri"}, cfg.Broker.Session.Days)
	assert.Equal(t, 60, cfg.Schedule.TickSeconds)
	assert.Greater(t, cfg.Schedule.ExecWindowEndMin, cfg.Schedule.ExecWindowStartMin)
	assert.InDelta(t, 0.01, cfg.Risk.RiskPerTradePct, 1e-9)
}

func TestLoadRejectsMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidationRejections(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{
			name:    "binance without credentials",
			content: "broker:\n  mode: binance\n",
		},
		{
			name:    "unknown broker mode",
			content: "broker:\n  mode: ibkr\n",
		},
		{
			name:    "bad timezone",
			content: "broker:\n  session:\n    timezone: Mars/Olympus\n",
		},
		{
			name:    "bad session clock",
			content: "broker:\n  session:\n    open: \"9am\"\n",
		},
		{
			name:    "exec window inverted",
			content: "schedule:\n  exec_window_start_min: 30\n  exec_window_end_min: 5\n",
		},
		{
			name:    "call timeout above tick",
			content: "schedule:\n  tick_seconds: 10\n  call_timeout_seconds: 20\n",
		},
		{
			name:    "risk pct out of range",
			content: "risk:\n  risk_per_trade_pct: 1.5\n",
		},
		{
			name:    "symbol cap above heat cap",
			content: "risk:\n  max_risk_per_symbol_pct: 0.5\n  max_portfolio_heat_pct: 0.1\n",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.content))
			assert.Error(t, err)
		})
	}
}
