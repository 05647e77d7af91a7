package opshttp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"helmsman/internal/audit"
	"helmsman/internal/broker"
	"helmsman/internal/exitintent"
	"helmsman/internal/ledger"
	"helmsman/internal/risk"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubStatus struct {
	st  Status
	err error
}

func (s *stubStatus) Status(ctx context.Context) (Status, error) { return s.st, s.err }

type stubBook struct {
	positions []*ledger.Position
}

func (s *stubBook) List(ctx context.Context) ([]*ledger.Position, error) { return s.positions, nil }

type stubIntents struct {
	intents []exitintent.Intent
}

func (s *stubIntents) ListPlanned(ctx context.Context) ([]exitintent.Intent, error) {
	return s.intents, nil
}

type stubAudit struct {
	events []audit.Event
}

func (s *stubAudit) Recent(ctx context.Context, symbol string, limit int) ([]audit.Event, error) {
	if limit < len(s.events) {
		return s.events[:limit], nil
	}
	return s.events, nil
}

func testServer(t *testing.T, cfg ServerConfig) http.Handler {
	t.Helper()
	cfg.Addr = ":0"
	srv, err := NewServer(cfg)
	require.NoError(t, err)
	return srv.Handler()
}

func get(t *testing.T, h http.Handler, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var body map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec, body
}

func TestHealthz(t *testing.T) {
	h := testServer(t, ServerConfig{})
	rec, body := get(t, h, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
}

func TestStatusEndpoint(t *testing.T) {
	h := testServer(t, ServerConfig{Status: &stubStatus{st: Status{
		Env:        "test",
		BrokerMode: "paper",
		ClockOpen:  true,
		Portfolio:  risk.PortfolioState{Equity: 100000, DailyPnL: -150},
	}}})
	rec, body := get(t, h, "/api/ops/status")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "paper", body["broker_mode"])
	assert.Equal(t, true, body["clock_open"])

	portfolio, ok := body["portfolio"].(map[string]any)
	require.True(t, ok)
	assert.InDelta(t, 100000, portfolio["Equity"], 0.001)
}

func TestStatusUnavailable(t *testing.T) {
	h := testServer(t, ServerConfig{})
	rec, _ := get(t, h, "/api/ops/status")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestStatusError(t *testing.T) {
	h := testServer(t, ServerConfig{Status: &stubStatus{err: fmt.Errorf("broker down")}})
	rec, body := get(t, h, "/api/ops/status")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "broker down", body["error"])
}

func TestPositionsEndpoint(t *testing.T) {
	pos := ledger.NewPosition("AAPL", broker.SideLong, ledger.EntryFill{
		Timestamp: time.Now().UTC(), Price: 150, Quantity: 100, Confidence: 4, RiskAmount: 1000,
	})
	h := testServer(t, ServerConfig{Book: &stubBook{positions: []*ledger.Position{pos}}})
	rec, body := get(t, h, "/api/ops/positions")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, body["count"])
}

func TestIntentsEndpoint(t *testing.T) {
	in := exitintent.NewIntent("TSLA", "stop_loss", "stop breached", time.Now().UTC())
	h := testServer(t, ServerConfig{Intent: &stubIntents{intents: []exitintent.Intent{in}}})
	rec, body := get(t, h, "/api/ops/intents")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, body["count"])
}

func TestDecisionsEndpointClampsLimit(t *testing.T) {
	events := make([]audit.Event, 10)
	for i := range events {
		events[i] = audit.Event{Kind: audit.KindDecision, Symbol: "AAPL"}
	}
	h := testServer(t, ServerConfig{Audit: &stubAudit{events: events}})

	rec, body := get(t, h, "/api/ops/decisions?limit=3")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 3, body["count"])

	rec, body = get(t, h, "/api/ops/decisions?limit=-5")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 10, body["count"], "bad limit falls back to the default")
}
