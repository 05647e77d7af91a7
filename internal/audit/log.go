// Package audit is the append-only record of every decision-shaped outcome:
// blocks, skips, rejects, backfills, orphan closes, intent transitions and
// order submissions. It exists so "why didn't it trade" can be answered after
// the fact without re-running the system.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	_ "modernc.org/sqlite"
)

// Event kinds.
const (
	KindDecision      = "decision"
	KindRiskReject    = "risk_reject"
	KindRiskApprove   = "risk_approve"
	KindBackfill      = "backfill"
	KindOrphanClose   = "orphan_close"
	KindUnreconciled  = "unreconciled"
	KindIntentPlanned = "intent_planned"
	KindIntentDone    = "intent_executed"
	KindOrder         = "order_submitted"
	KindTaskError     = "task_error"
)

// Event is one immutable audit record.
type Event struct {
	ID      string         `json:"id"`
	TS      int64          `json:"ts"`
	Kind    string         `json:"kind"`
	Symbol  string         `json:"symbol"`
	Reason  string         `json:"reason"`
	Detail  string         `json:"detail"`
	Numbers map[string]any `json:"numbers,omitempty"`
}

// Log stores events in sqlite, insert-only.
type Log struct {
	mu   sync.Mutex
	db   *sql.DB
	path string
}

func Open(path string) (*Log, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("audit log path cannot be empty")
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path))
	if err != nil {
		return nil, err
	}
	const schema = `CREATE TABLE IF NOT EXISTS audit_events (
		id TEXT PRIMARY KEY,
		ts INTEGER NOT NULL,
		kind TEXT NOT NULL,
		symbol TEXT NOT NULL DEFAULT '',
		reason TEXT NOT NULL DEFAULT '',
		detail TEXT NOT NULL DEFAULT '',
		numbers TEXT NOT NULL DEFAULT '{}'
	);
	CREATE INDEX IF NOT EXISTS idx_audit_symbol_ts ON audit_events(symbol, ts);
	CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_events(ts);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit log schema: %w", err)
	}
	return &Log{db: db, path: path}, nil
}

func (l *Log) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

// Append writes one event. Missing ID/timestamp are filled in.
func (l *Log) Append(ctx context.Context, evt Event) error {
	if l == nil || l.db == nil {
		return fmt.Errorf("audit log not initialized")
	}
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.TS == 0 {
		evt.TS = time.Now().UnixMilli()
	}
	numbers := "{}"
	if len(evt.Numbers) > 0 {
		data, err := json.Marshal(evt.Numbers)
		if err != nil {
			return fmt.Errorf("audit log: marshal numbers: %w", err)
		}
		numbers = string(data)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO audit_events (id, ts, kind, symbol, reason, detail, numbers) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		evt.ID, evt.TS, evt.Kind, evt.Symbol, evt.Reason, evt.Detail, numbers)
	if err != nil {
		return fmt.Errorf("audit log: insert: %w", err)
	}
	return nil
}

// Recent returns the newest events, optionally filtered by symbol.
func (l *Log) Recent(ctx context.Context, symbol string, limit int) ([]Event, error) {
	if l == nil || l.db == nil {
		return nil, fmt.Errorf("audit log not initialized")
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := `SELECT id, ts, kind, symbol, reason, detail, numbers FROM audit_events`
	args := []any{}
	if symbol = strings.TrimSpace(symbol); symbol != "" {
		query += ` WHERE symbol = ?`
		args = append(args, symbol)
	}
	query += ` ORDER BY ts DESC LIMIT ?`
	args = append(args, limit)

	l.mu.Lock()
	defer l.mu.Unlock()
	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Event
	for rows.Next() {
		var evt Event
		var numbers string
		if err := rows.Scan(&evt.ID, &evt.TS, &evt.Kind, &evt.Symbol, &evt.Reason, &evt.Detail, &numbers); err != nil {
			return nil, err
		}
		if numbers != "" && numbers != "{}" {
			_ = json.Unmarshal([]byte(numbers), &evt.Numbers)
		}
		out = append(out, evt)
	}
	return out, rows.Err()
}
