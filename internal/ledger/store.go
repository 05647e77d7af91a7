package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// ErrNotFound is returned when no position exists for a symbol.
var ErrNotFound = errors.New("ledger: position not found")

type positionModel struct {
	ID          int64          `gorm:"column:id;primaryKey"`
	Symbol      string         `gorm:"column:symbol;uniqueIndex"`
	Side        string         `gorm:"column:side"`
	Quantity    float64        `gorm:"column:quantity"`
	AvgPrice    float64        `gorm:"column:avg_price"`
	EntryCount  int            `gorm:"column:entry_count"`
	FillsJSON   datatypes.JSON `gorm:"column:fills_json;type:TEXT"`
	External    int            `gorm:"column:external"`
	OpenedAt    int64          `gorm:"column:opened_at"`
	LastEntryAt int64          `gorm:"column:last_entry_at"`
	UpdatedAt   int64          `gorm:"column:updated_at"`
}

func (positionModel) TableName() string { return "ledger_positions" }

type closedTradeModel struct {
	ID         int64   `gorm:"column:id;primaryKey"`
	Symbol     string  `gorm:"column:symbol;index"`
	Side       string  `gorm:"column:side"`
	Quantity   float64 `gorm:"column:quantity"`
	AvgPrice   float64 `gorm:"column:avg_price"`
	ClosePrice float64 `gorm:"column:close_price"`
	PnL        float64 `gorm:"column:pnl"`
	Reason     string  `gorm:"column:reason"`
	External   int     `gorm:"column:external"`
	ClosedAt   int64   `gorm:"column:closed_at"`
}

func (closedTradeModel) TableName() string { return "closed_trades" }

// Store persists ledger positions, one record per symbol, atomically upserted.
type Store struct {
	db *gorm.DB
}

// Open initializes the sqlite-backed store at path. The same handle is shared
// with the other gorm stores via DB().
func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("ledger store: path cannot be empty")
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                                   gormlogger.Default.LogMode(gormlogger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&positionModel{}, &closedTradeModel{}); err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// Single writer (the scheduler goroutine) plus read-only HTTP queries.
	sqlDB.SetMaxOpenConns(2)
	sqlDB.SetMaxIdleConns(2)
	return &Store{db: db}, nil
}

// NewStoreWithDB wraps an existing gorm handle (shared database file).
func NewStoreWithDB(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("ledger store: nil db")
	}
	if err := db.AutoMigrate(&positionModel{}, &closedTradeModel{}); err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// DB exposes the underlying gorm handle for sibling stores.
func (s *Store) DB() *gorm.DB {
	if s == nil {
		return nil
	}
	return s.db
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Save upserts a position keyed by symbol.
func (s *Store) Save(ctx context.Context, pos *Position) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("ledger store not initialized")
	}
	if pos == nil || strings.TrimSpace(pos.Symbol) == "" {
		return fmt.Errorf("ledger store: invalid position")
	}
	if err := pos.CheckInvariants(); err != nil {
		return err
	}
	fills, err := json.Marshal(pos.Fills)
	if err != nil {
		return fmt.Errorf("ledger store: marshal fills: %w", err)
	}
	rec := positionModel{
		Symbol:      pos.Symbol,
		Side:        string(pos.Side),
		Quantity:    pos.Quantity,
		AvgPrice:    pos.AvgPrice,
		EntryCount:  pos.EntryCount,
		FillsJSON:   datatypes.JSON(fills),
		External:    boolToInt(pos.External),
		OpenedAt:    pos.OpenedAt.UnixMilli(),
		LastEntryAt: pos.LastEntryAt.UnixMilli(),
		UpdatedAt:   time.Now().UnixMilli(),
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "symbol"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"side", "quantity", "avg_price", "entry_count", "fills_json",
			"external", "opened_at", "last_entry_at", "updated_at",
		}),
	}).Create(&rec).Error
}

// Get returns the position for a symbol or ErrNotFound.
func (s *Store) Get(ctx context.Context, symbol string) (*Position, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("ledger store not initialized")
	}
	var rec positionModel
	err := s.db.WithContext(ctx).Where("symbol = ?", symbol).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return recordToPosition(rec)
}

// List returns every open position.
func (s *Store) List(ctx context.Context) ([]*Position, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("ledger store not initialized")
	}
	var recs []positionModel
	if err := s.db.WithContext(ctx).Order("symbol").Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]*Position, 0, len(recs))
	for _, rec := range recs {
		pos, err := recordToPosition(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, pos)
	}
	return out, nil
}

// RemoveClosed deletes the position record and appends a closed-trade row in
// one transaction. The returned event carries everything the risk gate needs.
func (s *Store) RemoveClosed(ctx context.Context, evt CloseEvent) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("ledger store not initialized")
	}
	if evt.ClosedAt.IsZero() {
		evt.ClosedAt = time.Now().UTC()
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("symbol = ?", evt.Symbol).Delete(&positionModel{}).Error; err != nil {
			return err
		}
		rec := closedTradeModel{
			Symbol:     evt.Symbol,
			Side:       string(evt.Side),
			Quantity:   evt.Quantity,
			AvgPrice:   evt.AvgPrice,
			ClosePrice: evt.ClosePrice,
			PnL:        evt.PnL(),
			Reason:     evt.Reason,
			External:   boolToInt(evt.External),
			ClosedAt:   evt.ClosedAt.UnixMilli(),
		}
		return tx.Create(&rec).Error
	})
}

func recordToPosition(rec positionModel) (*Position, error) {
	var fills []EntryFill
	if len(rec.FillsJSON) > 0 {
		if err := json.Unmarshal(rec.FillsJSON, &fills); err != nil {
			return nil, fmt.Errorf("ledger store: unmarshal fills for %s: %w", rec.Symbol, err)
		}
	}
	pos := &Position{
		Symbol:      rec.Symbol,
		Side:        sideFromString(rec.Side),
		Fills:       fills,
		Quantity:    rec.Quantity,
		AvgPrice:    rec.AvgPrice,
		EntryCount:  rec.EntryCount,
		External:    rec.External != 0,
		OpenedAt:    time.UnixMilli(rec.OpenedAt).UTC(),
		LastEntryAt: time.UnixMilli(rec.LastEntryAt).UTC(),
	}
	return pos, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
