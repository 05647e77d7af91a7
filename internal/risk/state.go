// Package risk is the stateful gate in front of every new trade: kill
// switches first, then sizing. Rejections are values, not errors.
package risk

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PortfolioState is mutated only by the gate, on trade open/close. Daily
// fields roll over at session boundaries.
type PortfolioState struct {
	Equity            float64
	DailyPnL          float64
	DailyTradesOpened int
	ConsecutiveLosses int
	SessionDate       string // YYYY-MM-DD of the session the daily fields belong to
}

type portfolioModel struct {
	ID                int64   `gorm:"column:id;primaryKey"`
	Slot              string  `gorm:"column:slot;uniqueIndex"`
	Equity            float64 `gorm:"column:equity"`
	DailyPnL          float64 `gorm:"column:daily_pnl"`
	DailyTradesOpened int     `gorm:"column:daily_trades_opened"`
	ConsecutiveLosses int     `gorm:"column:consecutive_losses"`
	SessionDate       string  `gorm:"column:session_date"`
	UpdatedAt         int64   `gorm:"column:updated_at"`
}

func (portfolioModel) TableName() string { return "portfolio_state" }

// stateSlot: the table holds exactly one logical record.
const stateSlot = "portfolio"

// StateStore persists the single portfolio snapshot, rewritten atomically on
// every mutation.
type StateStore struct {
	db *gorm.DB
}

func NewStateStore(db *gorm.DB) (*StateStore, error) {
	if db == nil {
		return nil, fmt.Errorf("risk state store: nil db")
	}
	if err := db.AutoMigrate(&portfolioModel{}); err != nil {
		return nil, err
	}
	return &StateStore{db: db}, nil
}

// Load returns the persisted state, or ok=false when none exists yet.
func (s *StateStore) Load(ctx context.Context) (PortfolioState, bool, error) {
	var rec portfolioModel
	err := s.db.WithContext(ctx).Where("slot = ?", stateSlot).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return PortfolioState{}, false, nil
	}
	if err != nil {
		return PortfolioState{}, false, err
	}
	return PortfolioState{
		Equity:            rec.Equity,
		DailyPnL:          rec.DailyPnL,
		DailyTradesOpened: rec.DailyTradesOpened,
		ConsecutiveLosses: rec.ConsecutiveLosses,
		SessionDate:       rec.SessionDate,
	}, true, nil
}

// Save upserts the snapshot.
func (s *StateStore) Save(ctx context.Context, st PortfolioState) error {
	rec := portfolioModel{
		Slot:              stateSlot,
		Equity:            st.Equity,
		DailyPnL:          st.DailyPnL,
		DailyTradesOpened: st.DailyTradesOpened,
		ConsecutiveLosses: st.ConsecutiveLosses,
		SessionDate:       st.SessionDate,
		UpdatedAt:         time.Now().UnixMilli(),
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "slot"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"equity", "daily_pnl", "daily_trades_opened", "consecutive_losses", "session_date", "updated_at",
		}),
	}).Create(&rec).Error
}
