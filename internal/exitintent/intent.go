// Package exitintent implements the two-phase exit lifecycle: an exit
// decision is recorded durably as a PLANNED intent, and a later pass inside
// the post-open execution window turns it into a live order. The split keeps
// decisions made on stale closing data away from execution, which must use
// tradeable prices, and makes a crash between the two phases lose nothing.
package exitintent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Intent lifecycle states.
const (
	StatePlanned  = "PLANNED"
	StateExecuted = "EXECUTED"
)

// Intent is one pending exit decision. At most one intent exists per symbol;
// a later decision for the same symbol replaces the earlier one.
type Intent struct {
	ID           string
	Symbol       string
	ExitType     string
	Reason       string
	State        string
	DecidedAt    time.Time
	DecisionDate string // YYYY-MM-DD session the decision belongs to
}

// NewIntent builds a PLANNED intent for a symbol.
func NewIntent(symbol, exitType, reason string, decidedAt time.Time) Intent {
	return Intent{
		ID:           uuid.NewString(),
		Symbol:       symbol,
		ExitType:     exitType,
		Reason:       reason,
		State:        StatePlanned,
		DecidedAt:    decidedAt,
		DecisionDate: decidedAt.Format("2006-01-02"),
	}
}

type intentModel struct {
	ID           int64  `gorm:"column:id;primaryKey"`
	IntentID     string `gorm:"column:intent_id"`
	Symbol       string `gorm:"column:symbol;uniqueIndex"`
	ExitType     string `gorm:"column:exit_type"`
	Reason       string `gorm:"column:reason"`
	State        string `gorm:"column:state"`
	DecidedAt    int64  `gorm:"column:decided_at"`
	DecisionDate string `gorm:"column:decision_date"`
	UpdatedAt    int64  `gorm:"column:updated_at"`
}

func (intentModel) TableName() string { return "exit_intents" }

// ErrNotFound is returned when no intent exists for a symbol.
var ErrNotFound = errors.New("exitintent: not found")

// Store persists intents, one record per symbol, atomically rewritten on
// update. An executed intent stays in its row as EXECUTED until the next
// decision for the symbol overwrites it; Delete is for intents made obsolete
// before they could execute.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("exit intent store: nil db")
	}
	if err := db.AutoMigrate(&intentModel{}); err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// Save upserts the intent keyed by symbol.
func (s *Store) Save(ctx context.Context, in Intent) error {
	if in.Symbol == "" {
		return fmt.Errorf("exit intent store: empty symbol")
	}
	rec := intentModel{
		IntentID:     in.ID,
		Symbol:       in.Symbol,
		ExitType:     in.ExitType,
		Reason:       in.Reason,
		State:        in.State,
		DecidedAt:    in.DecidedAt.UnixMilli(),
		DecisionDate: in.DecisionDate,
		UpdatedAt:    time.Now().UnixMilli(),
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "symbol"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"intent_id", "exit_type", "reason", "state", "decided_at", "decision_date", "updated_at",
		}),
	}).Create(&rec).Error
}

// Get returns the intent for a symbol or ErrNotFound.
func (s *Store) Get(ctx context.Context, symbol string) (Intent, error) {
	var rec intentModel
	err := s.db.WithContext(ctx).Where("symbol = ?", symbol).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Intent{}, ErrNotFound
	}
	if err != nil {
		return Intent{}, err
	}
	return recordToIntent(rec), nil
}

// ListPlanned returns every intent still awaiting execution, ordered by
// symbol for deterministic processing.
func (s *Store) ListPlanned(ctx context.Context) ([]Intent, error) {
	var recs []intentModel
	err := s.db.WithContext(ctx).
		Where("state = ?", StatePlanned).
		Order("symbol").
		Find(&recs).Error
	if err != nil {
		return nil, err
	}
	out := make([]Intent, 0, len(recs))
	for _, rec := range recs {
		out = append(out, recordToIntent(rec))
	}
	return out, nil
}

// MarkExecuted flips the symbol's intent to EXECUTED, ending its lifecycle.
func (s *Store) MarkExecuted(ctx context.Context, symbol string) error {
	return s.db.WithContext(ctx).Model(&intentModel{}).
		Where("symbol = ?", symbol).
		Updates(map[string]any{"state": StateExecuted, "updated_at": time.Now().UnixMilli()}).Error
}

// Delete removes the intent for a symbol. Deleting a missing symbol is not an
// error.
func (s *Store) Delete(ctx context.Context, symbol string) error {
	return s.db.WithContext(ctx).Where("symbol = ?", symbol).Delete(&intentModel{}).Error
}

func recordToIntent(rec intentModel) Intent {
	return Intent{
		ID:           rec.IntentID,
		Symbol:       rec.Symbol,
		ExitType:     rec.ExitType,
		Reason:       rec.Reason,
		State:        rec.State,
		DecidedAt:    time.UnixMilli(rec.DecidedAt).UTC(),
		DecisionDate: rec.DecisionDate,
	}
}
