package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// TaskState records when a task last completed successfully. Daily tasks also
// carry the session date they ran for. Written synchronously after each
// successful run so a crash never repeats a task that already placed orders.
type TaskState struct {
	Name      string
	LastRunAt time.Time
	LastDate  string // YYYY-MM-DD, empty for interval tasks
}

type taskStateModel struct {
	ID        int64  `gorm:"column:id;primaryKey"`
	Name      string `gorm:"column:name;uniqueIndex"`
	LastRunAt int64  `gorm:"column:last_run_at"`
	LastDate  string `gorm:"column:last_date"`
	UpdatedAt int64  `gorm:"column:updated_at"`
}

func (taskStateModel) TableName() string { return "scheduler_task_state" }

// TaskStore persists per-task run markers, one record per task name.
type TaskStore interface {
	Get(ctx context.Context, name string) (TaskState, bool, error)
	Put(ctx context.Context, st TaskState) error
}

// GormTaskStore is the sqlite-backed TaskStore used in production.
type GormTaskStore struct {
	db *gorm.DB
}

func NewGormTaskStore(db *gorm.DB) (*GormTaskStore, error) {
	if db == nil {
		return nil, fmt.Errorf("task store: nil db")
	}
	if err := db.AutoMigrate(&taskStateModel{}); err != nil {
		return nil, err
	}
	return &GormTaskStore{db: db}, nil
}

func (s *GormTaskStore) Get(ctx context.Context, name string) (TaskState, bool, error) {
	var rec taskStateModel
	err := s.db.WithContext(ctx).Where("name = ?", name).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return TaskState{}, false, nil
	}
	if err != nil {
		return TaskState{}, false, err
	}
	return TaskState{
		Name:      rec.Name,
		LastRunAt: time.UnixMilli(rec.LastRunAt).UTC(),
		LastDate:  rec.LastDate,
	}, true, nil
}

func (s *GormTaskStore) Put(ctx context.Context, st TaskState) error {
	rec := taskStateModel{
		Name:      st.Name,
		LastRunAt: st.LastRunAt.UnixMilli(),
		LastDate:  st.LastDate,
		UpdatedAt: time.Now().UnixMilli(),
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"last_run_at", "last_date", "updated_at"}),
	}).Create(&rec).Error
}

// MemTaskStore is an in-memory TaskStore for dry runs and tests.
type MemTaskStore struct {
	states map[string]TaskState
}

func NewMemTaskStore() *MemTaskStore {
	return &MemTaskStore{states: make(map[string]TaskState)}
}

func (s *MemTaskStore) Get(ctx context.Context, name string) (TaskState, bool, error) {
	st, ok := s.states[name]
	return st, ok, nil
}

func (s *MemTaskStore) Put(ctx context.Context, st TaskState) error {
	s.states[st.Name] = st
	return nil
}
