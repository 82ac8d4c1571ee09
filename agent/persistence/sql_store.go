package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// runRow is the runs table.
type runRow struct {
	RunID              string     `gorm:"primaryKey;size:64"`
	ParentRunID        string     `gorm:"size:64;index:idx_parent"`
	Agent              string     `gorm:"size:100;index:idx_agent"`
	Task               string     `gorm:"type:text"`
	Answer             string     `gorm:"type:text"`
	NeedsClarification bool       `gorm:"default:false"`
	Status             string     `gorm:"size:20;index:idx_status"`
	StepsUsed          int        `gorm:"default:0"`
	PromptTokens       int        `gorm:"default:0"`
	CompletionTokens   int        `gorm:"default:0"`
	Error              string     `gorm:"type:text"`
	StartedAt          time.Time  `gorm:"index:idx_started"`
	FinishedAt         *time.Time
}

func (runRow) TableName() string { return "agent_runs" }

// stepRow is the steps table. Actions are stored as a JSON document.
type stepRow struct {
	RunID       string `gorm:"primaryKey;size:64"`
	StepIndex   int    `gorm:"primaryKey;autoIncrement:false"`
	Plan        string `gorm:"type:text"`
	ModelOutput string `gorm:"type:text"`
	Actions     string `gorm:"type:text"`
	ParseError  string `gorm:"type:text"`
	Skipped     int
	TotalTokens int
	StartedAt   time.Time
	DurationMs  int64
}

func (stepRow) TableName() string { return "agent_steps" }

// SQLRunStore stores runs through gorm. NewSQLiteRunStore opens the
// pure-Go SQLite driver; NewSQLRunStore accepts any gorm dialect.
type SQLRunStore struct {
	db      *gorm.DB
	mu      sync.RWMutex
	closed  bool
	janitor *janitor
}

// NewSQLiteRunStore opens (and migrates) the database at config.DSN.
func NewSQLiteRunStore(config StoreConfig) (*SQLRunStore, error) {
	dsn := config.DSN
	if dsn == "" {
		dsn = ":memory:"
	}
	inMemory := strings.Contains(dsn, ":memory:")
	if !inMemory {
		if dir := filepath.Dir(dsn); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	if inMemory {
		// every connection would otherwise see its own empty database
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return NewSQLRunStore(db, config.Cleanup)
}

// NewSQLRunStore migrates the run tables on db.
func NewSQLRunStore(db *gorm.DB, cleanup CleanupConfig) (*SQLRunStore, error) {
	if db == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	if err := db.AutoMigrate(&runRow{}, &stepRow{}); err != nil {
		return nil, fmt.Errorf("failed to auto migrate: %w", err)
	}
	s := &SQLRunStore{db: db}
	s.janitor = startJanitor(s, cleanup)
	return s, nil
}

func (s *SQLRunStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	s.janitor.Stop()

	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *SQLRunStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

func (s *SQLRunStore) Ping(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *SQLRunStore) SaveRun(ctx context.Context, run *RunRecord) error {
	if err := validateRun(run); err != nil {
		return err
	}
	if err := s.checkOpen(); err != nil {
		return err
	}
	row := toRunRow(run)
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
}

func (s *SQLRunStore) GetRun(ctx context.Context, runID string) (*RunRecord, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	var row runRow
	err := s.db.WithContext(ctx).Where("run_id = ?", runID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.toRecord(), nil
}

func (s *SQLRunStore) ListRuns(ctx context.Context, filter RunFilter) ([]*RunRecord, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	q := s.db.WithContext(ctx).Model(&runRow{})
	if filter.ParentRunID != "" {
		q = q.Where("parent_run_id = ?", filter.ParentRunID)
	}
	if filter.RootsOnly {
		q = q.Where("parent_run_id = ?", "")
	}
	if filter.Agent != "" {
		q = q.Where("agent = ?", filter.Agent)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", string(filter.Status))
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	var rows []runRow
	if err := q.Order("started_at").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*RunRecord, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toRecord())
	}
	return out, nil
}

func (s *SQLRunStore) AppendStep(ctx context.Context, step *StepRecord) error {
	if err := validateStep(step); err != nil {
		return err
	}
	if err := s.checkOpen(); err != nil {
		return err
	}
	row, err := toStepRow(step)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
}

func (s *SQLRunStore) ListSteps(ctx context.Context, runID string) ([]*StepRecord, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	var rows []stepRow
	if err := s.db.WithContext(ctx).Where("run_id = ?", runID).Order("step_index").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*StepRecord, 0, len(rows))
	for i := range rows {
		st, err := rows[i].toRecord()
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

func (s *SQLRunStore) DeleteRun(ctx context.Context, runID string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("run_id = ?", runID).Delete(&runRow{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return tx.Where("run_id = ?", runID).Delete(&stepRow{}).Error
	})
}

func (s *SQLRunStore) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	var rows []runRow
	if err := s.db.WithContext(ctx).Where("status <> ?", string(RunStatusRunning)).Find(&rows).Error; err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-olderThan)
	var ids []string
	for i := range rows {
		if expired(rows[i].toRecord(), cutoff) {
			ids = append(ids, rows[i].RunID)
		}
	}
	if len(ids) == 0 {
		return 0, nil
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("run_id IN ?", ids).Delete(&stepRow{}).Error; err != nil {
			return err
		}
		return tx.Where("run_id IN ?", ids).Delete(&runRow{}).Error
	})
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

func toRunRow(r *RunRecord) runRow {
	return runRow{
		RunID:              r.RunID,
		ParentRunID:        r.ParentRunID,
		Agent:              r.Agent,
		Task:               r.Task,
		Answer:             r.Answer,
		NeedsClarification: r.NeedsClarification,
		Status:             string(r.Status),
		StepsUsed:          r.StepsUsed,
		PromptTokens:       r.PromptTokens,
		CompletionTokens:   r.CompletionTokens,
		Error:              r.Error,
		StartedAt:          r.StartedAt,
		FinishedAt:         r.FinishedAt,
	}
}

func (r *runRow) toRecord() *RunRecord {
	return &RunRecord{
		RunID:              r.RunID,
		ParentRunID:        r.ParentRunID,
		Agent:              r.Agent,
		Task:               r.Task,
		Answer:             r.Answer,
		NeedsClarification: r.NeedsClarification,
		Status:             RunStatus(r.Status),
		StepsUsed:          r.StepsUsed,
		PromptTokens:       r.PromptTokens,
		CompletionTokens:   r.CompletionTokens,
		Error:              r.Error,
		StartedAt:          r.StartedAt,
		FinishedAt:         r.FinishedAt,
	}
}

func toStepRow(s *StepRecord) (stepRow, error) {
	actions, err := json.Marshal(s.Actions)
	if err != nil {
		return stepRow{}, err
	}
	return stepRow{
		RunID:       s.RunID,
		StepIndex:   s.Index,
		Plan:        s.Plan,
		ModelOutput: s.ModelOutput,
		Actions:     string(actions),
		ParseError:  s.ParseError,
		Skipped:     s.Skipped,
		TotalTokens: s.TotalTokens,
		StartedAt:   s.StartedAt,
		DurationMs:  s.DurationMs,
	}, nil
}

func (r *stepRow) toRecord() (*StepRecord, error) {
	st := &StepRecord{
		RunID:       r.RunID,
		Index:       r.StepIndex,
		Plan:        r.Plan,
		ModelOutput: r.ModelOutput,
		ParseError:  r.ParseError,
		Skipped:     r.Skipped,
		TotalTokens: r.TotalTokens,
		StartedAt:   r.StartedAt,
		DurationMs:  r.DurationMs,
	}
	if r.Actions != "" && r.Actions != "null" {
		if err := json.Unmarshal([]byte(r.Actions), &st.Actions); err != nil {
			return nil, fmt.Errorf("decode actions of step %d: %w", r.StepIndex, err)
		}
	}
	return st, nil
}

var _ RunStore = (*SQLRunStore)(nil)
