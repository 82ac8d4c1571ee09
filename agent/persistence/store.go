package persistence

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Common errors
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrStoreClosed   = errors.New("store is closed")
	ErrInvalidInput  = errors.New("invalid input")
)

// StoreType represents the type of storage backend
type StoreType string

const (
	StoreTypeMemory StoreType = "memory"
	StoreTypeFile   StoreType = "file"
	StoreTypeRedis  StoreType = "redis"
	StoreTypeSQLite StoreType = "sqlite"
)

// CleanupConfig defines when finished runs are removed.
type CleanupConfig struct {
	// Enabled starts a background cleanup goroutine.
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Interval is how often cleanup runs (default: 1h)
	Interval time.Duration `json:"interval" yaml:"interval" validate:"omitempty,min=1s"`

	// Retention is how long a finished run is kept (default: 7 days)
	Retention time.Duration `json:"retention" yaml:"retention"`
}

// DefaultCleanupConfig returns the default cleanup configuration
func DefaultCleanupConfig() CleanupConfig {
	return CleanupConfig{
		Enabled:   false,
		Interval:  time.Hour,
		Retention: 7 * 24 * time.Hour,
	}
}

// StoreConfig is the base configuration for all store implementations
type StoreConfig struct {
	// Type is the storage backend type
	Type StoreType `json:"type" yaml:"type" validate:"omitempty,oneof=memory file redis sqlite"`

	// BaseDir is the base directory for file-based storage
	BaseDir string `json:"base_dir" yaml:"base_dir"`

	// DSN is the SQLite data source, a file path or ":memory:".
	DSN string `json:"dsn" yaml:"dsn"`

	// Redis configuration (only used when Type is "redis")
	Redis RedisStoreConfig `json:"redis" yaml:"redis"`

	Cleanup CleanupConfig `json:"cleanup" yaml:"cleanup"`
}

// RedisStoreConfig contains Redis-specific configuration
type RedisStoreConfig struct {
	Addr     string `json:"addr" yaml:"addr"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
	PoolSize int    `json:"pool_size" yaml:"pool_size"`

	// KeyPrefix is the prefix for all Redis keys
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix"`

	// TTL expires run and step keys; zero keeps them forever.
	TTL time.Duration `json:"ttl" yaml:"ttl"`
}

// DefaultStoreConfig returns the default store configuration
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		Type:    StoreTypeMemory,
		BaseDir: "./data/runs",
		DSN:     "./data/runs.db",
		Redis: RedisStoreConfig{
			Addr:      "localhost:6379",
			PoolSize:  10,
			KeyPrefix: "odr:",
		},
		Cleanup: DefaultCleanupConfig(),
	}
}

// Store is the base interface for all persistent stores
type Store interface {
	// Close closes the store and releases resources
	Close() error

	// Ping checks if the store is healthy
	Ping(ctx context.Context) error
}

// RunStatus mirrors the terminal statuses of an agent run, plus running.
type RunStatus string

const (
	RunStatusRunning    RunStatus = "running"
	RunStatusSuccess    RunStatus = "success"
	RunStatusIncomplete RunStatus = "incomplete"
	RunStatusFailed     RunStatus = "failed"
	RunStatusCanceled   RunStatus = "canceled"
)

// IsTerminal reports whether the run has finished.
func (s RunStatus) IsTerminal() bool {
	return s != RunStatusRunning && s != ""
}

// RunRecord is the audit row of one agent run. Managed-agent runs point at
// the delegating run through ParentRunID.
type RunRecord struct {
	RunID              string     `json:"run_id"`
	ParentRunID        string     `json:"parent_run_id,omitempty"`
	Agent              string     `json:"agent"`
	Task               string     `json:"task"`
	Answer             string     `json:"answer,omitempty"`
	NeedsClarification bool       `json:"needs_clarification,omitempty"`
	Status             RunStatus  `json:"status"`
	StepsUsed          int        `json:"steps_used"`
	PromptTokens       int        `json:"prompt_tokens"`
	CompletionTokens   int        `json:"completion_tokens"`
	Error              string     `json:"error,omitempty"`
	StartedAt          time.Time  `json:"started_at"`
	FinishedAt         *time.Time `json:"finished_at,omitempty"`
}

// ActionRecord is one executed (or skipped) action of a step.
type ActionRecord struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Arguments   string `json:"arguments"`
	Observation string `json:"observation,omitempty"`
	Failed      bool   `json:"failed,omitempty"`
	DurationMs  int64  `json:"duration_ms"`
}

// StepRecord is the audit row of one step.
type StepRecord struct {
	RunID       string         `json:"run_id"`
	Index       int            `json:"index"`
	Plan        string         `json:"plan,omitempty"`
	ModelOutput string         `json:"model_output,omitempty"`
	Actions     []ActionRecord `json:"actions,omitempty"`
	ParseError  string         `json:"parse_error,omitempty"`
	Skipped     int            `json:"skipped,omitempty"`
	TotalTokens int            `json:"total_tokens"`
	StartedAt   time.Time      `json:"started_at"`
	DurationMs  int64          `json:"duration_ms"`
}

// RunFilter selects runs in ListRuns. Zero fields match everything.
type RunFilter struct {
	ParentRunID string
	Agent       string
	Status      RunStatus
	// RootsOnly keeps runs without a parent.
	RootsOnly bool
	Limit     int
}

// RunStore persists runs and their steps.
type RunStore interface {
	Store

	// SaveRun inserts or replaces a run.
	SaveRun(ctx context.Context, run *RunRecord) error

	// GetRun returns ErrNotFound for unknown ids.
	GetRun(ctx context.Context, runID string) (*RunRecord, error)

	// ListRuns returns matching runs ordered by start time.
	ListRuns(ctx context.Context, filter RunFilter) ([]*RunRecord, error)

	// AppendStep stores a step. Storing the same index twice replaces it.
	AppendStep(ctx context.Context, step *StepRecord) error

	// ListSteps returns the steps of a run ordered by index.
	ListSteps(ctx context.Context, runID string) ([]*StepRecord, error)

	// DeleteRun removes a run and its steps.
	DeleteRun(ctx context.Context, runID string) error

	// Cleanup removes finished runs older than olderThan and returns how
	// many were removed.
	Cleanup(ctx context.Context, olderThan time.Duration) (int, error)
}

func validateRunID(runID string) error {
	if runID == "" || strings.ContainsAny(runID, `/\`) || strings.Contains(runID, "..") {
		return fmt.Errorf("%w: run id %q", ErrInvalidInput, runID)
	}
	return nil
}

func validateRun(run *RunRecord) error {
	if run == nil {
		return ErrInvalidInput
	}
	return validateRunID(run.RunID)
}

func validateStep(step *StepRecord) error {
	if step == nil || step.Index < 1 {
		return ErrInvalidInput
	}
	return validateRunID(step.RunID)
}

func (f RunFilter) matches(run *RunRecord) bool {
	if f.ParentRunID != "" && run.ParentRunID != f.ParentRunID {
		return false
	}
	if f.RootsOnly && run.ParentRunID != "" {
		return false
	}
	if f.Agent != "" && run.Agent != f.Agent {
		return false
	}
	if f.Status != "" && run.Status != f.Status {
		return false
	}
	return true
}

// applyFilter filters, sorts by start time and applies the limit.
func applyFilter(runs []*RunRecord, filter RunFilter) []*RunRecord {
	out := make([]*RunRecord, 0, len(runs))
	for _, r := range runs {
		if filter.matches(r) {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out
}

// expired reports whether a finished run ended before cutoff.
func expired(run *RunRecord, cutoff time.Time) bool {
	if !run.Status.IsTerminal() {
		return false
	}
	end := run.StartedAt
	if run.FinishedAt != nil {
		end = *run.FinishedAt
	}
	return end.Before(cutoff)
}

func cloneRun(r *RunRecord) *RunRecord {
	c := *r
	if r.FinishedAt != nil {
		t := *r.FinishedAt
		c.FinishedAt = &t
	}
	return &c
}

func cloneStep(s *StepRecord) *StepRecord {
	c := *s
	c.Actions = append([]ActionRecord(nil), s.Actions...)
	return &c
}

// janitor runs Cleanup every interval until stopped.
type janitor struct {
	stop chan struct{}
	done chan struct{}
}

func startJanitor(store RunStore, cfg CleanupConfig) *janitor {
	if !cfg.Enabled {
		return nil
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Hour
	}
	j := &janitor{stop: make(chan struct{}), done: make(chan struct{})}
	go func() {
		defer close(j.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-j.stop:
				return
			case <-ticker.C:
				_, _ = store.Cleanup(context.Background(), cfg.Retention)
			}
		}
	}()
	return j
}

func (j *janitor) Stop() {
	if j == nil {
		return
	}
	close(j.stop)
	<-j.done
}
