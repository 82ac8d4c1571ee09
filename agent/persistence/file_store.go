package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// FileRunStore keeps one directory per run under BaseDir/runs:
//
//	<run_id>/run.json
//	<run_id>/steps/0001.json
//
// Every file is written to a temp file first and renamed into place.
type FileRunStore struct {
	baseDir string
	mu      sync.RWMutex
	closed  bool
	janitor *janitor
}

// NewFileRunStore creates the run directory if needed.
func NewFileRunStore(config StoreConfig) (*FileRunStore, error) {
	baseDir := filepath.Join(config.BaseDir, "runs")
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create run store directory: %w", err)
	}
	s := &FileRunStore{baseDir: baseDir}
	s.janitor = startJanitor(s, config.Cleanup)
	return s, nil
}

func (s *FileRunStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	s.janitor.Stop()
	return nil
}

func (s *FileRunStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	_, err := os.Stat(s.baseDir)
	return err
}

func (s *FileRunStore) runDir(runID string) string { return filepath.Join(s.baseDir, runID) }

func (s *FileRunStore) SaveRun(ctx context.Context, run *RunRecord) error {
	if err := validateRun(run); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	dir := s.runDir(run.RunID)
	if err := os.MkdirAll(filepath.Join(dir, "steps"), 0o755); err != nil {
		return err
	}
	return writeJSONAtomic(filepath.Join(dir, "run.json"), run)
}

func (s *FileRunStore) GetRun(ctx context.Context, runID string) (*RunRecord, error) {
	if err := validateRunID(runID); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	return s.readRun(runID)
}

func (s *FileRunStore) readRun(runID string) (*RunRecord, error) {
	var run RunRecord
	if err := readJSON(filepath.Join(s.runDir(runID), "run.json"), &run); err != nil {
		return nil, err
	}
	return &run, nil
}

func (s *FileRunStore) ListRuns(ctx context.Context, filter RunFilter) ([]*RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	runs, err := s.allRuns()
	if err != nil {
		return nil, err
	}
	return applyFilter(runs, filter), nil
}

func (s *FileRunStore) allRuns() ([]*RunRecord, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return nil, err
	}
	runs := make([]*RunRecord, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		run, err := s.readRun(e.Name())
		if errors.Is(err, ErrNotFound) {
			// steps written before the run header
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read run %s: %w", e.Name(), err)
		}
		runs = append(runs, run)
	}
	return runs, nil
}

func (s *FileRunStore) AppendStep(ctx context.Context, step *StepRecord) error {
	if err := validateStep(step); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	dir := filepath.Join(s.runDir(step.RunID), "steps")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return writeJSONAtomic(filepath.Join(dir, fmt.Sprintf("%04d.json", step.Index)), step)
}

func (s *FileRunStore) ListSteps(ctx context.Context, runID string) ([]*StepRecord, error) {
	if err := validateRunID(runID); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	dir := filepath.Join(s.runDir(runID), "steps")
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return []*StepRecord{}, nil
	}
	if err != nil {
		return nil, err
	}
	steps := make([]*StepRecord, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		var st StepRecord
		if err := readJSON(filepath.Join(dir, e.Name()), &st); err != nil {
			return nil, err
		}
		steps = append(steps, &st)
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].Index < steps[j].Index })
	return steps, nil
}

func (s *FileRunStore) DeleteRun(ctx context.Context, runID string) error {
	if err := validateRunID(runID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	dir := s.runDir(runID)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return ErrNotFound
	}
	return os.RemoveAll(dir)
}

func (s *FileRunStore) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrStoreClosed
	}
	runs, err := s.allRuns()
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-olderThan)
	removed := 0
	for _, r := range runs {
		if !expired(r, cutoff) {
			continue
		}
		if err := os.RemoveAll(s.runDir(r.RunID)); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

var _ RunStore = (*FileRunStore)(nil)
