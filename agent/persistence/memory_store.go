package persistence

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRunStore keeps runs in process memory. Nothing survives a restart.
type MemoryRunStore struct {
	mu      sync.RWMutex
	runs    map[string]*RunRecord
	steps   map[string]map[int]*StepRecord
	closed  bool
	janitor *janitor
}

// NewMemoryRunStore creates an in-memory run store.
func NewMemoryRunStore(config StoreConfig) *MemoryRunStore {
	s := &MemoryRunStore{
		runs:  make(map[string]*RunRecord),
		steps: make(map[string]map[int]*StepRecord),
	}
	s.janitor = startJanitor(s, config.Cleanup)
	return s
}

func (s *MemoryRunStore) Close() error {
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

func (s *MemoryRunStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

func (s *MemoryRunStore) SaveRun(ctx context.Context, run *RunRecord) error {
	if err := validateRun(run); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	s.runs[run.RunID] = cloneRun(run)
	return nil
}

func (s *MemoryRunStore) GetRun(ctx context.Context, runID string) (*RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	run, ok := s.runs[runID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRun(run), nil
}

func (s *MemoryRunStore) ListRuns(ctx context.Context, filter RunFilter) ([]*RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	all := make([]*RunRecord, 0, len(s.runs))
	for _, r := range s.runs {
		all = append(all, cloneRun(r))
	}
	return applyFilter(all, filter), nil
}

func (s *MemoryRunStore) AppendStep(ctx context.Context, step *StepRecord) error {
	if err := validateStep(step); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	byIndex, ok := s.steps[step.RunID]
	if !ok {
		byIndex = make(map[int]*StepRecord)
		s.steps[step.RunID] = byIndex
	}
	byIndex[step.Index] = cloneStep(step)
	return nil
}

func (s *MemoryRunStore) ListSteps(ctx context.Context, runID string) ([]*StepRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	out := make([]*StepRecord, 0, len(s.steps[runID]))
	for _, st := range s.steps[runID] {
		out = append(out, cloneStep(st))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

func (s *MemoryRunStore) DeleteRun(ctx context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	if _, ok := s.runs[runID]; !ok {
		return ErrNotFound
	}
	delete(s.runs, runID)
	delete(s.steps, runID)
	return nil
}

func (s *MemoryRunStore) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrStoreClosed
	}
	cutoff := time.Now().Add(-olderThan)
	removed := 0
	for id, r := range s.runs {
		if expired(r, cutoff) {
			delete(s.runs, id)
			delete(s.steps, id)
			removed++
		}
	}
	return removed, nil
}

var _ RunStore = (*MemoryRunStore)(nil)
