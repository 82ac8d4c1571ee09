package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisRunStore stores runs as JSON strings, steps in a hash per run keyed
// by step index, and a sorted set of run ids scored by start time.
type RedisRunStore struct {
	client     *redis.Client
	ownsClient bool
	prefix     string
	ttl        time.Duration

	mu     sync.RWMutex
	closed bool
}

// NewRedisRunStore dials Redis with the configured address.
func NewRedisRunStore(config StoreConfig) (*RedisRunStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     config.Redis.Addr,
		Password: config.Redis.Password,
		DB:       config.Redis.DB,
		PoolSize: config.Redis.PoolSize,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	s := NewRedisRunStoreWithClient(client, config.Redis)
	s.ownsClient = true
	return s, nil
}

// NewRedisRunStoreWithClient uses an existing client, for example the one
// shared with the fetch cache. Close leaves a shared client open.
func NewRedisRunStoreWithClient(client *redis.Client, config RedisStoreConfig) *RedisRunStore {
	return &RedisRunStore{
		client: client,
		prefix: config.KeyPrefix,
		ttl:    config.TTL,
	}
}

func (s *RedisRunStore) runKey(id string) string   { return s.prefix + "run:" + id }
func (s *RedisRunStore) stepsKey(id string) string { return s.prefix + "steps:" + id }
func (s *RedisRunStore) indexKey() string          { return s.prefix + "runs" }

func (s *RedisRunStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.ownsClient {
		return s.client.Close()
	}
	return nil
}

func (s *RedisRunStore) Ping(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.client.Ping(ctx).Err()
}

func (s *RedisRunStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

func (s *RedisRunStore) SaveRun(ctx context.Context, run *RunRecord) error {
	if err := validateRun(run); err != nil {
		return err
	}
	if err := s.checkOpen(); err != nil {
		return err
	}
	data, err := json.Marshal(run)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.runKey(run.RunID), data, s.ttl)
	pipe.ZAdd(ctx, s.indexKey(), redis.Z{Score: float64(run.StartedAt.UnixNano()), Member: run.RunID})
	if s.ttl > 0 {
		pipe.Expire(ctx, s.stepsKey(run.RunID), s.ttl)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisRunStore) GetRun(ctx context.Context, runID string) (*RunRecord, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	data, err := s.client.Get(ctx, s.runKey(runID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var run RunRecord
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

func (s *RedisRunStore) ListRuns(ctx context.Context, filter RunFilter) ([]*RunRecord, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	runs, err := s.allRuns(ctx)
	if err != nil {
		return nil, err
	}
	return applyFilter(runs, filter), nil
}

// allRuns loads every indexed run and drops index entries whose run key
// has expired.
func (s *RedisRunStore) allRuns(ctx context.Context) ([]*RunRecord, error) {
	ids, err := s.client.ZRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	runs := make([]*RunRecord, 0, len(ids))
	var stale []any
	for _, id := range ids {
		run, err := s.GetRun(ctx, id)
		if errors.Is(err, ErrNotFound) {
			stale = append(stale, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if len(stale) > 0 {
		s.client.ZRem(ctx, s.indexKey(), stale...)
	}
	return runs, nil
}

func (s *RedisRunStore) AppendStep(ctx context.Context, step *StepRecord) error {
	if err := validateStep(step); err != nil {
		return err
	}
	if err := s.checkOpen(); err != nil {
		return err
	}
	data, err := json.Marshal(step)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.stepsKey(step.RunID), strconv.Itoa(step.Index), data)
	if s.ttl > 0 {
		pipe.Expire(ctx, s.stepsKey(step.RunID), s.ttl)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisRunStore) ListSteps(ctx context.Context, runID string) ([]*StepRecord, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	fields, err := s.client.HGetAll(ctx, s.stepsKey(runID)).Result()
	if err != nil {
		return nil, err
	}
	steps := make([]*StepRecord, 0, len(fields))
	for _, raw := range fields {
		var st StepRecord
		if err := json.Unmarshal([]byte(raw), &st); err != nil {
			return nil, err
		}
		steps = append(steps, &st)
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].Index < steps[j].Index })
	return steps, nil
}

func (s *RedisRunStore) DeleteRun(ctx context.Context, runID string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	n, err := s.client.Exists(ctx, s.runKey(runID)).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return s.delete(ctx, runID)
}

func (s *RedisRunStore) delete(ctx context.Context, runID string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.runKey(runID), s.stepsKey(runID))
	pipe.ZRem(ctx, s.indexKey(), runID)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisRunStore) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	runs, err := s.allRuns(ctx)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-olderThan)
	removed := 0
	for _, r := range runs {
		if !expired(r, cutoff) {
			continue
		}
		if err := s.delete(ctx, r.RunID); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

var _ RunStore = (*RedisRunStore)(nil)
