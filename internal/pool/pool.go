// Package pool runs tasks on a bounded set of goroutines.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	ErrPoolClosed = errors.New("pool is closed")
	ErrPoolFull   = errors.New("pool is full")
)

// PanicError is returned for a task that panicked.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string { return fmt.Sprintf("task panicked: %v", e.Value) }

// Task is one unit of work.
type Task func(ctx context.Context) error

// Config configures a Pool.
type Config struct {
	// Workers bounds concurrent tasks.
	Workers int `json:"workers"`
	// QueueSize bounds tasks waiting for a worker.
	QueueSize int `json:"queue_size"`
	// IdleTimeout retires surplus workers; one worker always stays.
	IdleTimeout  time.Duration `json:"idle_timeout"`
	PanicHandler func(any)     `json:"-"`
}

// DefaultConfig returns a small pool suited to research runs, which are
// long and few.
func DefaultConfig() Config {
	return Config{
		Workers:     4,
		QueueSize:   256,
		IdleTimeout: 60 * time.Second,
	}
}

// Pool spawns workers on demand up to Config.Workers.
type Pool struct {
	workers     int
	queue       chan job
	workerCount atomic.Int32
	activeCount atomic.Int32

	// mu guards closed against sends racing Close.
	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	rejected  atomic.Int64

	idleTimeout  time.Duration
	panicHandler func(any)
	logger       *zap.Logger
}

type job struct {
	task   Task
	ctx    context.Context
	result chan error
}

// New creates a pool. Zero fields take DefaultConfig values.
func New(cfg Config, logger *zap.Logger) *Pool {
	d := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = d.Workers
	}
	if cfg.QueueSize < 0 {
		cfg.QueueSize = 0
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = d.IdleTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		workers:      cfg.Workers,
		queue:        make(chan job, cfg.QueueSize),
		idleTimeout:  cfg.IdleTimeout,
		panicHandler: cfg.PanicHandler,
		logger:       logger.With(zap.String("component", "pool")),
	}
}

// Submit enqueues task without waiting for it. It fails with ErrPoolFull
// when the queue is full and no worker can be added.
func (p *Pool) Submit(ctx context.Context, task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	p.submitted.Add(1)

	j := job{task: task, ctx: ctx}
	select {
	case p.queue <- j:
		p.ensureWorker()
		return nil
	default:
		if p.trySpawnWorker() {
			select {
			case p.queue <- j:
				return nil
			default:
			}
		}
		p.rejected.Add(1)
		return ErrPoolFull
	}
}

// SubmitWait enqueues task, blocking while the queue is full, and returns
// the task's error.
func (p *Pool) SubmitWait(ctx context.Context, task Task) error {
	j := job{task: task, ctx: ctx, result: make(chan error, 1)}

	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return ErrPoolClosed
	}
	p.submitted.Add(1)
	p.ensureWorker()
	select {
	case p.queue <- j:
		p.mu.RUnlock()
	case <-ctx.Done():
		p.mu.RUnlock()
		p.rejected.Add(1)
		return ctx.Err()
	}

	select {
	case err := <-j.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) ensureWorker() {
	if p.workerCount.Load() < int32(p.workers) {
		p.trySpawnWorker()
	}
}

func (p *Pool) trySpawnWorker() bool {
	for {
		current := p.workerCount.Load()
		if current >= int32(p.workers) {
			return false
		}
		if p.workerCount.CompareAndSwap(current, current+1) {
			p.wg.Add(1)
			go p.worker()
			return true
		}
	}
}

func (p *Pool) worker() {
	defer p.wg.Done()
	defer p.workerCount.Add(-1)

	timer := time.NewTimer(p.idleTimeout)
	defer timer.Stop()

	for {
		select {
		case j, ok := <-p.queue:
			if !ok {
				return
			}

			p.activeCount.Add(1)
			err := p.run(j)
			p.activeCount.Add(-1)

			if j.result != nil {
				j.result <- err
			}
			if err != nil {
				p.failed.Add(1)
			} else {
				p.completed.Add(1)
			}
			timer.Reset(p.idleTimeout)

		case <-timer.C:
			if p.workerCount.Load() > 1 {
				return
			}
			timer.Reset(p.idleTimeout)
		}
	}
}

func (p *Pool) run(j job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("task panicked", zap.Any("panic", r), zap.Stack("stack"))
			if p.panicHandler != nil {
				p.panicHandler(r)
			}
			err = &PanicError{Value: r}
		}
	}()
	if err := j.ctx.Err(); err != nil {
		return err
	}
	return j.task(j.ctx)
}

// Close stops accepting tasks and waits until every queued task has run.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()
	p.wg.Wait()
}

// Stats returns pool statistics.
func (p *Pool) Stats() Stats {
	return Stats{
		Workers:   int(p.workerCount.Load()),
		Active:    int(p.activeCount.Load()),
		Queued:    len(p.queue),
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Rejected:  p.rejected.Load(),
	}
}

// Stats contains pool statistics.
type Stats struct {
	Workers   int   `json:"workers"`
	Active    int   `json:"active"`
	Queued    int   `json:"queued"`
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Rejected  int64 `json:"rejected"`
}
