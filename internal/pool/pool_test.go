package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestPool_SubmitWaitReturnsTaskError(t *testing.T) {
	p := New(Config{Workers: 2}, zap.NewNop())
	defer p.Close()

	boom := errors.New("boom")
	err := p.SubmitWait(context.Background(), func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)

	err = p.SubmitWait(context.Background(), func(context.Context) error { return nil })
	assert.NoError(t, err)

	stats := p.Stats()
	assert.Equal(t, int64(2), stats.Submitted)
	assert.Equal(t, int64(1), stats.Failed)
	assert.Equal(t, int64(1), stats.Completed)
}

func TestPool_BoundsConcurrency(t *testing.T) {
	p := New(Config{Workers: 3, QueueSize: 0}, nil)

	var running, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := p.SubmitWait(context.Background(), func(context.Context) error {
				n := running.Add(1)
				for {
					old := peak.Load()
					if n <= old || peak.CompareAndSwap(old, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				running.Add(-1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	p.Close()

	assert.LessOrEqual(t, peak.Load(), int32(3))
	assert.Equal(t, int64(12), p.Stats().Completed)
}

func TestPool_PanicBecomesError(t *testing.T) {
	var handled atomic.Bool
	p := New(Config{Workers: 1, PanicHandler: func(any) { handled.Store(true) }}, zap.NewNop())
	defer p.Close()

	err := p.SubmitWait(context.Background(), func(context.Context) error { panic("bad page") })
	var pe *PanicError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "bad page", pe.Value)
	assert.True(t, handled.Load())

	// the worker survives
	assert.NoError(t, p.SubmitWait(context.Background(), func(context.Context) error { return nil }))
}

func TestPool_CanceledContextSkipsTask(t *testing.T) {
	p := New(Config{Workers: 1}, zap.NewNop())
	defer p.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var ran atomic.Bool
	err := p.Submit(ctx, func(context.Context) error {
		ran.Store(true)
		return nil
	})
	require.NoError(t, err)
	p.Close()
	assert.False(t, ran.Load())
	assert.Equal(t, int64(1), p.Stats().Failed)
}

func TestPool_CloseDrainsQueue(t *testing.T) {
	p := New(Config{Workers: 1, QueueSize: 10}, zap.NewNop())

	var done atomic.Int32
	for i := 0; i < 5; i++ {
		require.NoError(t, p.Submit(context.Background(), func(context.Context) error {
			time.Sleep(time.Millisecond)
			done.Add(1)
			return nil
		}))
	}
	p.Close()
	assert.Equal(t, int32(5), done.Load())

	assert.ErrorIs(t, p.Submit(context.Background(), func(context.Context) error { return nil }), ErrPoolClosed)
	assert.ErrorIs(t, p.SubmitWait(context.Background(), func(context.Context) error { return nil }), ErrPoolClosed)
	p.Close()
}

func TestPool_SubmitRejectsWhenFull(t *testing.T) {
	p := New(Config{Workers: 1, QueueSize: 1}, zap.NewNop())
	release := make(chan struct{})
	started := make(chan struct{})

	require.NoError(t, p.Submit(context.Background(), func(context.Context) error {
		close(started)
		<-release
		return nil
	}))
	<-started
	require.NoError(t, p.Submit(context.Background(), func(context.Context) error { return nil }))

	err := p.Submit(context.Background(), func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrPoolFull)
	assert.Equal(t, int64(1), p.Stats().Rejected)

	close(release)
	p.Close()
}
