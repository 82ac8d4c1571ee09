package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *Manager) {
	t.Helper()
	mr := miniredis.RunT(t)

	manager, err := NewManager(Config{
		Addr:                mr.Addr(),
		Prefix:              "test:",
		DefaultTTL:          time.Minute,
		HealthCheckInterval: 10 * time.Millisecond,
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = manager.Close() })
	return mr, manager
}

func TestManager_SetAndGet(t *testing.T) {
	mr, manager := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, manager.Set(ctx, "k", "v", 0))
	value, err := manager.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", value)

	// the prefix is applied on the wire
	raw, err := mr.Get("test:k")
	require.NoError(t, err)
	assert.Equal(t, "v", raw)
	assert.Equal(t, time.Minute, mr.TTL("test:k"))
}

func TestManager_Miss(t *testing.T) {
	_, manager := setupTestRedis(t)

	_, err := manager.Get(context.Background(), "absent")
	assert.True(t, IsCacheMiss(err))
}

func TestManager_JSON(t *testing.T) {
	_, manager := setupTestRedis(t)
	ctx := context.Background()

	type item struct {
		Title string `json:"title"`
		Rank  int    `json:"rank"`
	}
	in := []item{{"a", 1}, {"b", 2}}
	require.NoError(t, manager.SetJSON(ctx, "items", in, time.Minute))

	var out []item
	require.NoError(t, manager.GetJSON(ctx, "items", &out))
	assert.Equal(t, in, out)

	assert.Error(t, manager.SetJSON(ctx, "bad", make(chan int), time.Minute))

	require.NoError(t, manager.Set(ctx, "garbage", "not json", time.Minute))
	assert.Error(t, manager.GetJSON(ctx, "garbage", &out))
}

func TestManager_TTLExpiry(t *testing.T) {
	mr, manager := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, manager.Set(ctx, "short", "v", 100*time.Millisecond))
	mr.FastForward(200 * time.Millisecond)

	_, err := manager.Get(ctx, "short")
	assert.True(t, IsCacheMiss(err))
}

func TestManager_Delete(t *testing.T) {
	_, manager := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, manager.Set(ctx, "a", "1", 0))
	require.NoError(t, manager.Delete(ctx, "a", "missing"))
	_, err := manager.Get(ctx, "a")
	assert.True(t, IsCacheMiss(err))
}

func TestManager_Closed(t *testing.T) {
	_, manager := setupTestRedis(t)
	require.NoError(t, manager.Close())
	require.NoError(t, manager.Close())

	_, err := manager.Get(context.Background(), "k")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, manager.Ping(context.Background()), ErrClosed)
}

func TestNewManager_Unreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := NewManager(Config{Addr: addr}, nil)
	assert.Error(t, err)
}
