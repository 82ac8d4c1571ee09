package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pminervini/open-deep-research/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func echoSchema() *types.JSONSchema {
	return types.NewObjectSchema().
		AddProperty("msg", types.NewStringSchema()).
		AddRequired("msg")
}

func newTestRegistry(t *testing.T) *DefaultRegistry {
	t.Helper()
	reg := NewDefaultRegistry(zap.NewNop())
	echo := func(_ context.Context, args json.RawMessage) (json.RawMessage, error) {
		var in struct {
			Msg string `json:"msg"`
		}
		if err := json.Unmarshal(args, &in); err != nil {
			return nil, err
		}
		return StringResult(in.Msg), nil
	}
	require.NoError(t, reg.Register("echo", echo, ToolMetadata{
		Schema: types.NewToolSchema("echo", "echo the message", echoSchema(), "string"),
	}))
	return reg
}

func call(id, name, args string) types.ToolCall {
	return types.ToolCall{ID: id, Name: name, Arguments: json.RawMessage(args)}
}

func TestDefaultRegistry_RegisterAndList(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(t)
	noop := func(context.Context, json.RawMessage) (json.RawMessage, error) { return nil, nil }
	require.NoError(t, reg.Register("alpha", noop, ToolMetadata{}))

	assert.True(t, reg.Has("echo"))
	assert.Equal(t, []string{"alpha", "echo"}, reg.Names())
	schemas := reg.List()
	require.Len(t, schemas, 2)
	assert.Equal(t, "alpha", schemas[0].Name)

	err := reg.Register("echo", noop, ToolMetadata{})
	assert.Error(t, err)

	_, meta, err := reg.Get("echo")
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, meta.Timeout)
	require.NotNil(t, meta.Parameters)
	assert.Equal(t, []string{"msg"}, meta.Parameters.Required)

	require.NoError(t, reg.Unregister("alpha"))
	assert.False(t, reg.Has("alpha"))
	assert.Error(t, reg.Unregister("alpha"))
}

func TestDefaultRegistry_NameMismatch(t *testing.T) {
	t.Parallel()

	reg := NewDefaultRegistry(nil)
	noop := func(context.Context, json.RawMessage) (json.RawMessage, error) { return nil, nil }
	err := reg.Register("a", noop, ToolMetadata{Schema: types.ToolSchema{Name: "b"}})
	assert.Error(t, err)
}

func TestDefaultExecutor_Execute(t *testing.T) {
	t.Parallel()

	exec := NewDefaultExecutor(newTestRegistry(t), ExecutorConfig{}, zap.NewNop())

	tests := []struct {
		name     string
		call     types.ToolCall
		wantObs  string
		wantCode types.ErrorCode
	}{
		{
			name:    "success",
			call:    call("1", "echo", `{"msg":"hello"}`),
			wantObs: "hello",
		},
		{
			name:     "unknown action",
			call:     call("2", "nope", `{}`),
			wantCode: types.ErrUnknownAction,
		},
		{
			name:     "missing required",
			call:     call("3", "echo", `{}`),
			wantCode: types.ErrInvalidArgument,
		},
		{
			name:     "wrong type",
			call:     call("4", "echo", `{"msg":42}`),
			wantCode: types.ErrInvalidArgument,
		},
		{
			name:     "not an object",
			call:     call("5", "echo", `"hello"`),
			wantCode: types.ErrInvalidArgument,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := exec.Execute(context.Background(), tt.call)
			require.NoError(t, err)
			assert.Equal(t, tt.call.ID, res.ToolCallID)
			assert.Equal(t, tt.wantCode, res.ErrorCode)
			if tt.wantObs != "" {
				assert.Equal(t, tt.wantObs, res.Observation())
			} else {
				assert.True(t, res.IsError())
			}
		})
	}
}

func TestDefaultExecutor_InvalidArgumentNamesParameter(t *testing.T) {
	t.Parallel()

	exec := NewDefaultExecutor(newTestRegistry(t), ExecutorConfig{}, nil)
	res, err := exec.Execute(context.Background(), call("1", "echo", `{"msg":true}`))
	require.NoError(t, err)
	assert.Contains(t, res.Error, `parameter "msg"`)
}

func TestDefaultExecutor_UnknownActionListsAvailable(t *testing.T) {
	t.Parallel()

	exec := NewDefaultExecutor(newTestRegistry(t), ExecutorConfig{}, nil)
	res, err := exec.Execute(context.Background(), call("1", "search", `{}`))
	require.NoError(t, err)
	assert.Contains(t, res.Observation(), "echo")
	assert.Contains(t, res.Observation(), `"search"`)
}

func TestDefaultExecutor_PanicBecomesObservation(t *testing.T) {
	t.Parallel()

	reg := NewDefaultRegistry(nil)
	require.NoError(t, reg.Register("boom", func(context.Context, json.RawMessage) (json.RawMessage, error) {
		panic("kaboom")
	}, ToolMetadata{}))

	exec := NewDefaultExecutor(reg, ExecutorConfig{}, nil)
	res, err := exec.Execute(context.Background(), call("1", "boom", `{}`))
	require.NoError(t, err)
	assert.Contains(t, res.Error, "kaboom")
	assert.Equal(t, types.ErrToolExecution, res.ErrorCode)
}

func TestDefaultExecutor_ToolTimeoutIsObservation(t *testing.T) {
	t.Parallel()

	reg := NewDefaultRegistry(nil)
	require.NoError(t, reg.Register("slow", func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}, ToolMetadata{Timeout: 20 * time.Millisecond}))

	exec := NewDefaultExecutor(reg, ExecutorConfig{}, nil)
	res, err := exec.Execute(context.Background(), call("1", "slow", `{}`))
	require.NoError(t, err)
	assert.Contains(t, res.Error, "timeout")
}

func TestDefaultExecutor_CapabilityErrorKeepsCode(t *testing.T) {
	t.Parallel()

	reg := NewDefaultRegistry(nil)
	require.NoError(t, reg.Register("fetch", func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return nil, types.NewFetchError("https://example.com", errors.New("connection refused"))
	}, ToolMetadata{}))

	exec := NewDefaultExecutor(reg, ExecutorConfig{}, nil)
	res, err := exec.Execute(context.Background(), call("1", "fetch", `{}`))
	require.NoError(t, err)
	assert.Equal(t, types.ErrFetch, res.ErrorCode)
	assert.Contains(t, res.Observation(), "connection refused")
}

func TestDefaultExecutor_ResourceExhaustionIsFatal(t *testing.T) {
	t.Parallel()

	reg := NewDefaultRegistry(nil)
	require.NoError(t, reg.Register("save", func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return nil, fmt.Errorf("write download: %w", types.ErrResourceExhausted)
	}, ToolMetadata{}))

	exec := NewDefaultExecutor(reg, ExecutorConfig{}, nil)
	_, err := exec.Execute(context.Background(), call("1", "save", `{}`))
	assert.ErrorIs(t, err, types.ErrResourceExhausted)
}

func TestDefaultExecutor_CancellationPropagates(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	reg := NewDefaultRegistry(nil)
	require.NoError(t, reg.Register("wait", func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}, ToolMetadata{Timeout: time.Minute}))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	exec := NewDefaultExecutor(reg, ExecutorConfig{}, nil)
	_, err := exec.Execute(ctx, call("1", "wait", `{}`))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDefaultExecutor_ExecuteAllPreservesOrder(t *testing.T) {
	t.Parallel()

	reg := NewDefaultRegistry(nil)
	var inFlight, peak int32
	require.NoError(t, reg.Register("sleep", func(_ context.Context, args json.RawMessage) (json.RawMessage, error) {
		var in struct {
			Ms int `json:"ms"`
		}
		_ = json.Unmarshal(args, &in)
		n := atomic.AddInt32(&inFlight, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(time.Duration(in.Ms) * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return StringResult(fmt.Sprintf("slept %d", in.Ms)), nil
	}, ToolMetadata{}))

	exec := NewDefaultExecutor(reg, ExecutorConfig{MaxConcurrency: 2}, nil)
	calls := []types.ToolCall{
		call("a", "sleep", `{"ms":40}`),
		call("b", "sleep", `{"ms":5}`),
		call("c", "sleep", `{"ms":20}`),
		call("d", "sleep", `{"ms":1}`),
	}
	results, err := exec.ExecuteAll(context.Background(), calls)
	require.NoError(t, err)
	require.Len(t, results, 4)
	for i, c := range calls {
		assert.Equal(t, c.ID, results[i].ToolCallID)
	}
	assert.Equal(t, "slept 40", results[0].Observation())
	assert.Equal(t, "slept 1", results[3].Observation())
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
}

func TestDefaultExecutor_SequentialToolForcesRequestOrder(t *testing.T) {
	t.Parallel()

	reg := NewDefaultRegistry(nil)
	var (
		mu    sync.Mutex
		order []string
	)
	record := func(name string, delay time.Duration) ToolFunc {
		return func(context.Context, json.RawMessage) (json.RawMessage, error) {
			time.Sleep(delay)
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return StringResult(name), nil
		}
	}
	require.NoError(t, reg.Register("slow", record("slow", 50*time.Millisecond), ToolMetadata{Sequential: true}))
	require.NoError(t, reg.Register("fast", record("fast", 0), ToolMetadata{}))

	exec := NewDefaultExecutor(reg, ExecutorConfig{MaxConcurrency: 4}, nil)
	results, err := exec.ExecuteAll(context.Background(), []types.ToolCall{
		call("1", "slow", `{}`),
		call("2", "fast", `{}`),
		call("3", "missing", `{}`),
	})
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, []string{"slow", "fast"}, order)
	assert.Equal(t, types.ErrUnknownAction, results[2].ErrorCode)
}

func TestDefaultExecutor_TruncatesObservation(t *testing.T) {
	t.Parallel()

	exec := NewDefaultExecutor(newTestRegistry(t), ExecutorConfig{MaxObservationChars: 5}, nil)
	res, err := exec.Execute(context.Background(), call("1", "echo", `{"msg":"héllo world"}`))
	require.NoError(t, err)
	assert.Equal(t, "héllo\n"+TruncationMarker, res.Observation())
}

type recordingObserver struct {
	mu       sync.Mutex
	statuses []string
}

func (r *recordingObserver) ObserveToolExecution(_ string, status string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, status)
}

func TestDefaultExecutor_Observer(t *testing.T) {
	t.Parallel()

	obs := &recordingObserver{}
	exec := NewDefaultExecutor(newTestRegistry(t), ExecutorConfig{}, nil).WithObserver(obs)
	_, _ = exec.Execute(context.Background(), call("1", "echo", `{"msg":"x"}`))
	_, _ = exec.Execute(context.Background(), call("2", "missing", `{}`))
	assert.Equal(t, []string{"success", "unknown"}, obs.statuses)
}

func TestToolResult_ToMessage(t *testing.T) {
	t.Parallel()

	ok := ToolResult{ToolCallID: "1", Name: "echo", Result: StringResult("hi")}
	msg := ok.ToMessage()
	assert.Equal(t, types.RoleTool, msg.Role)
	assert.Equal(t, "hi", msg.Content)

	failed := ToolResult{ToolCallID: "2", Name: "echo", Error: "bad"}
	assert.Equal(t, "Error: bad", failed.ToMessage().Content)

	obj := ToolResult{Result: json.RawMessage(`{"a":1}`)}
	assert.Equal(t, `{"a":1}`, obj.Observation())
}

func TestTruncateText(t *testing.T) {
	t.Parallel()

	s, cut := TruncateText("abc", 3)
	assert.False(t, cut)
	assert.Equal(t, "abc", s)

	s, cut = TruncateText("abcd", 3)
	assert.True(t, cut)
	assert.Equal(t, "abc\n[content truncated]", s)

	s, cut = TruncateText("abcd", 0)
	assert.False(t, cut)
	assert.Equal(t, "abcd", s)
}
