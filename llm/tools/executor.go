// Package tools implements the tool registry and the action executor: requested
// actions are resolved by name, validated against their schema, executed with a
// timeout, and normalized into observations.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pminervini/open-deep-research/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

var tracer = otel.Tracer("github.com/pminervini/open-deep-research/llm/tools")

// ToolFunc defines the tool function signature.
type ToolFunc func(ctx context.Context, args json.RawMessage) (json.RawMessage, error)

// ToolMetadata describes a registered tool.
type ToolMetadata struct {
	Schema     types.ToolSchema  // wire schema sent to the model
	Parameters *types.JSONSchema // parsed parameter schema used for validation
	RateLimit  *RateLimitConfig  // optional
	Timeout    time.Duration     // default 30s
	// Sequential marks tools that share state with other calls of the same
	// step. A step containing one runs strictly in request order.
	Sequential bool
}

// RateLimitConfig allows Rate calls per second with bursts of Burst.
type RateLimitConfig struct {
	Rate  float64
	Burst int
}

// ToolResult is the normalized outcome of one action.
type ToolResult struct {
	ToolCallID string          `json:"tool_call_id"`
	Name       string          `json:"name"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	ErrorCode  types.ErrorCode `json:"error_code,omitempty"`
	Duration   time.Duration   `json:"duration"`
}

// IsError returns true if the action failed.
func (r ToolResult) IsError() bool { return r.Error != "" }

// Observation renders the result as the text the model sees. JSON string
// results are unquoted.
func (r ToolResult) Observation() string {
	if r.Error != "" {
		return "Error: " + r.Error
	}
	var s string
	if err := json.Unmarshal(r.Result, &s); err == nil {
		return s
	}
	return string(r.Result)
}

// ToMessage converts the result to an action-result message.
func (r ToolResult) ToMessage() types.Message {
	return types.NewToolMessage(r.ToolCallID, r.Name, r.Observation())
}

// ToolRegistry defines the tool registry interface.
type ToolRegistry interface {
	Register(name string, fn ToolFunc, metadata ToolMetadata) error
	Unregister(name string) error
	Get(name string) (ToolFunc, ToolMetadata, error)
	List() []types.ToolSchema
	Names() []string
	Has(name string) bool
}

// ToolExecutor executes model-requested actions. The returned error is
// non-nil only for fatal conditions (run cancellation, resource exhaustion);
// every other failure is folded into the ToolResult.
type ToolExecutor interface {
	Execute(ctx context.Context, call types.ToolCall) (ToolResult, error)
	ExecuteAll(ctx context.Context, calls []types.ToolCall) ([]ToolResult, error)
}

// ExecutionObserver receives one record per executed action.
type ExecutionObserver interface {
	ObserveToolExecution(tool, status string, duration time.Duration)
}

// ====== DefaultRegistry ======

type DefaultRegistry struct {
	mu       sync.RWMutex
	tools    map[string]ToolFunc
	metadata map[string]ToolMetadata
	limiters map[string]*rate.Limiter
	logger   *zap.Logger
}

// NewDefaultRegistry creates an empty registry.
func NewDefaultRegistry(logger *zap.Logger) *DefaultRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DefaultRegistry{
		tools:    make(map[string]ToolFunc),
		metadata: make(map[string]ToolMetadata),
		limiters: make(map[string]*rate.Limiter),
		logger:   logger.With(zap.String("component", "tool_registry")),
	}
}

func (r *DefaultRegistry) Register(name string, fn ToolFunc, metadata ToolMetadata) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %s already registered", name)
	}
	if metadata.Schema.Name == "" {
		metadata.Schema.Name = name
	}
	if metadata.Schema.Name != name {
		return fmt.Errorf("tool name mismatch: schema.Name=%s, register name=%s", metadata.Schema.Name, name)
	}
	if metadata.Parameters == nil && len(metadata.Schema.Parameters) > 0 {
		params, err := types.FromJSON(metadata.Schema.Parameters)
		if err != nil {
			return fmt.Errorf("tool %s: %w", name, err)
		}
		metadata.Parameters = params
	}
	if metadata.Timeout == 0 {
		metadata.Timeout = 30 * time.Second
	}

	r.tools[name] = fn
	r.metadata[name] = metadata
	if metadata.RateLimit != nil && metadata.RateLimit.Rate > 0 {
		burst := metadata.RateLimit.Burst
		if burst <= 0 {
			burst = 1
		}
		r.limiters[name] = rate.NewLimiter(rate.Limit(metadata.RateLimit.Rate), burst)
	}

	r.logger.Debug("tool registered", zap.String("name", name), zap.Duration("timeout", metadata.Timeout))
	return nil
}

func (r *DefaultRegistry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[name]; !exists {
		return fmt.Errorf("tool %s not found", name)
	}
	delete(r.tools, name)
	delete(r.metadata, name)
	delete(r.limiters, name)
	return nil
}

func (r *DefaultRegistry) Get(name string) (ToolFunc, ToolMetadata, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	fn, ok := r.tools[name]
	if !ok {
		return nil, ToolMetadata{}, types.NewUnknownActionError(name, r.namesLocked())
	}
	return fn, r.metadata[name], nil
}

// List returns schemas sorted by name so that prompts are deterministic.
func (r *DefaultRegistry) List() []types.ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()

	schemas := make([]types.ToolSchema, 0, len(r.metadata))
	for _, name := range r.namesLocked() {
		schemas = append(schemas, r.metadata[name].Schema)
	}
	return schemas
}

func (r *DefaultRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.namesLocked()
}

func (r *DefaultRegistry) namesLocked() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *DefaultRegistry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// wait blocks until the tool's rate limiter admits a call.
func (r *DefaultRegistry) wait(ctx context.Context, name string) error {
	r.mu.RLock()
	limiter, ok := r.limiters[name]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	return limiter.Wait(ctx)
}

// ====== DefaultExecutor ======

// ExecutorConfig configures a DefaultExecutor.
type ExecutorConfig struct {
	// MaxConcurrency bounds how many independent actions of one step run at
	// once. Values below 1 mean sequential execution.
	MaxConcurrency int
	// MaxObservationChars truncates each observation. 0 disables truncation.
	MaxObservationChars int
}

type DefaultExecutor struct {
	registry ToolRegistry
	config   ExecutorConfig
	observer ExecutionObserver
	logger   *zap.Logger
}

// NewDefaultExecutor creates an executor over registry.
func NewDefaultExecutor(registry ToolRegistry, config ExecutorConfig, logger *zap.Logger) *DefaultExecutor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.MaxConcurrency < 1 {
		config.MaxConcurrency = 1
	}
	return &DefaultExecutor{
		registry: registry,
		config:   config,
		logger:   logger.With(zap.String("component", "tool_executor")),
	}
}

// WithObserver attaches an execution observer, typically the metrics collector.
func (e *DefaultExecutor) WithObserver(o ExecutionObserver) *DefaultExecutor {
	e.observer = o
	return e
}

// ExecuteAll runs calls on a bounded pool. Results keep the order of calls
// regardless of completion order. The first fatal error cancels the remaining
// calls and is returned together with the results gathered so far. A batch
// holding any Sequential tool runs one call at a time in request order.
func (e *DefaultExecutor) ExecuteAll(ctx context.Context, calls []types.ToolCall) ([]ToolResult, error) {
	results := make([]ToolResult, len(calls))
	if len(calls) == 0 {
		return results, nil
	}
	if len(calls) == 1 || e.config.MaxConcurrency == 1 || e.hasSequential(calls) {
		for i, call := range calls {
			res, err := e.Execute(ctx, call)
			results[i] = res
			if err != nil {
				return results, err
			}
		}
		return results, nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sem := semaphore.NewWeighted(int64(e.config.MaxConcurrency))
	var (
		wg       sync.WaitGroup
		errOnce  sync.Once
		fatalErr error
	)
	for i, call := range calls {
		if err := sem.Acquire(runCtx, 1); err != nil {
			errOnce.Do(func() { fatalErr = ctx.Err() })
			break
		}
		wg.Add(1)
		go func(idx int, c types.ToolCall) {
			defer wg.Done()
			defer sem.Release(1)
			res, err := e.Execute(runCtx, c)
			results[idx] = res
			if err != nil {
				errOnce.Do(func() { fatalErr = err })
				cancel()
			}
		}(i, call)
	}
	wg.Wait()

	if fatalErr == nil && ctx.Err() != nil {
		fatalErr = ctx.Err()
	}
	return results, fatalErr
}

func (e *DefaultExecutor) hasSequential(calls []types.ToolCall) bool {
	for _, call := range calls {
		if _, meta, err := e.registry.Get(call.Name); err == nil && meta.Sequential {
			return true
		}
	}
	return false
}

// Execute resolves, validates and runs a single call.
func (e *DefaultExecutor) Execute(ctx context.Context, call types.ToolCall) (ToolResult, error) {
	start := time.Now()
	result := ToolResult{ToolCallID: call.ID, Name: call.Name}
	logger := e.logger.With(zap.String("tool", call.Name), zap.String("call_id", call.ID))

	ctx, span := tracer.Start(ctx, "tool.execute", trace.WithAttributes(
		attribute.String("tool.name", call.Name),
		attribute.String("tool.call_id", call.ID),
	))
	defer span.End()

	finish := func(status string) {
		result.Duration = time.Since(start)
		span.SetAttributes(attribute.String("tool.status", status))
		if status != "success" {
			span.SetStatus(codes.Error, result.Error)
		}
		if e.observer != nil {
			e.observer.ObserveToolExecution(call.Name, status, result.Duration)
		}
	}
	fail := func(err error) {
		result.Error = err.Error()
		result.ErrorCode = types.GetErrorCode(err)
		if result.ErrorCode == "" {
			result.ErrorCode = types.ErrToolExecution
		}
	}

	if err := ctx.Err(); err != nil {
		fail(err)
		finish("canceled")
		return result, err
	}

	fn, meta, err := e.registry.Get(call.Name)
	if err != nil {
		fail(err)
		finish("unknown")
		logger.Warn("unknown action requested")
		return result, nil
	}

	args, err := ValidateArguments(meta.Parameters, call.Arguments)
	if err != nil {
		fail(err)
		finish("invalid")
		logger.Warn("invalid action arguments", zap.Error(err))
		return result, nil
	}

	if reg, ok := e.registry.(*DefaultRegistry); ok {
		if err := reg.wait(ctx, call.Name); err != nil {
			fail(err)
			finish("canceled")
			return result, ctx.Err()
		}
	}

	out, err := e.invoke(ctx, fn, meta.Timeout, args)
	if err != nil {
		fail(err)
		if types.IsFatal(ctx, err) {
			finish("fatal")
			logger.Error("action aborted the run", zap.Error(err))
			if ctx.Err() != nil {
				return result, ctx.Err()
			}
			return result, err
		}
		finish("error")
		logger.Info("action failed", zap.Error(err), zap.Duration("duration", time.Since(start)))
		return result, nil
	}

	result.Result = e.truncate(out)
	finish("success")
	logger.Debug("action executed", zap.Duration("duration", result.Duration))
	return result, nil
}

// invoke runs fn under the tool timeout and converts panics to errors.
func (e *DefaultExecutor) invoke(ctx context.Context, fn ToolFunc, timeout time.Duration, args json.RawMessage) (json.RawMessage, error) {
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		res json.RawMessage
		err error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("tool panicked: %v", r)}
			}
		}()
		res, err := fn(execCtx, args)
		done <- outcome{res: res, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil && ctx.Err() == nil && errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("execution timeout after %s: %w", timeout, o.err)
		}
		return o.res, o.err
	case <-execCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("execution timeout after %s", timeout)
	}
}

// truncate shortens string results above MaxObservationChars.
func (e *DefaultExecutor) truncate(out json.RawMessage) json.RawMessage {
	limit := e.config.MaxObservationChars
	if limit <= 0 {
		return out
	}
	var s string
	if err := json.Unmarshal(out, &s); err != nil {
		if len(out) <= limit {
			return out
		}
		s = string(out)
	}
	t, cut := TruncateText(s, limit)
	if !cut {
		return out
	}
	b, _ := json.Marshal(t)
	return b
}

// TruncationMarker is appended to every truncated text.
const TruncationMarker = "[content truncated]"

// TruncateText cuts s to at most limit runes and appends TruncationMarker.
func TruncateText(s string, limit int) (string, bool) {
	if limit <= 0 {
		return s, false
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return s, false
	}
	return string(runes[:limit]) + "\n" + TruncationMarker, true
}

// StringResult encodes a text observation.
func StringResult(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}
