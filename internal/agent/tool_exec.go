package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/haasonsaas/parley/internal/tools"
	"github.com/haasonsaas/parley/pkg/models"
)

const (
	defaultConcurrency = 4
	defaultToolTimeout = 120 * time.Second
)

// ExecConfig controls how one round's tool calls are executed.
type ExecConfig struct {
	// Concurrency bounds how many tools run at once within a parallel
	// batch. Minimum 1.
	Concurrency int

	// ToolTimeout is the per-invocation deadline applied to every tool
	// without an override.
	ToolTimeout time.Duration

	// ToolTimeouts overrides the deadline for specific tools by name.
	ToolTimeouts map[string]time.Duration
}

// DefaultExecConfig returns the executor defaults: four concurrent
// tools, two minutes per invocation, ten minutes for bash.
func DefaultExecConfig() ExecConfig {
	return ExecConfig{
		Concurrency: defaultConcurrency,
		ToolTimeout: defaultToolTimeout,
		ToolTimeouts: map[string]time.Duration{
			"bash": 10 * time.Minute,
		},
	}
}

// Executor runs the tool calls of one model round and reports their
// results in the order the model issued them, regardless of completion
// order. Tools marked exclusive act as barriers: everything before them
// finishes first, and they run alone.
type Executor struct {
	registry *tools.Registry
	config   ExecConfig
}

func NewExecutor(registry *tools.Registry, config ExecConfig) *Executor {
	if config.Concurrency < 1 {
		config.Concurrency = defaultConcurrency
	}
	if config.ToolTimeout <= 0 {
		config.ToolTimeout = defaultToolTimeout
	}
	return &Executor{registry: registry, config: config}
}

func (e *Executor) timeoutFor(name string) time.Duration {
	if t, ok := e.config.ToolTimeouts[name]; ok && t > 0 {
		return t
	}
	return e.config.ToolTimeout
}

// Execute runs calls and returns one result per call, index-aligned with
// the input. Every call gets a result even under cancellation, so the
// transcript stays replayable. Start events for a parallel batch are all
// emitted before any of its end events; once ctx is cancelled no further
// batch is started.
func (e *Executor) Execute(ctx context.Context, calls []models.ToolCall, em *emitter) []models.ToolResult {
	results := make([]models.ToolResult, len(calls))

	for start := 0; start < len(calls); {
		end := start + 1
		if !e.registry.IsExclusive(calls[start].Name) {
			for end < len(calls) && !e.registry.IsExclusive(calls[end].Name) {
				end++
			}
		}
		if ctx.Err() != nil {
			for i := start; i < len(calls); i++ {
				results[i] = cancelledResult(calls[i])
			}
			break
		}
		e.runBatch(ctx, calls[start:end], results[start:end], em)
		start = end
	}
	return results
}

// runBatch executes one parallel batch. Starts are emitted serially in
// model order before any tool begins; ends are emitted from the worker
// goroutines as each tool finishes.
func (e *Executor) runBatch(ctx context.Context, calls []models.ToolCall, results []models.ToolResult, em *emitter) {
	for _, call := range calls {
		em.toolStart(ctx, call)
	}

	sem := make(chan struct{}, e.config.Concurrency)
	var wg sync.WaitGroup
	for i := range calls {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				results[idx] = cancelledResult(calls[idx])
				em.toolEnd(ctx, results[idx])
				return
			}
			results[idx] = e.executeOne(ctx, calls[idx])
			em.toolEnd(ctx, results[idx])
		}(i)
	}
	wg.Wait()
}

// executeOne applies the per-tool deadline and guards against tools that
// ignore their context: the registry call runs in its own goroutine with
// a buffered result channel, so a stuck tool cannot wedge the turn.
func (e *Executor) executeOne(ctx context.Context, call models.ToolCall) models.ToolResult {
	timeout := e.timeoutFor(call.Name)
	toolCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	resCh := make(chan *tools.Result, 1)
	go func() {
		resCh <- e.registry.Execute(toolCtx, call.Name, call.Arguments)
	}()

	select {
	case res := <-resCh:
		return resultFrom(call, res, time.Since(start))
	case <-toolCtx.Done():
		elapsed := time.Since(start)
		if errors.Is(toolCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return failedResult(call, fmt.Sprintf("tool execution timed out after %s", timeout), elapsed)
		}
		return failedResult(call, "tool execution cancelled", elapsed)
	}
}

func resultFrom(call models.ToolCall, res *tools.Result, elapsed time.Duration) models.ToolResult {
	if res == nil {
		return failedResult(call, "tool returned no result", elapsed)
	}
	if !res.Success {
		return failedResult(call, res.Error, elapsed)
	}
	kind := res.Kind
	if kind == "" {
		kind = models.ResultText
	}
	return models.ToolResult{
		ToolCallID: call.ID,
		Name:       call.Name,
		Success:    true,
		Kind:       kind,
		Content:    res.Content,
		Elapsed:    elapsed,
	}
}

// failedResult wraps a failure as a result the model can read and react
// to. Failures are never surfaced as turn errors.
func failedResult(call models.ToolCall, errMsg string, elapsed time.Duration) models.ToolResult {
	return models.ToolResult{
		ToolCallID: call.ID,
		Name:       call.Name,
		Success:    false,
		Kind:       models.ResultJSON,
		Content:    errorEnvelope(errMsg),
		Error:      errMsg,
		Elapsed:    elapsed,
	}
}

func cancelledResult(call models.ToolCall) models.ToolResult {
	return failedResult(call, "tool execution cancelled", 0)
}

func errorEnvelope(msg string) string {
	data, _ := json.Marshal(struct {
		Success bool   `json:"success"`
		Error   string `json:"error"`
	}{Success: false, Error: msg})
	return string(data)
}
