// Package agent drives user turns: it owns the per-conversation busy
// guard, the model/tool round loop, tool execution, transcript
// persistence and turn event emission. Providers and tools plug in
// through the provider.Adapter and tools.Registry abstractions.
package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/parley/internal/conversations"
	"github.com/haasonsaas/parley/internal/observability"
	"github.com/haasonsaas/parley/internal/provider"
	"github.com/haasonsaas/parley/internal/tools"
	"github.com/haasonsaas/parley/pkg/models"
)

const (
	defaultMaxRounds       = 8
	defaultProviderTimeout = 120 * time.Second
)

// Config bounds a turn.
type Config struct {
	// MaxRounds caps model/tool alternations within one turn. When the
	// model is still asking for tools at the cap, the turn fails with a
	// round-limit error carrying the last streamed text.
	MaxRounds int

	// ProviderTimeout bounds each individual model request, including
	// stream consumption. There is no whole-turn deadline: a turn that
	// stays inside its per-request and per-tool bounds may run long.
	ProviderTimeout time.Duration

	// Exec configures tool execution.
	Exec ExecConfig
}

func DefaultConfig() Config {
	return Config{
		MaxRounds:       defaultMaxRounds,
		ProviderTimeout: defaultProviderTimeout,
		Exec:            DefaultExecConfig(),
	}
}

// Orchestrator runs turns against a conversation store, a tool registry
// and the configured agents. All methods are safe for concurrent use;
// turns on distinct conversations run independently.
type Orchestrator struct {
	store    conversations.Store
	registry *tools.Registry
	agents   AgentResolver
	sink     Sink
	logger   *observability.Logger
	config   Config
	executor *Executor

	mu     sync.Mutex
	active map[string]*activeTurn
}

type activeTurn struct {
	turnID string
	cancel context.CancelFunc
}

func New(store conversations.Store, registry *tools.Registry, agents AgentResolver, sink Sink, logger *observability.Logger, config Config) *Orchestrator {
	if sink == nil {
		sink = NopSink{}
	}
	if logger == nil {
		logger = observability.Nop()
	}
	if config.MaxRounds <= 0 {
		config.MaxRounds = defaultMaxRounds
	}
	if config.ProviderTimeout <= 0 {
		config.ProviderTimeout = defaultProviderTimeout
	}
	return &Orchestrator{
		store:    store,
		registry: registry,
		agents:   agents,
		sink:     sink,
		logger:   logger,
		config:   config,
		executor: NewExecutor(registry, config.Exec),
		active:   make(map[string]*activeTurn),
	}
}

// TurnOption customizes a single SendTurn call.
type TurnOption func(*turnOptions)

type turnOptions struct {
	sink    Sink
	agentID string
}

// WithSink attaches a per-turn sink alongside the orchestrator's own.
func WithSink(s Sink) TurnOption {
	return func(o *turnOptions) { o.sink = s }
}

// WithAgent selects which configured agent handles the turn. Empty means
// the resolver's default.
func WithAgent(agentID string) TurnOption {
	return func(o *turnOptions) { o.agentID = agentID }
}

// SendTurn appends userText to the conversation and runs the full
// model/tool loop until the model answers in plain text, the turn fails,
// or it is cancelled.
//
// It returns an error only for synchronous rejections (a busy
// conversation or empty text) and those emit no events. Once the turn
// is admitted, turn.start is emitted and SendTurn returns (outcome, nil)
// whether the turn finished, failed or was cancelled; failures ride the
// outcome and the turn.error event.
func (o *Orchestrator) SendTurn(ctx context.Context, conversationID, userText string, opts ...TurnOption) (*models.TurnOutcome, error) {
	if strings.TrimSpace(userText) == "" {
		return nil, ErrEmptyUserText
	}
	if conversationID == "" {
		return nil, errors.New("conversation id is required")
	}

	var topts turnOptions
	for _, opt := range opts {
		opt(&topts)
	}
	sink := o.sink
	if topts.sink != nil {
		sink = NewMultiSink(o.sink, topts.sink)
	}

	turnID := uuid.NewString()
	ctx = observability.WithConversationID(ctx, conversationID)
	ctx = observability.WithTurnID(ctx, turnID)
	ctx, span := observability.StartSpan(ctx, "agent.turn")
	defer span.End()

	turnCtx, cancelTurn := context.WithCancel(ctx)

	o.mu.Lock()
	if _, busy := o.active[conversationID]; busy {
		o.mu.Unlock()
		cancelTurn()
		return nil, ErrConversationBusy
	}
	o.active[conversationID] = &activeTurn{turnID: turnID, cancel: cancelTurn}
	o.mu.Unlock()

	defer func() {
		cancelTurn()
		o.mu.Lock()
		delete(o.active, conversationID)
		o.mu.Unlock()
	}()

	observability.ActiveTurns.Inc()
	defer observability.ActiveTurns.Dec()

	return o.runTurn(ctx, turnCtx, sink, conversationID, turnID, topts.agentID, userText)
}

// Cancel aborts the active turn on conversationID, if any, and reports
// whether one was in flight. The turn itself still persists the results
// of any tools already running and emits turn.cancelled.
func (o *Orchestrator) Cancel(conversationID string) bool {
	o.mu.Lock()
	turn, ok := o.active[conversationID]
	o.mu.Unlock()
	if !ok {
		return false
	}
	turn.cancel()
	return true
}

// Busy reports whether a turn is currently in flight for conversationID.
func (o *Orchestrator) Busy(conversationID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.active[conversationID]
	return ok
}

func (o *Orchestrator) runTurn(ctx, turnCtx context.Context, sink Sink, conversationID, turnID, agentID, userText string) (*models.TurnOutcome, error) {
	// Persistence and event emission outlive cancellation: a cancelled
	// turn still records completed tool results and must still deliver
	// its turn.cancelled event.
	baseCtx := context.WithoutCancel(ctx)

	em := newEmitter(sink, conversationID, turnID)
	started := time.Now()

	em.turnStart(baseCtx)
	o.logger.Info(baseCtx, "turn started", "agent_id", agentID)

	var usage models.Usage

	agent, adapter, err := o.agents.Resolve(agentID)
	if err != nil {
		te := &TurnError{Kind: KindConfiguration, Detail: err.Error(), Cause: err}
		return o.finishError(baseCtx, em, conversationID, turnID, te, started, 0, usage)
	}
	if agent.Kind == models.AgentRemote {
		te := turnErrorf(KindConfiguration, "agent %q is remote; remote dispatch is not supported", agent.ID)
		return o.finishError(baseCtx, em, conversationID, turnID, te, started, 0, usage)
	}

	if _, err := o.store.EnsureConversation(baseCtx, conversationID, agent.ID); err != nil {
		te := &TurnError{Kind: KindConfiguration, Detail: "conversation store: " + err.Error(), Cause: err}
		return o.finishError(baseCtx, em, conversationID, turnID, te, started, 0, usage)
	}
	userMsg := &models.Message{
		ConversationID: conversationID,
		Role:           models.RoleUser,
		Content:        userText,
	}
	if err := o.store.Append(baseCtx, conversationID, userMsg); err != nil {
		te := &TurnError{Kind: KindConfiguration, Detail: "conversation store: " + err.Error(), Cause: err}
		return o.finishError(baseCtx, em, conversationID, turnID, te, started, 0, usage)
	}

	turnCtx = tools.WithExecContext(turnCtx, tools.ExecContext{
		ConversationID: conversationID,
		AgentID:        agent.ID,
		Provider:       agent.Provider,
		Model:          agent.Model,
	})

	var lastText string
	rounds := 0

	for round := 0; round < o.config.MaxRounds; round++ {
		em.setRound(round)
		rounds = round + 1

		history, err := o.store.History(baseCtx, conversationID)
		if err != nil {
			te := &TurnError{Kind: KindConfiguration, Detail: "conversation store: " + err.Error(), Cause: err}
			return o.finishError(baseCtx, em, conversationID, turnID, te, started, rounds, usage)
		}

		result, err := o.streamRound(turnCtx, baseCtx, agent, adapter, o.buildParams(agent, history), em)
		if err != nil {
			if turnCtx.Err() != nil {
				return o.finishCancelled(baseCtx, em, conversationID, turnID, started, rounds, usage)
			}
			return o.finishError(baseCtx, em, conversationID, turnID, classifyProviderError(err), started, rounds, usage)
		}
		usage.Add(result.Usage)
		if result.Text != "" {
			lastText = result.Text
		}

		if len(result.ToolCalls) == 0 {
			msg := assistantMessage(conversationID, result)
			if err := o.store.Append(baseCtx, conversationID, msg); err != nil {
				te := &TurnError{Kind: KindConfiguration, Detail: "conversation store: " + err.Error(), Cause: err}
				return o.finishError(baseCtx, em, conversationID, turnID, te, started, rounds, usage)
			}
			em.final(baseCtx, msg, rounds, usage)
			o.observeTurn(models.TurnFinal, started, rounds)
			o.logger.Info(baseCtx, "turn finished", "rounds", rounds, "total_tokens", usage.TotalTokens)
			return &models.TurnOutcome{
				TurnID:         turnID,
				ConversationID: conversationID,
				Status:         models.TurnFinal,
				Message:        msg,
				Rounds:         rounds,
				Usage:          usage,
			}, nil
		}

		// Tool round: execute first, then persist the assistant message
		// and one tool message per call id. The executor synthesizes
		// results for calls interrupted by cancellation, so the
		// transcript never ends on a dangling tool_calls message.
		toolResults := o.executor.Execute(turnCtx, result.ToolCalls, em)

		assistant := assistantMessage(conversationID, result)
		if err := o.store.Append(baseCtx, conversationID, assistant); err != nil {
			te := &TurnError{Kind: KindConfiguration, Detail: "conversation store: " + err.Error(), Cause: err}
			return o.finishError(baseCtx, em, conversationID, turnID, te, started, rounds, usage)
		}
		for i := range toolResults {
			res := toolResults[i]
			toolMsg := &models.Message{
				ConversationID: conversationID,
				Role:           models.RoleTool,
				Content:        res.Content,
				ToolResults:    []models.ToolResult{res},
			}
			if err := o.store.Append(baseCtx, conversationID, toolMsg); err != nil {
				te := &TurnError{Kind: KindConfiguration, Detail: "conversation store: " + err.Error(), Cause: err}
				return o.finishError(baseCtx, em, conversationID, turnID, te, started, rounds, usage)
			}
		}

		if turnCtx.Err() != nil {
			return o.finishCancelled(baseCtx, em, conversationID, turnID, started, rounds, usage)
		}
		// Boundaries separate rounds; the last round before the cap is
		// followed by the terminal event instead.
		if round+1 < o.config.MaxRounds {
			em.roundBoundary(baseCtx)
		}
	}

	te := &TurnError{
		Kind:     KindRoundLimit,
		Detail:   fmt.Sprintf("no final answer after %d rounds", o.config.MaxRounds),
		LastText: lastText,
	}
	return o.finishError(baseCtx, em, conversationID, turnID, te, started, rounds, usage)
}

// streamRound issues one model request under the per-request deadline
// and forwards streamed text as chunk events. Text arriving after the
// turn context is cancelled is discarded: providers may flush buffered
// deltas before they observe the cancel.
func (o *Orchestrator) streamRound(turnCtx, emitCtx context.Context, agent models.AgentSettings, adapter provider.Adapter, params *provider.CompletionParams, em *emitter) (*provider.CompletionResult, error) {
	reqCtx, cancel := context.WithTimeout(turnCtx, o.config.ProviderTimeout)
	defer cancel()

	handlers := provider.StreamHandlers{
		OnText: func(text string) {
			if text == "" || turnCtx.Err() != nil {
				return
			}
			em.chunk(emitCtx, text)
		},
	}

	start := time.Now()
	result, err := adapter.StreamCompletion(reqCtx, params, handlers)
	observability.ProviderRequestDuration.WithLabelValues(agent.Provider, agent.Model).Observe(time.Since(start).Seconds())
	if err != nil {
		observability.ProviderRequestsTotal.WithLabelValues(agent.Provider, agent.Model, "error").Inc()
		return nil, err
	}
	observability.ProviderRequestsTotal.WithLabelValues(agent.Provider, agent.Model, "ok").Inc()
	observability.TokensTotal.WithLabelValues(agent.Provider, agent.Model, "prompt").Add(float64(result.Usage.PromptTokens))
	observability.TokensTotal.WithLabelValues(agent.Provider, agent.Model, "completion").Add(float64(result.Usage.CompletionTokens))
	return result, nil
}

func (o *Orchestrator) buildParams(agent models.AgentSettings, history []*models.Message) *provider.CompletionParams {
	msgs := make([]models.Message, 0, len(history))
	for _, m := range history {
		msgs = append(msgs, *m)
	}
	params := &provider.CompletionParams{
		Model:       agent.Model,
		System:      agent.SystemPrompt,
		Messages:    msgs,
		MaxTokens:   agent.MaxTokens,
		Temperature: agent.Temperature,
		TopP:        agent.TopP,
	}
	if o.registry == nil {
		return params
	}

	var allowed map[string]bool
	if len(agent.Tools) > 0 {
		allowed = make(map[string]bool, len(agent.Tools))
		for _, name := range agent.Tools {
			allowed[name] = true
		}
	}
	for _, def := range o.registry.Definitions() {
		if allowed != nil && !allowed[def.Name] {
			continue
		}
		params.Tools = append(params.Tools, provider.ToolSchema{
			Name:        def.Name,
			Description: def.Description,
			Parameters:  def.Schema,
		})
	}
	return params
}

func (o *Orchestrator) observeTurn(status models.TurnStatus, started time.Time, rounds int) {
	observability.TurnsTotal.WithLabelValues(string(status)).Inc()
	observability.TurnDuration.WithLabelValues(string(status)).Observe(time.Since(started).Seconds())
	observability.TurnRounds.Observe(float64(rounds))
}

func (o *Orchestrator) finishCancelled(ctx context.Context, em *emitter, conversationID, turnID string, started time.Time, rounds int, usage models.Usage) (*models.TurnOutcome, error) {
	em.cancelled(ctx)
	o.observeTurn(models.TurnCancelled, started, rounds)
	o.logger.Info(ctx, "turn cancelled", "rounds", rounds)
	return &models.TurnOutcome{
		TurnID:         turnID,
		ConversationID: conversationID,
		Status:         models.TurnCancelled,
		Rounds:         rounds,
		Usage:          usage,
	}, nil
}

func (o *Orchestrator) finishError(ctx context.Context, em *emitter, conversationID, turnID string, te *TurnError, started time.Time, rounds int, usage models.Usage) (*models.TurnOutcome, error) {
	em.turnError(ctx, te)
	o.observeTurn(models.TurnFailed, started, rounds)
	o.logger.Error(ctx, "turn failed", "kind", te.Kind, "error", te.Detail, "rounds", rounds)
	return &models.TurnOutcome{
		TurnID:         turnID,
		ConversationID: conversationID,
		Status:         models.TurnFailed,
		Rounds:         rounds,
		Usage:          usage,
		ErrorKind:      te.Kind,
		ErrorDetail:    te.Detail,
	}, nil
}

// assistantMessage converts a completion into the persisted assistant
// message. Only final text and tool-call framing are stored; incremental
// chunks never land in the transcript.
func assistantMessage(conversationID string, result *provider.CompletionResult) *models.Message {
	return &models.Message{
		ConversationID: conversationID,
		Role:           models.RoleAssistant,
		Content:        result.Text,
		ToolCalls:      result.ToolCalls,
		Metadata: &models.MessageMetadata{
			Provider:         result.Provider,
			Model:            result.Model,
			PromptTokens:     result.Usage.PromptTokens,
			CompletionTokens: result.Usage.CompletionTokens,
			TotalTokens:      result.Usage.TotalTokens,
			ResponseTime:     result.ResponseTime,
		},
	}
}
