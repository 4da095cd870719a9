package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the agent runtime. All metrics carry the parley_ prefix and are
// registered on the default registry via promauto.
var (
	// TurnsTotal counts completed turns by terminal status
	// (final, error, cancelled).
	TurnsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parley_turns_total",
			Help: "Total number of turns by terminal status",
		},
		[]string{"status"},
	)

	// TurnDuration tracks end-to-end turn latency in seconds.
	TurnDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "parley_turn_duration_seconds",
			Help:    "Turn processing duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"status"},
	)

	// TurnRounds tracks how many model rounds each turn took.
	TurnRounds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "parley_turn_rounds",
			Help:    "Number of model rounds per turn",
			Buckets: []float64{1, 2, 3, 4, 5, 6, 8, 10},
		},
	)

	// ProviderRequestsTotal counts model API requests by provider and outcome.
	ProviderRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parley_provider_requests_total",
			Help: "Total model API requests by provider, model and outcome",
		},
		[]string{"provider", "model", "outcome"},
	)

	// ProviderRequestDuration tracks model API call latency in seconds.
	ProviderRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "parley_provider_request_duration_seconds",
			Help:    "Model API request duration in seconds",
			Buckets: []float64{0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"provider", "model"},
	)

	// TokensTotal counts token usage by provider, model and direction
	// (prompt, completion).
	TokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parley_tokens_total",
			Help: "Total tokens consumed by provider, model and direction",
		},
		[]string{"provider", "model", "direction"},
	)

	// OAuthRefreshTotal counts OAuth token refresh attempts by provider and
	// outcome (ok, error).
	OAuthRefreshTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parley_oauth_refresh_total",
			Help: "Total OAuth token refresh attempts by provider and outcome",
		},
		[]string{"provider", "outcome"},
	)

	// ToolExecutionsTotal counts tool invocations by tool name and outcome
	// (ok, error, timeout).
	ToolExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parley_tool_executions_total",
			Help: "Total tool executions by tool and outcome",
		},
		[]string{"tool", "outcome"},
	)

	// ToolExecutionDuration tracks tool execution latency in seconds.
	ToolExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "parley_tool_execution_duration_seconds",
			Help:    "Tool execution duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
		},
		[]string{"tool"},
	)

	// MCPRequestsTotal counts JSON-RPC requests to MCP servers by server,
	// method and outcome.
	MCPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parley_mcp_requests_total",
			Help: "Total MCP JSON-RPC requests by server, method and outcome",
		},
		[]string{"server", "method", "outcome"},
	)

	// MCPServerRestartsTotal counts MCP server restarts by server.
	MCPServerRestartsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parley_mcp_server_restarts_total",
			Help: "Total MCP server restarts by server",
		},
		[]string{"server"},
	)

	// MCPServersUp reports the current state of each MCP server
	// (1 ready, 0 otherwise).
	MCPServersUp = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "parley_mcp_server_up",
			Help: "Whether an MCP server is currently ready (1) or not (0)",
		},
		[]string{"server"},
	)

	// EventsEmittedTotal counts turn events emitted by type.
	EventsEmittedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parley_events_emitted_total",
			Help: "Total turn events emitted by event type",
		},
		[]string{"type"},
	)

	// EventsDroppedTotal counts events dropped by backpressure-aware sinks.
	EventsDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parley_events_dropped_total",
			Help: "Total turn events dropped under backpressure by event type",
		},
		[]string{"type"},
	)

	// ActiveTurns reports the number of turns currently in flight.
	ActiveTurns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "parley_active_turns",
			Help: "Number of turns currently in flight",
		},
	)

	// ConversationsTotal reports the number of conversations in the store.
	ConversationsTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "parley_conversations_total",
			Help: "Number of conversations currently held in the store",
		},
	)
)
