package agent

import (
	"errors"
	"fmt"

	"github.com/haasonsaas/parley/internal/provider"
)

// Synchronous rejections. SendTurn returns these directly, before any
// event is emitted or any message persisted.
var (
	// ErrConversationBusy means a turn is already in flight for the
	// conversation. Callers should cancel it or wait.
	ErrConversationBusy = errors.New("conversation already has an active turn")

	// ErrEmptyUserText means the user text was empty or whitespace-only.
	ErrEmptyUserText = errors.New("user text is empty")
)

// Failure kinds carried by turn.error events and TurnOutcome. Tool
// failures, including an MCP server dying mid-call, never appear here:
// they are fed back to the model as failed tool results so it can react.
const (
	// KindConfiguration covers errors the operator must fix: unknown
	// agent or provider, missing API key, remote agents, store failures.
	KindConfiguration = "configuration"

	// KindAuthentication covers credential errors that survived an
	// OAuth refresh attempt.
	KindAuthentication = "authentication"

	// KindUpstream covers provider timeouts and 5xx errors that
	// survived the adapter's transient retries.
	KindUpstream = "upstream-unavailable"

	// KindRateLimited covers provider 429s that survived retries.
	KindRateLimited = "rate-limited"

	// KindModelProtocol covers responses the runtime cannot act on:
	// rejected requests, content filters, malformed tool-call framing.
	KindModelProtocol = "model-protocol"

	// KindRoundLimit means the model never produced a final answer
	// within the round cap. The last streamed text rides along so the
	// UI can show partial progress.
	KindRoundLimit = "round-limit-exceeded"
)

// TurnError is a classified, terminal turn failure. It is reported on the
// turn.error event and in the TurnOutcome; SendTurn itself still returns
// nil for these, since the turn ran and ended.
type TurnError struct {
	Kind     string
	Detail   string
	LastText string
	Cause    error
}

func (e *TurnError) Error() string {
	if e.Detail == "" {
		return e.Kind
	}
	return e.Kind + ": " + e.Detail
}

func (e *TurnError) Unwrap() error { return e.Cause }

func turnErrorf(kind, format string, args ...any) *TurnError {
	return &TurnError{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// classifyProviderError maps an error surfaced by an adapter onto the
// turn failure taxonomy. Adapters retry transient failures internally,
// so anything arriving here is final for this turn.
func classifyProviderError(err error) *TurnError {
	var te *TurnError
	if errors.As(err, &te) {
		return te
	}

	kind := KindUpstream
	if perr, ok := provider.AsError(err); ok {
		switch perr.Reason {
		case provider.ReasonAuth:
			kind = KindAuthentication
		case provider.ReasonRateLimit:
			kind = KindRateLimited
		case provider.ReasonBilling, provider.ReasonModelUnavailable:
			kind = KindConfiguration
		case provider.ReasonInvalidRequest, provider.ReasonContentFilter:
			kind = KindModelProtocol
		case provider.ReasonTimeout, provider.ReasonServerError:
			kind = KindUpstream
		}
	}
	return &TurnError{Kind: kind, Detail: err.Error(), Cause: err}
}
