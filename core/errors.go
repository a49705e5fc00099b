package core

import "fmt"

// Kind is a closed set of typed error kinds surfaced by verification stages.
// Stage failures are always threaded into Fort Score inputs as values
// (see fortscore.Evaluate) rather than propagated as exceptions.
// ImageNotFound and AgentProducedNoTrades are the two kinds that abort the
// whole pipeline rather than degrading a category.
type Kind string

const (
	KindImageNotFound         Kind = "image_not_found"
	KindScanFailed            Kind = "scan_failed"
	KindAttestationFailed     Kind = "attestation_failed"
	KindBacktestFailed        Kind = "backtest_failed"
	KindBacktestTimeout       Kind = "backtest_timeout"
	KindAgentProducedNoTrades Kind = "agent_produced_no_trades"
	KindLLMFailed             Kind = "llm_failed"
	KindLLMTimeout            Kind = "llm_timeout"
	KindDataUnavailable       Kind = "data_unavailable"
	KindInsufficientData      Kind = "insufficient_data"
	KindCancelled             Kind = "cancelled"
	KindDeadlineExceeded      Kind = "deadline_exceeded"
	KindInvalidInput          Kind = "invalid_input"
	KindConfigError           Kind = "config_error"
	KindProviderParseError    Kind = "provider_parse_error"
)

// Error wraps a stage failure with the Kind used by the Fort Score engine
// and orchestrator to decide degrade-vs-abort semantics.
type Error struct {
	Kind  Kind
	Stage string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Stage, e.Kind, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Stage, e.Kind)
}

func (e *Error) Unwrap() error { return e.Cause }

// Fatal reports whether this error must abort the whole verification
// pipeline rather than degrade a single Fort Score category. ImageNotFound
// means no downstream stage is meaningful; AgentProducedNoTrades means the
// strategy and scoring stages have nothing to evaluate, since no trade
// stream was ever produced.
func (e *Error) Fatal() bool {
	return e.Kind == KindImageNotFound || e.Kind == KindAgentProducedNoTrades
}

// NewError constructs a stage error.
func NewError(kind Kind, stage string, cause error) *Error {
	return &Error{Kind: kind, Stage: stage, Cause: cause}
}
