package agent

import "errors"

// Sentinel causes for loop termination. They appear in Result.Err so callers
// can distinguish limit stops from provider failures; limit stops still
// finalize the turn as completed.
var (
	// ErrMaxIterations reports that the loop hit its LLM round-trip cap.
	ErrMaxIterations = errors.New("agent: max iterations reached")

	// ErrTokenBudget reports that the turn's aggregate token budget ran out.
	ErrTokenBudget = errors.New("agent: token budget exhausted")
)

// StopReason names why a loop run ended.
type StopReason string

const (
	// StopNatural means the model finished without requesting more tools.
	StopNatural StopReason = "natural"

	// StopBudget means the turn's token budget was exhausted.
	StopBudget StopReason = "budget"

	// StopIterations means the iteration cap was reached.
	StopIterations StopReason = "iterations"

	// StopError means an unrecoverable failure ended the run.
	StopError StopReason = "error"
)
