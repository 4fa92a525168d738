// Package nodekind implements the typed dispatch table of node handlers —
// function, llm, router, pause, and subagent — each producing a tagged
// Outcome that the executor interprets to decide routing.
package nodekind

// Status tags the three possible outcomes of running a node.
type Status int

const (
	// StatusSuccess means the node produced output values and execution
	// should continue to the next edge.
	StatusSuccess Status = iota
	// StatusFailure means the node failed; the executor consults the
	// node's retry policy and on-failure edges.
	StatusFailure
	// StatusSuspend means the node is a pause point: the stream must halt
	// and wait for an external resume.
	StatusSuspend
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusFailure:
		return "failure"
	case StatusSuspend:
		return "suspend"
	default:
		return "unknown"
	}
}

// Outcome is the tagged union a Handler returns. Exactly one of the
// status-specific fields is meaningful, selected by Status.
type Outcome struct {
	Status Status

	// Outputs holds the values a successful node wrote to its declared
	// output keys. Ignored unless Status == StatusSuccess.
	Outputs map[string]any

	// RouterLabel, when non-empty, names the edge label a router node
	// chose. Ignored unless Status == StatusSuccess.
	RouterLabel string

	// Err explains a failure. Set when Status == StatusFailure.
	Err error

	// NonRetryable marks a failure the executor must not retry even when
	// the node's retry budget is not exhausted. Ignored unless Status ==
	// StatusFailure.
	NonRetryable bool

	// PauseToken is the opaque resume handle issued when Status ==
	// StatusSuspend.
	PauseToken string

	// PauseMessage is the human-readable prompt shown to whoever must
	// resume the pause.
	PauseMessage string

	// InputTokens/OutputTokens/CostUSD report LLM usage for this node
	// attempt. Left zero by every handler kind except llm, which sums
	// them across its internal tool-call round trips.
	InputTokens  int
	OutputTokens int
	CostUSD      float64
}

// Success builds a StatusSuccess outcome.
func Success(outputs map[string]any) Outcome {
	return Outcome{Status: StatusSuccess, Outputs: outputs}
}

// SuccessWithRoute builds a StatusSuccess outcome carrying a router label.
func SuccessWithRoute(outputs map[string]any, label string) Outcome {
	return Outcome{Status: StatusSuccess, Outputs: outputs, RouterLabel: label}
}

// Failure builds a StatusFailure outcome.
func Failure(err error) Outcome {
	return Outcome{Status: StatusFailure, Err: err}
}

// NonRetryableFailure builds a StatusFailure outcome the executor will
// not retry regardless of the node's retry policy.
func NonRetryableFailure(err error) Outcome {
	return Outcome{Status: StatusFailure, Err: err, NonRetryable: true}
}

// Suspend builds a StatusSuspend outcome.
func Suspend(token, message string) Outcome {
	return Outcome{Status: StatusSuspend, PauseToken: token, PauseMessage: message}
}
