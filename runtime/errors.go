package runtime

import "errors"

// Sentinel errors surfaced by Runtime's public API. Execution-scoped
// errors (InputMissing, ValidationFailed, ...) surface through
// stream.Record.Err instead, since they belong to one execution rather
// than the runtime.
var (
	// ErrUnknownStream is returned by Trigger and TriggerAndWait for a
	// stream id the Runtime was not constructed with.
	ErrUnknownStream = errors.New("runtime: unknown stream id")

	// ErrUnknownEntryPoint is returned at construction when an entry
	// point names a node absent from the bound graph.
	ErrUnknownEntryPoint = errors.New("runtime: entry point names a node not present in the graph")

	// ErrAlreadyStarted / ErrNotStarted guard Start/Stop against being
	// called out of sequence. Trigger checks neither; it admits executions
	// whether or not the runtime has been started.
	ErrAlreadyStarted = errors.New("runtime: already started")
	ErrNotStarted     = errors.New("runtime: not started")
)
