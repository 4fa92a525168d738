package stream

import "errors"

// Sentinel errors surfaced by Stream's public API.
var (
	ErrInvalidInput    = errors.New("stream: trigger payload missing a required input")
	ErrNotFound        = errors.New("stream: execution id not found")
	ErrTimeout         = errors.New("stream: wait timed out before the execution reached a terminal status")
	ErrAlreadyTerminal = errors.New("stream: execution has already reached a terminal status")
	ErrAlreadyResumed  = errors.New("stream: pause token has already been resumed")
	ErrNotPaused       = errors.New("stream: execution is not currently paused")
	ErrPauseTimeout    = errors.New("stream: pause timed out before resume")
)
