package model

import (
	"errors"
	"fmt"
)

var (
	// ErrChannelClosed reports that the terminal channel or an input source
	// reached its end. Workers treat it as a normal stop condition.
	ErrChannelClosed = errors.New("channel closed")

	// ErrSampleTransient wraps process-table failures that are worth retrying.
	ErrSampleTransient = errors.New("transient sampling failure")

	// ErrSampleExhausted is returned by the sampler once its retry budget is spent.
	ErrSampleExhausted = errors.New("sampling retry budget exhausted")

	// ErrTargetGone reports that the profiled process is no longer running.
	ErrTargetGone = errors.New("target process is not running")
)

// SpawnError is returned when the terminal channel cannot be allocated or the
// target command cannot be started. No workers run after it.
type SpawnError struct {
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %q: %v", e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// DecodeError is returned by the output extractor when the channel produces
// bytes that are not valid UTF-8.
type DecodeError struct {
	Offset int64
	Bytes  []byte
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("invalid UTF-8 at stream offset %d: %q", e.Offset, e.Bytes)
}
