package guardian

import (
	"errors"
	"fmt"
)

// ErrRestartExhausted is returned when the restart attempt budget within the
// attempt window is spent. The guardian enters DEGRADED and stops
// auto-restarting until manually reset.
var ErrRestartExhausted = errors.New("restart attempts exhausted within window")

// ErrDegraded is returned for restart requests while the guardian is in the
// terminal DEGRADED state.
var ErrDegraded = errors.New("guardian is degraded, manual reset required")

// ErrSamplingFailed is returned when every probe in the chain fails for one
// sampling cycle. Recoverable: the caller reuses the last known sample.
var ErrSamplingFailed = errors.New("all memory probes failed")

// SpawnError wraps a failure to launch the supervised process. Fatal,
// propagated to the caller.
type SpawnError struct {
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to spawn %q: %v", e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

// ProbeError reports a single memory probe strategy failure. Recoverable:
// the chain falls through to the next strategy.
type ProbeError struct {
	Strategy string
	PID      int
	Err      error
}

func (e *ProbeError) Error() string {
	return fmt.Sprintf("memory probe %s failed for PID %d: %v", e.Strategy, e.PID, e.Err)
}

func (e *ProbeError) Unwrap() error {
	return e.Err
}
