package orchestrator

import (
	"errors"
	"fmt"
	"time"
)

// Phases a strategy can fail in.
const (
	PhaseInit       = "init"
	PhasePreReboot  = "pre-reboot"
	PhasePostReboot = "post-reboot"
)

// ErrImpossible reports an internal invariant violation, such as a request
// reaching an orchestrator that was never configured.
var ErrImpossible = errors.New("orchestrator: impossible state reached")

// DeniedError reports that a gate refused a new lock acquisition.
type DeniedError struct {
	Gate   string
	Reason string
	// Until is when the gate is expected to open, if known.
	Until time.Time
}

func (e *DeniedError) Error() string {
	if e.Until.IsZero() {
		return fmt.Sprintf("reboot denied by %s: %s", e.Gate, e.Reason)
	}
	return fmt.Sprintf("reboot denied by %s until %s: %s", e.Gate, e.Until.UTC().Format(time.RFC3339), e.Reason)
}

// StrategyError reports a strategy that failed or never confirmed success.
type StrategyError struct {
	Strategy string
	Phase    string
	// Timeout is set when post-reboot polling gave up.
	Timeout bool
	Err     error
}

func (e *StrategyError) Error() string {
	name := e.Strategy
	if name == "" {
		name = "strategy"
	} else {
		name = "strategy " + name
	}
	if e.Timeout {
		return fmt.Sprintf("%s timed out during %s: %v", name, e.Phase, e.Err)
	}
	return fmt.Sprintf("%s failed during %s: %v", name, e.Phase, e.Err)
}

func (e *StrategyError) Unwrap() error {
	return e.Err
}
