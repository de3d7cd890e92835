package engine

import "fmt"

// ProcessLaunchError means the engine could not be brought to a ready state:
// the binary is missing, the process exited early, the startup timeout
// elapsed, or the restart budget is spent.
type ProcessLaunchError struct {
	Reason string
	Err    error
}

func (e *ProcessLaunchError) Error() string {
	if e.Err == nil {
		return "aria2c launch failed: " + e.Reason
	}
	return fmt.Sprintf("aria2c launch failed: %s: %v", e.Reason, e.Err)
}

func (e *ProcessLaunchError) Unwrap() error { return e.Err }
