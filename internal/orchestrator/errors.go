package orchestrator

import (
	"fmt"
	"time"

	"github.com/cabinet-labs/cabinet/pkg/platform"
)

// RunFailedError reports a run that reached failed, cancelled, or
// expired, carrying the platform's reason when it gave one.
type RunFailedError struct {
	Role   string
	RunID  string
	Status platform.RunStatus
	Reason string
}

func (e *RunFailedError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("run %s for %s %s: %s", e.RunID, e.Role, e.Status, e.Reason)
	}
	return fmt.Sprintf("run %s for %s %s", e.RunID, e.Role, e.Status)
}

// TimeoutError reports a run still pending after the maximum wait. The
// run itself is not cancelled and the conversation stays usable.
type TimeoutError struct {
	Role   string
	RunID  string
	Waited time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("run %s for %s still pending after %s", e.RunID, e.Role, e.Waited)
}

// PersistenceError wraps a storage failure. It is logged at the call
// site and never returned to callers: replies win over bookkeeping.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}
