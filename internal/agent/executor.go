package agent

import (
	"errors"
)

// ErrLeaseExpired is surfaced by executors when the heartbeat task reports
// the lease lost. The main loop converts it into "drop journal, continue"
// without reporting to the server.
var ErrLeaseExpired = errors.New("lease expired during execution")

// execContext is what executors get to work with: the journal (and its
// manager for persisting stage changes), the lease validity check fed by the
// heartbeat task, and the fault-injection hook.
type execContext struct {
	journal  *Journal
	journals *JournalManager

	// leaseValid is polled on every lease-check tick; executors terminate
	// early with ErrLeaseExpired once it returns false.
	leaseValid func() bool

	// failureHook, when non-nil, is polled on each lease-check tick; when it
	// fires onFailure is invoked before any further progress (it may
	// terminate the process).
	failureHook func() bool
	onFailure   func()
}

// checkFailureHook fires the injected fault callback when the hook triggers.
func (ec *execContext) checkFailureHook() {
	if ec.failureHook != nil && ec.failureHook() {
		if ec.onFailure != nil {
			ec.onFailure()
		}
	}
}

// markInProgress advances a CLAIMED journal to IN_PROGRESS. An already
// IN_PROGRESS journal is not re-persisted.
func (ec *execContext) markInProgress() error {
	if ec.journal.Stage != StageClaimed {
		return nil
	}
	return ec.journals.UpdateStage(ec.journal, StageInProgress)
}
