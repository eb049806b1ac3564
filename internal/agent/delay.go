package agent

import (
	"context"
	"fmt"
	"time"
)

// leaseCheckInterval is how often the DELAY wait checks lease validity and
// the failure hook. Package variable so tests can tighten it.
var leaseCheckInterval = 1 * time.Second

// DelayResult is the terminal result of a DELAY command.
type DelayResult struct {
	OK     bool  `json:"ok"`
	TookMs int64 `json:"tookMs"`
}

// executeDelay waits until the command's absolute deadline. The journal's
// scheduledEndAt is authoritative across crashes, so the reported tookMs is
// a pure function of the claim timestamps no matter how often execution
// resumes.
func executeDelay(ctx context.Context, ec *execContext, ms int64) (*DelayResult, error) {
	j := ec.journal

	deadline := j.StartedAt + ms
	if j.ScheduledEndAt != nil {
		deadline = *j.ScheduledEndAt
	}

	if err := ec.markInProgress(); err != nil {
		return nil, fmt.Errorf("advance journal to in-progress: %w", err)
	}

	for {
		remaining := time.Duration(deadline-time.Now().UnixMilli()) * time.Millisecond
		if remaining <= 0 {
			return &DelayResult{OK: true, TookMs: deadline - j.StartedAt}, nil
		}

		wait := remaining
		if wait > leaseCheckInterval {
			wait = leaseCheckInterval
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("delay wait: %w", ctx.Err())
		case <-time.After(wait):
		}

		ec.checkFailureHook()
		if !ec.leaseValid() {
			return nil, ErrLeaseExpired
		}
	}
}
