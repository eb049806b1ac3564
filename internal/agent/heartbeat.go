package agent

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/garnizeh/dispatch/internal/logging"
)

// leaseExtensionFactor is how many heartbeat intervals each beat extends the
// lease by. The slack covers transient network glitches while keeping the
// worst-case time from a crash to server-side reclaim near maxLeaseMs.
const leaseExtensionFactor = 3

// maxConsecutiveBeatFailures is how many transport failures in a row the
// task tolerates before declaring the lease lost. Three failed beats span
// the full extension window.
const maxConsecutiveBeatFailures = 3

// heartbeatTask keeps the current lease alive while the executor works. It
// owns the leaseValid flag: single writer, many readers.
type heartbeatTask struct {
	client    *Client
	commandID string
	leaseID   string
	interval  time.Duration
	valid     atomic.Bool
	stopOnce  sync.Once
	stopCh    chan struct{}
	doneCh    chan struct{}
	log       zerolog.Logger
}

// startHeartbeat launches the heartbeat goroutine for the given lease.
func startHeartbeat(client *Client, commandID, leaseID string, interval time.Duration) *heartbeatTask {
	h := &heartbeatTask{
		client:    client,
		commandID: commandID,
		leaseID:   leaseID,
		interval:  interval,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
		log: logging.WithComponent("heartbeat").With().
			Str("command_id", commandID).
			Str("lease_id", leaseID).
			Logger(),
	}
	h.valid.Store(true)
	go h.run()
	return h
}

// Valid reports whether the lease is still believed to be held. Executors
// poll this on every lease-check tick.
func (h *heartbeatTask) Valid() bool {
	return h.valid.Load()
}

// Stop terminates the task and waits for the goroutine to exit, so no
// heartbeat for this lease can be sent after Stop returns. Idempotent.
func (h *heartbeatTask) Stop() {
	h.stopOnce.Do(func() { close(h.stopCh) })
	<-h.doneCh
}

func (h *heartbeatTask) run() {
	defer close(h.doneCh)

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	extendMs := leaseExtensionFactor * h.interval.Milliseconds()
	failures := 0
	for {
		select {
		case <-h.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), h.interval)
			err := h.client.Heartbeat(ctx, h.commandID, h.leaseID, extendMs)
			cancel()

			switch {
			case err == nil:
				failures = 0
			case errors.Is(err, ErrLeaseNotCurrent):
				h.log.Warn().Msg("heartbeat rejected, lease is no longer held")
				h.valid.Store(false)
				return
			default:
				failures++
				h.log.Warn().Err(err).Int("failures", failures).Msg("heartbeat failed")
				if failures >= maxConsecutiveBeatFailures {
					h.valid.Store(false)
					return
				}
			}
		}
	}
}
