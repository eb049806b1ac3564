package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/garnizeh/dispatch/internal/logging"
)

// Command types understood by the executors. These are wire values shared
// with the control server.
const (
	TypeDelay       = "DELAY"
	TypeHTTPGetJSON = "HTTP_GET_JSON"
)

// randomFailureProbability is the chance per lease-check tick that the
// injected fault fires when --random-failures is set.
const randomFailureProbability = 0.1

// Agent is the single-command-at-a-time worker. Concurrency comes from
// running more agents, not from parallelism within one.
type Agent struct {
	cfg      *Config
	client   *Client
	journals *JournalManager
	log      zerolog.Logger

	// Fault injection, wired from Config and replaceable in tests.
	failureHook func() bool
	onFailure   func()
}

// New constructs an Agent from its configuration.
func New(cfg *Config) *Agent {
	a := &Agent{
		cfg:      cfg,
		client:   NewClient(cfg),
		journals: NewJournalManager(cfg.StateDir, cfg.AgentID),
		log:      logging.WithComponent("agent").With().Str("agent_id", cfg.AgentID).Logger(),
	}
	if cfg.RandomFailures {
		a.failureHook = func() bool { return rand.Float64() < randomFailureProbability }
		a.onFailure = func() {
			a.log.Error().Msg("injected failure, terminating")
			os.Exit(1)
		}
	}
	return a
}

// Run starts the agent: crash recovery first, then the claim-execute-report
// loop until ctx is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	a.log.Info().
		Str("server_url", a.cfg.ServerURL).
		Str("state_dir", a.cfg.StateDir).
		Msg("agent starting")

	if err := a.recoverFromJournal(ctx); err != nil {
		return fmt.Errorf("recovery: %w", err)
	}

	poll := time.Duration(a.cfg.PollIntervalMs) * time.Millisecond
	backoff := NewBackoff(poll, 30*time.Second)

	for {
		select {
		case <-ctx.Done():
			a.log.Info().Msg("agent stopping")
			return nil
		default:
		}

		claim, err := a.client.ClaimCommand(ctx)
		if err != nil {
			if errors.Is(err, ErrNoWork) {
				backoff.Reset()
				sleep(ctx, poll)
				continue
			}
			delay := backoff.Next()
			a.log.Warn().Err(err).Dur("retry_in", delay).Msg("claim failed")
			sleep(ctx, delay)
			continue
		}
		backoff.Reset()

		// A stop signal lets the active iteration run to completion; only
		// the loop itself observes cancellation.
		a.handleClaim(context.WithoutCancel(ctx), claim)
		sleep(ctx, poll)
	}
}

// handleClaim runs one claimed command through journal, heartbeat, executor
// and report. Every exit path ends with the journal deleted.
func (a *Agent) handleClaim(ctx context.Context, claim *Claim) {
	log := a.log.With().
		Str("command_id", claim.CommandID).
		Str("lease_id", claim.LeaseID).
		Str("type", claim.Type).
		Logger()
	log.Info().Int64("attempt", claim.Attempt).Msg("command claimed")

	j, err := a.journals.CreateClaimed(claim)
	if err != nil {
		log.Error().Err(err).Msg("failed to write journal, abandoning claim")
		return
	}

	hb := a.startHeartbeat(claim.CommandID, claim.LeaseID)
	result, err := a.execute(ctx, j, claim.Payload, hb.Valid)
	hb.Stop()

	if err != nil {
		if errors.Is(err, ErrLeaseExpired) {
			log.Warn().Msg("lease expired during execution, dropping journal")
		} else {
			// Deliberately no fail report: it would need a live lease that
			// may already be gone. The server reclaims the command once the
			// lease expires.
			log.Error().Err(err).Msg("executor failed, dropping journal")
		}
		if derr := a.journals.Delete(); derr != nil {
			log.Error().Err(derr).Msg("failed to delete journal")
		}
		return
	}

	if j.Stage != StageResultSaved {
		if err := a.journals.UpdateStage(j, StageResultSaved); err != nil {
			log.Error().Err(err).Msg("failed to persist result stage, dropping journal")
			_ = a.journals.Delete()
			return
		}
	}

	a.report(ctx, j.CommandID, j.LeaseID, result, log)
}

// execute dispatches to the executor matching the command type.
func (a *Agent) execute(ctx context.Context, j *Journal, payload json.RawMessage, leaseValid func() bool) (json.RawMessage, error) {
	ec := &execContext{
		journal:     j,
		journals:    a.journals,
		leaseValid:  leaseValid,
		failureHook: a.failureHook,
		onFailure:   a.onFailure,
	}

	switch j.Type {
	case TypeDelay:
		var p struct {
			Ms int64 `json:"ms"`
		}
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, fmt.Errorf("decode delay payload: %w", err)
		}
		res, err := executeDelay(ctx, ec, p.Ms)
		if err != nil {
			return nil, err
		}
		return marshalResult(res)
	case TypeHTTPGetJSON:
		var p struct {
			URL string `json:"url"`
		}
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, fmt.Errorf("decode http payload: %w", err)
		}
		res, err := executeHTTPGetJSON(ctx, ec, p.URL)
		if err != nil {
			return nil, err
		}
		return marshalResult(res)
	default:
		return nil, fmt.Errorf("unknown command type %q", j.Type)
	}
}

// report sends the complete request and deletes the journal whether the
// server accepted or rejected. A 409 means the lease is already gone
// server-side; retrying would produce identical 409s indefinitely.
func (a *Agent) report(ctx context.Context, commandID, leaseID string, result json.RawMessage, log zerolog.Logger) {
	err := a.client.Complete(ctx, commandID, leaseID, result)
	switch {
	case err == nil:
		log.Info().Msg("command completed")
	case errors.Is(err, ErrLeaseNotCurrent):
		log.Warn().Msg("complete rejected, lease no longer current")
	default:
		log.Warn().Err(err).Msg("complete report failed")
	}

	if derr := a.journals.Delete(); derr != nil {
		log.Error().Err(derr).Msg("failed to delete journal")
	}
}

// recoverFromJournal resumes from whatever stage an interrupted run left
// behind. Only an unreadable state directory is fatal.
func (a *Agent) recoverFromJournal(ctx context.Context) error {
	j, err := a.journals.Load()
	if err != nil {
		return err
	}
	if j == nil {
		return nil
	}

	log := a.log.With().
		Str("command_id", j.CommandID).
		Str("lease_id", j.LeaseID).
		Str("type", j.Type).
		Str("stage", string(j.Stage)).
		Logger()
	log.Info().Msg("resuming from journal")

	switch {
	case j.Stage == StageInProgress && j.Type == TypeDelay:
		// Re-enter the wait; it returns immediately when scheduledEndAt has
		// already passed.
		hb := a.startHeartbeat(j.CommandID, j.LeaseID)
		ec := &execContext{
			journal:     j,
			journals:    a.journals,
			leaseValid:  hb.Valid,
			failureHook: a.failureHook,
			onFailure:   a.onFailure,
		}
		res, execErr := executeDelay(ctx, ec, 0)
		hb.Stop()
		if execErr != nil {
			log.Warn().Err(execErr).Msg("could not resume delay, dropping journal")
			_ = a.journals.Delete()
			return nil
		}
		if err := a.journals.UpdateStage(j, StageResultSaved); err != nil {
			log.Error().Err(err).Msg("failed to persist result stage, dropping journal")
			_ = a.journals.Delete()
			return nil
		}
		result, err := marshalResult(res)
		if err != nil {
			_ = a.journals.Delete()
			return nil
		}
		a.report(ctx, j.CommandID, j.LeaseID, result, log)
		return nil

	case j.Stage == StageResultSaved:
		result, err := a.savedResult(j)
		if err != nil {
			log.Warn().Err(err).Msg("saved result unusable, dropping journal")
			_ = a.journals.Delete()
			return nil
		}
		// The heartbeat covers the lease while the report is in flight and
		// is stopped before recovery returns.
		hb := a.startHeartbeat(j.CommandID, j.LeaseID)
		a.report(ctx, j.CommandID, j.LeaseID, result, log)
		hb.Stop()
		return nil

	default:
		// CLAIMED or unknown stage: nothing durable happened. The server
		// lease will expire and the command returns to PENDING.
		log.Info().Msg("journal has no durable output, dropping")
		_ = a.journals.Delete()
		return nil
	}
}

// savedResult derives the terminal result from a RESULT_SAVED journal
// without re-executing anything.
func (a *Agent) savedResult(j *Journal) (json.RawMessage, error) {
	switch j.Type {
	case TypeHTTPGetJSON:
		if j.HTTPSnapshot == nil {
			return nil, fmt.Errorf("result-saved journal has no http snapshot")
		}
		return marshalResult(j.HTTPSnapshot)
	case TypeDelay:
		tookMs := time.Now().UnixMilli() - j.StartedAt
		if j.ScheduledEndAt != nil {
			tookMs = *j.ScheduledEndAt - j.StartedAt
		}
		return marshalResult(&DelayResult{OK: true, TookMs: tookMs})
	default:
		return nil, fmt.Errorf("unknown command type %q", j.Type)
	}
}

func (a *Agent) startHeartbeat(commandID, leaseID string) *heartbeatTask {
	return startHeartbeat(a.client, commandID, leaseID,
		time.Duration(a.cfg.HeartbeatIntervalMs)*time.Millisecond)
}

func marshalResult(v any) (json.RawMessage, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return b, nil
}

// sleep waits for d, returning early on context cancellation.
func sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
