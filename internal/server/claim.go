package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// handleClaim handles POST /commands/claim
// Request JSON: {"agentId":"agent-1","maxLeaseMs":30000}
// Responds 200 with the claim, or 204 when no work is pending.
func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentID    string `json:"agentId"`
		MaxLeaseMs int64  `json:"maxLeaseMs"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.AgentID == "" {
		s.writeError(w, http.StatusBadRequest, "agentId is required")
		return
	}
	if req.MaxLeaseMs <= 0 {
		s.writeError(w, http.StatusBadRequest, "maxLeaseMs must be a positive integer")
		return
	}

	leaseID := uuid.NewString()
	cmd, err := s.store.ClaimCommand(r.Context(), req.AgentID, leaseID, req.MaxLeaseMs, time.Now().UnixMilli())
	if err != nil {
		s.log.Error().Err(err).Str("agent_id", req.AgentID).Msg("claim failed")
		s.writeError(w, http.StatusInternalServerError, "failed to claim command")
		return
	}
	if cmd == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	s.log.Info().
		Str("command_id", cmd.ID).
		Str("agent_id", req.AgentID).
		Str("lease_id", leaseID).
		Int64("attempt", cmd.Attempt).
		Msg("command claimed")
	s.publishEvent(event{Event: "command.claimed", CommandID: cmd.ID, Status: cmd.Status, AgentID: req.AgentID, Attempt: cmd.Attempt})

	out := map[string]any{
		"commandId":      cmd.ID,
		"type":           cmd.Type,
		"payload":        cmd.Payload,
		"leaseId":        leaseID,
		"leaseExpiresAt": cmd.LeaseExpiresAt.Int64,
		"startedAt":      cmd.StartedAt.Int64,
		"attempt":        cmd.Attempt,
	}
	if cmd.ScheduledEndAt.Valid {
		out["scheduledEndAt"] = cmd.ScheduledEndAt.Int64
	} else {
		out["scheduledEndAt"] = nil
	}
	s.writeJSON(w, http.StatusOK, out)
}
