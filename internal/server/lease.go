package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// leaseNotCurrent is the body of every 409 on the agent surface.
const leaseNotCurrent = "Lease is not current"

// handleHeartbeat handles POST /commands/{id}/heartbeat
// Request JSON: {"agentId":"agent-1","leaseId":"...","extendMs":30000}
func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req struct {
		AgentID  string `json:"agentId"`
		LeaseID  string `json:"leaseId"`
		ExtendMs int64  `json:"extendMs"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.AgentID == "" || req.LeaseID == "" {
		s.writeError(w, http.StatusBadRequest, "agentId and leaseId are required")
		return
	}
	if req.ExtendMs <= 0 {
		s.writeError(w, http.StatusBadRequest, "extendMs must be a positive integer")
		return
	}

	ok, err := s.store.HeartbeatCommand(r.Context(), id, req.AgentID, req.LeaseID, req.ExtendMs, time.Now().UnixMilli())
	if err != nil {
		s.log.Error().Err(err).Str("command_id", id).Msg("heartbeat failed")
		s.writeError(w, http.StatusInternalServerError, "failed to heartbeat command")
		return
	}
	if !ok {
		s.writeError(w, http.StatusConflict, leaseNotCurrent)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleComplete handles POST /commands/{id}/complete
// Request JSON: {"agentId":"agent-1","leaseId":"...","result":{...}}
func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req struct {
		AgentID string          `json:"agentId"`
		LeaseID string          `json:"leaseId"`
		Result  json.RawMessage `json:"result"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.AgentID == "" || req.LeaseID == "" {
		s.writeError(w, http.StatusBadRequest, "agentId and leaseId are required")
		return
	}

	ok, err := s.store.CompleteCommand(r.Context(), id, req.AgentID, req.LeaseID, req.Result)
	if err != nil {
		s.log.Error().Err(err).Str("command_id", id).Msg("complete failed")
		s.writeError(w, http.StatusInternalServerError, "failed to complete command")
		return
	}
	if !ok {
		s.writeError(w, http.StatusConflict, leaseNotCurrent)
		return
	}

	s.log.Info().Str("command_id", id).Str("agent_id", req.AgentID).Msg("command completed")
	s.publishEvent(event{Event: "command.completed", CommandID: id, Status: "COMPLETED", AgentID: req.AgentID})
	w.WriteHeader(http.StatusNoContent)
}

// handleFail handles POST /commands/{id}/fail
// Request JSON: {"agentId":"agent-1","leaseId":"...","error":"...","result":{...}}
func (s *Server) handleFail(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req struct {
		AgentID string          `json:"agentId"`
		LeaseID string          `json:"leaseId"`
		Error   string          `json:"error"`
		Result  json.RawMessage `json:"result"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.AgentID == "" || req.LeaseID == "" {
		s.writeError(w, http.StatusBadRequest, "agentId and leaseId are required")
		return
	}

	ok, err := s.store.FailCommand(r.Context(), id, req.AgentID, req.LeaseID, req.Error, req.Result)
	if err != nil {
		s.log.Error().Err(err).Str("command_id", id).Msg("fail failed")
		s.writeError(w, http.StatusInternalServerError, "failed to fail command")
		return
	}
	if !ok {
		s.writeError(w, http.StatusConflict, leaseNotCurrent)
		return
	}

	s.log.Info().Str("command_id", id).Str("agent_id", req.AgentID).Str("error", req.Error).Msg("command failed")
	s.publishEvent(event{Event: "command.failed", CommandID: id, Status: "FAILED", AgentID: req.AgentID})
	w.WriteHeader(http.StatusNoContent)
}
