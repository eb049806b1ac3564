package server

import (
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/garnizeh/dispatch/internal/database"
)

// handleCreateCommand handles POST /commands
// Request JSON: {"type":"DELAY","payload":{"ms":500}}
func (s *Server) handleCreateCommand(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := validatePayload(req.Type, req.Payload); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id := uuid.NewString()
	cmd, err := s.store.CreateCommand(r.Context(), id, req.Type, req.Payload, time.Now().UnixMilli())
	if err != nil {
		s.log.Error().Err(err).Msg("failed to create command")
		s.writeError(w, http.StatusInternalServerError, "failed to create command")
		return
	}

	s.publishEvent(event{Event: "command.created", CommandID: cmd.ID, Status: cmd.Status})
	s.writeJSON(w, http.StatusCreated, map[string]string{"commandId": cmd.ID})
}

// validatePayload checks the payload shape required by the command type.
func validatePayload(cmdType string, payload json.RawMessage) error {
	switch cmdType {
	case database.TypeDelay:
		var p struct {
			Ms *float64 `json:"ms"`
		}
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("payload must be a JSON object")
		}
		if p.Ms == nil || *p.Ms < 0 || *p.Ms != math.Trunc(*p.Ms) {
			return fmt.Errorf("payload.ms must be a non-negative integer")
		}
		return nil
	case database.TypeHTTPGetJSON:
		var p struct {
			URL *string `json:"url"`
		}
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("payload must be a JSON object")
		}
		if p.URL == nil || *p.URL == "" {
			return fmt.Errorf("payload.url must be a non-empty string")
		}
		return nil
	default:
		return fmt.Errorf("unknown command type %q", cmdType)
	}
}

// handleGetCommand handles GET /commands/{id}
func (s *Server) handleGetCommand(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	cmd, err := s.store.GetCommand(r.Context(), id)
	if err != nil {
		s.log.Error().Err(err).Str("command_id", id).Msg("failed to fetch command")
		s.writeError(w, http.StatusInternalServerError, "failed to fetch command")
		return
	}
	if cmd == nil {
		s.writeError(w, http.StatusNotFound, "Command not found")
		return
	}

	s.writeJSON(w, http.StatusOK, commandView(cmd))
}

// commandView is the public JSON shape of a command record.
func commandView(cmd *database.Command) map[string]any {
	out := map[string]any{
		"commandId": cmd.ID,
		"type":      cmd.Type,
		"status":    cmd.Status,
		"payload":   cmd.Payload,
		"createdAt": cmd.CreatedAt,
		"attempt":   cmd.Attempt,
	}
	if cmd.Result != nil {
		out["result"] = cmd.Result
	}
	if cmd.Error.Valid {
		out["error"] = cmd.Error.String
	}
	if cmd.AgentID.Valid {
		out["agentId"] = cmd.AgentID.String
	}
	if cmd.StartedAt.Valid {
		out["startedAt"] = cmd.StartedAt.Int64
	}
	if cmd.ScheduledEndAt.Valid {
		out["scheduledEndAt"] = cmd.ScheduledEndAt.Int64
	}
	return out
}
