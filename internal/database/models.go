package database

import (
	"database/sql"
	"encoding/json"
)

// Command statuses. Terminal states are absorbing: no store operation moves a
// row out of COMPLETED or FAILED.
const (
	StatusPending   = "PENDING"
	StatusRunning   = "RUNNING"
	StatusCompleted = "COMPLETED"
	StatusFailed    = "FAILED"
)

// Command types understood by the executors.
const (
	TypeDelay       = "DELAY"
	TypeHTTPGetJSON = "HTTP_GET_JSON"
)

// Command is the authoritative record of one submitted command.
// All timestamps are unix milliseconds.
type Command struct {
	ID             string
	Type           string
	Payload        json.RawMessage
	Status         string
	Result         json.RawMessage
	Error          sql.NullString
	AgentID        sql.NullString
	LeaseID        sql.NullString
	LeaseExpiresAt sql.NullInt64
	CreatedAt      int64
	StartedAt      sql.NullInt64
	Attempt        int64
	ScheduledEndAt sql.NullInt64
}

// delayPayload is the payload shape for DELAY commands. Only the store needs
// it server-side, to fix scheduled_end_at at claim time.
type delayPayload struct {
	Ms int64 `json:"ms"`
}
