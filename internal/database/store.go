package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// Store encapsulates command store operations. The conditional operations
// (heartbeat, complete, fail) return false rather than an error when the
// lease identity or status does not match; errors are reserved for driver
// failures.
type Store struct {
	db *sql.DB
}

// NewStore constructs a Store over an initialized database connection.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying connection for health checks.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return CloseDB(s.db)
}

const commandColumns = `id, type, payload, status, result, error, agent_id, lease_id,
	lease_expires_at, created_at, started_at, attempt, scheduled_end_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCommand(row rowScanner) (*Command, error) {
	var (
		c       Command
		payload string
		result  sql.NullString
	)
	err := row.Scan(
		&c.ID, &c.Type, &payload, &c.Status, &result, &c.Error,
		&c.AgentID, &c.LeaseID, &c.LeaseExpiresAt, &c.CreatedAt,
		&c.StartedAt, &c.Attempt, &c.ScheduledEndAt,
	)
	if err != nil {
		return nil, err
	}
	c.Payload = json.RawMessage(payload)
	if result.Valid {
		c.Result = json.RawMessage(result.String)
	}
	return &c, nil
}

// CreateCommand inserts one PENDING row. Fails with the driver's uniqueness
// error if id already exists.
func (s *Store) CreateCommand(ctx context.Context, id, cmdType string, payload json.RawMessage, createdAt int64) (*Command, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO commands (id, type, payload, status, created_at, attempt)
		 VALUES (?, ?, ?, ?, ?, 0)`,
		id, cmdType, string(payload), StatusPending, createdAt,
	)
	if err != nil {
		return nil, fmt.Errorf("create command: %w", err)
	}
	return s.GetCommand(ctx, id)
}

// GetCommand returns the command with the given id, or (nil, nil) if no such
// command exists.
func (s *Store) GetCommand(ctx context.Context, id string) (*Command, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+commandColumns+` FROM commands WHERE id = ?`, id)
	c, err := scanCommand(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get command: %w", err)
	}
	return c, nil
}

// ClaimCommand atomically claims the oldest PENDING command for the given
// lease identity. Returns (nil, nil) when no work is available. The select
// and the update run in one transaction so exactly one concurrent claimer
// of the same row succeeds.
func (s *Store) ClaimCommand(ctx context.Context, agentID, leaseID string, maxLeaseMs, now int64) (*Command, error) {
	// Try up to 3 times in case a concurrent claimer wins the row between
	// our select and update.
	for range 3 {
		cmd, retry, err := s.claimOnce(ctx, agentID, leaseID, maxLeaseMs, now)
		if err != nil {
			return nil, err
		}
		if retry {
			continue
		}
		return cmd, nil
	}
	return nil, nil // Fallback if we fail to claim after retries
}

func (s *Store) claimOnce(ctx context.Context, agentID, leaseID string, maxLeaseMs, now int64) (*Command, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin claim tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx,
		`SELECT id, type, payload FROM commands
		 WHERE status = ? ORDER BY created_at ASC, id ASC LIMIT 1`, StatusPending)

	var (
		id, cmdType, payload string
	)
	if err := row.Scan(&id, &cmdType, &payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("find pending command: %w", err)
	}

	// DELAY commands fix their absolute deadline at claim time so the result
	// survives agent crashes.
	var scheduledEndAt sql.NullInt64
	if cmdType == TypeDelay {
		var p delayPayload
		if err := json.Unmarshal([]byte(payload), &p); err != nil {
			return nil, false, fmt.Errorf("decode delay payload: %w", err)
		}
		scheduledEndAt = sql.NullInt64{Int64: now + p.Ms, Valid: true}
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE commands
		 SET status = ?, agent_id = ?, lease_id = ?, lease_expires_at = ?,
		     started_at = ?, attempt = attempt + 1, scheduled_end_at = ?
		 WHERE id = ? AND status = ?`,
		StatusRunning, agentID, leaseID, now+maxLeaseMs, now, scheduledEndAt, id, StatusPending)
	if err != nil {
		return nil, false, fmt.Errorf("lease command: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("lease command rows affected: %w", err)
	}
	if affected == 0 {
		// Someone else claimed it between our select and update; try again.
		return nil, true, nil
	}

	updated, err := scanCommand(tx.QueryRowContext(ctx,
		`SELECT `+commandColumns+` FROM commands WHERE id = ?`, id))
	if err != nil {
		return nil, false, fmt.Errorf("get command after claim: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit claim tx: %w", err)
	}
	return updated, false, nil
}

// HeartbeatCommand extends the lease deadline, but only if the command is
// RUNNING under the given lease identity. Returns whether a row changed.
func (s *Store) HeartbeatCommand(ctx context.Context, commandID, agentID, leaseID string, extendMs, now int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE commands SET lease_expires_at = ?
		 WHERE id = ? AND status = ? AND agent_id = ? AND lease_id = ?`,
		now+extendMs, commandID, StatusRunning, agentID, leaseID)
	if err != nil {
		return false, fmt.Errorf("heartbeat command: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("heartbeat rows affected: %w", err)
	}
	return affected > 0, nil
}

// CompleteCommand transitions RUNNING to COMPLETED with the given result,
// but only under a matching lease identity. Returns whether a row changed.
func (s *Store) CompleteCommand(ctx context.Context, commandID, agentID, leaseID string, result json.RawMessage) (bool, error) {
	var res sql.NullString
	if result != nil {
		res = sql.NullString{String: string(result), Valid: true}
	}
	r, err := s.db.ExecContext(ctx,
		`UPDATE commands SET status = ?, result = ?, lease_expires_at = NULL
		 WHERE id = ? AND status = ? AND agent_id = ? AND lease_id = ?`,
		StatusCompleted, res, commandID, StatusRunning, agentID, leaseID)
	if err != nil {
		return false, fmt.Errorf("complete command: %w", err)
	}
	affected, err := r.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("complete rows affected: %w", err)
	}
	return affected > 0, nil
}

// FailCommand transitions RUNNING to FAILED, symmetric to CompleteCommand.
// result may be nil when the failure produced no partial result.
func (s *Store) FailCommand(ctx context.Context, commandID, agentID, leaseID, errMsg string, result json.RawMessage) (bool, error) {
	var res sql.NullString
	if result != nil {
		res = sql.NullString{String: string(result), Valid: true}
	}
	r, err := s.db.ExecContext(ctx,
		`UPDATE commands SET status = ?, error = ?, result = ?, lease_expires_at = NULL
		 WHERE id = ? AND status = ? AND agent_id = ? AND lease_id = ?`,
		StatusFailed, errMsg, res, commandID, StatusRunning, agentID, leaseID)
	if err != nil {
		return false, fmt.Errorf("fail command: %w", err)
	}
	affected, err := r.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("fail rows affected: %w", err)
	}
	return affected > 0, nil
}

// ResetExpiredLeases returns every RUNNING command whose lease deadline has
// passed to PENDING, clearing the lease fields but keeping the attempt count.
// Returns the number of rows reset.
func (s *Store) ResetExpiredLeases(ctx context.Context, now int64) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE commands
		 SET status = ?, agent_id = NULL, lease_id = NULL, lease_expires_at = NULL,
		     started_at = NULL, scheduled_end_at = NULL
		 WHERE status = ? AND lease_expires_at <= ?`,
		StatusPending, StatusRunning, now)
	if err != nil {
		return 0, fmt.Errorf("reset expired leases: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reset rows affected: %w", err)
	}
	return affected, nil
}
