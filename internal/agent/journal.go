package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"

	"github.com/garnizeh/dispatch/internal/logging"
)

// Stage is the journal stage of the in-flight command.
type Stage string

const (
	// StageClaimed means the claim is recorded but execution has not begun.
	StageClaimed Stage = "CLAIMED"
	// StageInProgress means the executor has started work.
	StageInProgress Stage = "IN_PROGRESS"
	// StageResultSaved means the result is producible without re-executing
	// side effects.
	StageResultSaved Stage = "RESULT_SAVED"
)

// Journal is the on-disk record of one agent's in-flight command. It is
// rewritten atomically at every stage change, which is what makes replay
// after a crash safe.
type Journal struct {
	CommandID      string      `json:"commandId"`
	LeaseID        string      `json:"leaseId"`
	Type           string      `json:"type"`
	StartedAt      int64       `json:"startedAt"`
	ScheduledEndAt *int64      `json:"scheduledEndAt,omitempty"`
	HTTPSnapshot   *HTTPResult `json:"httpSnapshot,omitempty"`
	Stage          Stage       `json:"stage"`
}

// JournalManager persists one small journal file per agent through
// temp-file-and-rename. The rename is the linearization point: readers see
// either the old file or the new one, never a partial write.
type JournalManager struct {
	path string
	log  zerolog.Logger
}

// NewJournalManager constructs a manager for the journal of the given agent.
func NewJournalManager(stateDir, agentID string) *JournalManager {
	return &JournalManager{
		path: filepath.Join(stateDir, agentID+".json"),
		log:  logging.WithComponent("journal"),
	}
}

// Path returns the journal file path.
func (m *JournalManager) Path() string {
	return m.path
}

// Load reads the journal from disk. Returns (nil, nil) when the file is
// absent. A malformed file is logged and treated as absent, letting the
// agent fall through to a fresh claim.
func (m *JournalManager) Load() (*Journal, error) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read journal: %w", err)
	}

	var j Journal
	if err := json.Unmarshal(data, &j); err != nil {
		m.log.Warn().Err(err).Str("path", m.path).Msg("journal is malformed, treating as absent")
		return nil, nil
	}
	return &j, nil
}

// Save atomically persists the journal, creating the state directory on
// first use.
func (m *JournalManager) Save(j *Journal) error {
	if err := os.MkdirAll(filepath.Dir(m.path), 0o750); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}

	data, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("marshal journal: %w", err)
	}

	// renameio writes to <path>.<random>.tmp, fsyncs and renames.
	if err := renameio.WriteFile(m.path, data, 0o600); err != nil {
		return fmt.Errorf("write journal: %w", err)
	}
	return nil
}

// Delete removes the journal file. Best-effort: a missing file is not an
// error.
func (m *JournalManager) Delete() error {
	if err := os.Remove(m.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete journal: %w", err)
	}
	return nil
}

// CreateClaimed persists a fresh journal at stage CLAIMED describing the
// given claim.
func (m *JournalManager) CreateClaimed(claim *Claim) (*Journal, error) {
	j := &Journal{
		CommandID:      claim.CommandID,
		LeaseID:        claim.LeaseID,
		Type:           claim.Type,
		StartedAt:      claim.StartedAt,
		ScheduledEndAt: claim.ScheduledEndAt,
		Stage:          StageClaimed,
	}
	if err := m.Save(j); err != nil {
		return nil, err
	}
	return j, nil
}

// UpdateStage advances the journal stage and persists before returning.
func (m *JournalManager) UpdateStage(j *Journal, stage Stage) error {
	j.Stage = stage
	return m.Save(j)
}

// UpdateHTTPSnapshot records the fetched result on the journal and advances
// the stage to RESULT_SAVED, persisting before returning. After this call a
// crash no longer causes a refetch.
func (m *JournalManager) UpdateHTTPSnapshot(j *Journal, snapshot *HTTPResult) error {
	j.HTTPSnapshot = snapshot
	j.Stage = StageResultSaved
	return m.Save(j)
}
