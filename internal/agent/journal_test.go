package agent

import (
	"os"
	"testing"
)

func int64Ptr(v int64) *int64 { return &v }

func TestJournal_SaveLoadRoundtrip(t *testing.T) {
	m := NewJournalManager(t.TempDir(), "agent-1")

	j := &Journal{
		CommandID:      "cmd-1",
		LeaseID:        "lease-1",
		Type:           TypeDelay,
		StartedAt:      1000,
		ScheduledEndAt: int64Ptr(1500),
		Stage:          StageClaimed,
	}
	if err := m.Save(j); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	got, err := m.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got == nil {
		t.Fatal("Load returned nil for existing journal")
	}
	if got.CommandID != "cmd-1" || got.LeaseID != "lease-1" || got.Stage != StageClaimed {
		t.Errorf("Load returned %+v", got)
	}
	if got.ScheduledEndAt == nil || *got.ScheduledEndAt != 1500 {
		t.Errorf("ScheduledEndAt = %v", got.ScheduledEndAt)
	}
}

func TestJournal_LoadAbsent(t *testing.T) {
	m := NewJournalManager(t.TempDir(), "agent-1")

	j, err := m.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if j != nil {
		t.Errorf("expected nil journal, got %+v", j)
	}
}

func TestJournal_LoadMalformedTreatedAsAbsent(t *testing.T) {
	dir := t.TempDir()
	m := NewJournalManager(dir, "agent-1")
	if err := os.WriteFile(m.Path(), []byte(`{"commandId": truncated garb`), 0o600); err != nil {
		t.Fatal(err)
	}

	j, err := m.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if j != nil {
		t.Errorf("expected nil journal for malformed file, got %+v", j)
	}
}

func TestJournal_DeleteIdempotent(t *testing.T) {
	m := NewJournalManager(t.TempDir(), "agent-1")

	if err := m.Delete(); err != nil {
		t.Errorf("Delete of absent journal failed: %v", err)
	}

	if err := m.Save(&Journal{CommandID: "c", Stage: StageClaimed}); err != nil {
		t.Fatal(err)
	}
	if err := m.Delete(); err != nil {
		t.Errorf("Delete failed: %v", err)
	}
	if err := m.Delete(); err != nil {
		t.Errorf("second Delete failed: %v", err)
	}

	j, _ := m.Load()
	if j != nil {
		t.Error("journal still present after Delete")
	}
}

func TestJournal_CreateClaimed(t *testing.T) {
	m := NewJournalManager(t.TempDir(), "agent-1")

	claim := &Claim{
		CommandID:      "cmd-9",
		LeaseID:        "lease-9",
		Type:           TypeDelay,
		StartedAt:      5000,
		ScheduledEndAt: int64Ptr(5200),
	}
	j, err := m.CreateClaimed(claim)
	if err != nil {
		t.Fatalf("CreateClaimed failed: %v", err)
	}
	if j.Stage != StageClaimed {
		t.Errorf("Stage = %q, want CLAIMED", j.Stage)
	}

	got, _ := m.Load()
	if got == nil || got.CommandID != "cmd-9" || *got.ScheduledEndAt != 5200 {
		t.Errorf("persisted journal = %+v", got)
	}
}

func TestJournal_UpdateHTTPSnapshotAdvancesStage(t *testing.T) {
	m := NewJournalManager(t.TempDir(), "agent-1")

	j := &Journal{CommandID: "c", Type: TypeHTTPGetJSON, Stage: StageInProgress}
	if err := m.Save(j); err != nil {
		t.Fatal(err)
	}

	snap := &HTTPResult{Status: 200, Body: map[string]any{"ok": true}, BytesReturned: 11}
	if err := m.UpdateHTTPSnapshot(j, snap); err != nil {
		t.Fatalf("UpdateHTTPSnapshot failed: %v", err)
	}
	if j.Stage != StageResultSaved {
		t.Errorf("Stage = %q, want RESULT_SAVED", j.Stage)
	}

	got, _ := m.Load()
	if got.HTTPSnapshot == nil || got.HTTPSnapshot.Status != 200 {
		t.Errorf("snapshot not persisted: %+v", got)
	}
	if got.Stage != StageResultSaved {
		t.Errorf("persisted stage = %q", got.Stage)
	}
}
