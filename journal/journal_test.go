package journal

import (
	"path/filepath"
	"testing"

	"github.com/kb-labs/setup-engine/operation"
)

func strPtr(s string) *string { return &s }

func TestRecordAndEntries(t *testing.T) {
	j := NewInMemory(0)
	after := SnapshotOf(true, []byte("hi"))
	entry := JournalEntry{
		StageIndex:  0,
		OperationID: "op-1",
		Kind:        operation.KindFile,
		Path:        "demo.txt",
		Operation:   operation.FileOp{Action: operation.FileEnsure, Path: "demo.txt", Content: strPtr("hi")},
		Before:      SnapshotOf(false, nil),
		After:       &after,
	}
	if err := j.Record(entry); err != nil {
		t.Fatalf("Record: %v", err)
	}

	entries := j.Entries()
	if len(entries) != 1 {
		t.Fatalf("len(entries) = %d, want 1", len(entries))
	}
	if entries[0].After == nil || string(entries[0].After.Content) != "hi" {
		t.Errorf("After = %+v", entries[0].After)
	}
	if entries[0].Operation == nil || entries[0].Operation.Kind() != operation.KindFile {
		t.Errorf("Operation = %+v, want a decoded FileOp", entries[0].Operation)
	}
}

func TestEntriesReturnsDeepCopies(t *testing.T) {
	j := NewInMemory(0)
	after := SnapshotOf(true, []byte("original"))
	if err := j.Record(JournalEntry{OperationID: "op-1", Before: SnapshotOf(false, nil), After: &after}); err != nil {
		t.Fatalf("Record: %v", err)
	}

	first := j.Entries()
	first[0].After.Content[0] = 'X'
	first[0].Before.Exists = true

	second := j.Entries()
	if string(second[0].After.Content) != "original" {
		t.Errorf("After.Content = %q, want untouched by mutation of a prior Entries() call", second[0].After.Content)
	}
	if second[0].Before.Exists {
		t.Error("Before.Exists mutated through a prior Entries() call's returned slice")
	}
}

func TestSnapshotTruncation(t *testing.T) {
	j := NewInMemory(4)
	after := SnapshotOf(true, []byte("0123456789"))
	if err := j.Record(JournalEntry{OperationID: "op-1", Before: SnapshotOf(false, nil), After: &after}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	entry := j.Entries()[0]
	if !entry.After.Truncated {
		t.Error("expected After.Truncated to be true")
	}
	if entry.After.Checksum == "" {
		t.Error("expected checksum to survive truncation")
	}
}

func TestRollbackReturnsReverseOrderAndDeepCopies(t *testing.T) {
	j := NewInMemory(0)
	for _, id := range []string{"op-1", "op-2", "op-3"} {
		if err := j.Record(JournalEntry{OperationID: id, Before: SnapshotOf(false, nil)}); err != nil {
			t.Fatalf("Record(%s): %v", id, err)
		}
	}

	reversed := j.Rollback()
	if len(reversed) != 3 {
		t.Fatalf("len(reversed) = %d, want 3", len(reversed))
	}
	if reversed[0].OperationID != "op-3" || reversed[2].OperationID != "op-1" {
		t.Errorf("order = %v", []string{reversed[0].OperationID, reversed[1].OperationID, reversed[2].OperationID})
	}

	reversed[0].Before.Exists = true
	again := j.Rollback()
	if again[0].Before.Exists {
		t.Error("Rollback's returned entries must not alias the journal's internal state")
	}
}

func TestCommitStagePersistsAndLoadReplays(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "journal.json")

	j := New(path, 0)
	if err := j.Record(JournalEntry{
		OperationID: "op-1",
		Kind:        operation.KindFile,
		Operation:   operation.FileOp{Action: operation.FileEnsure, Path: "demo.txt", Content: strPtr("hi")},
		Before:      SnapshotOf(false, nil),
		BackupPath:  "backup-1",
	}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := j.CommitStage(0); err != nil {
		t.Fatalf("CommitStage: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	entries := loaded.Entries()
	if len(entries) != 1 || entries[0].OperationID != "op-1" {
		t.Fatalf("loaded entries = %+v", entries)
	}
	if entries[0].Operation == nil || entries[0].Operation.Kind() != operation.KindFile {
		t.Errorf("loaded Operation = %+v, want a decoded FileOp", entries[0].Operation)
	}
	artifacts := loaded.Artifacts()
	if len(artifacts) != 1 || artifacts[0] != "backup-1" {
		t.Errorf("artifacts = %v", artifacts)
	}
}

func TestArtifactsDeduplicates(t *testing.T) {
	j := NewInMemory(0)
	_ = j.Record(JournalEntry{OperationID: "op-1", Before: SnapshotOf(false, nil), BackupPath: "backup-1"})
	_ = j.Record(JournalEntry{OperationID: "op-2", Before: SnapshotOf(false, nil), BackupPath: "backup-1"})

	artifacts := j.Artifacts()
	if len(artifacts) != 1 {
		t.Errorf("artifacts = %v, want 1 deduplicated entry", artifacts)
	}
}

func TestSetLogPathAndLogPath(t *testing.T) {
	j := NewInMemory(0)
	if j.LogPath() != "" {
		t.Fatal("expected empty initial log path")
	}
	j.SetLogPath("/tmp/foo.json")
	if j.LogPath() != "/tmp/foo.json" {
		t.Errorf("LogPath() = %s", j.LogPath())
	}
}
