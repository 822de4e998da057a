// Package journal records, for every operation the executor touches, a
// before/after snapshot of what changed, so an aborted or rolled-back run
// can be explained and reversed. Entries are kept in memory as they're
// written and flushed to disk as a single JSON array each time a stage
// commits, so a crash mid-run leaves behind the journal of every stage that
// finished rather than a half-written log.
package journal

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/kb-labs/setup-engine/internal/checksum"
	"github.com/kb-labs/setup-engine/internal/fsutil"
	"github.com/kb-labs/setup-engine/operation"
)

// Snapshot captures the state of an operation's target at one point in
// time. Content above the journal's byte cap is replaced with a
// placeholder so a journal covering a large file write doesn't itself
// become unbounded — Checksum is computed before truncation and always
// retained, so a caller can still tell whether two snapshots matched.
type Snapshot struct {
	Exists    bool           `json:"exists"`
	Content   []byte         `json:"content,omitempty"`
	Checksum  string         `json:"checksum,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Truncated bool           `json:"truncated,omitempty"`
}

// SnapshotOf builds a Snapshot from the raw content an executor observed,
// computing its checksum up front so it survives truncation.
func SnapshotOf(exists bool, content []byte) Snapshot {
	s := Snapshot{Exists: exists, Content: content}
	if exists {
		s.Checksum = checksum.HexBytes(content)
	}
	return s
}

// JournalEntry is one operation's complete record: the operation as
// declared (deep-cloned, so later mutation of the caller's copy can't
// retroactively change the log), its state before execution, and — once
// execution finishes — its state after. After is nil for an operation that
// failed before producing a result.
type JournalEntry struct {
	StageIndex  int            `json:"stageIndex"`
	OperationID string         `json:"operationId"`
	Kind        operation.Kind `json:"kind"`
	// Path is the workspace-relative file the operation targeted (FileOp's
	// path, ConfigOp's path, or ScriptOp's manifest file). Recording it
	// here lets a rollback tool reverse a run from the journal alone,
	// without needing the ExecutionPlan that produced it.
	Path       string              `json:"path,omitempty"`
	Operation  operation.Operation `json:"operation,omitempty"`
	Before     Snapshot            `json:"before"`
	After      *Snapshot           `json:"after,omitempty"`
	BackupPath string              `json:"backupPath,omitempty"`
	Err        string              `json:"error,omitempty"`
	Timestamp  time.Time           `json:"timestamp"`
}

// journalEntryWire is JournalEntry's on-disk shape: Operation needs to go
// through operation.Decode on the way back in, since operation.Operation is
// an interface and encoding/json can't pick a concrete type for it alone.
type journalEntryWire struct {
	StageIndex  int             `json:"stageIndex"`
	OperationID string          `json:"operationId"`
	Kind        operation.Kind  `json:"kind"`
	Path        string          `json:"path,omitempty"`
	Operation   json.RawMessage `json:"operation,omitempty"`
	Before      Snapshot        `json:"before"`
	After       *Snapshot       `json:"after,omitempty"`
	BackupPath  string          `json:"backupPath,omitempty"`
	Err         string          `json:"error,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}

func (e JournalEntry) MarshalJSON() ([]byte, error) {
	wire := journalEntryWire{
		StageIndex:  e.StageIndex,
		OperationID: e.OperationID,
		Kind:        e.Kind,
		Path:        e.Path,
		Before:      e.Before,
		After:       e.After,
		BackupPath:  e.BackupPath,
		Err:         e.Err,
		Timestamp:   e.Timestamp,
	}
	if e.Operation != nil {
		data, err := json.Marshal(e.Operation)
		if err != nil {
			return nil, fmt.Errorf("journal: encoding operation: %w", err)
		}
		wire.Operation = data
	}
	return json.Marshal(wire)
}

func (e *JournalEntry) UnmarshalJSON(data []byte) error {
	var wire journalEntryWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	*e = JournalEntry{
		StageIndex:  wire.StageIndex,
		OperationID: wire.OperationID,
		Kind:        wire.Kind,
		Path:        wire.Path,
		Before:      wire.Before,
		After:       wire.After,
		BackupPath:  wire.BackupPath,
		Err:         wire.Err,
		Timestamp:   wire.Timestamp,
	}
	if len(wire.Operation) > 0 {
		op, err := operation.Decode(wire.Operation)
		if err != nil {
			return fmt.Errorf("journal: decoding operation: %w", err)
		}
		e.Operation = op
	}
	return nil
}

// cloneEntry returns an independent copy of e: its Operation, and every
// byte slice reachable from its snapshots, share no backing array with e.
// A serialization round trip is a simpler-to-trust way to get there than
// hand-copying each nested field, and any serialization-based clone
// suffices for this purpose.
func cloneEntry(e JournalEntry) JournalEntry {
	data, err := json.Marshal(e)
	if err != nil {
		return e
	}
	var clone JournalEntry
	if err := json.Unmarshal(data, &clone); err != nil {
		return e
	}
	return clone
}

// Journal is the interface the executor drives while applying a plan.
// Implementations must be safe for sequential use by a single executor run;
// the engine never calls a Journal from more than one goroutine at a time.
type Journal interface {
	StartStage(stageIndex int) error
	// Record appends one operation's complete entry. Call it once per
	// operation, after execution has finished (successfully or not) — the
	// entry's Before is known up front, After only once there's a result.
	Record(entry JournalEntry) error
	CommitStage(stageIndex int) error
	// Rollback returns every recorded entry in reverse chronological order,
	// for the executor to replay backup restoration against. The journal
	// itself never touches the filesystem outside its own log file.
	Rollback() []JournalEntry
	Entries() []JournalEntry
	Artifacts() []string
	LogPath() string
	SetLogPath(path string)
}

// fileJournal is the default Journal: entries accumulate in memory and are
// flushed to LogPath (if set) as a single JSON array on every CommitStage.
type fileJournal struct {
	mu      sync.Mutex
	entries []JournalEntry
	byteCap int64
	logPath string
}

// New returns a Journal that persists to path on every committed stage.
// byteCap bounds how many bytes of before/after content each snapshot
// retains; pass 0 to disable the cap.
func New(path string, byteCap int64) Journal {
	return &fileJournal{logPath: path, byteCap: byteCap}
}

// NewInMemory returns a Journal that never touches disk, for dry runs and
// tests.
func NewInMemory(byteCap int64) Journal {
	return &fileJournal{byteCap: byteCap}
}

func (j *fileJournal) StartStage(stageIndex int) error {
	return nil
}

func (j *fileJournal) Record(entry JournalEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	entry.Before = truncateSnapshot(entry.Before, j.byteCap)
	if entry.After != nil {
		after := truncateSnapshot(*entry.After, j.byteCap)
		entry.After = &after
	}
	cloned := cloneEntry(entry)

	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, cloned)
	return nil
}

func truncateSnapshot(s Snapshot, cap int64) Snapshot {
	if cap <= 0 || int64(len(s.Content)) <= cap {
		return s
	}
	n := len(s.Content)
	s.Content = []byte(fmt.Sprintf("<truncated %d bytes>", n))
	s.Truncated = true
	return s
}

func (j *fileJournal) CommitStage(stageIndex int) error {
	j.mu.Lock()
	path := j.logPath
	snapshot := make([]JournalEntry, len(j.entries))
	copy(snapshot, j.entries)
	j.mu.Unlock()

	if path == "" {
		return nil
	}
	if err := fsutil.AtomicWriteJSON(path, snapshot); err != nil {
		return fmt.Errorf("journal: committing stage %d: %w", stageIndex, err)
	}
	return nil
}

func (j *fileJournal) Rollback() []JournalEntry {
	j.mu.Lock()
	defer j.mu.Unlock()

	reversed := make([]JournalEntry, len(j.entries))
	for i, entry := range j.entries {
		reversed[len(j.entries)-1-i] = cloneEntry(entry)
	}
	return reversed
}

func (j *fileJournal) Entries() []JournalEntry {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]JournalEntry, len(j.entries))
	for i, entry := range j.entries {
		out[i] = cloneEntry(entry)
	}
	return out
}

func (j *fileJournal) Artifacts() []string {
	j.mu.Lock()
	defer j.mu.Unlock()

	seen := make(map[string]bool)
	var paths []string
	for _, entry := range j.entries {
		if entry.BackupPath == "" {
			continue
		}
		if !seen[entry.BackupPath] {
			seen[entry.BackupPath] = true
			paths = append(paths, entry.BackupPath)
		}
	}
	return paths
}

func (j *fileJournal) LogPath() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.logPath
}

func (j *fileJournal) SetLogPath(path string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.logPath = path
}

// Load reads a journal previously persisted by CommitStage and returns a
// Journal over its entries, for a rollback tool or inspector that runs
// after the original process has exited. The returned Journal keeps path as
// its log path, so recording into it and committing a stage rewrites that
// file. Grounded on the envelope
// replay shape of the teacher's ledger reader, simplified for a single
// persisted JSON array instead of an NDJSON stream.
func Load(path string) (Journal, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("journal: loading %s: %w", path, err)
	}
	var entries []JournalEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("journal: decoding %s: %w", path, err)
	}
	return &fileJournal{entries: entries, logPath: path}, nil
}
