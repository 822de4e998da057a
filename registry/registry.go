// Package registry lets a caller override how a particular operation kind
// is analyzed, diffed, simulated, and executed, without touching the
// engine's built-in file/config/script logic. The analyzer and executor
// packages check a Registry first and fall back to their own built-in
// per-kind implementation only when no handler is registered for that
// kind — callers extend the engine by registering, never by patching it.
package registry

import (
	"context"
	"sync"

	"github.com/kb-labs/setup-engine/operation"
)

// Risk rolls a single operation's blast radius up for the planner's risk
// assessment. The three levels are ordered RiskLow < RiskMedium < RiskHigh.
type Risk string

const (
	RiskLow    Risk = "safe"
	RiskMedium Risk = "moderate"
	RiskHigh   Risk = "high"
)

func (r Risk) rank() int {
	switch r {
	case RiskLow:
		return 0
	case RiskHigh:
		return 2
	default:
		return 1 // unknown values are treated as moderate, same as a missing analysis
	}
}

// MaxRisk returns whichever of a, b ranks higher on the safe < moderate <
// high scale, used by the planner to roll many operations' risk up to one.
func MaxRisk(a, b Risk) Risk {
	if b.rank() > a.rank() {
		return b
	}
	return a
}

// ConflictType names why an analyzer couldn't cleanly classify an
// operation's target against what it found in the workspace.
type ConflictType string

const (
	ConflictModified     ConflictType = "modified"
	ConflictMissing      ConflictType = "missing"
	ConflictIncompatible ConflictType = "incompatible"
	ConflictPermission   ConflictType = "permission"
	ConflictUnknown      ConflictType = "unknown"
)

// Conflict describes one way an operation's target diverges from what
// analysis expected, surfaced to a caller deciding whether to proceed.
type Conflict struct {
	Type       ConflictType
	Path       string
	Expected   any
	Actual     any
	Suggestion string
}

// FileState is the observed state of a file operation's target, reported as
// AnalysisResult.Current for kind file.
type FileState struct {
	Exists  bool
	Size    int64
	Mode    uint32
	Mtime   string
	Content string
}

// AnalysisResult is a handler's assessment of one operation against the
// current workspace state, before any plan exists.
type AnalysisResult struct {
	OperationID string
	// Needed reports whether applying the operation would change anything.
	// An operation whose target already matches is Needed == false.
	Needed bool
	// Current is the observed state the operation's target was found in: a
	// FileState for file operations, the raw JSON value (or nil) at a
	// config pointer, or a script manifest's current command (string, or
	// nil if the entry is absent).
	Current   any
	Conflicts []Conflict
	Risk      Risk
	Notes     []string
}

// ExecuteResult is a handler's record of what it actually did, used to
// build the journal's before/after snapshot. A registered Execute handler's
// BackupPath is recorded on the journal entry as the backup rollback
// restores from; the built-in appliers report their backup path separately
// and leave this field empty.
type ExecuteResult struct {
	Applied bool
	// Existed reports whether the target was present before this call ran,
	// independent of Before's length (an existing empty file is Existed
	// true with a zero-length Before).
	Existed    bool
	Before     []byte
	After      []byte
	BackupPath string
}

// DiffStatus classifies what a file or config diff entry represents.
type DiffStatus string

const (
	DiffCreated  DiffStatus = "created"
	DiffModified DiffStatus = "modified"
	DiffDeleted  DiffStatus = "deleted"
)

// FilePreview carries the before/after content a plan diff shows for a
// file operation. After is nil for a delete; Before is nil for a create.
type FilePreview struct {
	Before *string
	After  *string
}

// FileDiff is one file operation's entry in a PlanDiff.
type FileDiff struct {
	Path    string
	Status  DiffStatus
	Preview FilePreview
}

// ConfigDiff is one config operation's entry in a PlanDiff. After is nil
// for an unset.
type ConfigDiff struct {
	Path    string
	Pointer string
	Before  any
	After   any
}

// DiffSummary counts plan diff entries by status, across files and configs
// together.
type DiffSummary struct {
	Created  int
	Modified int
	Deleted  int
}

// PlanDiff is the synthesized preview of everything a plan would change.
// Script and code operations have no diff representation — their change is
// a manifest entry or arbitrary handler effect, not a before/after document
// the plan format models.
type PlanDiff struct {
	Files   []FileDiff
	Configs []ConfigDiff
	Summary DiffSummary
}

// RiskAssessment rolls AnalysisResult.Risk up across a whole plan.
type RiskAssessment struct {
	Overall     Risk
	ByOperation map[string]Risk
}

// AnalyzeFunc inspects the workspace at ws and reports the current state of
// op relative to its declared target.
type AnalyzeFunc func(ctx context.Context, op operation.Operation, meta operation.Metadata, ws string) (AnalysisResult, error)

// BuildDiffFunc derives a FileDiff or ConfigDiff (or nil, if the kind has no
// diff representation) from an already-computed analysis. The planner
// classifies whatever it returns by type: a FileDiff or a ConfigDiff value
// is added to the plan's diff; a value of any other type (including a
// pointer to either) is dropped, and that operation gets no diff entry at
// all. A nil result or an error falls back to the built-in synthesis. Most kinds never
// need to register this — the planner's built-in synthesis covers file and
// config already; it exists for a kind that wants its diff to differ from
// the generic before/after rendering.
type BuildDiffFunc func(op operation.Operation, meta operation.Metadata, analysis AnalysisResult, ws string) (any, error)

// SimulateFunc previews the effect of executing op without mutating the
// workspace, used when executor.Options.DryRun is set.
type SimulateFunc func(ctx context.Context, op operation.Operation, meta operation.Metadata, ws string) (ExecuteResult, error)

// ExecuteFunc applies op to the workspace at ws and reports what changed.
type ExecuteFunc func(ctx context.Context, op operation.Operation, meta operation.Metadata, ws string) (ExecuteResult, error)

// Handlers is the full set of hooks a kind can supply. A kind may register
// a subset; Execute is the minimum a caller needs for the engine to do
// anything useful with that kind.
type Handlers struct {
	Analyze   AnalyzeFunc
	BuildDiff BuildDiffFunc
	Simulate  SimulateFunc
	Execute   ExecuteFunc
}

// Registry maps an operation kind to the handlers that override the
// engine's built-in behavior for it.
type Registry struct {
	mu       sync.RWMutex
	handlers map[operation.Kind]Handlers
}

// New returns an empty registry. The analyzer and executor packages supply
// their own built-in handling for file, config, and script kinds; Register
// is for overriding those or adding support for operation.KindCode.
func New() *Registry {
	return &Registry{handlers: make(map[operation.Kind]Handlers)}
}

// Register installs handlers for kind, replacing any previously registered
// handlers for that kind.
func (r *Registry) Register(kind operation.Kind, handlers Handlers) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = handlers
}

// Lookup returns the handlers registered for kind, if any.
func (r *Registry) Lookup(kind operation.Kind) (Handlers, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[kind]
	return h, ok
}
