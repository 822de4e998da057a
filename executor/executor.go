// Package executor applies a planner.ExecutionPlan to the workspace,
// stage by stage, journaling a before/after snapshot of every mutation so
// a failure partway through can be rolled back. Execution is strictly
// transactional at the plan level: the first operation that fails aborts
// the run and reverses everything already applied, in reverse order.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/kb-labs/setup-engine/internal/engineconfig"
	"github.com/kb-labs/setup-engine/internal/fsutil"
	"github.com/kb-labs/setup-engine/internal/jsonptr"
	"github.com/kb-labs/setup-engine/journal"
	"github.com/kb-labs/setup-engine/operation"
	"github.com/kb-labs/setup-engine/planner"
	"github.com/kb-labs/setup-engine/registry"
)

// ProgressFunc is called once per operation transition, if set. Handlers
// must not block — the executor calls it synchronously on its own
// goroutine.
type ProgressFunc func(event ProgressEvent)

// ProgressPhase names a transition reported through ProgressFunc.
type ProgressPhase string

const (
	PhaseStart      ProgressPhase = "start"
	PhaseSkipped    ProgressPhase = "skipped"
	PhaseSucceeded  ProgressPhase = "succeeded"
	PhaseFailed     ProgressPhase = "failed"
	PhaseRolledBack ProgressPhase = "rolled-back"
)

// ProgressEvent reports one operation's transition during Execute.
type ProgressEvent struct {
	StageIndex  int
	OperationID string
	Phase       ProgressPhase
	Err         error
}

// Options configures a single Execute call.
type Options struct {
	Workspace string
	Registry  *registry.Registry
	Journal   journal.Journal
	Config    engineconfig.Config
	// DryRun, when true, computes what would change without writing to the
	// workspace or creating backups.
	DryRun   bool
	Progress ProgressFunc
}

// Artifacts lists the durable byproducts of a run: backup files created
// before each mutation, and the journal log file persisted at the end.
type Artifacts struct {
	Backups []string
	Logs    []string
}

// Result reports what Execute did.
type Result struct {
	Applied    []string
	Skipped    []string
	RolledBack []string
	Aborted    bool
	// LogPath is where the journal was persisted, set only on a successful
	// run with at least one recorded entry and no log path already set on
	// the Journal.
	LogPath   string
	Artifacts Artifacts
}

// Execute applies plan's stages in order. On the first operation failure,
// every already-applied operation in the current run is rolled back in
// reverse order and Execute returns the triggering error.
func Execute(ctx context.Context, plan *planner.ExecutionPlan, opts Options) (*Result, error) {
	j := opts.Journal
	if j == nil {
		j = journal.NewInMemory(opts.Config.SnapshotByteCap)
	}
	if opts.Registry == nil {
		opts.Registry = registry.New()
	}

	backupDir := filepath.Join(opts.Workspace, opts.Config.BackupDirName)
	if !opts.DryRun {
		if err := fsutil.EnsureBackupDir(backupDir); err != nil {
			return nil, fmt.Errorf("executor: preparing backup directory: %w", err)
		}
	}

	result := &Result{}
	for _, stage := range plan.Stages {
		if err := j.StartStage(stage.Index); err != nil {
			return result, fmt.Errorf("executor: starting stage %d: %w", stage.Index, err)
		}

		for _, opID := range stage.OperationIDs {
			wm := plan.Operations[opID]
			analysis := plan.Analysis[opID]

			if !analysis.Needed {
				result.Skipped = append(result.Skipped, opID)
				report(opts.Progress, stage.Index, opID, PhaseSkipped, nil)
				continue
			}

			targetPath := targetPathOf(wm.Operation)
			report(opts.Progress, stage.Index, opID, PhaseStart, nil)

			execResult, backupPath, err := applyOne(ctx, wm, opts, backupDir)
			entry := journal.JournalEntry{
				StageIndex:  stage.Index,
				OperationID: opID,
				Kind:        wm.Operation.Kind(),
				Path:        targetPath,
				Operation:   wm.Operation,
				Before:      journal.SnapshotOf(execResult.Existed, execResult.Before),
				BackupPath:  backupPath,
			}
			if err != nil {
				wrapped := operation.Wrap(wm.Metadata, err)
				entry.Err = err.Error()
				_ = j.Record(entry)
				report(opts.Progress, stage.Index, opID, PhaseFailed, wrapped)

				rolledBack := Rollback(j.Rollback(), opts.Workspace)
				result.RolledBack = rolledBack
				result.Aborted = true
				for _, id := range rolledBack {
					report(opts.Progress, stage.Index, id, PhaseRolledBack, nil)
				}
				return result, wrapped
			}

			after := journal.SnapshotOf(existsAfter(wm.Operation, execResult), execResult.After)
			entry.After = &after
			_ = j.Record(entry)
			result.Applied = append(result.Applied, opID)
			report(opts.Progress, stage.Index, opID, PhaseSucceeded, nil)
		}

		if err := j.CommitStage(stage.Index); err != nil {
			return result, fmt.Errorf("executor: committing stage %d: %w", stage.Index, err)
		}
	}

	if !opts.DryRun && j.LogPath() == "" {
		if entries := j.Entries(); len(entries) > 0 {
			logPath := filepath.Join(backupDir, fmt.Sprintf("%d-setup-log.json", time.Now().UnixMilli()))
			if err := fsutil.AtomicWriteJSON(logPath, entries); err == nil {
				j.SetLogPath(logPath)
				result.LogPath = logPath
			}
		}
	}
	result.Artifacts = Artifacts{Backups: j.Artifacts(), Logs: logsOf(result.LogPath)}

	return result, nil
}

func logsOf(logPath string) []string {
	if logPath == "" {
		return nil
	}
	return []string{logPath}
}

func report(fn ProgressFunc, stageIndex int, opID string, phase ProgressPhase, err error) {
	if fn == nil {
		return
	}
	fn(ProgressEvent{StageIndex: stageIndex, OperationID: opID, Phase: phase, Err: err})
}

// existsAfter reports whether an operation's target exists once it has
// finished running: unchanged (existedBefore) when nothing was applied, the
// declared target's post-write existence otherwise — false only for a file
// delete that actually ran, true for every other applied case, since config
// and script appliers always leave their file in place even when unsetting
// a single key or removing a single entry.
func existsAfter(op operation.Operation, result registry.ExecuteResult) bool {
	if !result.Applied {
		return result.Existed
	}
	if fo, ok := op.(operation.FileOp); ok && fo.Action == operation.FileDelete {
		return false
	}
	return true
}

// targetPathOf extracts the workspace-relative path an operation targets,
// for recording on its journal entries so a rollback tool can reverse the
// run from the journal alone — without needing the ExecutionPlan that
// produced it.
func targetPathOf(op operation.Operation) string {
	switch v := op.(type) {
	case operation.FileOp:
		return v.Path
	case operation.ConfigOp:
		return v.Path
	case operation.ScriptOp:
		return v.File
	default:
		return ""
	}
}

// Rollback reverses a sequence of journal entries (already in the reverse
// order they were applied, as returned by journal.Journal.Rollback) against
// workspace: each entry with a backup has its pre-mutation file restored;
// an entry with no backup but recorded After content (something the run
// created) has its target removed. It returns the operation IDs it
// successfully restored, and is the basis of a standalone rollback tool
// built on journal.Load — it needs nothing but the entries and a workspace
// root.
func Rollback(entries []journal.JournalEntry, workspace string) []string {
	var restored []string
	for _, entry := range entries {
		if entry.Path == "" || entry.After == nil {
			continue
		}
		if err := restoreOne(entry, workspace); err != nil {
			continue
		}
		restored = append(restored, entry.OperationID)
	}
	return restored
}

// restoreOne reverses a single applied operation: if a backup exists, the
// pre-mutation file is restored over the current one; if the operation
// created something that didn't exist before (no backup, but content was
// written), the created target is removed.
func restoreOne(entry journal.JournalEntry, workspace string) error {
	target, err := fsutil.ResolveWorkspacePath(workspace, entry.Path)
	if err != nil {
		return err
	}

	if entry.BackupPath != "" {
		return fsutil.CopyFile(entry.BackupPath, target)
	}
	if !entry.Before.Exists && entry.After.Exists {
		return os.Remove(target)
	}
	return nil
}

func applyOne(ctx context.Context, wm operation.WithMetadata, opts Options, backupDir string) (registry.ExecuteResult, string, error) {
	if handlers, ok := opts.Registry.Lookup(wm.Operation.Kind()); ok && handlers.Execute != nil {
		if opts.DryRun {
			if handlers.Simulate == nil {
				return registry.ExecuteResult{}, "", nil
			}
			result, err := recoverSimulate(ctx, handlers.Simulate, wm, opts.Workspace)
			return result, "", err
		}
		result, err := recoverExecute(ctx, handlers.Execute, wm, opts.Workspace)
		return result, result.BackupPath, err
	}

	switch op := wm.Operation.(type) {
	case operation.FileOp:
		return applyFile(op, wm.Metadata, opts, backupDir)
	case operation.ConfigOp:
		return applyConfig(op, wm.Metadata, opts, backupDir)
	case operation.ScriptOp:
		return applyScript(op, wm.Metadata, opts, backupDir)
	default:
		return registry.ExecuteResult{}, "", fmt.Errorf("%w: %s", operation.ErrUnsupportedKind, wm.Operation.Kind())
	}
}

func recoverExecute(ctx context.Context, fn registry.ExecuteFunc, wm operation.WithMetadata, workspace string) (result registry.ExecuteResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("registry: execute handler for kind %s panicked: %v", wm.Operation.Kind(), r)
		}
	}()
	return fn(ctx, wm.Operation, wm.Metadata, workspace)
}

func recoverSimulate(ctx context.Context, fn registry.SimulateFunc, wm operation.WithMetadata, workspace string) (result registry.ExecuteResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("registry: simulate handler for kind %s panicked: %v", wm.Operation.Kind(), r)
		}
	}()
	return fn(ctx, wm.Operation, wm.Metadata, workspace)
}

func toBytes(v any) []byte {
	switch t := v.(type) {
	case nil:
		return nil
	case string:
		return []byte(t)
	case []byte:
		return t
	default:
		data, _ := json.Marshal(t)
		return data
	}
}

func backupPathFor(backupDir, opID, relPath string) string {
	name := fmt.Sprintf("%d-%s-%s.bak", time.Now().UnixMilli(), fsutil.Sanitize(opID), fsutil.Sanitize(relPath))
	return filepath.Join(backupDir, name)
}

func applyFile(op operation.FileOp, meta operation.Metadata, opts Options, backupDir string) (registry.ExecuteResult, string, error) {
	fullPath, err := fsutil.ResolveWorkspacePath(opts.Workspace, op.Path)
	if err != nil {
		return registry.ExecuteResult{}, "", fmt.Errorf("%w: %v", operation.ErrPathEscape, err)
	}

	current, readErr := os.ReadFile(fullPath)
	exists := readErr == nil
	if readErr != nil && !os.IsNotExist(readErr) {
		return registry.ExecuteResult{}, "", fmt.Errorf("executor: reading %s: %w", op.Path, readErr)
	}

	if op.Action == operation.FileDelete {
		if !exists {
			return registry.ExecuteResult{Applied: false, Existed: false}, "", nil
		}
		if opts.DryRun {
			return registry.ExecuteResult{Applied: false, Existed: true, Before: current}, "", nil
		}
		backupPath := backupPathFor(backupDir, meta.ID, op.Path)
		if err := fsutil.CopyFile(fullPath, backupPath); err != nil {
			return registry.ExecuteResult{}, "", fmt.Errorf("executor: backing up %s: %w", op.Path, err)
		}
		if err := os.Remove(fullPath); err != nil {
			return registry.ExecuteResult{}, "", fmt.Errorf("executor: deleting %s: %w", op.Path, err)
		}
		return registry.ExecuteResult{Applied: true, Existed: true, Before: current}, backupPath, nil
	}

	desired, err := op.ResolveContent(meta)
	if err != nil {
		return registry.ExecuteResult{}, "", err
	}

	if opts.DryRun {
		return registry.ExecuteResult{Applied: false, Existed: exists, Before: current, After: desired}, "", nil
	}

	var backupPath string
	if exists {
		backupPath = backupPathFor(backupDir, meta.ID, op.Path)
		if err := fsutil.CopyFile(fullPath, backupPath); err != nil {
			return registry.ExecuteResult{}, "", fmt.Errorf("executor: backing up %s: %w", op.Path, err)
		}
	}

	if err := fsutil.AtomicWrite(fullPath, desired); err != nil {
		return registry.ExecuteResult{}, "", fmt.Errorf("executor: writing %s: %w", op.Path, err)
	}
	if op.Mode != nil {
		if err := os.Chmod(fullPath, os.FileMode(*op.Mode)); err != nil {
			return registry.ExecuteResult{}, "", fmt.Errorf("executor: chmod %s: %w", op.Path, err)
		}
	}

	return registry.ExecuteResult{Applied: true, Existed: exists, Before: current, After: desired}, backupPath, nil
}

func applyConfig(op operation.ConfigOp, meta operation.Metadata, opts Options, backupDir string) (registry.ExecuteResult, string, error) {
	fullPath, err := fsutil.ResolveWorkspacePath(opts.Workspace, op.Path)
	if err != nil {
		return registry.ExecuteResult{}, "", fmt.Errorf("%w: %v", operation.ErrPathEscape, err)
	}

	raw, readErr := os.ReadFile(fullPath)
	exists := readErr == nil
	if readErr != nil && !os.IsNotExist(readErr) {
		return registry.ExecuteResult{}, "", fmt.Errorf("executor: reading %s: %w", op.Path, readErr)
	}

	doc := map[string]any{}
	if exists && len(raw) > 0 {
		if err := json.Unmarshal(raw, &doc); err != nil {
			return registry.ExecuteResult{}, "", fmt.Errorf("%w: %s: %v", operation.ErrInvalidJSON, op.Path, err)
		}
	}

	currentVal, hasCurrent, err := jsonptr.Get(doc, op.Pointer)
	if err != nil {
		return registry.ExecuteResult{}, "", fmt.Errorf("executor: resolving %s#%s: %w", op.Path, op.Pointer, err)
	}

	// set/merge/unset apply unconditionally — config has no conflict
	// resolution of its own, unlike script. The only safety net is below:
	// if the resulting document doesn't actually differ, nothing is written.
	switch op.Action {
	case operation.ConfigUnset:
		if !hasCurrent {
			return registry.ExecuteResult{Applied: false, Existed: exists}, "", nil
		}
		if err := jsonptr.Unset(doc, op.Pointer); err != nil {
			return registry.ExecuteResult{}, "", fmt.Errorf("executor: unsetting %s#%s: %w", op.Path, op.Pointer, err)
		}
	case operation.ConfigSet:
		if err := jsonptr.Set(doc, op.Pointer, op.Value); err != nil {
			return registry.ExecuteResult{}, "", fmt.Errorf("executor: setting %s#%s: %w", op.Path, op.Pointer, err)
		}
	case operation.ConfigMerge:
		merged := jsonptr.Merge(currentVal, op.Value, string(op.StrategyOrDefault()))
		if err := jsonptr.Set(doc, op.Pointer, merged); err != nil {
			return registry.ExecuteResult{}, "", fmt.Errorf("executor: merging %s#%s: %w", op.Path, op.Pointer, err)
		}
	default:
		return registry.ExecuteResult{}, "", fmt.Errorf("%w: config.action %q", operation.ErrInvalidAction, op.Action)
	}

	encoded, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return registry.ExecuteResult{}, "", fmt.Errorf("executor: encoding %s: %w", op.Path, err)
	}
	encoded = append(encoded, '\n')

	prior := map[string]any{}
	if exists && len(raw) > 0 {
		_ = json.Unmarshal(raw, &prior)
	}
	next := map[string]any{}
	if err := json.Unmarshal(encoded, &next); err != nil {
		return registry.ExecuteResult{}, "", fmt.Errorf("executor: decoding encoded %s: %w", op.Path, err)
	}
	if cmp.Equal(prior, next) {
		return registry.ExecuteResult{Applied: false, Existed: exists, Before: raw}, "", nil
	}

	if opts.DryRun {
		return registry.ExecuteResult{Applied: false, Existed: exists, Before: raw, After: encoded}, "", nil
	}

	var backupPath string
	if exists {
		backupPath = backupPathFor(backupDir, meta.ID, op.Path)
		if err := fsutil.CopyFile(fullPath, backupPath); err != nil {
			return registry.ExecuteResult{}, "", fmt.Errorf("executor: backing up %s: %w", op.Path, err)
		}
	}
	if err := fsutil.AtomicWrite(fullPath, encoded); err != nil {
		return registry.ExecuteResult{}, "", fmt.Errorf("executor: writing %s: %w", op.Path, err)
	}

	return registry.ExecuteResult{Applied: true, Existed: exists, Before: raw, After: encoded}, backupPath, nil
}

func applyScript(op operation.ScriptOp, meta operation.Metadata, opts Options, backupDir string) (registry.ExecuteResult, string, error) {
	fullPath, err := fsutil.ResolveWorkspacePath(opts.Workspace, op.File)
	if err != nil {
		return registry.ExecuteResult{}, "", fmt.Errorf("%w: %v", operation.ErrPathEscape, err)
	}

	raw, readErr := os.ReadFile(fullPath)
	if readErr != nil {
		return registry.ExecuteResult{}, "", fmt.Errorf("executor: reading %s: %w", op.File, readErr)
	}

	doc := map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &doc); err != nil {
			return registry.ExecuteResult{}, "", fmt.Errorf("%w: %s: %v", operation.ErrInvalidJSON, op.File, err)
		}
	}
	scripts, _ := doc["scripts"].(map[string]any)
	if scripts == nil {
		scripts = map[string]any{}
	}
	current, hasCurrent := scripts[op.Name]
	conflicts := hasCurrent && scriptConflicts(op, current)

	if conflicts {
		skip, err := resolveScriptConflict(op.ConflictResolution, opts.Config.AutoConfirm)
		if err != nil {
			return registry.ExecuteResult{}, "", err
		}
		if skip {
			return registry.ExecuteResult{Applied: false, Existed: true, Before: toBytes(current)}, "", nil
		}
	}

	switch op.Action {
	case operation.ScriptDelete:
		if !hasCurrent {
			return registry.ExecuteResult{Applied: false, Existed: false}, "", nil
		}
		delete(scripts, op.Name)
	case operation.ScriptEnsure, operation.ScriptUpdate:
		scripts[op.Name] = *op.Command
	default:
		return registry.ExecuteResult{}, "", fmt.Errorf("%w: script.action %q", operation.ErrInvalidAction, op.Action)
	}
	doc["scripts"] = scripts

	encoded, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return registry.ExecuteResult{}, "", fmt.Errorf("executor: encoding %s: %w", op.File, err)
	}
	encoded = append(encoded, '\n')

	if opts.DryRun {
		return registry.ExecuteResult{Applied: false, Existed: true, Before: raw, After: encoded}, "", nil
	}

	backupPath := backupPathFor(backupDir, meta.ID, op.File)
	if err := fsutil.CopyFile(fullPath, backupPath); err != nil {
		return registry.ExecuteResult{}, "", fmt.Errorf("executor: backing up %s: %w", op.File, err)
	}
	if err := fsutil.AtomicWrite(fullPath, encoded); err != nil {
		return registry.ExecuteResult{}, "", fmt.Errorf("executor: writing %s: %w", op.File, err)
	}

	return registry.ExecuteResult{Applied: true, Existed: true, Before: raw, After: encoded}, backupPath, nil
}

// scriptConflicts reports whether applying op would actually change the
// manifest's current entry for its name.
func scriptConflicts(op operation.ScriptOp, current any) bool {
	if op.Action == operation.ScriptDelete {
		return true
	}
	if op.Command == nil {
		return true
	}
	currentStr, ok := current.(string)
	return !ok || currentStr != *op.Command
}

func resolveScriptConflict(resolution operation.ScriptConflictResolution, autoConfirm bool) (skip bool, err error) {
	switch resolution {
	case "", operation.ScriptResolutionReplace:
		return false, nil
	case operation.ScriptResolutionKeep:
		return true, nil
	case operation.ScriptResolutionPrompt:
		if autoConfirm {
			return false, nil
		}
		return false, fmt.Errorf("%w: conflicting script entry requires confirmation and AutoConfirm is disabled", operation.ErrScriptConflict)
	default:
		return false, fmt.Errorf("%w: script.conflictResolution %q", operation.ErrInvalidAction, resolution)
	}
}
