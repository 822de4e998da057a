// Package analyzer inspects the workspace against a list of declared
// operations and reports, for each one, whether applying it would change
// anything — without mutating anything. The planner consumes these results
// to build an execution plan; nothing here writes to disk.
package analyzer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/kb-labs/setup-engine/internal/checksum"
	"github.com/kb-labs/setup-engine/internal/fsutil"
	"github.com/kb-labs/setup-engine/internal/jsonptr"
	"github.com/kb-labs/setup-engine/operation"
	"github.com/kb-labs/setup-engine/registry"
)

// AnalyzeAll validates and analyzes every operation in ops against the
// workspace rooted at workspace, dispatching each one through reg before
// falling back to the built-in file/config/script analysis. It returns the
// first validation or analysis error it hits, wrapped with the failing
// operation's metadata — an operation kind nothing can analyze is not such
// an error; it comes back as a moderate-risk result instead, since only
// execution is allowed to hard-fail on an unsupported kind.
func AnalyzeAll(ctx context.Context, ops []operation.WithMetadata, reg *registry.Registry, workspace string) (map[string]registry.AnalysisResult, error) {
	results := make(map[string]registry.AnalysisResult, len(ops))
	for _, wm := range ops {
		if err := operation.Validate(wm.Operation, wm.Metadata); err != nil {
			return nil, operation.Wrap(wm.Metadata, err)
		}

		result, err := analyzeOne(ctx, wm, reg, workspace)
		if err != nil {
			return nil, operation.Wrap(wm.Metadata, err)
		}
		result.OperationID = wm.Metadata.ID
		results[wm.Metadata.ID] = result
	}
	return results, nil
}

func analyzeOne(ctx context.Context, wm operation.WithMetadata, reg *registry.Registry, workspace string) (registry.AnalysisResult, error) {
	if handlers, ok := lookup(reg, wm.Operation.Kind()); ok && handlers.Analyze != nil {
		return recoverAnalyze(ctx, handlers.Analyze, wm, workspace)
	}

	switch op := wm.Operation.(type) {
	case operation.FileOp:
		return analyzeFile(op, wm.Metadata, workspace)
	case operation.ConfigOp:
		return analyzeConfig(op, workspace)
	case operation.ScriptOp:
		return analyzeScript(op, workspace)
	default:
		// No built-in and no registered handler for this kind. This is not
		// fatal at analysis time — only execution refuses an unsupported
		// kind outright — so the plan still gets built; the risk rollup
		// just treats it as moderate and unresolved.
		return registry.AnalysisResult{
			Needed: true,
			Risk:   registry.RiskMedium,
			Notes:  []string{fmt.Sprintf("no handler registered for kind %q; execution will fail unless one is registered", wm.Operation.Kind())},
		}, nil
	}
}

func lookup(reg *registry.Registry, kind operation.Kind) (registry.Handlers, bool) {
	if reg == nil {
		return registry.Handlers{}, false
	}
	return reg.Lookup(kind)
}

// recoverAnalyze isolates the engine from a panic inside a caller-supplied
// handler — registry handlers are untrusted code from the engine's point
// of view.
func recoverAnalyze(ctx context.Context, fn registry.AnalyzeFunc, wm operation.WithMetadata, workspace string) (result registry.AnalysisResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("registry: analyze handler for kind %s panicked: %v", wm.Operation.Kind(), r)
		}
	}()
	return fn(ctx, wm.Operation, wm.Metadata, workspace)
}

func analyzeFile(op operation.FileOp, meta operation.Metadata, workspace string) (registry.AnalysisResult, error) {
	fullPath, err := fsutil.ResolveWorkspacePath(workspace, op.Path)
	if err != nil {
		return registry.AnalysisResult{}, fmt.Errorf("%w: %v", operation.ErrPathEscape, err)
	}

	info, statErr := os.Stat(fullPath)
	exists := statErr == nil
	if statErr != nil && !os.IsNotExist(statErr) {
		return registry.AnalysisResult{
			Needed: true,
			Risk:   registry.RiskMedium,
			Conflicts: []registry.Conflict{
				{Type: registry.ConflictUnknown, Path: op.Path, Actual: statErr.Error()},
			},
		}, nil
	}

	if op.Action == operation.FileDelete {
		if !exists {
			return registry.AnalysisResult{Needed: false, Risk: registry.RiskLow, Notes: []string{"already removed"}}, nil
		}
		return registry.AnalysisResult{
			Needed:  true,
			Current: registry.FileState{Exists: true, Size: info.Size(), Mode: uint32(info.Mode().Perm()), Mtime: info.ModTime().UTC().Format(time.RFC3339)},
			Risk:    registry.RiskMedium,
		}, nil
	}

	if !exists {
		return registry.AnalysisResult{Needed: true, Current: registry.FileState{Exists: false}, Risk: registry.RiskLow}, nil
	}

	current, readErr := os.ReadFile(fullPath)
	if readErr != nil {
		return registry.AnalysisResult{
			Needed: true,
			Risk:   registry.RiskMedium,
			Conflicts: []registry.Conflict{
				{Type: registry.ConflictUnknown, Path: op.Path, Actual: readErr.Error()},
			},
		}, nil
	}
	currentState := registry.FileState{
		Exists:  true,
		Size:    info.Size(),
		Mode:    uint32(info.Mode().Perm()),
		Mtime:   info.ModTime().UTC().Format(time.RFC3339),
		Content: string(current),
	}

	desired, err := op.ResolveContent(meta)
	if err != nil {
		return registry.AnalysisResult{}, err
	}

	if op.Checksum != "" {
		if got := checksum.HexBytes(desired); got != op.Checksum {
			return registry.AnalysisResult{}, fmt.Errorf("analyzer: %s declared checksum %s does not match resolved content checksum %s", op.Path, op.Checksum, got)
		}
	}

	modeMatches := op.Mode == nil || info.Mode().Perm() == os.FileMode(*op.Mode).Perm()
	if bytes.Equal(current, desired) && modeMatches {
		return registry.AnalysisResult{Needed: false, Current: currentState, Risk: registry.RiskLow}, nil
	}
	if op.Checksum != "" && checksum.HexBytes(current) == op.Checksum {
		return registry.AnalysisResult{Needed: false, Current: currentState, Risk: registry.RiskLow}, nil
	}

	var notes []string
	if op.Template != nil && op.Content == nil {
		notes = append(notes, fmt.Sprintf("resolved from template %s", op.Template.Source))
	}
	return registry.AnalysisResult{Needed: true, Current: currentState, Risk: registry.RiskMedium, Notes: notes}, nil
}

func analyzeConfig(op operation.ConfigOp, workspace string) (registry.AnalysisResult, error) {
	fullPath, err := fsutil.ResolveWorkspacePath(workspace, op.Path)
	if err != nil {
		return registry.AnalysisResult{}, fmt.Errorf("%w: %v", operation.ErrPathEscape, err)
	}

	raw, readErr := os.ReadFile(fullPath)
	exists := readErr == nil
	if readErr != nil && !os.IsNotExist(readErr) {
		return registry.AnalysisResult{
			Needed: true, Risk: registry.RiskMedium,
			Conflicts: []registry.Conflict{{Type: registry.ConflictUnknown, Path: op.Path, Actual: readErr.Error()}},
		}, nil
	}

	doc := map[string]any{}
	if exists && len(strings.TrimSpace(string(raw))) > 0 {
		if err := json.Unmarshal(raw, &doc); err != nil {
			return registry.AnalysisResult{
				Needed: true, Risk: registry.RiskMedium,
				Conflicts: []registry.Conflict{{Type: registry.ConflictIncompatible, Path: op.Path, Actual: "invalid-json"}},
			}, nil
		}
	}

	currentVal, hasCurrent, err := jsonptr.Get(doc, op.Pointer)
	if err != nil {
		return registry.AnalysisResult{}, fmt.Errorf("analyzer: resolving %s#%s: %w", op.Path, op.Pointer, err)
	}

	switch op.Action {
	case operation.ConfigUnset:
		return registry.AnalysisResult{Needed: hasCurrent, Current: currentVal, Risk: riskFor(hasCurrent)}, nil

	case operation.ConfigSet:
		needed := !hasCurrent || !cmp.Equal(currentVal, op.Value)
		return registry.AnalysisResult{Needed: needed, Current: currentVal, Risk: riskFor(needed)}, nil

	case operation.ConfigMerge:
		if valueMap, ok := op.Value.(map[string]any); ok {
			needed := !isSubset(valueMap, currentVal)
			return registry.AnalysisResult{Needed: needed, Current: currentVal, Risk: riskFor(needed)}, nil
		}
		needed := !hasCurrent || !cmp.Equal(currentVal, op.Value)
		return registry.AnalysisResult{Needed: needed, Current: currentVal, Risk: riskFor(needed)}, nil

	default:
		return registry.AnalysisResult{}, fmt.Errorf("%w: config.action %q", operation.ErrInvalidAction, op.Action)
	}
}

// isSubset reports whether value is a deep subset of current: every key in
// value, recursively, equals current's matching key. Arrays and scalars are
// compared by plain deep equality.
func isSubset(value, current any) bool {
	valueMap, ok1 := value.(map[string]any)
	currentMap, ok2 := current.(map[string]any)
	if ok1 && ok2 {
		for k, v := range valueMap {
			cv, exists := currentMap[k]
			if !exists || !isSubset(v, cv) {
				return false
			}
		}
		return true
	}
	if ok1 != ok2 {
		return false
	}
	return cmp.Equal(value, current)
}

func riskFor(needed bool) registry.Risk {
	if needed {
		return registry.RiskMedium
	}
	return registry.RiskLow
}

func analyzeScript(op operation.ScriptOp, workspace string) (registry.AnalysisResult, error) {
	fullPath, err := fsutil.ResolveWorkspacePath(workspace, op.File)
	if err != nil {
		return registry.AnalysisResult{}, fmt.Errorf("%w: %v", operation.ErrPathEscape, err)
	}

	raw, readErr := os.ReadFile(fullPath)
	if readErr != nil {
		if os.IsNotExist(readErr) {
			return registry.AnalysisResult{
				Needed: true,
				Risk:   registry.RiskMedium,
				Conflicts: []registry.Conflict{
					{Type: registry.ConflictMissing, Path: op.File, Suggestion: "create the manifest file first"},
				},
			}, nil
		}
		return registry.AnalysisResult{
			Needed: true, Risk: registry.RiskMedium,
			Conflicts: []registry.Conflict{{Type: registry.ConflictUnknown, Path: op.File, Actual: readErr.Error()}},
		}, nil
	}

	doc := map[string]any{}
	if len(strings.TrimSpace(string(raw))) > 0 {
		if err := json.Unmarshal(raw, &doc); err != nil {
			return registry.AnalysisResult{
				Needed: true, Risk: registry.RiskMedium,
				Conflicts: []registry.Conflict{{Type: registry.ConflictIncompatible, Path: op.File, Actual: "invalid-json"}},
			}, nil
		}
	}
	scripts, _ := doc["scripts"].(map[string]any)
	var current any
	var hasCurrent bool
	if scripts != nil {
		current, hasCurrent = scripts[op.Name]
	}

	switch op.Action {
	case operation.ScriptDelete:
		return registry.AnalysisResult{Needed: hasCurrent, Current: current, Risk: riskFor(hasCurrent)}, nil

	case operation.ScriptEnsure, operation.ScriptUpdate:
		desired := ""
		if op.Command != nil {
			desired = *op.Command
		}
		currentStr, _ := current.(string)
		needed := !hasCurrent || currentStr != desired
		return registry.AnalysisResult{Needed: needed, Current: current, Risk: riskFor(needed)}, nil

	default:
		return registry.AnalysisResult{}, fmt.Errorf("%w: script.action %q", operation.ErrInvalidAction, op.Action)
	}
}
