package planner

import (
	"strings"
	"testing"

	"github.com/kb-labs/setup-engine/operation"
	"github.com/kb-labs/setup-engine/registry"
)

func wm(id string, deps ...string) operation.WithMetadata {
	return operation.WithMetadata{
		Operation: operation.FileOp{Action: operation.FileEnsure, Path: id + ".txt"},
		Metadata:  operation.Metadata{ID: id, Dependencies: deps},
	}
}

func TestPlanEmptyInput(t *testing.T) {
	plan, err := Plan(nil, nil, nil, "")
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(plan.Stages) != 0 {
		t.Errorf("Stages = %v, want empty", plan.Stages)
	}
}

func TestPlanIndependentOpsShareOneStage(t *testing.T) {
	ops := []operation.WithMetadata{wm("a"), wm("b"), wm("c")}
	plan, err := Plan(ops, nil, nil, "")
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(plan.Stages) != 1 {
		t.Fatalf("Stages = %d, want 1", len(plan.Stages))
	}
	if len(plan.Stages[0].OperationIDs) != 3 {
		t.Errorf("stage 0 ids = %v, want 3 entries", plan.Stages[0].OperationIDs)
	}
}

func TestPlanOrdersByDependency(t *testing.T) {
	ops := []operation.WithMetadata{
		wm("a"),
		wm("b", "a"),
		wm("c", "b"),
	}
	plan, err := Plan(ops, nil, nil, "")
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(plan.Stages) != 3 {
		t.Fatalf("Stages = %d, want 3", len(plan.Stages))
	}
	for i, want := range []string{"a", "b", "c"} {
		if got := plan.Stages[i].OperationIDs; len(got) != 1 || got[0] != want {
			t.Errorf("stage %d = %v, want [%s]", i, got, want)
		}
	}
}

func TestPlanHandlesCycleWithWarningInsteadOfError(t *testing.T) {
	ops := []operation.WithMetadata{
		wm("a", "b"),
		wm("b", "a"),
	}
	plan, err := Plan(ops, nil, nil, "")
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(plan.Warnings) != 1 || !strings.Contains(plan.Warnings[0], "cycle") {
		t.Fatalf("Warnings = %v, want one mentioning a cycle", plan.Warnings)
	}
	if len(plan.Stages) != 2 {
		t.Fatalf("Stages = %d, want one stage per cyclic operation", len(plan.Stages))
	}
}

func TestPlanMissingDependencyEmitsWarningAndRunsAnyway(t *testing.T) {
	ops := []operation.WithMetadata{wm("a", "missing-op")}
	plan, err := Plan(ops, nil, nil, "")
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(plan.Warnings) != 1 || !strings.Contains(plan.Warnings[0], "missing-op") {
		t.Fatalf("Warnings = %v, want one mentioning missing-op", plan.Warnings)
	}
	if len(plan.Stages) != 1 || len(plan.Stages[0].OperationIDs) != 1 || plan.Stages[0].OperationIDs[0] != "a" {
		t.Errorf("Stages = %v, want a alone in stage 0", plan.Stages)
	}
}

func TestPlanRejectsDuplicateIDs(t *testing.T) {
	ops := []operation.WithMetadata{wm("a"), wm("a")}
	if _, err := Plan(ops, nil, nil, ""); err == nil {
		t.Fatal("expected error for duplicate operation id")
	}
}

func TestPlanRollsUpRisk(t *testing.T) {
	ops := []operation.WithMetadata{wm("a"), wm("b"), wm("c")}
	analysis := map[string]registry.AnalysisResult{
		"a": {Risk: registry.RiskHigh},
		"b": {Risk: registry.RiskLow},
		// c has no analysis entry at all; it should default to moderate.
	}
	plan, err := Plan(ops, analysis, nil, "")
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if plan.Risk.Overall != registry.RiskHigh {
		t.Errorf("Overall = %v, want high", plan.Risk.Overall)
	}
	if plan.Risk.ByOperation["a"] != registry.RiskHigh {
		t.Errorf("ByOperation[a] = %v, want high", plan.Risk.ByOperation["a"])
	}
	if plan.Risk.ByOperation["b"] != registry.RiskLow {
		t.Errorf("ByOperation[b] = %v, want low", plan.Risk.ByOperation["b"])
	}
	if plan.Risk.ByOperation["c"] != registry.RiskMedium {
		t.Errorf("ByOperation[c] = %v, want moderate (missing analysis defaults to moderate)", plan.Risk.ByOperation["c"])
	}
}

func TestPlanDiamondDependency(t *testing.T) {
	ops := []operation.WithMetadata{
		wm("a"),
		wm("b", "a"),
		wm("c", "a"),
		wm("d", "b", "c"),
	}
	plan, err := Plan(ops, nil, nil, "")
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(plan.Stages) != 3 {
		t.Fatalf("Stages = %d, want 3", len(plan.Stages))
	}
	if len(plan.Stages[1].OperationIDs) != 2 {
		t.Errorf("stage 1 = %v, want b and c together", plan.Stages[1].OperationIDs)
	}
}

func TestPlanDiffBuiltInFileCreate(t *testing.T) {
	ops := []operation.WithMetadata{wm("a")}
	analysis := map[string]registry.AnalysisResult{
		"a": {Needed: true, Current: registry.FileState{Exists: false}, Risk: registry.RiskLow},
	}
	plan, err := Plan(ops, analysis, nil, "")
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(plan.Diff.Files) != 1 {
		t.Fatalf("Files = %v, want 1 entry", plan.Diff.Files)
	}
	if plan.Diff.Files[0].Status != registry.DiffCreated {
		t.Errorf("Status = %v, want created", plan.Diff.Files[0].Status)
	}
	if plan.Diff.Summary.Created != 1 {
		t.Errorf("Summary = %+v, want Created=1", plan.Diff.Summary)
	}
}

func TestPlanDiffSkipsOperationsNotNeeded(t *testing.T) {
	ops := []operation.WithMetadata{wm("a")}
	analysis := map[string]registry.AnalysisResult{
		"a": {Needed: false, Risk: registry.RiskLow},
	}
	plan, err := Plan(ops, analysis, nil, "")
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(plan.Diff.Files) != 0 {
		t.Errorf("Files = %v, want none for a no-op analysis", plan.Diff.Files)
	}
}

func TestPlanDiffConsultsRegistryBuildDiffFirst(t *testing.T) {
	ops := []operation.WithMetadata{wm("a")}
	analysis := map[string]registry.AnalysisResult{
		"a": {Needed: true, Risk: registry.RiskLow},
	}
	reg := registry.New()
	reg.Register(operation.KindFile, registry.Handlers{
		BuildDiff: func(op operation.Operation, meta operation.Metadata, result registry.AnalysisResult, ws string) (any, error) {
			return registry.FileDiff{Path: "custom.txt", Status: registry.DiffModified}, nil
		},
	})
	plan, err := Plan(ops, analysis, reg, "")
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(plan.Diff.Files) != 1 || plan.Diff.Files[0].Path != "custom.txt" {
		t.Fatalf("Files = %v, want registry-supplied diff", plan.Diff.Files)
	}
	if plan.Diff.Summary.Modified != 1 {
		t.Errorf("Summary = %+v, want Modified=1", plan.Diff.Summary)
	}
}
