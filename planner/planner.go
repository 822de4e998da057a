// Package planner turns a set of analyzed operations into a staged
// execution plan: operations are grouped into stages by Kahn's algorithm
// over their declared dependencies, so that every operation in a stage can
// run only after every operation in every earlier stage has completed. It
// also synthesizes a human-readable diff of everything the plan would
// change and rolls every operation's risk up into one assessment.
package planner

import (
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/kb-labs/setup-engine/internal/jsonptr"
	"github.com/kb-labs/setup-engine/operation"
	"github.com/kb-labs/setup-engine/registry"
)

// Stage is a set of operation IDs that can run only once every prior
// stage's operations have completed. Operations within a stage carry no
// ordering guarantee relative to each other — the executor runs them
// sequentially in the order they were declared, not concurrently, per the
// engine's stage-parallelism-is-never-implicit rule.
type Stage struct {
	Index        int
	OperationIDs []string
	// Parallel is advisory only: true when the stage has two or more
	// operations, which could safely run concurrently since everything in
	// a stage is mutually independent by construction. The executor always
	// runs a stage's operations sequentially regardless of this flag — see
	// the engine's design notes on why honouring it is left unimplemented.
	Parallel bool
}

// ExecutionPlan is the staged, diffed, risk-assessed result of planning a
// set of operations. The executor consumes it stage by stage.
type ExecutionPlan struct {
	CorrelationID string
	Stages        []Stage
	Operations    map[string]operation.WithMetadata
	Analysis      map[string]registry.AnalysisResult
	Diff          registry.PlanDiff
	Risk          registry.RiskAssessment
	// Warnings collects non-fatal problems found while staging: a
	// dependency referencing an id absent from the input, or a dependency
	// cycle. Neither aborts planning — the affected operations still run,
	// per the engine's "warn, don't refuse" staging policy.
	Warnings []string
}

// Plan stages ops via Kahn's algorithm over the dependency graph declared
// across their metadata, synthesizes a diff of everything the plan would
// change, and rolls the risk already computed by analysis up into one
// assessment. ops and analysis must correspond by Metadata.ID. A dependency
// on an id not present in ops is dropped from the graph and recorded as a
// warning rather than rejected; the dependent operation still runs, just
// without the ordering guarantee. Plan only returns an error for duplicate
// operation ids, which makes the input ambiguous to stage at all.
func Plan(ops []operation.WithMetadata, analysis map[string]registry.AnalysisResult, reg *registry.Registry, workspace string) (*ExecutionPlan, error) {
	operations := make(map[string]operation.WithMetadata, len(ops))
	indegree := make(map[string]int, len(ops))
	dependents := make(map[string][]string, len(ops))

	for _, wm := range ops {
		if _, dup := operations[wm.Metadata.ID]; dup {
			return nil, fmt.Errorf("planner: duplicate operation id %q", wm.Metadata.ID)
		}
		operations[wm.Metadata.ID] = wm
		indegree[wm.Metadata.ID] = 0
	}

	var warnings []string
	for _, wm := range ops {
		for _, dep := range wm.Metadata.Dependencies {
			if _, ok := operations[dep]; !ok {
				warnings = append(warnings, fmt.Sprintf("Operation %s depends on missing operation %s. It will run anyway.", wm.Metadata.ID, dep))
				continue
			}
			dependents[dep] = append(dependents[dep], wm.Metadata.ID)
			indegree[wm.Metadata.ID]++
		}
	}

	stages, cycleWarning := kahnStage(ops, indegree, dependents)
	if cycleWarning != "" {
		warnings = append(warnings, cycleWarning)
	}

	return &ExecutionPlan{
		CorrelationID: uuid.New().String()[:8],
		Stages:        stages,
		Operations:    operations,
		Analysis:      analysis,
		Diff:          buildDiff(ops, analysis, reg, workspace),
		Risk:          riskAssessment(ops, analysis),
		Warnings:      warnings,
	}, nil
}

// buildDiff synthesizes a PlanDiff for every operation analysis reports as
// needed: the registry's diff builder is consulted first, and a FileDiff or
// ConfigDiff it returns is used as is (a value of any other type is dropped
// and the operation gets no diff entry); operations with no registered
// builder, or whose builder returns nil or an error, fall back to the
// built-in file/config rendering. Script and code
// operations have no diff representation in either path.
func buildDiff(ops []operation.WithMetadata, analysis map[string]registry.AnalysisResult, reg *registry.Registry, workspace string) registry.PlanDiff {
	diff := registry.PlanDiff{}
	for _, wm := range ops {
		result, ok := analysis[wm.Metadata.ID]
		if !ok || !result.Needed {
			continue
		}

		if built := registryDiff(wm, result, reg, workspace); built != nil {
			switch v := built.(type) {
			case registry.FileDiff:
				diff.Files = append(diff.Files, v)
				tallyFile(&diff.Summary, v.Status)
			case registry.ConfigDiff:
				diff.Configs = append(diff.Configs, v)
				tallyConfig(&diff.Summary, v)
			}
			continue
		}

		switch op := wm.Operation.(type) {
		case operation.FileOp:
			fd := fileDiff(op, wm.Metadata, result)
			diff.Files = append(diff.Files, fd)
			tallyFile(&diff.Summary, fd.Status)
		case operation.ConfigOp:
			cd := configDiff(op, result)
			diff.Configs = append(diff.Configs, cd)
			tallyConfig(&diff.Summary, cd)
		}
	}
	return diff
}

func registryDiff(wm operation.WithMetadata, result registry.AnalysisResult, reg *registry.Registry, workspace string) any {
	if reg == nil {
		return nil
	}
	handlers, ok := reg.Lookup(wm.Operation.Kind())
	if !ok || handlers.BuildDiff == nil {
		return nil
	}
	built, err := handlers.BuildDiff(wm.Operation, wm.Metadata, result, workspace)
	if err != nil {
		return nil
	}
	return built
}

func fileDiff(op operation.FileOp, meta operation.Metadata, analysis registry.AnalysisResult) registry.FileDiff {
	status := registry.DiffModified
	if op.Action == operation.FileDelete {
		status = registry.DiffDeleted
	} else if state, ok := analysis.Current.(registry.FileState); ok && !state.Exists {
		status = registry.DiffCreated
	}

	var before, after *string
	if state, ok := analysis.Current.(registry.FileState); ok && state.Exists {
		b := state.Content
		before = &b
	}
	if op.Action != operation.FileDelete {
		switch {
		case op.Content != nil:
			a := *op.Content
			after = &a
		case op.Template != nil:
			a := fmt.Sprintf("{{template:%s}}", op.Template.Source)
			after = &a
		default:
			if resolved, err := op.ResolveContent(meta); err == nil {
				a := string(resolved)
				after = &a
			}
		}
	}
	return registry.FileDiff{Path: op.Path, Status: status, Preview: registry.FilePreview{Before: before, After: after}}
}

func configDiff(op operation.ConfigOp, analysis registry.AnalysisResult) registry.ConfigDiff {
	var after any
	switch op.Action {
	case operation.ConfigSet:
		after = op.Value
	case operation.ConfigMerge:
		after = jsonptr.Merge(analysis.Current, op.Value, string(op.StrategyOrDefault()))
	case operation.ConfigUnset:
		after = nil
	}
	return registry.ConfigDiff{Path: op.Path, Pointer: op.Pointer, Before: analysis.Current, After: after}
}

func tallyFile(summary *registry.DiffSummary, status registry.DiffStatus) {
	switch status {
	case registry.DiffCreated:
		summary.Created++
	case registry.DiffModified:
		summary.Modified++
	case registry.DiffDeleted:
		summary.Deleted++
	}
}

func tallyConfig(summary *registry.DiffSummary, cd registry.ConfigDiff) {
	switch {
	case cd.Before == nil && cd.After != nil:
		summary.Created++
	case cd.After == nil:
		summary.Deleted++
	default:
		summary.Modified++
	}
}

// riskAssessment rolls every operation's risk up into one overall value
// using the safe < moderate < high ordering; an operation with no analysis
// result defaults to moderate, the same default the analyzer itself uses
// for a kind it can't inspect.
func riskAssessment(ops []operation.WithMetadata, analysis map[string]registry.AnalysisResult) registry.RiskAssessment {
	byOp := make(map[string]registry.Risk, len(ops))
	overall := registry.RiskLow
	for _, wm := range ops {
		risk := registry.RiskMedium
		if result, ok := analysis[wm.Metadata.ID]; ok {
			risk = result.Risk
		}
		byOp[wm.Metadata.ID] = risk
		overall = registry.MaxRisk(overall, risk)
	}
	return registry.RiskAssessment{Overall: overall, ByOperation: byOp}
}

// kahnStage runs Kahn's algorithm, but groups each round's entire ready set
// into one stage rather than peeling off one node at a time — operations
// with no dependency relationship to each other land in the same stage.
// Within a stage, ready IDs are ordered by their position in ops so plans
// are reproducible across runs for the same input. If a cycle leaves nodes
// unprocessed, each remaining operation becomes its own single-op stage in
// original declaration order, and a warning is returned rather than an
// error — a cyclic dependency is still staged, just without the ordering
// guarantee among the cyclic set. A non-empty input that produces no stages
// at all (degenerate graph state) falls back to one stage holding every
// operation in declared order.
func kahnStage(ops []operation.WithMetadata, indegree map[string]int, dependents map[string][]string) ([]Stage, string) {
	order := make(map[string]int, len(ops))
	for i, wm := range ops {
		order[wm.Metadata.ID] = i
	}

	remaining := make(map[string]int, len(indegree))
	for id, d := range indegree {
		remaining[id] = d
	}

	var stages []Stage
	for len(remaining) > 0 {
		var ready []string
		for id, d := range remaining {
			if d == 0 {
				ready = append(ready, id)
			}
		}
		if len(ready) == 0 {
			break
		}
		sort.Slice(ready, func(i, j int) bool { return order[ready[i]] < order[ready[j]] })

		for _, id := range ready {
			delete(remaining, id)
			for _, dependent := range dependents[id] {
				remaining[dependent]--
			}
		}
		stages = append(stages, Stage{Index: len(stages), OperationIDs: ready, Parallel: len(ready) >= 2})
	}

	var warning string
	if len(remaining) > 0 {
		warning = fmt.Sprintf("dependency cycle detected among %d operation(s); running each in its own stage", len(remaining))
		var cyclic []string
		for id := range remaining {
			cyclic = append(cyclic, id)
		}
		sort.Slice(cyclic, func(i, j int) bool { return order[cyclic[i]] < order[cyclic[j]] })
		for _, id := range cyclic {
			stages = append(stages, Stage{Index: len(stages), OperationIDs: []string{id}, Parallel: false})
		}
	}

	if len(ops) > 0 && len(stages) == 0 {
		all := make([]string, len(ops))
		for i, wm := range ops {
			all[i] = wm.Metadata.ID
		}
		stages = append(stages, Stage{Index: 0, OperationIDs: all, Parallel: len(all) >= 2})
	}

	return stages, warning
}
