// Package operation defines the tagged operation variants the engine plans
// and executes: file, config, script, and code. Operations are immutable
// inputs — the analyzer, planner, and executor only ever read them.
package operation

import (
	"encoding/json"
	"fmt"
)

// Kind discriminates the operation variants.
type Kind string

const (
	KindFile   Kind = "file"
	KindConfig Kind = "config"
	KindScript Kind = "script"
	// KindCode is declared for completeness but never implemented by the
	// core executor — code operations always fail with ErrUnsupportedKind
	// unless a caller registers a custom executor for them.
	KindCode Kind = "code"
)

// Operation is the sum type over the four operation variants. Implementers
// are FileOp, ConfigOp, ScriptOp, and CodeOp.
type Operation interface {
	Kind() Kind
}

// Template describes a file's content as a render of a source document with
// simple {{ key }} substitution (spec scope — nothing more elaborate).
type Template struct {
	Source    string            `json:"source"`
	Variables map[string]string `json:"variables,omitempty"`
}

// FileAction is the action a file operation performs.
type FileAction string

const (
	FileEnsure FileAction = "ensure"
	FileUpdate FileAction = "update"
	FileDelete FileAction = "delete"
)

// FileOp creates, updates, or deletes a single workspace file.
type FileOp struct {
	Action FileAction `json:"action"`
	// Path is workspace-relative; it must resolve under the workspace root.
	Path string `json:"path"`
	// Content, if set, is the inline content using Encoding.
	Content *string `json:"content,omitempty"`
	// Template renders Source with {{ key }} substitution when neither Content
	// nor the AnnotationRawContentBase64 annotation is set.
	Template *Template `json:"template,omitempty"`
	// Encoding defaults to "utf-8"; "base64" is also accepted for Content.
	Encoding string `json:"encoding,omitempty"`
	// Mode holds the POSIX permission bits (e.g. 0644), applied after write.
	Mode *uint32 `json:"mode,omitempty"`
	// Checksum is the expected sha-256 hex digest of the target's final bytes.
	Checksum string `json:"checksum,omitempty"`
}

// Kind implements Operation.
func (FileOp) Kind() Kind { return KindFile }

func (f FileOp) MarshalJSON() ([]byte, error) {
	type alias FileOp
	return json.Marshal(struct {
		Kind Kind `json:"kind"`
		alias
	}{Kind: KindFile, alias: alias(f)})
}

// EncodingOrDefault returns the declared encoding, defaulting to "utf-8".
func (f FileOp) EncodingOrDefault() string {
	if f.Encoding == "" {
		return "utf-8"
	}
	return f.Encoding
}

// ConfigAction is the action a config operation performs on a JSON document.
type ConfigAction string

const (
	ConfigMerge ConfigAction = "merge"
	ConfigSet   ConfigAction = "set"
	ConfigUnset ConfigAction = "unset"
)

// MergeStrategy controls how ConfigMerge combines an object value with the
// current document. Only meaningful when Action is ConfigMerge.
type MergeStrategy string

const (
	StrategyShallow MergeStrategy = "shallow"
	StrategyDeep    MergeStrategy = "deep"
	StrategyReplace MergeStrategy = "replace"
)

// ConflictResolution names how a config operation should behave when the
// current value differs from what is declared. Validate checks the value,
// but the built-in config applier does not consult it: set, merge, and
// unset apply regardless.
type ConflictResolution string

const (
	ResolutionOurs   ConflictResolution = "ours"
	ResolutionTheirs ConflictResolution = "theirs"
	ResolutionPrompt ConflictResolution = "prompt"
	ResolutionFail   ConflictResolution = "fail"
)

// ConfigOp merges, sets, or unsets a value at a JSON-Pointer location inside
// a workspace-relative JSON file.
type ConfigOp struct {
	Action ConfigAction `json:"action"`
	// Path is the workspace-relative path to the JSON file.
	Path string `json:"path"`
	// Pointer is an RFC-6901 JSON Pointer into the document.
	Pointer string `json:"pointer"`
	// Value is the JSON value to merge or set; absent for Unset.
	Value any `json:"value,omitempty"`
	// Strategy defaults to StrategyDeep.
	Strategy MergeStrategy `json:"strategy,omitempty"`
	ConflictResolution ConflictResolution `json:"conflictResolution,omitempty"`
}

// Kind implements Operation.
func (ConfigOp) Kind() Kind { return KindConfig }

func (c ConfigOp) MarshalJSON() ([]byte, error) {
	type alias ConfigOp
	return json.Marshal(struct {
		Kind Kind `json:"kind"`
		alias
	}{Kind: KindConfig, alias: alias(c)})
}

// StrategyOrDefault returns the declared merge strategy, defaulting to deep.
func (c ConfigOp) StrategyOrDefault() MergeStrategy {
	if c.Strategy == "" {
		return StrategyDeep
	}
	return c.Strategy
}

// ScriptAction is the action a script operation performs on a manifest entry.
type ScriptAction string

const (
	ScriptEnsure ScriptAction = "ensure"
	ScriptUpdate ScriptAction = "update"
	ScriptDelete ScriptAction = "delete"
)

// ScriptConflictResolution controls how a script operation behaves when an
// existing manifest entry differs from the declared command.
type ScriptConflictResolution string

const (
	ScriptResolutionKeep    ScriptConflictResolution = "keep"
	ScriptResolutionReplace ScriptConflictResolution = "replace"
	ScriptResolutionPrompt  ScriptConflictResolution = "prompt"
)

// ScriptOp adds, updates, or removes a named entry in a JSON manifest's
// scripts table (typically package.json's "scripts"). It never executes
// anything — it edits a manifest.
type ScriptOp struct {
	Action ScriptAction `json:"action"`
	// File is the workspace-relative path to the JSON manifest.
	File string `json:"file"`
	Name string `json:"name"`
	// Command is the script body; absent for Delete.
	Command            *string                   `json:"command,omitempty"`
	ConflictResolution ScriptConflictResolution `json:"conflictResolution,omitempty"`
}

// Kind implements Operation.
func (ScriptOp) Kind() Kind { return KindScript }

func (s ScriptOp) MarshalJSON() ([]byte, error) {
	type alias ScriptOp
	return json.Marshal(struct {
		Kind Kind `json:"kind"`
		alias
	}{Kind: KindScript, alias: alias(s)})
}

// CodeOp is declared for type-system completeness. The core executor never
// implements it; it always fails with ErrUnsupportedKind unless a caller
// registers a custom handler via the registry.
type CodeOp struct{}

// Kind implements Operation.
func (CodeOp) Kind() Kind { return KindCode }

func (c CodeOp) MarshalJSON() ([]byte, error) {
	type alias CodeOp
	return json.Marshal(struct {
		Kind Kind `json:"kind"`
		alias
	}{Kind: KindCode, alias: alias(c)})
}

// Decode unmarshals a JSON object into the concrete Operation its "kind"
// field names. Used when replaying a persisted journal (see journal.Load).
func Decode(data []byte) (Operation, error) {
	var envelope struct {
		Kind Kind `json:"kind"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("operation: failed to decode envelope: %w", err)
	}

	switch envelope.Kind {
	case KindFile:
		var op FileOp
		if err := json.Unmarshal(data, &op); err != nil {
			return nil, fmt.Errorf("operation: failed to decode file op: %w", err)
		}
		return op, nil
	case KindConfig:
		var op ConfigOp
		if err := json.Unmarshal(data, &op); err != nil {
			return nil, fmt.Errorf("operation: failed to decode config op: %w", err)
		}
		return op, nil
	case KindScript:
		var op ScriptOp
		if err := json.Unmarshal(data, &op); err != nil {
			return nil, fmt.Errorf("operation: failed to decode script op: %w", err)
		}
		return op, nil
	case KindCode:
		return CodeOp{}, nil
	default:
		return nil, fmt.Errorf("operation: unknown kind %q", envelope.Kind)
	}
}
