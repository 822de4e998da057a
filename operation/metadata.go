package operation

import "encoding/json"

// AnnotationRawContentBase64 is the annotation key the executor checks when
// resolving a file operation's content and no inline Content is set: its
// value is treated as base64-encoded bytes, and takes precedence over a
// Template.
const AnnotationRawContentBase64 = "rawContentBase64"

// Metadata carries the engine-facing bookkeeping for an operation that isn't
// part of the operation's own data: identity, ordering, and hints.
type Metadata struct {
	// ID uniquely identifies the operation within a plan; Dependencies refer
	// to other operations by this field.
	ID          string `json:"id"`
	Description string `json:"description,omitempty"`
	// Idempotent declares that re-running this operation against its own
	// output is a no-op. The analyzer does not infer this — it is a
	// caller-declared hint; the planner's risk rollup does not read it.
	Idempotent bool `json:"idempotent,omitempty"`
	// Reversible declares that the executor can restore the prior state on
	// rollback. File and config operations are reversible by construction
	// (backup-and-restore); callers mark code operations accordingly.
	Reversible   bool              `json:"reversible,omitempty"`
	Dependencies []string          `json:"dependencies,omitempty"`
	Tags         []string          `json:"tags,omitempty"`
	Annotations  map[string]string `json:"annotations,omitempty"`
}

// WithMetadata pairs an Operation with its Metadata — the unit the analyzer,
// planner, and journal all operate on.
type WithMetadata struct {
	Operation Operation `json:"operation"`
	Metadata  Metadata  `json:"metadata"`
}

// UnmarshalJSON decodes a {"operation": {...}, "metadata": {...}} envelope,
// dispatching the "operation" object's "kind" field to the right concrete
// type via Decode.
func (w *WithMetadata) UnmarshalJSON(data []byte) error {
	var envelope struct {
		Operation json.RawMessage `json:"operation"`
		Metadata  Metadata        `json:"metadata"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return err
	}
	op, err := Decode(envelope.Operation)
	if err != nil {
		return err
	}
	w.Operation = op
	w.Metadata = envelope.Metadata
	return nil
}
