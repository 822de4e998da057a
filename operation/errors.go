package operation

import (
	"errors"
	"fmt"
)

// Sentinel errors every stage of the pipeline wraps with operation context
// via Error. Callers match against these with errors.Is.
var (
	ErrPathEscape      = errors.New("operation: path escapes workspace")
	ErrUnsupportedKind = errors.New("operation: unsupported kind")
	ErrMissingContent  = errors.New("operation: missing content")
	ErrInvalidJSON     = errors.New("operation: invalid JSON document")
	ErrScriptConflict  = errors.New("operation: script entry conflict")
	ErrInvalidAction   = errors.New("operation: invalid action for kind")
	ErrMissingField    = errors.New("operation: missing required field")
)

// Error wraps a sentinel (or any) error with the operation metadata that
// produced it, so callers can report which operation failed without
// threading an ID through every return path.
type Error struct {
	Op  Metadata
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("operation %s: %v", e.Op.ID, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Wrap builds an *Error attaching op's metadata to err. It returns nil if
// err is nil.
func Wrap(op Metadata, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Err: err}
}

// Validate checks an operation's own fields for internal consistency —
// required fields present, action values drawn from the right enum for the
// operation's kind — against the metadata annotations it will be executed
// with, since a file operation may source its content from the
// AnnotationRawContentBase64 annotation instead of an inline Content or
// Template field. It does not touch the filesystem: path-escape checks
// happen at resolution time via fsutil.ResolveWorkspacePath, since they
// require a workspace root this package doesn't have.
func Validate(op Operation, meta Metadata) error {
	switch v := op.(type) {
	case FileOp:
		if v.Path == "" {
			return fmt.Errorf("%w: file.path", ErrMissingField)
		}
		switch v.Action {
		case FileEnsure, FileUpdate, FileDelete:
		default:
			return fmt.Errorf("%w: file.action %q", ErrInvalidAction, v.Action)
		}
		if v.Action != FileDelete && v.Content == nil && v.Template == nil {
			if _, ok := meta.Annotations[AnnotationRawContentBase64]; !ok {
				return fmt.Errorf("%w: file %s has no content, template, or %s annotation", ErrMissingContent, v.Path, AnnotationRawContentBase64)
			}
		}
		return nil
	case ConfigOp:
		if v.Path == "" {
			return fmt.Errorf("%w: config.path", ErrMissingField)
		}
		if v.Pointer == "" {
			return fmt.Errorf("%w: config.pointer", ErrMissingField)
		}
		switch v.Action {
		case ConfigMerge, ConfigSet, ConfigUnset:
		default:
			return fmt.Errorf("%w: config.action %q", ErrInvalidAction, v.Action)
		}
		if v.Action != ConfigUnset && v.Value == nil {
			return fmt.Errorf("%w: config %s#%s has no value", ErrMissingContent, v.Path, v.Pointer)
		}
		switch v.ConflictResolution {
		case "", ResolutionOurs, ResolutionTheirs, ResolutionPrompt, ResolutionFail:
		default:
			return fmt.Errorf("%w: config.conflictResolution %q", ErrInvalidAction, v.ConflictResolution)
		}
		return nil
	case ScriptOp:
		if v.File == "" {
			return fmt.Errorf("%w: script.file", ErrMissingField)
		}
		if v.Name == "" {
			return fmt.Errorf("%w: script.name", ErrMissingField)
		}
		switch v.Action {
		case ScriptEnsure, ScriptUpdate, ScriptDelete:
		default:
			return fmt.Errorf("%w: script.action %q", ErrInvalidAction, v.Action)
		}
		if v.Action != ScriptDelete && v.Command == nil {
			return fmt.Errorf("%w: script %s has no command", ErrMissingContent, v.Name)
		}
		return nil
	case CodeOp:
		// CodeOp has no fields of its own to check. Whether a kind is
		// actually supported is a registry question, decided at analysis
		// and execution time — not here, so a caller that has registered a
		// handler for it is never blocked by validation.
		return nil
	default:
		return fmt.Errorf("%w: %T", ErrUnsupportedKind, op)
	}
}
