package operation

import (
	"encoding/base64"
	"fmt"
	"regexp"
)

var templateVarPattern = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.-]+)\s*\}\}`)

// ResolveContent computes the bytes a file operation should write, trying
// each source in order: inline Content, then the
// AnnotationRawContentBase64 annotation, then Template. It returns
// ErrMissingContent if none are present — callers should have already
// rejected that case via Validate, but ResolveContent re-checks so it's
// safe to call directly.
func (f FileOp) ResolveContent(meta Metadata) ([]byte, error) {
	if f.Content != nil {
		return decodeContent(*f.Content, f.EncodingOrDefault())
	}
	if raw, ok := meta.Annotations[AnnotationRawContentBase64]; ok {
		decoded, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return nil, fmt.Errorf("operation: decoding %s annotation: %w", AnnotationRawContentBase64, err)
		}
		return decoded, nil
	}
	if f.Template != nil {
		return []byte(renderTemplate(f.Template.Source, f.Template.Variables)), nil
	}
	return nil, fmt.Errorf("%w: file %s has no content, template, or annotation", ErrMissingContent, f.Path)
}

func decodeContent(content, encoding string) ([]byte, error) {
	switch encoding {
	case "", "utf-8", "utf8":
		return []byte(content), nil
	case "base64":
		decoded, err := base64.StdEncoding.DecodeString(content)
		if err != nil {
			return nil, fmt.Errorf("operation: decoding base64 content: %w", err)
		}
		return decoded, nil
	default:
		return nil, fmt.Errorf("operation: unsupported encoding %q", encoding)
	}
}

// renderTemplate substitutes {{ key }} placeholders in source with the
// matching entry from variables, leaving unmatched placeholders intact.
func renderTemplate(source string, variables map[string]string) string {
	return templateVarPattern.ReplaceAllStringFunc(source, func(match string) string {
		key := templateVarPattern.FindStringSubmatch(match)[1]
		if v, ok := variables[key]; ok {
			return v
		}
		return match
	})
}
