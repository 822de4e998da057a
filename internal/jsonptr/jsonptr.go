// Package jsonptr implements RFC 6901 JSON Pointer resolution over decoded
// JSON documents (map[string]any / []any trees), with the create-missing-
// parents and delete-key semantics the config operation needs. The pack's
// only pointer library (go-openapi/jsonpointer) reaches the workspace only
// as a transitive Kubernetes-client dependency, is never imported directly
// by anything in the corpus, and its Get/Set API has no notion of deleting
// a key or refusing to create one — so this is hand-rolled against the
// standard library, documented as a deliberate exception.
package jsonptr

import (
	"fmt"
	"strconv"
	"strings"
)

// Tokens splits a JSON Pointer into its unescaped reference tokens. The
// empty pointer "" refers to the whole document and yields no tokens.
func Tokens(pointer string) ([]string, error) {
	if pointer == "" {
		return nil, nil
	}
	if !strings.HasPrefix(pointer, "/") {
		return nil, fmt.Errorf("jsonptr: pointer %q must start with '/'", pointer)
	}
	raw := strings.Split(pointer[1:], "/")
	tokens := make([]string, len(raw))
	for i, t := range raw {
		tokens[i] = unescape(t)
	}
	return tokens, nil
}

func unescape(tok string) string {
	tok = strings.ReplaceAll(tok, "~1", "/")
	tok = strings.ReplaceAll(tok, "~0", "~")
	return tok
}

// Get resolves pointer against doc and returns the value found there. It
// returns ok=false if any segment of the path does not exist.
func Get(doc any, pointer string) (value any, ok bool, err error) {
	tokens, err := Tokens(pointer)
	if err != nil {
		return nil, false, err
	}
	cur := doc
	for _, tok := range tokens {
		switch node := cur.(type) {
		case map[string]any:
			v, exists := node[tok]
			if !exists {
				return nil, false, nil
			}
			cur = v
		case []any:
			idx, err := arrayIndex(tok, len(node))
			if err != nil {
				return nil, false, nil
			}
			cur = node[idx]
		default:
			return nil, false, nil
		}
	}
	return cur, true, nil
}

// Set writes value at pointer inside doc, creating intermediate objects for
// any missing map segment. doc must be a map[string]any (the pointer
// semantics this engine needs never set the document root itself, nor
// create array elements). Returns an error if an intermediate segment
// exists but is not a map, or if the pointer indexes into an array.
func Set(doc map[string]any, pointer string, value any) error {
	tokens, err := Tokens(pointer)
	if err != nil {
		return err
	}
	if len(tokens) == 0 {
		return fmt.Errorf("jsonptr: cannot set the document root")
	}

	node := doc
	for _, tok := range tokens[:len(tokens)-1] {
		next, exists := node[tok]
		if !exists {
			created := map[string]any{}
			node[tok] = created
			node = created
			continue
		}
		m, ok := next.(map[string]any)
		if !ok {
			return fmt.Errorf("jsonptr: segment %q is not an object", tok)
		}
		node = m
	}
	node[tokens[len(tokens)-1]] = value
	return nil
}

// Unset removes the key pointer refers to. Unlike Set, it never creates
// missing parents — a pointer into a path that doesn't exist is a no-op,
// matching the config operation's "unset is idempotent" requirement.
func Unset(doc map[string]any, pointer string) error {
	tokens, err := Tokens(pointer)
	if err != nil {
		return err
	}
	if len(tokens) == 0 {
		return fmt.Errorf("jsonptr: cannot unset the document root")
	}

	node := doc
	for _, tok := range tokens[:len(tokens)-1] {
		next, exists := node[tok]
		if !exists {
			return nil
		}
		m, ok := next.(map[string]any)
		if !ok {
			return nil
		}
		node = m
	}
	delete(node, tokens[len(tokens)-1])
	return nil
}

func arrayIndex(tok string, length int) (int, error) {
	if tok == "-" {
		return 0, fmt.Errorf("jsonptr: '-' array index not supported")
	}
	idx, err := strconv.Atoi(tok)
	if err != nil || idx < 0 || idx >= length {
		return 0, fmt.Errorf("jsonptr: array index %q out of range", tok)
	}
	return idx, nil
}
