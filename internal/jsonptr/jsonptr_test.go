package jsonptr

import (
	"reflect"
	"testing"
)

func TestTokens(t *testing.T) {
	cases := []struct {
		pointer string
		want    []string
	}{
		{"", nil},
		{"/a/b", []string{"a", "b"}},
		{"/a~1b", []string{"a/b"}},
		{"/a~0b", []string{"a~b"}},
		{"/foo/0", []string{"foo", "0"}},
	}
	for _, tc := range cases {
		got, err := Tokens(tc.pointer)
		if err != nil {
			t.Fatalf("Tokens(%q): %v", tc.pointer, err)
		}
		if !reflect.DeepEqual(got, tc.want) {
			t.Errorf("Tokens(%q) = %v, want %v", tc.pointer, got, tc.want)
		}
	}
}

func TestTokensRejectsMissingSlash(t *testing.T) {
	if _, err := Tokens("a/b"); err == nil {
		t.Fatal("expected error for pointer missing leading slash")
	}
}

func TestGet(t *testing.T) {
	doc := map[string]any{
		"tools": map[string]any{
			"build": []any{"go", "test"},
		},
	}

	v, ok, err := Get(doc, "/tools/build/1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok || v != "test" {
		t.Fatalf("Get = %v, %v, want test, true", v, ok)
	}

	_, ok, err = Get(doc, "/tools/missing")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Fatal("expected ok=false for missing key")
	}
}

func TestSetCreatesMissingParents(t *testing.T) {
	doc := map[string]any{}
	if err := Set(doc, "/a/b/c", 42.0); err != nil {
		t.Fatalf("Set: %v", err)
	}

	v, ok, err := Get(doc, "/a/b/c")
	if err != nil || !ok {
		t.Fatalf("Get after Set: %v, ok=%v, err=%v", v, ok, err)
	}
	if v != 42.0 {
		t.Errorf("value = %v, want 42.0", v)
	}
}

func TestSetRejectsRoot(t *testing.T) {
	if err := Set(map[string]any{}, "", "x"); err == nil {
		t.Fatal("expected error setting document root")
	}
}

func TestUnsetIsNoOpWhenMissing(t *testing.T) {
	doc := map[string]any{"a": map[string]any{}}
	if err := Unset(doc, "/a/b/c"); err != nil {
		t.Fatalf("Unset: %v", err)
	}
}

func TestUnsetRemovesKey(t *testing.T) {
	doc := map[string]any{"a": map[string]any{"b": "x"}}
	if err := Unset(doc, "/a/b"); err != nil {
		t.Fatalf("Unset: %v", err)
	}
	if _, ok := doc["a"].(map[string]any)["b"]; ok {
		t.Error("expected key b to be removed")
	}
}

func TestMergeStrategies(t *testing.T) {
	existing := map[string]any{
		"a": map[string]any{"x": 1.0, "y": 2.0},
		"b": "keep",
	}
	incoming := map[string]any{
		"a": map[string]any{"y": 3.0, "z": 4.0},
	}

	deep := Merge(existing, incoming, "deep").(map[string]any)
	deepA := deep["a"].(map[string]any)
	if deepA["x"] != 1.0 || deepA["y"] != 3.0 || deepA["z"] != 4.0 {
		t.Errorf("deep merge result = %v", deepA)
	}
	if deep["b"] != "keep" {
		t.Errorf("deep merge dropped sibling key: %v", deep)
	}

	shallow := Merge(existing, incoming, "shallow").(map[string]any)
	shallowA := shallow["a"].(map[string]any)
	if _, ok := shallowA["x"]; ok {
		t.Errorf("shallow merge should have replaced nested object wholesale, got %v", shallowA)
	}

	replaced := Merge(existing, incoming, "replace")
	if !reflect.DeepEqual(replaced, incoming) {
		t.Errorf("replace strategy = %v, want %v", replaced, incoming)
	}
}
