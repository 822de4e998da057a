package registry

import (
	"context"
	"testing"

	"github.com/kb-labs/setup-engine/operation"
)

func TestRegisterAndLookup(t *testing.T) {
	reg := New()

	if _, ok := reg.Lookup(operation.KindCode); ok {
		t.Fatal("expected no handlers registered for code kind initially")
	}

	called := false
	reg.Register(operation.KindCode, Handlers{
		Execute: func(ctx context.Context, op operation.Operation, meta operation.Metadata, ws string) (ExecuteResult, error) {
			called = true
			return ExecuteResult{Applied: true}, nil
		},
	})

	handlers, ok := reg.Lookup(operation.KindCode)
	if !ok {
		t.Fatal("expected handlers to be registered")
	}
	if handlers.Execute == nil {
		t.Fatal("expected Execute handler")
	}
	if _, err := handlers.Execute(context.Background(), operation.CodeOp{}, operation.Metadata{}, "/tmp"); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !called {
		t.Error("expected Execute handler to be invoked")
	}
}

func TestRegisterOverwrites(t *testing.T) {
	reg := New()
	reg.Register(operation.KindFile, Handlers{Analyze: func(ctx context.Context, op operation.Operation, meta operation.Metadata, ws string) (AnalysisResult, error) {
		return AnalysisResult{Needed: true, Risk: RiskHigh}, nil
	}})
	reg.Register(operation.KindFile, Handlers{Analyze: func(ctx context.Context, op operation.Operation, meta operation.Metadata, ws string) (AnalysisResult, error) {
		return AnalysisResult{Needed: false, Risk: RiskLow}, nil
	}})

	handlers, _ := reg.Lookup(operation.KindFile)
	result, err := handlers.Analyze(context.Background(), operation.FileOp{}, operation.Metadata{}, "/tmp")
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if result.Needed || result.Risk != RiskLow {
		t.Errorf("result = %+v, want the second registration's result (Needed=false, Risk=low)", result)
	}
}
