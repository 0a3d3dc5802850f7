package workflow

import (
	"context"
	"testing"

	"github.com/slateql/slate/graph"
	"github.com/slateql/slate/qerr"
)

func testGraph() *graph.Graph {
	return &graph.Graph{
		Nodes: []graph.Node{
			{ID: "src", Type: graph.TypeDataSource, Config: graph.Config{"table": "trades"}},
			{ID: "out", Type: graph.TypeTableOutput},
		},
		Edges: []graph.Edge{{Source: "src", Target: "out"}},
	}
}

func TestMemoryStoreTenantScoping(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.PutWorkflow(Workflow{ID: "wf1", TenantID: "acme", Graph: testGraph()}); err != nil {
		t.Fatal(err)
	}
	if err := s.PutWidget(Widget{
		ID: "w1", TenantID: "acme", WorkflowID: "wf1", TargetNodeID: "out",
	}); err != nil {
		t.Fatal(err)
	}

	wf, err := s.Workflow(ctx, "acme", "wf1")
	if err != nil {
		t.Fatalf("owner lookup: %v", err)
	}
	if wf.ID != "wf1" || len(wf.Graph.Nodes) != 2 {
		t.Fatalf("workflow = %+v", wf)
	}

	// The same IDs under another tenant resolve to not-found, never to a
	// permission error that would confirm their existence.
	if _, err := s.Workflow(ctx, "bolt", "wf1"); !qerr.Is(err, qerr.KindNotFound) {
		t.Fatalf("cross-tenant workflow lookup: %v, want not_found", err)
	}
	if _, err := s.Widget(ctx, "bolt", "w1"); !qerr.Is(err, qerr.KindNotFound) {
		t.Fatalf("cross-tenant widget lookup: %v, want not_found", err)
	}
}

func TestMemoryStoreValidation(t *testing.T) {
	s := NewMemoryStore()

	if err := s.PutWorkflow(Workflow{ID: "wf1", TenantID: "acme"}); !qerr.Is(err, qerr.KindInvalidGraph) {
		t.Fatalf("workflow without graph: %v", err)
	}
	if err := s.PutWorkflow(Workflow{TenantID: "acme", Graph: testGraph()}); !qerr.Is(err, qerr.KindInvalidIdentifier) {
		t.Fatalf("workflow without id: %v", err)
	}
	if err := s.PutWidget(Widget{ID: "w1", TenantID: "acme"}); !qerr.Is(err, qerr.KindInvalidIdentifier) {
		t.Fatalf("widget without workflow: %v", err)
	}
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	if err := s.PutWidget(Widget{
		ID: "w1", TenantID: "acme", WorkflowID: "wf1", TargetNodeID: "out",
		Tables: []string{"trades"},
	}); err != nil {
		t.Fatal(err)
	}

	first, err := s.Widget(ctx, "acme", "w1")
	if err != nil {
		t.Fatal(err)
	}
	first.TargetNodeID = "mutated"

	second, err := s.Widget(ctx, "acme", "w1")
	if err != nil {
		t.Fatal(err)
	}
	if second.TargetNodeID != "out" {
		t.Fatal("caller mutation leaked into the store")
	}
}
