package preview

import (
	"testing"

	"github.com/slateql/slate/graph"
	"github.com/slateql/slate/qerr"
	"github.com/slateql/slate/sqlgen"
)

// fpGraph builds a trades pipeline plus an unconnected quotes branch that
// must never influence the trades fingerprint.
func fpGraph() *graph.Graph {
	return &graph.Graph{
		Nodes: []graph.Node{
			{ID: "src", Type: graph.TypeDataSource, Config: graph.Config{"table": "trades"}},
			{ID: "flt", Type: graph.TypeFilter, Config: graph.Config{
				"conditions": []any{
					map[string]any{"column": "price", "operator": ">", "value": 5.0},
				},
			}},
			{ID: "out", Type: graph.TypeTableOutput},
			{ID: "spare", Type: graph.TypeDataSource, Config: graph.Config{"table": "quotes"}},
			{ID: "spare_out", Type: graph.TypeTableOutput},
		},
		Edges: []graph.Edge{
			{Source: "src", Target: "flt"},
			{Source: "flt", Target: "out"},
			{Source: "spare", Target: "spare_out"},
		},
	}
}

func fpInput(g *graph.Graph) FingerprintInput {
	return FingerprintInput{
		TenantID:     "acme",
		TargetNodeID: "out",
		Graph:        g,
		Offset:       0,
		Limit:        50,
		Generation:   1,
	}
}

func mustFingerprint(t *testing.T, in FingerprintInput) string {
	t.Helper()
	fp, err := Fingerprint(in)
	if err != nil {
		t.Fatalf("Fingerprint() failed: %v", err)
	}
	if len(fp) != 64 {
		t.Fatalf("fingerprint %q is not a sha256 hex digest", fp)
	}
	return fp
}

func TestFingerprintStable(t *testing.T) {
	base := mustFingerprint(t, fpInput(fpGraph()))
	if again := mustFingerprint(t, fpInput(fpGraph())); again != base {
		t.Errorf("same input hashed twice: %s vs %s", base, again)
	}

	// Node declaration order is presentation, not meaning.
	g := fpGraph()
	for i, j := 0, len(g.Nodes)-1; i < j; i, j = i+1, j-1 {
		g.Nodes[i], g.Nodes[j] = g.Nodes[j], g.Nodes[i]
	}
	if got := mustFingerprint(t, fpInput(g)); got != base {
		t.Errorf("node order changed the fingerprint: %s vs %s", got, base)
	}
}

func TestFingerprintTenantScoped(t *testing.T) {
	a := fpInput(fpGraph())
	b := fpInput(fpGraph())
	b.TenantID = "globex"
	if mustFingerprint(t, a) == mustFingerprint(t, b) {
		t.Error("different tenants share a fingerprint")
	}
}

func TestFingerprintIgnoresUnconnectedBranches(t *testing.T) {
	base := mustFingerprint(t, fpInput(fpGraph()))

	g := fpGraph()
	g.NodeByID("spare").Config["table"] = "orders"
	if got := mustFingerprint(t, fpInput(g)); got != base {
		t.Error("editing an unconnected branch changed the fingerprint")
	}

	g = fpGraph()
	g.NodeByID("src").Config["table"] = "orders"
	if got := mustFingerprint(t, fpInput(g)); got == base {
		t.Error("editing an upstream node did not change the fingerprint")
	}
}

func TestFingerprintCoversRequestShape(t *testing.T) {
	base := mustFingerprint(t, fpInput(fpGraph()))

	variants := map[string]func(*FingerprintInput){
		"offset":     func(in *FingerprintInput) { in.Offset = 10 },
		"limit":      func(in *FingerprintInput) { in.Limit = 51 },
		"generation": func(in *FingerprintInput) { in.Generation = 2 },
		"drills": func(in *FingerprintInput) {
			in.Drills = []sqlgen.Condition{{Column: "symbol", Operator: "=", Value: "AAPL"}}
		},
	}
	for name, mutate := range variants {
		t.Run(name, func(t *testing.T) {
			in := fpInput(fpGraph())
			mutate(&in)
			if mustFingerprint(t, in) == base {
				t.Errorf("%s change did not move the fingerprint", name)
			}
		})
	}
}

func TestFingerprintDrillCanonicalization(t *testing.T) {
	a := fpInput(fpGraph())
	a.Drills = []sqlgen.Condition{
		{Column: "symbol", Operator: "=", Value: "AAPL"},
		{Column: "price", Operator: ">", Value: 10.0},
	}
	b := fpInput(fpGraph())
	b.Drills = []sqlgen.Condition{
		{Column: "price", Operator: ">", Value: 10.0},
		{Column: "symbol", Operator: "=", Value: "AAPL"},
	}
	if mustFingerprint(t, a) != mustFingerprint(t, b) {
		t.Error("drill order changed the fingerprint")
	}

	c := fpInput(fpGraph())
	c.Drills = []sqlgen.Condition{{Column: "note", Operator: "contains", Value: "x"}}
	d := fpInput(fpGraph())
	d.Drills = []sqlgen.Condition{{Column: "note", Operator: "CONTAINS", Value: "x"}}
	if mustFingerprint(t, c) != mustFingerprint(t, d) {
		t.Error("operator spelling changed the fingerprint")
	}
}

func TestFingerprintBadInput(t *testing.T) {
	_, err := Fingerprint(FingerprintInput{TenantID: "acme", TargetNodeID: "out"})
	if !qerr.Is(err, qerr.KindInvalidGraph) {
		t.Errorf("nil graph: err = %v, want invalid_graph", err)
	}

	in := fpInput(fpGraph())
	in.TargetNodeID = "missing"
	_, err = Fingerprint(in)
	if !qerr.Is(err, qerr.KindNotFound) {
		t.Errorf("unknown target: err = %v, want not_found", err)
	}
}
