// Package graph defines the transformation DAG model and the schema
// propagation engine that computes each node's output columns.
//
// Graphs arrive as flat node and edge lists keyed by ID, exactly as authored
// by the canvas; traversal uses indexed lookup, never threaded pointers. The
// node type set is closed: dispatch is a single switch, so the complete set
// of supported transforms is visible at compile time.
package graph

import (
	"github.com/slateql/slate/qerr"
)

// NodeType identifies a transformation. The set is closed.
type NodeType string

const (
	TypeDataSource  NodeType = "data_source"
	TypeFilter      NodeType = "filter"
	TypeSelect      NodeType = "select"
	TypeRename      NodeType = "rename"
	TypeJoin        NodeType = "join"
	TypeUnion       NodeType = "union"
	TypeGroupBy     NodeType = "group_by"
	TypePivot       NodeType = "pivot"
	TypeFormula     NodeType = "formula"
	TypeWindow      NodeType = "window"
	TypeSort        NodeType = "sort"
	TypeLimit       NodeType = "limit"
	TypeSample      NodeType = "sample"
	TypeUnique      NodeType = "unique"
	TypeChartOutput NodeType = "chart_output"
	TypeTableOutput NodeType = "table_output"
	TypeKPIOutput   NodeType = "kpi_output"
)

// Valid reports whether t is a supported node type.
func (t NodeType) Valid() bool {
	switch t {
	case TypeDataSource, TypeFilter, TypeSelect, TypeRename, TypeJoin,
		TypeUnion, TypeGroupBy, TypePivot, TypeFormula, TypeWindow,
		TypeSort, TypeLimit, TypeSample, TypeUnique,
		TypeChartOutput, TypeTableOutput, TypeKPIOutput:
		return true
	}
	return false
}

// Terminal reports whether t is an output node (zero out-edges, empty schema).
func (t NodeType) Terminal() bool {
	return t == TypeChartOutput || t == TypeTableOutput || t == TypeKPIOutput
}

// RequiredInputs returns the number of inbound edges t needs.
func (t NodeType) RequiredInputs() int {
	switch t {
	case TypeDataSource:
		return 0
	case TypeJoin, TypeUnion:
		return 2
	default:
		return 1
	}
}

// Node is one transformation step. Config keys depend on Type.
type Node struct {
	ID     string   `json:"id"`
	Type   NodeType `json:"type"`
	Config Config   `json:"config,omitempty"`
}

// Edge connects Source's output to Target's next free input port.
// Port order is the edge's position in Graph.Edges.
type Edge struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

// Graph is an authored DAG: flat sequences, referenced by ID.
type Graph struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// NodeByID returns the node with the given ID, or nil.
func (g *Graph) NodeByID(id string) *Node {
	for i := range g.Nodes {
		if g.Nodes[i].ID == id {
			return &g.Nodes[i]
		}
	}
	return nil
}

// Inbound returns source node IDs per target, in edge order.
func (g *Graph) Inbound() map[string][]string {
	in := make(map[string][]string, len(g.Nodes))
	for _, e := range g.Edges {
		in[e.Target] = append(in[e.Target], e.Source)
	}
	return in
}

// Outbound returns target node IDs per source, in edge order.
func (g *Graph) Outbound() map[string][]string {
	out := make(map[string][]string, len(g.Nodes))
	for _, e := range g.Edges {
		out[e.Source] = append(out[e.Source], e.Target)
	}
	return out
}

// Validate checks structural integrity: unique non-empty node IDs, edges
// that reference existing nodes, and no edges out of terminal nodes.
// Acyclicity is checked by Sort.
func (g *Graph) Validate() error {
	types := make(map[string]NodeType, len(g.Nodes))
	for _, n := range g.Nodes {
		if n.ID == "" {
			return qerr.New(qerr.KindInvalidGraph, "node with empty id")
		}
		if _, dup := types[n.ID]; dup {
			return qerr.New(qerr.KindInvalidGraph, "duplicate node id %q", n.ID)
		}
		types[n.ID] = n.Type
	}
	for _, e := range g.Edges {
		if _, ok := types[e.Source]; !ok {
			return qerr.New(qerr.KindInvalidGraph, "edge references unknown node %q", e.Source)
		}
		if _, ok := types[e.Target]; !ok {
			return qerr.New(qerr.KindInvalidGraph, "edge references unknown node %q", e.Target)
		}
		if types[e.Source].Terminal() {
			return qerr.New(qerr.KindInvalidGraph, "terminal node %q has an outbound edge", e.Source)
		}
	}
	return nil
}

// Ancestors returns the set of node IDs reachable backwards from target,
// including target itself. Unknown targets return an empty set.
func (g *Graph) Ancestors(target string) map[string]bool {
	in := g.Inbound()
	seen := make(map[string]bool)
	if g.NodeByID(target) == nil {
		return seen
	}
	stack := []string{target}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[id] {
			continue
		}
		seen[id] = true
		stack = append(stack, in[id]...)
	}
	return seen
}

// Restrict returns a copy of g containing only the given node IDs and the
// edges between them. Node and edge order is preserved.
func (g *Graph) Restrict(keep map[string]bool) *Graph {
	sub := &Graph{}
	for _, n := range g.Nodes {
		if keep[n.ID] {
			sub.Nodes = append(sub.Nodes, n)
		}
	}
	for _, e := range g.Edges {
		if keep[e.Source] && keep[e.Target] {
			sub.Edges = append(sub.Edges, e)
		}
	}
	return sub
}
