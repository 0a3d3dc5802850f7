package graph

import (
	"sort"

	"github.com/slateql/slate/qerr"
)

// Sort returns a deterministic topological order over g's nodes.
//
// Kahn's algorithm; when several nodes are ready at once the smallest node ID
// goes first, so the order (and everything derived from it: propagation,
// merge boundaries, fingerprints) is stable across processes. Propagation and
// compilation both traverse in this order; there is no second implementation.
//
// Returns CycleDetected listing the unvisited node IDs when the graph is
// cyclic.
func Sort(g *Graph) ([]string, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}

	indeg := make(map[string]int, len(g.Nodes))
	for _, n := range g.Nodes {
		indeg[n.ID] = 0
	}
	out := g.Outbound()
	for _, e := range g.Edges {
		indeg[e.Target]++
	}

	ready := make([]string, 0, len(g.Nodes))
	for _, n := range g.Nodes {
		if indeg[n.ID] == 0 {
			ready = insertSorted(ready, n.ID)
		}
	}

	order := make([]string, 0, len(g.Nodes))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)
		for _, next := range out[id] {
			indeg[next]--
			if indeg[next] == 0 {
				ready = insertSorted(ready, next)
			}
		}
	}

	if len(order) != len(g.Nodes) {
		var residual []string
		for id, d := range indeg {
			if d > 0 {
				residual = append(residual, id)
			}
		}
		sort.Strings(residual)
		return nil, qerr.CycleDetected(residual)
	}
	return order, nil
}

func insertSorted(s []string, v string) []string {
	i := sort.SearchStrings(s, v)
	s = append(s, "")
	copy(s[i+1:], s[i:])
	s[i] = v
	return s
}
