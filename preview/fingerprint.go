package preview

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"

	"github.com/samber/lo"

	"github.com/slateql/slate/graph"
	"github.com/slateql/slate/qerr"
	"github.com/slateql/slate/sqlgen"
)

// FingerprintInput names everything that can change a compiled statement or
// the result page it produces. Offset and Limit must already be normalized
// the way the compiler normalizes them, so equivalent requests collapse to
// one fingerprint.
type FingerprintInput struct {
	TenantID     string
	TargetNodeID string
	Graph        *graph.Graph
	Offset       int
	Limit        int
	Drills       []sqlgen.Condition

	// Generation is the tenant's catalog generation. Folding it in retires
	// every cached fingerprint for a tenant when its schemas change.
	Generation uint64
}

// fingerprintPayload is the canonical encoding that gets hashed. Node maps
// marshal with sorted keys, so config key order never shifts the hash.
type fingerprintPayload struct {
	Tenant     string             `json:"tenant"`
	Target     string             `json:"target"`
	Generation uint64             `json:"generation"`
	Nodes      []fingerprintNode  `json:"nodes"`
	Edges      [][2]string        `json:"edges,omitempty"`
	Offset     int                `json:"offset"`
	Limit      int                `json:"limit"`
	Drills     []sqlgen.Condition `json:"drills,omitempty"`
}

type fingerprintNode struct {
	ID     string         `json:"id"`
	Type   graph.NodeType `json:"type"`
	Config graph.Config   `json:"config,omitempty"`
}

// Fingerprint returns the content hash previews are cached under: a sha256
// hex digest over the tenant, the target, the target's ancestor subgraph in
// topological order, pagination, drill filters and the catalog generation.
// Nodes outside the target's ancestry never enter the hash, so edits to an
// unconnected branch leave cached previews valid.
func Fingerprint(in FingerprintInput) (string, error) {
	if in.Graph == nil {
		return "", qerr.New(qerr.KindInvalidGraph, "graph required")
	}
	if in.Graph.NodeByID(in.TargetNodeID) == nil {
		return "", qerr.New(qerr.KindNotFound, "target node %q not in graph", in.TargetNodeID)
	}

	sub := in.Graph.Restrict(in.Graph.Ancestors(in.TargetNodeID))
	order, err := graph.Sort(sub)
	if err != nil {
		return "", err
	}
	nodes := lo.Map(order, func(id string, _ int) fingerprintNode {
		n := sub.NodeByID(id)
		return fingerprintNode{ID: n.ID, Type: n.Type, Config: n.Config}
	})
	// Edge order is semantic for joins (the first inbound edge is the left
	// side), so it is preserved rather than sorted.
	edges := lo.Map(sub.Edges, func(e graph.Edge, _ int) [2]string {
		return [2]string{e.Source, e.Target}
	})

	payload, err := json.Marshal(fingerprintPayload{
		Tenant:     in.TenantID,
		Target:     in.TargetNodeID,
		Generation: in.Generation,
		Nodes:      nodes,
		Edges:      edges,
		Offset:     in.Offset,
		Limit:      in.Limit,
		Drills:     canonDrills(in.Drills),
	})
	if err != nil {
		return "", qerr.Internal("fingerprint: encode: %v", err)
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:]), nil
}

// canonDrills sorts drill filters and normalizes operator spellings. Drills
// are ANDed, so order does not change the rows; requests that differ only
// in drill order share a fingerprint.
func canonDrills(drills []sqlgen.Condition) []sqlgen.Condition {
	if len(drills) == 0 {
		return nil
	}
	out := make([]sqlgen.Condition, len(drills))
	for i, d := range drills {
		d.Operator = sqlgen.CanonOperator(d.Operator)
		out[i] = d
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Column != out[j].Column {
			return out[i].Column < out[j].Column
		}
		if out[i].Operator != out[j].Operator {
			return out[i].Operator < out[j].Operator
		}
		vi, _ := json.Marshal(out[i].Value)
		vj, _ := json.Marshal(out[j].Value)
		return string(vi) < string(vj)
	})
	return out
}
