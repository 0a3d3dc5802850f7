package graph

import (
	"context"
	"fmt"

	"github.com/slateql/slate/qerr"
	"github.com/slateql/slate/schema"
)

// Propagate computes every node's output column schema.
//
// The result is deterministic: identical (graph, catalog) inputs produce
// identical outputs, so a client-side mirror can agree byte-for-byte.
// Comparisons elsewhere are structural on (name, dtype, nullable).
// Runs in O(V+E) and holds no locks.
func Propagate(ctx context.Context, g *Graph, cat schema.Catalog, tenantID string) (map[string][]schema.Column, error) {
	order, err := Sort(g)
	if err != nil {
		return nil, err
	}

	nodes := make(map[string]*Node, len(g.Nodes))
	for i := range g.Nodes {
		nodes[g.Nodes[i].ID] = &g.Nodes[i]
	}
	in := g.Inbound()

	out := make(map[string][]schema.Column, len(g.Nodes))
	for _, id := range order {
		n := nodes[id]
		if !n.Type.Valid() {
			return nil, qerr.UnknownNodeType(n.ID, string(n.Type))
		}

		sources := in[id]
		if len(sources) < n.Type.RequiredInputs() {
			return nil, qerr.MissingInput(n.ID, len(sources))
		}
		inputs := make([][]schema.Column, len(sources))
		for i, src := range sources {
			inputs[i] = out[src]
		}

		cols, err := transform(ctx, n, inputs, cat, tenantID)
		if err != nil {
			return nil, err
		}
		out[id] = cols
	}
	return out, nil
}

// transform is the single dispatch point for all node types. One case per
// type; the compiler depends on this set being closed.
func transform(ctx context.Context, n *Node, inputs [][]schema.Column, cat schema.Catalog, tenantID string) ([]schema.Column, error) {
	switch n.Type {
	case TypeDataSource:
		return dataSourceColumns(ctx, n, cat, tenantID)

	case TypeFilter, TypeSort, TypeLimit, TypeSample, TypeUnique:
		// Row-set narrowing only; columns pass through.
		return inputs[0], nil

	case TypeSelect:
		return selectColumns(n.Config, inputs[0]), nil

	case TypeRename:
		return renameColumns(n.Config, inputs[0]), nil

	case TypeJoin:
		return joinColumns(inputs[0], inputs[1]), nil

	case TypeUnion:
		// Alignment across inputs is enforced at compile time.
		return inputs[0], nil

	case TypeGroupBy:
		return groupByColumns(n.Config, inputs[0]), nil

	case TypePivot:
		return pivotColumns(n.Config, inputs[0]), nil

	case TypeFormula:
		return appendColumn(inputs[0], schema.Column{
			Name:     n.Config.String("output_column"),
			Type:     configDType(n.Config, "output_dtype", schema.TypeFloat64),
			Nullable: true,
		}), nil

	case TypeWindow:
		return appendColumn(inputs[0], schema.Column{
			Name:     n.Config.String("output_column"),
			Type:     windowType(n.Config.String("function"), columnType(inputs[0], n.Config.String("column"))),
			Nullable: true,
		}), nil

	case TypeChartOutput, TypeTableOutput, TypeKPIOutput:
		return []schema.Column{}, nil

	default:
		return nil, qerr.UnknownNodeType(n.ID, string(n.Type))
	}
}

// dataSourceColumns resolves a source node against the tenant's catalog.
// Configs may embed a column list (the canvas caches one); the catalog wins
// when both are present.
func dataSourceColumns(ctx context.Context, n *Node, cat schema.Catalog, tenantID string) ([]schema.Column, error) {
	table := n.Config.String("table")
	if cat != nil && table != "" {
		t, err := cat.Table(ctx, tenantID, table)
		if err != nil {
			return nil, fmt.Errorf("catalog lookup for node %s: %w", n.ID, err)
		}
		if t != nil {
			return t.Columns, nil
		}
	}
	if cols := n.Config.Columns("columns"); len(cols) > 0 {
		return cols, nil
	}
	return nil, qerr.New(qerr.KindNotFound, "data source %s references unknown table %q", n.ID, table)
}

func selectColumns(cfg Config, in []schema.Column) []schema.Column {
	byName := make(map[string]schema.Column, len(in))
	for _, c := range in {
		byName[c.Name] = c
	}
	var out []schema.Column
	seen := make(map[string]bool)
	for _, name := range cfg.Strings("columns") {
		c, ok := byName[name]
		if !ok || seen[name] {
			continue // unknown names are dropped silently
		}
		seen[name] = true
		out = append(out, c)
	}
	return out
}

func renameColumns(cfg Config, in []schema.Column) []schema.Column {
	m := cfg.StringMap("rename_map")
	out := make([]schema.Column, len(in))
	for i, c := range in {
		if repl, ok := m[c.Name]; ok {
			c.Name = repl
		}
		out[i] = c
	}
	return out
}

// joinColumns keeps every left column and appends right columns whose names
// are not already taken (left-precedence dedup).
func joinColumns(left, right []schema.Column) []schema.Column {
	taken := make(map[string]bool, len(left))
	out := make([]schema.Column, 0, len(left)+len(right))
	for _, c := range left {
		taken[c.Name] = true
		out = append(out, c)
	}
	for _, c := range right {
		if !taken[c.Name] {
			out = append(out, c)
		}
	}
	return out
}

func groupByColumns(cfg Config, in []schema.Column) []schema.Column {
	byName := make(map[string]schema.Column, len(in))
	for _, c := range in {
		byName[c.Name] = c
	}

	var out []schema.Column
	for _, key := range cfg.Strings("keys") {
		if c, ok := byName[key]; ok {
			out = append(out, c)
		}
	}
	for _, agg := range cfg.Maps("aggregations") {
		column := agg.String("column")
		fn := agg.String("function")
		alias := agg.String("alias")
		if alias == "" {
			alias = column + "_" + fn
		}
		dtype := configDType(agg, "output_dtype", "")
		if dtype == "" {
			dtype = aggregationType(fn, byName[column].Type)
		}
		out = append(out, schema.Column{Name: alias, Type: dtype, Nullable: true})
	}
	return out
}

func pivotColumns(cfg Config, in []schema.Column) []schema.Column {
	byName := make(map[string]schema.Column, len(in))
	for _, c := range in {
		byName[c.Name] = c
	}

	var out []schema.Column
	for _, dim := range cfg.Strings("row_dimensions") {
		if c, ok := byName[dim]; ok {
			out = append(out, c)
		}
	}
	agg := cfg.String("aggregation")
	if agg == "" {
		agg = "sum"
	}
	out = append(out, schema.Column{
		Name:     cfg.String("value_column") + "_" + agg,
		Type:     schema.TypeFloat64,
		Nullable: true,
	})
	return out
}

// appendColumn copies before appending so sibling consumers of the same
// input never observe the extension.
func appendColumn(in []schema.Column, c schema.Column) []schema.Column {
	out := make([]schema.Column, len(in), len(in)+1)
	copy(out, in)
	return append(out, c)
}

func columnType(in []schema.Column, name string) schema.DType {
	for _, c := range in {
		if c.Name == name {
			return c.Type
		}
	}
	return ""
}

func configDType(cfg Config, key string, fallback schema.DType) schema.DType {
	if s := cfg.String(key); s != "" {
		if d, err := schema.ParseDType(s); err == nil {
			return d
		}
	}
	return fallback
}

// aggregationType infers an aggregation's output dtype from its function and
// the aggregated column's dtype.
func aggregationType(fn string, input schema.DType) schema.DType {
	switch fn {
	case "count", "count_distinct":
		return schema.TypeInt64
	case "avg", "stddev", "variance":
		return schema.TypeFloat64
	case "sum":
		if input.Numeric() {
			return input
		}
		return schema.TypeFloat64
	case "min", "max":
		if input.Valid() {
			return input
		}
		return schema.TypeFloat64
	default:
		return schema.TypeFloat64
	}
}

// windowType infers a window function's output dtype.
func windowType(fn string, input schema.DType) schema.DType {
	switch fn {
	case "row_number", "rank", "dense_rank", "ntile", "count":
		return schema.TypeInt64
	case "lag", "lead", "first_value", "last_value":
		if input.Valid() {
			return input
		}
		return schema.TypeFloat64
	case "sum":
		if input.Numeric() {
			return input
		}
		return schema.TypeFloat64
	default:
		return schema.TypeFloat64
	}
}
