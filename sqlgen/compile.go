package sqlgen

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/slateql/slate/graph"
	"github.com/slateql/slate/qerr"
	"github.com/slateql/slate/schema"
)

// CompilerConfig configures segment compilation.
type CompilerConfig struct {
	// Catalog resolves table schemas per tenant. REQUIRED.
	Catalog schema.Catalog

	// MaxPageOffset caps the pagination offset. OPTIONAL (default 10000).
	MaxPageOffset int

	// DefaultPageSize is the row limit applied when a request does not set
	// one. OPTIONAL (default 50).
	DefaultPageSize int
}

// Compiler turns a graph and a target node into one dispatchable Segment.
type Compiler struct {
	cfg CompilerConfig
}

// NewCompiler validates the configuration and returns a Compiler.
func NewCompiler(cfg CompilerConfig) (*Compiler, error) {
	if cfg.Catalog == nil {
		return nil, errors.New("sqlgen: CompilerConfig.Catalog is required")
	}
	if cfg.MaxPageOffset <= 0 {
		cfg.MaxPageOffset = 10000
	}
	if cfg.DefaultPageSize <= 0 {
		cfg.DefaultPageSize = 50
	}
	return &Compiler{cfg: cfg}, nil
}

// Request is one compilation request.
type Request struct {
	Graph        *graph.Graph
	TargetNodeID string

	// TenantID scopes metadata tables and is stamped on the segment.
	TenantID string

	// Allowed is the tenant's identifier set for shared serving tables.
	// nil means the caller never resolved it; an empty non-nil set means
	// the tenant may see nothing and compilation short-circuits.
	Allowed []string

	// Offset and Limit paginate the final result. Limit <= 0 falls back to
	// the compiler's default page size.
	Offset int
	Limit  int

	// DrillFilters are request-time conditions applied to the target
	// node's output, on top of whatever the graph filters.
	DrillFilters []Condition

	// Settings is attached to the outermost statement. Only the olap
	// dialect renders it.
	Settings *Settings
}

// errEmptyResult short-circuits compilation when the tenant's allowed
// identifier set is empty: nothing may be read, so nothing is dispatched.
var errEmptyResult = errors.New("empty identifier set")

// Compile builds the segment serving the target node's output.
//
// The graph is restricted to the target's ancestors, sorted in the shared
// deterministic order, and walked bottom-up. Merge-compatible nodes fold
// into one statement; incompatible boundaries become subqueries. Tenant
// predicates are injected at every table leaf, pagination is applied as an
// outer statement, and the result is rendered through the target store's
// dialect. Key-value targets produce a scan plan plus in-process post ops
// instead of SQL.
func (c *Compiler) Compile(ctx context.Context, req Request) (*Segment, error) {
	if req.Graph == nil {
		return nil, qerr.New(qerr.KindInvalidGraph, "graph required")
	}
	target := req.Graph.NodeByID(req.TargetNodeID)
	if target == nil {
		return nil, qerr.New(qerr.KindNotFound, "target node %q not in graph", req.TargetNodeID)
	}

	sub := req.Graph.Restrict(req.Graph.Ancestors(req.TargetNodeID))
	if err := sub.Validate(); err != nil {
		return nil, err
	}
	order, err := graph.Sort(sub)
	if err != nil {
		return nil, err
	}
	schemas, err := graph.Propagate(ctx, sub, c.cfg.Catalog, req.TenantID)
	if err != nil {
		return nil, err
	}

	b := &builder{
		ctx:      ctx,
		cat:      c.cfg.Catalog,
		tenantID: req.TenantID,
		allowed:  req.Allowed,
		in:       sub.Inbound(),
		schemas:  schemas,
		plans:    make(map[string]*nodePlan, len(order)),
	}
	for _, id := range order {
		p, err := b.node(sub.NodeByID(id))
		if err != nil {
			if errors.Is(err, errEmptyResult) {
				return &Segment{
					Columns:  b.outputColumns(target),
					TenantID: req.TenantID,
					Empty:    true,
				}, nil
			}
			return nil, err
		}
		b.plans[id] = p
	}

	plan := b.plans[req.TargetNodeID]
	if len(req.DrillFilters) > 0 {
		plan, err = b.applyFilter(req.TargetNodeID, plan, req.DrillFilters, plan.cols)
		if err != nil {
			return nil, err
		}
	}
	return c.finalize(req, plan)
}

// NormalizePage returns the pagination a request will actually compile
// with: the default page size for a missing limit and the offset clamped
// to [0, MaxPageOffset]. Callers that key caches on pagination use this so
// equivalent requests collapse to one entry.
func (c *Compiler) NormalizePage(offset, limit int) (int, int) {
	if limit <= 0 {
		limit = c.cfg.DefaultPageSize
	}
	if offset < 0 {
		offset = 0
	}
	if offset > c.cfg.MaxPageOffset {
		offset = c.cfg.MaxPageOffset
	}
	return offset, limit
}

// finalize paginates, renders and assembles the segment.
func (c *Compiler) finalize(req Request, plan *nodePlan) (*Segment, error) {
	offset, limit := c.NormalizePage(req.Offset, req.Limit)

	seg := &Segment{
		Target:   plan.target,
		Columns:  plan.cols,
		TenantID: req.TenantID,
		Tables:   sortedTables(plan.tables),
	}

	if plan.target == schema.SourceKV {
		seg.KV = plan.kv
		seg.Allowed = plan.allowed
		seg.PostOps = append(append([]PostOp(nil), plan.postOps...),
			PostOp{Kind: "page", Offset: offset, Limit: limit})
		return seg, nil
	}

	// Pagination is always an outer statement over the plan. The inner
	// ordering moves (or copies, when the inner has its own LIMIT) to the
	// wrapper: stores do not promise to preserve subquery order, and OFFSET
	// must stay deterministic.
	inner := cloneStmt(plan.stmt)
	outer := &SelectStmt{
		Columns:  []SelectItem{{Expr: Star{}}},
		From:     TableRef{Sub: inner},
		Limit:    &limit,
		Offset:   &offset,
		Settings: req.Settings,
	}
	if hoisted := hoistableOrder(inner); hoisted != nil {
		outer.OrderBy = hoisted
		if inner.Limit == nil && inner.Offset == nil {
			inner.OrderBy = nil
		}
	}

	d, err := DialectFor(plan.target)
	if err != nil {
		return nil, err
	}
	sql, args, err := d.Render(outer)
	if err != nil {
		return nil, err
	}
	seg.SQL, seg.Args = sql, args
	return seg, nil
}

// hoistableOrder returns a copy of the statement's ordering when every key
// is a plain output-name reference, usable as-is one level up.
func hoistableOrder(s *SelectStmt) []OrderItem {
	if len(s.OrderBy) == 0 {
		return nil
	}
	out := make([]OrderItem, len(s.OrderBy))
	for i, o := range s.OrderBy {
		ref, ok := o.Expr.(ColumnRef)
		if !ok || ref.Table != "" {
			return nil
		}
		out[i] = OrderItem{Expr: ColumnRef{Name: ref.Name}, Desc: o.Desc}
	}
	return out
}

// nodePlan is the per-node compile state: a statement under construction
// for SQL targets, or a scan plan plus post-fetch ops for kv. Plans are
// shared between branches when a node fans out, so consumers clone before
// extending.
type nodePlan struct {
	target  schema.Source
	stmt    *SelectStmt
	kv      *KVLookup
	postOps []PostOp
	allowed []string
	cols    []schema.Column
	tables  []string
}

func (p *nodePlan) clone() *nodePlan {
	c := *p
	if p.stmt != nil {
		c.stmt = cloneStmt(p.stmt)
	}
	c.postOps = append([]PostOp(nil), p.postOps...)
	return &c
}

// cloneStmt copies the statement one level deep. Nested subqueries and
// expression trees are immutable once built and stay shared.
func cloneStmt(s *SelectStmt) *SelectStmt {
	c := *s
	c.Columns = append([]SelectItem(nil), s.Columns...)
	c.Joins = append([]JoinClause(nil), s.Joins...)
	c.GroupBy = append([]Expr(nil), s.GroupBy...)
	c.OrderBy = append([]OrderItem(nil), s.OrderBy...)
	c.Unions = append([]*SelectStmt(nil), s.Unions...)
	if s.Limit != nil {
		v := *s.Limit
		c.Limit = &v
	}
	if s.Offset != nil {
		v := *s.Offset
		c.Offset = &v
	}
	return &c
}

// wrapStmt pushes a finished statement into a FROM subquery and starts a
// fresh SELECT projecting every output column by name.
func wrapStmt(stmt *SelectStmt, cols []schema.Column) *SelectStmt {
	items := make([]SelectItem, len(cols))
	for i, c := range cols {
		items[i] = SelectItem{Expr: ColumnRef{Name: c.Name}}
	}
	return &SelectStmt{Columns: items, From: TableRef{Sub: stmt}}
}

type builder struct {
	ctx      context.Context
	cat      schema.Catalog
	tenantID string
	allowed  []string
	in       map[string][]string
	schemas  map[string][]schema.Column
	plans    map[string]*nodePlan
}

// outputColumns is the schema a target's rows will carry: its own
// propagated columns, or the input's when the target is an output node.
func (b *builder) outputColumns(n *graph.Node) []schema.Column {
	if n.Type.Terminal() {
		if ins := b.in[n.ID]; len(ins) > 0 {
			return b.schemas[ins[0]]
		}
	}
	return b.schemas[n.ID]
}

func (b *builder) node(n *graph.Node) (*nodePlan, error) {
	ins := b.in[n.ID]
	switch n.Type {
	case graph.TypeDataSource:
		return b.dataSource(n)
	case graph.TypeChartOutput, graph.TypeTableOutput, graph.TypeKPIOutput:
		// Output nodes adopt the upstream plan unchanged.
		return b.plans[ins[0]], nil
	case graph.TypeJoin, graph.TypeUnion:
		l, r := b.plans[ins[0]], b.plans[ins[1]]
		if l.target != r.target {
			return nil, qerr.New(qerr.KindCrossStoreOperation,
				"node %s: %s combines %s and %s data", n.ID, n.Type, l.target, r.target)
		}
		if l.target == schema.SourceKV {
			return nil, kvUnsupported(n)
		}
		if n.Type == graph.TypeJoin {
			return b.join(n, l, r)
		}
		return b.union(n, l, r)
	}

	in := b.plans[ins[0]]
	if in.target == schema.SourceKV {
		return b.kvTransform(n, in)
	}
	return b.sqlTransform(n, in)
}

func kvUnsupported(n *graph.Node) error {
	return qerr.New(qerr.KindInvalidGraph,
		"node %s: %s is not supported on key-value data", n.ID, n.Type)
}

// dataSource resolves the table against the tenant's catalog and builds the
// leaf plan with the tenant predicate already in place. The catalog-declared
// source wins; tables registered without one fall back to the name shape.
func (b *builder) dataSource(n *graph.Node) (*nodePlan, error) {
	name := n.Config.String("table")
	if name == "" {
		return nil, qerr.New(qerr.KindInvalidGraph, "node %s: data source has no table", n.ID)
	}
	t, err := b.cat.Table(b.ctx, b.tenantID, name)
	if err != nil {
		return nil, fmt.Errorf("catalog lookup for node %s: %w", n.ID, err)
	}
	if t == nil {
		return nil, qerr.New(qerr.KindNotFound, "node %s: unknown table %q", n.ID, name)
	}
	src := t.Source
	if !src.Valid() {
		src = sourceForTable(t.Name)
	}
	if src == schema.SourceKV {
		return b.kvSource(n, t)
	}
	return b.sqlSource(n, t, src)
}

// sourceForTable guesses the store from the table name shape: key patterns
// carry a colon, live view names a live_ prefix.
func sourceForTable(name string) schema.Source {
	switch {
	case strings.Contains(name, ":"):
		return schema.SourceKV
	case strings.HasPrefix(name, "live_"):
		return schema.SourceStream
	default:
		return schema.SourceOLAP
	}
}

func (b *builder) sqlSource(n *graph.Node, t *schema.TableSchema, src schema.Source) (*nodePlan, error) {
	full := t.Name
	if t.Database != "" {
		full = t.Database + "." + t.Name
	}
	if err := ValidIdentifier(full); err != nil {
		return nil, err
	}
	if len(t.Columns) == 0 {
		return nil, qerr.New(qerr.KindInvalidGraph, "node %s: table %q has no columns", n.ID, t.Name)
	}
	items := make([]SelectItem, len(t.Columns))
	for i, c := range t.Columns {
		items[i] = SelectItem{Expr: ColumnRef{Name: c.Name}}
	}
	stmt := &SelectStmt{Columns: items, From: TableRef{Table: full}}

	switch {
	case t.TenantColumn != "":
		if b.tenantID == "" {
			return nil, qerr.New(qerr.KindTenantACLMissing,
				"node %s: table %q is tenant-scoped but no tenant is set", n.ID, t.Name)
		}
		stmt.AndWhere(Compare{
			Op:    "=",
			Left:  ColumnRef{Name: t.TenantColumn},
			Right: Literal{Type: schema.TypeString, Value: b.tenantID},
		})
	case t.IdentifierColumn != "":
		if b.allowed == nil {
			return nil, qerr.New(qerr.KindTenantACLMissing,
				"node %s: table %q needs the tenant's allowed identifier set", n.ID, t.Name)
		}
		if len(b.allowed) == 0 {
			return nil, errEmptyResult
		}
		vals := make([]Expr, len(b.allowed))
		for i, id := range b.allowed {
			vals[i] = Literal{Type: schema.TypeString, Value: id}
		}
		stmt.AndWhere(InList{Expr: ColumnRef{Name: t.IdentifierColumn}, Values: vals})
	}

	return &nodePlan{
		target: src,
		stmt:   stmt,
		cols:   b.schemas[n.ID],
		tables: []string{t.Name},
	}, nil
}

func (b *builder) kvSource(n *graph.Node, t *schema.TableSchema) (*nodePlan, error) {
	pattern := t.KeyPattern
	if pattern == "" {
		pattern = t.Name
	}
	p := &nodePlan{
		target: schema.SourceKV,
		kv: &KVLookup{
			Kind:             KVScanHash,
			KeyPattern:       pattern,
			IdentifierColumn: t.IdentifierColumn,
			Columns:          b.schemas[n.ID],
		},
		cols:   b.schemas[n.ID],
		tables: []string{t.Name},
	}
	if t.IdentifierColumn != "" {
		if b.allowed == nil {
			return nil, qerr.New(qerr.KindTenantACLMissing,
				"node %s: table %q needs the tenant's allowed identifier set", n.ID, t.Name)
		}
		if len(b.allowed) == 0 {
			return nil, errEmptyResult
		}
		p.allowed = b.allowed
	}
	return p, nil
}

// kvTransform records the narrow transform set key-value rows support as
// in-process post ops. Everything relational is rejected at compile time.
func (b *builder) kvTransform(n *graph.Node, in *nodePlan) (*nodePlan, error) {
	p := in.clone()
	p.cols = b.schemas[n.ID]
	switch n.Type {
	case graph.TypeFilter:
		conds, err := nodeConditions(n)
		if err != nil {
			return nil, err
		}
		for _, cond := range conds {
			if _, err := checkCondition(cond, in.cols, n.ID); err != nil {
				return nil, err
			}
		}
		p.postOps = append(p.postOps, PostOp{Kind: "filter", Conditions: conds})

	case graph.TypeSort:
		keys, err := sortKeys(n, in.cols)
		if err != nil {
			return nil, err
		}
		p.postOps = append(p.postOps, PostOp{Kind: "sort", Keys: keys})

	case graph.TypeSelect:
		if len(p.cols) == 0 {
			return nil, qerr.New(qerr.KindInvalidGraph, "node %s: selection drops every column", n.ID)
		}
		names := lo.Map(p.cols, func(c schema.Column, _ int) string { return c.Name })
		p.postOps = append(p.postOps, PostOp{Kind: "select", Columns: names})

	case graph.TypeRename:
		m := n.Config.StringMap("rename_map")
		if len(m) == 0 {
			return nil, qerr.New(qerr.KindInvalidGraph, "node %s: rename has an empty rename_map", n.ID)
		}
		p.postOps = append(p.postOps, PostOp{Kind: "rename", Rename: m})

	case graph.TypeUnique:
		p.postOps = append(p.postOps, PostOp{Kind: "unique"})

	case graph.TypeLimit:
		count, ok := n.Config.Int("count")
		if !ok || count <= 0 {
			return nil, qerr.New(qerr.KindInvalidGraph, "node %s: limit needs a positive count", n.ID)
		}
		p.postOps = append(p.postOps, PostOp{Kind: "page", Limit: count})

	default:
		// group_by, pivot, formula, window, sample
		return nil, kvUnsupported(n)
	}
	return p, nil
}

func (b *builder) sqlTransform(n *graph.Node, in *nodePlan) (*nodePlan, error) {
	switch n.Type {
	case graph.TypeFilter:
		conds, err := nodeConditions(n)
		if err != nil {
			return nil, err
		}
		p, err := b.applyFilter(n.ID, in, conds, in.cols)
		if err != nil {
			return nil, err
		}
		p.cols = b.schemas[n.ID]
		return p, nil
	case graph.TypeSelect:
		return b.selectNode(n, in)
	case graph.TypeRename:
		return b.renameNode(n, in)
	case graph.TypeSort:
		return b.sortNode(n, in)
	case graph.TypeLimit:
		return b.limitNode(n, in)
	case graph.TypeSample:
		return b.sampleNode(n, in)
	case graph.TypeUnique:
		return b.uniqueNode(n, in)
	case graph.TypeGroupBy:
		return b.groupByNode(n, in)
	case graph.TypePivot:
		return b.pivotNode(n, in)
	case graph.TypeFormula:
		return b.formulaNode(n, in)
	case graph.TypeWindow:
		return b.windowNode(n, in)
	default:
		return nil, qerr.UnknownNodeType(n.ID, string(n.Type))
	}
}

// applyFilter attaches ANDed conditions to a plan. Shared by filter nodes
// and request drill-downs; cols is the schema the condition columns bind to.
func (b *builder) applyFilter(nodeID string, in *nodePlan, conds []Condition, cols []schema.Column) (*nodePlan, error) {
	if in.target == schema.SourceKV {
		for _, cond := range conds {
			if _, err := checkCondition(cond, cols, nodeID); err != nil {
				return nil, err
			}
		}
		p := in.clone()
		p.postOps = append(p.postOps, PostOp{Kind: "filter", Conditions: conds})
		return p, nil
	}

	p := in.clone()
	if p.stmt.Limit != nil || p.stmt.Offset != nil || p.stmt.Distinct || len(p.stmt.Unions) > 0 {
		p.stmt = wrapStmt(p.stmt, cols)
	}
	// Window outputs cannot be constrained in the statement that computes
	// them; push the whole thing down one level first.
	for _, cond := range conds {
		if it, ok := p.stmt.Item(cond.Column); ok && HasWindow(it.Expr) {
			p.stmt = wrapStmt(p.stmt, cols)
			break
		}
	}
	pred, err := buildPredicate(p.stmt, conds, cols, nodeID)
	if err != nil {
		return nil, err
	}
	if p.stmt.GroupBy != nil || hasAggregate(pred) {
		p.stmt.AndHaving(pred)
	} else {
		p.stmt.AndWhere(pred)
	}
	return p, nil
}

func (b *builder) selectNode(n *graph.Node, in *nodePlan) (*nodePlan, error) {
	names := n.Config.Strings("columns")
	if len(names) == 0 {
		return nil, qerr.New(qerr.KindInvalidGraph, "node %s: select has no columns", n.ID)
	}
	keep := make(map[string]bool, len(names))
	for _, name := range names {
		keep[name] = true
	}

	p := in.clone()
	if p.stmt.Distinct || len(p.stmt.Unions) > 0 || orderDropped(p.stmt, keep) {
		p.stmt = wrapStmt(p.stmt, in.cols)
	}
	var items []SelectItem
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		it, ok := p.stmt.Item(name)
		if !ok || seen[name] {
			continue // unknown and duplicate names drop, matching propagation
		}
		seen[name] = true
		items = append(items, it)
	}
	if len(items) == 0 {
		return nil, qerr.New(qerr.KindInvalidGraph, "node %s: selection drops every column", n.ID)
	}
	p.stmt.Columns = items
	p.cols = b.schemas[n.ID]
	return p, nil
}

// orderDropped reports whether the statement orders by an output the
// projection is about to drop.
func orderDropped(s *SelectStmt, keep map[string]bool) bool {
	for _, o := range s.OrderBy {
		ref, ok := o.Expr.(ColumnRef)
		if !ok || ref.Table != "" || !keep[ref.Name] {
			return true
		}
	}
	return false
}

func (b *builder) renameNode(n *graph.Node, in *nodePlan) (*nodePlan, error) {
	m := n.Config.StringMap("rename_map")
	if len(m) == 0 {
		return nil, qerr.New(qerr.KindInvalidGraph, "node %s: rename has an empty rename_map", n.ID)
	}
	p := in.clone()
	if len(p.stmt.Unions) > 0 {
		p.stmt = wrapStmt(p.stmt, in.cols)
	}
	for i, it := range p.stmt.Columns {
		if repl, ok := m[it.OutputName()]; ok {
			it.Alias = repl
			p.stmt.Columns[i] = it
		}
	}
	// Ordering keys follow the rename so they keep pointing at the same item.
	for i, o := range p.stmt.OrderBy {
		if ref, ok := o.Expr.(ColumnRef); ok && ref.Table == "" {
			if repl, exists := m[ref.Name]; exists {
				ref.Name = repl
				p.stmt.OrderBy[i] = OrderItem{Expr: ref, Desc: o.Desc}
			}
		}
	}
	p.cols = b.schemas[n.ID]
	return p, nil
}

func (b *builder) sortNode(n *graph.Node, in *nodePlan) (*nodePlan, error) {
	keys, err := sortKeys(n, in.cols)
	if err != nil {
		return nil, err
	}
	p := in.clone()
	if p.stmt.Limit != nil || p.stmt.Offset != nil {
		p.stmt = wrapStmt(p.stmt, in.cols)
	}
	items := make([]OrderItem, len(keys))
	for i, k := range keys {
		items[i] = OrderItem{Expr: ColumnRef{Name: k.Column}, Desc: k.Desc}
	}
	// A later sort wins; ordering is not composed.
	p.stmt.OrderBy = items
	p.cols = b.schemas[n.ID]
	return p, nil
}

func sortKeys(n *graph.Node, cols []schema.Column) ([]SortKey, error) {
	var keys []SortKey
	for _, m := range n.Config.Maps("keys") {
		keys = append(keys, SortKey{Column: m.String("column"), Desc: m.Bool("desc")})
	}
	if len(keys) == 0 {
		if col := n.Config.String("column"); col != "" {
			keys = append(keys, SortKey{Column: col, Desc: n.Config.Bool("desc")})
		}
	}
	if len(keys) == 0 {
		return nil, qerr.New(qerr.KindInvalidGraph, "node %s: sort has no keys", n.ID)
	}
	for _, k := range keys {
		if !hasColumn(cols, k.Column) {
			return nil, qerr.UnresolvedColumn(n.ID, k.Column)
		}
	}
	return keys, nil
}

func (b *builder) limitNode(n *graph.Node, in *nodePlan) (*nodePlan, error) {
	count, ok := n.Config.Int("count")
	if !ok || count <= 0 {
		return nil, qerr.New(qerr.KindInvalidGraph, "node %s: limit needs a positive count", n.ID)
	}
	p := in.clone()
	if p.stmt.Limit != nil || p.stmt.Offset != nil {
		p.stmt = wrapStmt(p.stmt, in.cols)
	}
	p.stmt.Limit = &count
	p.cols = b.schemas[n.ID]
	return p, nil
}

func (b *builder) sampleNode(n *graph.Node, in *nodePlan) (*nodePlan, error) {
	frac, ok := n.Config.Float("fraction")
	if !ok || frac <= 0 || frac > 1 {
		return nil, qerr.New(qerr.KindInvalidGraph, "node %s: sample fraction must be in (0, 1]", n.ID)
	}
	p := in.clone()
	if p.stmt.GroupBy != nil || p.stmt.Distinct || p.stmt.Limit != nil ||
		p.stmt.Offset != nil || len(p.stmt.Unions) > 0 {
		p.stmt = wrapStmt(p.stmt, in.cols)
	}
	p.stmt.AndWhere(sampleExpr(p.target, frac))
	p.cols = b.schemas[n.ID]
	return p, nil
}

// sampleExpr builds a random row filter. The olap store's rand() yields a
// uint32, so it is normalized before comparing against the fraction; its
// division returns Float64 even over integer operands.
func sampleExpr(src schema.Source, fraction float64) Expr {
	random := Expr(FuncCall{Name: "rand"})
	if src == schema.SourceOLAP {
		random = Arith{Op: "/", Left: random, Right: Literal{Type: schema.TypeInt64, Value: int64(4294967296)}}
	}
	return Compare{Op: "<", Left: random, Right: Literal{Type: schema.TypeFloat64, Value: fraction}}
}

func (b *builder) uniqueNode(n *graph.Node, in *nodePlan) (*nodePlan, error) {
	p := in.clone()
	if p.stmt.Limit != nil || p.stmt.Offset != nil || len(p.stmt.Unions) > 0 {
		p.stmt = wrapStmt(p.stmt, in.cols)
	}
	p.stmt.Distinct = true
	p.cols = b.schemas[n.ID]
	return p, nil
}

func (b *builder) groupByNode(n *graph.Node, in *nodePlan) (*nodePlan, error) {
	keys := n.Config.Strings("keys")
	aggs := n.Config.Maps("aggregations")
	if len(keys) == 0 && len(aggs) == 0 {
		return nil, qerr.New(qerr.KindInvalidGraph, "node %s: group_by needs keys or aggregations", n.ID)
	}
	p := in.clone()
	if groupNeedsWrap(p.stmt) {
		p.stmt = wrapStmt(p.stmt, in.cols)
	}

	var items []SelectItem
	var groupBy []Expr
	for _, k := range keys {
		if !hasColumn(in.cols, k) {
			return nil, qerr.UnresolvedColumn(n.ID, k)
		}
		ex := rewriteRefs(ColumnRef{Name: k}, p.stmt)
		items = append(items, SelectItem{Expr: ex, Alias: k})
		groupBy = append(groupBy, ex)
	}
	for _, agg := range aggs {
		col := agg.String("column")
		fn := strings.ToLower(agg.String("function"))
		alias := agg.String("alias")
		if alias == "" {
			alias = col + "_" + fn
		}
		call, err := aggCall(n.ID, p.stmt, in.cols, fn, col)
		if err != nil {
			return nil, err
		}
		items = append(items, SelectItem{Expr: call, Alias: alias})
	}
	p.stmt.Columns = items
	p.stmt.GroupBy = groupBy
	p.cols = b.schemas[n.ID]
	return p, nil
}

// groupNeedsWrap reports whether aggregating in place would change the
// statement's meaning.
func groupNeedsWrap(s *SelectStmt) bool {
	return s.GroupBy != nil || s.Distinct || s.Limit != nil || s.Offset != nil ||
		len(s.OrderBy) > 0 || len(s.Unions) > 0 || projectionHasWindow(s)
}

func projectionHasWindow(s *SelectStmt) bool {
	for _, it := range s.Columns {
		if HasWindow(it.Expr) {
			return true
		}
	}
	return false
}

func aggCall(nodeID string, stmt *SelectStmt, cols []schema.Column, fn, col string) (Expr, error) {
	if !aggregateFuncs[fn] {
		return nil, qerr.New(qerr.KindInvalidGraph, "node %s: unknown aggregation %q", nodeID, fn)
	}
	if fn == "count" && col == "" {
		return FuncCall{Name: "count"}, nil
	}
	if !hasColumn(cols, col) {
		return nil, qerr.UnresolvedColumn(nodeID, col)
	}
	arg := rewriteRefs(ColumnRef{Name: col}, stmt)
	return FuncCall{Name: fn, Args: []Expr{arg}, Distinct: fn == "count_distinct"}, nil
}

// pivotNode groups by the row dimensions and folds the pivot vocabulary
// into one conditional aggregation, cast to float64 to match the
// propagated output schema.
func (b *builder) pivotNode(n *graph.Node, in *nodePlan) (*nodePlan, error) {
	dims := n.Config.Strings("row_dimensions")
	pivotCol := n.Config.String("pivot_column")
	valueCol := n.Config.String("value_column")
	vals := n.Config.List("pivot_values")
	agg := strings.ToLower(n.Config.String("aggregation"))
	if agg == "" {
		agg = "sum"
	}

	if pivotCol == "" || valueCol == "" {
		return nil, qerr.New(qerr.KindInvalidGraph, "node %s: pivot needs pivot_column and value_column", n.ID)
	}
	if len(vals) == 0 {
		return nil, qerr.New(qerr.KindInvalidGraph, "node %s: pivot needs a finite pivot_values list", n.ID)
	}
	if !aggregateFuncs[agg] {
		return nil, qerr.New(qerr.KindInvalidGraph, "node %s: unknown aggregation %q", n.ID, agg)
	}
	pivotType, ok := dtypeOf(in.cols, pivotCol)
	if !ok {
		return nil, qerr.UnresolvedColumn(n.ID, pivotCol)
	}
	if !hasColumn(in.cols, valueCol) {
		return nil, qerr.UnresolvedColumn(n.ID, valueCol)
	}

	p := in.clone()
	if groupNeedsWrap(p.stmt) {
		p.stmt = wrapStmt(p.stmt, in.cols)
	}

	var items []SelectItem
	var groupBy []Expr
	for _, d := range dims {
		if !hasColumn(in.cols, d) {
			return nil, qerr.UnresolvedColumn(n.ID, d)
		}
		ex := rewriteRefs(ColumnRef{Name: d}, p.stmt)
		items = append(items, SelectItem{Expr: ex, Alias: d})
		groupBy = append(groupBy, ex)
	}

	lits := make([]Expr, len(vals))
	for i, v := range vals {
		l, err := typedLiteral(pivotType, v)
		if err != nil {
			return nil, qerr.New(qerr.KindInvalidGraph, "node %s: pivot value %v: %v", n.ID, v, err)
		}
		lits[i] = l
	}
	cond := InList{Expr: rewriteRefs(ColumnRef{Name: pivotCol}, p.stmt), Values: lits}
	value := rewriteRefs(ColumnRef{Name: valueCol}, p.stmt)
	call := FuncCall{Name: agg, Args: []Expr{Case{Whens: []When{{Cond: cond, Then: value}}}}}
	items = append(items, SelectItem{
		Expr:  Cast{Expr: call, To: schema.TypeFloat64},
		Alias: valueCol + "_" + agg,
	})

	p.stmt.Columns = items
	p.stmt.GroupBy = groupBy
	p.cols = b.schemas[n.ID]
	return p, nil
}

func (b *builder) formulaNode(n *graph.Node, in *nodePlan) (*nodePlan, error) {
	src := n.Config.String("expression")
	out := n.Config.String("output_column")
	if src == "" || out == "" {
		return nil, qerr.New(qerr.KindInvalidGraph, "node %s: formula needs expression and output_column", n.ID)
	}
	parsed, err := ParseFormula(n.ID, src, in.cols)
	if err != nil {
		return nil, err
	}
	p := in.clone()
	if p.stmt.Distinct || len(p.stmt.Unions) > 0 {
		p.stmt = wrapStmt(p.stmt, in.cols)
	}
	p.stmt.Columns = append(p.stmt.Columns, SelectItem{Expr: rewriteRefs(parsed, p.stmt), Alias: out})
	p.cols = b.schemas[n.ID]
	return p, nil
}

var windowFuncs = map[string]bool{
	"row_number": true, "rank": true, "dense_rank": true, "ntile": true,
	"lag": true, "lead": true, "first_value": true, "last_value": true,
	"sum": true, "avg": true, "min": true, "max": true, "count": true,
}

func (b *builder) windowNode(n *graph.Node, in *nodePlan) (*nodePlan, error) {
	fn := strings.ToLower(n.Config.String("function"))
	out := n.Config.String("output_column")
	if !windowFuncs[fn] {
		return nil, qerr.New(qerr.KindInvalidGraph, "node %s: unknown window function %q", n.ID, fn)
	}
	if out == "" {
		return nil, qerr.New(qerr.KindInvalidGraph, "node %s: window needs output_column", n.ID)
	}
	p := in.clone()
	if p.stmt.GroupBy != nil || p.stmt.Distinct || p.stmt.Limit != nil ||
		p.stmt.Offset != nil || len(p.stmt.Unions) > 0 {
		p.stmt = wrapStmt(p.stmt, in.cols)
	}

	var args []Expr
	switch fn {
	case "row_number", "rank", "dense_rank":
	case "ntile":
		buckets, ok := n.Config.Int("buckets")
		if !ok || buckets <= 0 {
			return nil, qerr.New(qerr.KindInvalidGraph, "node %s: ntile needs a positive buckets count", n.ID)
		}
		args = append(args, Literal{Type: schema.TypeInt64, Value: int64(buckets)})
	case "count":
		if col := n.Config.String("column"); col != "" {
			if !hasColumn(in.cols, col) {
				return nil, qerr.UnresolvedColumn(n.ID, col)
			}
			args = append(args, rewriteRefs(ColumnRef{Name: col}, p.stmt))
		}
	default:
		col := n.Config.String("column")
		if !hasColumn(in.cols, col) {
			return nil, qerr.UnresolvedColumn(n.ID, col)
		}
		args = append(args, rewriteRefs(ColumnRef{Name: col}, p.stmt))
		if fn == "lag" || fn == "lead" {
			if off, ok := n.Config.Int("offset"); ok && off > 0 {
				args = append(args, Literal{Type: schema.TypeInt64, Value: int64(off)})
			}
		}
	}

	var partition []Expr
	for _, pc := range n.Config.Strings("partition_by") {
		if !hasColumn(in.cols, pc) {
			return nil, qerr.UnresolvedColumn(n.ID, pc)
		}
		partition = append(partition, rewriteRefs(ColumnRef{Name: pc}, p.stmt))
	}
	var order []OrderItem
	for _, m := range n.Config.Maps("order_by") {
		oc := m.String("column")
		if !hasColumn(in.cols, oc) {
			return nil, qerr.UnresolvedColumn(n.ID, oc)
		}
		order = append(order, OrderItem{Expr: rewriteRefs(ColumnRef{Name: oc}, p.stmt), Desc: m.Bool("desc")})
	}

	p.stmt.Columns = append(p.stmt.Columns, SelectItem{
		Expr:  WindowExpr{Func: fn, Args: args, PartitionBy: partition, OrderBy: order},
		Alias: out,
	})
	p.cols = b.schemas[n.ID]
	return p, nil
}

// join starts a new statement root over both inputs. The projection comes
// from the propagated output schema, qualified by side, so the SQL and the
// schema agree column for column.
func (b *builder) join(n *graph.Node, l, r *nodePlan) (*nodePlan, error) {
	jt := strings.ToLower(n.Config.String("join_type"))
	if jt == "" {
		jt = "inner"
	}
	switch jt {
	case "inner", "left", "right", "full":
	default:
		return nil, qerr.New(qerr.KindInvalidGraph, "node %s: unknown join type %q", n.ID, jt)
	}
	lk := n.Config.String("left_key")
	rk := n.Config.String("right_key")
	if lk == "" || rk == "" {
		return nil, qerr.New(qerr.KindInvalidGraph, "node %s: join needs left_key and right_key", n.ID)
	}
	if !hasColumn(l.cols, lk) {
		return nil, qerr.UnresolvedColumn(n.ID, lk)
	}
	if !hasColumn(r.cols, rk) {
		return nil, qerr.UnresolvedColumn(n.ID, rk)
	}

	leftNames := make(map[string]bool, len(l.cols))
	for _, c := range l.cols {
		leftNames[c.Name] = true
	}
	out := b.schemas[n.ID]
	items := make([]SelectItem, len(out))
	for i, c := range out {
		side := "r"
		if leftNames[c.Name] {
			side = "l"
		}
		items[i] = SelectItem{Expr: ColumnRef{Table: side, Name: c.Name}}
	}

	stmt := &SelectStmt{
		Columns: items,
		From:    TableRef{Sub: l.stmt, Alias: "l"},
		Joins: []JoinClause{{
			Type:  jt,
			Right: TableRef{Sub: r.stmt, Alias: "r"},
			On: Compare{
				Op:    "=",
				Left:  ColumnRef{Table: "l", Name: lk},
				Right: ColumnRef{Table: "r", Name: rk},
			},
		}},
	}
	return &nodePlan{
		target: l.target,
		stmt:   stmt,
		cols:   out,
		tables: mergeTables(l.tables, r.tables),
	}, nil
}

// union chains both inputs with UNION ALL after checking positional
// column-count and dtype alignment.
func (b *builder) union(n *graph.Node, l, r *nodePlan) (*nodePlan, error) {
	if len(l.cols) != len(r.cols) {
		return nil, qerr.New(qerr.KindSchemaMismatch,
			"node %s: union inputs have %d and %d columns", n.ID, len(l.cols), len(r.cols))
	}
	for i := range l.cols {
		if l.cols[i].Type != r.cols[i].Type {
			return nil, qerr.New(qerr.KindSchemaMismatch,
				"node %s: union column %d is %s on one side and %s on the other",
				n.ID, i+1, l.cols[i].Type, r.cols[i].Type)
		}
	}
	left := wrapStmt(l.stmt, l.cols)
	right := wrapStmt(r.stmt, r.cols)
	left.Unions = []*SelectStmt{right}
	return &nodePlan{
		target: l.target,
		stmt:   left,
		cols:   b.schemas[n.ID],
		tables: mergeTables(l.tables, r.tables),
	}, nil
}

// nodeConditions decodes a filter node's conditions: a list under
// "conditions", or a single inline column/operator/value triple.
func nodeConditions(n *graph.Node) ([]Condition, error) {
	var conds []Condition
	for _, m := range n.Config.Maps("conditions") {
		conds = append(conds, Condition{
			Column:   m.String("column"),
			Operator: m.String("operator"),
			Value:    m["value"],
		})
	}
	if len(conds) == 0 && n.Config.String("column") != "" {
		conds = append(conds, Condition{
			Column:   n.Config.String("column"),
			Operator: n.Config.String("operator"),
			Value:    n.Config["value"],
		})
	}
	if len(conds) == 0 {
		return nil, qerr.New(qerr.KindInvalidGraph, "node %s: filter has no conditions", n.ID)
	}
	return conds, nil
}

// checkCondition validates the column, operator and value shape of one
// condition against the input schema and returns the column's dtype.
func checkCondition(cond Condition, cols []schema.Column, nodeID string) (schema.DType, error) {
	d, found := dtypeOf(cols, cond.Column)
	if !found {
		return "", qerr.UnresolvedColumn(nodeID, cond.Column)
	}
	switch CanonOperator(cond.Operator) {
	case "=", "!=", ">", "<", ">=", "<=":
	case "IN", "NOT IN":
		vals, ok := cond.Value.([]any)
		if !ok || len(vals) == 0 {
			return "", qerr.New(qerr.KindInvalidGraph,
				"node %s: %s on %q needs a non-empty value list", nodeID, cond.Operator, cond.Column)
		}
	case "BETWEEN":
		vals, ok := cond.Value.([]any)
		if !ok || len(vals) != 2 {
			return "", qerr.New(qerr.KindInvalidGraph,
				"node %s: BETWEEN on %q needs exactly two values", nodeID, cond.Column)
		}
	case "LIKE", "CONTAINS", "STARTS_WITH", "ENDS_WITH":
		if d != schema.TypeString {
			return "", qerr.New(qerr.KindInvalidGraph,
				"node %s: %s needs a string column, %q is %s", nodeID, cond.Operator, cond.Column, d)
		}
		if _, ok := cond.Value.(string); !ok {
			return "", qerr.New(qerr.KindInvalidGraph,
				"node %s: %s on %q needs a string value", nodeID, cond.Operator, cond.Column)
		}
	case "IS NULL", "IS NOT NULL":
	default:
		return "", qerr.InvalidOperator(cond.Operator)
	}
	return d, nil
}

func buildPredicate(stmt *SelectStmt, conds []Condition, cols []schema.Column, nodeID string) (Expr, error) {
	preds := make([]Expr, 0, len(conds))
	for _, cond := range conds {
		d, err := checkCondition(cond, cols, nodeID)
		if err != nil {
			return nil, err
		}
		lhs := rewriteRefs(ColumnRef{Name: cond.Column}, stmt)
		p, err := condExpr(lhs, d, cond, nodeID)
		if err != nil {
			return nil, err
		}
		preds = append(preds, p)
	}
	if len(preds) == 1 {
		return preds[0], nil
	}
	return And{Exprs: preds}, nil
}

// condExpr lowers one validated condition to a predicate with typed
// literals. The value shapes were checked by checkCondition.
func condExpr(lhs Expr, d schema.DType, cond Condition, nodeID string) (Expr, error) {
	lit := func(v any) (Literal, error) {
		l, err := typedLiteral(d, v)
		if err != nil {
			return Literal{}, qerr.New(qerr.KindInvalidGraph,
				"node %s: filter on %q: %v", nodeID, cond.Column, err)
		}
		return l, nil
	}
	op := CanonOperator(cond.Operator)
	switch op {
	case "=", "!=", ">", "<", ">=", "<=":
		r, err := lit(cond.Value)
		if err != nil {
			return nil, err
		}
		return Compare{Op: op, Left: lhs, Right: r}, nil

	case "IN", "NOT IN":
		vals := cond.Value.([]any)
		exprs := make([]Expr, len(vals))
		for i, v := range vals {
			l, err := lit(v)
			if err != nil {
				return nil, err
			}
			exprs[i] = l
		}
		return InList{Expr: lhs, Values: exprs, Negate: op == "NOT IN"}, nil

	case "BETWEEN":
		vals := cond.Value.([]any)
		lower, err := lit(vals[0])
		if err != nil {
			return nil, err
		}
		upper, err := lit(vals[1])
		if err != nil {
			return nil, err
		}
		return Between{Expr: lhs, Lower: lower, Upper: upper}, nil

	case "LIKE":
		return Compare{Op: "LIKE", Left: lhs,
			Right: Literal{Type: schema.TypeString, Value: cond.Value.(string)}}, nil
	case "CONTAINS":
		return Compare{Op: "LIKE", Left: lhs,
			Right: Literal{Type: schema.TypeString, Value: "%" + escapeLike(cond.Value.(string)) + "%"}}, nil
	case "STARTS_WITH":
		return Compare{Op: "LIKE", Left: lhs,
			Right: Literal{Type: schema.TypeString, Value: escapeLike(cond.Value.(string)) + "%"}}, nil
	case "ENDS_WITH":
		return Compare{Op: "LIKE", Left: lhs,
			Right: Literal{Type: schema.TypeString, Value: "%" + escapeLike(cond.Value.(string))}}, nil

	case "IS NULL":
		return NullCheck{Expr: lhs}, nil
	case "IS NOT NULL":
		return NullCheck{Expr: lhs, Negate: true}, nil
	}
	return nil, qerr.InvalidOperator(cond.Operator)
}

// typedLiteral coerces a JSON-decoded value to a literal of the column's
// dtype. Mismatches are errors, never silent casts.
func typedLiteral(d schema.DType, v any) (Literal, error) {
	if v == nil {
		return Literal{Type: d, Null: true}, nil
	}
	switch d {
	case schema.TypeInt64:
		switch n := v.(type) {
		case int:
			return Literal{Type: d, Value: int64(n)}, nil
		case int64:
			return Literal{Type: d, Value: n}, nil
		case float64:
			if n != math.Trunc(n) {
				return Literal{}, fmt.Errorf("value %v is not an integer", v)
			}
			return Literal{Type: d, Value: int64(n)}, nil
		}
	case schema.TypeFloat64:
		switch n := v.(type) {
		case float64:
			return Literal{Type: d, Value: n}, nil
		case int:
			return Literal{Type: d, Value: float64(n)}, nil
		case int64:
			return Literal{Type: d, Value: float64(n)}, nil
		}
	case schema.TypeBool:
		if b, ok := v.(bool); ok {
			return Literal{Type: d, Value: b}, nil
		}
	case schema.TypeDatetime:
		if t, err := parseDatetime(v); err == nil {
			return Literal{Type: d, Value: t}, nil
		}
	case schema.TypeString:
		if s, ok := v.(string); ok {
			return Literal{Type: d, Value: s}, nil
		}
	}
	return Literal{}, fmt.Errorf("value %v does not fit column type %s", v, d)
}

var datetimeLayouts = []string{time.RFC3339, DatetimeLayout, "2006-01-02"}

func parseDatetime(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t, nil
	case string:
		for _, layout := range datetimeLayouts {
			if ts, err := time.Parse(layout, t); err == nil {
				return ts, nil
			}
		}
	case float64: // unix seconds
		return time.Unix(int64(t), 0).UTC(), nil
	case int64:
		return time.Unix(t, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("cannot parse %v as a datetime", v)
}

// rewriteRefs replaces output-name column references with the expressions
// the statement's projection computes for them, so merged clauses stay
// valid when a name aliases a formula or an aggregation.
func rewriteRefs(e Expr, stmt *SelectStmt) Expr {
	switch v := e.(type) {
	case ColumnRef:
		if v.Table == "" {
			if it, ok := stmt.Item(v.Name); ok {
				return it.Expr
			}
		}
		return v
	case Compare:
		v.Left = rewriteRefs(v.Left, stmt)
		v.Right = rewriteRefs(v.Right, stmt)
		return v
	case InList:
		v.Expr = rewriteRefs(v.Expr, stmt)
		vals := make([]Expr, len(v.Values))
		for i, x := range v.Values {
			vals[i] = rewriteRefs(x, stmt)
		}
		v.Values = vals
		return v
	case Between:
		v.Expr = rewriteRefs(v.Expr, stmt)
		v.Lower = rewriteRefs(v.Lower, stmt)
		v.Upper = rewriteRefs(v.Upper, stmt)
		return v
	case NullCheck:
		v.Expr = rewriteRefs(v.Expr, stmt)
		return v
	case And:
		exprs := make([]Expr, len(v.Exprs))
		for i, x := range v.Exprs {
			exprs[i] = rewriteRefs(x, stmt)
		}
		v.Exprs = exprs
		return v
	case Or:
		exprs := make([]Expr, len(v.Exprs))
		for i, x := range v.Exprs {
			exprs[i] = rewriteRefs(x, stmt)
		}
		v.Exprs = exprs
		return v
	case Not:
		v.Expr = rewriteRefs(v.Expr, stmt)
		return v
	case Arith:
		v.Left = rewriteRefs(v.Left, stmt)
		v.Right = rewriteRefs(v.Right, stmt)
		return v
	case FuncCall:
		args := make([]Expr, len(v.Args))
		for i, x := range v.Args {
			args[i] = rewriteRefs(x, stmt)
		}
		v.Args = args
		return v
	case Cast:
		v.Expr = rewriteRefs(v.Expr, stmt)
		return v
	case Case:
		whens := make([]When, len(v.Whens))
		for i, w := range v.Whens {
			whens[i] = When{Cond: rewriteRefs(w.Cond, stmt), Then: rewriteRefs(w.Then, stmt)}
		}
		v.Whens = whens
		if v.Else != nil {
			v.Else = rewriteRefs(v.Else, stmt)
		}
		return v
	case WindowExpr:
		args := make([]Expr, len(v.Args))
		for i, x := range v.Args {
			args[i] = rewriteRefs(x, stmt)
		}
		v.Args = args
		parts := make([]Expr, len(v.PartitionBy))
		for i, x := range v.PartitionBy {
			parts[i] = rewriteRefs(x, stmt)
		}
		v.PartitionBy = parts
		order := make([]OrderItem, len(v.OrderBy))
		for i, o := range v.OrderBy {
			order[i] = OrderItem{Expr: rewriteRefs(o.Expr, stmt), Desc: o.Desc}
		}
		v.OrderBy = order
		return v
	default:
		return e
	}
}

var aggregateFuncs = map[string]bool{
	"count": true, "count_distinct": true, "sum": true, "avg": true,
	"min": true, "max": true, "stddev": true, "variance": true,
}

// hasAggregate reports whether e contains an aggregate call. Predicates
// over aggregates belong in HAVING regardless of grouping keys.
func hasAggregate(e Expr) bool {
	switch v := e.(type) {
	case FuncCall:
		if aggregateFuncs[v.Name] {
			return true
		}
		for _, x := range v.Args {
			if hasAggregate(x) {
				return true
			}
		}
	case Compare:
		return hasAggregate(v.Left) || hasAggregate(v.Right)
	case InList:
		if hasAggregate(v.Expr) {
			return true
		}
		for _, x := range v.Values {
			if hasAggregate(x) {
				return true
			}
		}
	case Between:
		return hasAggregate(v.Expr) || hasAggregate(v.Lower) || hasAggregate(v.Upper)
	case NullCheck:
		return hasAggregate(v.Expr)
	case And:
		for _, x := range v.Exprs {
			if hasAggregate(x) {
				return true
			}
		}
	case Or:
		for _, x := range v.Exprs {
			if hasAggregate(x) {
				return true
			}
		}
	case Not:
		return hasAggregate(v.Expr)
	case Arith:
		return hasAggregate(v.Left) || hasAggregate(v.Right)
	case Cast:
		return hasAggregate(v.Expr)
	case Case:
		for _, w := range v.Whens {
			if hasAggregate(w.Cond) || hasAggregate(w.Then) {
				return true
			}
		}
		if v.Else != nil {
			return hasAggregate(v.Else)
		}
	}
	return false
}

func dtypeOf(cols []schema.Column, name string) (schema.DType, bool) {
	for _, c := range cols {
		if c.Name == name {
			return c.Type, true
		}
	}
	return "", false
}

func hasColumn(cols []schema.Column, name string) bool {
	_, ok := dtypeOf(cols, name)
	return ok
}

func mergeTables(a, b []string) []string {
	return append(append([]string(nil), a...), b...)
}

func sortedTables(tables []string) []string {
	out := lo.Uniq(tables)
	sort.Strings(out)
	return out
}
