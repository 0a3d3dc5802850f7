package sqlgen

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/slateql/slate/qerr"
	"github.com/slateql/slate/schema"
)

// Dialect renders a SelectStmt to executable SQL text.
//
// The olap dialect inlines typed literals and appends the SETTINGS clause;
// the stream dialect emits $n placeholders and returns the bind args. Both
// quote identifiers the same way user values are escaped: unconditionally
// safe, never trusting the caller.
type Dialect interface {
	// Name identifies the dialect in segments and logs.
	Name() string

	// Render produces SQL text and bind args for the statement.
	// The args slice is empty for dialects that inline literals.
	Render(stmt *SelectStmt) (string, []any, error)
}

// DialectFor returns the dialect serving the given store.
// KV targets carry no SQL and have no dialect.
func DialectFor(src schema.Source) (Dialect, error) {
	switch src {
	case schema.SourceOLAP:
		return OLAP, nil
	case schema.SourceStream:
		return Stream, nil
	default:
		return nil, qerr.Internal("no SQL dialect for source %q", src)
	}
}

var (
	// OLAP is the ClickHouse-flavored dialect used for the columnar store.
	OLAP Dialect = olapDialect{}

	// Stream is the PostgreSQL dialect used for the materialized-view engine.
	Stream Dialect = streamDialect{}
)

// DatetimeLayout is the canonical wall-clock layout for datetime literals.
const DatetimeLayout = "2006-01-02 15:04:05"

type olapDialect struct{}

func (olapDialect) Name() string { return "olap" }

func (olapDialect) Render(stmt *SelectStmt) (string, []any, error) {
	r := &renderer{hooks: olapHooks{}}
	if err := r.selectStmt(stmt, true); err != nil {
		return "", nil, err
	}
	return r.sb.String(), nil, nil
}

type streamDialect struct{}

func (streamDialect) Name() string { return "stream" }

func (streamDialect) Render(stmt *SelectStmt) (string, []any, error) {
	r := &renderer{hooks: streamHooks{}}
	if err := r.selectStmt(stmt, true); err != nil {
		return "", nil, err
	}
	return r.sb.String(), r.args, nil
}

// dialectHooks is the small per-dialect surface: literal placement, type
// names, function spellings. Everything structural is shared.
type dialectHooks interface {
	literal(r *renderer, l Literal)
	typeName(d schema.DType) string
	funcName(name string) string
	quoteIdent(name string) string
	// subqueryAlias reports whether FROM subqueries require an alias.
	subqueryAlias() bool
	// distinctInCall reports whether aggregate distinctness is spelled with
	// the DISTINCT keyword. The olap store encodes it in the function name.
	distinctInCall() bool
	// frameClause returns the window frame required for fn, or "".
	frameClause(fn string) string
	// settings renders the resource clause, or "" when unsupported.
	settings(s *Settings) string
}

type renderer struct {
	hooks dialectHooks
	sb    strings.Builder
	args  []any
	subN  int
	err   error
}

func (r *renderer) fail(format string, a ...any) {
	if r.err == nil {
		r.err = qerr.Internal(format, a...)
	}
}

func (r *renderer) selectStmt(s *SelectStmt, top bool) error {
	if s == nil {
		return qerr.Internal("render of nil statement")
	}
	r.core(s)
	for _, u := range s.Unions {
		r.sb.WriteString(" UNION ALL ")
		r.core(u)
	}
	if len(s.OrderBy) > 0 {
		r.sb.WriteString(" ORDER BY ")
		r.orderItems(s.OrderBy)
	}
	if s.Limit != nil {
		r.sb.WriteString(" LIMIT ")
		r.sb.WriteString(strconv.Itoa(*s.Limit))
	}
	if s.Offset != nil {
		r.sb.WriteString(" OFFSET ")
		r.sb.WriteString(strconv.Itoa(*s.Offset))
	}
	if top && s.Settings != nil {
		r.sb.WriteString(r.hooks.settings(s.Settings))
	}
	return r.err
}

// core renders one SELECT without its union chain or trailing clauses.
func (r *renderer) core(s *SelectStmt) {
	r.sb.WriteString("SELECT ")
	if s.Distinct {
		r.sb.WriteString("DISTINCT ")
	}
	if len(s.Columns) == 0 {
		r.fail("statement has no projection")
		return
	}
	for i, item := range s.Columns {
		if i > 0 {
			r.sb.WriteString(", ")
		}
		r.expr(item.Expr)
		if item.Alias != "" && item.Alias != refName(item.Expr) {
			r.sb.WriteString(" AS ")
			r.sb.WriteString(r.hooks.quoteIdent(item.Alias))
		}
	}
	r.sb.WriteString(" FROM ")
	r.tableRef(s.From)
	for _, j := range s.Joins {
		r.sb.WriteString(" ")
		r.sb.WriteString(strings.ToUpper(j.Type))
		r.sb.WriteString(" JOIN ")
		r.tableRef(j.Right)
		r.sb.WriteString(" ON ")
		r.expr(j.On)
	}
	if s.Where != nil {
		r.sb.WriteString(" WHERE ")
		r.expr(s.Where)
	}
	if len(s.GroupBy) > 0 {
		r.sb.WriteString(" GROUP BY ")
		for i, g := range s.GroupBy {
			if i > 0 {
				r.sb.WriteString(", ")
			}
			r.expr(g)
		}
	}
	if s.Having != nil {
		r.sb.WriteString(" HAVING ")
		r.expr(s.Having)
	}
}

// refName returns the name of a plain column reference, or "".
func refName(e Expr) string {
	if c, ok := e.(ColumnRef); ok {
		return c.Name
	}
	return ""
}

func (r *renderer) tableRef(t TableRef) {
	switch {
	case t.Sub != nil:
		r.sb.WriteString("(")
		sub := &renderer{hooks: r.hooks, args: r.args, subN: r.subN}
		if err := sub.selectStmt(t.Sub, false); err != nil {
			r.fail("%v", err)
			return
		}
		r.sb.WriteString(sub.sb.String())
		r.args = sub.args
		r.subN = sub.subN
		r.sb.WriteString(")")
		alias := t.Alias
		if alias == "" && r.hooks.subqueryAlias() {
			r.subN++
			alias = "sub" + strconv.Itoa(r.subN)
		}
		if alias != "" {
			r.sb.WriteString(" AS ")
			r.sb.WriteString(r.hooks.quoteIdent(alias))
		}
	case t.Table != "":
		r.sb.WriteString(r.qualified(t.Table))
		if t.Alias != "" {
			r.sb.WriteString(" AS ")
			r.sb.WriteString(r.hooks.quoteIdent(t.Alias))
		}
	default:
		r.fail("table reference has neither table nor subquery")
	}
}

// qualified quotes a possibly database-qualified table name part by part.
func (r *renderer) qualified(name string) string {
	parts := strings.Split(name, ".")
	for i, p := range parts {
		parts[i] = r.hooks.quoteIdent(p)
	}
	return strings.Join(parts, ".")
}

func (r *renderer) orderItems(items []OrderItem) {
	for i, o := range items {
		if i > 0 {
			r.sb.WriteString(", ")
		}
		r.expr(o.Expr)
		if o.Desc {
			r.sb.WriteString(" DESC")
		}
	}
}

func (r *renderer) expr(e Expr) {
	switch v := e.(type) {
	case nil:
		r.fail("nil expression")

	case ColumnRef:
		if v.Table != "" {
			r.sb.WriteString(r.hooks.quoteIdent(v.Table))
			r.sb.WriteString(".")
		}
		r.sb.WriteString(r.hooks.quoteIdent(v.Name))

	case Literal:
		r.hooks.literal(r, v)

	case Star:
		r.sb.WriteString("*")

	case Compare:
		r.expr(v.Left)
		r.sb.WriteString(" ")
		r.sb.WriteString(v.Op)
		r.sb.WriteString(" ")
		r.expr(v.Right)

	case InList:
		r.expr(v.Expr)
		if v.Negate {
			r.sb.WriteString(" NOT IN (")
		} else {
			r.sb.WriteString(" IN (")
		}
		for i, val := range v.Values {
			if i > 0 {
				r.sb.WriteString(", ")
			}
			r.expr(val)
		}
		r.sb.WriteString(")")

	case Between:
		r.expr(v.Expr)
		r.sb.WriteString(" BETWEEN ")
		r.expr(v.Lower)
		r.sb.WriteString(" AND ")
		r.expr(v.Upper)

	case NullCheck:
		r.expr(v.Expr)
		if v.Negate {
			r.sb.WriteString(" IS NOT NULL")
		} else {
			r.sb.WriteString(" IS NULL")
		}

	case And:
		r.conjunction(v.Exprs, " AND ")

	case Or:
		r.conjunction(v.Exprs, " OR ")

	case Not:
		r.sb.WriteString("NOT (")
		r.expr(v.Expr)
		r.sb.WriteString(")")

	case Arith:
		r.sb.WriteString("(")
		r.expr(v.Left)
		r.sb.WriteString(" ")
		r.sb.WriteString(v.Op)
		r.sb.WriteString(" ")
		r.expr(v.Right)
		r.sb.WriteString(")")

	case FuncCall:
		r.sb.WriteString(r.hooks.funcName(v.Name))
		r.sb.WriteString("(")
		if v.Distinct && r.hooks.distinctInCall() {
			r.sb.WriteString("DISTINCT ")
		}
		if len(v.Args) == 0 && (v.Name == "count") {
			r.sb.WriteString("*")
		}
		for i, a := range v.Args {
			if i > 0 {
				r.sb.WriteString(", ")
			}
			r.expr(a)
		}
		r.sb.WriteString(")")

	case Cast:
		r.sb.WriteString("CAST(")
		r.expr(v.Expr)
		r.sb.WriteString(" AS ")
		r.sb.WriteString(r.hooks.typeName(v.To))
		r.sb.WriteString(")")

	case Case:
		r.sb.WriteString("CASE")
		for _, w := range v.Whens {
			r.sb.WriteString(" WHEN ")
			r.expr(w.Cond)
			r.sb.WriteString(" THEN ")
			r.expr(w.Then)
		}
		if v.Else != nil {
			r.sb.WriteString(" ELSE ")
			r.expr(v.Else)
		}
		r.sb.WriteString(" END")

	case WindowExpr:
		r.sb.WriteString(r.hooks.funcName(v.Func))
		r.sb.WriteString("(")
		for i, a := range v.Args {
			if i > 0 {
				r.sb.WriteString(", ")
			}
			r.expr(a)
		}
		r.sb.WriteString(") OVER (")
		wrote := false
		if len(v.PartitionBy) > 0 {
			r.sb.WriteString("PARTITION BY ")
			for i, p := range v.PartitionBy {
				if i > 0 {
					r.sb.WriteString(", ")
				}
				r.expr(p)
			}
			wrote = true
		}
		if len(v.OrderBy) > 0 {
			if wrote {
				r.sb.WriteString(" ")
			}
			r.sb.WriteString("ORDER BY ")
			r.orderItems(v.OrderBy)
			wrote = true
		}
		if frame := r.hooks.frameClause(v.Func); frame != "" {
			if wrote {
				r.sb.WriteString(" ")
			}
			r.sb.WriteString(frame)
		}
		r.sb.WriteString(")")

	default:
		r.fail("unsupported expression %T", e)
	}
}

func (r *renderer) conjunction(exprs []Expr, op string) {
	if len(exprs) == 0 {
		r.fail("empty conjunction")
		return
	}
	if len(exprs) == 1 {
		r.expr(exprs[0])
		return
	}
	for i, e := range exprs {
		if i > 0 {
			r.sb.WriteString(op)
		}
		r.sb.WriteString("(")
		r.expr(e)
		r.sb.WriteString(")")
	}
}

// olapHooks inlines typed literals; values were coerced to the column dtype
// at compile time, so each branch sees the expected Go shape.
type olapHooks struct{}

func (olapHooks) literal(r *renderer, l Literal) {
	if l.Null {
		r.sb.WriteString("NULL")
		return
	}
	switch l.Type {
	case schema.TypeInt64:
		r.sb.WriteString(strconv.FormatInt(toInt64(l.Value), 10))
	case schema.TypeFloat64:
		r.sb.WriteString(strconv.FormatFloat(toFloat64(l.Value), 'g', -1, 64))
	case schema.TypeBool:
		if b, _ := l.Value.(bool); b {
			r.sb.WriteString("TRUE")
		} else {
			r.sb.WriteString("FALSE")
		}
	case schema.TypeDatetime:
		t, ok := l.Value.(time.Time)
		if !ok {
			r.fail("datetime literal holds %T", l.Value)
			return
		}
		r.sb.WriteString("toDateTime(")
		r.sb.WriteString(quoteLiteral(t.UTC().Format(DatetimeLayout)))
		r.sb.WriteString(")")
	default:
		r.sb.WriteString(quoteLiteral(toString(l.Value)))
	}
}

func (olapHooks) typeName(d schema.DType) string {
	switch d {
	case schema.TypeInt64:
		return "Int64"
	case schema.TypeFloat64:
		return "Float64"
	case schema.TypeBool:
		return "Bool"
	case schema.TypeDatetime:
		return "DateTime"
	default:
		return "String"
	}
}

func (olapHooks) funcName(name string) string {
	switch name {
	case "stddev":
		return "stddevSamp"
	case "variance":
		return "varSamp"
	case "count_distinct":
		return "uniqExact"
	case "substr":
		return "substring"
	case "lag":
		return "lagInFrame"
	case "lead":
		return "leadInFrame"
	default:
		return name
	}
}

func (olapHooks) quoteIdent(name string) string {
	if needsQuoting(name) {
		return "`" + strings.ReplaceAll(name, "`", "``") + "`"
	}
	return name
}

func (olapHooks) subqueryAlias() bool { return false }

func (olapHooks) distinctInCall() bool { return false }

// frameClause pins the frame for the *InFrame functions: the defaults only
// cover rows up to the current one, which breaks leadInFrame.
func (olapHooks) frameClause(fn string) string {
	if fn == "lag" || fn == "lead" {
		return "ROWS BETWEEN UNBOUNDED PRECEDING AND UNBOUNDED FOLLOWING"
	}
	return ""
}

func (olapHooks) settings(s *Settings) string {
	return fmt.Sprintf(" SETTINGS max_execution_time=%d, max_memory_usage=%d, max_rows_to_read=%d",
		s.MaxExecutionTime, s.MaxMemoryBytes, s.MaxRowsToRead)
}

// streamHooks parameterizes every literal; nothing user-supplied reaches
// the statement text.
type streamHooks struct{}

func (streamHooks) literal(r *renderer, l Literal) {
	if l.Null {
		r.sb.WriteString("NULL")
		return
	}
	var v any
	switch l.Type {
	case schema.TypeInt64:
		v = toInt64(l.Value)
	case schema.TypeFloat64:
		v = toFloat64(l.Value)
	case schema.TypeBool:
		b, _ := l.Value.(bool)
		v = b
	case schema.TypeDatetime:
		t, ok := l.Value.(time.Time)
		if !ok {
			r.fail("datetime literal holds %T", l.Value)
			return
		}
		v = t
	default:
		v = toString(l.Value)
	}
	r.args = append(r.args, v)
	r.sb.WriteString("$")
	r.sb.WriteString(strconv.Itoa(len(r.args)))
}

func (streamHooks) typeName(d schema.DType) string {
	switch d {
	case schema.TypeInt64:
		return "BIGINT"
	case schema.TypeFloat64:
		return "DOUBLE PRECISION"
	case schema.TypeBool:
		return "BOOLEAN"
	case schema.TypeDatetime:
		return "TIMESTAMP"
	case schema.TypeObject:
		return "JSONB"
	default:
		return "TEXT"
	}
}

func (streamHooks) funcName(name string) string {
	switch name {
	case "pow":
		return "power"
	case "count_distinct":
		return "count" // the renderer adds the DISTINCT keyword
	case "rand":
		return "random"
	default:
		return name
	}
}

func (streamHooks) quoteIdent(name string) string {
	if needsQuoting(name) {
		return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
	}
	return name
}

func (streamHooks) subqueryAlias() bool { return true }

func (streamHooks) distinctInCall() bool { return true }

func (streamHooks) frameClause(string) string { return "" }

func (streamHooks) settings(*Settings) string { return "" }

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	}
	return 0
}

func toFloat64(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	case int:
		return float64(n)
	}
	return 0
}

func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

// needsQuoting reports whether an identifier must be quoted: empty, not a
// plain word, or a reserved keyword.
func needsQuoting(name string) bool {
	if len(name) == 0 {
		return true
	}
	c := name[0]
	if !isLetter(c) && c != '_' {
		return true
	}
	for i := 1; i < len(name); i++ {
		c = name[i]
		if !isLetter(c) && !isDigit(c) && c != '_' {
			return true
		}
	}
	switch strings.ToUpper(name) {
	case "SELECT", "FROM", "WHERE", "AND", "OR", "NOT", "NULL", "TRUE", "FALSE",
		"JOIN", "LEFT", "RIGHT", "INNER", "FULL", "OUTER", "ON", "AS", "IN", "IS", "LIKE",
		"BETWEEN", "EXISTS", "CASE", "WHEN", "THEN", "ELSE", "END", "ORDER", "BY",
		"GROUP", "HAVING", "LIMIT", "OFFSET", "UNION", "ALL", "DISTINCT",
		"CAST", "INTERVAL", "DATE", "TIME", "TIMESTAMP", "TABLE", "SETTINGS",
		"ASC", "DESC", "NULLS", "FIRST", "LAST", "OVER", "PARTITION", "WINDOW", "VALUES":
		return true
	}
	return false
}

func isLetter(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}
