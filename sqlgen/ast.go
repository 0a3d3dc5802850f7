// Package sqlgen builds typed SQL from transformation graphs.
//
// The compiler walks a graph in shared topological order, folds
// merge-compatible nodes into one SELECT, injects tenant predicates at the
// table leaves, and renders through a per-store dialect. User values never
// reach the SQL text except as typed literals or bind parameters; user
// identifiers are validated before they are interpolated.
package sqlgen

import (
	"github.com/slateql/slate/schema"
)

// Expr is a node in the expression tree. The set of variants is closed;
// renderers dispatch with a type switch.
type Expr interface {
	isExpr()
}

// ColumnRef references a column, optionally qualified by a table alias.
type ColumnRef struct {
	Table string
	Name  string
}

// Literal is a typed constant. Null literals keep their dtype so dialects
// can still cast when needed.
type Literal struct {
	Type  schema.DType
	Value any
	Null  bool
}

// Star is the bare `*` projection used by pagination wrappers.
type Star struct{}

// Compare is a binary comparison: = != > < >= <= LIKE NOT LIKE.
type Compare struct {
	Op    string
	Left  Expr
	Right Expr
}

// InList is `expr [NOT] IN (values...)`.
type InList struct {
	Expr   Expr
	Values []Expr
	Negate bool
}

// Between is `expr BETWEEN lower AND upper`.
type Between struct {
	Expr  Expr
	Lower Expr
	Upper Expr
}

// NullCheck is `expr IS [NOT] NULL`.
type NullCheck struct {
	Expr   Expr
	Negate bool
}

// And conjoins children; renderers parenthesize each.
type And struct {
	Exprs []Expr
}

// Or disjoins children; renderers parenthesize each.
type Or struct {
	Exprs []Expr
}

// Not negates a predicate.
type Not struct {
	Expr Expr
}

// Arith is binary arithmetic: + - * / %.
type Arith struct {
	Op    string
	Left  Expr
	Right Expr
}

// FuncCall is a scalar or aggregate call. Names are engine-internal and
// lowered per dialect; they never come verbatim from user input.
type FuncCall struct {
	Name     string
	Args     []Expr
	Distinct bool
}

// Cast converts an expression to a dtype.
type Cast struct {
	Expr Expr
	To   schema.DType
}

// Case is a searched CASE expression.
type Case struct {
	Whens []When
	Else  Expr
}

// When is one WHEN/THEN arm of a Case.
type When struct {
	Cond Expr
	Then Expr
}

// WindowExpr is `func(args) OVER (PARTITION BY ... ORDER BY ...)`.
type WindowExpr struct {
	Func        string
	Args        []Expr
	PartitionBy []Expr
	OrderBy     []OrderItem
}

func (ColumnRef) isExpr()  {}
func (Literal) isExpr()    {}
func (Star) isExpr()       {}
func (Compare) isExpr()    {}
func (InList) isExpr()     {}
func (Between) isExpr()    {}
func (NullCheck) isExpr()  {}
func (And) isExpr()        {}
func (Or) isExpr()         {}
func (Not) isExpr()        {}
func (Arith) isExpr()      {}
func (FuncCall) isExpr()   {}
func (Cast) isExpr()       {}
func (Case) isExpr()       {}
func (WindowExpr) isExpr() {}

// SelectItem is one projection entry.
type SelectItem struct {
	Expr  Expr
	Alias string
}

// OutputName is the column name the item produces: the alias when set,
// otherwise the referenced column's name.
func (s SelectItem) OutputName() string {
	if s.Alias != "" {
		return s.Alias
	}
	if c, ok := s.Expr.(ColumnRef); ok {
		return c.Name
	}
	return ""
}

// OrderItem is one ORDER BY entry.
type OrderItem struct {
	Expr Expr
	Desc bool
}

// TableRef is a FROM source: a named table or a subquery.
type TableRef struct {
	Table string
	Sub   *SelectStmt
	Alias string
}

// JoinClause attaches one joined source.
type JoinClause struct {
	Type  string // inner, left, right, full
	Right TableRef
	On    Expr
}

// Settings is the integer-only resource clause appended to OLAP statements.
// Values come from configuration, never from request payloads.
type Settings struct {
	MaxExecutionTime int
	MaxMemoryBytes   int64
	MaxRowsToRead    int64
}

// SelectStmt is one SELECT, possibly nested through TableRef.Sub and
// chained through Unions.
type SelectStmt struct {
	Distinct bool
	Columns  []SelectItem
	From     TableRef
	Joins    []JoinClause
	Where    Expr
	GroupBy  []Expr
	Having   Expr
	OrderBy  []OrderItem
	Limit    *int
	Offset   *int
	Unions   []*SelectStmt // UNION ALL chain
	Settings *Settings
}

// AndWhere conjoins pred onto the statement's WHERE clause.
func (s *SelectStmt) AndWhere(pred Expr) {
	s.Where = conjoin(s.Where, pred)
}

// AndHaving conjoins pred onto the statement's HAVING clause.
func (s *SelectStmt) AndHaving(pred Expr) {
	s.Having = conjoin(s.Having, pred)
}

func conjoin(cur, pred Expr) Expr {
	if cur == nil {
		return pred
	}
	if a, ok := cur.(And); ok {
		// Copy before extending: statements are cloned shallowly when a
		// node's output feeds several branches, so the slice may be shared.
		exprs := make([]Expr, len(a.Exprs), len(a.Exprs)+1)
		copy(exprs, a.Exprs)
		return And{Exprs: append(exprs, pred)}
	}
	return And{Exprs: []Expr{cur, pred}}
}

// Item returns the projection item producing the given output column name.
func (s *SelectStmt) Item(name string) (SelectItem, bool) {
	for _, it := range s.Columns {
		if it.OutputName() == name {
			return it, true
		}
	}
	return SelectItem{}, false
}

// HasWindow reports whether e contains a window function anywhere.
// Window expressions cannot appear in WHERE or HAVING; callers wrap the
// statement in a subquery first.
func HasWindow(e Expr) bool {
	switch v := e.(type) {
	case WindowExpr:
		return true
	case Compare:
		return HasWindow(v.Left) || HasWindow(v.Right)
	case InList:
		if HasWindow(v.Expr) {
			return true
		}
		for _, x := range v.Values {
			if HasWindow(x) {
				return true
			}
		}
	case Between:
		return HasWindow(v.Expr) || HasWindow(v.Lower) || HasWindow(v.Upper)
	case NullCheck:
		return HasWindow(v.Expr)
	case And:
		for _, x := range v.Exprs {
			if HasWindow(x) {
				return true
			}
		}
	case Or:
		for _, x := range v.Exprs {
			if HasWindow(x) {
				return true
			}
		}
	case Not:
		return HasWindow(v.Expr)
	case Arith:
		return HasWindow(v.Left) || HasWindow(v.Right)
	case FuncCall:
		for _, x := range v.Args {
			if HasWindow(x) {
				return true
			}
		}
	case Cast:
		return HasWindow(v.Expr)
	case Case:
		for _, w := range v.Whens {
			if HasWindow(w.Cond) || HasWindow(w.Then) {
				return true
			}
		}
		if v.Else != nil {
			return HasWindow(v.Else)
		}
	}
	return false
}
