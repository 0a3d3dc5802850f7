package sqlgen

import (
	"strconv"
	"strings"

	"github.com/slateql/slate/qerr"
	"github.com/slateql/slate/schema"
)

// The formula sublanguage compiles user expressions into AST fragments:
// literals, bracketed column refs [name], arithmetic, comparison, AND/OR/NOT,
// IF(cond, then, else) and a whitelisted function set. Column refs resolve
// against the node's input schema; every literal becomes a typed AST literal,
// never raw text.

// formulaFuncs is the closed set of callable functions. Arity -1 means
// variadic with at least one argument.
var formulaFuncs = map[string]int{
	"abs":        1,
	"round":      -1, // round(x) or round(x, digits)
	"floor":      1,
	"ceil":       1,
	"sqrt":       1,
	"pow":        2,
	"lower":      1,
	"upper":      1,
	"trim":       1,
	"length":     1,
	"concat":     -1,
	"substr":     -1, // substr(s, start) or substr(s, start, len)
	"coalesce":   -1,
	"now":        0,
	"date_trunc": 2,
	"nullif":     2,
}

// ParseFormula compiles one formula expression against the input columns.
// Unknown column references fail with UnresolvedColumn; syntax and unknown
// functions fail with a validation error naming the offending position.
func ParseFormula(nodeID, input string, cols []schema.Column) (Expr, error) {
	toks, err := lexFormula(nodeID, input)
	if err != nil {
		return nil, err
	}
	p := &formulaParser{nodeID: nodeID, toks: toks, cols: cols}
	expr, err := p.parseExpr(0)
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tokEOF {
		return nil, p.errorf("unexpected %q", p.peek().text)
	}
	return expr, nil
}

type tokKind int

const (
	tokEOF tokKind = iota
	tokNumber
	tokString
	tokColumn // [name]
	tokIdent  // function names, AND/OR/NOT/IF, true/false/null
	tokOp     // + - * / % = != < <= > >= <>
	tokLParen
	tokRParen
	tokComma
)

type token struct {
	kind tokKind
	text string
	pos  int
}

func lexFormula(nodeID, input string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(input) {
		c := input[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++

		case c == '(':
			toks = append(toks, token{tokLParen, "(", i})
			i++
		case c == ')':
			toks = append(toks, token{tokRParen, ")", i})
			i++
		case c == ',':
			toks = append(toks, token{tokComma, ",", i})
			i++

		case c == '[':
			end := strings.IndexByte(input[i:], ']')
			if end < 0 {
				return nil, formulaError(nodeID, i, "unterminated column reference")
			}
			name := input[i+1 : i+end]
			if name == "" {
				return nil, formulaError(nodeID, i, "empty column reference")
			}
			toks = append(toks, token{tokColumn, name, i})
			i += end + 1

		case c == '\'':
			j := i + 1
			var sb strings.Builder
			for {
				if j >= len(input) {
					return nil, formulaError(nodeID, i, "unterminated string")
				}
				if input[j] == '\'' {
					// '' is an escaped quote.
					if j+1 < len(input) && input[j+1] == '\'' {
						sb.WriteByte('\'')
						j += 2
						continue
					}
					break
				}
				sb.WriteByte(input[j])
				j++
			}
			toks = append(toks, token{tokString, sb.String(), i})
			i = j + 1

		case isDigit(c) || (c == '.' && i+1 < len(input) && isDigit(input[i+1])):
			j := i
			for j < len(input) && (isDigit(input[j]) || input[j] == '.') {
				j++
			}
			toks = append(toks, token{tokNumber, input[i:j], i})
			i = j

		case isLetter(c) || c == '_':
			j := i
			for j < len(input) && (isLetter(input[j]) || isDigit(input[j]) || input[j] == '_') {
				j++
			}
			toks = append(toks, token{tokIdent, input[i:j], i})
			i = j

		case c == '<':
			if i+1 < len(input) && (input[i+1] == '=' || input[i+1] == '>') {
				toks = append(toks, token{tokOp, input[i : i+2], i})
				i += 2
			} else {
				toks = append(toks, token{tokOp, "<", i})
				i++
			}
		case c == '>':
			if i+1 < len(input) && input[i+1] == '=' {
				toks = append(toks, token{tokOp, ">=", i})
				i += 2
			} else {
				toks = append(toks, token{tokOp, ">", i})
				i++
			}
		case c == '!':
			if i+1 < len(input) && input[i+1] == '=' {
				toks = append(toks, token{tokOp, "!=", i})
				i += 2
			} else {
				return nil, formulaError(nodeID, i, "unexpected '!'")
			}
		case c == '=' || c == '+' || c == '-' || c == '*' || c == '/' || c == '%':
			toks = append(toks, token{tokOp, string(c), i})
			i++

		default:
			return nil, formulaError(nodeID, i, "unexpected character %q", string(c))
		}
	}
	toks = append(toks, token{tokEOF, "", len(input)})
	return toks, nil
}

func formulaError(nodeID string, pos int, format string, a ...any) error {
	return qerr.New(qerr.KindInvalidGraph, "node %s: formula at offset %d: "+format,
		append([]any{nodeID, pos}, a...)...)
}

type formulaParser struct {
	nodeID string
	toks   []token
	pos    int
	cols   []schema.Column
}

func (p *formulaParser) peek() token { return p.toks[p.pos] }

func (p *formulaParser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *formulaParser) errorf(format string, a ...any) error {
	return formulaError(p.nodeID, p.peek().pos, format, a...)
}

// Binding powers, loosest first: OR, AND, comparison, additive,
// multiplicative. NOT and unary minus are prefix.
func bindingPower(t token) int {
	if t.kind == tokIdent {
		switch strings.ToUpper(t.text) {
		case "OR":
			return 1
		case "AND":
			return 2
		}
		return 0
	}
	if t.kind != tokOp {
		return 0
	}
	switch t.text {
	case "=", "!=", "<>", "<", "<=", ">", ">=":
		return 3
	case "+", "-":
		return 4
	case "*", "/", "%":
		return 5
	}
	return 0
}

func (p *formulaParser) parseExpr(minBP int) (Expr, error) {
	left, err := p.parsePrefix()
	if err != nil {
		return nil, err
	}
	for {
		t := p.peek()
		bp := bindingPower(t)
		if bp == 0 || bp <= minBP {
			break
		}
		p.next()
		right, err := p.parseExpr(bp)
		if err != nil {
			return nil, err
		}
		left = combine(t, left, right)
	}
	return left, nil
}

func combine(t token, left, right Expr) Expr {
	if t.kind == tokIdent {
		switch strings.ToUpper(t.text) {
		case "AND":
			return And{Exprs: []Expr{left, right}}
		case "OR":
			return Or{Exprs: []Expr{left, right}}
		}
	}
	switch t.text {
	case "+", "-", "*", "/", "%":
		return Arith{Op: t.text, Left: left, Right: right}
	case "<>":
		return Compare{Op: "!=", Left: left, Right: right}
	default:
		return Compare{Op: t.text, Left: left, Right: right}
	}
}

func (p *formulaParser) parsePrefix() (Expr, error) {
	t := p.next()
	switch t.kind {
	case tokNumber:
		if strings.Contains(t.text, ".") {
			f, err := strconv.ParseFloat(t.text, 64)
			if err != nil {
				return nil, formulaError(p.nodeID, t.pos, "invalid number %q", t.text)
			}
			return Literal{Type: schema.TypeFloat64, Value: f}, nil
		}
		n, err := strconv.ParseInt(t.text, 10, 64)
		if err != nil {
			return nil, formulaError(p.nodeID, t.pos, "invalid number %q", t.text)
		}
		return Literal{Type: schema.TypeInt64, Value: n}, nil

	case tokString:
		return Literal{Type: schema.TypeString, Value: t.text}, nil

	case tokColumn:
		for _, c := range p.cols {
			if c.Name == t.text {
				return ColumnRef{Name: t.text}, nil
			}
		}
		return nil, qerr.UnresolvedColumn(p.nodeID, t.text)

	case tokLParen:
		inner, err := p.parseExpr(0)
		if err != nil {
			return nil, err
		}
		if p.peek().kind != tokRParen {
			return nil, p.errorf("expected ')'")
		}
		p.next()
		return inner, nil

	case tokOp:
		// Unary minus binds tighter than multiplication.
		if t.text == "-" {
			inner, err := p.parseExpr(6)
			if err != nil {
				return nil, err
			}
			if l, ok := inner.(Literal); ok && l.Type == schema.TypeInt64 {
				l.Value = -toInt64(l.Value)
				return l, nil
			}
			if l, ok := inner.(Literal); ok && l.Type == schema.TypeFloat64 {
				l.Value = -toFloat64(l.Value)
				return l, nil
			}
			return Arith{Op: "*", Left: Literal{Type: schema.TypeInt64, Value: int64(-1)}, Right: inner}, nil
		}
		return nil, formulaError(p.nodeID, t.pos, "unexpected operator %q", t.text)

	case tokIdent:
		switch strings.ToUpper(t.text) {
		case "TRUE":
			return Literal{Type: schema.TypeBool, Value: true}, nil
		case "FALSE":
			return Literal{Type: schema.TypeBool, Value: false}, nil
		case "NULL":
			return Literal{Type: schema.TypeString, Null: true}, nil
		case "NOT":
			inner, err := p.parseExpr(2)
			if err != nil {
				return nil, err
			}
			return Not{Expr: inner}, nil
		case "IF":
			return p.parseIf(t)
		case "CAST":
			return p.parseCast(t)
		}
		return p.parseCall(t)

	default:
		return nil, formulaError(p.nodeID, t.pos, "unexpected end of formula")
	}
}

// parseIf lowers IF(cond, then, else) to a searched CASE.
func (p *formulaParser) parseIf(t token) (Expr, error) {
	args, err := p.parseArgs(t)
	if err != nil {
		return nil, err
	}
	if len(args) != 3 {
		return nil, formulaError(p.nodeID, t.pos, "IF takes 3 arguments, got %d", len(args))
	}
	return Case{Whens: []When{{Cond: args[0], Then: args[1]}}, Else: args[2]}, nil
}

// parseCast handles CAST(expr, 'dtype') with the engine's closed type set.
func (p *formulaParser) parseCast(t token) (Expr, error) {
	args, err := p.parseArgs(t)
	if err != nil {
		return nil, err
	}
	if len(args) != 2 {
		return nil, formulaError(p.nodeID, t.pos, "CAST takes 2 arguments, got %d", len(args))
	}
	lit, ok := args[1].(Literal)
	if !ok || lit.Type != schema.TypeString {
		return nil, formulaError(p.nodeID, t.pos, "CAST target must be a type name string")
	}
	d, err := schema.ParseDType(toString(lit.Value))
	if err != nil {
		return nil, formulaError(p.nodeID, t.pos, "unknown cast target %q", toString(lit.Value))
	}
	return Cast{Expr: args[0], To: d}, nil
}

func (p *formulaParser) parseCall(t token) (Expr, error) {
	name := strings.ToLower(t.text)
	arity, ok := formulaFuncs[name]
	if !ok {
		return nil, formulaError(p.nodeID, t.pos, "unknown function %q", t.text)
	}
	args, err := p.parseArgs(t)
	if err != nil {
		return nil, err
	}
	switch {
	case arity >= 0 && len(args) != arity:
		return nil, formulaError(p.nodeID, t.pos, "%s takes %d arguments, got %d", name, arity, len(args))
	case arity < 0 && len(args) == 0:
		return nil, formulaError(p.nodeID, t.pos, "%s needs at least one argument", name)
	}
	return FuncCall{Name: name, Args: args}, nil
}

func (p *formulaParser) parseArgs(t token) ([]Expr, error) {
	if p.peek().kind != tokLParen {
		return nil, p.errorf("expected '(' after %q", t.text)
	}
	p.next()
	var args []Expr
	if p.peek().kind == tokRParen {
		p.next()
		return args, nil
	}
	for {
		a, err := p.parseExpr(0)
		if err != nil {
			return nil, err
		}
		args = append(args, a)
		switch p.peek().kind {
		case tokComma:
			p.next()
		case tokRParen:
			p.next()
			return args, nil
		default:
			return nil, p.errorf("expected ',' or ')'")
		}
	}
}
