package dispatch

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mitchellh/hashstructure/v2"

	"github.com/slateql/slate/qerr"
	"github.com/slateql/slate/sqlgen"
)

// ApplyPostOps runs the in-process pipeline the compiler recorded for kv
// rows. Each op sees the row shape produced by the previous one, so
// condition and key names resolve against whatever names are current at
// that stage. The returned total is the row count entering the last page
// op, which is the match count before pagination.
func ApplyPostOps(rows []map[string]any, ops []sqlgen.PostOp) ([]map[string]any, int, error) {
	var err error
	total := len(rows)
	for _, op := range ops {
		switch op.Kind {
		case "filter":
			rows, err = filterRows(rows, op.Conditions)
		case "sort":
			sortRows(rows, op.Keys)
		case "select":
			rows = selectColumns(rows, op.Columns)
		case "rename":
			renameColumns(rows, op.Rename)
		case "unique":
			rows, err = uniqueRows(rows)
		case "page":
			total = len(rows)
			rows = pageRows(rows, op.Offset, op.Limit)
		default:
			err = qerr.Internal("kv: unknown post op %q", op.Kind)
		}
		if err != nil {
			return nil, 0, err
		}
		if op.Kind != "page" {
			total = len(rows)
		}
	}
	return rows, total, nil
}

func filterRows(rows []map[string]any, conds []sqlgen.Condition) ([]map[string]any, error) {
	out := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		keep := true
		for _, cond := range conds {
			ok, err := matchCondition(row, cond)
			if err != nil {
				return nil, err
			}
			if !ok {
				keep = false
				break
			}
		}
		if keep {
			out = append(out, row)
		}
	}
	return out, nil
}

// matchCondition evaluates one predicate against a row. Null follows the
// SQL dialects: it matches nothing except the null checks. The operator
// spellings were validated at compile time.
func matchCondition(row map[string]any, cond sqlgen.Condition) (bool, error) {
	v := row[cond.Column]
	op := sqlgen.CanonOperator(cond.Operator)

	switch op {
	case "IS NULL":
		return v == nil, nil
	case "IS NOT NULL":
		return v != nil, nil
	}
	if v == nil {
		return false, nil
	}

	switch op {
	case "=":
		return compareValues(v, cond.Value) == 0, nil
	case "!=":
		return compareValues(v, cond.Value) != 0, nil
	case ">":
		return compareValues(v, cond.Value) > 0, nil
	case ">=":
		return compareValues(v, cond.Value) >= 0, nil
	case "<":
		return compareValues(v, cond.Value) < 0, nil
	case "<=":
		return compareValues(v, cond.Value) <= 0, nil

	case "IN", "NOT IN":
		vals, ok := cond.Value.([]any)
		if !ok {
			return false, qerr.Internal("kv: %s filter on %q lost its value list", op, cond.Column)
		}
		found := false
		for _, item := range vals {
			if compareValues(v, item) == 0 {
				found = true
				break
			}
		}
		if op == "NOT IN" {
			return !found, nil
		}
		return found, nil

	case "BETWEEN":
		vals, ok := cond.Value.([]any)
		if !ok || len(vals) != 2 {
			return false, qerr.Internal("kv: BETWEEN filter on %q lost its bounds", cond.Column)
		}
		return compareValues(v, vals[0]) >= 0 && compareValues(v, vals[1]) <= 0, nil

	case "LIKE", "CONTAINS":
		s, needle, err := stringOperands(v, cond)
		if err != nil {
			return false, err
		}
		if op == "LIKE" {
			return matchLike(s, needle), nil
		}
		return strings.Contains(s, needle), nil
	case "STARTS_WITH":
		s, needle, err := stringOperands(v, cond)
		if err != nil {
			return false, err
		}
		return strings.HasPrefix(s, needle), nil
	case "ENDS_WITH":
		s, needle, err := stringOperands(v, cond)
		if err != nil {
			return false, err
		}
		return strings.HasSuffix(s, needle), nil
	}
	return false, qerr.InvalidOperator(cond.Operator)
}

func stringOperands(v any, cond sqlgen.Condition) (string, string, error) {
	s, ok := v.(string)
	if !ok {
		return "", "", qerr.Internal("kv: %s filter on %q applied to %T", cond.Operator, cond.Column, v)
	}
	needle, ok := cond.Value.(string)
	if !ok {
		return "", "", qerr.Internal("kv: %s filter on %q lost its pattern", cond.Operator, cond.Column)
	}
	return s, needle, nil
}

// matchLike interprets the SQL pattern wildcards % and _ against the whole
// string. Backslash escapes a wildcard.
func matchLike(s, pattern string) bool {
	return likeMatch([]rune(s), []rune(pattern))
}

func likeMatch(s, p []rune) bool {
	if len(p) == 0 {
		return len(s) == 0
	}
	switch p[0] {
	case '%':
		for i := 0; i <= len(s); i++ {
			if likeMatch(s[i:], p[1:]) {
				return true
			}
		}
		return false
	case '_':
		return len(s) > 0 && likeMatch(s[1:], p[1:])
	case '\\':
		if len(p) > 1 {
			return len(s) > 0 && s[0] == p[1] && likeMatch(s[1:], p[2:])
		}
		return len(s) == 1 && s[0] == '\\'
	default:
		return len(s) > 0 && s[0] == p[0] && likeMatch(s[1:], p[1:])
	}
}

// sortRows orders rows by the keys, stably so earlier sorts survive as
// tie-breaks. Null orders after everything regardless of direction.
func sortRows(rows []map[string]any, keys []sqlgen.SortKey) {
	sort.SliceStable(rows, func(i, j int) bool {
		for _, k := range keys {
			a, b := rows[i][k.Column], rows[j][k.Column]
			switch {
			case a == nil && b == nil:
				continue
			case a == nil:
				return false
			case b == nil:
				return true
			}
			c := compareValues(a, b)
			if c == 0 {
				continue
			}
			if k.Desc {
				return c > 0
			}
			return c < 0
		}
		return false
	})
}

func selectColumns(rows []map[string]any, cols []string) []map[string]any {
	for i, row := range rows {
		next := make(map[string]any, len(cols))
		for _, name := range cols {
			if v, ok := row[name]; ok {
				next[name] = v
			}
		}
		rows[i] = next
	}
	return rows
}

func renameColumns(rows []map[string]any, renames map[string]string) {
	for _, row := range rows {
		for old, next := range renames {
			if v, ok := row[old]; ok {
				delete(row, old)
				row[next] = v
			}
		}
	}
}

// uniqueRows drops duplicate rows, keeping first occurrences in order.
func uniqueRows(rows []map[string]any) ([]map[string]any, error) {
	seen := make(map[uint64]struct{}, len(rows))
	out := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		h, err := hashRow(row)
		if err != nil {
			return nil, qerr.Wrap(qerr.KindInternal, err, "kv: hash row")
		}
		if _, dup := seen[h]; dup {
			continue
		}
		seen[h] = struct{}{}
		out = append(out, row)
	}
	return out, nil
}

// hashRow fingerprints a row's values. Times hash by instant; reflection
// sees no exported fields on them.
func hashRow(row map[string]any) (uint64, error) {
	norm := make(map[string]any, len(row))
	for k, v := range row {
		if t, ok := v.(time.Time); ok {
			norm[k] = t.UnixNano()
			continue
		}
		norm[k] = v
	}
	return hashstructure.Hash(norm, hashstructure.FormatV2, nil)
}

func pageRows(rows []map[string]any, offset, limit int) []map[string]any {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(rows) {
		return []map[string]any{}
	}
	rows = rows[offset:]
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows
}

// compareValues orders two decoded values. Numbers compare numerically
// across int64 and float64, nil orders after everything, and mismatched
// types fall back to their printed forms so the ordering is at least total.
func compareValues(a, b any) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return 1
	case b == nil:
		return -1
	}
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			switch {
			case fa < fb:
				return -1
			case fa > fb:
				return 1
			default:
				return 0
			}
		}
	}
	switch av := a.(type) {
	case string:
		if bv, ok := b.(string); ok {
			return strings.Compare(av, bv)
		}
	case bool:
		if bv, ok := b.(bool); ok {
			switch {
			case av == bv:
				return 0
			case bv:
				return -1
			default:
				return 1
			}
		}
	case time.Time:
		if bv, ok := timeValue(b); ok {
			return av.Compare(bv)
		}
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	}
	return 0, false
}

// timeValue accepts both decoded times and the string forms request
// filters carry.
func timeValue(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		return parseTime(t)
	}
	return time.Time{}, false
}
