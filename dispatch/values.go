package dispatch

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/slateql/slate/schema"
	"github.com/slateql/slate/sqlgen"
)

var datetimeLayouts = []string{time.RFC3339, sqlgen.DatetimeLayout, "2006-01-02"}

func parseTime(s string) (time.Time, bool) {
	for _, layout := range datetimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// coerceValue normalizes a store-decoded value to the column's dtype. The
// compiler's schema is authoritative: a value the schema cannot represent
// is a store error, never a silent widening.
func coerceValue(col schema.Column, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch col.Type {
	case schema.TypeString:
		switch s := v.(type) {
		case string:
			return s, nil
		case json.Number:
			return s.String(), nil
		}

	case schema.TypeInt64:
		switch n := v.(type) {
		case int64:
			return n, nil
		case int:
			return int64(n), nil
		case int16:
			return int64(n), nil
		case int32:
			return int64(n), nil
		case uint32:
			return int64(n), nil
		case uint64:
			if n <= math.MaxInt64 {
				return int64(n), nil
			}
		case float64:
			if n == math.Trunc(n) {
				return int64(n), nil
			}
		case json.Number:
			if i, err := n.Int64(); err == nil {
				return i, nil
			}
			if f, err := n.Float64(); err == nil && f == math.Trunc(f) {
				return int64(f), nil
			}
		case string:
			// 64-bit integers arrive quoted in the olap JSON format.
			if i, err := strconv.ParseInt(n, 10, 64); err == nil {
				return i, nil
			}
		}

	case schema.TypeFloat64:
		switch n := v.(type) {
		case float64:
			return n, nil
		case float32:
			return float64(n), nil
		case int64:
			return float64(n), nil
		case int:
			return float64(n), nil
		case json.Number:
			if f, err := n.Float64(); err == nil {
				return f, nil
			}
		case string:
			if f, err := strconv.ParseFloat(n, 64); err == nil {
				return f, nil
			}
		}

	case schema.TypeBool:
		switch b := v.(type) {
		case bool:
			return b, nil
		case int64:
			return b != 0, nil
		case json.Number:
			if i, err := b.Int64(); err == nil {
				return i != 0, nil
			}
		case string:
			if p, err := strconv.ParseBool(b); err == nil {
				return p, nil
			}
		}

	case schema.TypeDatetime:
		switch t := v.(type) {
		case time.Time:
			return t, nil
		case string:
			if parsed, ok := parseTime(t); ok {
				return parsed, nil
			}
		case json.Number:
			if i, err := t.Int64(); err == nil {
				return time.Unix(i, 0).UTC(), nil
			}
		}

	case schema.TypeObject:
		return v, nil
	}
	return nil, fmt.Errorf("cannot represent %T as %s", v, col.Type)
}

// parseKVValue decodes one hash field. The kv store only holds strings;
// the schema decides what they mean. Empty fields decode to nil.
func parseKVValue(col schema.Column, raw string) (any, error) {
	if raw == "" {
		return nil, nil
	}
	switch col.Type {
	case schema.TypeString:
		return raw, nil
	case schema.TypeInt64:
		i, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%q is not an integer", raw)
		}
		return i, nil
	case schema.TypeFloat64:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("%q is not a number", raw)
		}
		return f, nil
	case schema.TypeBool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("%q is not a boolean", raw)
		}
		return b, nil
	case schema.TypeDatetime:
		if t, ok := parseTime(raw); ok {
			return t, nil
		}
		if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return time.Unix(i, 0).UTC(), nil
		}
		return nil, fmt.Errorf("%q is not a timestamp", raw)
	case schema.TypeObject:
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return nil, fmt.Errorf("object field: %w", err)
		}
		return v, nil
	}
	return nil, fmt.Errorf("unknown dtype %s", col.Type)
}
