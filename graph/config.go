package graph

import (
	"github.com/samber/lo"

	"github.com/slateql/slate/schema"
)

// Config holds a node's free-form settings. Graphs arrive as JSON, so values
// are the usual decode shapes: string, float64, bool, []any, map[string]any.
// Accessors normalize those shapes; absent or mistyped keys yield zero values.
type Config map[string]any

// String returns the string at key, or "".
func (c Config) String(key string) string {
	s, _ := c[key].(string)
	return s
}

// Bool returns the bool at key, or false.
func (c Config) Bool(key string) bool {
	b, _ := c[key].(bool)
	return b
}

// Int returns the integer at key and whether it was present.
// JSON numbers decode as float64; integral values convert.
func (c Config) Int(key string) (int, bool) {
	switch v := c[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		if v == float64(int(v)) {
			return int(v), true
		}
	}
	return 0, false
}

// Float returns the float at key and whether it was present.
func (c Config) Float(key string) (float64, bool) {
	switch v := c[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

// Strings returns the string list at key, or nil.
func (c Config) Strings(key string) []string {
	switch v := c[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// List returns the raw value list at key, or nil.
func (c Config) List(key string) []any {
	v, _ := c[key].([]any)
	return v
}

// StringMap returns the string-to-string map at key, or nil.
func (c Config) StringMap(key string) map[string]string {
	switch v := c[key].(type) {
	case map[string]string:
		return v
	case map[string]any:
		out := make(map[string]string, len(v))
		for k, e := range v {
			if s, ok := e.(string); ok {
				out[k] = s
			}
		}
		return out
	}
	return nil
}

// Maps returns the list of objects at key, or nil.
func (c Config) Maps(key string) []Config {
	switch v := c[key].(type) {
	case []Config:
		return v
	case []map[string]any:
		return lo.Map(v, func(m map[string]any, _ int) Config { return Config(m) })
	case []any:
		out := make([]Config, 0, len(v))
		for _, e := range v {
			if m, ok := e.(map[string]any); ok {
				out = append(out, Config(m))
			}
		}
		return out
	}
	return nil
}

// Columns decodes an embedded column list at key: objects with name, dtype
// and nullable fields. Entries with unknown dtypes are dropped.
func (c Config) Columns(key string) []schema.Column {
	var out []schema.Column
	for _, m := range c.Maps(key) {
		d, err := schema.ParseDType(m.String("dtype"))
		if err != nil {
			continue
		}
		out = append(out, schema.Column{
			Name:     m.String("name"),
			Type:     d,
			Nullable: m.Bool("nullable"),
		})
	}
	return out
}
