package schema

import (
	"fmt"
	"strings"
)

// DType is the closed set of column data types understood by the engine.
// Propagation, compilation and result typing all operate on this set; there
// is deliberately no "any"/"unknown" member.
type DType string

const (
	TypeString   DType = "string"
	TypeInt64    DType = "int64"
	TypeFloat64  DType = "float64"
	TypeBool     DType = "bool"
	TypeDatetime DType = "datetime"
	TypeObject   DType = "object"
)

// Valid reports whether d is a member of the closed type set.
func (d DType) Valid() bool {
	switch d {
	case TypeString, TypeInt64, TypeFloat64, TypeBool, TypeDatetime, TypeObject:
		return true
	}
	return false
}

// Numeric reports whether d is an arithmetic type.
func (d DType) Numeric() bool {
	return d == TypeInt64 || d == TypeFloat64
}

// ParseDType maps a wire-format type name to a DType.
// Returns an error for names outside the closed set.
func ParseDType(s string) (DType, error) {
	d := DType(strings.ToLower(strings.TrimSpace(s)))
	if !d.Valid() {
		return "", fmt.Errorf("unknown dtype %q", s)
	}
	return d, nil
}

// Source identifies which backing store serves a table.
type Source string

const (
	// SourceOLAP is the columnar analytical store, reached over HTTP.
	SourceOLAP Source = "olap"

	// SourceStream is the incrementally-maintained materialized-view engine,
	// reached over the PostgreSQL wire protocol.
	SourceStream Source = "stream"

	// SourceKV is the key-value cache, reached over its native protocol.
	SourceKV Source = "kv"
)

// Valid reports whether s names a known store.
func (s Source) Valid() bool {
	return s == SourceOLAP || s == SourceStream || s == SourceKV
}

// Column describes a single output column.
type Column struct {
	Name        string `json:"name"`
	Type        DType  `json:"dtype"`
	Nullable    bool   `json:"nullable"`
	Description string `json:"description,omitempty"`
}

// Equal compares the structural identity of two columns.
// Description is documentation and does not participate.
func (c Column) Equal(o Column) bool {
	return c.Name == o.Name && c.Type == o.Type && c.Nullable == o.Nullable
}

// ColumnsEqual compares two column lists element-wise, order-sensitive.
func ColumnsEqual(a, b []Column) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Equal(b[i]) {
			return false
		}
	}
	return true
}

// TableSchema describes one table as seen by a tenant.
type TableSchema struct {
	// Name is the table identifier referenced by data_source nodes.
	// For KV tables this is the key pattern itself (e.g. "latest:vwap:*").
	Name string `json:"name"`

	// Database is the namespace within the backing store.
	Database string `json:"database,omitempty"`

	// Source is the backing store that serves this table.
	Source Source `json:"source"`

	// Columns is the ordered column list.
	Columns []Column `json:"columns"`

	// TenantColumn, when non-empty, marks a metadata table carrying an
	// explicit tenant column. Compilation constrains it to the caller's
	// tenant.
	TenantColumn string `json:"tenant_column,omitempty"`

	// IdentifierColumn, when non-empty, marks a shared serving-layer table
	// whose rows are scoped by the tenant's allowed identifier set.
	// Compilation constrains it with an IN predicate.
	IdentifierColumn string `json:"identifier_column,omitempty"`

	// KeyPattern is the scan pattern for KV tables; empty otherwise.
	KeyPattern string `json:"key_pattern,omitempty"`
}

// Column returns the column named name, or false when absent.
func (t *TableSchema) Column(name string) (Column, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// Shared reports whether the table requires ACL-identifier injection.
func (t *TableSchema) Shared() bool {
	return t.TenantColumn == "" && t.IdentifierColumn != ""
}
