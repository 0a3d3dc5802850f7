package sqlgen

import (
	"strings"

	"github.com/slateql/slate/schema"
)

// KVScanHash is the payload kind for key-value segments: bounded key scan
// followed by per-key hash fetch.
const KVScanHash = "SCAN_HASH"

// Condition is one predicate triple as it appears in filter node configs
// and drill-down requests. Value is the raw JSON-decoded value.
type Condition struct {
	Column   string `json:"column"`
	Operator string `json:"operator"`
	Value    any    `json:"value,omitempty"`
}

// CanonOperator normalizes an operator's case and internal whitespace:
// "is  null" becomes "IS NULL". The operator vocabulary is matched in
// canonical form everywhere conditions are evaluated or compared.
func CanonOperator(op string) string {
	return strings.ToUpper(strings.Join(strings.Fields(op), " "))
}

// SortKey is one ordering key for sort nodes and in-process sorts.
type SortKey struct {
	Column string `json:"column"`
	Desc   bool   `json:"desc"`
}

// KVLookup describes the key-value fetch plan of a kv segment.
type KVLookup struct {
	// Kind is always KVScanHash.
	Kind string `json:"kind"`

	// KeyPattern is the glob matched against store keys, e.g. "latest:vwap:*".
	KeyPattern string `json:"key_pattern"`

	// IdentifierColumn is the output column populated from the key suffix
	// after the final separator.
	IdentifierColumn string `json:"identifier_column"`

	// Columns is the hash field schema at fetch time, before post-ops
	// rename or project. The executor coerces raw field strings by these
	// dtypes.
	Columns []schema.Column `json:"columns"`
}

// PostOp is one in-process operation applied to kv rows after fetch. SQL
// stores fold these operations into the statement instead.
type PostOp struct {
	Kind string `json:"kind"` // filter, sort, select, rename, unique, page

	// Conditions for Kind == filter; ANDed.
	Conditions []Condition `json:"conditions,omitempty"`

	// Keys for Kind == sort.
	Keys []SortKey `json:"keys,omitempty"`

	// Columns for Kind == select: projection in output order.
	Columns []string `json:"columns,omitempty"`

	// Rename for Kind == rename: old name -> new name.
	Rename map[string]string `json:"rename,omitempty"`

	// Offset and Limit for Kind == page.
	Offset int `json:"offset,omitempty"`
	Limit  int `json:"limit,omitempty"`
}

// Segment is one dispatchable unit produced by the compiler: a rendered
// statement for SQL stores or a lookup plan for the kv store, plus the
// output schema the rows will carry. A Segment is immutable once returned;
// the dispatcher and cache treat it as a value.
type Segment struct {
	// Target selects the executor.
	Target schema.Source `json:"target"`

	// SQL and Args are set for olap and stream targets. The olap dialect
	// inlines typed literals and leaves Args empty; the stream dialect
	// emits $n placeholders and fills Args.
	SQL  string `json:"sql,omitempty"`
	Args []any  `json:"args,omitempty"`

	// KV and PostOps are set for kv targets.
	KV      *KVLookup `json:"kv,omitempty"`
	PostOps []PostOp  `json:"post_ops,omitempty"`

	// Columns is the output schema in projection order. Dispatchers key
	// rows by these names and coerce values to these dtypes.
	Columns []schema.Column `json:"columns"`

	// TenantID is the tenant the segment was compiled for.
	TenantID string `json:"tenant_id"`

	// Allowed is the identifier set enforced post-fetch on kv segments.
	// nil when the target table is tenant-scoped in the statement itself.
	Allowed []string `json:"allowed,omitempty"`

	// Tables lists the physical tables the segment reads, for cache
	// invalidation fan-out.
	Tables []string `json:"tables"`

	// Empty marks a segment whose tenant identifier set is empty: the
	// dispatcher returns zero rows without touching any store.
	Empty bool `json:"empty,omitempty"`
}
