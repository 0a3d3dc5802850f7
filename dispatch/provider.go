package dispatch

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/slateql/slate/schema"
	"github.com/slateql/slate/sqlgen"
)

// The providers in this file let the configured stores populate a
// schema.Registry: each client introspects its own store and reports the
// tables it can serve. The table set is the same for every tenant;
// isolation is row-level. A column named tenant_id marks its table
// tenant-scoped, and shared serving tables declare the identifier column
// their rows are filtered by.

// tenantColumnName is the conventional column that marks an introspected
// table as tenant-scoped metadata.
const tenantColumnName = "tenant_id"

// introspectBounds caps catalog snapshots. They are small metadata reads;
// a store that cannot answer in this window is effectively down.
var introspectBounds = Bounds{MaxExecutionTime: 10 * time.Second}

// introspectedColumn is one column row as reported by a store's
// introspection query.
type introspectedColumn struct {
	table string
	col   schema.Column
}

// groupTables folds per-column introspection rows into table schemas,
// keeping the store's reported order for tables and columns.
func groupTables(database string, source schema.Source, cols []introspectedColumn, shared map[string]string) []*schema.TableSchema {
	byName := make(map[string]*schema.TableSchema)
	var order []string
	for _, ic := range cols {
		t, ok := byName[ic.table]
		if !ok {
			t = &schema.TableSchema{Name: ic.table, Database: database, Source: source}
			byName[ic.table] = t
			order = append(order, ic.table)
		}
		t.Columns = append(t.Columns, ic.col)
		if ic.col.Name == tenantColumnName {
			t.TenantColumn = ic.col.Name
		}
	}
	out := make([]*schema.TableSchema, 0, len(order))
	for _, name := range order {
		t := byName[name]
		if idCol, ok := shared[name]; ok {
			t.IdentifierColumn = idCol
		}
		out = append(out, t)
	}
	return out
}

// OLAPProviderConfig configures olap store introspection.
type OLAPProviderConfig struct {
	// Database is the namespace to introspect. OPTIONAL (default "default").
	Database string

	// Shared maps serving-table names to the identifier column their rows
	// are scoped by. OPTIONAL.
	Shared map[string]string
}

// OLAPProvider implements schema.Provider over the columnar store's
// system.columns table.
type OLAPProvider struct {
	client *OLAPClient
	cfg    OLAPProviderConfig
}

// NewOLAPProvider validates the configuration and returns a provider.
func NewOLAPProvider(client *OLAPClient, cfg OLAPProviderConfig) (*OLAPProvider, error) {
	if client == nil {
		return nil, errors.New("dispatch: olap provider requires a client")
	}
	if cfg.Database == "" {
		cfg.Database = "default"
	}
	// The database name is inlined into the introspection statement, so it
	// must be a plain identifier.
	if err := sqlgen.ValidIdentifier(cfg.Database); err != nil {
		return nil, fmt.Errorf("dispatch: olap provider database: %w", err)
	}
	return &OLAPProvider{client: client, cfg: cfg}, nil
}

// Snapshot implements schema.Provider.
func (p *OLAPProvider) Snapshot(ctx context.Context, tenantID string) ([]*schema.TableSchema, error) {
	seg := &sqlgen.Segment{
		Target: schema.SourceOLAP,
		SQL: fmt.Sprintf(
			"SELECT table, name, type FROM system.columns WHERE database = '%s' ORDER BY table, position",
			p.cfg.Database),
		Columns: []schema.Column{
			{Name: "table", Type: schema.TypeString},
			{Name: "name", Type: schema.TypeString},
			{Name: "type", Type: schema.TypeString},
		},
	}
	res, err := p.client.Execute(ctx, seg, introspectBounds)
	if err != nil {
		return nil, err
	}
	cols := make([]introspectedColumn, 0, len(res.Rows))
	for _, row := range res.Rows {
		cols = append(cols, introspectedColumn{
			table: asString(row["table"]),
			col:   olapColumn(asString(row["name"]), asString(row["type"])),
		})
	}
	return groupTables(p.cfg.Database, schema.SourceOLAP, cols, p.cfg.Shared), nil
}

// olapColumn maps one store type expression to the engine's type system,
// unwrapping Nullable and LowCardinality modifiers.
func olapColumn(name, typ string) schema.Column {
	nullable := false
	for {
		if inner, ok := strings.CutPrefix(typ, "Nullable("); ok && strings.HasSuffix(inner, ")") {
			nullable = true
			typ = strings.TrimSuffix(inner, ")")
			continue
		}
		if inner, ok := strings.CutPrefix(typ, "LowCardinality("); ok && strings.HasSuffix(inner, ")") {
			typ = strings.TrimSuffix(inner, ")")
			continue
		}
		break
	}
	return schema.Column{Name: name, Type: olapDType(typ), Nullable: nullable}
}

func olapDType(typ string) schema.DType {
	switch {
	case typ == "Bool":
		return schema.TypeBool
	case strings.HasPrefix(typ, "Int") || strings.HasPrefix(typ, "UInt"):
		return schema.TypeInt64
	case strings.HasPrefix(typ, "Float") || strings.HasPrefix(typ, "Decimal"):
		return schema.TypeFloat64
	case strings.HasPrefix(typ, "DateTime") || typ == "Date" || typ == "Date32":
		return schema.TypeDatetime
	case typ == "String" || typ == "UUID" || typ == "IPv4" || typ == "IPv6",
		strings.HasPrefix(typ, "FixedString"), strings.HasPrefix(typ, "Enum"):
		return schema.TypeString
	default:
		// Arrays, maps, tuples and anything newer ride through opaque.
		return schema.TypeObject
	}
}

// StreamProviderConfig configures stream store introspection.
type StreamProviderConfig struct {
	// Schema is the namespace to introspect. OPTIONAL (default "public").
	Schema string

	// Shared maps serving-table names to the identifier column their rows
	// are scoped by. OPTIONAL.
	Shared map[string]string
}

// StreamProvider implements schema.Provider over the stream store's
// information_schema.columns view.
type StreamProvider struct {
	client *StreamClient
	cfg    StreamProviderConfig
}

// NewStreamProvider validates the configuration and returns a provider.
func NewStreamProvider(client *StreamClient, cfg StreamProviderConfig) (*StreamProvider, error) {
	if client == nil {
		return nil, errors.New("dispatch: stream provider requires a client")
	}
	if cfg.Schema == "" {
		cfg.Schema = "public"
	}
	return &StreamProvider{client: client, cfg: cfg}, nil
}

// Snapshot implements schema.Provider.
func (p *StreamProvider) Snapshot(ctx context.Context, tenantID string) ([]*schema.TableSchema, error) {
	seg := &sqlgen.Segment{
		Target: schema.SourceStream,
		SQL: "SELECT table_name, column_name, data_type, is_nullable" +
			" FROM information_schema.columns WHERE table_schema = $1" +
			" ORDER BY table_name, ordinal_position",
		Args: []any{p.cfg.Schema},
		Columns: []schema.Column{
			{Name: "table_name", Type: schema.TypeString},
			{Name: "column_name", Type: schema.TypeString},
			{Name: "data_type", Type: schema.TypeString},
			{Name: "is_nullable", Type: schema.TypeString},
		},
	}
	res, err := p.client.Execute(ctx, seg, introspectBounds)
	if err != nil {
		return nil, err
	}
	cols := make([]introspectedColumn, 0, len(res.Rows))
	for _, row := range res.Rows {
		cols = append(cols, introspectedColumn{
			table: asString(row["table_name"]),
			col: schema.Column{
				Name:     asString(row["column_name"]),
				Type:     pgDType(asString(row["data_type"])),
				Nullable: asString(row["is_nullable"]) == "YES",
			},
		})
	}
	return groupTables(p.cfg.Schema, schema.SourceStream, cols, p.cfg.Shared), nil
}

func pgDType(dataType string) schema.DType {
	switch dataType {
	case "text", "character varying", "character", "uuid", "name", "citext":
		return schema.TypeString
	case "bigint", "integer", "smallint":
		return schema.TypeInt64
	case "double precision", "real", "numeric":
		return schema.TypeFloat64
	case "boolean":
		return schema.TypeBool
	case "date", "timestamp without time zone", "timestamp with time zone":
		return schema.TypeDatetime
	default:
		return schema.TypeObject
	}
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

// KVTableDef declares one synthetic kv table. The store itself is
// schemaless, so the key pattern, the column the key suffix lands in and
// the hash field types all come from configuration.
type KVTableDef struct {
	// KeyPattern is both the table name and the scan pattern,
	// e.g. "latest:vwap:*".
	KeyPattern string

	// IdentifierColumn receives the key suffix and scopes rows by the
	// tenant's allowed identifier set. Must name one of Columns.
	IdentifierColumn string

	// Columns is the hash field schema.
	Columns []schema.Column
}

// KVProvider implements schema.Provider from configured key patterns.
type KVProvider struct {
	defs []KVTableDef
}

// NewKVProvider validates the table definitions and returns a provider.
func NewKVProvider(defs []KVTableDef) (*KVProvider, error) {
	for i, def := range defs {
		if def.KeyPattern == "" {
			return nil, fmt.Errorf("dispatch: kv table %d has no key pattern", i)
		}
		if len(def.Columns) == 0 {
			return nil, fmt.Errorf("dispatch: kv table %q has no columns", def.KeyPattern)
		}
		if def.IdentifierColumn != "" {
			found := slices.ContainsFunc(def.Columns, func(c schema.Column) bool {
				return c.Name == def.IdentifierColumn
			})
			if !found {
				return nil, fmt.Errorf("dispatch: kv table %q identifier column %q is not among its columns",
					def.KeyPattern, def.IdentifierColumn)
			}
		}
	}
	return &KVProvider{defs: defs}, nil
}

// Snapshot implements schema.Provider.
func (p *KVProvider) Snapshot(ctx context.Context, tenantID string) ([]*schema.TableSchema, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]*schema.TableSchema, 0, len(p.defs))
	for _, def := range p.defs {
		out = append(out, &schema.TableSchema{
			Name:             def.KeyPattern,
			Source:           schema.SourceKV,
			Columns:          slices.Clone(def.Columns),
			IdentifierColumn: def.IdentifierColumn,
			KeyPattern:       def.KeyPattern,
		})
	}
	return out, nil
}
