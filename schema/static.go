package schema

import (
	"context"
	"fmt"
)

// staticCatalog is an immutable catalog built from Builder.
type staticCatalog struct {
	tenants map[string]map[string]*TableSchema
	order   map[string][]string
}

// Table implements Catalog.
func (c *staticCatalog) Table(ctx context.Context, tenantID, name string) (*TableSchema, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t, ok := c.tenants[tenantID][name]
	if !ok {
		return nil, nil // Not found, not an error
	}
	return t, nil
}

// Tables implements Catalog.
func (c *staticCatalog) Tables(ctx context.Context, tenantID string) ([]*TableSchema, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	names := c.order[tenantID]
	result := make([]*TableSchema, 0, len(names))
	for _, n := range names {
		result = append(result, c.tenants[tenantID][n])
	}
	return result, nil
}

// Snapshot implements Provider, so a static catalog can seed a Registry in
// development mode.
func (c *staticCatalog) Snapshot(ctx context.Context, tenantID string) ([]*TableSchema, error) {
	return c.Tables(ctx, tenantID)
}

// Builder builds static catalogs using a fluent API.
// Not thread-safe - use only during initialization.
type Builder struct {
	tenants []*tenantBuilder
	built   bool
}

// NewBuilder creates a new fluent catalog builder.
// Returns builder in "empty" state (no tenants).
//
// Example:
//
//	cat, err := schema.NewBuilder().
//	    Tenant("acme").
//	        Table(schema.TableSchema{Name: "trades", Source: schema.SourceOLAP, ...}).
//	    Build()
func NewBuilder() *Builder {
	return &Builder{
		tenants: make([]*tenantBuilder, 0),
		built:   false,
	}
}

// Tenant starts defining the table set visible to one tenant.
// Returns TenantBuilder for adding tables.
// Tenant ID MUST be non-empty and unique within the catalog.
func (b *Builder) Tenant(tenantID string) *TenantBuilder {
	tb := &tenantBuilder{
		tenantID: tenantID,
		tables:   make([]TableSchema, 0),
		catalog:  b,
	}
	b.tenants = append(b.tenants, tb)
	return &TenantBuilder{builder: tb}
}

// Build finalizes the catalog and returns an immutable Catalog.
// Can only be called once. Returns error if the catalog is invalid
// (empty tenant ID, duplicate table names, invalid dtypes or sources).
func (b *Builder) Build() (Catalog, error) {
	if b.built {
		return nil, fmt.Errorf("catalog already built")
	}

	seen := make(map[string]bool)
	for _, tb := range b.tenants {
		if tb.tenantID == "" {
			return nil, fmt.Errorf("tenant id cannot be empty")
		}
		if seen[tb.tenantID] {
			return nil, fmt.Errorf("duplicate tenant id: %s", tb.tenantID)
		}
		seen[tb.tenantID] = true

		names := make(map[string]bool)
		for _, t := range tb.tables {
			if t.Name == "" {
				return nil, fmt.Errorf("table name cannot be empty for tenant %s", tb.tenantID)
			}
			if names[t.Name] {
				return nil, fmt.Errorf("duplicate table name %s for tenant %s", t.Name, tb.tenantID)
			}
			names[t.Name] = true

			if !t.Source.Valid() {
				return nil, fmt.Errorf("table %s has unknown source %q", t.Name, t.Source)
			}
			if t.Source == SourceKV && t.KeyPattern == "" {
				return nil, fmt.Errorf("kv table %s has no key pattern", t.Name)
			}
			if len(t.Columns) == 0 {
				return nil, fmt.Errorf("table %s has no columns", t.Name)
			}
			for _, c := range t.Columns {
				if c.Name == "" {
					return nil, fmt.Errorf("table %s has a column with empty name", t.Name)
				}
				if !c.Type.Valid() {
					return nil, fmt.Errorf("table %s column %s has unknown dtype %q", t.Name, c.Name, c.Type)
				}
			}
		}
	}

	b.built = true

	cat := &staticCatalog{
		tenants: make(map[string]map[string]*TableSchema),
		order:   make(map[string][]string),
	}
	for _, tb := range b.tenants {
		tables := make(map[string]*TableSchema, len(tb.tables))
		order := make([]string, 0, len(tb.tables))
		for i := range tb.tables {
			t := tb.tables[i]
			tables[t.Name] = &t
			order = append(order, t.Name)
		}
		cat.tenants[tb.tenantID] = tables
		cat.order[tb.tenantID] = order
	}
	return cat, nil
}

// TenantBuilder builds the table set for one tenant.
// Not thread-safe - use only during initialization.
type TenantBuilder struct {
	builder *tenantBuilder
}

type tenantBuilder struct {
	tenantID string
	tables   []TableSchema
	catalog  *Builder
}

// Table adds one table visible to this tenant.
// Returns self for method chaining.
func (tb *TenantBuilder) Table(t TableSchema) *TenantBuilder {
	tb.builder.tables = append(tb.builder.tables, t)
	return tb
}

// Tenant starts a new tenant definition (returns to Builder).
// Allows chaining: Tenant("a").Table(...).Tenant("b").Table(...)
func (tb *TenantBuilder) Tenant(tenantID string) *TenantBuilder {
	return tb.builder.catalog.Tenant(tenantID)
}

// Build finalizes the catalog (returns to Builder).
func (tb *TenantBuilder) Build() (Catalog, error) {
	return tb.builder.catalog.Build()
}
