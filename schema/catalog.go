// Package schema defines the column type system and the per-tenant table
// catalog used by propagation and compilation.
//
// The package follows an interface-based design to support both static and
// live implementations:
//   - Static catalogs: built with NewBuilder() (immutable, fast lookup)
//   - Live catalogs: Registry over a Provider that introspects the stores,
//     with TTL-bounded refresh
//
// All interfaces are goroutine-safe and support context-based cancellation.
package schema

import (
	"context"
)

// Catalog is the per-tenant table lookup consumed by the engine.
// Implementations MUST be goroutine-safe.
//
// A tenant must never observe another tenant's tables; implementations are
// responsible for scoping every lookup by tenantID.
type Catalog interface {
	// Table returns the schema for one table visible to the tenant.
	// Returns (nil, nil) if the table doesn't exist (not an error).
	// Returns (nil, err) if lookup fails for other reasons.
	Table(ctx context.Context, tenantID, name string) (*TableSchema, error)

	// Tables returns all tables visible to the tenant.
	// Returns empty slice (not nil) if no tables are available.
	// MUST respect context cancellation and deadlines.
	Tables(ctx context.Context, tenantID string) ([]*TableSchema, error)
}

// Provider produces a full catalog snapshot for one tenant directly from
// the backing stores. The Registry polls providers on TTL expiry; a snapshot
// is expected to be cheap relative to the refresh interval.
type Provider interface {
	// Snapshot returns every table the tenant may see.
	// MUST respect context cancellation.
	Snapshot(ctx context.Context, tenantID string) ([]*TableSchema, error)
}

// MultiProvider merges snapshots from several providers, one per store.
// Later providers win on duplicate table names.
type MultiProvider []Provider

// Snapshot implements Provider.
func (m MultiProvider) Snapshot(ctx context.Context, tenantID string) ([]*TableSchema, error) {
	byName := make(map[string]int)
	var out []*TableSchema
	for _, p := range m {
		tables, err := p.Snapshot(ctx, tenantID)
		if err != nil {
			return nil, err
		}
		for _, t := range tables {
			if i, ok := byName[t.Name]; ok {
				out[i] = t
				continue
			}
			byName[t.Name] = len(out)
			out = append(out, t)
		}
	}
	if out == nil {
		out = []*TableSchema{}
	}
	return out, nil
}
