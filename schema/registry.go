package schema

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mitchellh/hashstructure/v2"
	"golang.org/x/sync/singleflight"
)

// DefaultRegistryTTL bounds how long a tenant snapshot is served before the
// provider is polled again.
const DefaultRegistryTTL = time.Minute

// ErrNilProvider is returned by NewRegistry when no provider is configured.
var ErrNilProvider = errors.New("schema: registry requires a provider")

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	// Provider produces tenant snapshots from the backing stores.
	// REQUIRED: MUST NOT be nil.
	Provider Provider

	// TTL bounds snapshot staleness.
	// OPTIONAL: defaults to DefaultRegistryTTL.
	TTL time.Duration

	// Logger receives refresh diagnostics.
	// OPTIONAL: defaults to slog.Default().
	Logger *slog.Logger
}

// Registry is a Catalog backed by a Provider with TTL-bounded refresh.
//
// Reads are served from an in-memory snapshot under a read lock; refresh
// happens outside the lock so readers are never blocked behind store I/O.
// Concurrent refreshes for the same tenant collapse into one provider call.
type Registry struct {
	provider Provider
	ttl      time.Duration
	log      *slog.Logger

	mu      sync.RWMutex
	tenants map[string]*tenantSnapshot

	group singleflight.Group
}

type tenantSnapshot struct {
	tables    map[string]*TableSchema
	order     []string
	fetchedAt time.Time

	// hash fingerprints the snapshot content; when a refresh produces a
	// different hash the generation is bumped, which invalidates cached
	// previews built against the old catalog.
	hash       uint64
	generation uint64
}

// NewRegistry creates a registry over the given provider.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if cfg.Provider == nil {
		return nil, ErrNilProvider
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultRegistryTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Registry{
		provider: cfg.Provider,
		ttl:      cfg.TTL,
		log:      cfg.Logger,
		tenants:  make(map[string]*tenantSnapshot),
	}, nil
}

// Table implements Catalog.
func (r *Registry) Table(ctx context.Context, tenantID, name string) (*TableSchema, error) {
	snap, err := r.snapshot(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	t, ok := snap.tables[name]
	if !ok {
		return nil, nil // Not found, not an error
	}
	return t, nil
}

// Tables implements Catalog.
func (r *Registry) Tables(ctx context.Context, tenantID string) ([]*TableSchema, error) {
	snap, err := r.snapshot(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	result := make([]*TableSchema, 0, len(snap.order))
	for _, n := range snap.order {
		result = append(result, snap.tables[n])
	}
	return result, nil
}

// Generation returns the tenant's catalog generation counter. It starts at 1
// on first load and increments whenever a refresh observes changed content.
// Returns 0 for tenants that have never been loaded.
func (r *Registry) Generation(tenantID string) uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if snap, ok := r.tenants[tenantID]; ok {
		return snap.generation
	}
	return 0
}

// Invalidate forces the next lookup for the tenant to hit the provider.
func (r *Registry) Invalidate(tenantID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if snap, ok := r.tenants[tenantID]; ok {
		snap.fetchedAt = time.Time{}
	}
}

func (r *Registry) snapshot(ctx context.Context, tenantID string) (*tenantSnapshot, error) {
	r.mu.RLock()
	snap, ok := r.tenants[tenantID]
	r.mu.RUnlock()
	if ok && time.Since(snap.fetchedAt) < r.ttl {
		return snap, nil
	}

	v, err, _ := r.group.Do(tenantID, func() (any, error) {
		// Another caller may have refreshed while we queued.
		r.mu.RLock()
		cur, ok := r.tenants[tenantID]
		r.mu.RUnlock()
		if ok && time.Since(cur.fetchedAt) < r.ttl {
			return cur, nil
		}
		return r.refresh(ctx, tenantID, cur)
	})
	if err != nil {
		return nil, err
	}
	return v.(*tenantSnapshot), nil
}

// refresh polls the provider and swaps in a new snapshot. When the provider
// fails and a previous snapshot exists, the stale snapshot keeps serving and
// its deadline is left untouched so the next lookup retries.
func (r *Registry) refresh(ctx context.Context, tenantID string, prev *tenantSnapshot) (*tenantSnapshot, error) {
	tables, err := r.provider.Snapshot(ctx, tenantID)
	if err != nil {
		if prev != nil {
			r.log.Warn("catalog refresh failed, serving stale snapshot",
				"tenant", tenantID, "age", time.Since(prev.fetchedAt).String(), "error", err)
			return prev, nil
		}
		return nil, fmt.Errorf("catalog snapshot for tenant %s: %w", tenantID, err)
	}

	next := &tenantSnapshot{
		tables:    make(map[string]*TableSchema, len(tables)),
		order:     make([]string, 0, len(tables)),
		fetchedAt: time.Now(),
	}
	for _, t := range tables {
		if _, dup := next.tables[t.Name]; dup {
			continue
		}
		next.tables[t.Name] = t
		next.order = append(next.order, t.Name)
	}

	h, err := hashstructure.Hash(tables, hashstructure.FormatV2, nil)
	if err != nil {
		return nil, fmt.Errorf("hash catalog snapshot for tenant %s: %w", tenantID, err)
	}
	next.hash = h

	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case prev == nil:
		next.generation = 1
	case prev.hash != h:
		next.generation = prev.generation + 1
		r.log.Info("catalog changed", "tenant", tenantID, "generation", next.generation, "tables", len(next.order))
	default:
		next.generation = prev.generation
	}
	r.tenants[tenantID] = next
	return next, nil
}
