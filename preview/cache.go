package preview

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
	"github.com/samber/lo"

	"github.com/slateql/slate/internal/codec"
	"github.com/slateql/slate/metrics"
	"github.com/slateql/slate/schema"
)

// Entry is one cached preview keyed by its fingerprint. Entries are
// immutable once stored; readers share the row slices and must not mutate
// them.
type Entry struct {
	Tenant          string           `json:"tenant"`
	Fingerprint     string           `json:"fingerprint"`
	Columns         []schema.Column  `json:"columns"`
	Rows            []map[string]any `json:"rows"`
	TotalEstimate   int64            `json:"total_estimate"`
	ExecutionMillis int64            `json:"execution_millis"`
	Truncated       bool             `json:"truncated,omitempty"`

	// Tables the segment read, for delta-driven invalidation.
	Tables []string `json:"tables"`

	StoredAt   time.Time `json:"stored_at"`
	FreshUntil time.Time `json:"fresh_until"`
}

// RemoteTier shares entries across processes. Implementations return
// (nil, nil) for a missing fingerprint so transport errors stay
// distinguishable from misses.
type RemoteTier interface {
	Get(ctx context.Context, fingerprint string) (*Entry, error)
	Put(ctx context.Context, e *Entry, ttl time.Duration) error
	Delete(ctx context.Context, fingerprints ...string) error
}

// CacheConfig configures the preview cache.
type CacheConfig struct {
	// TTL is how long an entry stays fresh. OPTIONAL (default 5m).
	TTL time.Duration

	// Retention is how long an entry stays physically resident past its
	// storage time. The window past TTL is what the stale-if-unavailable
	// policy can serve from. OPTIONAL (default 10x TTL).
	Retention time.Duration

	// Remote is the cross-process tier. OPTIONAL.
	Remote RemoteTier

	// Logger for tier failures. OPTIONAL (default slog.Default()).
	Logger *slog.Logger
}

// Cache holds preview entries in process with an optional shared remote
// tier behind it. The local tier keeps entries past freshness up to the
// retention window; Get reports freshness separately from presence so the
// caller decides whether a stale entry is servable.
type Cache struct {
	cfg   CacheConfig
	local *gocache.Cache

	mu      sync.Mutex
	byTable map[string]map[string]struct{} // tenant+table -> fingerprint set
}

// NewCache builds the two-tier cache.
func NewCache(cfg CacheConfig) *Cache {
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Minute
	}
	if cfg.Retention <= cfg.TTL {
		cfg.Retention = 10 * cfg.TTL
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	c := &Cache{
		cfg:     cfg,
		byTable: make(map[string]map[string]struct{}),
	}
	c.local = gocache.New(cfg.Retention, cfg.TTL)
	c.local.OnEvicted(func(_ string, v any) {
		if e, ok := v.(*Entry); ok {
			c.dropIndex(e)
		}
	})
	return c
}

// TTL returns the configured freshness window.
func (c *Cache) TTL() time.Duration { return c.cfg.TTL }

// Put stamps the entry's freshness window and stores it in both tiers.
// The remote tier holds entries only while fresh; staleness is served from
// local memory only.
func (c *Cache) Put(ctx context.Context, e *Entry) {
	now := time.Now()
	e.StoredAt = now
	e.FreshUntil = now.Add(c.cfg.TTL)

	c.index(e)
	c.local.Set(e.Fingerprint, e, c.cfg.Retention)

	if c.cfg.Remote != nil {
		if err := c.cfg.Remote.Put(ctx, e, c.cfg.TTL); err != nil {
			c.cfg.Logger.Warn("preview cache: remote put failed",
				"fingerprint", e.Fingerprint, "error", err)
		}
	}
}

// Get returns the entry under the fingerprint and whether it is still
// fresh. A stale local entry comes back with fresh=false; a full miss is
// (nil, false). The remote tier is consulted on local miss or staleness,
// and a fresh remote entry is promoted into the local tier.
func (c *Cache) Get(ctx context.Context, tenantID, fingerprint string) (*Entry, bool) {
	var stale *Entry
	if v, ok := c.local.Get(fingerprint); ok {
		e := v.(*Entry)
		if e.Tenant != tenantID {
			// Fingerprints embed the tenant, so a mismatch is corruption,
			// not a collision. Refuse the entry.
			c.cfg.Logger.Error("preview cache: tenant mismatch",
				"fingerprint", fingerprint,
				"entry_tenant", e.Tenant, "request_tenant", tenantID)
			return nil, false
		}
		if time.Now().Before(e.FreshUntil) {
			metrics.CacheHits.WithLabelValues("local").Inc()
			return e, true
		}
		stale = e
	}

	if c.cfg.Remote != nil {
		e, err := c.cfg.Remote.Get(ctx, fingerprint)
		switch {
		case err != nil:
			c.cfg.Logger.Warn("preview cache: remote get failed",
				"fingerprint", fingerprint, "error", err)
		case e != nil && e.Tenant == tenantID && time.Now().Before(e.FreshUntil):
			// Another process refreshed this fingerprint.
			c.promote(e)
			metrics.CacheHits.WithLabelValues("remote").Inc()
			return e, true
		}
	}
	return stale, false
}

// InvalidateTables drops every entry of the tenant that read any of the
// given tables, in both tiers. Returns the number of entries dropped.
func (c *Cache) InvalidateTables(ctx context.Context, tenantID string, tables []string) int {
	c.mu.Lock()
	fps := make(map[string]struct{})
	for _, tbl := range tables {
		for fp := range c.byTable[indexKey(tenantID, tbl)] {
			fps[fp] = struct{}{}
		}
	}
	c.mu.Unlock()
	if len(fps) == 0 {
		return 0
	}

	// Delete fires the eviction hook, which prunes the index under mu.
	for fp := range fps {
		c.local.Delete(fp)
	}
	metrics.CacheInvalidations.WithLabelValues("table_delta").Add(float64(len(fps)))

	if c.cfg.Remote != nil {
		if err := c.cfg.Remote.Delete(ctx, lo.Keys(fps)...); err != nil {
			c.cfg.Logger.Warn("preview cache: remote delete failed",
				"tenant", tenantID, "error", err)
		}
	}
	return len(fps)
}

// promote installs a remote entry locally for the remainder of its
// retention window, anchored at its original storage time so the staleness
// bound holds across processes.
func (c *Cache) promote(e *Entry) {
	remaining := time.Until(e.StoredAt.Add(c.cfg.Retention))
	if remaining <= 0 {
		return
	}
	c.index(e)
	c.local.Set(e.Fingerprint, e, remaining)
}

func (c *Cache) index(e *Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, tbl := range e.Tables {
		k := indexKey(e.Tenant, tbl)
		set := c.byTable[k]
		if set == nil {
			set = make(map[string]struct{})
			c.byTable[k] = set
		}
		set[e.Fingerprint] = struct{}{}
	}
}

func (c *Cache) dropIndex(e *Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, tbl := range e.Tables {
		k := indexKey(e.Tenant, tbl)
		if set := c.byTable[k]; set != nil {
			delete(set, e.Fingerprint)
			if len(set) == 0 {
				delete(c.byTable, k)
			}
		}
	}
}

// indexKey scopes the reverse index per tenant; the separator cannot occur
// in tenant IDs or table names.
func indexKey(tenantID, table string) string {
	return tenantID + "\x00" + table
}

// redisKeyPrefix namespaces remote entries away from other engine keys.
const redisKeyPrefix = "preview:entry:"

// RedisTier is the shared remote tier: codec-encoded entries under
// preview:entry:<fingerprint>, expiring with their freshness window.
type RedisTier struct {
	rdb redis.UniversalClient
	cdc *codec.Codec
}

// NewRedisTier builds the tier. Close releases the codec's compressor.
func NewRedisTier(rdb redis.UniversalClient) (*RedisTier, error) {
	cdc, err := codec.New()
	if err != nil {
		return nil, err
	}
	return &RedisTier{rdb: rdb, cdc: cdc}, nil
}

// Close releases the encoder resources. The redis client stays open; its
// lifecycle belongs to the caller.
func (t *RedisTier) Close() error { return t.cdc.Close() }

func (t *RedisTier) Get(ctx context.Context, fingerprint string) (*Entry, error) {
	data, err := t.rdb.Get(ctx, redisKeyPrefix+fingerprint).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var e Entry
	if err := t.cdc.Decode(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

func (t *RedisTier) Put(ctx context.Context, e *Entry, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	data, err := t.cdc.Encode(e)
	if err != nil {
		return err
	}
	return t.rdb.Set(ctx, redisKeyPrefix+e.Fingerprint, data, ttl).Err()
}

func (t *RedisTier) Delete(ctx context.Context, fingerprints ...string) error {
	if len(fingerprints) == 0 {
		return nil
	}
	keys := lo.Map(fingerprints, func(fp string, _ int) string {
		return redisKeyPrefix + fp
	})
	return t.rdb.Del(ctx, keys...).Err()
}
