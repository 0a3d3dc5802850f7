package slate

import (
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/slateql/slate/auth"
	"github.com/slateql/slate/dispatch"
	"github.com/slateql/slate/schema"
	"github.com/slateql/slate/workflow"
)

// Standard errors returned by the slate package.
var (
	// ErrInvalidConfig indicates Config validation failed.
	ErrInvalidConfig = errors.New("invalid engine config")

	// ErrNoStores indicates no store target was configured; an engine with
	// nothing to dispatch to cannot answer any read.
	ErrNoStores = errors.New("no store targets configured")
)

// StoresConfig wires the serving-layer stores. Each target is optional;
// segments routed at an unconfigured target fail with store_unavailable.
type StoresConfig struct {
	// OLAP configures the columnar analytical store client.
	// OPTIONAL: leave Endpoint empty to disable the target.
	OLAP dispatch.OLAPConfig

	// Stream configures the materialized-view store client.
	// OPTIONAL: leave DSN and Pool empty to disable the target.
	Stream dispatch.StreamConfig

	// Redis backs three concerns from one client: the kv target, the
	// shared preview cache tier, and the live delta bus.
	// OPTIONAL: nil disables all three.
	Redis redis.UniversalClient

	// KVScanLimit caps keys per kv segment scan.
	// OPTIONAL: defaults to 10000.
	KVScanLimit int64

	// KVPipelineBatch sets hash fetches per pipeline round trip.
	// OPTIONAL: defaults to the kv client's batch size.
	KVPipelineBatch int
}

func (c StoresConfig) any() bool {
	return c.OLAP.Endpoint != "" || c.Stream.DSN != "" || c.Stream.Pool != nil || c.Redis != nil
}

// PreviewConfig tunes the interactive preview path.
type PreviewConfig struct {
	// TTL is the preview cache freshness window.
	// OPTIONAL: defaults to 5 minutes.
	TTL time.Duration

	// RowLimit caps preview result rows.
	// OPTIONAL: defaults to 100.
	RowLimit int

	// MaxExecutionTime, MaxMemoryBytes and MaxRowsToRead cap store work
	// per preview execution.
	// OPTIONAL: default to 3s, 100 MiB and 10M rows.
	MaxExecutionTime time.Duration
	MaxMemoryBytes   int64
	MaxRowsToRead    int64

	// ServeStaleOnError serves an expired cached preview when the backing
	// store is unavailable, bounded by the cache retention window.
	// OPTIONAL: defaults to false.
	ServeStaleOnError bool
}

// WidgetConfig tunes the dashboard read path.
type WidgetConfig struct {
	// MaxExecutionTime, MaxMemoryBytes and MaxRowsToRead cap store work
	// per widget execution.
	// OPTIONAL: default to 30s, 500 MiB and 50M rows.
	MaxExecutionTime time.Duration
	MaxMemoryBytes   int64
	MaxRowsToRead    int64
}

// PageConfig bounds pagination.
type PageConfig struct {
	// MaxOffset caps how deep a caller can page.
	// OPTIONAL: defaults to 10000.
	MaxOffset int

	// DefaultSize is the row limit applied when a request sets none.
	// OPTIONAL: defaults to 50.
	DefaultSize int
}

// LiveConfig tunes websocket sessions.
type LiveConfig struct {
	// Heartbeat is the ping cadence; a peer silent for two intervals is
	// terminated.
	// OPTIONAL: defaults to 30s.
	Heartbeat time.Duration

	// QueueSize bounds the outbound frame queue per session.
	// OPTIONAL: defaults to 64.
	QueueSize int
}

// IntrospectionConfig builds the catalog from the stores themselves: each
// configured store contributes the tables it can serve, refreshed on a TTL
// by a schema.Registry. Tables carrying a tenant_id column are served
// tenant-scoped; Shared declares the ACL identifier column of serving
// tables; kv tables are synthesized from KVTables since the store itself
// is schemaless.
type IntrospectionConfig struct {
	// Enabled turns store introspection on. When set, Config.Catalog may
	// be nil and the engine builds the registry itself.
	Enabled bool

	// TTL bounds catalog snapshot staleness.
	// OPTIONAL: defaults to schema.DefaultRegistryTTL.
	TTL time.Duration

	// OLAPDatabase is the namespace introspected on the olap store.
	// OPTIONAL: defaults to "default".
	OLAPDatabase string

	// StreamSchema is the namespace introspected on the stream store.
	// OPTIONAL: defaults to "public".
	StreamSchema string

	// Shared maps serving-table names to the identifier column their rows
	// are scoped by. OPTIONAL.
	Shared map[string]string

	// KVTables declares the synthetic schemas behind kv key patterns.
	// OPTIONAL.
	KVTables []dispatch.KVTableDef
}

// Config assembles an Engine.
type Config struct {
	// Catalog resolves per-tenant table schemas. Use schema.NewBuilder for
	// a static development catalog, or inject any Catalog implementation.
	// REQUIRED unless Introspection.Enabled is set, in which case the
	// engine builds a TTL registry over the configured stores.
	Catalog schema.Catalog

	// Introspection lets the stores populate the catalog when Catalog is
	// nil. OPTIONAL.
	Introspection IntrospectionConfig

	// Auth validates bearer tokens for the request layer. Authenticators
	// marked DevelopmentOnly are refused unless Development is set.
	// REQUIRED: MUST NOT be nil.
	Auth auth.Authenticator

	// Widgets resolves stored workflows and widgets.
	// OPTIONAL: defaults to an empty in-memory store, which serves
	// development; production implements workflow.Store over its own
	// metadata database.
	Widgets workflow.Store

	// Stores wires the serving-layer targets. At least one target is
	// REQUIRED.
	Stores StoresConfig

	// Preview, Widget and Page tune the read paths.
	// OPTIONAL: zero values take the documented defaults.
	Preview PreviewConfig
	Widget  WidgetConfig
	Page    PageConfig

	// Live tunes websocket sessions. Live updates themselves require
	// Stores.Redis for the delta bus.
	// OPTIONAL.
	Live LiveConfig

	// Development permits development-only authenticators and loosens
	// origin checks at the edge.
	// OPTIONAL: defaults to false.
	Development bool

	// Logger for engine logging.
	// OPTIONAL: uses slog.Default() if nil.
	// Note: if LogLevel is specified, a new logger is created with that
	// level.
	Logger *slog.Logger

	// LogLevel sets the logging level for the engine-created logger.
	// OPTIONAL: if nil, uses Info level.
	// If Logger is also provided, LogLevel is ignored.
	LogLevel *slog.Level
}

func (c PreviewConfig) withDefaults() PreviewConfig {
	if c.TTL <= 0 {
		c.TTL = 5 * time.Minute
	}
	if c.RowLimit <= 0 {
		c.RowLimit = 100
	}
	if c.MaxExecutionTime <= 0 {
		c.MaxExecutionTime = 3 * time.Second
	}
	if c.MaxMemoryBytes <= 0 {
		c.MaxMemoryBytes = 100 << 20
	}
	if c.MaxRowsToRead <= 0 {
		c.MaxRowsToRead = 10_000_000
	}
	return c
}

func (c PreviewConfig) bounds() dispatch.Bounds {
	return dispatch.Bounds{
		MaxExecutionTime: c.MaxExecutionTime,
		MaxMemoryBytes:   c.MaxMemoryBytes,
		MaxRowsToRead:    c.MaxRowsToRead,
		MaxResultRows:    c.RowLimit,
	}
}

func (c WidgetConfig) withDefaults() WidgetConfig {
	if c.MaxExecutionTime <= 0 {
		c.MaxExecutionTime = 30 * time.Second
	}
	if c.MaxMemoryBytes <= 0 {
		c.MaxMemoryBytes = 500 << 20
	}
	if c.MaxRowsToRead <= 0 {
		c.MaxRowsToRead = 50_000_000
	}
	return c
}

func (c WidgetConfig) bounds() dispatch.Bounds {
	return dispatch.Bounds{
		MaxExecutionTime: c.MaxExecutionTime,
		MaxMemoryBytes:   c.MaxMemoryBytes,
		MaxRowsToRead:    c.MaxRowsToRead,
	}
}

func (c PageConfig) withDefaults() PageConfig {
	if c.MaxOffset <= 0 {
		c.MaxOffset = 10000
	}
	if c.DefaultSize <= 0 {
		c.DefaultSize = 50
	}
	return c
}

func (c LiveConfig) withDefaults() LiveConfig {
	if c.Heartbeat <= 0 {
		c.Heartbeat = 30 * time.Second
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	return c
}
