package slate

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/slateql/slate/auth"
	"github.com/slateql/slate/dispatch"
	"github.com/slateql/slate/live"
	"github.com/slateql/slate/preview"
	"github.com/slateql/slate/schema"
	"github.com/slateql/slate/sqlgen"
	"github.com/slateql/slate/workflow"
)

// Engine is the assembled core: catalog, compiler, router, preview cache
// and live fan-out wired against the configured stores. Construct with New;
// the request layer plugs into it through the accessors.
type Engine struct {
	cfg Config
	log *slog.Logger

	catalog  schema.Catalog
	compiler *sqlgen.Compiler
	router   *dispatch.Router
	cache    *preview.Cache
	remote   *preview.RedisTier
	previews *preview.Service
	widgets  workflow.Store

	stream *dispatch.StreamClient
	bus    live.Bus
	fanout *live.Fanout
}

// New validates the configuration, dials the configured stores and wires
// the engine. The context bounds store dialing only; it does not scope the
// engine's lifetime.
//
// The function:
//  1. Validates Config (catalog or introspection, authenticator, at least
//     one store)
//  2. Builds the per-store executors and router
//  3. Resolves the catalog, introspecting the stores when none is injected
//  4. Builds the compiler, preview cache and query service
//  5. Builds the live fan-out when Redis is configured
//
// Does NOT serve HTTP — pair the engine with the server package:
//
//	engine, err := slate.New(ctx, cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer engine.Close()
//	srv, err := server.New(server.Config{
//	    Auth:     engine.Auth(),
//	    Previews: engine.Previews(),
//	    Widgets:  engine.Widgets(),
//	    Fanout:   engine.Fanout(),
//	    Health:   engine,
//	})
func New(ctx context.Context, cfg Config) (*Engine, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	logger := cfg.Logger
	if logger == nil {
		if cfg.LogLevel != nil {
			logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
				Level: *cfg.LogLevel,
			}))
		} else {
			logger = slog.Default()
		}
	}

	cfg.Preview = cfg.Preview.withDefaults()
	cfg.Widget = cfg.Widget.withDefaults()
	cfg.Page = cfg.Page.withDefaults()
	cfg.Live = cfg.Live.withDefaults()

	e := &Engine{cfg: cfg, log: logger}

	routerCfg := dispatch.RouterConfig{Logger: logger}
	var olap *dispatch.OLAPClient
	if cfg.Stores.OLAP.Endpoint != "" {
		olapCfg := cfg.Stores.OLAP
		if olapCfg.Logger == nil {
			olapCfg.Logger = logger
		}
		var err error
		olap, err = dispatch.NewOLAPClient(olapCfg)
		if err != nil {
			return nil, err
		}
		routerCfg.OLAP = olap
	}
	if cfg.Stores.Stream.DSN != "" || cfg.Stores.Stream.Pool != nil {
		streamCfg := cfg.Stores.Stream
		if streamCfg.Logger == nil {
			streamCfg.Logger = logger
		}
		stream, err := dispatch.NewStreamClient(ctx, streamCfg)
		if err != nil {
			return nil, err
		}
		e.stream = stream
		routerCfg.Stream = stream
	}
	if cfg.Stores.Redis != nil {
		kv, err := dispatch.NewKVClient(dispatch.KVConfig{
			Store:     dispatch.NewRedisStore(cfg.Stores.Redis, cfg.Stores.KVPipelineBatch),
			ScanLimit: cfg.Stores.KVScanLimit,
			Logger:    logger,
		})
		if err != nil {
			e.Close()
			return nil, err
		}
		routerCfg.KV = kv
	}
	e.router = dispatch.NewRouter(routerCfg)

	e.catalog = cfg.Catalog
	if e.catalog == nil {
		reg, err := introspectedCatalog(cfg, olap, e.stream, logger)
		if err != nil {
			e.Close()
			return nil, err
		}
		e.catalog = reg
	}

	compiler, err := sqlgen.NewCompiler(sqlgen.CompilerConfig{
		Catalog:         e.catalog,
		MaxPageOffset:   cfg.Page.MaxOffset,
		DefaultPageSize: cfg.Page.DefaultSize,
	})
	if err != nil {
		e.Close()
		return nil, err
	}
	e.compiler = compiler

	cacheCfg := preview.CacheConfig{TTL: cfg.Preview.TTL, Logger: logger}
	if cfg.Stores.Redis != nil {
		e.remote, err = preview.NewRedisTier(cfg.Stores.Redis)
		if err != nil {
			e.Close()
			return nil, err
		}
		cacheCfg.Remote = e.remote
	}
	e.cache = preview.NewCache(cacheCfg)

	// A registry-backed catalog contributes its generation to every
	// fingerprint so a schema change retires cached previews. Static
	// catalogs have no generations; their previews age out by TTL.
	var generation func(tenantID string) uint64
	if g, ok := e.catalog.(interface{ Generation(string) uint64 }); ok {
		generation = g.Generation
	}

	e.previews, err = preview.NewService(preview.Config{
		Compiler:          compiler,
		Dispatcher:        e.router,
		Cache:             e.cache,
		Generation:        generation,
		PreviewBounds:     cfg.Preview.bounds(),
		WidgetBounds:      cfg.Widget.bounds(),
		ServeStaleOnError: cfg.Preview.ServeStaleOnError,
		Logger:            logger,
	})
	if err != nil {
		e.Close()
		return nil, err
	}

	if cfg.Stores.Redis != nil {
		e.bus = live.NewRedisBus(ctx, cfg.Stores.Redis)
		e.fanout, err = live.NewFanout(live.FanoutConfig{
			Bus:         e.bus,
			Invalidator: e.previews,
			Logger:      logger,
		})
		if err != nil {
			e.Close()
			return nil, err
		}
	}

	e.widgets = cfg.Widgets
	if e.widgets == nil {
		e.widgets = workflow.NewMemoryStore()
	}

	logger.Info("Engine assembled",
		"olap", olap != nil,
		"stream", e.stream != nil,
		"kv", cfg.Stores.Redis != nil,
		"live", e.fanout != nil,
		"introspection", cfg.Catalog == nil,
		"development", cfg.Development,
	)
	return e, nil
}

// validateConfig checks that required Config fields are valid.
func validateConfig(cfg Config) error {
	if cfg.Catalog == nil && !cfg.Introspection.Enabled {
		return fmt.Errorf("catalog is required unless store introspection is enabled")
	}
	if cfg.Auth == nil {
		return fmt.Errorf("authenticator is required")
	}
	if _, dev := cfg.Auth.(auth.DevelopmentOnly); dev && !cfg.Development {
		return fmt.Errorf("development-only authenticator requires development mode")
	}
	if !cfg.Stores.any() {
		return ErrNoStores
	}
	return nil
}

// introspectedCatalog builds a TTL registry over the configured stores.
func introspectedCatalog(cfg Config, olap *dispatch.OLAPClient, stream *dispatch.StreamClient, logger *slog.Logger) (*schema.Registry, error) {
	var providers schema.MultiProvider
	if olap != nil {
		p, err := dispatch.NewOLAPProvider(olap, dispatch.OLAPProviderConfig{
			Database: cfg.Introspection.OLAPDatabase,
			Shared:   cfg.Introspection.Shared,
		})
		if err != nil {
			return nil, err
		}
		providers = append(providers, p)
	}
	if stream != nil {
		p, err := dispatch.NewStreamProvider(stream, dispatch.StreamProviderConfig{
			Schema: cfg.Introspection.StreamSchema,
			Shared: cfg.Introspection.Shared,
		})
		if err != nil {
			return nil, err
		}
		providers = append(providers, p)
	}
	if len(cfg.Introspection.KVTables) > 0 {
		p, err := dispatch.NewKVProvider(cfg.Introspection.KVTables)
		if err != nil {
			return nil, err
		}
		providers = append(providers, p)
	}
	if len(providers) == 0 {
		return nil, fmt.Errorf("%w: no configured store can populate the catalog", ErrInvalidConfig)
	}
	return schema.NewRegistry(schema.RegistryConfig{
		Provider: providers,
		TTL:      cfg.Introspection.TTL,
		Logger:   logger,
	})
}

// Run drives the live fan-out loop until ctx is cancelled. Without a bus it
// blocks on ctx so callers can treat both modes the same.
func (e *Engine) Run(ctx context.Context) error {
	if e.fanout == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	return e.fanout.Run(ctx)
}

// Close releases store clients and codecs. Safe on a partially-built
// engine.
func (e *Engine) Close() error {
	if e.fanout != nil {
		if err := e.fanout.Close(); err != nil {
			e.log.Warn("Fanout close failed", "error", err.Error())
		}
	}
	if e.bus != nil {
		if err := e.bus.Close(); err != nil {
			e.log.Warn("Bus close failed", "error", err.Error())
		}
	}
	if e.remote != nil {
		if err := e.remote.Close(); err != nil {
			e.log.Warn("Remote tier close failed", "error", err.Error())
		}
	}
	if e.stream != nil {
		e.stream.Close()
	}
	return nil
}

// Previews returns the query service behind POST /preview and widget reads.
func (e *Engine) Previews() *preview.Service { return e.previews }

// Widgets returns the workflow store.
func (e *Engine) Widgets() workflow.Store { return e.widgets }

// Auth returns the configured authenticator.
func (e *Engine) Auth() auth.Authenticator { return e.cfg.Auth }

// Catalog returns the catalog the engine compiles against: the injected one
// or the store-introspection registry.
func (e *Engine) Catalog() schema.Catalog { return e.catalog }

// Fanout returns the live fan-out, or nil when Redis is not configured.
func (e *Engine) Fanout() *live.Fanout { return e.fanout }

// Compiler returns the workflow compiler, for hosts that compile without
// dispatching.
func (e *Engine) Compiler() *sqlgen.Compiler { return e.compiler }

// Health reports per-store reachability. Implements the request layer's
// readiness seam.
func (e *Engine) Health(ctx context.Context) map[schema.Source]error {
	return e.router.Health(ctx)
}

// SessionConfig returns the websocket tuning for accepted sessions.
func (e *Engine) SessionConfig() live.SessionConfig {
	return live.SessionConfig{
		Heartbeat: e.cfg.Live.Heartbeat,
		QueueSize: e.cfg.Live.QueueSize,
		Logger:    e.log,
	}
}

// Development reports whether the engine runs in development mode.
func (e *Engine) Development() bool { return e.cfg.Development }
