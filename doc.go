// Package slate provides a high-level API for compiling visual analytics
// workflows into SQL and serving their results from heterogeneous stores.
//
// The slate package assembles the full pipeline:
//   - Validating workflow graphs and propagating column schemas node by node
//   - Compiling a target node into a single SQL statement with tenant scoping
//     baked in at generation time
//   - Dispatching compiled segments to the store that owns the data (OLAP
//     over HTTP, stream over the PostgreSQL wire protocol, key-value over
//     Redis)
//   - Caching preview results content-addressed, with single-flight
//     deduplication and an optional shared Redis tier
//   - Fanning row deltas out to websocket dashboard sessions per tenant
//
// # Quick Start
//
// Serve previews for one tenant against an OLAP store:
//
//	package main
//
//	import (
//	    "context"
//	    "log"
//	    "net/http"
//
//	    "github.com/slateql/slate"
//	    "github.com/slateql/slate/auth"
//	    "github.com/slateql/slate/dispatch"
//	    "github.com/slateql/slate/schema"
//	    "github.com/slateql/slate/server"
//	)
//
//	func main() {
//	    cat, err := schema.NewBuilder().
//	        Tenant("acme").
//	            Table(schema.TableSchema{
//	                Name:   "trades",
//	                Source: schema.SourceOLAP,
//	                Columns: []schema.Column{
//	                    {Name: "symbol", Type: schema.TypeString},
//	                    {Name: "price", Type: schema.TypeFloat64},
//	                },
//	            }).
//	        Build()
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//
//	    engine, err := slate.New(context.Background(), slate.Config{
//	        Catalog: cat,
//	        Auth: auth.Static(map[string]auth.Claims{
//	            "dev-token": {TenantID: "acme", UserID: "dev"},
//	        }),
//	        Stores: slate.StoresConfig{
//	            OLAP: dispatch.OLAPConfig{Endpoint: "http://localhost:8123"},
//	        },
//	        Development: true,
//	    })
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//	    defer engine.Close()
//
//	    srv, err := server.New(server.Config{
//	        Auth:        engine.Auth(),
//	        Previews:    engine.Previews(),
//	        Widgets:     engine.Widgets(),
//	        Health:      engine,
//	        Development: true,
//	    })
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//	    log.Fatal(http.ListenAndServe(":8080", srv.Handler()))
//	}
//
// # Architecture
//
// The package composes focused subpackages, each usable on its own:
//
//   - graph: workflow DAG model, validation and topological ordering
//   - schema: column type system and the per-tenant table catalog
//   - sqlgen: schema propagation and SQL compilation
//   - dispatch: per-store executors and the retrying router
//   - preview: content-addressed result cache and the query service
//   - live: delta bus, session hub and websocket fan-out
//   - workflow: saved workflow and widget definitions
//   - server: the HTTP and websocket edge
//
// The root package wires them; hosts that need only a slice (for example
// compiling without dispatching) import the subpackages directly.
//
// # Engine Lifecycle
//
// New dials the configured stores but does NOT serve HTTP. The host owns the
// listener and shutdown:
//
//	go engine.Run(ctx)           // drives the live fan-out, if configured
//	defer engine.Close()         // releases store clients
//
// Pair Run's context with the http.Server's BaseContext so websocket
// sessions receive a close frame on shutdown.
//
// # Authentication
//
// Every request authenticates with a bearer token resolved to tenant claims
// by an auth.Authenticator. The static map implementation serves development
// and tests:
//
//	auth.Static(map[string]auth.Claims{
//	    "token-1": {TenantID: "acme", UserID: "u1", AllowedIdentifiers: []string{"AAPL"}},
//	})
//
// Static authenticators are marked development-only; New refuses them unless
// Config.Development is set. Production hosts implement Authenticator
// against their identity provider.
//
// # Multi-Tenancy
//
// Tenant isolation is enforced at compile time, not at the edge: every
// generated statement scopes metadata tables by the caller's tenant and
// shared serving tables by the tenant's allowed identifier set. A request
// can name only tables its tenant's catalog exposes.
//
// # Logging
//
// All components log through log/slog. Config.Logger overrides the
// destination; when nil the engine uses slog.Default(), or builds a text
// handler at Config.LogLevel when that is set.
//
// # Context Cancellation
//
// Store calls, cache fills and websocket sessions respect ctx.Done(). A
// cancelled preview reports qerr.KindCancelled and the HTTP layer closes the
// request without a body.
package slate
