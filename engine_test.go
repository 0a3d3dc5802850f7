package slate

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/slateql/slate/auth"
	"github.com/slateql/slate/dispatch"
	"github.com/slateql/slate/schema"
)

func testCatalog(t *testing.T) schema.Catalog {
	t.Helper()
	cat, err := schema.NewBuilder().
		Tenant("acme").
		Table(schema.TableSchema{
			Name:   "trades",
			Source: schema.SourceOLAP,
			Columns: []schema.Column{
				{Name: "symbol", Type: schema.TypeString},
				{Name: "price", Type: schema.TypeFloat64},
			},
		}).
		Build()
	if err != nil {
		t.Fatalf("build catalog: %v", err)
	}
	return cat
}

func devAuth() auth.Authenticator {
	return auth.Static(map[string]auth.Claims{
		"tok": {TenantID: "acme", UserID: "u1"},
	})
}

func olapStores() StoresConfig {
	// The client is built eagerly but nothing dials until a request runs.
	return StoresConfig{OLAP: dispatch.OLAPConfig{Endpoint: "http://127.0.0.1:9"}}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewValidatesConfig(t *testing.T) {
	cat := testCatalog(t)
	tests := []struct {
		name string
		cfg  Config
		want error
	}{
		{
			name: "missing catalog",
			cfg:  Config{Auth: devAuth(), Stores: olapStores(), Development: true},
			want: ErrInvalidConfig,
		},
		{
			name: "missing authenticator",
			cfg:  Config{Catalog: cat, Stores: olapStores(), Development: true},
			want: ErrInvalidConfig,
		},
		{
			name: "development authenticator outside development mode",
			cfg:  Config{Catalog: cat, Auth: devAuth(), Stores: olapStores()},
			want: ErrInvalidConfig,
		},
		{
			name: "no stores",
			cfg:  Config{Catalog: cat, Auth: devAuth(), Development: true},
			want: ErrNoStores,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.cfg.Logger = discardLogger()
			_, err := New(context.Background(), tt.cfg)
			if !errors.Is(err, tt.want) {
				t.Fatalf("New() error = %v, want %v", err, tt.want)
			}
			if !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("New() error %v does not wrap ErrInvalidConfig", err)
			}
		})
	}
}

func TestNewAssemblesOLAPEngine(t *testing.T) {
	engine, err := New(context.Background(), Config{
		Catalog:     testCatalog(t),
		Auth:        devAuth(),
		Stores:      olapStores(),
		Development: true,
		Logger:      discardLogger(),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer engine.Close()

	if engine.Previews() == nil {
		t.Error("Previews() = nil")
	}
	if engine.Widgets() == nil {
		t.Error("Widgets() = nil, want default in-memory store")
	}
	if engine.Compiler() == nil {
		t.Error("Compiler() = nil")
	}
	if engine.Auth() == nil {
		t.Error("Auth() = nil")
	}
	if engine.Fanout() != nil {
		t.Error("Fanout() != nil without redis")
	}
	if !engine.Development() {
		t.Error("Development() = false")
	}

	sc := engine.SessionConfig()
	if sc.Heartbeat != 30*time.Second {
		t.Errorf("SessionConfig().Heartbeat = %v, want 30s", sc.Heartbeat)
	}
	if sc.QueueSize != 64 {
		t.Errorf("SessionConfig().QueueSize = %d, want 64", sc.QueueSize)
	}
}

func TestRunWithoutBusWaitsForContext(t *testing.T) {
	engine, err := New(context.Background(), Config{
		Catalog:     testCatalog(t),
		Auth:        devAuth(),
		Stores:      olapStores(),
		Development: true,
		Logger:      discardLogger(),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer engine.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := engine.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() = %v, want context.Canceled", err)
	}
}

func TestNewIntrospectsCatalog(t *testing.T) {
	const columnsResponse = `{
		"meta": [
			{"name": "table", "type": "String"},
			{"name": "name", "type": "String"},
			{"name": "type", "type": "String"}
		],
		"data": [
			["trades", "symbol", "String"],
			["trades", "price", "Float64"]
		],
		"rows": 2
	}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(columnsResponse))
	}))
	defer srv.Close()

	engine, err := New(context.Background(), Config{
		Auth: devAuth(),
		Stores: StoresConfig{
			OLAP: dispatch.OLAPConfig{Endpoint: srv.URL},
		},
		Introspection: IntrospectionConfig{Enabled: true, OLAPDatabase: "analytics"},
		Development:   true,
		Logger:        discardLogger(),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer engine.Close()

	tbl, err := engine.Catalog().Table(context.Background(), "acme", "trades")
	if err != nil {
		t.Fatalf("Table() error = %v", err)
	}
	if tbl == nil {
		t.Fatal("introspected table not found")
	}
	if tbl.Source != schema.SourceOLAP || len(tbl.Columns) != 2 {
		t.Errorf("table = %+v, want olap trades with 2 columns", tbl)
	}
}

func TestNewIntrospectionNeedsAProvider(t *testing.T) {
	// Redis alone cannot populate a catalog without synthetic kv tables.
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	defer rdb.Close()

	_, err := New(context.Background(), Config{
		Auth:          devAuth(),
		Stores:        StoresConfig{Redis: rdb},
		Introspection: IntrospectionConfig{Enabled: true},
		Development:   true,
		Logger:        discardLogger(),
	})
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("New() error = %v, want ErrInvalidConfig", err)
	}
}

func TestNewWithRedisEnablesLive(t *testing.T) {
	// The client never has to reach a server: construction, subscription
	// bookkeeping and Close are all local until traffic flows.
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	defer rdb.Close()

	engine, err := New(context.Background(), Config{
		Catalog:     testCatalog(t),
		Auth:        devAuth(),
		Stores:      StoresConfig{Redis: rdb},
		Development: true,
		Logger:      discardLogger(),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if engine.Fanout() == nil {
		t.Error("Fanout() = nil with redis configured")
	}
	if err := engine.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}
