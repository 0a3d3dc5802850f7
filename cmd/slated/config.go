package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"time"

	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"

	"github.com/slateql/slate"
	"github.com/slateql/slate/auth"
	"github.com/slateql/slate/dispatch"
	"github.com/slateql/slate/schema"
)

// minTokenLength is the shortest bearer token the production token file
// accepts.
const minTokenLength = 32

// configDefaults registers every scalar key so SLATE_ environment variables
// resolve without a config file. Tuning keys default to zero; the engine
// substitutes its own defaults for those.
var configDefaults = map[string]any{
	"listen":      ":8080",
	"development": false,
	"log.level":   "info",
	"log.format":  "text",

	"auth.token_file": "",

	"catalog.introspect":    false,
	"catalog.ttl":           time.Duration(0),
	"catalog.olap_database": "",
	"catalog.stream_schema": "",

	"stores.olap.endpoint":     "",
	"stores.olap.username":     "",
	"stores.olap.password":     "",
	"stores.stream.dsn":        "",
	"stores.redis.addr":        "",
	"stores.redis.password":    "",
	"stores.redis.db":          0,
	"stores.kv_scan_limit":     int64(0),
	"stores.kv_pipeline_batch": 0,

	"preview.ttl":                  time.Duration(0),
	"preview.row_limit":            0,
	"preview.max_execution_time":   time.Duration(0),
	"preview.max_memory_bytes":     int64(0),
	"preview.max_rows_to_read":     int64(0),
	"preview.serve_stale_on_error": false,

	"widget.max_execution_time": time.Duration(0),
	"widget.max_memory_bytes":   int64(0),
	"widget.max_rows_to_read":   int64(0),

	"page.max_offset":   0,
	"page.default_size": 0,

	"live.heartbeat":  time.Duration(0),
	"live.queue_size": 0,
}

// settings mirrors the slated configuration file. Map keys under auth.tokens
// and catalog.tenants pass through viper, which treats keys
// case-insensitively; inline tokens should therefore be lowercase. The
// production token file is parsed directly and preserves case.
type settings struct {
	Listen      string          `mapstructure:"listen"`
	Development bool            `mapstructure:"development"`
	Log         logSettings     `mapstructure:"log"`
	Auth        authSettings    `mapstructure:"auth"`
	Catalog     catalogSettings `mapstructure:"catalog"`
	Stores      storesSettings  `mapstructure:"stores"`
	Preview     previewSettings `mapstructure:"preview"`
	Widget      widgetSettings  `mapstructure:"widget"`
	Page        pageSettings    `mapstructure:"page"`
	Live        liveSettings    `mapstructure:"live"`
}

type logSettings struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// authSettings selects the token source. Inline tokens are a development
// convenience; production deployments point token_file at a secrets file
// with the same token table.
type authSettings struct {
	Tokens    map[string]tokenSettings `mapstructure:"tokens"`
	TokenFile string                   `mapstructure:"token_file"`
}

type tokenSettings struct {
	Tenant  string   `mapstructure:"tenant" yaml:"tenant"`
	User    string   `mapstructure:"user" yaml:"user"`
	Roles   []string `mapstructure:"roles" yaml:"roles"`
	Allowed []string `mapstructure:"allowed" yaml:"allowed"`
}

// catalogSettings defines the table catalog: either a static per-tenant
// table list under tenants, or introspect to discover tables from the
// configured stores.
type catalogSettings struct {
	Introspect   bool                       `mapstructure:"introspect"`
	TTL          time.Duration              `mapstructure:"ttl"`
	OLAPDatabase string                     `mapstructure:"olap_database"`
	StreamSchema string                     `mapstructure:"stream_schema"`
	Shared       map[string]string          `mapstructure:"shared"`
	KVTables     []kvTableSettings          `mapstructure:"kv_tables"`
	Tenants      map[string][]tableSettings `mapstructure:"tenants"`
}

type tableSettings struct {
	Name             string            `mapstructure:"name"`
	Source           string            `mapstructure:"source"`
	Database         string            `mapstructure:"database"`
	Columns          []columnSettings  `mapstructure:"columns"`
	TenantColumn     string            `mapstructure:"tenant_column"`
	IdentifierColumn string            `mapstructure:"identifier_column"`
	KeyPattern       string            `mapstructure:"key_pattern"`
}

type columnSettings struct {
	Name     string `mapstructure:"name"`
	Type     string `mapstructure:"type"`
	Nullable bool   `mapstructure:"nullable"`
}

type kvTableSettings struct {
	KeyPattern       string           `mapstructure:"key_pattern"`
	IdentifierColumn string           `mapstructure:"identifier_column"`
	Columns          []columnSettings `mapstructure:"columns"`
}

type storesSettings struct {
	OLAP            olapSettings   `mapstructure:"olap"`
	Stream          streamSettings `mapstructure:"stream"`
	Redis           redisSettings  `mapstructure:"redis"`
	KVScanLimit     int64          `mapstructure:"kv_scan_limit"`
	KVPipelineBatch int            `mapstructure:"kv_pipeline_batch"`
}

type olapSettings struct {
	Endpoint string `mapstructure:"endpoint"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

type streamSettings struct {
	DSN string `mapstructure:"dsn"`
}

type redisSettings struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type previewSettings struct {
	TTL               time.Duration `mapstructure:"ttl"`
	RowLimit          int           `mapstructure:"row_limit"`
	MaxExecutionTime  time.Duration `mapstructure:"max_execution_time"`
	MaxMemoryBytes    int64         `mapstructure:"max_memory_bytes"`
	MaxRowsToRead     int64         `mapstructure:"max_rows_to_read"`
	ServeStaleOnError bool          `mapstructure:"serve_stale_on_error"`
}

type widgetSettings struct {
	MaxExecutionTime time.Duration `mapstructure:"max_execution_time"`
	MaxMemoryBytes   int64         `mapstructure:"max_memory_bytes"`
	MaxRowsToRead    int64         `mapstructure:"max_rows_to_read"`
}

type pageSettings struct {
	MaxOffset   int `mapstructure:"max_offset"`
	DefaultSize int `mapstructure:"default_size"`
}

type liveSettings struct {
	Heartbeat time.Duration `mapstructure:"heartbeat"`
	QueueSize int           `mapstructure:"queue_size"`
}

func (s logSettings) build() (*slog.Logger, error) {
	var level slog.Level
	switch s.Level {
	case "", "info":
		level = slog.LevelInfo
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level %q", s.Level)
	}
	opts := &slog.HandlerOptions{Level: level}
	switch s.Format {
	case "", "text":
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", s.Format)
	}
}

// engineConfig assembles the slate engine configuration, refusing
// development-grade settings outside development mode.
func (s *settings) engineConfig(logger *slog.Logger) (slate.Config, error) {
	if !s.Development && s.Stores.OLAP.Endpoint != "" &&
		s.Stores.OLAP.Username == "default" && s.Stores.OLAP.Password == "" {
		return slate.Config{}, errors.New("stores.olap uses the development default credentials; set a password or enable development mode")
	}

	authn, err := s.authenticator()
	if err != nil {
		return slate.Config{}, err
	}
	catalog, intro, err := s.catalog()
	if err != nil {
		return slate.Config{}, err
	}

	return slate.Config{
		Catalog:       catalog,
		Introspection: intro,
		Auth:          authn,
		Stores:        s.storeTargets(),
		Preview: slate.PreviewConfig{
			TTL:               s.Preview.TTL,
			RowLimit:          s.Preview.RowLimit,
			MaxExecutionTime:  s.Preview.MaxExecutionTime,
			MaxMemoryBytes:    s.Preview.MaxMemoryBytes,
			MaxRowsToRead:     s.Preview.MaxRowsToRead,
			ServeStaleOnError: s.Preview.ServeStaleOnError,
		},
		Widget: slate.WidgetConfig{
			MaxExecutionTime: s.Widget.MaxExecutionTime,
			MaxMemoryBytes:   s.Widget.MaxMemoryBytes,
			MaxRowsToRead:    s.Widget.MaxRowsToRead,
		},
		Page: slate.PageConfig{
			MaxOffset:   s.Page.MaxOffset,
			DefaultSize: s.Page.DefaultSize,
		},
		Live: slate.LiveConfig{
			Heartbeat: s.Live.Heartbeat,
			QueueSize: s.Live.QueueSize,
		},
		Development: s.Development,
		Logger:      logger,
	}, nil
}

func (s *settings) storeTargets() slate.StoresConfig {
	out := slate.StoresConfig{
		OLAP: dispatch.OLAPConfig{
			Endpoint: s.Stores.OLAP.Endpoint,
			Username: s.Stores.OLAP.Username,
			Password: s.Stores.OLAP.Password,
		},
		Stream:          dispatch.StreamConfig{DSN: s.Stores.Stream.DSN},
		KVScanLimit:     s.Stores.KVScanLimit,
		KVPipelineBatch: s.Stores.KVPipelineBatch,
	}
	if s.Stores.Redis.Addr != "" {
		out.Redis = redis.NewClient(&redis.Options{
			Addr:     s.Stores.Redis.Addr,
			Password: s.Stores.Redis.Password,
			DB:       s.Stores.Redis.DB,
		})
	}
	return out
}

func (s *settings) authenticator() (auth.Authenticator, error) {
	switch {
	case len(s.Auth.Tokens) > 0 && s.Auth.TokenFile != "":
		return nil, errors.New("configure either auth.tokens or auth.token_file, not both")
	case len(s.Auth.Tokens) > 0:
		if !s.Development {
			return nil, errors.New("inline auth.tokens are a development feature; production uses auth.token_file")
		}
		table, err := claimsTable(s.Auth.Tokens)
		if err != nil {
			return nil, fmt.Errorf("auth.tokens: %w", err)
		}
		return auth.Static(table), nil
	case s.Auth.TokenFile != "":
		table, err := loadTokenFile(s.Auth.TokenFile)
		if err != nil {
			return nil, err
		}
		if !s.Development {
			for token := range table {
				if len(token) < minTokenLength {
					return nil, fmt.Errorf("token file %s: token for tenant %q is shorter than %d characters",
						s.Auth.TokenFile, table[token].TenantID, minTokenLength)
				}
			}
		}
		return tokenTable(table), nil
	default:
		return nil, errors.New("no authenticator configured: set auth.tokens (development) or auth.token_file")
	}
}

// tokenTable authenticates against a token table loaded at startup. Unlike
// auth.Static it is not a development bypass: the table comes from a
// separately deployed secrets file.
type tokenTable map[string]auth.Claims

func (t tokenTable) Authenticate(_ context.Context, token string) (*auth.Claims, error) {
	claims, ok := t[token]
	if !ok {
		return nil, auth.ErrUnauthenticated
	}
	return &claims, nil
}

// loadTokenFile parses a YAML secrets file of the form
//
//	tokens:
//	  <token>:
//	    tenant: acme
//	    user: alice
//	    roles: [analyst]
//
// YAML is parsed directly rather than through viper so token case is
// preserved.
func loadTokenFile(path string) (map[string]auth.Claims, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("token file: %w", err)
	}
	var doc struct {
		Tokens map[string]tokenSettings `yaml:"tokens"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("token file %s: %w", path, err)
	}
	if len(doc.Tokens) == 0 {
		return nil, fmt.Errorf("token file %s defines no tokens", path)
	}
	table, err := claimsTable(doc.Tokens)
	if err != nil {
		return nil, fmt.Errorf("token file %s: %w", path, err)
	}
	return table, nil
}

func claimsTable(tokens map[string]tokenSettings) (map[string]auth.Claims, error) {
	table := make(map[string]auth.Claims, len(tokens))
	for token, ts := range tokens {
		if token == "" {
			return nil, errors.New("empty token")
		}
		if ts.Tenant == "" {
			return nil, fmt.Errorf("token %q has no tenant", token)
		}
		table[token] = auth.Claims{
			TenantID:           ts.Tenant,
			UserID:             ts.User,
			Roles:              ts.Roles,
			AllowedIdentifiers: ts.Allowed,
		}
	}
	return table, nil
}

// catalog resolves the table catalog: a static catalog built from
// catalog.tenants, or an introspection config when catalog.introspect is
// set. Exactly one of the two must be configured.
func (s *settings) catalog() (schema.Catalog, slate.IntrospectionConfig, error) {
	static := len(s.Catalog.Tenants) > 0
	switch {
	case static && s.Catalog.Introspect:
		return nil, slate.IntrospectionConfig{}, errors.New("catalog.tenants and catalog.introspect are mutually exclusive")
	case static:
		cat, err := buildStaticCatalog(s.Catalog.Tenants)
		return cat, slate.IntrospectionConfig{}, err
	case s.Catalog.Introspect:
		defs, err := kvTableDefs(s.Catalog.KVTables)
		if err != nil {
			return nil, slate.IntrospectionConfig{}, err
		}
		return nil, slate.IntrospectionConfig{
			Enabled:      true,
			TTL:          s.Catalog.TTL,
			OLAPDatabase: s.Catalog.OLAPDatabase,
			StreamSchema: s.Catalog.StreamSchema,
			Shared:       s.Catalog.Shared,
			KVTables:     defs,
		}, nil
	default:
		return nil, slate.IntrospectionConfig{}, errors.New("no catalog configured: define catalog.tenants or set catalog.introspect")
	}
}

func buildStaticCatalog(tenants map[string][]tableSettings) (schema.Catalog, error) {
	b := schema.NewBuilder()
	names := make([]string, 0, len(tenants))
	for name := range tenants {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, tenant := range names {
		tb := b.Tenant(tenant)
		for _, ts := range tenants[tenant] {
			tbl, err := buildTable(ts)
			if err != nil {
				return nil, fmt.Errorf("catalog: tenant %s: %w", tenant, err)
			}
			tb.Table(tbl)
		}
	}
	return b.Build()
}

func buildTable(ts tableSettings) (schema.TableSchema, error) {
	cols, err := buildColumns(ts.Columns)
	if err != nil {
		return schema.TableSchema{}, fmt.Errorf("table %s: %w", ts.Name, err)
	}
	return schema.TableSchema{
		Name:             ts.Name,
		Source:           schema.Source(ts.Source),
		Database:         ts.Database,
		Columns:          cols,
		TenantColumn:     ts.TenantColumn,
		IdentifierColumn: ts.IdentifierColumn,
		KeyPattern:       ts.KeyPattern,
	}, nil
}

func buildColumns(cols []columnSettings) ([]schema.Column, error) {
	out := make([]schema.Column, 0, len(cols))
	for _, c := range cols {
		dt, err := schema.ParseDType(c.Type)
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", c.Name, err)
		}
		out = append(out, schema.Column{Name: c.Name, Type: dt, Nullable: c.Nullable})
	}
	return out, nil
}

func kvTableDefs(tables []kvTableSettings) ([]dispatch.KVTableDef, error) {
	defs := make([]dispatch.KVTableDef, 0, len(tables))
	for _, t := range tables {
		cols, err := buildColumns(t.Columns)
		if err != nil {
			return nil, fmt.Errorf("catalog.kv_tables: pattern %s: %w", t.KeyPattern, err)
		}
		defs = append(defs, dispatch.KVTableDef{
			KeyPattern:       t.KeyPattern,
			IdentifierColumn: t.IdentifierColumn,
			Columns:          cols,
		})
	}
	return defs, nil
}
