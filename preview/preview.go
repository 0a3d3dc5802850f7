// Package preview compiles, executes and caches widget row sets. One
// service front-ends both interactive previews and widget data reads: a
// request is fingerprinted by its content, answered from cache when the
// fingerprint is fresh, and otherwise compiled and dispatched exactly once
// per fingerprint no matter how many callers ask concurrently.
package preview

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/slateql/slate/dispatch"
	"github.com/slateql/slate/graph"
	"github.com/slateql/slate/metrics"
	"github.com/slateql/slate/qerr"
	"github.com/slateql/slate/schema"
	"github.com/slateql/slate/sqlgen"
)

// Dispatcher executes compiled segments. *dispatch.Router implements it.
type Dispatcher interface {
	Execute(ctx context.Context, seg *sqlgen.Segment, bounds dispatch.Bounds) (*dispatch.Result, error)
}

// Request asks for the rows a node produces.
type Request struct {
	TenantID     string
	Graph        *graph.Graph
	TargetNodeID string

	// Offset and Limit paginate the result. Limit <= 0 takes the compiler
	// default; previews additionally clamp to their row cap.
	Offset int
	Limit  int

	// DrillFilters narrow the target's output at request time.
	DrillFilters []sqlgen.Condition

	// Allowed is the tenant's identifier set for shared serving tables.
	// nil means the caller did not resolve one.
	Allowed []string
}

// Result is the answer served to previews and widget reads.
type Result struct {
	// Fingerprint is the content hash the rows are cached under. Live
	// subscriptions reference it to correlate pushed updates.
	Fingerprint string `json:"fingerprint"`

	Columns         []schema.Column  `json:"columns"`
	Rows            []map[string]any `json:"rows"`
	TotalEstimate   int64            `json:"total_estimate"`
	ExecutionMillis int64            `json:"execution_millis"`
	CacheHit        bool             `json:"cache_hit"`
	Truncated       bool             `json:"truncated,omitempty"`

	// Stale marks a result served past its freshness window because the
	// backing store was unavailable.
	Stale bool `json:"stale,omitempty"`
}

// Config wires the service.
type Config struct {
	// Compiler turns graphs into segments. REQUIRED.
	Compiler *sqlgen.Compiler

	// Dispatcher routes segments to stores. REQUIRED.
	Dispatcher Dispatcher

	// Cache holds results by fingerprint. REQUIRED.
	Cache *Cache

	// Generation reports the tenant's catalog generation for
	// fingerprinting. OPTIONAL; static catalogs can leave it nil.
	Generation func(tenantID string) uint64

	// PreviewBounds and WidgetBounds cap store work per request class.
	// OPTIONAL (defaults dispatch.PreviewBounds / dispatch.WidgetBounds).
	PreviewBounds dispatch.Bounds
	WidgetBounds  dispatch.Bounds

	// ServeStaleOnError serves an expired cached result when the store is
	// unavailable, within the cache's retention window.
	ServeStaleOnError bool

	// Logger for stale serves and flight failures. OPTIONAL.
	Logger *slog.Logger
}

// Service answers preview and widget data requests.
type Service struct {
	cfg    Config
	flight singleflight.Group
}

// NewService validates the wiring and builds the service.
func NewService(cfg Config) (*Service, error) {
	if cfg.Compiler == nil {
		return nil, errors.New("preview: Config.Compiler is required")
	}
	if cfg.Dispatcher == nil {
		return nil, errors.New("preview: Config.Dispatcher is required")
	}
	if cfg.Cache == nil {
		return nil, errors.New("preview: Config.Cache is required")
	}
	if cfg.PreviewBounds == (dispatch.Bounds{}) {
		cfg.PreviewBounds = dispatch.PreviewBounds()
	}
	if cfg.WidgetBounds == (dispatch.Bounds{}) {
		cfg.WidgetBounds = dispatch.WidgetBounds()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Service{cfg: cfg}, nil
}

// Preview serves an editor preview under the tight preview bounds.
func (s *Service) Preview(ctx context.Context, req Request) (*Result, error) {
	return s.run(ctx, req, s.cfg.PreviewBounds)
}

// WidgetData serves a rendered widget read under the widget bounds.
func (s *Service) WidgetData(ctx context.Context, req Request) (*Result, error) {
	return s.run(ctx, req, s.cfg.WidgetBounds)
}

// InvalidateTables drops cached results that read any of the tables.
func (s *Service) InvalidateTables(ctx context.Context, tenantID string, tables []string) int {
	return s.cfg.Cache.InvalidateTables(ctx, tenantID, tables)
}

// flightResult distinguishes a flight that found a fresh entry on the
// double check from one that executed.
type flightResult struct {
	entry *Entry
	hit   bool
}

func (s *Service) run(ctx context.Context, req Request, bounds dispatch.Bounds) (*Result, error) {
	req.Offset, req.Limit = s.cfg.Compiler.NormalizePage(req.Offset, req.Limit)
	if bounds.MaxResultRows > 0 && req.Limit > bounds.MaxResultRows {
		req.Limit = bounds.MaxResultRows
	}

	fp, err := Fingerprint(FingerprintInput{
		TenantID:     req.TenantID,
		TargetNodeID: req.TargetNodeID,
		Graph:        req.Graph,
		Offset:       req.Offset,
		Limit:        req.Limit,
		Drills:       req.DrillFilters,
		Generation:   s.generation(req.TenantID),
	})
	if err != nil {
		return nil, err
	}

	if e, fresh := s.cfg.Cache.Get(ctx, req.TenantID, fp); fresh {
		return e.result(fp, true, false), nil
	}
	metrics.CacheMisses.Inc()

	v, err, _ := s.flight.Do(fp, func() (any, error) {
		// A losing racer may land here after the winner already stored.
		if e, fresh := s.cfg.Cache.Get(ctx, req.TenantID, fp); fresh {
			return flightResult{entry: e, hit: true}, nil
		}
		e, err := s.fill(ctx, req, bounds, fp)
		if err != nil {
			return flightResult{}, err
		}
		return flightResult{entry: e}, nil
	})
	if err != nil {
		if stale := s.staleFor(ctx, req.TenantID, fp, err); stale != nil {
			return stale, nil
		}
		return nil, err
	}
	fr := v.(flightResult)
	return fr.entry.result(fp, fr.hit, false), nil
}

// fill compiles and executes the request and stores the entry.
func (s *Service) fill(ctx context.Context, req Request, bounds dispatch.Bounds, fp string) (*Entry, error) {
	seg, err := s.cfg.Compiler.Compile(ctx, sqlgen.Request{
		Graph:        req.Graph,
		TargetNodeID: req.TargetNodeID,
		TenantID:     req.TenantID,
		Allowed:      req.Allowed,
		Offset:       req.Offset,
		Limit:        req.Limit,
		DrillFilters: req.DrillFilters,
		Settings:     bounds.Settings(),
	})
	if err != nil {
		return nil, err
	}
	res, err := s.cfg.Dispatcher.Execute(ctx, seg, bounds)
	if err != nil {
		return nil, err
	}
	e := &Entry{
		Tenant:          req.TenantID,
		Fingerprint:     fp,
		Columns:         res.Columns,
		Rows:            res.Rows,
		TotalEstimate:   res.TotalEstimate,
		ExecutionMillis: res.ExecutionMillis,
		Truncated:       res.Truncated,
		Tables:          seg.Tables,
	}
	s.cfg.Cache.Put(ctx, e)
	return e, nil
}

// staleFor returns an expired cached result when policy allows riding out
// a store outage, nil otherwise.
func (s *Service) staleFor(ctx context.Context, tenantID, fp string, cause error) *Result {
	if !s.cfg.ServeStaleOnError || qerr.KindOf(cause) != qerr.KindStoreUnavailable {
		return nil
	}
	e, _ := s.cfg.Cache.Get(ctx, tenantID, fp)
	if e == nil {
		return nil
	}
	s.cfg.Logger.Warn("serving stale preview, store unavailable",
		"tenant", tenantID, "fingerprint", fp,
		"age", time.Since(e.StoredAt).Round(time.Second), "error", cause)
	metrics.CacheHits.WithLabelValues("stale").Inc()
	return e.result(fp, true, true)
}

func (s *Service) generation(tenantID string) uint64 {
	if s.cfg.Generation == nil {
		return 0
	}
	return s.cfg.Generation(tenantID)
}

// result materializes a response from a cache entry. Rows are shared with
// the entry and must be treated as read-only.
func (e *Entry) result(fp string, hit, stale bool) *Result {
	return &Result{
		Fingerprint:     fp,
		Columns:         e.Columns,
		Rows:            e.Rows,
		TotalEstimate:   e.TotalEstimate,
		ExecutionMillis: e.ExecutionMillis,
		CacheHit:        hit,
		Truncated:       e.Truncated,
		Stale:           stale,
	}
}
