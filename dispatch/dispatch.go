// Package dispatch routes compiled segments to their backing stores and
// normalizes the rows that come back. One executor serves each store
// family: the olap store over HTTP, the stream store over the PostgreSQL
// wire protocol, the kv store over its native protocol. The router owns
// retries, result caps and instrumentation; executors own transport and
// row decoding.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/avast/retry-go"

	"github.com/slateql/slate/metrics"
	"github.com/slateql/slate/qerr"
	"github.com/slateql/slate/schema"
	"github.com/slateql/slate/sqlgen"
)

// Bounds caps what a single statement may consume. The SQL caps travel to
// the store (the olap settings fragment, the stream statement timeout); the
// result cap is enforced on the decoded rows. Zero values mean unbounded.
type Bounds struct {
	MaxExecutionTime time.Duration
	MaxMemoryBytes   int64
	MaxRowsToRead    int64

	// MaxResultRows caps the row count an execution may return. Exceeding
	// it is an error, never a silent truncation.
	MaxResultRows int
}

// PreviewBounds are the interactive-path caps: tight enough that an editor
// keystroke can never monopolize a store.
func PreviewBounds() Bounds {
	return Bounds{
		MaxExecutionTime: 3 * time.Second,
		MaxMemoryBytes:   100 << 20,
		MaxRowsToRead:    10_000_000,
		MaxResultRows:    100,
	}
}

// WidgetBounds are the dashboard-path caps.
func WidgetBounds() Bounds {
	return Bounds{
		MaxExecutionTime: 30 * time.Second,
		MaxMemoryBytes:   500 << 20,
		MaxRowsToRead:    50_000_000,
	}
}

// Settings renders the caps as the statement-level fragment the olap
// dialect attaches. Durations round up to whole seconds so a sub-second cap
// never renders as zero, which the store reads as unlimited.
func (b Bounds) Settings() *sqlgen.Settings {
	if b.MaxExecutionTime <= 0 && b.MaxMemoryBytes <= 0 && b.MaxRowsToRead <= 0 {
		return nil
	}
	secs := int(b.MaxExecutionTime / time.Second)
	if b.MaxExecutionTime%time.Second != 0 {
		secs++
	}
	return &sqlgen.Settings{
		MaxExecutionTime: secs,
		MaxMemoryBytes:   b.MaxMemoryBytes,
		MaxRowsToRead:    b.MaxRowsToRead,
	}
}

// Result is the uniform row set every executor returns. Rows are keyed by
// the segment's output column names and values carry the column dtypes.
type Result struct {
	Columns         []schema.Column  `json:"columns"`
	Rows            []map[string]any `json:"rows"`
	ExecutionMillis int64            `json:"execution_millis"`

	// TotalEstimate is the store's lower bound on rows matching before
	// pagination. Stores that cannot count report the page size.
	TotalEstimate int64 `json:"total_estimate"`

	// Truncated reports that the store indicated more rows beyond the page,
	// or that a kv scan stopped at its key cap.
	Truncated bool `json:"truncated,omitempty"`
}

// An Executor runs segments against one store family.
type Executor interface {
	Execute(ctx context.Context, seg *sqlgen.Segment, bounds Bounds) (*Result, error)
	Ping(ctx context.Context) error
}

// RouterConfig wires the per-store executors.
type RouterConfig struct {
	// OLAP, Stream and KV serve their segment targets. A segment naming an
	// unconfigured store fails with KindStoreUnavailable.
	OLAP   Executor
	Stream Executor
	KV     Executor

	// Logger receives retry warnings. OPTIONAL (default slog.Default()).
	Logger *slog.Logger

	// RetryAttempts caps total tries per execution, first attempt included.
	// OPTIONAL (default 3).
	RetryAttempts uint

	// RetryBaseDelay seeds the jittered exponential backoff between tries.
	// OPTIONAL (default 50ms).
	RetryBaseDelay time.Duration
}

// Router dispatches segments by target store.
type Router struct {
	cfg RouterConfig
}

// NewRouter applies defaults and returns a Router.
func NewRouter(cfg RouterConfig) *Router {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.RetryAttempts == 0 {
		cfg.RetryAttempts = 3
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 50 * time.Millisecond
	}
	return &Router{cfg: cfg}
}

// Execute runs the segment against its target store. Transient transport
// failures retry with jittered backoff up to the configured attempt cap;
// every other failure kind surfaces on the first occurrence. Empty segments
// return zero rows without touching any store.
func (r *Router) Execute(ctx context.Context, seg *sqlgen.Segment, bounds Bounds) (*Result, error) {
	if seg == nil {
		return nil, qerr.Internal("dispatch: nil segment")
	}
	if seg.Empty {
		return &Result{Columns: seg.Columns, Rows: []map[string]any{}}, nil
	}
	ex, err := r.executor(seg.Target)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	var res *Result
	err = retry.Do(
		func() error {
			var attemptErr error
			res, attemptErr = ex.Execute(ctx, seg, bounds)
			return attemptErr
		},
		retry.Context(ctx),
		retry.Attempts(r.cfg.RetryAttempts),
		retry.Delay(r.cfg.RetryBaseDelay),
		retry.MaxDelay(2*time.Second),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return ctx.Err() == nil && qerr.Retryable(err)
		}),
		retry.OnRetry(func(n uint, err error) {
			r.cfg.Logger.Warn("Retrying store call",
				slog.String("target", string(seg.Target)),
				slog.Uint64("attempt", uint64(n)+1),
				slog.String("error", err.Error()))
		}),
	)
	elapsed := time.Since(start)
	metrics.QueryDurations.WithLabelValues(string(seg.Target)).Observe(elapsed.Seconds())
	if err != nil {
		metrics.StoreErrors.WithLabelValues(string(seg.Target), string(qerr.KindOf(err))).Inc()
		return nil, err
	}
	if bounds.MaxResultRows > 0 && len(res.Rows) > bounds.MaxResultRows {
		err := qerr.New(qerr.KindResourceExceeded,
			"result has %d rows, cap is %d", len(res.Rows), bounds.MaxResultRows)
		metrics.StoreErrors.WithLabelValues(string(seg.Target), string(qerr.KindOf(err))).Inc()
		return nil, err
	}
	res.ExecutionMillis = elapsed.Milliseconds()
	return res, nil
}

// Health pings every configured store. The readiness endpoint reports the
// per-store outcomes.
func (r *Router) Health(ctx context.Context) map[schema.Source]error {
	out := make(map[schema.Source]error, 3)
	if r.cfg.OLAP != nil {
		out[schema.SourceOLAP] = r.cfg.OLAP.Ping(ctx)
	}
	if r.cfg.Stream != nil {
		out[schema.SourceStream] = r.cfg.Stream.Ping(ctx)
	}
	if r.cfg.KV != nil {
		out[schema.SourceKV] = r.cfg.KV.Ping(ctx)
	}
	return out
}

func (r *Router) executor(target schema.Source) (Executor, error) {
	var ex Executor
	switch target {
	case schema.SourceOLAP:
		ex = r.cfg.OLAP
	case schema.SourceStream:
		ex = r.cfg.Stream
	case schema.SourceKV:
		ex = r.cfg.KV
	default:
		return nil, qerr.Internal("dispatch: segment targets unknown store %q", target)
	}
	if ex == nil {
		return nil, qerr.New(qerr.KindStoreUnavailable, "no %s store configured", target)
	}
	return ex, nil
}

// classifyTransport maps a transport-level failure to its execution kind.
// Deadline and cancellation belong to the caller's context; everything else
// is connectivity and qualifies for retry.
func classifyTransport(store string, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return qerr.Wrap(qerr.KindTimeout, err, "%s: deadline exceeded", store)
	case errors.Is(err, context.Canceled):
		return qerr.Wrap(qerr.KindCancelled, err, "%s: request cancelled", store)
	default:
		return qerr.Wrap(qerr.KindStoreUnavailable, err, "%s: store unreachable", store)
	}
}
