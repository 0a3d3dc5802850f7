package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/slateql/slate/qerr"
	"github.com/slateql/slate/schema"
	"github.com/slateql/slate/sqlgen"
)

type fakeExecutor struct {
	calls   int
	execute func(call int) (*Result, error)
	pingErr error
}

func (f *fakeExecutor) Execute(ctx context.Context, seg *sqlgen.Segment, bounds Bounds) (*Result, error) {
	f.calls++
	return f.execute(f.calls)
}

func (f *fakeExecutor) Ping(ctx context.Context) error { return f.pingErr }

func testCols() []schema.Column {
	return []schema.Column{
		{Name: "symbol", Type: schema.TypeString},
		{Name: "price", Type: schema.TypeFloat64},
	}
}

func olapSegment() *sqlgen.Segment {
	return &sqlgen.Segment{
		Target:   schema.SourceOLAP,
		SQL:      "SELECT symbol, price FROM md.trades",
		Columns:  testCols(),
		TenantID: "acme",
		Tables:   []string{"trades"},
	}
}

func fastRouter(ex Executor) *Router {
	return NewRouter(RouterConfig{OLAP: ex, RetryBaseDelay: time.Millisecond})
}

func TestRouterEmptySegment(t *testing.T) {
	r := NewRouter(RouterConfig{})
	seg := &sqlgen.Segment{Columns: testCols(), TenantID: "acme", Empty: true}

	res, err := r.Execute(context.Background(), seg, PreviewBounds())
	if err != nil {
		t.Fatalf("Execute() failed: %v", err)
	}
	if res.Rows == nil || len(res.Rows) != 0 {
		t.Errorf("rows = %#v, want empty non-nil", res.Rows)
	}
	if !schema.ColumnsEqual(res.Columns, testCols()) {
		t.Errorf("columns = %+v", res.Columns)
	}
}

func TestRouterUnconfiguredStore(t *testing.T) {
	r := NewRouter(RouterConfig{})

	_, err := r.Execute(context.Background(), olapSegment(), PreviewBounds())
	if !qerr.Is(err, qerr.KindStoreUnavailable) {
		t.Fatalf("err = %v, want store_unavailable", err)
	}
}

func TestRouterRetriesTransient(t *testing.T) {
	ex := &fakeExecutor{execute: func(call int) (*Result, error) {
		if call < 3 {
			return nil, qerr.New(qerr.KindStoreUnavailable, "refused")
		}
		return &Result{Columns: testCols(), Rows: []map[string]any{{"symbol": "AAPL", "price": 1.5}}}, nil
	}}

	res, err := fastRouter(ex).Execute(context.Background(), olapSegment(), WidgetBounds())
	if err != nil {
		t.Fatalf("Execute() failed: %v", err)
	}
	if ex.calls != 3 {
		t.Errorf("calls = %d, want 3", ex.calls)
	}
	if len(res.Rows) != 1 {
		t.Errorf("rows = %v", res.Rows)
	}
}

func TestRouterRetryExhaustion(t *testing.T) {
	ex := &fakeExecutor{execute: func(int) (*Result, error) {
		return nil, qerr.New(qerr.KindStoreUnavailable, "refused")
	}}

	_, err := fastRouter(ex).Execute(context.Background(), olapSegment(), WidgetBounds())
	if !qerr.Is(err, qerr.KindStoreUnavailable) {
		t.Fatalf("err = %v, want store_unavailable", err)
	}
	if ex.calls != 3 {
		t.Errorf("calls = %d, want 3", ex.calls)
	}
}

// Only transient transport failures retry. A store that answered with an
// error must not see the statement again.
func TestRouterNoRetryOnStoreErrors(t *testing.T) {
	kinds := []qerr.Kind{
		qerr.KindStoreError,
		qerr.KindTimeout,
		qerr.KindResourceExceeded,
	}
	for _, kind := range kinds {
		t.Run(string(kind), func(t *testing.T) {
			ex := &fakeExecutor{execute: func(int) (*Result, error) {
				return nil, qerr.New(kind, "boom")
			}}

			_, err := fastRouter(ex).Execute(context.Background(), olapSegment(), WidgetBounds())
			if !qerr.Is(err, kind) {
				t.Fatalf("err = %v, want %s", err, kind)
			}
			if ex.calls != 1 {
				t.Errorf("calls = %d, want 1", ex.calls)
			}
		})
	}
}

func TestRouterCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ex := &fakeExecutor{execute: func(int) (*Result, error) {
		t.Fatal("executor called with cancelled context")
		return nil, nil
	}}

	_, err := fastRouter(ex).Execute(ctx, olapSegment(), WidgetBounds())
	if !qerr.Is(err, qerr.KindCancelled) {
		t.Fatalf("err = %v, want cancelled", err)
	}
}

func TestRouterResultCap(t *testing.T) {
	rows := make([]map[string]any, 5)
	for i := range rows {
		rows[i] = map[string]any{"symbol": "AAPL", "price": float64(i)}
	}
	ex := &fakeExecutor{execute: func(int) (*Result, error) {
		return &Result{Columns: testCols(), Rows: rows}, nil
	}}

	bounds := WidgetBounds()
	bounds.MaxResultRows = 3
	_, err := fastRouter(ex).Execute(context.Background(), olapSegment(), bounds)
	if !qerr.Is(err, qerr.KindResourceExceeded) {
		t.Fatalf("err = %v, want resource_exceeded", err)
	}
}

func TestRouterStampsDuration(t *testing.T) {
	ex := &fakeExecutor{execute: func(int) (*Result, error) {
		return &Result{Columns: testCols(), Rows: nil}, nil
	}}

	res, err := fastRouter(ex).Execute(context.Background(), olapSegment(), WidgetBounds())
	if err != nil {
		t.Fatalf("Execute() failed: %v", err)
	}
	if res.ExecutionMillis < 0 {
		t.Errorf("execution millis = %d", res.ExecutionMillis)
	}
}

func TestRouterHealth(t *testing.T) {
	olap := &fakeExecutor{}
	kv := &fakeExecutor{pingErr: qerr.New(qerr.KindStoreUnavailable, "down")}
	r := NewRouter(RouterConfig{OLAP: olap, KV: kv})

	health := r.Health(context.Background())
	if len(health) != 2 {
		t.Fatalf("health = %v, want 2 entries", health)
	}
	if health[schema.SourceOLAP] != nil {
		t.Errorf("olap = %v, want nil", health[schema.SourceOLAP])
	}
	if !qerr.Is(health[schema.SourceKV], qerr.KindStoreUnavailable) {
		t.Errorf("kv = %v, want store_unavailable", health[schema.SourceKV])
	}
	if _, ok := health[schema.SourceStream]; ok {
		t.Error("unconfigured stream store reported health")
	}
}

func TestBoundsSettings(t *testing.T) {
	got := PreviewBounds().Settings()
	want := &sqlgen.Settings{MaxExecutionTime: 3, MaxMemoryBytes: 100 << 20, MaxRowsToRead: 10_000_000}
	if *got != *want {
		t.Errorf("settings = %+v, want %+v", got, want)
	}

	// Sub-second caps round up so the store never reads zero as unlimited.
	b := Bounds{MaxExecutionTime: 2500 * time.Millisecond}
	if got := b.Settings().MaxExecutionTime; got != 3 {
		t.Errorf("rounded seconds = %d, want 3", got)
	}

	if (Bounds{}).Settings() != nil {
		t.Error("zero bounds produced a settings fragment")
	}
}
