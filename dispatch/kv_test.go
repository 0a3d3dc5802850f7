package dispatch

import (
	"context"
	"fmt"
	"path"
	"sort"
	"testing"
	"time"

	"github.com/slateql/slate/qerr"
	"github.com/slateql/slate/schema"
	"github.com/slateql/slate/sqlgen"
)

// fakeKVStore serves hashes from a map, matching patterns with glob rules.
type fakeKVStore struct {
	hashes map[string]map[string]string

	gotPattern string
	gotLimit   int64
	fetched    []string
	scanErr    error
	fetchErr   error
	pingErr    error
}

func (f *fakeKVStore) ScanKeys(ctx context.Context, pattern string, limit int64) ([]string, bool, error) {
	f.gotPattern, f.gotLimit = pattern, limit
	if f.scanErr != nil {
		return nil, false, f.scanErr
	}
	var keys []string
	for k := range f.hashes {
		if ok, _ := path.Match(pattern, k); ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	if int64(len(keys)) > limit {
		return keys[:limit], true, nil
	}
	return keys, false, nil
}

func (f *fakeKVStore) FetchHashes(ctx context.Context, keys []string) ([]map[string]string, error) {
	f.fetched = append(f.fetched, keys...)
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	out := make([]map[string]string, len(keys))
	for i, k := range keys {
		out[i] = f.hashes[k]
	}
	return out, nil
}

func (f *fakeKVStore) Ping(ctx context.Context) error { return f.pingErr }

func vwapPlan() *sqlgen.KVLookup {
	return &sqlgen.KVLookup{
		Kind:             sqlgen.KVScanHash,
		KeyPattern:       "latest:vwap:*",
		IdentifierColumn: "symbol",
		Columns: []schema.Column{
			{Name: "symbol", Type: schema.TypeString},
			{Name: "vwap", Type: schema.TypeFloat64},
			{Name: "updated", Type: schema.TypeDatetime},
		},
	}
}

func kvSegment(t *testing.T, store *fakeKVStore, postOps ...sqlgen.PostOp) (*KVClient, *sqlgen.Segment) {
	t.Helper()
	c, err := NewKVClient(KVConfig{Store: store})
	if err != nil {
		t.Fatalf("NewKVClient() failed: %v", err)
	}
	seg := &sqlgen.Segment{
		Target:   schema.SourceKV,
		KV:       vwapPlan(),
		PostOps:  postOps,
		Columns:  vwapPlan().Columns,
		TenantID: "acme",
		Allowed:  []string{"AAPL", "MSFT"},
		Tables:   []string{"vwap_latest"},
	}
	return c, seg
}

func TestKVExecute(t *testing.T) {
	store := &fakeKVStore{hashes: map[string]map[string]string{
		"latest:vwap:AAPL": {"vwap": "3.5", "updated": "2025-03-01T09:30:00Z"},
		"latest:vwap:MSFT": {"vwap": "1.25", "updated": "2025-03-01T09:30:05Z"},
		"latest:vwap:GOOG": {"vwap": "9.9", "updated": "2025-03-01T09:30:10Z"}, // not in the allowed set
		"latest:other:X":   {"vwap": "7.0"},                                   // does not match the pattern
	}}
	c, seg := kvSegment(t, store,
		sqlgen.PostOp{Kind: "filter", Conditions: []sqlgen.Condition{
			{Column: "vwap", Operator: ">", Value: 2.0},
		}},
		sqlgen.PostOp{Kind: "sort", Keys: []sqlgen.SortKey{{Column: "symbol"}}},
		sqlgen.PostOp{Kind: "page", Offset: 0, Limit: 50},
	)

	res, err := c.Execute(context.Background(), seg, PreviewBounds())
	if err != nil {
		t.Fatalf("Execute() failed: %v", err)
	}

	if store.gotPattern != "latest:vwap:*" {
		t.Errorf("scanned pattern = %q", store.gotPattern)
	}
	// MSFT is dropped by the vwap filter, GOOG by the identifier set.
	if len(res.Rows) != 1 {
		t.Fatalf("rows = %v, want one", res.Rows)
	}
	row := res.Rows[0]
	if row["symbol"] != "AAPL" {
		t.Errorf("symbol = %v, want AAPL (from the key suffix)", row["symbol"])
	}
	if row["vwap"] != 3.5 {
		t.Errorf("vwap = %v (%T)", row["vwap"], row["vwap"])
	}
	want := time.Date(2025, 3, 1, 9, 30, 0, 0, time.UTC)
	if got, ok := row["updated"].(time.Time); !ok || !got.Equal(want) {
		t.Errorf("updated = %v (%T)", row["updated"], row["updated"])
	}
	if res.Truncated {
		t.Error("truncated = true for an exhausted scan")
	}
	if res.TotalEstimate != 1 {
		t.Errorf("total estimate = %d, want 1", res.TotalEstimate)
	}
}

// The scan must stop at the configured key cap no matter how many keys
// match, and the result reports the truncation.
func TestKVScanBounded(t *testing.T) {
	hashes := make(map[string]map[string]string, 500)
	allowed := make([]string, 0, 500)
	for i := 0; i < 500; i++ {
		id := fmt.Sprintf("SYM%03d", i)
		hashes["latest:vwap:"+id] = map[string]string{"vwap": "1.0"}
		allowed = append(allowed, id)
	}
	store := &fakeKVStore{hashes: hashes}
	c, err := NewKVClient(KVConfig{Store: store, ScanLimit: 50})
	if err != nil {
		t.Fatalf("NewKVClient() failed: %v", err)
	}
	seg := &sqlgen.Segment{
		Target:  schema.SourceKV,
		KV:      vwapPlan(),
		Columns: vwapPlan().Columns,
		Allowed: allowed,
		PostOps: []sqlgen.PostOp{{Kind: "page", Offset: 0, Limit: 100}},
	}

	res, err := c.Execute(context.Background(), seg, WidgetBounds())
	if err != nil {
		t.Fatalf("Execute() failed: %v", err)
	}
	if store.gotLimit != 50 {
		t.Errorf("scan limit = %d, want 50", store.gotLimit)
	}
	if len(store.fetched) != 50 {
		t.Errorf("fetched %d keys, want 50", len(store.fetched))
	}
	if len(res.Rows) != 50 {
		t.Errorf("rows = %d, want 50", len(res.Rows))
	}
	if !res.Truncated {
		t.Error("truncated = false for a capped scan")
	}
}

func TestKVMissingFieldIsNull(t *testing.T) {
	store := &fakeKVStore{hashes: map[string]map[string]string{
		"latest:vwap:AAPL": {"vwap": "2.0"}, // no updated field
	}}
	c, seg := kvSegment(t, store)

	res, err := c.Execute(context.Background(), seg, PreviewBounds())
	if err != nil {
		t.Fatalf("Execute() failed: %v", err)
	}
	if len(res.Rows) != 1 {
		t.Fatalf("rows = %v", res.Rows)
	}
	if got := res.Rows[0]["updated"]; got != nil {
		t.Errorf("updated = %v, want nil", got)
	}
}

func TestKVExpiredKeySkipped(t *testing.T) {
	store := &fakeKVStore{hashes: map[string]map[string]string{
		"latest:vwap:AAPL": {"vwap": "2.0"},
		"latest:vwap:MSFT": {}, // expired between scan and fetch
	}}
	c, seg := kvSegment(t, store)

	res, err := c.Execute(context.Background(), seg, PreviewBounds())
	if err != nil {
		t.Fatalf("Execute() failed: %v", err)
	}
	if len(res.Rows) != 1 || res.Rows[0]["symbol"] != "AAPL" {
		t.Errorf("rows = %v, want AAPL only", res.Rows)
	}
}

func TestKVMalformedField(t *testing.T) {
	store := &fakeKVStore{hashes: map[string]map[string]string{
		"latest:vwap:AAPL": {"vwap": "not-a-number"},
	}}
	c, seg := kvSegment(t, store)

	_, err := c.Execute(context.Background(), seg, PreviewBounds())
	if !qerr.Is(err, qerr.KindStoreError) {
		t.Fatalf("err = %v, want store_error", err)
	}
}

func TestKVStoreDown(t *testing.T) {
	store := &fakeKVStore{scanErr: fmt.Errorf("connection refused")}
	c, seg := kvSegment(t, store)

	_, err := c.Execute(context.Background(), seg, PreviewBounds())
	if !qerr.Is(err, qerr.KindStoreUnavailable) {
		t.Fatalf("err = %v, want store_unavailable", err)
	}
}

func TestKVSegmentWithoutPlan(t *testing.T) {
	c, seg := kvSegment(t, &fakeKVStore{})
	seg.KV = nil

	_, err := c.Execute(context.Background(), seg, PreviewBounds())
	if !qerr.Is(err, qerr.KindInternal) {
		t.Fatalf("err = %v, want internal", err)
	}
}

func TestKeySuffix(t *testing.T) {
	tests := []struct{ key, want string }{
		{"latest:vwap:AAPL", "AAPL"},
		{"a:b:c:d", "d"},
		{"plain", "plain"},
		{"trailing:", ""},
	}
	for _, tt := range tests {
		if got := keySuffix(tt.key); got != tt.want {
			t.Errorf("keySuffix(%q) = %q, want %q", tt.key, got, tt.want)
		}
	}
}
