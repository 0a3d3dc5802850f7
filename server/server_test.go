package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/slateql/slate/auth"
	"github.com/slateql/slate/graph"
	"github.com/slateql/slate/internal/reqctx"
	"github.com/slateql/slate/preview"
	"github.com/slateql/slate/qerr"
	"github.com/slateql/slate/schema"
	"github.com/slateql/slate/workflow"
)

type fakePreviews struct {
	mu     sync.Mutex
	last   preview.Request
	lastOp string
	err    error
}

func (f *fakePreviews) record(op string, req preview.Request) (*preview.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastOp = op
	f.last = req
	if f.err != nil {
		return nil, f.err
	}
	return &preview.Result{
		Fingerprint: "abc123",
		Columns:     []schema.Column{{Name: "symbol", Type: schema.TypeString}},
		Rows:        []map[string]any{{"symbol": "AAPL"}},
	}, nil
}

func (f *fakePreviews) Preview(_ context.Context, req preview.Request) (*preview.Result, error) {
	return f.record("preview", req)
}

func (f *fakePreviews) WidgetData(_ context.Context, req preview.Request) (*preview.Result, error) {
	return f.record("widget", req)
}

func (f *fakePreviews) snapshot() (string, preview.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastOp, f.last
}

type fakeHealth struct {
	checks map[schema.Source]error
}

func (f *fakeHealth) Health(context.Context) map[schema.Source]error { return f.checks }

func fixtureGraph() *graph.Graph {
	return &graph.Graph{
		Nodes: []graph.Node{
			{ID: "src", Type: graph.TypeDataSource, Config: graph.Config{"table": "trades"}},
			{ID: "out", Type: graph.TypeTableOutput},
		},
		Edges: []graph.Edge{{Source: "src", Target: "out"}},
	}
}

func testTokens() auth.Authenticator {
	return auth.Static(map[string]auth.Claims{
		"tok-acme": {TenantID: "acme", UserID: "u1", AllowedIdentifiers: []string{"AAPL", "TSLA"}},
		"tok-bolt": {TenantID: "bolt", UserID: "u2"},
	})
}

func newTestServer(t *testing.T, mutate func(*Config)) (*httptest.Server, *fakePreviews) {
	t.Helper()
	previews := &fakePreviews{}
	store := workflow.NewMemoryStore()
	if err := store.PutWorkflow(workflow.Workflow{
		ID: "wf1", TenantID: "acme", Graph: fixtureGraph(),
	}); err != nil {
		t.Fatal(err)
	}
	if err := store.PutWidget(workflow.Widget{
		ID: "w1", TenantID: "acme", WorkflowID: "wf1", TargetNodeID: "out",
	}); err != nil {
		t.Fatal(err)
	}

	cfg := Config{
		Auth:        testTokens(),
		Previews:    previews,
		Widgets:     store,
		Development: true,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return srv, previews
}

func doJSON(t *testing.T, method, url, token string, body any) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, rd)
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	data, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		t.Fatal(err)
	}
	return resp, data
}

func TestPreviewEndpoint(t *testing.T) {
	srv, previews := newTestServer(t, nil)

	resp, data := doJSON(t, http.MethodPost, srv.URL+"/preview", "tok-acme", previewRequest{
		WorkflowID:   "wf1",
		TargetNodeID: "out",
		Graph:        fixtureGraph(),
		Offset:       20,
		Limit:        10,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %s", resp.StatusCode, data)
	}

	var res preview.Result
	if err := json.Unmarshal(data, &res); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if res.Fingerprint != "abc123" || len(res.Rows) != 1 {
		t.Fatalf("result = %+v", res)
	}

	op, got := previews.snapshot()
	if op != "preview" {
		t.Fatalf("op = %q", op)
	}
	if got.TenantID != "acme" {
		t.Fatalf("TenantID = %q, want acme (from token, not body)", got.TenantID)
	}
	if len(got.Allowed) != 2 || got.Allowed[0] != "AAPL" {
		t.Fatalf("Allowed = %v, want claims identifiers", got.Allowed)
	}
	if got.Offset != 20 || got.Limit != 10 {
		t.Fatalf("page = %d/%d", got.Offset, got.Limit)
	}
}

func TestAuthRequired(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	for name, token := range map[string]string{"missing": "", "unknown": "tok-nope"} {
		t.Run(name, func(t *testing.T) {
			resp, data := doJSON(t, http.MethodPost, srv.URL+"/preview", token, previewRequest{
				TargetNodeID: "out", Graph: fixtureGraph(),
			})
			if resp.StatusCode != http.StatusUnauthorized {
				t.Fatalf("status = %d, body %s", resp.StatusCode, data)
			}
			if got := resp.Header.Get("WWW-Authenticate"); !strings.HasPrefix(got, "Bearer") {
				t.Fatalf("WWW-Authenticate = %q", got)
			}
		})
	}
}

func TestPreviewBadRequests(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	cases := map[string]any{
		"no graph":       previewRequest{TargetNodeID: "out"},
		"no target":      previewRequest{Graph: fixtureGraph()},
		"unknown fields": map[string]any{"graph": fixtureGraph(), "target_node_id": "out", "surprise": 1},
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			resp, data := doJSON(t, http.MethodPost, srv.URL+"/preview", "tok-acme", body)
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("status = %d, body %s", resp.StatusCode, data)
			}
			var eb errorBody
			if err := json.Unmarshal(data, &eb); err != nil || eb.Error.Kind != "bad_request" {
				t.Fatalf("body = %s", data)
			}
		})
	}
}

func TestErrorStatusMapping(t *testing.T) {
	cases := []struct {
		kind   qerr.Kind
		status int
	}{
		{qerr.KindCycleDetected, http.StatusUnprocessableEntity},
		{qerr.KindInvalidOperator, http.StatusUnprocessableEntity},
		{qerr.KindCrossStoreOperation, http.StatusUnprocessableEntity},
		{qerr.KindTenantACLMissing, http.StatusForbidden},
		{qerr.KindNotFound, http.StatusNotFound},
		{qerr.KindTimeout, http.StatusRequestTimeout},
		{qerr.KindResourceExceeded, http.StatusRequestEntityTooLarge},
		{qerr.KindStoreUnavailable, http.StatusServiceUnavailable},
		{qerr.KindStoreError, http.StatusInternalServerError},
		{qerr.KindInternal, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(string(tc.kind), func(t *testing.T) {
			srv, previews := newTestServer(t, nil)
			previews.err = qerr.New(tc.kind, "secret operational detail")

			resp, data := doJSON(t, http.MethodPost, srv.URL+"/preview", "tok-acme", previewRequest{
				TargetNodeID: "out", Graph: fixtureGraph(),
			})
			if resp.StatusCode != tc.status {
				t.Fatalf("status = %d, want %d (body %s)", resp.StatusCode, tc.status, data)
			}
			var eb errorBody
			if err := json.Unmarshal(data, &eb); err != nil {
				t.Fatalf("body = %s", data)
			}
			if eb.Error.Kind != string(tc.kind) {
				t.Fatalf("kind = %q, want %q", eb.Error.Kind, tc.kind)
			}
			if tc.status >= 500 && strings.Contains(eb.Error.Message, "secret") {
				t.Fatalf("5xx leaked detail: %q", eb.Error.Message)
			}
			if tc.status < 500 && !strings.Contains(eb.Error.Message, "secret operational detail") {
				t.Fatalf("4xx lost its message: %q", eb.Error.Message)
			}
		})
	}
}

func TestWidgetDataEndpoint(t *testing.T) {
	srv, previews := newTestServer(t, nil)

	qs := url.Values{
		"offset":  {"10"},
		"limit":   {"5"},
		"filters": {`[{"column":"symbol","operator":"=","value":"AAPL"}]`},
	}
	resp, data := doJSON(t, http.MethodGet, srv.URL+"/widgets/w1/data?"+qs.Encode(), "tok-acme", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %s", resp.StatusCode, data)
	}

	op, got := previews.snapshot()
	if op != "widget" {
		t.Fatalf("op = %q", op)
	}
	if got.TargetNodeID != "out" || got.Graph == nil || len(got.Graph.Nodes) != 2 {
		t.Fatalf("request not resolved from the stored workflow: %+v", got)
	}
	if got.Offset != 10 || got.Limit != 5 {
		t.Fatalf("page = %d/%d", got.Offset, got.Limit)
	}
	if len(got.DrillFilters) != 1 || got.DrillFilters[0].Column != "symbol" {
		t.Fatalf("filters = %+v", got.DrillFilters)
	}
}

func TestWidgetDataIsolation(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	// The widget exists, but under another tenant: 404, not 403.
	resp, data := doJSON(t, http.MethodGet, srv.URL+"/widgets/w1/data", "tok-bolt", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, body %s", resp.StatusCode, data)
	}

	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/widgets/ghost/data", "tok-acme", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown widget status = %d", resp.StatusCode)
	}
}

func TestWidgetDataBadParams(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	for name, qs := range map[string]url.Values{
		"offset":  {"offset": {"minus-one"}},
		"limit":   {"limit": {"-3"}},
		"filters": {"filters": {`{"not":"an array"}`}},
	} {
		t.Run(name, func(t *testing.T) {
			resp, _ := doJSON(t, http.MethodGet, srv.URL+"/widgets/w1/data?"+qs.Encode(), "tok-acme", nil)
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("status = %d", resp.StatusCode)
			}
		})
	}
}

func TestHealthEndpoints(t *testing.T) {
	t.Run("liveness", func(t *testing.T) {
		srv, _ := newTestServer(t, nil)
		resp, _ := doJSON(t, http.MethodGet, srv.URL+"/healthz", "", nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("healthz = %d", resp.StatusCode)
		}
	})

	t.Run("ready", func(t *testing.T) {
		srv, _ := newTestServer(t, func(c *Config) {
			c.Health = &fakeHealth{checks: map[schema.Source]error{
				schema.SourceOLAP:   nil,
				schema.SourceStream: nil,
			}}
		})
		resp, data := doJSON(t, http.MethodGet, srv.URL+"/readyz", "", nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("readyz = %d, body %s", resp.StatusCode, data)
		}
		var hr healthResponse
		if err := json.Unmarshal(data, &hr); err != nil || hr.Checks["olap"] != "ok" {
			t.Fatalf("body = %s", data)
		}
	})

	t.Run("degraded", func(t *testing.T) {
		srv, _ := newTestServer(t, func(c *Config) {
			c.Health = &fakeHealth{checks: map[schema.Source]error{
				schema.SourceOLAP: nil,
				schema.SourceKV:   errors.New("connection refused"),
			}}
		})
		resp, data := doJSON(t, http.MethodGet, srv.URL+"/readyz", "", nil)
		if resp.StatusCode != http.StatusServiceUnavailable {
			t.Fatalf("readyz = %d, body %s", resp.StatusCode, data)
		}
		var hr healthResponse
		if err := json.Unmarshal(data, &hr); err != nil || hr.Status != "degraded" {
			t.Fatalf("body = %s", data)
		}
	})

	t.Run("metrics", func(t *testing.T) {
		srv, _ := newTestServer(t, nil)
		resp, _ := doJSON(t, http.MethodGet, srv.URL+"/metrics", "", nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("metrics = %d", resp.StatusCode)
		}
	})
}

func TestRequestIDEcho(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/healthz", nil)
	req.Header.Set(reqctx.RequestIDHeader, "req-42")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if got := resp.Header.Get(reqctx.RequestIDHeader); got != "req-42" {
		t.Fatalf("request id = %q, want caller's", got)
	}

	resp2, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp2.Body.Close()
	if resp2.Header.Get(reqctx.RequestIDHeader) == "" {
		t.Fatal("no generated request id")
	}
}

func TestDevelopmentAuthenticatorGuard(t *testing.T) {
	_, err := New(Config{
		Auth:     testTokens(), // Static is DevelopmentOnly
		Previews: &fakePreviews{},
		Widgets:  workflow.NewMemoryStore(),
	})
	if err == nil {
		t.Fatal("New accepted a development authenticator without development mode")
	}
}

func TestHandlerPanicIsContained(t *testing.T) {
	srv, _ := newTestServer(t, func(c *Config) { c.Previews = &panickingPreviews{} })

	resp, data := doJSON(t, http.MethodPost, srv.URL+"/preview", "tok-acme", previewRequest{
		TargetNodeID: "out", Graph: fixtureGraph(),
	})
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, body %s", resp.StatusCode, data)
	}
}

type panickingPreviews struct{}

func (p *panickingPreviews) Preview(context.Context, preview.Request) (*preview.Result, error) {
	panic("boom")
}

func (p *panickingPreviews) WidgetData(context.Context, preview.Request) (*preview.Result, error) {
	panic("boom")
}
