package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/slateql/slate/qerr"
	"github.com/slateql/slate/schema"
	"github.com/slateql/slate/sqlgen"
)

// olapExceptionKinds maps the store's exception codes, reported inside the
// error body, to failure kinds. The HTTP status alone cannot distinguish a
// resource cap from a genuine server fault.
var olapExceptionKinds = map[string]qerr.Kind{
	"Code: 158": qerr.KindResourceExceeded, // rows-to-read cap
	"Code: 159": qerr.KindTimeout,          // execution time cap
	"Code: 241": qerr.KindResourceExceeded, // memory cap
}

// OLAPConfig configures the columnar store client.
type OLAPConfig struct {
	// Endpoint is the store's HTTP base URL, e.g. "http://olap:8123".
	// REQUIRED.
	Endpoint string

	// Username and Password authenticate via basic auth. OPTIONAL.
	Username string
	Password string

	// Client issues the requests. OPTIONAL (default http.DefaultClient
	// semantics; deadlines come from the execution bounds).
	Client *http.Client

	// MaxResponseBytes caps the response body read into memory.
	// OPTIONAL (default 256 MiB).
	MaxResponseBytes int64

	Logger *slog.Logger
}

// OLAPClient executes segments against the columnar store: the statement is
// POSTed as the request body and rows come back in the compact JSON format.
type OLAPClient struct {
	cfg OLAPConfig
}

// NewOLAPClient validates the configuration and returns a client.
func NewOLAPClient(cfg OLAPConfig) (*OLAPClient, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("dispatch: OLAPConfig.Endpoint is required")
	}
	cfg.Endpoint = strings.TrimRight(cfg.Endpoint, "/")
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	if cfg.MaxResponseBytes <= 0 {
		cfg.MaxResponseBytes = 256 << 20
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &OLAPClient{cfg: cfg}, nil
}

// jsonCompactResponse is the store's compact result envelope: column
// metadata plus positional row arrays.
type jsonCompactResponse struct {
	Meta []struct {
		Name string `json:"name"`
		Type string `json:"type"`
	} `json:"meta"`
	Data            [][]any `json:"data"`
	Rows            int64   `json:"rows"`
	RowsBeforeLimit int64   `json:"rows_before_limit_at_least"`
}

// Execute POSTs the rendered statement and decodes the compact JSON rows.
// The store enforces the execution caps itself through the statement's
// settings clause; the client deadline trails it by a second so the store's
// own cap error wins when both fire.
func (c *OLAPClient) Execute(ctx context.Context, seg *sqlgen.Segment, bounds Bounds) (*Result, error) {
	if bounds.MaxExecutionTime > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, bounds.MaxExecutionTime+time.Second)
		defer cancel()
	}

	query := seg.SQL + " FORMAT JSONCompact"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint+"/", strings.NewReader(query))
	if err != nil {
		return nil, qerr.Wrap(qerr.KindInternal, err, "olap: build request")
	}
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if c.cfg.Username != "" {
		req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	}

	resp, err := c.cfg.Client.Do(req)
	if err != nil {
		return nil, classifyTransport("olap", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.cfg.MaxResponseBytes+1))
	if err != nil {
		return nil, classifyTransport("olap", err)
	}
	if int64(len(body)) > c.cfg.MaxResponseBytes {
		return nil, qerr.New(qerr.KindResourceExceeded,
			"olap: response exceeds %d bytes", c.cfg.MaxResponseBytes)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, olapStatusError(resp.StatusCode, body)
	}

	// UseNumber keeps 64-bit integers exact; plain decoding would round
	// them through float64.
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var payload jsonCompactResponse
	if err := dec.Decode(&payload); err != nil {
		return nil, qerr.Wrap(qerr.KindStoreError, err, "olap: malformed response")
	}

	rows, err := decodeCompactRows(seg.Columns, payload.Data)
	if err != nil {
		return nil, err
	}
	res := &Result{Columns: seg.Columns, Rows: rows, TotalEstimate: int64(len(rows))}
	if payload.RowsBeforeLimit > int64(len(rows)) {
		res.TotalEstimate = payload.RowsBeforeLimit
		res.Truncated = true
	}
	return res, nil
}

// Ping probes the store's health endpoint.
func (c *OLAPClient) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.Endpoint+"/ping", nil)
	if err != nil {
		return qerr.Wrap(qerr.KindInternal, err, "olap: build ping")
	}
	resp, err := c.cfg.Client.Do(req)
	if err != nil {
		return classifyTransport("olap", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 512))
	if resp.StatusCode != http.StatusOK {
		return qerr.New(qerr.KindStoreUnavailable, "olap: ping returned %d", resp.StatusCode)
	}
	return nil
}

// decodeCompactRows turns positional value arrays into maps keyed by the
// segment's column names. The compiler's dtypes are authoritative; the
// store's meta block is not consulted.
func decodeCompactRows(cols []schema.Column, data [][]any) ([]map[string]any, error) {
	rows := make([]map[string]any, 0, len(data))
	for i, raw := range data {
		if len(raw) != len(cols) {
			return nil, qerr.New(qerr.KindStoreError,
				"olap: row %d has %d values, want %d", i, len(raw), len(cols))
		}
		row := make(map[string]any, len(cols))
		for j, col := range cols {
			v, err := coerceValue(col, raw[j])
			if err != nil {
				return nil, qerr.Wrap(qerr.KindStoreError, err, "olap: row %d column %q", i, col.Name)
			}
			row[col.Name] = v
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// olapStatusError classifies a non-200 response. Resource-cap exceptions
// arrive as 500s with a code in the body, so the body is inspected first.
func olapStatusError(status int, body []byte) error {
	detail := bodySnippet(body)
	for marker, kind := range olapExceptionKinds {
		if strings.Contains(detail, marker) {
			return qerr.New(kind, "olap: %s", detail)
		}
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return qerr.New(qerr.KindStoreError, "olap: authentication rejected (%d)", status)
	case status == http.StatusTooManyRequests,
		status == http.StatusBadGateway,
		status == http.StatusServiceUnavailable,
		status == http.StatusGatewayTimeout:
		return qerr.New(qerr.KindStoreUnavailable, "olap: status %d: %s", status, detail)
	default:
		return qerr.New(qerr.KindStoreError, "olap: status %d: %s", status, detail)
	}
}

// bodySnippet trims an error body to a loggable line.
func bodySnippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) > 300 {
		s = s[:300] + "..."
	}
	return s
}
