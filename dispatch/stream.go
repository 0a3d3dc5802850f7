package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/slateql/slate/qerr"
	"github.com/slateql/slate/sqlgen"
)

// StreamConfig configures the materialized-view store client.
type StreamConfig struct {
	// DSN is the store's connection string. REQUIRED unless Pool is set.
	DSN string

	// Pool substitutes a pre-built pool for the DSN.
	Pool *pgxpool.Pool

	Logger *slog.Logger
}

// StreamClient executes segments against the stream store over the
// PostgreSQL wire protocol. Statements are parameterized; the segment's
// Args fill the placeholders.
type StreamClient struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewStreamClient opens the connection pool.
func NewStreamClient(ctx context.Context, cfg StreamConfig) (*StreamClient, error) {
	pool := cfg.Pool
	if pool == nil {
		if cfg.DSN == "" {
			return nil, errors.New("dispatch: StreamConfig.DSN is required")
		}
		var err error
		pool, err = pgxpool.New(ctx, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("dispatch: stream pool: %w", err)
		}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &StreamClient{pool: pool, logger: cfg.Logger}, nil
}

// Close releases the pool.
func (c *StreamClient) Close() {
	c.pool.Close()
}

// Execute runs the parameterized statement. The execution cap is installed
// as the connection's statement timeout so the store aborts runaway
// statements itself; the trailing client deadline only covers a hung
// connection.
func (c *StreamClient) Execute(ctx context.Context, seg *sqlgen.Segment, bounds Bounds) (*Result, error) {
	if bounds.MaxExecutionTime > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, bounds.MaxExecutionTime+time.Second)
		defer cancel()
	}

	conn, err := c.pool.Acquire(ctx)
	if err != nil {
		return nil, classifyStream(err)
	}
	defer conn.Release()

	if bounds.MaxExecutionTime > 0 {
		set := fmt.Sprintf("SET statement_timeout = %d", bounds.MaxExecutionTime.Milliseconds())
		if _, err := conn.Exec(ctx, set); err != nil {
			return nil, classifyStream(err)
		}
		// Reset even when the query path is cancelled; a failed reset only
		// costs the pool one connection recycle.
		defer conn.Exec(context.WithoutCancel(ctx), "RESET statement_timeout")
	}

	rows, err := conn.Query(ctx, seg.SQL, seg.Args...)
	if err != nil {
		return nil, classifyStream(err)
	}
	defer rows.Close()

	if fields := rows.FieldDescriptions(); len(fields) != len(seg.Columns) {
		return nil, qerr.New(qerr.KindStoreError,
			"stream: statement returned %d columns, want %d", len(fields), len(seg.Columns))
	}

	out := make([]map[string]any, 0, 64)
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, classifyStream(err)
		}
		row := make(map[string]any, len(seg.Columns))
		for i, col := range seg.Columns {
			v, err := coerceValue(col, pgNormalize(vals[i]))
			if err != nil {
				return nil, qerr.Wrap(qerr.KindStoreError, err, "stream: column %q", col.Name)
			}
			row[col.Name] = v
		}
		out = append(out, row)
		if bounds.MaxResultRows > 0 && len(out) > bounds.MaxResultRows {
			return nil, qerr.New(qerr.KindResourceExceeded,
				"stream: result exceeds %d rows", bounds.MaxResultRows)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, classifyStream(err)
	}
	return &Result{Columns: seg.Columns, Rows: out, TotalEstimate: int64(len(out))}, nil
}

// Ping probes the pool.
func (c *StreamClient) Ping(ctx context.Context) error {
	if err := c.pool.Ping(ctx); err != nil {
		return classifyStream(err)
	}
	return nil
}

// pgNormalize widens driver-specific scalars before the shared coercion.
func pgNormalize(v any) any {
	if n, ok := v.(pgtype.Numeric); ok {
		f, err := n.Float64Value()
		if err == nil && f.Valid {
			return f.Float64
		}
		return nil
	}
	return v
}

// classifyStream maps wire-protocol failures to execution kinds. A fired
// statement timeout reports as a store-side error code, not a context
// deadline, so it is checked explicitly.
func classifyStream(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return qerr.Wrap(qerr.KindTimeout, err, "stream: deadline exceeded")
	case errors.Is(err, context.Canceled):
		return qerr.Wrap(qerr.KindCancelled, err, "stream: request cancelled")
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "57014": // query_canceled: statement_timeout fired
			return qerr.Wrap(qerr.KindTimeout, err, "stream: statement timeout")
		case strings.HasPrefix(pgErr.Code, "53"): // insufficient resources
			return qerr.Wrap(qerr.KindResourceExceeded, err, "stream: %s", pgErr.Message)
		case strings.HasPrefix(pgErr.Code, "08"): // connection exception
			return qerr.Wrap(qerr.KindStoreUnavailable, err, "stream: connection failed")
		default:
			return qerr.Wrap(qerr.KindStoreError, err, "stream: %s", pgErr.Message)
		}
	}
	return qerr.Wrap(qerr.KindStoreUnavailable, err, "stream: store unreachable")
}
