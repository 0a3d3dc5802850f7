package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/slateql/slate/qerr"
	"github.com/slateql/slate/sqlgen"
)

// KVStore is the narrow command surface the kv executor needs. NewRedisStore
// wraps the production client; tests substitute fakes.
type KVStore interface {
	// ScanKeys returns keys matching the glob pattern, never more than
	// limit. truncated reports that the scan stopped at the cap with the
	// keyspace unexhausted.
	ScanKeys(ctx context.Context, pattern string, limit int64) (keys []string, truncated bool, err error)

	// FetchHashes returns each key's hash fields, index-aligned with keys.
	// A missing key yields an empty map.
	FetchHashes(ctx context.Context, keys []string) ([]map[string]string, error)

	Ping(ctx context.Context) error
}

// KVConfig configures the key-value executor.
type KVConfig struct {
	// Store is the command surface. REQUIRED.
	Store KVStore

	// ScanLimit caps keys per segment scan. OPTIONAL (default 10000).
	ScanLimit int64

	Logger *slog.Logger
}

// KVClient executes scan-plan segments: bounded pattern scan, batched hash
// fetches, then the compiler's in-process post ops.
type KVClient struct {
	cfg KVConfig
}

// NewKVClient validates the configuration and returns a client.
func NewKVClient(cfg KVConfig) (*KVClient, error) {
	if cfg.Store == nil {
		return nil, errors.New("dispatch: KVConfig.Store is required")
	}
	if cfg.ScanLimit <= 0 {
		cfg.ScanLimit = 10000
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &KVClient{cfg: cfg}, nil
}

// Execute runs the segment's scan plan. The key scan never exceeds the
// configured limit, rows outside the tenant's identifier set are dropped
// before any transform sees them, and the post ops run in recorded order.
func (c *KVClient) Execute(ctx context.Context, seg *sqlgen.Segment, bounds Bounds) (*Result, error) {
	if seg.KV == nil || seg.KV.Kind != sqlgen.KVScanHash {
		return nil, qerr.Internal("kv: segment has no scan plan")
	}
	if bounds.MaxExecutionTime > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, bounds.MaxExecutionTime)
		defer cancel()
	}

	keys, truncated, err := c.cfg.Store.ScanKeys(ctx, seg.KV.KeyPattern, c.cfg.ScanLimit)
	if err != nil {
		return nil, classifyTransport("kv", err)
	}

	rows := make([]map[string]any, 0, len(keys))
	if len(keys) > 0 {
		hashes, err := c.cfg.Store.FetchHashes(ctx, keys)
		if err != nil {
			return nil, classifyTransport("kv", err)
		}
		var allowed map[string]struct{}
		if seg.Allowed != nil {
			allowed = make(map[string]struct{}, len(seg.Allowed))
			for _, id := range seg.Allowed {
				allowed[id] = struct{}{}
			}
		}
		for i, fields := range hashes {
			if len(fields) == 0 {
				// Key expired between scan and fetch.
				continue
			}
			id := keySuffix(keys[i])
			if allowed != nil {
				if _, ok := allowed[id]; !ok {
					continue
				}
			}
			row, err := decodeHashRow(seg.KV, fields, id)
			if err != nil {
				return nil, err
			}
			rows = append(rows, row)
		}
	}

	rows, total, err := ApplyPostOps(rows, seg.PostOps)
	if err != nil {
		return nil, err
	}
	return &Result{Columns: seg.Columns, Rows: rows, TotalEstimate: int64(total), Truncated: truncated}, nil
}

// Ping probes the store.
func (c *KVClient) Ping(ctx context.Context) error {
	if err := c.cfg.Store.Ping(ctx); err != nil {
		return classifyTransport("kv", err)
	}
	return nil
}

// keySuffix extracts the logical identifier: everything after the final
// separator, or the whole key when it has none.
func keySuffix(key string) string {
	if i := strings.LastIndexByte(key, ':'); i >= 0 {
		return key[i+1:]
	}
	return key
}

// decodeHashRow types one key's fields against the scan plan's schema. The
// identifier column comes from the key, not the hash; missing fields decode
// to nil.
func decodeHashRow(plan *sqlgen.KVLookup, fields map[string]string, id string) (map[string]any, error) {
	row := make(map[string]any, len(plan.Columns))
	for _, col := range plan.Columns {
		if col.Name == plan.IdentifierColumn && plan.IdentifierColumn != "" {
			row[col.Name] = id
			continue
		}
		raw, ok := fields[col.Name]
		if !ok {
			row[col.Name] = nil
			continue
		}
		v, err := parseKVValue(col, raw)
		if err != nil {
			return nil, qerr.Wrap(qerr.KindStoreError, err, "kv: field %q", col.Name)
		}
		row[col.Name] = v
	}
	return row, nil
}

// redisStore adapts the redis client to the KVStore surface.
type redisStore struct {
	rdb   redis.UniversalClient
	batch int
}

// NewRedisStore wraps a redis client. pipelineBatch caps keys per pipelined
// fetch round trip (default 128).
func NewRedisStore(rdb redis.UniversalClient, pipelineBatch int) KVStore {
	if pipelineBatch <= 0 {
		pipelineBatch = 128
	}
	return &redisStore{rdb: rdb, batch: pipelineBatch}
}

func (s *redisStore) ScanKeys(ctx context.Context, pattern string, limit int64) ([]string, bool, error) {
	if limit <= 0 {
		return nil, false, nil
	}
	count := int64(512)
	if limit < count {
		count = limit
	}
	keys := make([]string, 0, 64)
	var cursor uint64
	for {
		batch, next, err := s.rdb.Scan(ctx, cursor, pattern, count).Result()
		if err != nil {
			return nil, false, err
		}
		for _, k := range batch {
			if int64(len(keys)) >= limit {
				return keys, true, nil
			}
			keys = append(keys, k)
		}
		if next == 0 {
			return keys, false, nil
		}
		cursor = next
	}
}

func (s *redisStore) FetchHashes(ctx context.Context, keys []string) ([]map[string]string, error) {
	out := make([]map[string]string, len(keys))
	for start := 0; start < len(keys); start += s.batch {
		end := min(start+s.batch, len(keys))
		pipe := s.rdb.Pipeline()
		cmds := make([]*redis.MapStringStringCmd, 0, end-start)
		for _, k := range keys[start:end] {
			cmds = append(cmds, pipe.HGetAll(ctx, k))
		}
		if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
			return nil, err
		}
		for i, cmd := range cmds {
			fields, err := cmd.Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				return nil, err
			}
			out[start+i] = fields
		}
	}
	return out, nil
}

func (s *redisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}
