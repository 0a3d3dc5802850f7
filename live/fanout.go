package live

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/slateql/slate/internal/codec"
	"github.com/slateql/slate/internal/recovery"
	"github.com/slateql/slate/metrics"
)

// BusMessage is one raw message received from the pub/sub bus.
type BusMessage struct {
	Channel string
	Payload []byte
}

// Bus is the pub/sub surface the fan-out bridges. Patterns follow the
// store's glob syntax; a pattern without wildcards matches one channel
// exactly. NewRedisBus wraps the production client; tests substitute fakes.
type Bus interface {
	// Subscribe adds patterns to the active subscription set.
	Subscribe(ctx context.Context, patterns ...string) error

	// Unsubscribe removes patterns.
	Unsubscribe(ctx context.Context, patterns ...string) error

	// Messages delivers matching messages in the order the bus observed
	// them. The channel closes when the bus is closed.
	Messages() <-chan BusMessage

	Close() error
}

// Invalidator drops cached previews whose tables mutated.
// *preview.Service implements it.
type Invalidator interface {
	InvalidateTables(ctx context.Context, tenantID string, tables []string) int
}

// FanoutConfig wires the fan-out bridge.
type FanoutConfig struct {
	// Bus receives row deltas from the upstream pipelines. REQUIRED.
	// The fan-out subscribes and unsubscribes patterns on it but does not
	// own its lifecycle.
	Bus Bus

	// Invalidator retires cached previews on delta arrival. OPTIONAL.
	Invalidator Invalidator

	// Logger for delivery diagnostics. OPTIONAL (default slog.Default()).
	Logger *slog.Logger
}

// Fanout bridges the delta bus to websocket sessions. It subscribes the
// bus-wide broadcast channel once, plus one tenant pattern per tenant with
// at least one local session, so deltas for tenants this process does not
// serve are never deserialized beyond the broadcast envelope.
type Fanout struct {
	cfg FanoutConfig
	hub *Hub
	log *slog.Logger
	cdc *codec.Codec

	// mu serializes tenant pattern transitions so a connect racing a
	// disconnect cannot leave the bus subscription out of step with the
	// hub's session counts.
	mu sync.Mutex
}

// NewFanout validates the wiring and builds the bridge.
func NewFanout(cfg FanoutConfig) (*Fanout, error) {
	if cfg.Bus == nil {
		return nil, errors.New("live: FanoutConfig.Bus is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	cdc, err := codec.New()
	if err != nil {
		return nil, err
	}
	return &Fanout{cfg: cfg, hub: NewHub(), log: cfg.Logger, cdc: cdc}, nil
}

// Hub exposes the session index, for the request layer and tests.
func (f *Fanout) Hub() *Hub { return f.hub }

// Close releases the payload codec. The bus stays open; its lifecycle
// belongs to the caller.
func (f *Fanout) Close() error { return f.cdc.Close() }

// Attach registers the session and, when it is the tenant's first on this
// process, subscribes the tenant's delta pattern on the bus.
func (f *Fanout) Attach(ctx context.Context, s *Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n := f.hub.Register(s); n == 1 {
		if err := f.cfg.Bus.Subscribe(ctx, TenantPattern(s.TenantID())); err != nil {
			f.hub.Unregister(s)
			return fmt.Errorf("live: subscribe tenant pattern: %w", err)
		}
	}
	return nil
}

// Detach removes the session from every index and, when it was the
// tenant's last, drops the tenant's bus pattern. Detaching a session twice
// is a no-op.
func (f *Fanout) Detach(ctx context.Context, s *Session) {
	f.mu.Lock()
	defer f.mu.Unlock()
	remaining, present := f.hub.Unregister(s)
	if !present {
		return
	}
	if remaining == 0 {
		if err := f.cfg.Bus.Unsubscribe(ctx, TenantPattern(s.TenantID())); err != nil {
			f.log.Warn("Unsubscribe tenant pattern failed",
				slog.String("tenant", s.TenantID()), slog.String("error", err.Error()))
		}
	}
}

// Run subscribes the broadcast channel and delivers bus messages until ctx
// is cancelled or the bus closes. One bad message never stops the loop.
func (f *Fanout) Run(ctx context.Context) error {
	if err := f.cfg.Bus.Subscribe(ctx, BroadcastChannel); err != nil {
		return fmt.Errorf("live: subscribe broadcast channel: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m, ok := <-f.cfg.Bus.Messages():
			if !ok {
				return nil
			}
			recovery.Recover(f.log, "fanout delivery", func() {
				f.deliver(ctx, m)
			})
		}
	}
}

// deliver routes one bus message. For tenant-scoped channels the channel
// name is authoritative: a payload claiming a different tenant or table is
// dropped rather than trusted.
func (f *Fanout) deliver(ctx context.Context, m BusMessage) {
	if m.Channel == BroadcastChannel {
		d, err := f.decodeDelta(m.Payload)
		if err != nil {
			f.log.Warn("Dropping undecodable broadcast delta", slog.String("error", err.Error()))
			return
		}
		if d.TenantID == "" || d.Table == "" {
			f.log.Warn("Dropping broadcast delta without tenant or table")
			return
		}
		// The broadcast channel reaches every process; skip tenants with
		// no local session before any routing work.
		if f.hub.TenantSessions(d.TenantID) == 0 {
			return
		}
		f.route(ctx, d)
		return
	}

	tenantID, table, ok := splitChannel(m.Channel)
	if !ok {
		f.log.Warn("Dropping message on unrecognized channel", slog.String("channel", m.Channel))
		return
	}
	d, err := f.decodeDelta(m.Payload)
	if err != nil {
		f.log.Warn("Dropping undecodable delta",
			slog.String("channel", m.Channel), slog.String("error", err.Error()))
		return
	}
	if d.TenantID != "" && d.TenantID != tenantID {
		f.log.Error("Dropping delta whose payload tenant disagrees with its channel",
			slog.String("channel", m.Channel), slog.String("payload_tenant", d.TenantID))
		return
	}
	if d.Table != "" && d.Table != table {
		f.log.Warn("Dropping delta whose payload table disagrees with its channel",
			slog.String("channel", m.Channel), slog.String("payload_table", d.Table))
		return
	}
	d.TenantID, d.Table = tenantID, table
	f.route(ctx, d)
}

// route pushes the delta to every session with a dependent widget and
// retires cached previews built on the mutated table.
func (f *Fanout) route(ctx context.Context, d *Delta) {
	for _, del := range f.hub.Match(d.TenantID, d.Table) {
		ok := del.Session.Push(ServerMessage{
			Type:      ServerRows,
			WidgetIDs: del.WidgetIDs,
			Table:     d.Table,
			Columns:   d.Columns,
			Rows:      d.Rows,
		})
		if !ok {
			del.Session.dropForBackpressure()
			continue
		}
		metrics.FanoutDeliveries.Inc()
	}
	if f.cfg.Invalidator != nil {
		f.cfg.Invalidator.InvalidateTables(ctx, d.TenantID, []string{d.Table})
	}
}

// RedisBus is the production Bus: one PSUBSCRIBE connection whose pattern
// set changes as tenants come and go.
type RedisBus struct {
	pubsub *redis.PubSub
	out    chan BusMessage
}

// NewRedisBus opens a pub/sub connection with no initial patterns.
func NewRedisBus(ctx context.Context, rdb redis.UniversalClient) *RedisBus {
	b := &RedisBus{
		pubsub: rdb.PSubscribe(ctx),
		out:    make(chan BusMessage, 256),
	}
	go b.pump()
	return b
}

// pump converts client messages until the subscription closes.
func (b *RedisBus) pump() {
	defer close(b.out)
	for m := range b.pubsub.Channel() {
		b.out <- BusMessage{Channel: m.Channel, Payload: []byte(m.Payload)}
	}
}

// Subscribe implements Bus.
func (b *RedisBus) Subscribe(ctx context.Context, patterns ...string) error {
	return b.pubsub.PSubscribe(ctx, patterns...)
}

// Unsubscribe implements Bus.
func (b *RedisBus) Unsubscribe(ctx context.Context, patterns ...string) error {
	return b.pubsub.PUnsubscribe(ctx, patterns...)
}

// Messages implements Bus.
func (b *RedisBus) Messages() <-chan BusMessage { return b.out }

// Close tears down the subscription; Messages closes once drained.
func (b *RedisBus) Close() error { return b.pubsub.Close() }
