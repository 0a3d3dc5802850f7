// Package live fans row deltas out to connected dashboard viewers. The
// upstream pipelines publish mutations on a process-external bus; this
// package bridges the bus to websocket sessions, delivering each delta to
// exactly the sessions whose widgets depend on the mutated table and
// invalidating the previews cached against it.
//
// Subscriptions are tenant-scoped on both ends: a process listens only to
// patterns for tenants it currently serves, and a session only ever sees
// deltas for its own tenant.
package live

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Client message types.
const (
	// ClientSubscribe registers a widget's table dependencies on the session.
	ClientSubscribe = "subscribe"

	// ClientUnsubscribe removes a widget's dependencies.
	ClientUnsubscribe = "unsubscribe"
)

// Server message types.
const (
	// ServerRows carries a row delta to every widget depending on its table.
	ServerRows = "rows"

	// ServerAck confirms a subscribe or unsubscribe.
	ServerAck = "ack"

	// ServerError reports a rejected client message. The session stays open.
	ServerError = "error"
)

// ClientMessage is one inbound control frame. A viewer advertises which
// widgets it renders and which tables each depends on; the fan-out uses the
// table set to route deltas.
type ClientMessage struct {
	Type     string `json:"type"`
	WidgetID string `json:"widget_id"`

	// Tables the widget's compiled query reads. Required on subscribe.
	Tables []string `json:"tables,omitempty"`

	// Fingerprint of the widget's cached result, echoed back on deltas so
	// the client can correlate pushes with its rendered data.
	Fingerprint string `json:"fingerprint,omitempty"`
}

// ServerMessage is one outbound frame.
type ServerMessage struct {
	Type string `json:"type"`

	// WidgetID echoes the acknowledged widget on ack frames.
	WidgetID string `json:"widget_id,omitempty"`

	// WidgetIDs lists the session's widgets affected by a rows frame.
	WidgetIDs []string `json:"widget_ids,omitempty"`

	Table   string           `json:"table,omitempty"`
	Columns []string         `json:"columns,omitempty"`
	Rows    []map[string]any `json:"rows,omitempty"`

	Error string `json:"error,omitempty"`
}

// Delta is one bus payload: rows mutated upstream within a single table.
type Delta struct {
	TenantID string           `json:"tenant_id"`
	Table    string           `json:"table"`
	Columns  []string         `json:"columns"`
	Rows     []map[string]any `json:"rows"`
}

// BroadcastChannel is the bus-wide delta channel. Payloads carry the tenant
// inside; deltas for tenants with no local session are dropped on arrival.
const BroadcastChannel = "broadcast:table_rows"

// rowsKind is the middle element of tenant-scoped delta channel names,
// following the <tenant>:<kind>:<resource> convention.
const rowsKind = "rows"

// TenantPattern is the subscription pattern covering one tenant's delta
// channels. A process subscribes it when the tenant's first session
// connects and drops it when the last one leaves.
func TenantPattern(tenantID string) string {
	return tenantID + ":" + rowsKind + ":*"
}

// TenantChannel names the delta channel for one tenant's table.
func TenantChannel(tenantID, table string) string {
	return tenantID + ":" + rowsKind + ":" + table
}

// splitChannel decomposes a tenant-scoped channel name. Returns false for
// the broadcast channel and anything else outside the naming convention.
func splitChannel(channel string) (tenantID, table string, ok bool) {
	parts := strings.SplitN(channel, ":", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] != rowsKind || parts[2] == "" {
		return "", "", false
	}
	return parts[0], parts[2], true
}

// decodeDelta parses a bus payload. The upstream pipelines publish JSON;
// engine-native publishers use the internal codec, distinguished by its
// format marker (JSON payloads always begin with '{').
func (f *Fanout) decodeDelta(payload []byte) (*Delta, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("empty delta payload")
	}
	var d Delta
	if payload[0] == '{' {
		if err := json.Unmarshal(payload, &d); err != nil {
			return nil, fmt.Errorf("decode json delta: %w", err)
		}
		return &d, nil
	}
	if err := f.cdc.Decode(payload, &d); err != nil {
		return nil, fmt.Errorf("decode delta: %w", err)
	}
	return &d, nil
}
