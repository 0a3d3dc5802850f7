package live

import (
	"sort"
	"sync"

	"github.com/slateql/slate/metrics"
)

// Subscription is one widget's advertised dependency set on a session.
type Subscription struct {
	WidgetID string

	// Tables the widget's query reads. Deltas on any of them reach the
	// session.
	Tables []string

	// Fingerprint of the widget's cached result.
	Fingerprint string
}

// Delivery pairs a session with the widgets a delta affects on it.
type Delivery struct {
	Session   *Session
	WidgetIDs []string
}

// Hub indexes the sessions a process serves: by tenant for bus subscription
// accounting, by table for delta routing, and by session for symmetric
// teardown. Every index mutation happens under one lock so connect and
// disconnect paths can never leave a residual entry.
type Hub struct {
	mu       sync.Mutex
	sessions map[string]*Session
	byTenant map[string]map[string]*Session

	// byTable routes deltas: tenant-scoped table key -> session ID ->
	// widget IDs depending on the table.
	byTable map[string]map[string]map[string]struct{}

	// subs is the reverse index: session ID -> widget ID -> subscription.
	// Teardown walks it to clear byTable.
	subs map[string]map[string]Subscription
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{
		sessions: make(map[string]*Session),
		byTenant: make(map[string]map[string]*Session),
		byTable:  make(map[string]map[string]map[string]struct{}),
		subs:     make(map[string]map[string]Subscription),
	}
}

// Register adds the session and returns how many sessions its tenant now
// has. Registering the same session twice is a no-op reporting the current
// count, so the connection gauge moves exactly once per session.
func (h *Hub) Register(s *Session) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	tenant := s.TenantID()
	if _, dup := h.sessions[s.ID()]; dup {
		return len(h.byTenant[tenant])
	}
	h.sessions[s.ID()] = s
	set := h.byTenant[tenant]
	if set == nil {
		set = make(map[string]*Session)
		h.byTenant[tenant] = set
	}
	set[s.ID()] = s
	metrics.ActiveSessions.Inc()
	return len(set)
}

// Unregister removes the session from every index it appears in. Returns
// the tenant's remaining session count and whether the session was present;
// a second call reports present=false and leaves the gauge untouched.
func (h *Hub) Unregister(s *Session) (remaining int, present bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := s.ID()
	if _, ok := h.sessions[id]; !ok {
		return len(h.byTenant[s.TenantID()]), false
	}
	delete(h.sessions, id)

	for wid, sub := range h.subs[id] {
		h.dropWidget(s.TenantID(), id, wid, sub.Tables)
	}
	delete(h.subs, id)

	tenant := s.TenantID()
	if set := h.byTenant[tenant]; set != nil {
		delete(set, id)
		if len(set) == 0 {
			delete(h.byTenant, tenant)
		}
	}
	metrics.ActiveSessions.Dec()
	return len(h.byTenant[tenant]), true
}

// Subscribe records a widget's dependencies on a registered session,
// replacing any previous subscription for the same widget. Unregistered
// sessions are refused so a late subscribe cannot resurrect index entries
// teardown already cleared.
func (h *Hub) Subscribe(s *Session, sub Subscription) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := s.ID()
	if _, ok := h.sessions[id]; !ok {
		return false
	}
	if prev, ok := h.subs[id][sub.WidgetID]; ok {
		h.dropWidget(s.TenantID(), id, sub.WidgetID, prev.Tables)
	}
	bySession := h.subs[id]
	if bySession == nil {
		bySession = make(map[string]Subscription)
		h.subs[id] = bySession
	}
	bySession[sub.WidgetID] = sub

	for _, tbl := range sub.Tables {
		k := tableKey(s.TenantID(), tbl)
		byID := h.byTable[k]
		if byID == nil {
			byID = make(map[string]map[string]struct{})
			h.byTable[k] = byID
		}
		widgets := byID[id]
		if widgets == nil {
			widgets = make(map[string]struct{})
			byID[id] = widgets
		}
		widgets[sub.WidgetID] = struct{}{}
	}
	return true
}

// Unsubscribe removes one widget's subscription from the session.
func (h *Hub) Unsubscribe(s *Session, widgetID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := s.ID()
	sub, ok := h.subs[id][widgetID]
	if !ok {
		return
	}
	h.dropWidget(s.TenantID(), id, widgetID, sub.Tables)
	delete(h.subs[id], widgetID)
	if len(h.subs[id]) == 0 {
		delete(h.subs, id)
	}
}

// dropWidget removes one widget's entries from the table index, leaving
// entries other widgets on the same session still need. Empty sets are
// deleted so teardown leaves no residue. Callers hold h.mu.
func (h *Hub) dropWidget(tenantID, sessionID, widgetID string, tables []string) {
	for _, tbl := range tables {
		k := tableKey(tenantID, tbl)
		byID := h.byTable[k]
		if byID == nil {
			continue
		}
		widgets := byID[sessionID]
		if widgets == nil {
			continue
		}
		delete(widgets, widgetID)
		if len(widgets) == 0 {
			delete(byID, sessionID)
		}
		if len(byID) == 0 {
			delete(h.byTable, k)
		}
	}
}

// Match snapshots the sessions whose widgets depend on the tenant's table.
// Widget IDs come back sorted so delivery order is deterministic.
func (h *Hub) Match(tenantID, table string) []Delivery {
	h.mu.Lock()
	defer h.mu.Unlock()
	byID := h.byTable[tableKey(tenantID, table)]
	if len(byID) == 0 {
		return nil
	}
	out := make([]Delivery, 0, len(byID))
	for id, widgets := range byID {
		s, ok := h.sessions[id]
		if !ok {
			continue
		}
		ids := make([]string, 0, len(widgets))
		for wid := range widgets {
			ids = append(ids, wid)
		}
		sort.Strings(ids)
		out = append(out, Delivery{Session: s, WidgetIDs: ids})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Session.ID() < out[j].Session.ID() })
	return out
}

// TenantSessions reports how many sessions the tenant has on this process.
func (h *Hub) TenantSessions(tenantID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.byTenant[tenantID])
}

// ActiveSessions reports the total session count.
func (h *Hub) ActiveSessions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// Subscriptions returns the session's current widget subscriptions, sorted
// by widget ID.
func (h *Hub) Subscriptions(s *Session) []Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	bySession := h.subs[s.ID()]
	out := make([]Subscription, 0, len(bySession))
	for _, sub := range bySession {
		out = append(out, sub)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WidgetID < out[j].WidgetID })
	return out
}

// tableKey scopes the routing index per tenant; the separator cannot occur
// in tenant IDs or table names.
func tableKey(tenantID, table string) string {
	return tenantID + "\x00" + table
}
