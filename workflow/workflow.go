// Package workflow models persisted dashboards: named analysis graphs and
// the widgets that point into them. The preview endpoint receives its graph
// inline, but widget reads resolve a stored workflow first, so the request
// layer and the engine share this package's Store seam.
package workflow

import (
	"context"
	"sync"

	"github.com/slateql/slate/graph"
	"github.com/slateql/slate/qerr"
)

// Workflow is one saved analysis graph, owned by a tenant.
type Workflow struct {
	ID       string       `json:"id"`
	TenantID string       `json:"tenant_id"`
	Name     string       `json:"name,omitempty"`
	Graph    *graph.Graph `json:"graph"`
}

// Widget is a dashboard cell: a pointer at one output node of a workflow.
// Tables lists the serving-layer tables the widget's ancestors read; the
// live layer advertises them to receive row deltas.
type Widget struct {
	ID           string   `json:"id"`
	TenantID     string   `json:"tenant_id"`
	WorkflowID   string   `json:"workflow_id"`
	DashboardID  string   `json:"dashboard_id,omitempty"`
	Name         string   `json:"name,omitempty"`
	TargetNodeID string   `json:"target_node_id"`
	Tables       []string `json:"tables,omitempty"`
}

// Store resolves persisted workflows and widgets. Implementations MUST
// scope every lookup by tenant: an ID that exists under another tenant is
// not found, never forbidden, so IDs cannot be probed across tenants.
type Store interface {
	// Workflow returns the tenant's workflow by ID.
	Workflow(ctx context.Context, tenantID, id string) (*Workflow, error)

	// Widget returns the tenant's widget by ID.
	Widget(ctx context.Context, tenantID, id string) (*Widget, error)
}

type memKey struct {
	tenantID string
	id       string
}

// MemoryStore is a Store held in process memory. It backs development mode
// and tests; production deployments implement Store against their own
// metadata database.
type MemoryStore struct {
	mu        sync.RWMutex
	workflows map[memKey]*Workflow
	widgets   map[memKey]*Widget
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workflows: make(map[memKey]*Workflow),
		widgets:   make(map[memKey]*Widget),
	}
}

// PutWorkflow stores or replaces a workflow.
func (s *MemoryStore) PutWorkflow(w Workflow) error {
	if w.ID == "" || w.TenantID == "" {
		return qerr.New(qerr.KindInvalidIdentifier, "workflow requires id and tenant_id")
	}
	if w.Graph == nil {
		return qerr.New(qerr.KindInvalidGraph, "workflow %q has no graph", w.ID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workflows[memKey{w.TenantID, w.ID}] = &w
	return nil
}

// PutWidget stores or replaces a widget.
func (s *MemoryStore) PutWidget(w Widget) error {
	if w.ID == "" || w.TenantID == "" {
		return qerr.New(qerr.KindInvalidIdentifier, "widget requires id and tenant_id")
	}
	if w.WorkflowID == "" || w.TargetNodeID == "" {
		return qerr.New(qerr.KindInvalidIdentifier,
			"widget %q requires workflow_id and target_node_id", w.ID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.widgets[memKey{w.TenantID, w.ID}] = &w
	return nil
}

// Workflow implements Store.
func (s *MemoryStore) Workflow(ctx context.Context, tenantID, id string) (*Workflow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.workflows[memKey{tenantID, id}]
	if !ok {
		return nil, qerr.New(qerr.KindNotFound, "workflow %q not found", id)
	}
	cp := *w
	return &cp, nil
}

// Widget implements Store.
func (s *MemoryStore) Widget(ctx context.Context, tenantID, id string) (*Widget, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.widgets[memKey{tenantID, id}]
	if !ok {
		return nil, qerr.New(qerr.KindNotFound, "widget %q not found", id)
	}
	cp := *w
	return &cp, nil
}
