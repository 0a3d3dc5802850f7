package schema

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeProvider serves a swappable snapshot and counts calls.
type fakeProvider struct {
	mu     sync.Mutex
	tables []*TableSchema
	err    error
	calls  atomic.Int64
	block  chan struct{}
}

func (p *fakeProvider) Snapshot(ctx context.Context, tenantID string) ([]*TableSchema, error) {
	p.calls.Add(1)
	if p.block != nil {
		<-p.block
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	return p.tables, nil
}

func (p *fakeProvider) set(tables []*TableSchema, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tables, p.err = tables, err
}

func testTables(db string) []*TableSchema {
	t := tradesTable()
	t.Database = db
	return []*TableSchema{&t}
}

// TestRegistryRequiresProvider tests config validation.
func TestRegistryRequiresProvider(t *testing.T) {
	_, err := NewRegistry(RegistryConfig{})
	if !errors.Is(err, ErrNilProvider) {
		t.Fatalf("Expected ErrNilProvider, got %v", err)
	}
}

// TestRegistryServesWithinTTL tests that a fresh snapshot is not re-fetched.
func TestRegistryServesWithinTTL(t *testing.T) {
	p := &fakeProvider{}
	p.set(testTables("analytics"), nil)

	reg, err := NewRegistry(RegistryConfig{Provider: p, TTL: time.Hour})
	if err != nil {
		t.Fatalf("NewRegistry() failed: %v", err)
	}

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		tbl, err := reg.Table(ctx, "acme", "trades")
		if err != nil {
			t.Fatalf("Table() failed: %v", err)
		}
		if tbl == nil {
			t.Fatal("Expected non-nil table")
		}
	}
	if got := p.calls.Load(); got != 1 {
		t.Errorf("Expected 1 provider call, got %d", got)
	}
}

// TestRegistryGeneration tests that content changes bump the generation.
func TestRegistryGeneration(t *testing.T) {
	p := &fakeProvider{}
	p.set(testTables("analytics"), nil)

	reg, err := NewRegistry(RegistryConfig{Provider: p, TTL: time.Hour})
	if err != nil {
		t.Fatalf("NewRegistry() failed: %v", err)
	}

	ctx := context.Background()
	if gen := reg.Generation("acme"); gen != 0 {
		t.Errorf("Expected generation 0 before first load, got %d", gen)
	}

	if _, err := reg.Tables(ctx, "acme"); err != nil {
		t.Fatalf("Tables() failed: %v", err)
	}
	if gen := reg.Generation("acme"); gen != 1 {
		t.Errorf("Expected generation 1 after first load, got %d", gen)
	}

	// Unchanged content keeps the generation.
	reg.Invalidate("acme")
	if _, err := reg.Tables(ctx, "acme"); err != nil {
		t.Fatalf("Tables() failed: %v", err)
	}
	if gen := reg.Generation("acme"); gen != 1 {
		t.Errorf("Expected generation 1 after no-op refresh, got %d", gen)
	}

	// Changed content bumps it.
	p.set(testTables("analytics_v2"), nil)
	reg.Invalidate("acme")
	if _, err := reg.Tables(ctx, "acme"); err != nil {
		t.Fatalf("Tables() failed: %v", err)
	}
	if gen := reg.Generation("acme"); gen != 2 {
		t.Errorf("Expected generation 2 after change, got %d", gen)
	}
}

// TestRegistryServesStaleOnProviderError tests that refresh failures do not
// take down readers that already hold a snapshot.
func TestRegistryServesStaleOnProviderError(t *testing.T) {
	p := &fakeProvider{}
	p.set(testTables("analytics"), nil)

	reg, err := NewRegistry(RegistryConfig{Provider: p, TTL: time.Hour})
	if err != nil {
		t.Fatalf("NewRegistry() failed: %v", err)
	}

	ctx := context.Background()
	if _, err := reg.Tables(ctx, "acme"); err != nil {
		t.Fatalf("Tables() failed: %v", err)
	}

	p.set(nil, errors.New("store down"))
	reg.Invalidate("acme")

	tbl, err := reg.Table(ctx, "acme", "trades")
	if err != nil {
		t.Fatalf("Table() should serve stale on refresh failure, got %v", err)
	}
	if tbl == nil {
		t.Fatal("Expected stale table, got nil")
	}

	// A tenant with no prior snapshot still sees the failure.
	if _, err := reg.Tables(ctx, "globex"); err == nil {
		t.Error("Expected error for tenant without prior snapshot")
	}
}

// TestRegistryCollapsesConcurrentRefresh tests that N concurrent cold reads
// produce one provider call.
func TestRegistryCollapsesConcurrentRefresh(t *testing.T) {
	p := &fakeProvider{block: make(chan struct{})}
	p.set(testTables("analytics"), nil)

	reg, err := NewRegistry(RegistryConfig{Provider: p, TTL: time.Hour})
	if err != nil {
		t.Fatalf("NewRegistry() failed: %v", err)
	}

	ctx := context.Background()
	const n = 8
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := reg.Tables(ctx, "acme")
			errs <- err
		}()
	}

	// Let the goroutines pile up on the in-flight refresh, then release it.
	time.Sleep(20 * time.Millisecond)
	close(p.block)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("Tables() failed: %v", err)
		}
	}
	if got := p.calls.Load(); got != 1 {
		t.Errorf("Expected 1 provider call for %d concurrent readers, got %d", n, got)
	}
}
