package schema

import (
	"context"
	"strings"
	"sync"
	"testing"
)

func tradesTable() TableSchema {
	return TableSchema{
		Name:             "trades",
		Database:         "analytics",
		Source:           SourceOLAP,
		IdentifierColumn: "symbol",
		Columns: []Column{
			{Name: "symbol", Type: TypeString},
			{Name: "price", Type: TypeFloat64},
			{Name: "size", Type: TypeInt64},
			{Name: "ts", Type: TypeDatetime},
		},
	}
}

// TestBuilderBuild tests building a catalog and looking tables up.
func TestBuilderBuild(t *testing.T) {
	cat, err := NewBuilder().
		Tenant("acme").
		Table(tradesTable()).
		Table(TableSchema{
			Name:         "workflows",
			Source:       SourceOLAP,
			TenantColumn: "tenant_id",
			Columns:      []Column{{Name: "id", Type: TypeString}},
		}).
		Build()
	if err != nil {
		t.Fatalf("Build() failed: %v", err)
	}

	ctx := context.Background()

	// Existing table
	tbl, err := cat.Table(ctx, "acme", "trades")
	if err != nil {
		t.Fatalf("Table() failed: %v", err)
	}
	if tbl == nil {
		t.Fatal("Expected non-nil table")
	}
	if tbl.Source != SourceOLAP {
		t.Errorf("Expected source olap, got %s", tbl.Source)
	}
	if len(tbl.Columns) != 4 {
		t.Errorf("Expected 4 columns, got %d", len(tbl.Columns))
	}

	// Non-existent table
	tbl, err = cat.Table(ctx, "acme", "nonexistent")
	if err != nil {
		t.Fatalf("Table() failed for nonexistent: %v", err)
	}
	if tbl != nil {
		t.Error("Expected nil for nonexistent table")
	}

	// Listing preserves insertion order
	tables, err := cat.Tables(ctx, "acme")
	if err != nil {
		t.Fatalf("Tables() failed: %v", err)
	}
	if len(tables) != 2 {
		t.Fatalf("Expected 2 tables, got %d", len(tables))
	}
	if tables[0].Name != "trades" || tables[1].Name != "workflows" {
		t.Errorf("Unexpected table order: %s, %s", tables[0].Name, tables[1].Name)
	}
}

// TestBuilderValidation tests that Build rejects malformed definitions.
func TestBuilderValidation(t *testing.T) {
	tests := []struct {
		name    string
		builder *TenantBuilder
		wantErr string
	}{
		{
			name:    "empty tenant id",
			builder: NewBuilder().Tenant("").Table(tradesTable()),
			wantErr: "tenant id cannot be empty",
		},
		{
			name:    "duplicate table",
			builder: NewBuilder().Tenant("acme").Table(tradesTable()).Table(tradesTable()),
			wantErr: "duplicate table name",
		},
		{
			name: "unknown source",
			builder: NewBuilder().Tenant("acme").Table(TableSchema{
				Name:    "t",
				Source:  Source("graph"),
				Columns: []Column{{Name: "a", Type: TypeString}},
			}),
			wantErr: "unknown source",
		},
		{
			name: "kv without key pattern",
			builder: NewBuilder().Tenant("acme").Table(TableSchema{
				Name:    "latest:vwap:*",
				Source:  SourceKV,
				Columns: []Column{{Name: "symbol", Type: TypeString}},
			}),
			wantErr: "no key pattern",
		},
		{
			name: "bad dtype",
			builder: NewBuilder().Tenant("acme").Table(TableSchema{
				Name:    "t",
				Source:  SourceOLAP,
				Columns: []Column{{Name: "a", Type: DType("decimal")}},
			}),
			wantErr: "unknown dtype",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.builder.Build()
			if err == nil {
				t.Fatal("Expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing %q, got %q", tt.wantErr, err.Error())
			}
		})
	}
}

// TestBuilderBuildTwice tests that a builder can only be built once.
func TestBuilderBuildTwice(t *testing.T) {
	b := NewBuilder()
	b.Tenant("acme").Table(tradesTable())

	if _, err := b.Build(); err != nil {
		t.Fatalf("First Build() failed: %v", err)
	}
	if _, err := b.Build(); err == nil {
		t.Error("Expected error on second Build()")
	}
}

// TestCatalogTenantIsolation tests that tenants never see each other's tables.
func TestCatalogTenantIsolation(t *testing.T) {
	cat, err := NewBuilder().
		Tenant("acme").Table(tradesTable()).
		Tenant("globex").Table(TableSchema{
			Name:    "quotes",
			Source:  SourceStream,
			Columns: []Column{{Name: "symbol", Type: TypeString}},
		}).
		Build()
	if err != nil {
		t.Fatalf("Build() failed: %v", err)
	}

	ctx := context.Background()

	tbl, err := cat.Table(ctx, "globex", "trades")
	if err != nil {
		t.Fatalf("Table() failed: %v", err)
	}
	if tbl != nil {
		t.Error("Tenant globex must not see acme's table")
	}

	tables, err := cat.Tables(ctx, "acme")
	if err != nil {
		t.Fatalf("Tables() failed: %v", err)
	}
	for _, tbl := range tables {
		if tbl.Name == "quotes" {
			t.Error("Tenant acme must not see globex's table")
		}
	}
}

// TestCatalogConcurrentReads tests goroutine-safety of the static catalog.
func TestCatalogConcurrentReads(t *testing.T) {
	cat, err := NewBuilder().Tenant("acme").Table(tradesTable()).Build()
	if err != nil {
		t.Fatalf("Build() failed: %v", err)
	}

	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if _, err := cat.Table(ctx, "acme", "trades"); err != nil {
					t.Errorf("Table() failed: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()
}

// TestMultiProviderMerge tests that later providers win on duplicate names.
func TestMultiProviderMerge(t *testing.T) {
	older := tradesTable()
	newer := tradesTable()
	newer.Database = "analytics_v2"

	a, _ := NewBuilder().Tenant("acme").Table(older).Build()
	b, _ := NewBuilder().Tenant("acme").Table(newer).Build()

	mp := MultiProvider{a.(Provider), b.(Provider)}
	tables, err := mp.Snapshot(context.Background(), "acme")
	if err != nil {
		t.Fatalf("Snapshot() failed: %v", err)
	}
	if len(tables) != 1 {
		t.Fatalf("Expected 1 table, got %d", len(tables))
	}
	if tables[0].Database != "analytics_v2" {
		t.Errorf("Expected later provider to win, got database %q", tables[0].Database)
	}
}
