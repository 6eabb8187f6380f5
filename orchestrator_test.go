package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/andresbrocco/cloud-data-warehouse/pipeline"
	"github.com/andresbrocco/cloud-data-warehouse/schema"
	"github.com/andresbrocco/cloud-data-warehouse/warehouse"
)

const (
	customersCSV = "customer_id,country,updated_at\n42,UK,2024-03-01 00:00:00\n"
	salesCSV     = "customer_id,quantity,sold_at\n42,3,2024-03-05 10:30:00\n"
)

func testModel() *schema.Schema {
	return &schema.Schema{
		Dimensions: []schema.Dimension{{
			Name:       "customer",
			Source:     "customers",
			NaturalKey: []string{"customer_id"},
			Tracked:    []string{"country"},
			SCDType:    2,
			OrderBy:    "updated_at",
			Fields: []schema.Field{
				{Name: "customer_id", Type: schema.FieldInteger},
				{Name: "country", Type: schema.FieldString},
				{Name: "updated_at", Type: schema.FieldTimestamp},
			},
		}},
		Facts: []schema.Fact{{
			Name:      "sales",
			Source:    "sales",
			Roles:     []schema.Role{{Dimension: "customer", KeyField: "customer_id"}},
			Measures:  []string{"quantity"},
			TimeField: "sold_at",
			Fields: []schema.Field{
				{Name: "customer_id", Type: schema.FieldInteger},
				{Name: "quantity", Type: schema.FieldInteger},
				{Name: "sold_at", Type: schema.FieldTimestamp},
			},
		}},
	}
}

// testOrchestrator wires a full pipeline against an in-memory DuckDB and an
// FS blob store seeded with the given CSV objects.
func testOrchestrator(t *testing.T, files map[string]string) (*Orchestrator, *warehouse.DB) {
	t.Helper()

	store := csvStore(t, files)
	db, err := warehouse.Open("duckdb", "")
	if err != nil {
		t.Fatalf("open warehouse: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	model := testModel()
	if err := warehouse.InitSchema(context.Background(), db, model); err != nil {
		t.Fatalf("init schema: %v", err)
	}

	config := &Config{
		Service:   ServiceConfig{RunIntervalMinutes: 60},
		Warehouse: WarehouseConfig{Driver: "duckdb"},
		Blob:      BlobConfig{Backend: "fs"},
	}
	return NewOrchestrator(config, model, store, db), db
}

func tableCount(t *testing.T, db *warehouse.DB, table string) int64 {
	t.Helper()
	var n int64
	if err := db.QueryRowContext(context.Background(), "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	return n
}

func TestRun_FailedMergeCommitsNoFacts(t *testing.T) {
	orch, db := testOrchestrator(t, map[string]string{
		"customers/part-001.csv": customersCSV,
		"sales/part-001.csv":     salesCSV,
	})
	ctx := context.Background()

	// Corrupted pre-state: two current versions for one natural key. The
	// merge detects it and must abort the run before any fact commits.
	_, err := db.ExecContext(ctx, `INSERT INTO dim_customer
		(surrogate_key, natural_key, country, effective_from, effective_to, is_current)
		VALUES ('sk-1', '42', 'UK', TIMESTAMP '2024-01-01', TIMESTAMP '9999-12-31', true),
		       ('sk-2', '42', 'FR', TIMESTAMP '2024-02-01', TIMESTAMP '9999-12-31', true)`)
	if err != nil {
		t.Fatalf("seed dimension: %v", err)
	}

	m, err := orch.Run(ctx, "batch-1", time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC))
	var integrity *pipeline.MergeIntegrityError
	if !errors.As(err, &integrity) {
		t.Fatalf("expected merge integrity error, got %v", err)
	}
	if m.Status != pipeline.StatusFailed {
		t.Errorf("expected failed status, got %s", m.Status)
	}
	if n := tableCount(t, db, "fact_sales"); n != 0 {
		t.Errorf("expected no fact rows from a failed run, got %d", n)
	}
	if m.FactsInserted != 0 {
		t.Errorf("expected no fact counts on a failed run, got %d", m.FactsInserted)
	}
}

func TestRun_CompletedBatchReplaysManifest(t *testing.T) {
	orch, db := testOrchestrator(t, map[string]string{
		"customers/part-001.csv": customersCSV,
		"sales/part-001.csv":     salesCSV,
	})
	ctx := context.Background()
	asOf := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	first, err := orch.Run(ctx, "batch-1", asOf)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	if first.Status != pipeline.StatusSucceeded {
		t.Fatalf("expected succeeded first run, got %s (%s)", first.Status, first.Error)
	}
	if first.DimensionsInserted != 1 || first.FactsInserted != 1 {
		t.Fatalf("unexpected first-run counts: %+v", first)
	}

	dims := tableCount(t, db, "dim_customer")
	facts := tableCount(t, db, "fact_sales")
	runs := tableCount(t, db, "etl_runs")

	second, err := orch.Run(ctx, "batch-1", asOf)
	if err != nil {
		t.Fatalf("replay run: %v", err)
	}
	if second.RunID != first.RunID {
		t.Errorf("expected the stored manifest back, got run %s vs %s", second.RunID, first.RunID)
	}
	if second.Status != pipeline.StatusSucceeded {
		t.Errorf("expected replayed status succeeded, got %s", second.Status)
	}

	if n := tableCount(t, db, "dim_customer"); n != dims {
		t.Errorf("replay wrote dimension rows: %d -> %d", dims, n)
	}
	if n := tableCount(t, db, "fact_sales"); n != facts {
		t.Errorf("replay wrote fact rows: %d -> %d", facts, n)
	}
	if n := tableCount(t, db, "etl_runs"); n != runs {
		t.Errorf("replay recorded a new run: %d -> %d", runs, n)
	}
}

func TestRun_KeylessRowsReclassifiedInvalid(t *testing.T) {
	orch, _ := testOrchestrator(t, map[string]string{
		"customers/part-001.csv": "customer_id,country,updated_at\n42,UK,2024-03-01 00:00:00\n,DE,2024-03-01 00:00:00\n",
		"sales/part-001.csv":     salesCSV,
	})

	m, err := orch.Run(context.Background(), "batch-1", time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if m.RecordsProcessed != 3 {
		t.Fatalf("expected 3 processed records, got %d", m.RecordsProcessed)
	}
	if m.RecordsValid != 2 || m.RecordsInvalid != 1 {
		t.Errorf("expected keyless row moved to invalid, got valid=%d invalid=%d",
			m.RecordsValid, m.RecordsInvalid)
	}
	if m.RecordsValid+m.RecordsInvalid != m.RecordsProcessed {
		t.Errorf("counts do not sum: %d + %d != %d",
			m.RecordsValid, m.RecordsInvalid, m.RecordsProcessed)
	}
	if m.Status != pipeline.StatusPartial {
		t.Errorf("expected partial status, got %s", m.Status)
	}
}
