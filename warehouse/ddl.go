package warehouse

import (
	"context"
	"fmt"
	"strings"

	"github.com/andresbrocco/cloud-data-warehouse/schema"
)

// columnType maps a declared field type to the SQL column type shared by
// both engines.
func columnType(f schema.Field) string {
	switch f.Type {
	case schema.FieldInteger:
		return "BIGINT"
	case schema.FieldDecimal:
		return fmt.Sprintf("DECIMAL(%d,%d)", f.Precision, f.Scale)
	case schema.FieldTimestamp:
		return "TIMESTAMP"
	case schema.FieldBoolean:
		return "BOOLEAN"
	default:
		return "VARCHAR"
	}
}

// rawTableSQL builds the append-only raw table for one source: every field
// lands as VARCHAR, exactly as received.
func rawTableSQL(source string, fields []schema.Field) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS raw_%s (\n", source)
	b.WriteString("\tsource_file VARCHAR,\n\trow_offset BIGINT,\n\tbatch_id VARCHAR,\n\tloaded_at TIMESTAMP")
	for _, f := range fields {
		fmt.Fprintf(&b, ",\n\t%s VARCHAR", f.Name)
	}
	b.WriteString("\n)")
	return b.String()
}

// stagingTableSQL builds the validated/typed staging table for one source.
func stagingTableSQL(source string, fields []schema.Field) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS stg_%s (\n", source)
	b.WriteString("\tsource_file VARCHAR,\n\trow_offset BIGINT,\n\tbatch_id VARCHAR,\n\tis_valid BOOLEAN,\n\tquality_issues VARCHAR")
	for _, f := range fields {
		fmt.Fprintf(&b, ",\n\t%s %s", f.Name, columnType(f))
	}
	b.WriteString("\n)")
	return b.String()
}

// dimTableSQL builds one historized dimension table: composite natural key,
// tracked attributes, and the effective-interval columns owned by the merge
// engine.
func dimTableSQL(d *schema.Dimension) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (\n", d.Table())
	b.WriteString("\tsurrogate_key VARCHAR,\n\tnatural_key VARCHAR")
	for _, name := range d.Tracked {
		f, _ := d.Field(name)
		fmt.Fprintf(&b, ",\n\t%s %s", f.Name, columnType(f))
	}
	b.WriteString(",\n\teffective_from TIMESTAMP,\n\teffective_to TIMESTAMP,\n\tis_current BOOLEAN\n)")
	return b.String()
}

// factTableSQL builds one immutable fact table: a surrogate key column per
// dimension role plus typed measures and the transaction time.
func factTableSQL(f *schema.Fact) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (\n", f.Table())
	b.WriteString("\tsource_file VARCHAR,\n\trow_offset BIGINT,\n\tbatch_id VARCHAR,\n\ttx_time TIMESTAMP")
	for _, role := range f.Roles {
		fmt.Fprintf(&b, ",\n\t%s_key VARCHAR", role.Dimension)
	}
	for _, m := range f.Measures {
		fl, _ := f.Field(m)
		fmt.Fprintf(&b, ",\n\t%s %s", fl.Name, columnType(fl))
	}
	b.WriteString("\n)")
	return b.String()
}

const runsTableSQL = `CREATE TABLE IF NOT EXISTS etl_runs (
	run_id VARCHAR,
	batch_id VARCHAR,
	status VARCHAR,
	started_at TIMESTAMP,
	finished_at TIMESTAMP,
	records_processed BIGINT,
	records_valid BIGINT,
	records_invalid BIGINT,
	dims_inserted BIGINT,
	dims_expired BIGINT,
	dims_updated BIGINT,
	dims_unchanged BIGINT,
	duplicates_discarded BIGINT,
	facts_inserted BIGINT,
	facts_unresolved BIGINT,
	error VARCHAR
)`

const rawFilesTableSQL = `CREATE TABLE IF NOT EXISTS raw_files (
	source_file VARCHAR,
	etag VARCHAR,
	batch_id VARCHAR,
	loaded_at TIMESTAMP
)`

// InitSchema creates every table the declarative schema needs. Idempotent.
func InitSchema(ctx context.Context, db *DB, s *schema.Schema) error {
	var stmts []string

	for i := range s.Dimensions {
		d := &s.Dimensions[i]
		stmts = append(stmts,
			rawTableSQL(d.Source, d.Fields),
			stagingTableSQL(d.Source, d.Fields),
			dimTableSQL(d),
		)
	}
	for i := range s.Facts {
		f := &s.Facts[i]
		stmts = append(stmts,
			rawTableSQL(f.Source, f.Fields),
			stagingTableSQL(f.Source, f.Fields),
			factTableSQL(f),
		)
	}
	stmts = append(stmts, runsTableSQL, rawFilesTableSQL)

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to initialize warehouse schema: %w", err)
		}
	}
	return nil
}
