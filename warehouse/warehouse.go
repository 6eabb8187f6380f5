// Package warehouse is the relational execution collaborator: it owns the
// physical table layout and issues set-based bulk operations (bulk insert,
// bulk update-where, bulk select) against DuckDB or Postgres through
// database/sql. Dimension merges are applied as one transaction per
// dimension; no row-by-row calls.
package warehouse

import (
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/duckdb/duckdb-go/v2"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// insertChunk bounds multi-row statements so parameter counts stay well
// under driver limits.
const insertChunk = 500

// DB wraps the SQL connection with driver-aware SQL generation.
type DB struct {
	*sql.DB
	driver string
}

// Open connects to the configured engine. driver is "duckdb" or "postgres".
func Open(driver, dsn string) (*DB, error) {
	var name string
	switch driver {
	case "duckdb":
		name = "duckdb"
	case "postgres":
		name = "pgx"
	default:
		return nil, fmt.Errorf("unsupported warehouse driver: %s (use duckdb or postgres)", driver)
	}

	db, err := sql.Open(name, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open warehouse: %w", err)
	}

	// Single logical writer per run.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(4)

	return &DB{DB: db, driver: driver}, nil
}

// Driver returns the configured driver name.
func (db *DB) Driver() string { return db.driver }

// placeholder renders the i-th (1-based) bind parameter for the driver.
func (db *DB) placeholder(i int) string {
	if db.driver == "postgres" {
		return fmt.Sprintf("$%d", i)
	}
	return "?"
}

// placeholders renders a (p1, p2, ...) tuple for parameters start..start+n-1.
func (db *DB) placeholders(start, n int) string {
	parts := make([]string, n)
	for i := 0; i < n; i++ {
		parts[i] = db.placeholder(start + i)
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

// insertSQL builds a multi-row INSERT statement for rows of len(cols) values.
func (db *DB) insertSQL(table string, cols []string, rows int) string {
	tuples := make([]string, rows)
	for r := 0; r < rows; r++ {
		tuples[r] = db.placeholders(r*len(cols)+1, len(cols))
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES %s",
		table, strings.Join(cols, ", "), strings.Join(tuples, ", "))
}
