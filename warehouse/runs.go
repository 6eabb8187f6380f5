package warehouse

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/andresbrocco/cloud-data-warehouse/pipeline"
)

// FindRun returns the most recent run recorded for a batch identifier, or
// nil if the batch has never been attempted.
func (db *DB) FindRun(ctx context.Context, batchID string) (*pipeline.RunManifest, error) {
	query := fmt.Sprintf(`SELECT run_id, batch_id, status, started_at, finished_at,
		records_processed, records_valid, records_invalid,
		dims_inserted, dims_expired, dims_updated, dims_unchanged, duplicates_discarded,
		facts_inserted, facts_unresolved, error
		FROM etl_runs WHERE batch_id = %s ORDER BY started_at DESC LIMIT 1`,
		db.placeholder(1))

	var (
		m      pipeline.RunManifest
		status string
		errMsg sql.NullString
		fin    sql.NullTime
	)
	err := db.QueryRowContext(ctx, query, batchID).Scan(
		&m.RunID, &m.BatchID, &status, &m.StartedAt, &fin,
		&m.RecordsProcessed, &m.RecordsValid, &m.RecordsInvalid,
		&m.DimensionsInserted, &m.DimensionsExpired, &m.DimensionsUpdated,
		&m.DimensionsUnchanged, &m.DuplicatesDiscarded,
		&m.FactsInserted, &m.FactsUnresolved, &errMsg,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up run for batch %s: %w", batchID, err)
	}

	m.Status = pipeline.RunStatus(status)
	if fin.Valid {
		m.FinishedAt = fin.Time.UTC()
	}
	if errMsg.Valid {
		m.Error = errMsg.String
	}
	m.StartedAt = m.StartedAt.UTC()
	return &m, nil
}

// SaveRun persists a finalized run manifest. Manifests are append-only:
// retries of a failed batch add a new row rather than editing history.
func (db *DB) SaveRun(ctx context.Context, m *pipeline.RunManifest) error {
	cols := []string{
		"run_id", "batch_id", "status", "started_at", "finished_at",
		"records_processed", "records_valid", "records_invalid",
		"dims_inserted", "dims_expired", "dims_updated", "dims_unchanged",
		"duplicates_discarded", "facts_inserted", "facts_unresolved", "error",
	}
	ph := make([]string, len(cols))
	for i := range cols {
		ph[i] = db.placeholder(i + 1)
	}

	query := fmt.Sprintf("INSERT INTO etl_runs (%s) VALUES (%s)",
		strings.Join(cols, ", "), strings.Join(ph, ", "))

	_, err := db.ExecContext(ctx, query,
		m.RunID, m.BatchID, string(m.Status), m.StartedAt.UTC(), m.FinishedAt.UTC(),
		m.RecordsProcessed, m.RecordsValid, m.RecordsInvalid,
		m.DimensionsInserted, m.DimensionsExpired, m.DimensionsUpdated,
		m.DimensionsUnchanged, m.DuplicatesDiscarded,
		m.FactsInserted, m.FactsUnresolved, m.Error,
	)
	if err != nil {
		return fmt.Errorf("failed to save run manifest: %w", err)
	}
	return nil
}
