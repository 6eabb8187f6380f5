package warehouse

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/andresbrocco/cloud-data-warehouse/pipeline"
	"github.com/andresbrocco/cloud-data-warehouse/schema"
)

// FileETag returns the recorded ETag for a previously loaded object, or ""
// if the object has never been loaded.
func (db *DB) FileETag(ctx context.Context, sourceFile string) (string, error) {
	query := fmt.Sprintf(
		"SELECT etag FROM raw_files WHERE source_file = %s ORDER BY loaded_at DESC LIMIT 1",
		db.placeholder(1))

	var etag string
	err := db.QueryRowContext(ctx, query, sourceFile).Scan(&etag)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up file etag: %w", err)
	}
	return etag, nil
}

// IngestObject lands one object's rows in the raw store and records its
// ETag, all in one transaction so a failed run never leaves a half-loaded
// file behind. Any rows from a prior load of the same path are replaced.
func (db *DB) IngestObject(ctx context.Context, source string, fields []schema.Field, records []pipeline.RawRecord, sourceFile, etag, batchID string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin raw ingest transaction: %w", err)
	}
	defer tx.Rollback()

	del := fmt.Sprintf("DELETE FROM raw_%s WHERE source_file = %s", source, db.placeholder(1))
	if _, err := tx.ExecContext(ctx, del, sourceFile); err != nil {
		return fmt.Errorf("failed to clear prior raw rows for %s: %w", sourceFile, err)
	}

	cols := []string{"source_file", "row_offset", "batch_id", "loaded_at"}
	for _, f := range fields {
		cols = append(cols, f.Name)
	}

	loadedAt := time.Now().UTC()
	for start := 0; start < len(records); start += insertChunk {
		end := start + insertChunk
		if end > len(records) {
			end = len(records)
		}
		chunk := records[start:end]

		args := make([]any, 0, len(chunk)*len(cols))
		for _, rec := range chunk {
			args = append(args, rec.SourceFile, rec.RowOffset, batchID, loadedAt)
			for _, f := range fields {
				if raw, ok := rec.Values[f.Name]; ok {
					args = append(args, raw)
				} else {
					args = append(args, nil)
				}
			}
		}

		query := db.insertSQL("raw_"+source, cols, len(chunk))
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("failed to bulk insert raw %s rows: %w", source, err)
		}
	}

	reg := fmt.Sprintf(
		"INSERT INTO raw_files (source_file, etag, batch_id, loaded_at) VALUES (%s, %s, %s, %s)",
		db.placeholder(1), db.placeholder(2), db.placeholder(3), db.placeholder(4))
	if _, err := tx.ExecContext(ctx, reg, sourceFile, etag, batchID, loadedAt); err != nil {
		return fmt.Errorf("failed to record raw file: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit raw ingest of %s: %w", sourceFile, err)
	}
	return nil
}

// LoadRaw bulk-selects the raw rows of one batch in stable row order.
func (db *DB) LoadRaw(ctx context.Context, source string, fields []schema.Field, batchID string) ([]pipeline.RawRecord, error) {
	cols := "source_file, row_offset"
	for _, f := range fields {
		cols += ", " + f.Name
	}
	query := fmt.Sprintf(
		"SELECT %s FROM raw_%s WHERE batch_id = %s ORDER BY source_file, row_offset",
		cols, source, db.placeholder(1))

	rows, err := db.QueryContext(ctx, query, batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to load raw %s rows: %w", source, err)
	}
	defer rows.Close()

	var records []pipeline.RawRecord
	for rows.Next() {
		var (
			sourceFile string
			rowOffset  int64
		)
		fieldTargets := make([]*sql.NullString, len(fields))
		targets := []any{&sourceFile, &rowOffset}
		for i := range fields {
			fieldTargets[i] = new(sql.NullString)
			targets = append(targets, fieldTargets[i])
		}
		if err := rows.Scan(targets...); err != nil {
			return nil, fmt.Errorf("failed to scan raw %s row: %w", source, err)
		}

		values := make(map[string]string, len(fields))
		for i, f := range fields {
			if fieldTargets[i].Valid {
				values[f.Name] = fieldTargets[i].String
			}
		}
		records = append(records, pipeline.RawRecord{
			SourceFile: sourceFile,
			RowOffset:  rowOffset,
			Values:     values,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read raw %s rows: %w", source, err)
	}
	return records, nil
}
