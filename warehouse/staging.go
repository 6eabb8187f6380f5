package warehouse

import (
	"context"
	"fmt"
	"strings"

	"github.com/andresbrocco/cloud-data-warehouse/pipeline"
	"github.com/andresbrocco/cloud-data-warehouse/schema"
)

// ReplaceStaging idempotently replaces the validated derivation of the given
// source files: prior rows for those raw keys are deleted and the fresh
// derivation is bulk-inserted in one transaction.
func (db *DB) ReplaceStaging(ctx context.Context, source string, fields []schema.Field, records []pipeline.ValidatedRecord, batchID string) error {
	files := make(map[string]bool)
	for _, rec := range records {
		files[rec.Raw.SourceFile] = true
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin staging transaction: %w", err)
	}
	defer tx.Rollback()

	if len(files) > 0 {
		names := make([]any, 0, len(files))
		ph := make([]string, 0, len(files))
		for name := range files {
			names = append(names, name)
			ph = append(ph, db.placeholder(len(names)))
		}
		del := fmt.Sprintf("DELETE FROM stg_%s WHERE source_file IN (%s)",
			source, strings.Join(ph, ", "))
		if _, err := tx.ExecContext(ctx, del, names...); err != nil {
			return fmt.Errorf("failed to clear staging %s rows: %w", source, err)
		}
	}

	cols := []string{"source_file", "row_offset", "batch_id", "is_valid", "quality_issues"}
	for _, f := range fields {
		cols = append(cols, f.Name)
	}

	for start := 0; start < len(records); start += insertChunk {
		end := start + insertChunk
		if end > len(records) {
			end = len(records)
		}
		chunk := records[start:end]

		args := make([]any, 0, len(chunk)*len(cols))
		for _, rec := range chunk {
			args = append(args,
				rec.Raw.SourceFile, rec.Raw.RowOffset, batchID,
				rec.IsValid, strings.Join(rec.QualityIssues, ";"))
			for _, f := range fields {
				args = append(args, bindValue(rec.Fields[f.Name]))
			}
		}

		query := db.insertSQL("stg_"+source, cols, len(chunk))
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("failed to bulk insert staging %s rows: %w", source, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit staging %s rows: %w", source, err)
	}
	return nil
}
