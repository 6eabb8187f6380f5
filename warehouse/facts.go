package warehouse

import (
	"context"
	"fmt"

	"github.com/andresbrocco/cloud-data-warehouse/pipeline"
	"github.com/andresbrocco/cloud-data-warehouse/schema"
)

// InsertFacts bulk-appends resolved fact rows. Facts are immutable once
// inserted; corrections happen through compensating entries, never updates.
func (db *DB) InsertFacts(ctx context.Context, f *schema.Fact, batch *pipeline.FactBatch, batchID string) error {
	cols := []string{"source_file", "row_offset", "batch_id", "tx_time"}
	for _, role := range f.Roles {
		cols = append(cols, role.Dimension+"_key")
	}
	for _, m := range f.Measures {
		cols = append(cols, m)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin %s insert transaction: %w", f.Name, err)
	}
	defer tx.Rollback()

	// A retried batch must not double-insert: clear any rows a prior failed
	// attempt of the same batch left behind.
	del := fmt.Sprintf("DELETE FROM %s WHERE batch_id = %s", f.Table(), db.placeholder(1))
	if _, err := tx.ExecContext(ctx, del, batchID); err != nil {
		return fmt.Errorf("failed to clear prior %s rows for batch %s: %w", f.Name, batchID, err)
	}

	for start := 0; start < len(batch.Rows); start += insertChunk {
		end := start + insertChunk
		if end > len(batch.Rows) {
			end = len(batch.Rows)
		}
		chunk := batch.Rows[start:end]

		args := make([]any, 0, len(chunk)*len(cols))
		for _, row := range chunk {
			args = append(args, row.SourceFile, row.RowOffset, batchID, row.TxTime.UTC())
			for _, role := range f.Roles {
				args = append(args, row.Keys[role.Dimension])
			}
			for _, m := range f.Measures {
				args = append(args, bindValue(row.Measures[m]))
			}
		}

		query := db.insertSQL(f.Table(), cols, len(chunk))
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("failed to bulk insert %s rows: %w", f.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit %s rows: %w", f.Name, err)
	}
	return nil
}
