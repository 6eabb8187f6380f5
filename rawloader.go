package main

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"log"
	"path"
	"strings"

	"github.com/andresbrocco/cloud-data-warehouse/blobstore"
	"github.com/andresbrocco/cloud-data-warehouse/pipeline"
	"github.com/andresbrocco/cloud-data-warehouse/schema"
	"github.com/andresbrocco/cloud-data-warehouse/warehouse"
)

// RawLoader copies immutable CSV objects from the blob store into the
// append-only raw layer, unmodified. Objects whose ETag is unchanged since a
// prior load are skipped.
type RawLoader struct {
	store  blobstore.Store
	db     *warehouse.DB
	prefix string
}

// NewRawLoader creates a raw loader reading under the configured prefix.
func NewRawLoader(store blobstore.Store, db *warehouse.DB, prefix string) *RawLoader {
	return &RawLoader{store: store, db: db, prefix: prefix}
}

// LoadSource ingests every new or changed object of one source. Returns the
// number of rows landed in the raw store for this batch.
func (l *RawLoader) LoadSource(ctx context.Context, source string, fields []schema.Field, batchID string) (int64, error) {
	prefix := path.Join(l.prefix, source) + "/"

	objects, err := l.store.List(ctx, prefix)
	if err != nil {
		return 0, &pipeline.CollaboratorError{Collaborator: "blob", Op: "list " + prefix, Err: err}
	}

	var total int64
	for _, obj := range objects {
		if !strings.HasSuffix(obj.Path, ".csv") {
			continue
		}

		known, err := l.db.FileETag(ctx, obj.Path)
		if err != nil {
			return 0, &pipeline.CollaboratorError{Collaborator: "warehouse", Op: "etag lookup", Err: err}
		}
		if known == obj.ETag {
			log.Printf("  ⏭️  %s unchanged (etag %s), skipping", obj.Path, obj.ETag)
			continue
		}

		records, err := l.readObject(ctx, obj.Path, fields)
		if err != nil {
			return 0, err
		}

		if err := l.db.IngestObject(ctx, source, fields, records, obj.Path, obj.ETag, batchID); err != nil {
			return 0, &pipeline.CollaboratorError{Collaborator: "warehouse", Op: "raw ingest", Err: err}
		}

		log.Printf("  📥 %s: %d rows", obj.Path, len(records))
		total += int64(len(records))
	}
	return total, nil
}

// readObject streams one CSV object into raw records. The header row maps
// columns to declared field names; values are kept exactly as received.
func (l *RawLoader) readObject(ctx context.Context, objPath string, fields []schema.Field) ([]pipeline.RawRecord, error) {
	rc, err := l.store.Open(ctx, objPath)
	if err != nil {
		return nil, &pipeline.CollaboratorError{Collaborator: "blob", Op: "open " + objPath, Err: err}
	}
	defer rc.Close()

	reader := csv.NewReader(rc)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header of %s: %w", objPath, err)
	}

	declared := make(map[string]bool, len(fields))
	for _, f := range fields {
		declared[f.Name] = true
	}

	var records []pipeline.RawRecord
	var offset int64
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read %s row %d: %w", objPath, offset+1, err)
		}
		offset++

		values := make(map[string]string, len(header))
		for i, col := range header {
			if i >= len(row) || !declared[col] {
				continue
			}
			values[col] = row[i]
		}
		records = append(records, pipeline.RawRecord{
			SourceFile: objPath,
			RowOffset:  offset,
			Values:     values,
		})
	}
	return records, nil
}
