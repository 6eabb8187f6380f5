// Package blobstore abstracts the immutable object store the raw loader
// reads from. Objects are addressed by path; the ETag is used for change
// detection so unchanged files are never re-ingested.
package blobstore

import (
	"context"
	"io"
	"time"
)

// ObjectInfo describes one immutable object.
type ObjectInfo struct {
	Path         string
	Size         int64
	ETag         string
	LastModified time.Time
}

// Store lists objects under a prefix and streams object bytes. Objects are
// treated as immutable: a changed ETag means a new object, never an edit.
type Store interface {
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
	Open(ctx context.Context, path string) (io.ReadCloser, error)
}
