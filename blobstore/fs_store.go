package blobstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// FSStore serves a local directory as an object store for development and
// tests. Paths use forward slashes relative to the root; the ETag is a
// content hash so change detection behaves like S3.
type FSStore struct {
	root string
}

// NewFSStore creates a store rooted at dir.
func NewFSStore(dir string) (*FSStore, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("blob directory unavailable: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("blob path %q is not a directory", dir)
	}
	return &FSStore{root: dir}, nil
}

// List walks the tree under prefix, sorted by path.
func (s *FSStore) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var objects []ObjectInfo

	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		etag, err := hashFile(path)
		if err != nil {
			return err
		}
		objects = append(objects, ObjectInfo{
			Path:         key,
			Size:         info.Size(),
			ETag:         etag,
			LastModified: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list objects under %q: %w", prefix, err)
	}

	sort.Slice(objects, func(i, j int) bool { return objects[i].Path < objects[j].Path })
	return objects, nil
}

// Open streams one file's bytes.
func (s *FSStore) Open(ctx context.Context, path string) (io.ReadCloser, error) {
	f, err := os.Open(filepath.Join(s.root, filepath.FromSlash(path)))
	if err != nil {
		return nil, fmt.Errorf("failed to open object %q: %w", path, err)
	}
	return f, nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
