// Package localfs implements finalizer.BulkFS against the local
// filesystem, giving HDFS-like "directory of regular files, no hidden
// entries" semantics for tests and single-node deployments.
package localfs

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// FS is a finalizer.BulkFS backed by os/io operations rooted at nothing
// in particular: every path it is given is used as-is, matching the
// finalizer's own practice of always passing fully-qualified paths.
type FS struct{}

// New creates a local-disk BulkFS.
func New() *FS {
	return &FS{}
}

func (FS) Mkdir(ctx context.Context, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "mkdir %s", dir)
	}
	return nil
}

func (FS) RemoveAll(ctx context.Context, dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return errors.Wrapf(err, "removeall %s", dir)
	}
	return nil
}

// ListRegularFiles lists the immediate, non-hidden regular files under
// dir. A missing directory yields an empty list, not an error: an
// unpartitioned overwrite target that was never populated has nothing
// to clean up.
func (FS) ListRegularFiles(ctx context.Context, dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "readdir %s", dir)
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.HasPrefix(e.Name(), ".") || strings.HasPrefix(e.Name(), "_") {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	return files, nil
}

func (FS) Remove(ctx context.Context, path string) error {
	if err := os.Remove(path); err != nil {
		return errors.Wrapf(err, "remove %s", path)
	}
	return nil
}

func (FS) Rename(ctx context.Context, src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return errors.Wrapf(err, "mkdir parent of %s", dst)
	}
	if err := os.Rename(src, dst); err != nil {
		return errors.Wrapf(err, "rename %s -> %s", src, dst)
	}
	return nil
}
