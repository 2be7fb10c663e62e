// Package objstorefs implements finalizer.BulkFS against an
// object-storage bucket, for clustered deployments where the table's
// root and staging directories live in blob storage rather than on
// local disk.
package objstorefs

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"github.com/thanos-io/objstore"
)

// FS is a finalizer.BulkFS backed by an objstore.Bucket. Object storage
// has no real directories or atomic rename, so "directories" are
// modeled as key prefixes and Rename is a copy-then-delete, the same
// approach Thanos' own compactor uses when relocating blocks between
// prefixes.
type FS struct {
	bucket objstore.Bucket
}

// New wraps bucket as a BulkFS.
func New(bucket objstore.Bucket) *FS {
	return &FS{bucket: bucket}
}

// Mkdir is a no-op: object storage has no directory entries to create,
// and a key prefix exists the moment something is written under it.
func (FS) Mkdir(ctx context.Context, dir string) error {
	return nil
}

// RemoveAll deletes every object whose key is under dir.
func (f *FS) RemoveAll(ctx context.Context, dir string) error {
	var toDelete []string
	err := f.bucket.Iter(ctx, withTrailingSlash(dir), func(name string) error {
		toDelete = append(toDelete, name)
		return nil
	}, objstore.WithRecursiveIter())
	if err != nil {
		return errors.Wrapf(err, "objstorefs: listing %s for removal", dir)
	}
	for _, name := range toDelete {
		if err := f.bucket.Delete(ctx, name); err != nil && !f.bucket.IsObjNotFoundErr(err) {
			return errors.Wrapf(err, "objstorefs: deleting %s", name)
		}
	}
	return nil
}

// ListRegularFiles lists the objects directly under dir, excluding
// nested prefixes (object keys ending in "/") and hidden-style keys.
func (f *FS) ListRegularFiles(ctx context.Context, dir string) ([]string, error) {
	var files []string
	err := f.bucket.Iter(ctx, withTrailingSlash(dir), func(name string) error {
		if strings.HasSuffix(name, "/") {
			return nil
		}
		base := name
		if idx := strings.LastIndex(name, "/"); idx >= 0 {
			base = name[idx+1:]
		}
		if strings.HasPrefix(base, ".") || strings.HasPrefix(base, "_") {
			return nil
		}
		files = append(files, name)
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "objstorefs: listing %s", dir)
	}
	return files, nil
}

// Remove deletes a single object.
func (f *FS) Remove(ctx context.Context, path string) error {
	if err := f.bucket.Delete(ctx, path); err != nil {
		return errors.Wrapf(err, "objstorefs: deleting %s", path)
	}
	return nil
}

// Rename copies src to dst and deletes src, since object stores have no
// atomic move primitive.
func (f *FS) Rename(ctx context.Context, src, dst string) error {
	r, err := f.bucket.Get(ctx, src)
	if err != nil {
		return errors.Wrapf(err, "objstorefs: reading %s", src)
	}
	defer r.Close()

	if err := f.bucket.Upload(ctx, dst, r); err != nil {
		return errors.Wrapf(err, "objstorefs: uploading %s", dst)
	}
	if err := f.bucket.Delete(ctx, src); err != nil {
		return errors.Wrapf(err, "objstorefs: deleting source %s after copy", src)
	}
	return nil
}

func withTrailingSlash(dir string) string {
	if dir == "" || strings.HasSuffix(dir, "/") {
		return dir
	}
	return dir + "/"
}
