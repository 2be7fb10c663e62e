// Package finalizer publishes a write query's staged output to its final
// location once every fragment instance has reported success, following
// the four-phase partition-then-move-then-clean sequence.
package finalizer

import "context"

// BulkFS is the hierarchical file-system collaborator the finalizer
// issues bulk directory and file operations against. It stands in for
// the out-of-scope "file-system client" the spec names: a local-disk
// implementation (pkg/finalizer/localfs) is provided for tests and
// single-node deployments, and an object-storage-backed implementation
// can be layered over github.com/thanos-io/objstore for clustered ones.
type BulkFS interface {
	// Mkdir creates dir and any missing parents. Implementations should
	// treat "already exists" as success.
	Mkdir(ctx context.Context, dir string) error
	// RemoveAll recursively removes dir and everything under it. Removing
	// a directory that doesn't exist is not an error.
	RemoveAll(ctx context.Context, dir string) error
	// ListRegularFiles lists the immediate (non-recursive) regular,
	// non-hidden files directly under dir.
	ListRegularFiles(ctx context.Context, dir string) ([]string, error)
	// Remove deletes a single file.
	Remove(ctx context.Context, path string) error
	// Rename moves src to dst, creating dst's parent directory if needed.
	Rename(ctx context.Context, src, dst string) error
}
