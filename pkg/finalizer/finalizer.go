package finalizer

import (
	"context"
	"fmt"
	"path"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/qcoord/coordinator/pkg/queryid"
	"github.com/qcoord/coordinator/pkg/util"
)

// PartitionMode selects how a partition target directory is prepared in
// phase 1, mirroring the write statement's insert mode.
type PartitionMode int

const (
	// ModeAppend creates the partition directory if missing and leaves
	// any existing contents alone.
	ModeAppend PartitionMode = iota
	// ModeOverwrite wipes and recreates a non-root partition directory,
	// or deletes only the immediate regular files at the root.
	ModeOverwrite
)

// FinalizeParams is the input the Coordinator hands the finalizer once
// Wait has merged every backend's (and the local fragment's, if any)
// write-side outputs.
type FinalizeParams struct {
	QueryID     queryid.QueryID
	Mode        PartitionMode
	BaseDir     string // table's root output directory
	StagingDir  string // root under which this query staged its output

	// PartitionRowCounts keys are partition key strings; "" denotes the
	// unpartitioned root. Only the key set matters for phase 1 — the
	// counts themselves are informational.
	PartitionRowCounts map[string]int64

	// FilesToMove maps a staged source path to its final destination. An
	// entry whose destination is "" is a deferred staging-directory
	// deletion marker rather than a rename.
	FilesToMove map[string]string
}

// Finalizer implements the four-phase staged-output publication pkg
// spec.md §4.4 describes, dispatching bulk filesystem operations through
// a worker pool the way the teacher dispatches ingester client calls.
type Finalizer struct {
	fs   BulkFS
	pool util.AsyncExecutor
}

// New builds a Finalizer that issues its bulk operations against fs,
// fanned out across pool.
func New(fs BulkFS, pool util.AsyncExecutor) *Finalizer {
	return &Finalizer{fs: fs, pool: pool}
}

// Run executes all four phases against params, in order. It runs
// unconditionally once called — the Coordinator decides whether
// finalization should still happen for a failed query (it must, to
// scrub staging), per spec.md §4.4.
func (f *Finalizer) Run(ctx context.Context, params *FinalizeParams) error {
	if err := f.prepareTargets(ctx, params); err != nil {
		return err
	}
	if err := f.moveFiles(ctx, params); err != nil {
		return err
	}
	if err := f.deleteStagingDirs(ctx, params); err != nil {
		return err
	}
	return f.cleanupStagingRoot(ctx, params)
}

// prepareTargets implements phase 1: for every partition key, prepare
// its target directory per params.Mode. Directory-creation errors are
// tolerated (the directory may already exist, created concurrently by
// another writer); deletion errors are fatal.
func (f *Finalizer) prepareTargets(ctx context.Context, params *FinalizeParams) error {
	if params.Mode == ModeOverwrite {
		if _, ok := params.PartitionRowCounts[""]; ok && len(params.PartitionRowCounts) != 1 {
			return errors.New("finalizer: root partition key must be the only entry for an unpartitioned overwrite")
		}
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	var fatal error

	for key := range params.PartitionRowCounts {
		key := key
		wg.Add(1)
		f.pool.Submit(func() {
			defer wg.Done()
			if err := f.prepareOneTarget(ctx, params, key); err != nil {
				mu.Lock()
				if fatal == nil {
					fatal = err
				}
				mu.Unlock()
			}
		})
	}
	wg.Wait()
	return fatal
}

func (f *Finalizer) prepareOneTarget(ctx context.Context, params *FinalizeParams, key string) error {
	if key == "" && params.Mode == ModeOverwrite {
		files, err := f.fs.ListRegularFiles(ctx, params.BaseDir)
		if err != nil {
			// Listing failure during an unpartitioned overwrite is a
			// deletion-phase failure, not a creation one: it blocks us
			// from knowing what to delete.
			return errors.Wrapf(err, "finalizer: listing root %s", params.BaseDir)
		}
		for _, file := range files {
			if err := f.fs.Remove(ctx, file); err != nil {
				return errors.Wrapf(err, "finalizer: deleting root file %s", file)
			}
		}
		return nil
	}

	dir := path.Join(params.BaseDir, key)

	if params.Mode == ModeOverwrite {
		if err := f.fs.RemoveAll(ctx, dir); err != nil {
			return errors.Wrapf(err, "finalizer: clearing partition dir %s", dir)
		}
	}

	// Creation errors are swallowed: the directory may already exist,
	// whether because another writer raced us or because it was never
	// removed (append mode).
	_ = f.fs.Mkdir(ctx, dir)
	return nil
}

// moveFiles implements phase 2: rename every staged file to its final
// destination before any staging directory is deleted.
func (f *Finalizer) moveFiles(ctx context.Context, params *FinalizeParams) error {
	srcs := make([]string, 0, len(params.FilesToMove))
	for src, dst := range params.FilesToMove {
		if dst != "" {
			srcs = append(srcs, src)
		}
	}
	sort.Strings(srcs) // deterministic ordering for tests and logs

	var wg sync.WaitGroup
	var mu sync.Mutex
	var failures int
	var firstErr error

	for _, src := range srcs {
		src := src
		dst := params.FilesToMove[src]
		wg.Add(1)
		f.pool.Submit(func() {
			defer wg.Done()
			if err := f.fs.Rename(ctx, src, dst); err != nil {
				mu.Lock()
				failures++
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		})
	}
	wg.Wait()

	if failures > 0 {
		return fmt.Errorf("finalizer: %d file move(s) failed, first error: %w", failures, firstErr)
	}
	return nil
}

// deleteStagingDirs implements phase 3: delete the batch of staging
// sub-directories marked by an empty-destination entry in FilesToMove.
func (f *Finalizer) deleteStagingDirs(ctx context.Context, params *FinalizeParams) error {
	var dirs []string
	for src, dst := range params.FilesToMove {
		if dst == "" {
			dirs = append(dirs, src)
		}
	}
	sort.Strings(dirs)

	var wg sync.WaitGroup
	var mu sync.Mutex
	var failures int
	var firstErr error

	for _, dir := range dirs {
		dir := dir
		wg.Add(1)
		f.pool.Submit(func() {
			defer wg.Done()
			if err := f.fs.RemoveAll(ctx, dir); err != nil {
				mu.Lock()
				failures++
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		})
	}
	wg.Wait()

	if failures > 0 {
		return fmt.Errorf("finalizer: %d staging dir deletion(s) failed, first error: %w", failures, firstErr)
	}
	return nil
}

// cleanupStagingRoot implements phase 4: recursively remove this
// query's entire staging root.
func (f *Finalizer) cleanupStagingRoot(ctx context.Context, params *FinalizeParams) error {
	root := path.Join(params.StagingDir, params.QueryID.FilePath())
	if err := f.fs.RemoveAll(ctx, root); err != nil {
		return errors.Wrapf(err, "finalizer: cleaning staging root %s", root)
	}
	return nil
}
