package finalizer

import (
	"context"

	"github.com/qcoord/coordinator/pkg/coordinator"
	"github.com/qcoord/coordinator/pkg/queryid"
)

// WriteSideSource supplies the write-side aggregates a QueryFinalizer
// needs at Finalize time. *coordinator.Coordinator satisfies this
// directly via its WriteSideEffects accessor.
type WriteSideSource interface {
	WriteSideEffects() (rowCounts map[string]int64, filesToMove map[string]string, insertStats map[string]coordinator.PartitionInsertStat)
}

// QueryFinalizer adapts a Finalizer plus a query's static staging
// configuration into the single-method coordinator.Finalizer interface,
// pulling the dynamic row-count and file-move maps from source at the
// moment Finalize is invoked (after Wait has merged every contributor).
type QueryFinalizer struct {
	finalizer *Finalizer
	source    WriteSideSource

	queryID    queryid.QueryID
	mode       PartitionMode
	baseDir    string
	stagingDir string
}

// NewQueryFinalizer builds a coordinator.Finalizer-compatible wrapper
// around core for one query, using source to fetch the write-side
// aggregates lazily at Finalize time.
func NewQueryFinalizer(core *Finalizer, source WriteSideSource, queryID queryid.QueryID, mode PartitionMode, baseDir, stagingDir string) *QueryFinalizer {
	return &QueryFinalizer{
		finalizer:  core,
		source:     source,
		queryID:    queryID,
		mode:       mode,
		baseDir:    baseDir,
		stagingDir: stagingDir,
	}
}

// Finalize implements coordinator.Finalizer.
func (q *QueryFinalizer) Finalize(ctx context.Context) error {
	rowCounts, filesToMove, _ := q.source.WriteSideEffects()
	return q.finalizer.Run(ctx, &FinalizeParams{
		QueryID:            q.queryID,
		Mode:               q.mode,
		BaseDir:            q.baseDir,
		StagingDir:         q.stagingDir,
		PartitionRowCounts: rowCounts,
		FilesToMove:        filesToMove,
	})
}
