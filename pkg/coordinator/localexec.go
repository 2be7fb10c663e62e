package coordinator

import (
	"context"

	"github.com/qcoord/coordinator/pkg/profile"
)

// RowBatch is an opaque batch of result rows pulled from the coordinator
// fragment. Its contents are meaningless to this package; only the
// (out of scope) plan executor and client-facing row materialization
// code interpret it.
type RowBatch struct {
	Rows [][]byte
}

// LocalExecutor runs the single coordinator fragment, when the schedule
// assigns one, in the same process as the Coordinator rather than over
// RPC. It is the seam a real plan-execution engine would implement;
// nothing in this package executes a plan itself.
type LocalExecutor interface {
	// Prepare registers the local fragment as the exchange receiver for
	// remote fragments' output. Called once, before Exec issues any
	// remote RPC, so a remote fragment can never start sending to a
	// receiver that doesn't exist yet.
	Prepare(ctx context.Context) error
	// Open starts local execution. Called once, by Wait.
	Open(ctx context.Context) error
	// GetNext returns the next row batch, or eos=true once exhausted.
	// reachedLimit is only meaningful when eos is true: it reports
	// whether exhaustion happened because the fragment satisfied a row
	// limit (as opposed to genuinely running out of input), which tells
	// the caller whether to cancel the remote fragments still running.
	GetNext(ctx context.Context) (batch *RowBatch, eos bool, reachedLimit bool, err error)
	// Cancel requests the local fragment stop producing rows.
	Cancel()
	// Profile returns the local fragment's live profile node.
	Profile() *profile.Node
	// WriteSideEffects returns the local fragment's write-side outputs
	// (for INSERT/CTAS queries whose sink ran in the coordinator
	// fragment rather than a remote one), or nil if it produced none.
	WriteSideEffects() *InsertExecStatus
}

// Finalizer publishes a write query's staged output to its final
// location once every fragment instance has reported success. It is
// implemented by pkg/finalizer; the interface lives here so
// pkg/coordinator does not depend on that package's concrete types.
type Finalizer interface {
	Finalize(ctx context.Context) error
}
