// Package localexec provides a minimal, channel-fed stand-in for the
// out-of-scope coordinator-fragment executor, implementing
// coordinator.LocalExecutor without any real plan evaluation. It exists
// so callers that need a runnable coordinator fragment don't have to
// depend on a real execution engine.
package localexec

import (
	"context"
	"sync"

	"github.com/qcoord/coordinator/pkg/coordinator"
	"github.com/qcoord/coordinator/pkg/profile"
)

// ChannelExecutor streams row batches pushed onto Batches until the
// channel is closed, then reports end of stream. The producer sends on
// and closes Batches; Open/GetNext/Cancel are the
// coordinator.LocalExecutor side.
type ChannelExecutor struct {
	Batches chan *coordinator.RowBatch

	mu           sync.Mutex
	cancelled    bool
	reachedLimit bool
	profile      *profile.Node
	insert       *coordinator.InsertExecStatus
}

// NewChannelExecutor creates an executor whose row batches are supplied
// externally via the returned channel.
func NewChannelExecutor() *ChannelExecutor {
	return &ChannelExecutor{
		Batches: make(chan *coordinator.RowBatch, 16),
		profile: profile.NewNode("coordinator fragment"),
	}
}

func (e *ChannelExecutor) Prepare(ctx context.Context) error {
	return nil
}

func (e *ChannelExecutor) Open(ctx context.Context) error {
	return nil
}

func (e *ChannelExecutor) GetNext(ctx context.Context) (*coordinator.RowBatch, bool, bool, error) {
	select {
	case batch, ok := <-e.Batches:
		if !ok {
			e.mu.Lock()
			reachedLimit := e.reachedLimit
			e.mu.Unlock()
			return nil, true, reachedLimit, nil
		}
		return batch, false, false, nil
	case <-ctx.Done():
		return nil, true, false, ctx.Err()
	}
}

// SetReachedLimit records that the next channel close should be reported
// to the coordinator as "exhausted because a row limit was reached",
// rather than ordinary end of input, so callers can exercise the
// coordinator's row-limit cancellation path.
func (e *ChannelExecutor) SetReachedLimit(reached bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reachedLimit = reached
}

// Cancel marks the executor cancelled. It neither drains nor closes
// Batches, and GetNext keeps returning whatever is sent on the channel.
func (e *ChannelExecutor) Cancel() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancelled = true
}

func (e *ChannelExecutor) Profile() *profile.Node {
	return e.profile
}

// SetWriteSideEffects records the write outputs Wait should fold into
// the coordinator's aggregates, for a coordinator fragment acting as an
// INSERT/CTAS sink.
func (e *ChannelExecutor) SetWriteSideEffects(ins *coordinator.InsertExecStatus) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.insert = ins
}

func (e *ChannelExecutor) WriteSideEffects() *coordinator.InsertExecStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.insert
}
