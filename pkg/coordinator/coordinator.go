// Package coordinator implements a single query's distributed execution:
// fanning fragment instances out to backend workers, tracking their
// status reports under the two-lock discipline the spec requires,
// aggregating their profiles, and publishing staged write output once
// every backend has finished.
package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/qcoord/coordinator/pkg/coordinatorpb"
	"github.com/qcoord/coordinator/pkg/profile"
	"github.com/qcoord/coordinator/pkg/progress"
	"github.com/qcoord/coordinator/pkg/queryid"
	"github.com/qcoord/coordinator/pkg/schedule"
	"github.com/qcoord/coordinator/pkg/util"
)

// cancelRPCGracePeriod bounds how long Cancel waits for in-flight cancel
// RPCs before returning, so a wedged or unreachable backend can never
// make Cancel itself hang.
const cancelRPCGracePeriod = 5 * time.Second

// fragmentProfileGroup holds the per-fragment aggregate state built
// exactly once, at summary time, by folding every instance's final
// profile into a running average. Nothing updates it incrementally as
// status reports arrive; ReportQuerySummary is its sole writer.
type fragmentProfileGroup struct {
	fragmentIdx int
	averaged    *profile.AveragedNode
	grouping    *profile.Node
}

// Coordinator drives the execution of a single query, identified by its
// schedule's QueryID for its entire lifetime. One Coordinator is created
// per query and discarded once the client has consumed all results (or
// cancelled).
//
// Lock ordering: mu guards coordinator-wide bookkeeping (queryStatus,
// numRemaining, per-fragment profile groups). waitMu/cond guard only the
// blocking handshake between status reports and Wait/GetNext. A caller
// that must hold both acquires mu first, exactly as the spec requires;
// UpdateFragmentExecStatus observes this by never calling back into a
// method that takes waitMu while holding mu.
type Coordinator struct {
	queryID  queryid.QueryID
	schedule schedule.QuerySchedule
	clientFor        ClientProviderFunc
	invalidateClient ClientInvalidatorFunc
	local            LocalExecutor
	finalizer        Finalizer
	logger           log.Logger

	// localFragmentIdx is the schedule's coordinator-fragment index, valid
	// only when local != nil. ReportQuerySummary uses it to label the
	// local fragment's profile grouping the same way remote fragments are
	// labeled.
	localFragmentIdx int

	concurrencyLimit int

	mu               sync.Mutex
	states           []*BackendExecState // indexed by BackendNum
	fragmentOf       map[int32]int       // BackendNum -> fragment index, for profile grouping
	fragmentGroups   map[int]*fragmentProfileGroup
	queryStatus      Status
	execStarted      bool
	queryProfile     *profile.Node
	coordErrorLog    []string

	// Write-side aggregates, merged under mu as each backend's final
	// report arrives. Only ever populated for NeedsFinalize queries.
	partitionRowCounts  map[string]int64
	filesToMove         map[string]string
	partitionInsertStats map[string]PartitionInsertStat

	waitMu             sync.Mutex
	cond               *sync.Cond
	numRemaining       int
	terminal           bool // query_status went non-OK, or every backend has reported done
	hasCalledWait      bool
	returnedAllResults bool

	finishOnce   sync.Once
	finishStatus Status

	scanProgress *progress.ScanRangeTracker
	peakMemory   *progress.PeakMemoryTracker
}

// New builds a Coordinator for one query. clientFor resolves a backend
// address to an RPC client; invalidateClient forgets a cached client
// after a transport failure so the rpc fan-out's single retry actually
// redials instead of resubmitting through the same broken connection
// (may be nil, in which case invalidation is a no-op). local is nil
// unless the schedule assigns a coordinator fragment; finalizer is nil
// unless the schedule requires one (schedule.NeedsFinalize).
func New(sched schedule.QuerySchedule, clientFor ClientProviderFunc, invalidateClient ClientInvalidatorFunc, local LocalExecutor, finalizer Finalizer, logger log.Logger) *Coordinator {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if invalidateClient == nil {
		invalidateClient = func(string) {}
	}

	c := &Coordinator{
		queryID:          sched.QueryID,
		schedule:         sched,
		clientFor:        clientFor,
		invalidateClient: invalidateClient,
		local:            local,
		finalizer:        finalizer,
		logger:           log.With(logger, "query_id", sched.QueryID.String()),
		concurrencyLimit: 8,
		fragmentOf:       make(map[int32]int),
		fragmentGroups:   make(map[int]*fragmentProfileGroup),
		queryStatus:      OK,
		queryProfile:     profile.NewNode("query"),
		scanProgress:     progress.NewScanRangeTracker(sched.TotalScanBytes()),
		peakMemory:       progress.NewPeakMemoryTracker(),
		partitionRowCounts:   make(map[string]int64),
		filesToMove:          make(map[string]string),
		partitionInsertStats: make(map[string]PartitionInsertStat),
	}
	c.cond = sync.NewCond(&c.waitMu)

	for _, frag := range sched.Fragments {
		if frag.Fragment.IsCoordinatorFragment {
			c.localFragmentIdx = frag.Fragment.Idx
			continue
		}
		group := &fragmentProfileGroup{
			fragmentIdx: frag.Fragment.Idx,
			averaged:    profile.NewAveragedNode(fmt.Sprintf("Averaged Fragment %d", frag.Fragment.Idx)),
			grouping:    profile.NewNode(fmt.Sprintf("Fragment %d", frag.Fragment.Idx)),
		}
		c.fragmentGroups[frag.Fragment.Idx] = group

		for _, inst := range frag.Instances {
			state := newBackendExecState(frag.Fragment.Idx, inst.BackendNum, inst)
			c.states = append(c.states, state)
			c.fragmentOf[inst.BackendNum] = frag.Fragment.Idx
			group.grouping.AddChild(state.profile)
		}
	}
	c.numRemaining = len(c.states)

	return c
}

// Exec prepares the local coordinator fragment, if the schedule assigned
// one, as the exchange receiver for remote fragments' output before
// issuing a single remote RPC; remote fragments could otherwise start
// sending to it before it exists, a correctness bug that drops streams.
// It then starts every remote fragment instance, one fragment at a time
// in schedule order and all of a fragment's instances in parallel. A
// start failure on any instance adopts that failure as the query status
// but does not stop issuing start RPCs to the remaining fragments'
// instances that are already in flight for the current fragment; it does
// stop the coordinator from starting any fragment after the one that
// failed, matching the spec's "sequential between fragments" ordering.
func (c *Coordinator) Exec(ctx context.Context) error {
	c.mu.Lock()
	if c.execStarted {
		c.mu.Unlock()
		return NewError(CodeInternal, "Exec called twice")
	}
	c.execStarted = true
	c.mu.Unlock()

	if c.local != nil {
		if err := c.local.Prepare(ctx); err != nil {
			st := NewError(CodeInternal, err.Error())
			c.adoptQueryStatus(st)
			c.appendCoordError(err.Error())
			c.Cancel()
			return st
		}
	}

	for _, frag := range c.schedule.Fragments {
		if frag.Fragment.IsCoordinatorFragment {
			continue
		}

		states := make([]*BackendExecState, 0, len(frag.Instances))
		reqs := make([]*coordinatorpb.ExecPlanFragmentRequest, 0, len(frag.Instances))
		for _, inst := range frag.Instances {
			st := c.stateFor(inst.BackendNum)
			states = append(states, st)
			debugAction := debugActionClauseFor(c.schedule.DebugActions, inst.BackendNum)
			reqs = append(reqs, schedule.ToRequest(c.queryID, frag.Fragment, inst, debugAction))
		}

		st := execFragmentInstances(ctx, c.clientFor, c.invalidateClient, states, reqs, c.concurrencyLimit)
		if !st.IsOK() {
			c.adoptQueryStatus(st)
			level.Error(c.logger).Log("msg", "fragment failed to start, aborting remaining fragments", "fragment_idx", frag.Fragment.Idx, "err", st.Error())
			c.Cancel()
			return st
		}
	}

	return nil
}

// GetNext pulls the next row batch from the coordinator fragment, if the
// schedule assigned one. Queries with no coordinator fragment (pure
// write queries) never produce rows; callers should use Wait instead,
// but may still call GetNext to observe the query's final status.
//
// Precondition: Wait has been called. The final (batch == nil, eos ==
// true) result is only returned once every backend has terminally
// reported; if the local fragment reached its row limit before the
// remote fragments finished on their own, GetNext cancels them (without
// that cancellation itself becoming the query's failure) before
// blocking for their final reports.
func (c *Coordinator) GetNext(ctx context.Context) (*RowBatch, bool, error) {
	if c.local == nil {
		c.mu.Lock()
		status := c.queryStatus
		c.mu.Unlock()
		return nil, true, statusOrNil(status)
	}

	c.mu.Lock()
	status := c.queryStatus
	c.mu.Unlock()
	if !status.IsOK() {
		return nil, true, status
	}

	batch, eos, reachedLimit, err := c.local.GetNext(ctx)
	if err != nil {
		st := NewError(CodeInternal, err.Error())
		c.adoptQueryStatus(st)
		return nil, true, st
	}

	if !eos {
		return batch, false, nil
	}

	c.waitMu.Lock()
	c.returnedAllResults = true
	c.waitMu.Unlock()

	if reachedLimit {
		c.cancelRemoteFragments()
		c.local.Cancel()
	}

	if err := c.waitForAllBackends(ctx); err != nil {
		return nil, true, err
	}
	return nil, true, c.finishAfterAllBackendsDone(ctx)
}

// Wait prepares the coordinator for result consumption. If the schedule
// assigned a local fragment, it opens it (which may block doing real
// work) and returns promptly with the query's status as it stands at
// that point (nil while the query is OK): the "block until every backend
// is done" step happens lazily, inside GetNext's final call, so a caller
// can stream local rows concurrently with remote execution instead of
// stalling here until every remote backend finishes. If there is no
// local fragment, Wait has nothing to stream, so it blocks for every
// backend itself, runs the finalizer if the schedule requires one, and
// returns the query's final status. It is safe to call concurrently
// with GetNext; repeated calls never reopen the local fragment.
func (c *Coordinator) Wait(ctx context.Context) error {
	c.waitMu.Lock()
	alreadyWaited := c.hasCalledWait
	c.hasCalledWait = true
	c.waitMu.Unlock()

	if c.local != nil {
		if alreadyWaited {
			c.mu.Lock()
			status := c.queryStatus
			c.mu.Unlock()
			return statusOrNil(status)
		}
		if err := c.local.Open(ctx); err != nil {
			st := NewError(CodeInternal, err.Error())
			c.adoptQueryStatus(st)
			c.appendCoordError(err.Error())
			c.Cancel()
			return st
		}
		if ins := c.local.WriteSideEffects(); ins != nil {
			c.mergeInsertExecStatus(ins)
		}
		c.mu.Lock()
		status := c.queryStatus
		c.mu.Unlock()
		return statusOrNil(status)
	}

	if err := c.waitForAllBackends(ctx); err != nil {
		return err
	}
	return c.finishAfterAllBackendsDone(ctx)
}

// waitForAllBackends blocks until every remote instance has reported
// done or the query has gone terminal (failed or cancelled), whichever
// comes first. A cancelled ctx also unblocks it, returning ctx.Err(),
// without otherwise affecting coordinator state.
func (c *Coordinator) waitForAllBackends(ctx context.Context) error {
	stopWatch := make(chan struct{})
	defer close(stopWatch)
	go func() {
		select {
		case <-ctx.Done():
			// Taking waitMu before broadcasting guarantees the waiter is
			// either parked in cond.Wait or has not yet checked ctx.
			c.waitMu.Lock()
			c.waitMu.Unlock()
			c.cond.Broadcast()
		case <-stopWatch:
		}
	}()

	c.waitMu.Lock()
	defer c.waitMu.Unlock()
	for c.numRemaining > 0 && !c.terminal {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.cond.Wait()
	}
	return nil
}

// finishAfterAllBackendsDone runs the finalizer, if the schedule
// requires one, and caches the query's final status, exactly once: both
// Wait (the no-local-fragment path) and GetNext (the local-fragment path,
// once the local stream hits eos) reach this after every backend has
// reported, and must observe the same outcome without finalizing twice.
func (c *Coordinator) finishAfterAllBackendsDone(ctx context.Context) error {
	c.finishOnce.Do(func() {
		c.mu.Lock()
		status := c.queryStatus
		c.mu.Unlock()

		if c.schedule.NeedsFinalize && c.finalizer != nil {
			if err := c.finalizer.Finalize(ctx); err != nil {
				c.adoptQueryStatus(NewError(CodeFinalize, err.Error()))
				c.appendCoordError(err.Error())
			}
			c.mu.Lock()
			status = c.queryStatus
			c.mu.Unlock()
		}

		c.finishStatus = status
	})
	return statusOrNil(c.finishStatus)
}

func statusOrNil(s Status) error {
	if s.IsOK() {
		return nil
	}
	return s
}

// Cancel marks the query cancelled (sticky: a no-op if the query already
// has a non-OK status) and issues a best-effort cancel RPC to every
// instance that was successfully started and is not yet done. It is safe
// to call multiple times and concurrently with status reports.
func (c *Coordinator) Cancel() {
	c.adoptQueryStatus(Cancelled)
	c.cancelRemoteFragments()

	if c.local != nil {
		c.local.Cancel()
	}
}

// cancelRemoteFragments sends a best-effort cancel RPC to every instance
// that was successfully started and is not yet done, giving them up to
// cancelRPCGracePeriod to complete but never blocking past it, so an
// unreachable backend can't make the caller hang. Unlike Cancel, it does
// not itself adopt a CANCELLED query status: it is also used when the
// local fragment's exchange stops consuming rows because it already
// satisfied a row limit, a successful outcome that must not be recorded
// as a cancellation.
func (c *Coordinator) cancelRemoteFragments() {
	ctx := context.Background()
	var wg sync.WaitGroup
	for _, st := range c.states {
		st := st
		wg.Add(1)
		go func() {
			defer wg.Done()
			cancelInstance(ctx, c.clientFor, c.invalidateClient, st, c.queryID)
		}()
	}
	if !util.WaitGroupWithTimeout(&wg, cancelRPCGracePeriod) {
		level.Warn(c.logger).Log("msg", "cancel RPCs still outstanding past grace period, returning anyway")
	}
}

// adoptQueryStatus merges st into the coordinator's query-wide status
// using the sticky-status rule: a query already in a non-OK state never
// reverts, and never has its recorded error replaced by a later one.
func (c *Coordinator) adoptQueryStatus(st Status) {
	c.mu.Lock()
	c.queryStatus = FirstNonOK(c.queryStatus, st)
	becameNonOK := !c.queryStatus.IsOK()
	c.mu.Unlock()

	if becameNonOK {
		c.waitMu.Lock()
		c.terminal = true
		c.waitMu.Unlock()
		c.cond.Broadcast()
	}
}

// stateFor returns the BackendExecState for a backend number. Panics if
// called with a backend number Exec never assigned, which would be a
// programming error in the caller (the schedule it was built from).
func (c *Coordinator) stateFor(backendNum int32) *BackendExecState {
	for _, st := range c.states {
		if st.BackendNum == backendNum {
			return st
		}
	}
	panic(fmt.Sprintf("coordinator: no state for backend_num %d", backendNum))
}

// UpdateFragmentExecStatus applies one backend's status report. It is
// the single entry point status reports take; the per-instance work
// (status adoption, profile merge, error log, scan progress) happens
// under that instance's own lock via BackendExecState.applyReport, and
// only the query-wide bookkeeping (status, remaining count, wake-up)
// happens under the coordinator's own locks, in that order. A report
// carrying a true error (not an expected late CANCELLED) is adopted as
// the query status and cancels every other started instance.
func (c *Coordinator) UpdateFragmentExecStatus(r ExecStatusReport) Status {
	st := c.stateForReport(r.BackendNum)
	if st == nil {
		return NewError(CodeInternal, fmt.Sprintf("unknown backend_num %d", r.BackendNum))
	}

	scanDelta, memUsage, justCompleted := st.applyReport(r)
	c.scanProgress.AddDelta(scanDelta)
	if memUsage > 0 {
		c.peakMemory.Track(st.BackendAddr, memUsage)
	}

	if r.Done && r.Insert != nil {
		c.mergeInsertExecStatus(r.Insert)
	}

	if !r.Status.IsOK() && !c.isIgnorableLateCancellation(r.Status) {
		c.adoptQueryStatus(r.Status)
		c.Cancel()
	}

	if justCompleted {
		c.waitMu.Lock()
		c.numRemaining--
		if c.numRemaining <= 0 {
			c.terminal = true
		}
		c.waitMu.Unlock()
		c.cond.Broadcast()
	}

	c.mu.Lock()
	status := c.queryStatus
	c.mu.Unlock()
	return status
}

// mergeInsertExecStatus folds one backend's write-side outputs into the
// coordinator-owned aggregates, under the coordinator lock, as the last
// step of processing a done report. Backends only carry insert output
// when the coordinator has no local fragment of its own (assignment is
// mutually exclusive), so this never races with the snapshot Wait takes
// from the local executor.
func (c *Coordinator) mergeInsertExecStatus(ins *InsertExecStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, v := range ins.NumAppendedRows {
		c.partitionRowCounts[k] += v
	}
	for src, dst := range ins.FilesToMove {
		c.filesToMove[src] = dst
	}
	for k, v := range ins.InsertStats {
		c.partitionInsertStats[k] = v
	}
}

// isIgnorableLateCancellation reports whether an incoming CANCELLED
// status should be dropped rather than adopted: once the client has
// consumed every result row from the local fragment, a worker reporting
// CANCELLED is the expected shutdown path, not a new failure.
func (c *Coordinator) isIgnorableLateCancellation(st Status) bool {
	if st.Code != CodeCancelled {
		return false
	}
	c.waitMu.Lock()
	defer c.waitMu.Unlock()
	return c.returnedAllResults
}

// WriteSideEffects returns the coordinator-owned write-side aggregates
// built up from backend (or local fragment) reports, for the finalizer
// to consume. Only meaningful once Wait has returned.
func (c *Coordinator) WriteSideEffects() (rowCounts map[string]int64, filesToMove map[string]string, insertStats map[string]PartitionInsertStat) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.partitionRowCounts, c.filesToMove, c.partitionInsertStats
}

func (c *Coordinator) stateForReport(backendNum int32) *BackendExecState {
	for _, st := range c.states {
		if st.BackendNum == backendNum {
			return st
		}
	}
	return nil
}

// debugActionClauseFor reconstructs the comma-separated debug_action
// clauses that apply to backendNum, in the wire grammar a backend parses
// them back out of ("node_id:phase:action" or
// "backend_num:node_id:phase:action"), since the schedule stores them
// already parsed but the RPC request carries them as the original string.
func debugActionClauseFor(actions []schedule.DebugAction, backendNum int32) string {
	var clauses []string
	for _, a := range actions {
		if !a.AppliesTo(backendNum) {
			continue
		}
		if a.BackendNum < 0 {
			clauses = append(clauses, fmt.Sprintf("%d:%s:%s", a.NodeID, a.Phase, a.Action))
		} else {
			clauses = append(clauses, fmt.Sprintf("%d:%d:%s:%s", a.BackendNum, a.NodeID, a.Phase, a.Action))
		}
	}
	if len(clauses) == 0 {
		return ""
	}
	out := clauses[0]
	for _, c := range clauses[1:] {
		out += "," + c
	}
	return out
}

// appendCoordError records a coordinator-local failure (the local
// fragment's Prepare/Open, or the finalizer) so GetErrorLog surfaces it
// alongside the per-backend error logs; adoptQueryStatus alone would
// otherwise leave the failure's message visible only in query_status,
// not in the diagnostic error log a failed query's client reads.
func (c *Coordinator) appendCoordError(msg string) {
	c.mu.Lock()
	c.coordErrorLog = append(c.coordErrorLog, msg)
	c.mu.Unlock()
}

// GetErrorLog returns every accumulated error line across every backend,
// plus any coordinator-local errors (local fragment, finalizer), for
// inclusion in a failed query's diagnostic output.
func (c *Coordinator) GetErrorLog() []string {
	var out []string

	c.mu.Lock()
	out = append(out, c.coordErrorLog...)
	c.mu.Unlock()

	for _, st := range c.states {
		out = append(out, st.errorLogLines()...)
	}
	return out
}
