package coordinator

import (
	"sync"
	"time"

	"github.com/qcoord/coordinator/pkg/profile"
	"github.com/qcoord/coordinator/pkg/queryid"
	"github.com/qcoord/coordinator/pkg/schedule"
)

// aggregateCounterRefs is the pair of per-node counter names tracked for
// every scan node a state's status reports reveal. They are registered
// into the query-wide profile as derived (pull-based) counters only when
// the summary is built (registerScanNodeCounters in summary.go).
type aggregateCounterRefs struct {
	throughputCounter  string
	rangesDoneCounter  string
}

// peakMemoryCounterName is the profile counter a backend's status
// reports are expected to carry its current memory usage under.
// applyReport reads it off each report for UpdateFragmentExecStatus to
// feed PeakMemoryTracker; summary.go reads it only from the local
// fragment's profile.
const peakMemoryCounterName = "memory_usage"

// BackendExecState is the coordinator's per-fragment-instance state. It
// carries no reference back to its owning Coordinator once constructed:
// data flows from state to Coordinator only through the status-report
// path, identified by BackendNum, per the arena-of-leaves design the
// lock ordering requires.
type BackendExecState struct {
	mu sync.Mutex

	InstanceID  queryid.FragmentInstanceID
	BackendAddr string
	FragmentIdx int
	BackendNum  int32

	request        *schedule.InstanceExecParams
	totalSplitSize int64

	status         Status
	initiated      bool
	done           bool
	profileCreated bool
	profile        *profile.Node
	errorLog       []string

	aggregateCounters    map[int32]aggregateCounterRefs
	rangesCompleteByNode map[int32]int64
	bytesReadByNode      map[int32]int64
	totalRangesComplete  int64

	startTime time.Time
	stopTime  time.Time
}

// newBackendExecState allocates a state for one fragment instance. It is
// always created by the Coordinator in New, before Exec runs, in the
// `created` state of the per-backend state machine.
func newBackendExecState(fragmentIdx int, backendNum int32, inst schedule.InstanceExecParams) *BackendExecState {
	return &BackendExecState{
		InstanceID:        inst.InstanceID,
		BackendAddr:       inst.BackendAddr,
		FragmentIdx:       fragmentIdx,
		BackendNum:        backendNum,
		request:           &inst,
		totalSplitSize:    sumScans(inst.PerNodeScans),
		status:               OK,
		profile:              profile.NewNode("instance"),
		aggregateCounters:    make(map[int32]aggregateCounterRefs),
		rangesCompleteByNode: make(map[int32]int64),
		bytesReadByNode:      make(map[int32]int64),
	}
}

func sumScans(perNode map[int32]int64) int64 {
	var total int64
	for _, v := range perNode {
		total += v
	}
	return total
}

// markInitiated records a successful start RPC and starts the stopwatch.
// Called by the RPC fan-out driver under the state's own lock.
func (s *BackendExecState) markInitiated() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initiated = true
	s.startTime = time.Now()
}

// markStartFailed adopts a transport/worker failure from the start RPC
// itself (never initiated).
func (s *BackendExecState) markStartFailed(err Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = FirstNonOK(s.status, err)
	s.done = true
}

// snapshotStatus returns the state's current status and done flag.
func (s *BackendExecState) snapshotStatus() (Status, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status, s.done
}

// isInitiated reports whether the start RPC for this instance has
// already succeeded.
func (s *BackendExecState) isInitiated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initiated
}

// markCancelRequested sets status to CANCELLED if it is still OK, making
// repeated Cancel calls idempotent (issuing at most one cancel RPC per
// instance). It reports whether a cancel RPC should actually be sent:
// true only the first time an initiated, not-yet-done instance is
// cancelled.
func (s *BackendExecState) markCancelRequested() (shouldSendRPC bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initiated || s.done {
		return false
	}
	if !s.status.IsOK() {
		// Already cancelled or failed by some other path; Cancel is
		// idempotent, so don't fire a second RPC.
		return false
	}
	s.status = Cancelled
	return true
}

// noteCancelRPCFailure appends a message to the state's status without
// overriding its code, used when a cancel RPC itself fails but the state
// is already marked CANCELLED.
func (s *BackendExecState) noteCancelRPCFailure(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = s.status.Append(msg)
}

// errorLogLines returns a copy of the accumulated error log, guarded by
// the state's own lock as GetErrorLog requires.
func (s *BackendExecState) errorLogLines() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.errorLog...)
}

// ExecStatusReport is the coordinator-internal representation of one
// status update from a backend, already decoded from the wire request by
// the gRPC server adapter.
type ExecStatusReport struct {
	BackendNum              int32
	Status                  Status
	Done                    bool
	ProfileDelta            *profile.Node
	ErrorLog                []string
	ScanRangesCompleteDelta map[int32]int64 // plan node id -> scan ranges completed
	BytesReadDelta          map[int32]int64 // plan node id -> bytes read
	Insert                  *InsertExecStatus
}

// InsertExecStatus carries the write-side side effects reported by one
// backend on completion of an insert/CTAS fragment instance.
type InsertExecStatus struct {
	NumAppendedRows map[string]int64         // partition key -> rows appended
	FilesToMove     map[string]string        // staged path -> final path ("" dest means "delete this staging dir")
	InsertStats     map[string]PartitionInsertStat
}

// PartitionInsertStat is the minimal per-partition write statistic this
// module tracks; the original engine's equivalent blob is backend
// specific and out of scope to replicate in full.
type PartitionInsertStat struct {
	NumModifiedRows int64
}

// applyReport applies the per-state portion of UpdateFragmentExecStatus
// (everything done under the state's own lock, per the spec's lock
// ordering: status adoption, done, profile merge, counter discovery,
// error log, and the scan-range delta). It returns the scan-range delta
// to feed into the coordinator's progress tracker, this report's
// memory-usage reading (0 if it didn't carry one), and whether this
// call transitioned the state to done (so the caller can decide whether
// to decrement num_remaining_backends).
func (s *BackendExecState) applyReport(r ExecStatusReport) (scanDelta int64, memUsage int64, justCompleted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wasOK := s.status.IsOK()
	s.status = FirstNonOK(s.status, r.Status)
	wasDone := s.done
	s.done = r.Done

	if wasOK && s.status.IsOK() && r.ProfileDelta != nil {
		s.profile.Merge(r.ProfileDelta)

		if !s.profileCreated {
			s.profileCreated = true
			for nodeID := range r.ScanRangesCompleteDelta {
				s.aggregateCounters[nodeID] = aggregateCounterRefs{
					throughputCounter: "total_bytes_read",
					rangesDoneCounter: "scan_ranges_complete",
				}
			}
			for nodeID := range r.BytesReadDelta {
				if _, ok := s.aggregateCounters[nodeID]; !ok {
					s.aggregateCounters[nodeID] = aggregateCounterRefs{
						throughputCounter: "total_bytes_read",
						rangesDoneCounter: "scan_ranges_complete",
					}
				}
			}
		}
	}

	s.errorLog = append(s.errorLog, r.ErrorLog...)

	for nodeID, delta := range r.ScanRangesCompleteDelta {
		scanDelta += delta
		s.rangesCompleteByNode[nodeID] += delta
	}
	for nodeID, delta := range r.BytesReadDelta {
		s.bytesReadByNode[nodeID] += delta
	}
	s.totalRangesComplete += scanDelta

	if s.done && s.stopTime.IsZero() {
		s.stopTime = time.Now()
	}

	// memory_usage is a point-in-time gauge, not an accumulating delta,
	// so it's read straight off this report rather than off s.profile:
	// Merge sums same-named counters across reports, which is correct
	// for additive counters like bytes read but would keep inflating a
	// gauge instead of reflecting its latest reading.
	if r.ProfileDelta != nil {
		memUsage, _ = r.ProfileDelta.Counter(peakMemoryCounterName)
	}

	return scanDelta, memUsage, s.done && !wasDone
}

// knownNodeIDs returns the scan node ids this state has discovered
// counters for, so the summary pass knows which per-node derived
// counters to register.
func (s *BackendExecState) knownNodeIDs() []int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int32, 0, len(s.aggregateCounters))
	for id := range s.aggregateCounters {
		ids = append(ids, id)
	}
	return ids
}

// snapshotNodeCounters reads this state's current scan-ranges-complete
// and bytes-read totals for one scan node, under the state's own lock.
// Callers combine the result across states outside that lock, matching
// the spec's "read under the backend's lock, then dereference outside
// it" rule for aggregating per-node counters.
func (s *BackendExecState) snapshotNodeCounters(nodeID int32) (rangesComplete, bytesRead int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rangesCompleteByNode[nodeID], s.bytesReadByNode[nodeID]
}

// elapsed returns how long the instance ran, from successful start RPC
// to terminal report. Zero if either endpoint hasn't happened yet.
func (s *BackendExecState) elapsed() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startTime.IsZero() || s.stopTime.IsZero() {
		return 0
	}
	return s.stopTime.Sub(s.startTime)
}
