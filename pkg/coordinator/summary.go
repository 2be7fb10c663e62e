package coordinator

import (
	"fmt"
	"sort"

	"github.com/qcoord/coordinator/pkg/profile"
)

// localFragmentHost is the peak-memory host key used for the local
// coordinator fragment's own memory usage: QuerySchedule carries no
// coordinator-address field to key it by the way remote backends are
// keyed by BackendAddr.
const localFragmentHost = "coordinator"

// QuerySummary is the final, read-only view of a completed query: its
// outcome, its aggregated profile tree, and the peak memory and scan
// progress recorded along the way. Building one is the only place this
// package touches every BackendExecState's profile at once; the spec
// requires it happen exactly once, after Wait has returned.
type QuerySummary struct {
	Status       Status
	Profile      *profile.Node
	PeakMemory   map[string]int64
	ScanComplete int64
	ScanTotal    int64
}

// ReportQuerySummary builds the query's final profile by, for each
// fragment, averaging every instance's final profile into that
// fragment's AveragedNode and grouping the raw per-instance profiles
// under it, then attaching both to the query-wide root and sorting
// fragments by wall-clock time. It must only be called after Wait has
// returned: building the average incrementally as reports arrive would
// race with a backend's last-minute profile update, which is why this
// pass iterates every state's already-final profile instead.
func (c *Coordinator) ReportQuerySummary() *QuerySummary {
	c.mu.Lock()
	status := c.queryStatus
	c.mu.Unlock()

	root := profile.NewNode("query")

	for _, group := range c.fragmentGroupsInOrder() {
		var completionTimes []float64
		var byteRates []float64

		for _, st := range c.statesInFragment(group.fragmentIdx) {
			group.averaged.Update(st.profile)

			elapsed := st.elapsed()
			if elapsed > 0 {
				completionTimes = append(completionTimes, elapsed.Seconds())
				if st.totalSplitSize > 0 {
					byteRates = append(byteRates, float64(st.totalSplitSize)/elapsed.Seconds())
				}
			}
		}

		if len(completionTimes) > 0 {
			stats := profile.Summarize(completionTimes)
			group.averaged.SetInfo("completion_times", stats.String())
		}
		if len(byteRates) > 0 {
			stats := profile.Summarize(byteRates)
			group.averaged.SetInfo("execution_rates", stats.String())
		}

		root.AddChild(group.averaged.Node)
		root.AddChild(group.grouping)
	}

	// The local (coordinator) fragment has exactly one instance, running
	// in this process rather than reported over RPC, so there is nothing
	// to average: fragment 0's representative node in the query profile
	// is the local executor's own profile, the same object, not a copy.
	if c.local != nil {
		localProfile := c.local.Profile()
		localGrouping := profile.NewNode(fmt.Sprintf("Fragment %d", c.localFragmentIdx))
		localGrouping.AddChild(localProfile)
		root.AddChild(localProfile)
		root.AddChild(localGrouping)
	}

	root.SortChildrenByWallClockDescending()

	complete, total := c.scanProgress.Report()
	root.RegisterDerivedCounter("total_scan_ranges_complete", func() int64 {
		done, _ := c.scanProgress.Report()
		return done
	})
	c.registerScanNodeCounters(root)

	if c.local != nil {
		if mem, ok := c.local.Profile().Counter(peakMemoryCounterName); ok && mem > 0 {
			c.peakMemory.Track(localFragmentHost, mem)
		}
	}

	return &QuerySummary{
		Status:       status,
		Profile:      root,
		PeakMemory:   c.peakMemory.PerHostPeaks(),
		ScanComplete: complete,
		ScanTotal:    total,
	}
}

// registerScanNodeCounters registers, for every scan node any backend has
// reported counters for, a pair of derived counters summing that node's
// total scan ranges complete and total bytes read across every backend
// running it. Each closure reads a state's per-node totals under that
// state's own lock (BackendExecState.snapshotNodeCounters) and sums
// outside it, matching the lock discipline the per-node aggregation
// requires. Registration happens here, at summary-build time, rather
// than up front at Exec time, since the derived-counter mechanism is
// pull-based and this package never consults it before a summary is
// built anyway.
func (c *Coordinator) registerScanNodeCounters(root *profile.Node) {
	nodeSet := make(map[int32]struct{})
	for _, st := range c.states {
		for _, id := range st.knownNodeIDs() {
			nodeSet[id] = struct{}{}
		}
	}

	nodeIDs := make([]int32, 0, len(nodeSet))
	for id := range nodeSet {
		nodeIDs = append(nodeIDs, id)
	}
	sort.Slice(nodeIDs, func(i, j int) bool { return nodeIDs[i] < nodeIDs[j] })

	for _, nodeID := range nodeIDs {
		nodeID := nodeID
		root.RegisterDerivedCounter(fmt.Sprintf("scan_node_%d_total_scan_ranges_complete", nodeID), func() int64 {
			var total int64
			for _, st := range c.states {
				ranges, _ := st.snapshotNodeCounters(nodeID)
				total += ranges
			}
			return total
		})
		root.RegisterDerivedCounter(fmt.Sprintf("scan_node_%d_total_bytes_read", nodeID), func() int64 {
			var total int64
			for _, st := range c.states {
				_, bytes := st.snapshotNodeCounters(nodeID)
				total += bytes
			}
			return total
		})
	}
}

// fragmentGroupsInOrder returns the query's fragment profile groups
// sorted by fragment index, so summary output is deterministic.
func (c *Coordinator) fragmentGroupsInOrder() []*fragmentProfileGroup {
	c.mu.Lock()
	defer c.mu.Unlock()

	groups := make([]*fragmentProfileGroup, 0, len(c.fragmentGroups))
	for _, g := range c.fragmentGroups {
		groups = append(groups, g)
	}
	for i := 1; i < len(groups); i++ {
		for j := i; j > 0 && groups[j].fragmentIdx < groups[j-1].fragmentIdx; j-- {
			groups[j], groups[j-1] = groups[j-1], groups[j]
		}
	}
	return groups
}

func (c *Coordinator) statesInFragment(fragmentIdx int) []*BackendExecState {
	var out []*BackendExecState
	for _, st := range c.states {
		if st.FragmentIdx == fragmentIdx {
			out = append(out, st)
		}
	}
	return out
}

// String renders a human-readable rendition of the summary, the way a
// query profile would be printed to a client's debug log.
func (s *QuerySummary) String() string {
	header := fmt.Sprintf("status=%s scan=%d/%d\n", s.Status.Code, s.ScanComplete, s.ScanTotal)
	return header + s.Profile.String()
}
