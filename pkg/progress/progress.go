// Package progress tracks scan-range completion and per-host peak memory
// for a running query, both fed by per-backend status reports and read
// by the profile summary.
package progress

import (
	"sync"

	"go.uber.org/atomic"

	qmath "github.com/qcoord/coordinator/pkg/util/math"
)

// ScanRangeTracker accumulates completed scan ranges toward a total fixed
// when the tracker is built (in coordinator.New) from the schedule's
// assigned byte ranges.
type ScanRangeTracker struct {
	total    int64
	complete atomic.Int64
}

// NewScanRangeTracker seeds the tracker with the total scan bytes
// assigned across the whole query, as computed from the QuerySchedule.
func NewScanRangeTracker(total int64) *ScanRangeTracker {
	return &ScanRangeTracker{total: total}
}

// AddDelta records newly completed scan bytes reported by one backend's
// status update (the delta since that backend's last report, not its
// cumulative total).
func (t *ScanRangeTracker) AddDelta(delta int64) {
	if delta <= 0 {
		return
	}
	t.complete.Add(delta)
}

// Report returns (complete, total) scan bytes for the query so far.
func (t *ScanRangeTracker) Report() (complete, total int64) {
	return t.complete.Load(), t.total
}

// PeakMemoryTracker records the per-host peak memory usage counter found
// in each backend's profile, keyed by backend address (including the
// coordinator's own host, when a local fragment ran).
type PeakMemoryTracker struct {
	mu       sync.Mutex
	perHost  map[string]*qmath.MaxTracker
}

// NewPeakMemoryTracker creates an empty per-host peak memory tracker.
func NewPeakMemoryTracker() *PeakMemoryTracker {
	return &PeakMemoryTracker{perHost: make(map[string]*qmath.MaxTracker)}
}

// Track records a memory-usage sample for host.
func (p *PeakMemoryTracker) Track(host string, memUsage int64) {
	p.mu.Lock()
	t, ok := p.perHost[host]
	if !ok {
		t = &qmath.MaxTracker{}
		p.perHost[host] = t
	}
	p.mu.Unlock()
	t.Track(memUsage)
}

// PerHostPeaks returns a snapshot of peak memory usage, by host.
func (p *PeakMemoryTracker) PerHostPeaks() map[string]int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]int64, len(p.perHost))
	for host, t := range p.perHost {
		out[host] = t.Load()
	}
	return out
}
