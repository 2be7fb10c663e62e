// Package profile implements the coordinator's hierarchical profile
// tree: named counters collected from worker status reports, averaged
// per fragment, and summarized with derived (pull-based) counters and
// min/max/mean/stddev statistics.
package profile

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
)

// Counter is one named, monotonically accumulating value in a profile.
type Counter struct {
	Name  string
	Value int64
	// Unit labels the counter for display only ("bytes", "rows", "", ...).
	Unit string
}

// DerivedCounterFunc computes a counter's current value on demand, pulled
// at summary time rather than pushed on every update. Implementations
// read their backing sources (BackendExecState counters, the local
// executor's profile) under whatever lock those sources require and
// return a plain value.
type DerivedCounterFunc func() int64

// Node is one level of the profile tree: a named group of counters,
// string-valued info entries, and child nodes. It is mutated by a single
// producer (the status-report handler for its owning BackendExecState)
// and read by the summary pass once that producer is known to be done,
// per the coordinator's "profile updates stop once done" discipline.
type Node struct {
	mu sync.Mutex

	Name     string
	Counters map[string]*Counter
	Info     map[string]string
	Children []*Node

	derived map[string]DerivedCounterFunc
}

// NewNode creates an empty profile node.
func NewNode(name string) *Node {
	return &Node{
		Name:     name,
		Counters: make(map[string]*Counter),
		Info:     make(map[string]string),
		derived:  make(map[string]DerivedCounterFunc),
	}
}

// AddCounter registers (or overwrites) a plain counter.
func (n *Node) AddCounter(name string, value int64, unit string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.Counters[name] = &Counter{Name: name, Value: value, Unit: unit}
}

// RegisterDerivedCounter registers a pull-based counter computed from fn
// at read time, rather than stored. Used for query-wide totals like
// "total scan ranges complete" that sum across every backend.
func (n *Node) RegisterDerivedCounter(name string, fn DerivedCounterFunc) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.derived[name] = fn
}

// Counter returns a plain counter's value and whether it exists.
func (n *Node) Counter(name string) (int64, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	c, ok := n.Counters[name]
	if !ok {
		return 0, false
	}
	return c.Value, true
}

// Derived evaluates a registered derived counter. The callback itself
// runs outside n's lock, since it may need to acquire locks belonging to
// other nodes (e.g. each BackendExecState's own lock).
func (n *Node) Derived(name string) (int64, bool) {
	n.mu.Lock()
	fn, ok := n.derived[name]
	n.mu.Unlock()
	if !ok {
		return 0, false
	}
	return fn(), true
}

// SetInfo sets a string-valued info entry (used for the summary stats
// rendered onto the averaged profile).
func (n *Node) SetInfo(key, value string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.Info[key] = value
}

// AddChild appends child under n. Idempotent by pointer identity: adding
// the same *Node twice is a no-op, matching the spec's requirement that
// re-inserting a raw profile as a grouping child is safe to repeat.
func (n *Node) AddChild(child *Node) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, c := range n.Children {
		if c == child {
			return
		}
	}
	n.Children = append(n.Children, child)
}

// TotalWallClockNanos returns the node's own "total_time_ns" counter, or
// zero if it never set one. Used to sort grouping children by wall time.
func (n *Node) TotalWallClockNanos() int64 {
	v, _ := n.Counter("total_time_ns")
	return v
}

// SortChildrenByWallClockDescending orders n's children by descending
// total wall-clock time. The spec notes this races with any in-flight
// profile update on those children; by the time ReportQuerySummary calls
// this, every contributing backend is done and no further update will
// arrive for them (the race exists only if that invariant is violated,
// which is a documented open question, not something this code repairs).
func (n *Node) SortChildrenByWallClockDescending() {
	n.mu.Lock()
	defer n.mu.Unlock()
	sort.SliceStable(n.Children, func(i, j int) bool {
		return n.Children[i].TotalWallClockNanos() > n.Children[j].TotalWallClockNanos()
	})
}

// Merge folds other's counters into n by addition, used to fold a raw
// per-instance profile update into a cumulative one.
func (n *Node) Merge(other *Node) {
	other.mu.Lock()
	snapshot := make(map[string]int64, len(other.Counters))
	for name, c := range other.Counters {
		snapshot[name] = c.Value
	}
	other.mu.Unlock()

	n.mu.Lock()
	defer n.mu.Unlock()
	for name, v := range snapshot {
		if existing, ok := n.Counters[name]; ok {
			existing.Value += v
		} else {
			n.Counters[name] = &Counter{Name: name, Value: v}
		}
	}
}

// String renders the node and its children as an indented tree, the way
// a debug UI would display a query profile.
func (n *Node) String() string {
	var sb strings.Builder
	n.render(&sb, 0)
	return sb.String()
}

func (n *Node) render(sb *strings.Builder, depth int) {
	n.mu.Lock()
	indent := strings.Repeat("  ", depth)
	fmt.Fprintf(sb, "%s%s:\n", indent, n.Name)

	names := make([]string, 0, len(n.Counters))
	for name := range n.Counters {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		c := n.Counters[name]
		if c.Unit == "bytes" {
			fmt.Fprintf(sb, "%s  - %s: %s\n", indent, name, humanize.Bytes(uint64(c.Value)))
		} else {
			fmt.Fprintf(sb, "%s  - %s: %d%s\n", indent, name, c.Value, c.Unit)
		}
	}

	infoKeys := make([]string, 0, len(n.Info))
	for k := range n.Info {
		infoKeys = append(infoKeys, k)
	}
	sort.Strings(infoKeys)
	for _, k := range infoKeys {
		fmt.Fprintf(sb, "%s  (%s: %s)\n", indent, k, n.Info[k])
	}

	children := append([]*Node(nil), n.Children...)
	n.mu.Unlock()

	for _, c := range children {
		c.render(sb, depth+1)
	}
}

// AveragedNode is a profile node whose counters are the running average
// of however many raw instance profiles have been folded into it so far.
type AveragedNode struct {
	*Node

	mu    sync.Mutex
	count int
	sums  map[string]float64
}

// NewAveragedNode creates an empty averaged profile node.
func NewAveragedNode(name string) *AveragedNode {
	return &AveragedNode{
		Node: NewNode(name),
		sums: make(map[string]float64),
	}
}

// Update folds one more raw instance profile into the running average.
func (a *AveragedNode) Update(raw *Node) {
	raw.mu.Lock()
	snapshot := make(map[string]int64, len(raw.Counters))
	for name, c := range raw.Counters {
		snapshot[name] = c.Value
	}
	raw.mu.Unlock()

	a.mu.Lock()
	a.count++
	for name, v := range snapshot {
		a.sums[name] += float64(v)
	}
	count := a.count
	sums := make(map[string]float64, len(a.sums))
	for k, v := range a.sums {
		sums[k] = v
	}
	a.mu.Unlock()

	for name, sum := range sums {
		a.Node.AddCounter(name, int64(sum/float64(count)), "")
	}
}

// SummaryStats computes min/max/mean/stddev over a set of samples, used
// both for per-fragment completion times and per-instance byte rates.
type SummaryStats struct {
	Min, Max, Mean, StdDev float64
	Count                  int
}

// Summarize computes SummaryStats over samples. An empty input yields
// the zero value.
func Summarize(samples []float64) SummaryStats {
	if len(samples) == 0 {
		return SummaryStats{}
	}

	s := SummaryStats{Count: len(samples), Min: samples[0], Max: samples[0]}
	var sum float64
	for _, v := range samples {
		if v < s.Min {
			s.Min = v
		}
		if v > s.Max {
			s.Max = v
		}
		sum += v
	}
	s.Mean = sum / float64(len(samples))

	var sqDiff float64
	for _, v := range samples {
		d := v - s.Mean
		sqDiff += d * d
	}
	s.StdDev = math.Sqrt(sqDiff / float64(len(samples)))

	return s
}

// String renders stats the way they are attached as info nodes:
// "min=.. max=.. mean=.. stddev=.. (n=..)".
func (s SummaryStats) String() string {
	return fmt.Sprintf("min=%.3f max=%.3f mean=%.3f stddev=%.3f (n=%d)", s.Min, s.Max, s.Mean, s.StdDev, s.Count)
}
