package profile

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddChildIsIdempotentByIdentity(t *testing.T) {
	parent := NewNode("fragment 1")
	child := NewNode("instance 0")

	parent.AddChild(child)
	parent.AddChild(child)
	parent.AddChild(child)

	assert.Len(t, parent.Children, 1)
}

func TestMergeSumsCounters(t *testing.T) {
	cumulative := NewNode("cumulative")
	cumulative.AddCounter("rows_read", 10, "")

	update := NewNode("update")
	update.AddCounter("rows_read", 5, "")
	update.AddCounter("bytes_read", 1024, "bytes")

	cumulative.Merge(update)

	v, ok := cumulative.Counter("rows_read")
	require.True(t, ok)
	assert.Equal(t, int64(15), v)

	v, ok = cumulative.Counter("bytes_read")
	require.True(t, ok)
	assert.Equal(t, int64(1024), v)
}

func TestAveragedNodeRunningAverage(t *testing.T) {
	avg := NewAveragedNode("fragment 1 averaged")

	inst0 := NewNode("instance 0")
	inst0.AddCounter("rows_read", 100, "")
	inst1 := NewNode("instance 1")
	inst1.AddCounter("rows_read", 200, "")

	avg.Update(inst0)
	v, ok := avg.Counter("rows_read")
	require.True(t, ok)
	assert.Equal(t, int64(100), v)

	avg.Update(inst1)
	v, ok = avg.Counter("rows_read")
	require.True(t, ok)
	assert.Equal(t, int64(150), v)
}

func TestDerivedCounterPullsAtReadTime(t *testing.T) {
	n := NewNode("scan node 3")
	calls := 0
	n.RegisterDerivedCounter("total_scan_ranges_complete", func() int64 {
		calls++
		return 42
	})

	assert.Equal(t, 0, calls)
	v, ok := n.Derived("total_scan_ranges_complete")
	require.True(t, ok)
	assert.Equal(t, int64(42), v)
	assert.Equal(t, 1, calls)
}

func TestSortChildrenByWallClockDescending(t *testing.T) {
	root := NewNode("query")
	slow := NewNode("fragment 0")
	slow.AddCounter("total_time_ns", 5000, "")
	fast := NewNode("fragment 1")
	fast.AddCounter("total_time_ns", 100, "")

	root.AddChild(fast)
	root.AddChild(slow)
	root.SortChildrenByWallClockDescending()

	require.Len(t, root.Children, 2)
	assert.Equal(t, "fragment 0", root.Children[0].Name)
	assert.Equal(t, "fragment 1", root.Children[1].Name)
}

func TestSummarizeMinMaxMeanStdDev(t *testing.T) {
	stats := Summarize([]float64{1, 2, 3, 4, 5})
	assert.Equal(t, 1.0, stats.Min)
	assert.Equal(t, 5.0, stats.Max)
	assert.Equal(t, 3.0, stats.Mean)
	assert.InDelta(t, 1.4142, stats.StdDev, 0.001)
}

func TestSummarizeEmpty(t *testing.T) {
	stats := Summarize(nil)
	assert.Equal(t, SummaryStats{}, stats)
}
