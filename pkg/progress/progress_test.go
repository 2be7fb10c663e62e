package progress

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestScanRangeTrackerAccumulatesDeltas(t *testing.T) {
	tr := NewScanRangeTracker(1000)

	tr.AddDelta(100)
	tr.AddDelta(250)
	tr.AddDelta(-10) // negative deltas (out-of-order reports) are ignored

	complete, total := tr.Report()
	assert.Equal(t, int64(350), complete)
	assert.Equal(t, int64(1000), total)
}

func TestPeakMemoryTrackerPerHost(t *testing.T) {
	tr := NewPeakMemoryTracker()

	tr.Track("host-a:9000", 100)
	tr.Track("host-a:9000", 500)
	tr.Track("host-a:9000", 300)
	tr.Track("host-b:9000", 50)

	peaks := tr.PerHostPeaks()
	assert.Equal(t, int64(500), peaks["host-a:9000"])
	assert.Equal(t, int64(50), peaks["host-b:9000"])
}
