package execenv

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/qcoord/coordinator/pkg/queryid"
	"github.com/qcoord/coordinator/pkg/schedule"
)

func testSchedule(qid queryid.QueryID, needsFinalize bool) schedule.QuerySchedule {
	return schedule.QuerySchedule{
		QueryID: qid,
		Fragments: []schedule.FragmentExecParams{
			{
				Fragment: schedule.PlanFragment{Idx: 0},
				Instances: []schedule.InstanceExecParams{
					{InstanceID: queryid.ChildFragmentInstanceID(qid, 0, 0), BackendNum: 0, BackendAddr: "backend-0:9999"},
				},
			},
		},
		NeedsFinalize: needsFinalize,
		StagingDir:    "/staging",
		FinalizeDir:   "/warehouse/t",
		Overwrite:     true,
	}
}

func TestNewCoordinatorWithoutFinalize(t *testing.T) {
	env := New(Config{FinalizeWorkers: 1}, nil, nil)
	qid := queryid.New()

	c := env.NewCoordinator(testSchedule(qid, false), nil)
	require.NotNil(t, c)

	registered, ok := env.Registry.Lookup(qid)
	require.True(t, ok)
	require.Same(t, c, registered)
}

func TestNewCoordinatorWiresFinalizer(t *testing.T) {
	env := New(Config{FinalizeWorkers: 1}, nil, nil)
	qid := queryid.New()

	c := env.NewCoordinator(testSchedule(qid, true), nil)
	require.NotNil(t, c)

	// No backend ever reports completion, so Wait blocks until ctx is
	// cancelled; this only asserts that wiring a finalizer in doesn't
	// break construction or panic Wait's setup path.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := c.Wait(ctx)
	require.Error(t, err)
}
