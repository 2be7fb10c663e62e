// Package schedule defines the inputs the coordinator is handed by an
// external plan compiler and scheduler: which fragments exist, which
// backend runs which instance, and what scan ranges each instance owns.
// Nothing in this package computes a schedule; it only models one.
package schedule

import (
	"github.com/qcoord/coordinator/pkg/coordinatorpb"
	"github.com/qcoord/coordinator/pkg/queryid"
)

// PlanFragment is one node of the distributed plan tree, as produced by
// the (out of scope) plan compiler.
type PlanFragment struct {
	Idx          int
	PlanBytes    []byte
	IsCoordinatorFragment bool // true for the single fragment executed locally, if any
}

// FragmentExecParams names the backends assigned to run one fragment and
// the per-instance scan ranges and destinations the scheduler assigned
// to each of them.
type FragmentExecParams struct {
	Fragment  PlanFragment
	Instances []InstanceExecParams
}

// InstanceExecParams is one fragment instance's assignment: which
// backend runs it and what data it is responsible for.
type InstanceExecParams struct {
	InstanceID   queryid.FragmentInstanceID
	BackendNum   int32
	BackendAddr  string
	PerNodeScans map[int32]int64
}

// QuerySchedule is the complete, externally computed execution plan for
// one query: every fragment, every instance, and the debug actions (if
// any) to inject during execution.
type QuerySchedule struct {
	QueryID       queryid.QueryID
	Fragments     []FragmentExecParams
	DebugActions  []DebugAction
	NeedsFinalize bool   // true for INSERT/CREATE TABLE AS SELECT queries with staged output
	StagingDir    string // root of the staged output, when NeedsFinalize
	FinalizeDir   string // final published output location, when NeedsFinalize
	Overwrite     bool   // true for INSERT OVERWRITE / CREATE TABLE AS SELECT, false for plain INSERT
}

// TotalScanBytes sums the scan ranges assigned across every instance of
// every fragment, used to seed progress tracking when a Coordinator is
// built.
func (s QuerySchedule) TotalScanBytes() int64 {
	var total int64
	for _, f := range s.Fragments {
		for _, inst := range f.Instances {
			for _, bytes := range inst.PerNodeScans {
				total += bytes
			}
		}
	}
	return total
}

// ToRequest builds the RPC request a backend needs to start one instance
// of one fragment.
func ToRequest(query queryid.QueryID, fragment PlanFragment, inst InstanceExecParams, debugAction string) *coordinatorpb.ExecPlanFragmentRequest {
	return &coordinatorpb.ExecPlanFragmentRequest{
		QueryID: query,
		FragmentInstance: coordinatorpb.FragmentInstanceParams{
			InstanceID:   inst.InstanceID,
			FragmentIdx:  fragment.Idx,
			BackendNum:   inst.BackendNum,
			Fragment:     coordinatorpb.PlanFragment{FragmentIdx: fragment.Idx, PlanBytes: fragment.PlanBytes},
			PerNodeScans: inst.PerNodeScans,
		},
		DebugAction: debugAction,
	}
}
