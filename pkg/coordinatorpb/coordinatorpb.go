// Package coordinatorpb defines the wire-level request/response types
// for the two RPC surfaces the coordinator exposes to, and consumes
// from, backend workers. In a full build these would be generated from
// a .proto file; here they are hand-written plain Go structs carrying
// the same fields, since no protobuf toolchain runs as part of this
// exercise.
package coordinatorpb

import (
	"github.com/qcoord/coordinator/pkg/queryid"
)

// PlanFragment is the serialized, backend-opaque execution plan for one
// fragment instance. The coordinator never interprets its contents; it
// only routes it to the assigned backend.
type PlanFragment struct {
	FragmentIdx int
	PlanBytes   []byte
}

// ExecPlanFragmentRequest asks a backend to start executing one fragment
// instance of a query.
type ExecPlanFragmentRequest struct {
	QueryID          queryid.QueryID
	FragmentInstance FragmentInstanceParams
	DebugAction      string
}

// FragmentInstanceParams carries everything a backend needs to start a
// fragment instance: its identity, the plan to run, and the scan ranges
// and destinations assigned to it by the external scheduler.
type FragmentInstanceParams struct {
	InstanceID   queryid.FragmentInstanceID
	FragmentIdx  int
	BackendNum   int32
	Fragment     PlanFragment
	PerNodeScans map[int32]int64 // plan node id -> assigned scan bytes, used for progress totals
}

// ExecPlanFragmentResponse is the immediate (synchronous) reply to a
// start request; asynchronous progress/errors arrive via ReportExecStatus.
type ExecPlanFragmentResponse struct {
	Accepted bool
	Error    string
}

// CancelPlanFragmentRequest asks a backend to cancel one fragment
// instance. InstanceID, not just QueryID, is required: a single backend
// can be running instances of more than one fragment of the same query,
// and cancelling must target one of them, not "everything this backend
// runs for the query."
type CancelPlanFragmentRequest struct {
	QueryID    queryid.QueryID
	InstanceID queryid.FragmentInstanceID
}

// CancelPlanFragmentResponse is the reply to a cancel request.
type CancelPlanFragmentResponse struct {
	Error string
}

// StatusCode mirrors the coordinator's own error taxonomy so backends
// can report failures without depending on the coordinator package.
type StatusCode int32

const (
	StatusOK StatusCode = iota
	StatusCancelled
	StatusInternal
	StatusWorker
)

// ReportExecStatusRequest is sent by a backend every time a fragment
// instance's status, profile, or completion state changes.
type ReportExecStatusRequest struct {
	QueryID            queryid.QueryID
	InstanceID          queryid.FragmentInstanceID
	FragmentIdx        int
	BackendNum         int32
	StatusCode         StatusCode
	ErrorMessages       []string
	Done               bool
	ProfileBytes       []byte
	DeltaScanBytesDone map[int32]int64 // plan node id -> scan ranges completed since the last report
	DeltaBytesRead     map[int32]int64 // plan node id -> bytes read since the last report
	InsertedPartitions map[string]int64
}

// ReportExecStatusResponse acknowledges a status report. StatusCode
// non-OK tells the backend the coordinator has already given up on the
// query (for example it was cancelled) and the backend should stop
// sending further reports for it.
type ReportExecStatusResponse struct {
	StatusCode StatusCode
}
