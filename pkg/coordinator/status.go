package coordinator

import (
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/qcoord/coordinator/pkg/coordinatorpb"
)

// Code is the coordinator's own error taxonomy. It is distinct from
// grpc/codes: these name domain-level outcomes (cancelled, a worker's
// reported failure, a finalize failure), not transport-level ones.
type Code int

const (
	CodeOK Code = iota
	CodeCancelled
	CodeInternal
	CodeTransport
	CodeWorker
	CodeFinalize
)

func (c Code) String() string {
	switch c {
	case CodeOK:
		return "OK"
	case CodeCancelled:
		return "CANCELLED"
	case CodeInternal:
		return "INTERNAL_ERROR"
	case CodeTransport:
		return "TRANSPORT_ERROR"
	case CodeWorker:
		return "WORKER_ERROR"
	case CodeFinalize:
		return "FINALIZE_ERROR"
	default:
		return "UNKNOWN"
	}
}

// Status is a coordinator-domain outcome: a code plus accumulated error
// messages. The zero value is OK.
type Status struct {
	Code     Code
	Messages []string
}

// OK is the canonical success status.
var OK = Status{Code: CodeOK}

// Cancelled is the canonical cancellation status used when Cancel is
// called with no specific cause.
var Cancelled = Status{Code: CodeCancelled, Messages: []string{"Cancelled"}}

// IsOK reports whether s represents success.
func (s Status) IsOK() bool {
	return s.Code == CodeOK
}

// Error implements the error interface so a Status can be returned
// directly as a Go error from coordinator methods.
func (s Status) Error() string {
	if s.IsOK() {
		return ""
	}
	return s.Code.String() + ": " + strings.Join(s.Messages, "; ")
}

// NewError builds a non-OK status of the given code with one message.
func NewError(code Code, msg string) Status {
	return Status{Code: code, Messages: []string{msg}}
}

// Append returns a copy of s with msg appended to its message list,
// without changing its code (used when a worker's cancel-RPC failure
// should be noted without overriding an earlier error).
func (s Status) Append(msg string) Status {
	out := Status{Code: s.Code, Messages: append(append([]string{}, s.Messages...), msg)}
	return out
}

// FirstNonOK implements the sticky-status merge used throughout the
// coordinator: once a status is non-OK, later updates never revert it to
// OK, and an incoming error only replaces the current value if the
// current value is still OK.
func FirstNonOK(current, incoming Status) Status {
	if !current.IsOK() {
		return current
	}
	return incoming
}

// ToGRPCStatus converts a coordinator Status to a grpc/status error for
// the RPC boundary. OK becomes nil.
func (s Status) ToGRPCStatus() error {
	if s.IsOK() {
		return nil
	}
	var code codes.Code
	switch s.Code {
	case CodeCancelled:
		code = codes.Canceled
	case CodeInternal:
		code = codes.Internal
	case CodeTransport:
		code = codes.Unavailable
	case CodeWorker:
		code = codes.Aborted
	case CodeFinalize:
		code = codes.Internal
	default:
		code = codes.Unknown
	}
	return status.Error(code, s.Error())
}

// FromGRPCStatus converts a transport-level gRPC error (for example from
// a failed ExecPlanFragment call) into a coordinator Status with code
// Transport, preserving the original message.
func FromGRPCStatus(err error) Status {
	if err == nil {
		return OK
	}
	return NewError(CodeTransport, err.Error())
}

// responseCode maps a coordinator Status onto the wire-level status code
// returned to a backend acknowledging a status report.
func responseCode(s Status) coordinatorpb.StatusCode {
	switch s.Code {
	case CodeOK:
		return coordinatorpb.StatusOK
	case CodeCancelled:
		return coordinatorpb.StatusCancelled
	case CodeWorker:
		return coordinatorpb.StatusWorker
	default:
		return coordinatorpb.StatusInternal
	}
}
