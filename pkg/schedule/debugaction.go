package schedule

import (
	"fmt"
	"strconv"
	"strings"
)

// Phase names a point in a worker's exec-node lifecycle where a debug
// action may be injected.
type Phase string

const (
	PhaseOpen  Phase = "OPEN"
	PhaseGetNext Phase = "GETNEXT"
	PhasePrepare Phase = "PREPARE"
	PhaseClose Phase = "CLOSE"
)

// Action is the debug behavior to inject at a given phase.
type Action string

const (
	ActionWait  Action = "WAIT"
	ActionFail  Action = "FAIL"
	ActionDelay Action = "DELAY"
)

// DebugAction targets a single (node, phase, action) triple at either all
// backends or one specific backend, per the colon-delimited
// "debug_action" query option grammar:
//
//	node_id:phase:action                 -- applies to every backend
//	backend_num:node_id:phase:action     -- applies to one backend only
type DebugAction struct {
	BackendNum int32 // -1 means "all backends"
	NodeID     int32
	Phase      Phase
	Action     Action
}

// AppliesTo reports whether this action should be injected for the given
// backend.
func (d DebugAction) AppliesTo(backendNum int32) bool {
	return d.BackendNum < 0 || d.BackendNum == backendNum
}

// ParseDebugAction parses one colon-delimited debug action clause. It
// rejects the CLOSE/WAIT combination: a node cannot be made to wait
// while it is being torn down.
func ParseDebugAction(s string) (DebugAction, error) {
	parts := strings.Split(s, ":")

	var d DebugAction
	d.BackendNum = -1

	switch len(parts) {
	case 3:
		nodeID, err := strconv.ParseInt(parts[0], 10, 32)
		if err != nil {
			return DebugAction{}, fmt.Errorf("schedule: invalid node id in debug action %q: %w", s, err)
		}
		d.NodeID = int32(nodeID)
		d.Phase = Phase(strings.ToUpper(parts[1]))
		d.Action = Action(strings.ToUpper(parts[2]))
	case 4:
		backendNum, err := strconv.ParseInt(parts[0], 10, 32)
		if err != nil {
			return DebugAction{}, fmt.Errorf("schedule: invalid backend num in debug action %q: %w", s, err)
		}
		nodeID, err := strconv.ParseInt(parts[1], 10, 32)
		if err != nil {
			return DebugAction{}, fmt.Errorf("schedule: invalid node id in debug action %q: %w", s, err)
		}
		d.BackendNum = int32(backendNum)
		d.NodeID = int32(nodeID)
		d.Phase = Phase(strings.ToUpper(parts[2]))
		d.Action = Action(strings.ToUpper(parts[3]))
	default:
		return DebugAction{}, fmt.Errorf("schedule: malformed debug action %q: expected node_id:phase:action or backend_num:node_id:phase:action", s)
	}

	if d.Phase == PhaseClose && d.Action == ActionWait {
		return DebugAction{}, fmt.Errorf("schedule: debug action %q: a node cannot WAIT during CLOSE", s)
	}

	return d, nil
}

// ParseDebugActions parses the full, comma-separated "debug_action"
// query option value into a list of clauses.
func ParseDebugActions(opt string) ([]DebugAction, error) {
	if opt == "" {
		return nil, nil
	}

	clauses := strings.Split(opt, ",")
	actions := make([]DebugAction, 0, len(clauses))
	for _, c := range clauses {
		a, err := ParseDebugAction(strings.TrimSpace(c))
		if err != nil {
			return nil, err
		}
		actions = append(actions, a)
	}
	return actions, nil
}
