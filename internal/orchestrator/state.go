package orchestrator

import "fmt"

// State is the orchestrator lifecycle position. Each step may run once and
// only after the previous one.
type State int

const (
	StateConfigured State = iota
	StateTemplateLoaded
	StateWorkingDirCreated
	StateUnitsBuilt
	StateDispatched
)

func (s State) String() string {
	switch s {
	case StateConfigured:
		return "configured"
	case StateTemplateLoaded:
		return "template-loaded"
	case StateWorkingDirCreated:
		return "working-dir-created"
	case StateUnitsBuilt:
		return "units-built"
	case StateDispatched:
		return "dispatched"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// StateError reports an operation called out of order.
type StateError struct {
	Op   string
	Have State
	Want State
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s: orchestrator is %s, want %s", e.Op, e.Have, e.Want)
}
