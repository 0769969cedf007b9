package pipeline

// State is the lifecycle state of a pipeline attempt.
type State string

// Lifecycle states. STAGED and READY are set by the control API; the
// remaining states are written by the executor as the task progresses.
const (
	StateStaged  State = "STAGED"
	StateReady   State = "READY"
	StateStarted State = "STARTED"
	StateSuccess State = "SUCCESS"
	StateFailure State = "FAILURE"
	StateRetry   State = "RETRY"
	StateRevoked State = "REVOKED"
)

var validStates = map[State]bool{
	StateStaged:  true,
	StateReady:   true,
	StateStarted: true,
	StateSuccess: true,
	StateFailure: true,
	StateRetry:   true,
	StateRevoked: true,
}

// Valid reports whether s is a known lifecycle state.
func (s State) Valid() bool { return validStates[s] }

// Terminal reports whether s is a finished state. RETRY is not terminal:
// the broker will redeliver the task and the attempt continues.
func (s State) Terminal() bool {
	switch s {
	case StateSuccess, StateFailure, StateRevoked:
		return true
	}
	return false
}

// InFlight reports whether a task id is expected to be assigned while the
// pipeline is in this state.
func (s State) InFlight() bool {
	switch s {
	case StateReady, StateStarted, StateRetry:
		return true
	}
	return false
}

// Redispatchable reports whether a pipeline in this state may be promoted
// to READY by appending a fresh status entry. A STAGED pipeline is promoted
// by replacing its status entry instead, so STAGED is excluded here.
func (s State) Redispatchable() bool {
	return s.Terminal()
}
