package core

// State is the lifecycle state of an agent. State is owned by the agent
// itself and mutated only through its lifecycle operations; Terminated is
// terminal and admits no further transitions.
type State string

// Lifecycle states.
const (
	StateInitializing State = "initializing"
	StateReady        State = "ready"
	StateRunning      State = "running"
	StatePaused       State = "paused"
	StateError        State = "error"
	StateTerminated   State = "terminated"
)

// legalTransitions encodes the lifecycle machine:
//
//	initializing → ready            (initialize)
//	ready        → running          (start)
//	running      ⇄ paused           (stop / start)
//	any non-terminal → error        (failed setup)
//	any non-terminal → terminated   (terminate)
var legalTransitions = map[State][]State{
	StateInitializing: {StateReady, StateError, StateTerminated},
	StateReady:        {StateRunning, StateError, StateTerminated},
	StateRunning:      {StatePaused, StateError, StateTerminated},
	StatePaused:       {StateRunning, StateError, StateTerminated},
	StateError:        {StateTerminated},
	StateTerminated:   {},
}

// CanTransition reports whether moving from one state to another is legal.
func CanTransition(from, to State) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool { return s == StateTerminated }
