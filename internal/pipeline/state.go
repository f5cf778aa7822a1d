package pipeline

import "fmt"

// State is a run's position in the load sequence.
type State string

const (
	StateInit          State = "INIT"
	StateDBEnsured     State = "DB_ENSURED"
	StateSchemaEnsured State = "SCHEMA_ENSURED"
	StateConnected     State = "CONNECTED"
	StateLoading       State = "LOADING"
	StateLoaded        State = "LOADED"
	StateDone          State = "DONE"
	StateFailed        State = "FAILED"
)

// forward lists the legal non-failure successors of each state. LOADING and
// LOADED alternate once per subject area; CONNECTED may go straight to DONE
// when no areas are configured.
var forward = map[State][]State{
	StateInit:          {StateDBEnsured},
	StateDBEnsured:     {StateSchemaEnsured},
	StateSchemaEnsured: {StateConnected},
	StateConnected:     {StateLoading, StateDone},
	StateLoading:       {StateLoaded},
	StateLoaded:        {StateLoading, StateDone},
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool { return s == StateDone || s == StateFailed }

// CanTransition reports whether s may move to next. FAILED is reachable
// from every non-terminal state.
func (s State) CanTransition(next State) bool {
	if s.Terminal() {
		return false
	}
	if next == StateFailed {
		return true
	}
	for _, n := range forward[s] {
		if n == next {
			return true
		}
	}
	return false
}

type machine struct {
	state State
}

func (m *machine) advance(next State) error {
	if !m.state.CanTransition(next) {
		return fmt.Errorf("pipeline: illegal transition %s -> %s", m.state, next)
	}
	m.state = next
	return nil
}
