package runtime

import "sync"

// Phase is the coarse lifecycle state of the runtime.
type Phase string

const (
	PhaseInitializing Phase = "initializing"
	PhaseStarting     Phase = "starting"
	PhaseRunning      Phase = "running"
	PhaseStopping     Phase = "stopping"
	PhaseStopped      Phase = "stopped"
	PhaseError        Phase = "error"
)

// allowedTransitions holds the edges of the lifecycle graph. Self
// transitions are always permitted.
var allowedTransitions = map[Phase]map[Phase]struct{}{
	PhaseInitializing: {
		PhaseStarting: {},
		PhaseStopping: {},
		PhaseError:    {},
	},
	PhaseStarting: {
		PhaseRunning:  {},
		PhaseStopping: {},
		PhaseError:    {},
	},
	PhaseRunning: {
		PhaseStopping: {},
		PhaseError:    {},
	},
	PhaseStopping: {
		PhaseStopped: {},
		PhaseError:   {},
	},
	PhaseStopped: {},
	PhaseError: {
		PhaseStopping: {},
		PhaseStopped:  {},
	},
}

// phaseMachine guards lifecycle state so concurrent Start/Stop calls cannot
// interleave into nonsense like stopping a runtime that never started.
type phaseMachine struct {
	mu      sync.RWMutex
	current Phase
}

func newPhaseMachine() *phaseMachine {
	return &phaseMachine{current: PhaseInitializing}
}

// Current returns the phase at the time of the call.
func (m *phaseMachine) Current() Phase {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition moves to next when the lifecycle graph allows it and reports
// whether the move happened.
func (m *phaseMachine) Transition(next Phase) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == next {
		return true
	}
	if _, ok := allowedTransitions[m.current][next]; !ok {
		return false
	}
	m.current = next
	return true
}

// Set forces the phase without consulting the graph. Reserved for error
// paths where the graph has already been violated by a failure.
func (m *phaseMachine) Set(next Phase) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = next
}
