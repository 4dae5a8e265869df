package runtime

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPhaseMachine_StartsInitializing(t *testing.T) {
	m := newPhaseMachine()
	assert.Equal(t, PhaseInitializing, m.Current())
}

func TestPhaseMachine_HappyPath(t *testing.T) {
	m := newPhaseMachine()
	for _, next := range []Phase{PhaseStarting, PhaseRunning, PhaseStopping, PhaseStopped} {
		require.True(t, m.Transition(next), "transition to %s", next)
		assert.Equal(t, next, m.Current())
	}
}

func TestPhaseMachine_RejectsSkippedPhases(t *testing.T) {
	m := newPhaseMachine()

	assert.False(t, m.Transition(PhaseRunning))
	assert.Equal(t, PhaseInitializing, m.Current())

	require.True(t, m.Transition(PhaseStarting))
	assert.False(t, m.Transition(PhaseStopped))
	assert.Equal(t, PhaseStarting, m.Current())
}

func TestPhaseMachine_StoppedIsTerminal(t *testing.T) {
	m := newPhaseMachine()
	m.Set(PhaseStopped)

	for _, next := range []Phase{PhaseStarting, PhaseRunning, PhaseStopping, PhaseError} {
		assert.False(t, m.Transition(next), "stopped must reject %s", next)
	}
}

func TestPhaseMachine_SelfTransition(t *testing.T) {
	m := newPhaseMachine()
	assert.True(t, m.Transition(PhaseInitializing))
	assert.Equal(t, PhaseInitializing, m.Current())
}

func TestPhaseMachine_ErrorCanDrain(t *testing.T) {
	m := newPhaseMachine()
	require.True(t, m.Transition(PhaseStarting))
	require.True(t, m.Transition(PhaseError))

	require.True(t, m.Transition(PhaseStopping))
	require.True(t, m.Transition(PhaseStopped))
}

func TestPhaseMachine_StopBeforeStart(t *testing.T) {
	m := newPhaseMachine()
	require.True(t, m.Transition(PhaseStopping))
	require.True(t, m.Transition(PhaseStopped))
}

func TestPhaseMachine_SetForcesPhase(t *testing.T) {
	m := newPhaseMachine()
	m.Set(PhaseError)
	assert.Equal(t, PhaseError, m.Current())
}
