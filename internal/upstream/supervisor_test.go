package upstream

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onemcp/onemcp-go/internal/apperr"
	"github.com/onemcp/onemcp-go/internal/config"
)

// newSupervisedClient builds a stdio client whose command cannot run, with
// a restart delay long enough that scheduled restarts stay parked until the
// test closes the client.
func newSupervisedClient(t *testing.T, maxRestarts int) *Client {
	t.Helper()
	cl := newTestClient(t, &config.ServerConfig{
		Kind:          config.KindStdio,
		Command:       "/bin/does-not-exist",
		RestartOnExit: true,
		MaxRestarts:   maxRestarts,
		RestartDelay:  config.Millis(3600000),
	}, nil)
	return cl
}

func TestSupervisor_SchedulesRestartWithinBudget(t *testing.T) {
	cl := newSupervisedClient(t, 3)
	s := cl.super

	s.onExit()

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Equal(t, 1, s.attempts)
	assert.True(t, s.inFlight)
}

func TestSupervisor_DedupesConcurrentExits(t *testing.T) {
	cl := newSupervisedClient(t, 3)
	s := cl.super

	s.onExit()
	s.onExit()
	s.onExit()

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Equal(t, 1, s.attempts)
}

func TestSupervisor_BudgetExhaustedFailsTerminally(t *testing.T) {
	cl := newSupervisedClient(t, 3)
	s := cl.super

	s.mu.Lock()
	s.attempts = 3
	s.mu.Unlock()

	s.onExit()

	info := cl.Info()
	require.Equal(t, StateError, info.State)
	assert.True(t, apperr.IsKind(info.LastError, apperr.KindClientConnection))
	assert.True(t, strings.Contains(info.LastError.Error(), "giving up"))

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Equal(t, 3, s.attempts)
	assert.False(t, s.inFlight)
}

func TestSupervisor_StableConnectionResetsBudget(t *testing.T) {
	cl := newSupervisedClient(t, 3)
	s := cl.super

	// Simulate a session that stayed up well past the stability window.
	cl.state.mu.Lock()
	cl.state.lastConnected = time.Now().Add(-time.Minute)
	cl.state.mu.Unlock()

	s.mu.Lock()
	s.attempts = 3
	s.mu.Unlock()

	s.onExit()

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Equal(t, 1, s.attempts)
	assert.True(t, s.inFlight)
	assert.NotEqual(t, StateError, cl.State())
}

func TestSupervisor_ZeroMaxRestartsIsUnlimited(t *testing.T) {
	cl := newSupervisedClient(t, 0)
	s := cl.super

	s.mu.Lock()
	s.attempts = 1000
	s.mu.Unlock()

	s.onExit()

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Equal(t, 1001, s.attempts)
	assert.NotEqual(t, StateError, cl.State())
}

func TestSupervisor_RestartAbortsOnClose(t *testing.T) {
	cl := newSupervisedClient(t, 3)
	s := cl.super

	s.onExit()
	cl.Close()

	// The parked restart goroutine must observe the cancelled lifetime
	// context and unwind without dialing.
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return !s.inFlight
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, StateDisconnected, cl.State())
}
