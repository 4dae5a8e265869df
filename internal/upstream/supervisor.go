package upstream

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/onemcp/onemcp-go/internal/apperr"
)

// stableConnection is how long a session must survive before the restart
// budget resets. Short-lived sessions keep consuming the budget so a
// crash-looping command cannot restart forever.
const stableConnection = 30 * time.Second

// supervisor relaunches a stdio child after unexpected exits, within the
// configured restart budget. A zero MaxRestarts means unlimited.
type supervisor struct {
	client *Client
	logger *zap.Logger

	delay       time.Duration
	maxRestarts int

	mu       sync.Mutex
	attempts int
	inFlight bool
}

func newSupervisor(c *Client) *supervisor {
	return &supervisor{
		client:      c,
		logger:      c.logger,
		delay:       c.spec.RestartDelay,
		maxRestarts: c.spec.MaxRestarts,
	}
}

// onExit is called when a supervised child's session is lost. It either
// schedules a relaunch or declares the server failed once the budget is
// spent.
func (s *supervisor) onExit() {
	s.mu.Lock()
	if s.inFlight {
		s.mu.Unlock()
		return
	}

	// A session that survived long enough proves the command works;
	// start the budget over.
	if since := s.client.state.connectedSince(); !since.IsZero() && time.Since(since) >= stableConnection {
		s.attempts = 0
	}

	if s.maxRestarts > 0 && s.attempts >= s.maxRestarts {
		s.mu.Unlock()
		s.logger.Error("restart budget exhausted",
			zap.String("server", s.client.name),
			zap.Int("max_restarts", s.maxRestarts))
		s.client.state.fail(apperr.ClientConnection(s.client.name,
			fmt.Errorf("process exited %d times, giving up", s.maxRestarts+1)))
		return
	}

	s.attempts++
	s.inFlight = true
	attempt := s.attempts
	s.mu.Unlock()

	go s.restart(attempt)
}

func (s *supervisor) restart(attempt int) {
	defer func() {
		s.mu.Lock()
		s.inFlight = false
		s.mu.Unlock()
	}()

	s.logger.Info("restarting exited process",
		zap.String("server", s.client.name),
		zap.Int("attempt", attempt),
		zap.Duration("delay", s.delay))

	select {
	case <-s.client.lifeCtx.Done():
		return
	case <-time.After(s.delay):
	}

	if err := s.client.Connect(s.client.lifeCtx); err != nil {
		s.logger.Warn("restart failed",
			zap.String("server", s.client.name),
			zap.Int("attempt", attempt),
			zap.Error(err))
	}
}
