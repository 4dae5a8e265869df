package upstream

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State is the lifecycle phase of one upstream connection.
type State int

const (
	// StateDisconnected means no transport is open. Initial state, and the
	// state after a clean close or a lost connection.
	StateDisconnected State = iota
	// StateConnecting means a connect attempt is in flight.
	StateConnecting
	// StateConnected means the session is initialized and serving requests.
	StateConnected
	// StateAwaitingOAuth means the server demanded authorization; the
	// connection waits for the user to complete the browser flow.
	StateAwaitingOAuth
	// StateError means connect attempts were exhausted or aborted.
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateAwaitingOAuth:
		return "AwaitingOAuth"
	case StateError:
		return "Error"
	default:
		return "Unknown"
	}
}

var validTransitions = map[State][]State{
	StateDisconnected:  {StateConnecting},
	StateConnecting:    {StateConnected, StateAwaitingOAuth, StateError, StateDisconnected},
	StateConnected:     {StateDisconnected, StateError, StateConnecting},
	StateAwaitingOAuth: {StateConnecting, StateConnected, StateDisconnected},
	StateError:         {StateConnecting, StateDisconnected},
}

// validateTransition reports whether from -> to is an expected edge of the
// connection lifecycle.
func validateTransition(from, to State) error {
	for _, next := range validTransitions[from] {
		if next == to {
			return nil
		}
	}
	return fmt.Errorf("unexpected transition from %s to %s", from, to)
}

// Info is a point-in-time snapshot of one upstream connection record.
type Info struct {
	Server           string    `json:"server"`
	State            State     `json:"state"`
	LastError        error     `json:"lastError,omitempty"`
	RetryCount       int       `json:"retryCount"`
	LastConnected    time.Time `json:"lastConnected,omitempty"`
	AuthorizationURL string    `json:"authorizationUrl,omitempty"`
	OAuthStarted     time.Time `json:"oauthStarted,omitempty"`
	ServerName       string    `json:"serverName,omitempty"`
	ServerVersion    string    `json:"serverVersion,omitempty"`
	ProtocolVersion  string    `json:"protocolVersion,omitempty"`
	Instructions     string    `json:"-"`
}

// StateChangeFunc observes transitions. It is always invoked outside the
// tracker's lock, in transition order.
type StateChangeFunc func(oldState, newState State, info Info)

// tracker owns the mutable connection record for one server. Readers always
// see a complete snapshot; transitions are validated against the lifecycle
// and logged when they fall outside it, but never blocked, so a missed
// notification cannot wedge a connection.
type tracker struct {
	server   string
	logger   *zap.Logger
	onChange StateChangeFunc

	mu               sync.RWMutex
	state            State
	lastError        error
	retryCount       int
	lastConnected    time.Time
	authorizationURL string
	oauthStarted     time.Time
	serverName       string
	serverVersion    string
	protocolVersion  string
	instructions     string
}

func newTracker(server string, logger *zap.Logger, onChange StateChangeFunc) *tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &tracker{
		server:   server,
		logger:   logger,
		onChange: onChange,
		state:    StateDisconnected,
	}
}

func (t *tracker) State() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

func (t *tracker) Info() Info {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.snapshotLocked()
}

func (t *tracker) snapshotLocked() Info {
	return Info{
		Server:           t.server,
		State:            t.state,
		LastError:        t.lastError,
		RetryCount:       t.retryCount,
		LastConnected:    t.lastConnected,
		AuthorizationURL: t.authorizationURL,
		OAuthStarted:     t.oauthStarted,
		ServerName:       t.serverName,
		ServerVersion:    t.serverVersion,
		ProtocolVersion:  t.protocolVersion,
		Instructions:     t.instructions,
	}
}

// transition moves the record to newState and notifies the observer.
// Self-transitions are no-ops. Reaching Connected clears the error and
// retry bookkeeping and stamps the connect time.
func (t *tracker) transition(newState State) {
	t.mu.Lock()
	oldState := t.state
	if oldState == newState {
		t.mu.Unlock()
		return
	}

	if err := validateTransition(oldState, newState); err != nil {
		t.logger.Warn("unexpected state transition",
			zap.String("server", t.server),
			zap.String("from", oldState.String()),
			zap.String("to", newState.String()))
	}

	t.state = newState
	if newState == StateConnected {
		t.lastError = nil
		t.retryCount = 0
		t.lastConnected = time.Now()
		t.authorizationURL = ""
		t.oauthStarted = time.Time{}
	}

	info := t.snapshotLocked()
	t.mu.Unlock()

	t.notify(oldState, newState, info)
}

// fail records err and moves to Error. Unlike transition, it always
// notifies, so repeated failures each surface their cause.
func (t *tracker) fail(err error) {
	t.mu.Lock()
	oldState := t.state
	t.state = StateError
	t.lastError = err
	t.retryCount++
	info := t.snapshotLocked()
	t.mu.Unlock()

	t.notify(oldState, StateError, info)
}

// recordRetry bumps the retry counter and remembers the cause without
// changing state; the record stays Connecting while attempts continue.
func (t *tracker) recordRetry(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.retryCount++
	t.lastError = err
}

// disconnect moves to Disconnected keeping cause for inspection. Used for
// lost connections and cancelled connects, where Error would suggest the
// server itself is broken.
func (t *tracker) disconnect(cause error) {
	t.mu.Lock()
	oldState := t.state
	if oldState == StateDisconnected {
		t.mu.Unlock()
		return
	}
	t.state = StateDisconnected
	t.lastError = cause
	info := t.snapshotLocked()
	t.mu.Unlock()

	t.notify(oldState, StateDisconnected, info)
}

// awaitOAuth records the authorization URL and moves to AwaitingOAuth.
func (t *tracker) awaitOAuth(authURL string) {
	t.mu.Lock()
	oldState := t.state
	t.state = StateAwaitingOAuth
	t.authorizationURL = authURL
	t.oauthStarted = time.Now()
	info := t.snapshotLocked()
	t.mu.Unlock()

	t.notify(oldState, StateAwaitingOAuth, info)
}

func (t *tracker) notify(oldState, newState State, info Info) {
	if t.onChange != nil {
		t.onChange(oldState, newState, info)
	}
}

// setIdentity records what the remote reported about itself during
// initialization.
func (t *tracker) setIdentity(name, version, protocol string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.serverName = name
	t.serverVersion = version
	t.protocolVersion = protocol
}

// setInstructions replaces the cached instructions. When preserve is set an
// empty value keeps the previous text, so a re-authorized session does not
// lose instructions discovered before the token expired.
func (t *tracker) setInstructions(instructions string, preserve bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if preserve && instructions == "" {
		return
	}
	t.instructions = instructions
}

func (t *tracker) connectedSince() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lastConnected
}
