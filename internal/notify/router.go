// Package notify routes notifications between the two sides of the proxy.
// Capability and logging traffic from upstream servers fans out to inbound
// sessions, collapsed per session and kind within a batch window; inbound
// control notifications broadcast to every connected upstream.
package notify

import (
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/onemcp/onemcp-go/internal/aggregate"
)

// DefaultBatchDelay is the window within which repeated listChanged
// notifications for one session and kind collapse into a single send.
const DefaultBatchDelay = time.Second

// DefaultQueueSize bounds each session's dispatch queue.
const DefaultQueueSize = 64

const methodLoggingMessage = "notifications/message"

// SessionNotifier delivers one notification to one inbound session. The
// inbound MCP server implements it; tests substitute a recorder.
type SessionNotifier interface {
	SendNotificationToSpecificClient(sessionID, method string, params map[string]any) error
}

// Options tunes the router.
type Options struct {
	// BatchDelay overrides DefaultBatchDelay when positive.
	BatchDelay time.Duration

	// QueueSize overrides DefaultQueueSize when positive.
	QueueSize int

	// OnBatched is invoked when a listChanged notification folds into one
	// already scheduled for the same session and kind. May be nil.
	OnBatched func(kind string)

	// OnDropped is invoked when a full session queue discards a pending
	// notification to make room for a newer one. May be nil.
	OnDropped func(session string)
}

// Router fans upstream-side changes out to inbound sessions. Each session
// gets an ordered dispatch queue, so a batch firing after a logging message
// cannot overtake it; each (session, kind) pair gets at most one armed
// batch timer.
type Router struct {
	logger   *zap.Logger
	notifier SessionNotifier
	opts     Options

	mu       sync.Mutex
	sessions map[string]*sessionQueue
	timers   map[timerKey]*time.Timer
	closed   bool
}

type timerKey struct {
	session string
	kind    string
}

// NewRouter creates a router delivering through notifier.
func NewRouter(logger *zap.Logger, notifier SessionNotifier, opts Options) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.BatchDelay <= 0 {
		opts.BatchDelay = DefaultBatchDelay
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	return &Router{
		logger:   logger.Named("notify"),
		notifier: notifier,
		opts:     opts,
		sessions: map[string]*sessionQueue{},
		timers:   map[timerKey]*time.Timer{},
	}
}

// Register starts dispatch for a newly opened inbound session.
func (r *Router) Register(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	if _, ok := r.sessions[sessionID]; ok {
		return
	}

	q := &sessionQueue{
		logger:   r.logger,
		notifier: r.notifier,
		id:       sessionID,
		cap:      r.opts.QueueSize,
		onDrop:   r.opts.OnDropped,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		exited:   make(chan struct{}),
	}
	r.sessions[sessionID] = q
	go q.loop()
}

// Unregister stops dispatch for a closed session and drops its pending
// notifications and armed batch timers. It returns once the session's
// dispatch goroutine has exited.
func (r *Router) Unregister(sessionID string) {
	r.mu.Lock()
	q, ok := r.sessions[sessionID]
	if ok {
		delete(r.sessions, sessionID)
	}
	for key, timer := range r.timers {
		if key.session == sessionID {
			timer.Stop()
			delete(r.timers, key)
		}
	}
	r.mu.Unlock()

	if ok {
		close(q.done)
		<-q.exited
	}
}

// Close stops every session queue and cancels all armed timers.
func (r *Router) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	queues := make([]*sessionQueue, 0, len(r.sessions))
	for _, q := range r.sessions {
		queues = append(queues, q)
	}
	r.sessions = map[string]*sessionQueue{}
	for key, timer := range r.timers {
		timer.Stop()
		delete(r.timers, key)
	}
	r.mu.Unlock()

	for _, q := range queues {
		close(q.done)
	}
	for _, q := range queues {
		<-q.exited
	}
}

// ListChanged schedules one listChanged notification of the given aggregate
// kind for each session. Repeated calls within the batch window collapse
// into the already scheduled send. Kinds without a client-facing
// notification method are ignored.
func (r *Router) ListChanged(kind string, sessionIDs ...string) {
	method := listChangedMethod(kind)
	if method == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}

	for _, id := range sessionIDs {
		if _, ok := r.sessions[id]; !ok {
			r.logger.Debug("dropping notification for unknown session",
				zap.String("session", id),
				zap.String("method", method))
			continue
		}
		key := timerKey{session: id, kind: kind}
		if _, armed := r.timers[key]; armed {
			if r.opts.OnBatched != nil {
				r.opts.OnBatched(kind)
			}
			continue
		}
		r.timers[key] = time.AfterFunc(r.opts.BatchDelay, func() {
			r.fire(key, method)
		})
	}
}

// Logging forwards one upstream logging message to each session, ahead of
// any batch still waiting on its window.
func (r *Router) Logging(params map[string]any, sessionIDs ...string) {
	r.Forward(methodLoggingMessage, params, sessionIDs...)
}

// Forward passes a server-initiated notification through to each session
// unbatched.
func (r *Router) Forward(method string, params map[string]any, sessionIDs ...string) {
	for _, id := range sessionIDs {
		r.mu.Lock()
		q, ok := r.sessions[id]
		r.mu.Unlock()
		if !ok {
			r.logger.Debug("dropping notification for unknown session",
				zap.String("session", id),
				zap.String("method", method))
			continue
		}
		q.enqueue(note{method: method, params: params})
	}
}

// fire moves one elapsed batch into the session's dispatch queue.
func (r *Router) fire(key timerKey, method string) {
	r.mu.Lock()
	delete(r.timers, key)
	q, ok := r.sessions[key.session]
	r.mu.Unlock()

	if !ok {
		// The session closed while the batch window was open.
		return
	}
	q.enqueue(note{method: method})
}

func listChangedMethod(kind string) string {
	switch kind {
	case aggregate.KindTools:
		return string(mcp.MethodNotificationToolsListChanged)
	case aggregate.KindResources:
		return string(mcp.MethodNotificationResourcesListChanged)
	case aggregate.KindPrompts:
		return string(mcp.MethodNotificationPromptsListChanged)
	default:
		return ""
	}
}

type note struct {
	method string
	params map[string]any
}

// sessionQueue serializes deliveries to one inbound session. When the
// queue is full the newest pending entry is replaced instead of growing
// without bound, so a stalled transport costs stale notifications, not
// memory.
type sessionQueue struct {
	logger   *zap.Logger
	notifier SessionNotifier
	id       string
	cap      int
	onDrop   func(session string)

	mu      sync.Mutex
	pending []note
	wake    chan struct{}
	done    chan struct{}
	exited  chan struct{}
}

func (q *sessionQueue) enqueue(n note) {
	q.mu.Lock()
	if len(q.pending) >= q.cap {
		q.pending[len(q.pending)-1] = n
		q.mu.Unlock()
		if q.onDrop != nil {
			q.onDrop(q.id)
		}
		q.logger.Debug("session queue full, coalescing",
			zap.String("session", q.id),
			zap.String("method", n.method))
	} else {
		q.pending = append(q.pending, n)
		q.mu.Unlock()
	}

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *sessionQueue) loop() {
	defer close(q.exited)
	for {
		select {
		case <-q.done:
			return
		case <-q.wake:
		}

		for {
			q.mu.Lock()
			if len(q.pending) == 0 {
				q.mu.Unlock()
				break
			}
			n := q.pending[0]
			q.pending = q.pending[1:]
			q.mu.Unlock()

			// A vanished or disconnected session is a no-op, never an error.
			if err := q.notifier.SendNotificationToSpecificClient(q.id, n.method, n.params); err != nil {
				q.logger.Debug("dropping notification for unreachable session",
					zap.String("session", q.id),
					zap.String("method", n.method),
					zap.Error(err))
			}
		}
	}
}
