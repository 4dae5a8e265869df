package notify

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"
)

// Upstream is the slice of one outbound connection the broadcaster
// addresses. internal/upstream.Client implements it.
type Upstream interface {
	Name() string
	SetLevel(ctx context.Context, level mcp.LoggingLevel) error
	CancelRequest(ctx context.Context, requestID any, reason string) error
}

// Broadcaster pushes inbound control notifications to every connected
// upstream. snapshot returns the clients currently worth addressing;
// per-connection failures are logged and skipped, never surfaced.
type Broadcaster struct {
	logger   *zap.Logger
	snapshot func() []Upstream
}

// NewBroadcaster creates a broadcaster over the given snapshot function.
func NewBroadcaster(logger *zap.Logger, snapshot func() []Upstream) *Broadcaster {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broadcaster{logger: logger.Named("broadcast"), snapshot: snapshot}
}

// SetLevel broadcasts a logging level change and returns how many upstreams
// accepted it. Servers without the logging capability decline and are
// skipped.
func (b *Broadcaster) SetLevel(ctx context.Context, level mcp.LoggingLevel) int {
	return b.each(func(up Upstream) error {
		return up.SetLevel(ctx, level)
	}, "set logging level", zap.String("level", string(level)))
}

// CancelRequest broadcasts an inbound cancellation and returns how many
// upstreams took it. Upstreams that never saw the request id ignore the
// notification.
func (b *Broadcaster) CancelRequest(ctx context.Context, requestID any, reason string) int {
	return b.each(func(up Upstream) error {
		return up.CancelRequest(ctx, requestID, reason)
	}, "cancel request", zap.Any("request_id", requestID))
}

func (b *Broadcaster) each(send func(Upstream) error, action string, field zap.Field) int {
	ups := b.snapshot()

	var delivered atomic.Int64
	var wg sync.WaitGroup
	for _, up := range ups {
		wg.Add(1)
		go func(up Upstream) {
			defer wg.Done()
			if err := send(up); err != nil {
				b.logger.Debug("upstream declined broadcast",
					zap.String("server", up.Name()),
					zap.String("action", action),
					field,
					zap.Error(err))
				return
			}
			delivered.Add(1)
		}(up)
	}
	wg.Wait()
	return int(delivered.Load())
}
