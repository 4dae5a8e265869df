package server

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/onemcp/onemcp-go/internal/reqcontext"
)

// Wrap decorates one inbound handler with request-id injection and start and
// finish debug logs. The request and result pass through unaltered. Handlers
// arriving over HTTP already carry the request id from the middleware stack;
// Wrap generates one for transports that do not, such as stdio.
func Wrap[Req, Res any](logger *zap.Logger, method string, handler func(context.Context, Req) (Res, error)) func(context.Context, Req) (Res, error) {
	return func(ctx context.Context, req Req) (Res, error) {
		ctx, requestID := reqcontext.EnsureRequestID(ctx)
		start := time.Now()
		logger.Debug("handler start",
			zap.String("method", method),
			zap.String("request_id", requestID))

		res, err := handler(ctx, req)

		fields := []zap.Field{
			zap.String("method", method),
			zap.String("request_id", requestID),
			zap.Duration("duration", time.Since(start)),
		}
		if err != nil {
			logger.Debug("handler done", append(fields, zap.Error(err))...)
		} else {
			logger.Debug("handler done", fields...)
		}
		return res, err
	}
}
