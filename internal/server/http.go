package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/onemcp/onemcp-go/internal/apperr"
	"github.com/onemcp/onemcp-go/internal/oauth"
	"github.com/onemcp/onemcp-go/internal/reqcontext"
	"github.com/onemcp/onemcp-go/internal/runtime"
)

const (
	mcpEndpointPath = "/mcp"
	requestIDHeader = "X-Request-Id"
	shutdownTimeout = 30 * time.Second
)

const oauthSuccessPage = `<html>
	<body>
		<h1>Authorization Successful</h1>
		<p>Server %q is authorized. You can now close this window and return to the application.</p>
		<script>
			setTimeout(function() {
				window.close();
			}, 2000);
		</script>
	</body>
</html>
`

// HTTP serves the facade over streamable HTTP alongside the operational
// endpoints: health probes, Prometheus metrics, and the OAuth callback that
// finishes upstream authorization round-trips.
type HTTP struct {
	logger *zap.Logger
	rt     *runtime.Runtime
	server *http.Server

	mu sync.Mutex
	ln net.Listener
}

// NewHTTP wires the router. The listen address comes from the runtime's
// settings.
func NewHTTP(logger *zap.Logger, rt *runtime.Runtime, proxy *Proxy) *HTTP {
	h := &HTTP{
		logger: logger.Named("http"),
		rt:     rt,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(requestLogger(h.logger))
	r.Use(middleware.Recoverer)
	r.Use(rt.Observability().HTTPMiddleware())

	streamable := mcpserver.NewStreamableHTTPServer(proxy.MCPServer(),
		mcpserver.WithEndpointPath(mcpEndpointPath),
		mcpserver.WithSessionIdManager(newSessionIDManager(rt.Sessions())),
		mcpserver.WithHTTPContextFunc(filterParamsExtractor(h.logger)),
	)
	r.Handle(mcpEndpointPath, streamable)

	if hm := rt.Observability().Health(); hm != nil {
		r.Get("/healthz", hm.HealthzHandler())
		r.Get("/readyz", hm.ReadyzHandler())
	} else {
		r.Get("/healthz", plainOK)
		r.Get("/readyz", plainOK)
	}
	if mm := rt.Observability().Metrics(); mm != nil {
		r.Handle("/metrics", mm.Handler())
	}
	r.Get(oauth.DefaultRedirectPath, h.handleOAuthCallback)

	h.server = &http.Server{
		Addr:              rt.Settings().Listen,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       180 * time.Second,
		MaxHeaderBytes:    1 << 20,
		// No ReadTimeout or WriteTimeout: the /mcp endpoint holds streaming
		// connections open for the life of an inbound session.
	}
	return h
}

// Start binds the listen address and begins serving in the background. The
// bind itself is synchronous so a busy port fails startup.
func (h *HTTP) Start() error {
	ln, err := net.Listen("tcp", h.server.Addr)
	if err != nil {
		return apperr.Wrap(apperr.KindIO, err, "listen on %s", h.server.Addr)
	}
	h.mu.Lock()
	h.ln = ln
	h.mu.Unlock()

	h.logger.Info("http server listening", zap.String("addr", ln.Addr().String()))
	go func() {
		if err := h.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error("http server stopped", zap.Error(err))
		}
	}()
	return nil
}

// Addr returns the bound address, useful when listening on port 0. Empty
// before Start.
func (h *HTTP) Addr() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ln == nil {
		return ""
	}
	return h.ln.Addr().String()
}

// Shutdown drains in-flight requests, forcing the server closed when the
// grace period runs out.
func (h *HTTP) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	if err := h.server.Shutdown(shutdownCtx); err != nil {
		h.logger.Warn("graceful shutdown incomplete, forcing close", zap.Error(err))
		return h.server.Close()
	}
	return nil
}

// handleOAuthCallback finishes an authorization code flow: the state
// parameter picks out the upstream that started it, and the code is
// exchanged and the server reconnected before the response is written.
func (h *HTTP) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	if errCode := query.Get("error"); errCode != "" {
		desc := query.Get("error_description")
		h.logger.Warn("authorization denied by provider",
			zap.String("error", errCode),
			zap.String("description", desc))
		http.Error(w, fmt.Sprintf("authorization failed: %s %s", errCode, desc), http.StatusBadRequest)
		return
	}

	code := query.Get("code")
	state := query.Get("state")
	if code == "" || state == "" {
		http.Error(w, "missing code or state parameter", http.StatusBadRequest)
		return
	}

	server, ok := h.rt.ResolveOAuthState(state)
	if !ok {
		http.Error(w, "unknown or expired authorization state", http.StatusBadRequest)
		return
	}

	if err := h.rt.CompleteOAuth(r.Context(), server, code); err != nil {
		h.logger.Error("oauth completion failed",
			zap.String("server", server), zap.Error(err))
		http.Error(w, "authorization could not be completed: "+err.Error(), http.StatusBadGateway)
		return
	}

	h.logger.Info("oauth authorization completed", zap.String("server", server))
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, oauthSuccessPage, server)
}

func plainOK(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// requestIDMiddleware adopts a valid X-Request-Id from the caller or mints a
// fresh one, installs it on the context, and echoes it on the response.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := reqcontext.GetOrGenerateRequestID(r.Header.Get(requestIDHeader))
		ctx := reqcontext.WithRequestID(r.Context(), id)
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// statusRecorder captures the response status for the request log. It keeps
// Flush working so streaming responses pass through unbuffered.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusRecorder) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("remote_addr", r.RemoteAddr),
				zap.Int("status_code", rec.status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", reqcontext.RequestID(r.Context())),
			}
			if rec.status >= http.StatusBadRequest {
				logger.Warn("http request", fields...)
			} else {
				logger.Debug("http request", fields...)
			}
		})
	}
}
