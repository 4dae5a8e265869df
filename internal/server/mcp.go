// Package server hosts the inbound MCP facade: one mcp-go server whose
// registry mirrors the aggregated upstream capabilities and whose hooks apply
// per-session tag filtering to every list and dispatch. The HTTP front in
// this package mounts the facade next to the health, metrics, and OAuth
// callback endpoints.
package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/onemcp/onemcp-go/internal/apperr"
	"github.com/onemcp/onemcp-go/internal/reqcontext"
	"github.com/onemcp/onemcp-go/internal/runtime"
	"github.com/onemcp/onemcp-go/internal/session"
)

// advertisedCapabilities is what every inbound client sees during initialize,
// independent of which upstreams happen to be connected at that moment. The
// SDK-level listChanged flags stay off (see New), so the notification router
// remains the only listChanged sender and keeps its per-session filtering and
// batching; this constant restores the full advertisement on the wire.
const advertisedCapabilities = `{
	"logging": {},
	"prompts": {"listChanged": true},
	"resources": {"subscribe": true, "listChanged": true},
	"tools": {"listChanged": true}
}`

// listPageSize bounds one page of a list response for sessions that opted
// into pagination.
const listPageSize = 100

// Proxy is the inbound MCP server. It advertises the merged capability set,
// keeps the mcp-go registry in step with the aggregate view so dispatch finds
// every public name, and routes tool calls, resource reads, and prompt gets
// to the upstream that provides them.
type Proxy struct {
	logger *zap.Logger
	rt     *runtime.Runtime
	mcp    *mcpserver.MCPServer

	callTool     mcpserver.ToolHandlerFunc
	readResource mcpserver.ResourceHandlerFunc
	getPrompt    mcpserver.PromptHandlerFunc

	// localTools holds the proxy's own diagnostic tools, keyed by name.
	// They are registered once, stay visible to every session, and shadow
	// upstream tools that collide with them.
	localTools map[string]mcp.Tool

	regMu           sync.Mutex
	syncedRevision  uint64
	syncedTools     map[string]struct{}
	syncedResources map[string]struct{}
	syncedPrompts   map[string]struct{}
}

// New builds the facade over a runtime and binds it as the runtime's
// notification target. Call before Runtime.Start so the first capability
// change already has somewhere to go.
func New(logger *zap.Logger, rt *runtime.Runtime) *Proxy {
	p := &Proxy{
		logger:          logger.Named("inbound"),
		rt:              rt,
		localTools:      map[string]mcp.Tool{},
		syncedTools:     map[string]struct{}{},
		syncedResources: map[string]struct{}{},
		syncedPrompts:   map[string]struct{}{},
	}
	p.callTool = Wrap(p.logger, "tools/call", p.routeToolCall)
	p.readResource = Wrap(p.logger, "resources/read", p.routeResourceRead)
	p.getPrompt = Wrap(p.logger, "prompts/get", p.routePromptGet)

	hooks := &mcpserver.Hooks{}
	hooks.AddOnRegisterSession(p.onRegisterSession)
	hooks.AddOnUnregisterSession(p.onUnregisterSession)
	hooks.AddBeforeAny(p.beforeAny)
	hooks.AddOnSuccess(p.afterAny)
	hooks.AddOnError(p.onRequestError)
	hooks.AddAfterInitialize(p.finishInitialize)
	hooks.AddAfterListTools(p.filterToolList)
	hooks.AddAfterListResources(p.filterResourceList)
	hooks.AddAfterListPrompts(p.filterPromptList)
	hooks.AddAfterSetLevel(p.forwardSetLevel)

	// Registry mutations must not broadcast list_changed themselves: the
	// notification router already delivers filtered, batched notifications,
	// and the SDK would send unfiltered ones to every session. initialize
	// responses get the full advertisement from finishInitialize instead.
	p.mcp = mcpserver.NewMCPServer(runtime.SelfName, rt.Version(),
		mcpserver.WithToolCapabilities(false),
		mcpserver.WithResourceCapabilities(false, false),
		mcpserver.WithPromptCapabilities(false),
		mcpserver.WithLogging(),
		mcpserver.WithRecovery(),
		mcpserver.WithHooks(hooks),
	)
	p.mcp.AddNotificationHandler("notifications/cancelled", p.forwardCancellation)
	p.registerDiagnostics()

	rt.BindNotifier(p.mcp)
	return p
}

// MCPServer exposes the underlying SDK server for transport mounting.
func (p *Proxy) MCPServer() *mcpserver.MCPServer { return p.mcp }

// ServeStdio serves the facade over stdin/stdout and blocks until EOF or a
// termination signal.
func (p *Proxy) ServeStdio() error {
	return mcpserver.ServeStdio(p.mcp)
}

func (p *Proxy) onRegisterSession(ctx context.Context, sess mcpserver.ClientSession) {
	id := sess.SessionID()
	rec, created := p.rt.Sessions().GetOrCreate(id)
	if params := filterParamsFrom(ctx); params != nil {
		rec = p.rt.Sessions().Update(id, params.apply)
	}
	p.rt.Router().Register(id)

	fields := []zap.Field{
		zap.String("session", id),
		zap.Bool("new", created),
	}
	if rec != nil && rec.TagFilterMode != "" {
		fields = append(fields, zap.String("filter_mode", string(rec.TagFilterMode)))
	}
	if withInfo, ok := sess.(mcpserver.SessionWithClientInfo); ok {
		if info := withInfo.GetClientInfo(); info.Name != "" {
			fields = append(fields,
				zap.String("client", info.Name),
				zap.String("client_version", info.Version))
		}
	}
	p.logger.Info("inbound session registered", fields...)
}

func (p *Proxy) onUnregisterSession(_ context.Context, sess mcpserver.ClientSession) {
	p.rt.Router().Unregister(sess.SessionID())
	p.logger.Info("inbound session closed", zap.String("session", sess.SessionID()))
}

// sessionRecord resolves the calling session's store record, touching its
// TTL. Requests without a session context fall back to a zero record, which
// filters nothing.
func (p *Proxy) sessionRecord(ctx context.Context) *session.Record {
	sess := mcpserver.ClientSessionFromContext(ctx)
	if sess == nil || sess.SessionID() == "" {
		return &session.Record{}
	}
	rec, _ := p.rt.Sessions().GetOrCreate(sess.SessionID())
	return rec
}

func (p *Proxy) beforeAny(ctx context.Context, id any, method mcp.MCPMethod, _ any) {
	p.syncRegistry()
	p.logger.Debug("inbound request", p.requestFields(ctx, id, method)...)
}

func (p *Proxy) afterAny(ctx context.Context, id any, method mcp.MCPMethod, _ any, _ any) {
	p.logger.Debug("inbound request done", p.requestFields(ctx, id, method)...)
}

func (p *Proxy) onRequestError(ctx context.Context, id any, method mcp.MCPMethod, _ any, err error) {
	p.logger.Warn("inbound request failed",
		append(p.requestFields(ctx, id, method), zap.Error(err))...)
}

func (p *Proxy) requestFields(ctx context.Context, id any, method mcp.MCPMethod) []zap.Field {
	fields := []zap.Field{
		zap.String("method", string(method)),
		zap.Any("id", id),
	}
	if requestID := reqcontext.RequestID(ctx); requestID != "" {
		fields = append(fields, zap.String("request_id", requestID))
	}
	if sess := mcpserver.ClientSessionFromContext(ctx); sess != nil {
		fields = append(fields, zap.String("session", sess.SessionID()))
	}
	return fields
}

func (p *Proxy) finishInitialize(ctx context.Context, _ any, message *mcp.InitializeRequest, result *mcp.InitializeResult) {
	var caps mcp.ServerCapabilities
	if err := json.Unmarshal([]byte(advertisedCapabilities), &caps); err == nil {
		result.Capabilities = caps
	}
	result.Instructions = p.instructionsFor(ctx)

	fields := []zap.Field{zap.String("protocol", message.Params.ProtocolVersion)}
	if sess := mcpserver.ClientSessionFromContext(ctx); sess != nil {
		fields = append(fields, zap.String("session", sess.SessionID()))
	}
	if message.Params.ClientInfo.Name != "" {
		fields = append(fields,
			zap.String("client", message.Params.ClientInfo.Name),
			zap.String("client_version", message.Params.ClientInfo.Version))
	}
	p.logger.Info("inbound session initialized", fields...)
}

// instructionsFor merges the upstream instruction strings, passing them
// through the session's custom template when one is set. Template data:
// {{.Instructions}} is the merged text, {{.Servers}} the aggregated server
// names. A template that fails to parse or render falls back to the merged
// text.
func (p *Proxy) instructionsFor(ctx context.Context) string {
	merged := p.rt.Instructions().Merged()

	sess := mcpserver.ClientSessionFromContext(ctx)
	if sess == nil {
		return merged
	}
	rec := p.rt.Sessions().Peek(sess.SessionID())
	if rec == nil || rec.CustomTemplate == "" {
		return merged
	}

	tmpl, err := template.New("instructions").Parse(rec.CustomTemplate)
	if err != nil {
		p.logger.Warn("session instructions template does not parse, using merged instructions",
			zap.String("session", rec.SessionID), zap.Error(err))
		return merged
	}
	data := struct {
		Instructions string
		Servers      []string
	}{Instructions: merged, Servers: p.rt.Capabilities().Servers()}
	var buf strings.Builder
	if err := tmpl.Execute(&buf, data); err != nil {
		p.logger.Warn("session instructions template failed to render, using merged instructions",
			zap.String("session", rec.SessionID), zap.Error(err))
		return merged
	}
	return buf.String()
}

// syncRegistry brings the SDK registry up to the current aggregate view so
// dispatch can resolve every public name. Lists never read the registry (the
// After hooks rebuild them per session), so the sync only matters for
// tools/call, resources/read, and prompts/get, and a revision match makes it
// a no-op.
func (p *Proxy) syncRegistry() {
	view := p.rt.Capabilities().View()

	p.regMu.Lock()
	defer p.regMu.Unlock()
	if view.Revision == p.syncedRevision {
		return
	}

	tools := make([]mcpserver.ServerTool, 0, len(view.Tools))
	toolNames := make(map[string]struct{}, len(view.Tools))
	for name, entry := range view.Tools {
		if _, reserved := p.localTools[name]; reserved {
			p.logger.Warn("upstream tool shadowed by a built-in tool with the same name",
				zap.String("tool", name),
				zap.String("server", entry.Server))
			continue
		}
		toolNames[name] = struct{}{}
		tools = append(tools, mcpserver.ServerTool{Tool: entry.Tool, Handler: p.callTool})
	}
	if len(tools) > 0 {
		p.mcp.AddTools(tools...)
	}
	if stale := staleKeys(p.syncedTools, toolNames); len(stale) > 0 {
		p.mcp.DeleteTools(stale...)
	}
	p.syncedTools = toolNames

	uris := make(map[string]struct{}, len(view.Resources))
	for uri, entry := range view.Resources {
		uris[uri] = struct{}{}
		p.mcp.AddResource(entry.Resource, p.readResource)
	}
	for _, stale := range staleKeys(p.syncedResources, uris) {
		p.mcp.RemoveResource(stale)
	}
	p.syncedResources = uris

	promptNames := make(map[string]struct{}, len(view.Prompts))
	for name, entry := range view.Prompts {
		promptNames[name] = struct{}{}
		p.mcp.AddPrompt(entry.Prompt, p.getPrompt)
	}
	if stale := staleKeys(p.syncedPrompts, promptNames); len(stale) > 0 {
		p.mcp.DeletePrompts(stale...)
	}
	p.syncedPrompts = promptNames

	p.logger.Debug("registry synced to aggregate view",
		zap.Uint64("revision", view.Revision),
		zap.Int("tools", len(toolNames)),
		zap.Int("resources", len(uris)),
		zap.Int("prompts", len(promptNames)))
	p.syncedRevision = view.Revision
}

func staleKeys(before, after map[string]struct{}) []string {
	var stale []string
	for key := range before {
		if _, ok := after[key]; !ok {
			stale = append(stale, key)
		}
	}
	return stale
}

func (p *Proxy) filterToolList(ctx context.Context, _ any, message *mcp.ListToolsRequest, result *mcp.ListToolsResult) {
	rec := p.sessionRecord(ctx)
	vis := p.rt.Filter().Visible(rec, p.rt.Capabilities().View(), p.rt.ServerTags())

	tools := make([]mcp.Tool, 0, len(vis.Tools)+len(p.localTools))
	for _, tool := range p.localTools {
		tools = append(tools, tool)
	}
	for _, entry := range vis.Tools {
		if _, reserved := p.localTools[entry.Tool.Name]; reserved {
			continue
		}
		tools = append(tools, entry.Tool)
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })

	result.Tools, result.NextCursor = page(rec, message.Params.Cursor, tools,
		func(t mcp.Tool) string { return t.Name })
}

func (p *Proxy) filterResourceList(ctx context.Context, _ any, message *mcp.ListResourcesRequest, result *mcp.ListResourcesResult) {
	rec := p.sessionRecord(ctx)
	vis := p.rt.Filter().Visible(rec, p.rt.Capabilities().View(), p.rt.ServerTags())

	resources := make([]mcp.Resource, 0, len(vis.Resources))
	for _, entry := range vis.Resources {
		resources = append(resources, entry.Resource)
	}

	result.Resources, result.NextCursor = page(rec, message.Params.Cursor, resources,
		func(r mcp.Resource) string { return r.URI })
}

func (p *Proxy) filterPromptList(ctx context.Context, _ any, message *mcp.ListPromptsRequest, result *mcp.ListPromptsResult) {
	rec := p.sessionRecord(ctx)
	vis := p.rt.Filter().Visible(rec, p.rt.Capabilities().View(), p.rt.ServerTags())

	prompts := make([]mcp.Prompt, 0, len(vis.Prompts))
	for _, entry := range vis.Prompts {
		prompts = append(prompts, entry.Prompt)
	}

	result.Prompts, result.NextCursor = page(rec, message.Params.Cursor, prompts,
		func(pr mcp.Prompt) string { return pr.Name })
}

// page slices one sorted list for a paginated session. Sessions that did not
// opt into pagination get the whole list and no cursor. The cursor encodes
// the sort key of the last delivered item, mirroring how mcp-go paginates
// its own registries; an undecodable cursor restarts from the beginning.
func page[T any](rec *session.Record, cursor mcp.Cursor, items []T, key func(T) string) ([]T, mcp.Cursor) {
	if rec == nil || !rec.EnablePagination {
		return items, ""
	}
	start := 0
	if cursor != "" {
		if last, err := base64.StdEncoding.DecodeString(string(cursor)); err == nil {
			start = sort.Search(len(items), func(i int) bool { return key(items[i]) > string(last) })
		}
	}
	if start >= len(items) {
		return nil, ""
	}
	end := start + listPageSize
	if end >= len(items) {
		return items[start:], ""
	}
	next := base64.StdEncoding.EncodeToString([]byte(key(items[end-1])))
	return items[start:end], mcp.Cursor(next)
}

// visibleProvider resolves the upstream that provides a public name, applying
// the calling session's filter. A hidden item reports the same error as a
// missing one, so filtered sessions cannot probe for capabilities they were
// not shown.
func (p *Proxy) visibleProvider(ctx context.Context, server string, kind, name string) error {
	rec := p.sessionRecord(ctx)
	tags := p.rt.ServerTags()[server]
	if !p.rt.Filter().ServerVisible(rec, tags) {
		return apperr.New(apperr.KindCapability, "no connected server provides %s %q", kind, name)
	}
	return nil
}

func (p *Proxy) routeToolCall(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name := request.Params.Name
	entry, ok := p.rt.Capabilities().Tool(name)
	if !ok {
		return nil, apperr.New(apperr.KindCapability, "no connected server provides tool %q", name)
	}
	if err := p.visibleProvider(ctx, entry.Server, "tool", name); err != nil {
		return nil, err
	}
	client, ok := p.rt.Upstreams().Get(entry.Server)
	if !ok {
		return nil, apperr.ClientNotFound(entry.Server)
	}

	obs := p.rt.Observability()
	if tr := obs.Tracing(); tr != nil {
		spanCtx, span := tr.TraceToolCall(ctx, entry.Server, name)
		ctx = spanCtx
		defer span.End()
	}
	start := time.Now()
	result, err := client.CallTool(ctx, name, request.GetArguments())
	obs.RecordToolCall(ctx, entry.Server, name, time.Since(start), err)
	if err != nil {
		if tr := obs.Tracing(); tr != nil {
			tr.SetSpanError(ctx, err)
		}
		return nil, err
	}
	return result, nil
}

func (p *Proxy) routeResourceRead(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	uri := request.Params.URI
	entry, ok := p.rt.Capabilities().Resource(uri)
	if !ok {
		return nil, apperr.New(apperr.KindCapability, "no connected server provides resource %q", uri)
	}
	if err := p.visibleProvider(ctx, entry.Server, "resource", uri); err != nil {
		return nil, err
	}
	client, ok := p.rt.Upstreams().Get(entry.Server)
	if !ok {
		return nil, apperr.ClientNotFound(entry.Server)
	}
	result, err := client.ReadResource(ctx, uri)
	if err != nil {
		return nil, err
	}
	return result.Contents, nil
}

func (p *Proxy) routePromptGet(ctx context.Context, request mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	name := request.Params.Name
	entry, ok := p.rt.Capabilities().Prompt(name)
	if !ok {
		return nil, apperr.New(apperr.KindCapability, "no connected server provides prompt %q", name)
	}
	if err := p.visibleProvider(ctx, entry.Server, "prompt", name); err != nil {
		return nil, err
	}
	client, ok := p.rt.Upstreams().Get(entry.Server)
	if !ok {
		return nil, apperr.ClientNotFound(entry.Server)
	}
	return client.GetPrompt(ctx, name, request.Params.Arguments)
}

func (p *Proxy) forwardSetLevel(ctx context.Context, _ any, message *mcp.SetLevelRequest, _ *mcp.EmptyResult) {
	sent := p.rt.Broadcaster().SetLevel(ctx, message.Params.Level)
	p.logger.Debug("log level forwarded to upstreams",
		zap.String("level", string(message.Params.Level)),
		zap.Int("upstreams", sent))
}

func (p *Proxy) forwardCancellation(ctx context.Context, notification mcp.JSONRPCNotification) {
	requestID, ok := notification.Params.AdditionalFields["requestId"]
	if !ok {
		p.logger.Debug("cancellation without requestId ignored")
		return
	}
	reason, _ := notification.Params.AdditionalFields["reason"].(string)
	sent := p.rt.Broadcaster().CancelRequest(ctx, requestID, reason)
	p.logger.Debug("cancellation forwarded to upstreams",
		zap.Any("request_id", requestID),
		zap.Int("upstreams", sent))
}
