package runtime

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/onemcp/onemcp-go/internal/aggregate"
	"github.com/onemcp/onemcp-go/internal/appcontext"
	"github.com/onemcp/onemcp-go/internal/config"
	"github.com/onemcp/onemcp-go/internal/observability"
	"github.com/onemcp/onemcp-go/internal/reload"
	"github.com/onemcp/onemcp-go/internal/session"
	"github.com/onemcp/onemcp-go/internal/upstream"
)

// gaugeInterval is how often uptime and server gauges are refreshed.
const gaugeInterval = 15 * time.Second

// listChangedKinds are the capability kinds inbound clients can re-list.
var listChangedKinds = []string{aggregate.KindTools, aggregate.KindResources, aggregate.KindPrompts}

// Start loads the document, connects upstreams in the background, and
// begins watching the config and preset files. The passed context bounds
// startup work only; background loops run until Stop.
func (r *Runtime) Start(ctx context.Context) error {
	if !r.phase.Transition(PhaseStarting) {
		return fmt.Errorf("cannot start from phase %q", r.phase.Current())
	}
	r.logger.Info("starting",
		zap.String("config", r.settings.ConfigPath),
		zap.String("dataDir", r.settings.DataDir),
		zap.String("version", r.version))

	snapshot := r.builder.Build(ctx, r.transportDescriptor())
	result, err := r.loader.Load(ctx, r.settings.ConfigPath, snapshot)
	if err != nil {
		r.phase.Set(PhaseError)
		return fmt.Errorf("load %s: %w", r.settings.ConfigPath, err)
	}
	r.logLoadIssues(result)

	r.mu.Lock()
	r.lastContext = snapshot
	r.mu.Unlock()

	// The initial apply is a reload from an empty document, so install
	// order, disabled-server handling, and connect fan-out live in one
	// place. Connects continue on the app context after Start returns.
	if _, err := r.applyServers(nil, result.Servers, reload.Options{}); err != nil {
		r.phase.Set(PhaseError)
		return fmt.Errorf("apply initial document: %w", err)
	}

	if err := r.startWatchers(); err != nil {
		r.phase.Set(PhaseError)
		return err
	}

	r.wg.Add(1)
	go r.gaugeLoop()

	r.phase.Transition(PhaseRunning)
	r.logger.Info("running",
		zap.Int("servers", len(result.Servers)),
		zap.String("listen", r.settings.Listen))
	return nil
}

// Stop drains background work and releases every resource New acquired.
// The context bounds tracing export flush.
func (r *Runtime) Stop(ctx context.Context) error {
	if !r.phase.Transition(PhaseStopping) {
		return fmt.Errorf("cannot stop from phase %q", r.phase.Current())
	}
	r.logger.Info("stopping")

	if r.docWatcher != nil {
		r.docWatcher.Stop()
	}
	if r.presetWatcher != nil {
		r.presetWatcher.Stop()
	}

	// Closing upstreams first quiesces the state-change hooks; only then
	// is it safe to refuse new spawns and wait the group out.
	r.upstreams.Shutdown()

	r.spawnMu.Lock()
	r.draining = true
	r.spawnMu.Unlock()
	r.appCancel()
	r.wg.Wait()

	r.router.Close()
	r.sessions.Stop()

	if err := r.obs.Close(ctx); err != nil {
		r.logger.Warn("failed to close observability", zap.Error(err))
	}
	if err := r.store.Close(); err != nil {
		r.logger.Warn("failed to close state cache", zap.Error(err))
	}
	r.bus.Close()

	r.phase.Transition(PhaseStopped)
	r.logger.Info("stopped")
	return nil
}

// ReloadNow re-reads the document and applies it, bypassing the watcher
// debounce. force upgrades the strategy to a full reload.
func (r *Runtime) ReloadNow(ctx context.Context, force bool) (*reload.Operation, error) {
	snapshot := r.builder.Build(ctx, r.transportDescriptor())
	result, err := r.loader.Load(ctx, r.settings.ConfigPath, snapshot)
	if err != nil {
		return nil, err
	}
	r.logLoadIssues(result)

	r.mu.Lock()
	r.lastContext = snapshot
	r.mu.Unlock()

	return r.applyServers(r.serversSnapshot(), result.Servers, reload.Options{ForceFull: force})
}

// spawn runs fn on the waitgroup unless shutdown has begun.
func (r *Runtime) spawn(fn func()) {
	r.spawnMu.Lock()
	defer r.spawnMu.Unlock()
	if r.draining {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		fn()
	}()
}

func (r *Runtime) startWatchers() error {
	docWatcher, err := config.NewWatcher(r.settings.ConfigPath, r.settings.DebounceMs.Duration(), r.logger)
	if err != nil {
		return fmt.Errorf("watch %s: %w", r.settings.ConfigPath, err)
	}
	r.docWatcher = docWatcher

	presetWatcher, err := config.NewWatcher(r.layout.PresetsPath(), r.settings.DebounceMs.Duration(), r.logger)
	if err != nil {
		docWatcher.Stop()
		return fmt.Errorf("watch %s: %w", r.layout.PresetsPath(), err)
	}
	r.presetWatcher = presetWatcher

	r.wg.Add(2)
	go r.watchDocument()
	go r.watchPresets()
	return nil
}

func (r *Runtime) watchDocument() {
	defer r.wg.Done()
	for {
		select {
		case <-r.appCtx.Done():
			return
		case data, ok := <-r.docWatcher.Changes():
			if !ok {
				return
			}
			r.bus.Publish(EventTypeConfigChanged, map[string]any{"path": r.settings.ConfigPath})
			r.applyDocument(data)
		}
	}
}

func (r *Runtime) watchPresets() {
	defer r.wg.Done()
	for {
		select {
		case <-r.appCtx.Done():
			return
		case data, ok := <-r.presetWatcher.Changes():
			if !ok {
				return
			}
			if _, err := r.presets.ReplaceFromBytes(data); err != nil {
				r.logger.Warn("rejecting changed presets file, keeping last good table",
					zap.Error(err))
			}
		}
	}
}

// applyDocument validates changed document bytes and reloads. A document
// that fails to load leaves the previous one active.
func (r *Runtime) applyDocument(data []byte) {
	snapshot := r.builder.Build(r.appCtx, r.transportDescriptor())
	result, err := r.loader.LoadBytes(r.appCtx, data, snapshot)
	if err != nil {
		r.logger.Warn("rejecting changed document, keeping last applied",
			zap.Error(err))
		return
	}
	r.logLoadIssues(result)

	r.mu.Lock()
	r.lastContext = snapshot
	r.mu.Unlock()

	if _, err := r.applyServers(r.serversSnapshot(), result.Servers, reload.Options{}); err != nil {
		r.logger.Error("reload failed, previous document remains active",
			zap.Error(err))
	}
}

// applyServers runs one reload on the app context, which outlives the call
// so background connects survive it. On success the document swap and the
// reload metrics are recorded here, keeping every apply path uniform.
func (r *Runtime) applyServers(oldServers, newServers map[string]*config.ServerConfig, opts reload.Options) (*reload.Operation, error) {
	ctx := r.appCtx
	endSpan := func() {}
	if tr := r.obs.Tracing(); tr != nil {
		spanCtx, span := tr.TraceReload(ctx, string(opts.Strategy))
		ctx = spanCtx
		endSpan = func() { span.End() }
	}
	defer endSpan()

	op, err := r.engine.ExecuteReload(ctx, oldServers, newServers, opts)
	if op != nil {
		r.recordReload(op)
	}
	if err != nil {
		if tr := r.obs.Tracing(); tr != nil {
			tr.SetSpanError(ctx, err)
		}
		return op, err
	}
	if op.DryRun {
		return op, nil
	}

	r.mu.Lock()
	r.servers = newServers
	r.mu.Unlock()

	r.bus.Publish(EventTypeConfigReloaded, map[string]any{
		"operation": op.ID,
		"strategy":  string(op.Strategy),
		"servers":   len(newServers),
	})
	r.updateServerGauges()
	return op, nil
}

func (r *Runtime) recordReload(op *reload.Operation) {
	m := r.obs.Metrics()
	if m == nil || op.DryRun {
		return
	}
	status := observability.StatusSuccess
	if op.Phase != reload.PhaseCompleted {
		status = observability.StatusError
	}
	m.RecordReload(string(op.Strategy), status, op.Finished.Sub(op.Started))
}

func (r *Runtime) logLoadIssues(result *config.LoadResult) {
	for _, warning := range result.Warnings {
		r.logger.Warn("document warning", zap.String("warning", warning))
	}
	for _, err := range result.Errors {
		r.logger.Warn("document degraded", zap.Error(err))
	}
}

// transportDescriptor describes this proxy for context snapshots.
func (r *Runtime) transportDescriptor() appcontext.Transport {
	return appcontext.Transport{
		Type: "http",
		URL:  fmt.Sprintf("http://%s/mcp", r.settings.Listen),
	}
}

func (r *Runtime) gaugeLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(gaugeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.appCtx.Done():
			return
		case <-ticker.C:
			r.obs.UpdateUptime()
			r.updateServerGauges()
		}
	}
}

func (r *Runtime) updateServerGauges() {
	m := r.obs.Metrics()
	if m == nil {
		return
	}
	var connected, awaiting int
	for _, info := range r.upstreams.Infos() {
		switch info.State {
		case upstream.StateConnected:
			connected++
		case upstream.StateAwaitingOAuth:
			awaiting++
		}
	}
	m.SetServerStats(len(r.serversSnapshot()), connected, awaiting)
	m.SetToolsTotal(len(r.caps.Tools()))
	m.SetSessionsActive(r.sessions.Len())
}

// onUpstreamStateChange runs on connection goroutines. It stays cheap:
// metrics and bus publishes inline, capability work spawned.
func (r *Runtime) onUpstreamStateChange(server string, oldState, newState upstream.State, info upstream.Info) {
	m := r.obs.Metrics()

	switch newState {
	case upstream.StateConnected:
		if m != nil {
			m.RecordConnectAttempt(server, observability.StatusSuccess)
		}
		if oldState == upstream.StateAwaitingOAuth {
			r.bus.Publish(EventTypeOAuthCompleted, map[string]any{"server": server})
		}
		r.bus.Publish(EventTypeServerConnected, map[string]any{
			"server":  server,
			"name":    info.ServerName,
			"version": info.ServerVersion,
		})
		r.spawn(func() { r.adoptServerCapabilities(server) })
	case upstream.StateAwaitingOAuth:
		r.bus.Publish(EventTypeOAuthRequired, map[string]any{
			"server":           server,
			"authorizationUrl": info.AuthorizationURL,
		})
	case upstream.StateError:
		if m != nil {
			m.RecordConnectAttempt(server, observability.StatusError)
		}
	}

	if oldState == upstream.StateConnected && newState != upstream.StateConnected {
		payload := map[string]any{"server": server, "state": newState.String()}
		if info.LastError != nil {
			payload["error"] = info.LastError.Error()
		}
		r.bus.Publish(EventTypeServerDisconnected, payload)
		r.spawn(func() { r.dropServerCapabilities(server) })
	}

	r.spawn(r.updateServerGauges)
}

// adoptServerCapabilities fetches a freshly connected server's lists and
// folds them into the aggregate.
func (r *Runtime) adoptServerCapabilities(server string) {
	cl, ok := r.upstreams.Get(server)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.appCtx, r.settings.RequestTimeoutMs.OrDefault(60*time.Second))
	defer cancel()

	snap, err := aggregate.FetchSnapshot(ctx, cl)
	if err != nil {
		r.logger.Warn("failed to fetch capabilities",
			zap.String("server", server),
			zap.Error(err))
		return
	}
	// The server may have dropped while the fetch was in flight; adopting
	// its snapshot now would resurrect a dead entry.
	if cl.State() != upstream.StateConnected {
		return
	}

	changes := r.caps.SetServer(snap)
	r.instr.Set(server, cl.Instructions())
	r.announceChanges(server, changes)
	r.updateServerGauges()
}

// dropServerCapabilities strips a disconnected server from the aggregate.
// The reload engine handles removals it initiated itself; this path covers
// connection loss, where the change set is still non-empty.
func (r *Runtime) dropServerCapabilities(server string) {
	changes := r.caps.RemoveServer(server)
	r.instr.Clear(server)
	r.announceChanges(server, changes)
	r.updateServerGauges()
}

// announceChanges publishes a capability change on the bus and queues
// listChanged notifications for every session whose filtered view includes
// the server.
func (r *Runtime) announceChanges(server string, changes *aggregate.ChangeSet) {
	if changes == nil || changes.Empty() {
		return
	}
	kinds := changes.Kinds()
	r.bus.Publish(EventTypeCapabilityChanged, map[string]any{
		"server":   server,
		"kinds":    kinds,
		"revision": changes.Revision,
	})

	ids := r.affectedSessions(r.serverTags(server))
	if len(ids) == 0 {
		return
	}
	for _, kind := range kinds {
		switch kind {
		case aggregate.KindTools, aggregate.KindResources, aggregate.KindPrompts:
			r.router.ListChanged(kind, ids...)
		}
	}
}

// serverTags resolves a server's tags from the live client when it exists,
// falling back to the applied document for servers already removed.
func (r *Runtime) serverTags(server string) []string {
	if cl, ok := r.upstreams.Get(server); ok {
		return cl.Tags()
	}
	if cfg, ok := r.serversSnapshot()[server]; ok {
		return cfg.Tags
	}
	return nil
}

// affectedSessions returns the ids of sessions whose filter admits a server
// with the given tags.
func (r *Runtime) affectedSessions(serverTags []string) []string {
	records := r.sessions.List()
	ids := make([]string, 0, len(records))
	for _, rec := range records {
		if r.filter.ServerVisible(rec, serverTags) {
			ids = append(ids, rec.SessionID)
		}
	}
	return ids
}

func (r *Runtime) sessionIDs() []string {
	records := r.sessions.List()
	ids := make([]string, 0, len(records))
	for _, rec := range records {
		ids = append(ids, rec.SessionID)
	}
	return ids
}

// onUpstreamNotification reacts to server-initiated notifications. List
// invalidations trigger a refetch; everything else forwards to the sessions
// that can see the originating server.
func (r *Runtime) onUpstreamNotification(server string, notification mcp.JSONRPCNotification) {
	switch notification.Method {
	case string(mcp.MethodNotificationToolsListChanged),
		string(mcp.MethodNotificationResourcesListChanged),
		string(mcp.MethodNotificationPromptsListChanged):
		r.spawn(func() { r.adoptServerCapabilities(server) })
	case "notifications/message":
		r.forwardLogging(server, notification)
	default:
		r.forwardNotification(server, notification)
	}
}

// forwardLogging relays an upstream logging message, stamping the logger
// field with the server name so interleaved streams stay attributable.
func (r *Runtime) forwardLogging(server string, notification mcp.JSONRPCNotification) {
	params := notificationParams(notification)
	if loggerName, ok := params["logger"].(string); ok && loggerName != "" {
		params["logger"] = server + ":" + loggerName
	} else {
		params["logger"] = server
	}

	ids := r.affectedSessions(r.serverTags(server))
	if len(ids) == 0 {
		return
	}
	r.router.Logging(params, ids...)
}

func (r *Runtime) forwardNotification(server string, notification mcp.JSONRPCNotification) {
	ids := r.affectedSessions(r.serverTags(server))
	if len(ids) == 0 {
		return
	}
	r.router.Forward(notification.Method, notificationParams(notification), ids...)
}

func notificationParams(notification mcp.JSONRPCNotification) map[string]any {
	params := make(map[string]any, len(notification.Params.AdditionalFields))
	for key, value := range notification.Params.AdditionalFields {
		params[key] = value
	}
	return params
}

// onReloadEvent republishes engine progress on the runtime bus.
func (r *Runtime) onReloadEvent(event reload.Event) {
	payload := map[string]any{
		"operation": event.Operation,
		"phase":     string(event.Phase),
		"progress":  event.Progress,
	}
	switch event.Kind {
	case reload.EventStarted:
		r.bus.Publish(EventTypeReloadStarted, payload)
	case reload.EventProgress:
		r.bus.Publish(EventTypeReloadProgress, payload)
	case reload.EventCompleted:
		r.bus.Publish(EventTypeReloadCompleted, payload)
	case reload.EventFailed:
		if event.Err != nil {
			payload["error"] = event.Err.Error()
		}
		r.bus.Publish(EventTypeReloadFailed, payload)
	case reload.EventCancelled:
		r.bus.Publish(EventTypeReloadCancelled, payload)
	case reload.EventServerShutdown:
		payload["server"] = event.Server
		r.bus.Publish(EventTypeReloadProgress, payload)
	}
}

// onTagsChanged fires when a reload rewired a server's tags. Which sessions
// see the server changed, not the capability maps, so every session re-lists.
func (r *Runtime) onTagsChanged(server string) {
	r.bus.Publish(EventTypeCapabilityChanged, map[string]any{
		"server": server,
		"reason": "tags",
	})
	ids := r.sessionIDs()
	if len(ids) == 0 {
		return
	}
	for _, kind := range listChangedKinds {
		r.router.ListChanged(kind, ids...)
	}
}

// onPresetChanged re-filters the sessions pinned to the changed preset.
func (r *Runtime) onPresetChanged(name string) {
	r.bus.Publish(EventTypePresetChanged, map[string]any{"preset": name})

	var ids []string
	for _, rec := range r.sessions.List() {
		if rec.TagFilterMode == session.FilterPreset && strings.EqualFold(rec.PresetName, name) {
			ids = append(ids, rec.SessionID)
		}
	}
	if len(ids) == 0 {
		return
	}
	for _, kind := range listChangedKinds {
		r.router.ListChanged(kind, ids...)
	}
}

func (r *Runtime) onSessionPersist(trigger string) {
	if m := r.obs.Metrics(); m != nil {
		m.RecordSessionPersist(trigger)
	}
}

func (r *Runtime) onNotificationBatched(kind string) {
	if m := r.obs.Metrics(); m != nil {
		m.RecordNotificationBatched(kind)
	}
}
