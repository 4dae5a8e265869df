package aggregate

import (
	"encoding/json"
	"errors"
	"sort"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/onemcp/onemcp-go/internal/hash"
	"github.com/onemcp/onemcp-go/internal/storage"
)

// Sub-map names as they appear in change-sets and notification routing.
const (
	KindTools        = "tools"
	KindResources    = "resources"
	KindPrompts      = "prompts"
	KindExperimental = "experimental"
	KindLogging      = "logging"
)

// Tool is one aggregated tool entry. Server names the upstream that provides
// it and is what the request router dispatches on.
type Tool struct {
	Server string   `json:"server_name"`
	Tool   mcp.Tool `json:"tool"`
}

// Resource is one aggregated resource entry, keyed by URI in the view.
type Resource struct {
	Server   string       `json:"server_name"`
	Resource mcp.Resource `json:"resource"`
}

// Prompt is one aggregated prompt entry.
type Prompt struct {
	Server string     `json:"server_name"`
	Prompt mcp.Prompt `json:"prompt"`
}

// Experimental is one aggregated experimental capability, keyed by feature
// name in the view.
type Experimental struct {
	Server string `json:"server_name"`
	Value  any    `json:"value"`
}

// View is one immutable merged capability set. Every recompute builds a fresh
// View and swaps the pointer, so holders of an old View keep a consistent
// read. Callers must not mutate the maps.
type View struct {
	Tools        map[string]Tool
	Resources    map[string]Resource
	Prompts      map[string]Prompt
	Experimental map[string]Experimental
	Logging      map[string]bool
	Revision     uint64
}

func emptyView() *View {
	return &View{
		Tools:        make(map[string]Tool),
		Resources:    make(map[string]Resource),
		Prompts:      make(map[string]Prompt),
		Experimental: make(map[string]Experimental),
		Logging:      make(map[string]bool),
	}
}

// Delta lists the keys of one sub-map that changed between two views.
type Delta struct {
	Added    []string `json:"added,omitempty"`
	Removed  []string `json:"removed,omitempty"`
	Modified []string `json:"modified,omitempty"`
}

// Empty reports whether the delta carries no changes.
func (d Delta) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Modified) == 0
}

// ChangeSet describes how the merged view moved during one recompute.
type ChangeSet struct {
	Tools        Delta  `json:"tools"`
	Resources    Delta  `json:"resources"`
	Prompts      Delta  `json:"prompts"`
	Experimental Delta  `json:"experimental"`
	Logging      Delta  `json:"logging"`
	Revision     uint64 `json:"revision"`
}

// Empty reports whether nothing changed in any sub-map.
func (c *ChangeSet) Empty() bool {
	return c.Tools.Empty() && c.Resources.Empty() && c.Prompts.Empty() &&
		c.Experimental.Empty() && c.Logging.Empty()
}

// Kinds returns the names of the sub-maps that changed. The notification
// router turns these into per-kind listChanged notifications.
func (c *ChangeSet) Kinds() []string {
	var kinds []string
	if !c.Tools.Empty() {
		kinds = append(kinds, KindTools)
	}
	if !c.Resources.Empty() {
		kinds = append(kinds, KindResources)
	}
	if !c.Prompts.Empty() {
		kinds = append(kinds, KindPrompts)
	}
	if !c.Experimental.Empty() {
		kinds = append(kinds, KindExperimental)
	}
	if !c.Logging.Empty() {
		kinds = append(kinds, KindLogging)
	}
	return kinds
}

// Conflict records one key that two or more providers published with
// different payloads during the same recompute. The last server in Servers
// won the key.
type Conflict struct {
	Kind    string   `json:"kind"`
	Key     string   `json:"key"`
	Servers []string `json:"servers"`
}

// Store is the slice of the state cache the aggregator persists snapshots
// through. Snapshots survive disconnects and process restarts so capability
// drift while a server was offline can be detected and reported.
type Store interface {
	SaveCapabilities(record *storage.CapabilityRecord) error
	GetCapabilities(server string) (*storage.CapabilityRecord, error)
	DeleteCapabilities(server string) error
}

// Capabilities merges the per-server snapshots of all connected upstreams
// into one view keyed by tool name, resource URI, and prompt name.
type Capabilities struct {
	logger *zap.Logger
	store  Store

	mu        sync.RWMutex
	byServer  map[string]*ServerSnapshot
	hashes    map[string]string
	view      *View
	conflicts []Conflict
	revision  uint64
}

// NewCapabilities creates an empty capability aggregator. store may be nil,
// which disables snapshot persistence.
func NewCapabilities(logger *zap.Logger, store Store) *Capabilities {
	return &Capabilities{
		logger:   logger,
		store:    store,
		byServer: make(map[string]*ServerSnapshot),
		hashes:   make(map[string]string),
		view:     emptyView(),
	}
}

// SetServer installs or replaces one server's snapshot and recomputes the
// merged view. The aggregator keeps the snapshot, so the caller must not
// mutate it afterwards. The returned change-set is never nil; it is empty
// when the snapshot matches what the view already contains.
func (c *Capabilities) SetServer(snap *ServerSnapshot) *ChangeSet {
	newHash, err := hash.Canonical(snap)
	if err != nil {
		c.logger.Warn("failed to hash capability snapshot",
			zap.String("server", snap.Server),
			zap.Error(err))
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if prevHash, ok := c.hashes[snap.Server]; ok && newHash != "" && prevHash == newHash {
		return &ChangeSet{Revision: c.revision}
	}

	if _, live := c.byServer[snap.Server]; !live {
		c.reportDriftLocked(snap.Server, newHash)
	}

	c.byServer[snap.Server] = snap
	c.hashes[snap.Server] = newHash
	changes := c.recomputeLocked()
	c.persistLocked(snap, newHash)
	return changes
}

// RemoveServer drops a server's contribution from the live view, typically
// when its connection is lost. The persisted snapshot is kept so that a later
// reconnect can report drift.
func (c *Capabilities) RemoveServer(server string) *ChangeSet {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.byServer[server]; !ok {
		return &ChangeSet{Revision: c.revision}
	}
	delete(c.byServer, server)
	delete(c.hashes, server)
	return c.recomputeLocked()
}

// Forget removes a server from the live view and deletes its persisted
// snapshot. Used when the server is removed from the configuration.
func (c *Capabilities) Forget(server string) *ChangeSet {
	c.mu.Lock()
	changes := &ChangeSet{Revision: c.revision}
	if _, ok := c.byServer[server]; ok {
		delete(c.byServer, server)
		delete(c.hashes, server)
		changes = c.recomputeLocked()
	}
	c.mu.Unlock()

	if c.store != nil {
		if err := c.store.DeleteCapabilities(server); err != nil {
			c.logger.Warn("failed to delete capability snapshot",
				zap.String("server", server),
				zap.Error(err))
		}
	}
	return changes
}

// View returns the current merged view. The view is immutable; a later
// recompute swaps in a new one rather than changing this one.
func (c *Capabilities) View() *View {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.view
}

// Tool resolves an aggregated tool by name.
func (c *Capabilities) Tool(name string) (Tool, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.view.Tools[name]
	return entry, ok
}

// Resource resolves an aggregated resource by URI.
func (c *Capabilities) Resource(uri string) (Resource, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.view.Resources[uri]
	return entry, ok
}

// Prompt resolves an aggregated prompt by name.
func (c *Capabilities) Prompt(name string) (Prompt, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.view.Prompts[name]
	return entry, ok
}

// Tools returns the aggregated tools sorted by tool name.
func (c *Capabilities) Tools() []Tool {
	view := c.View()
	names := sortedKeys(view.Tools)
	out := make([]Tool, 0, len(names))
	for _, name := range names {
		out = append(out, view.Tools[name])
	}
	return out
}

// Resources returns the aggregated resources sorted by URI.
func (c *Capabilities) Resources() []Resource {
	view := c.View()
	uris := sortedKeys(view.Resources)
	out := make([]Resource, 0, len(uris))
	for _, uri := range uris {
		out = append(out, view.Resources[uri])
	}
	return out
}

// Prompts returns the aggregated prompts sorted by prompt name.
func (c *Capabilities) Prompts() []Prompt {
	view := c.View()
	names := sortedKeys(view.Prompts)
	out := make([]Prompt, 0, len(names))
	for _, name := range names {
		out = append(out, view.Prompts[name])
	}
	return out
}

// LoggingServers returns the names of servers whose live snapshot advertises
// the logging capability, sorted.
func (c *Capabilities) LoggingServers() []string {
	return sortedKeys(c.View().Logging)
}

// Servers returns the names of servers currently contributing to the view.
func (c *Capabilities) Servers() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return sortedKeys(c.byServer)
}

// Snapshot returns the live snapshot for one server, if present.
func (c *Capabilities) Snapshot(server string) (*ServerSnapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap, ok := c.byServer[server]
	return snap, ok
}

// Conflicts returns the collisions detected by the most recent recompute.
func (c *Capabilities) Conflicts() []Conflict {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Conflict, len(c.conflicts))
	copy(out, c.conflicts)
	return out
}

// StoredSnapshot loads the persisted snapshot for one server from the state
// cache, regardless of whether the server is currently connected.
func (c *Capabilities) StoredSnapshot(server string) (*ServerSnapshot, error) {
	if c.store == nil {
		return nil, storage.ErrNotFound
	}
	record, err := c.store.GetCapabilities(server)
	if err != nil {
		return nil, err
	}
	var snap ServerSnapshot
	if err := json.Unmarshal(record.Snapshot, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// recomputeLocked rebuilds the merged view from the live snapshots and
// returns the change-set against the previous view. Servers are merged in
// name-sorted order, so when two providers publish the same key the
// lexicographically last one wins deterministically.
func (c *Capabilities) recomputeLocked() *ChangeSet {
	names := make([]string, 0, len(c.byServer))
	for name := range c.byServer {
		names = append(names, name)
	}
	sort.Strings(names)

	next := emptyView()
	var conflicts []Conflict
	conflictIdx := make(map[string]int)

	collide := func(kind, key, prevServer, server string) {
		idxKey := kind + "\x00" + key
		if i, ok := conflictIdx[idxKey]; ok {
			conflicts[i].Servers = append(conflicts[i].Servers, server)
			return
		}
		conflictIdx[idxKey] = len(conflicts)
		conflicts = append(conflicts, Conflict{
			Kind:    kind,
			Key:     key,
			Servers: []string{prevServer, server},
		})
	}

	for _, name := range names {
		snap := c.byServer[name]
		for _, tool := range snap.Tools {
			if prev, ok := next.Tools[tool.Name]; ok && !hash.Equal(prev.Tool, tool) {
				collide(KindTools, tool.Name, prev.Server, name)
			}
			next.Tools[tool.Name] = Tool{Server: name, Tool: tool}
		}
		for _, resource := range snap.Resources {
			if prev, ok := next.Resources[resource.URI]; ok && !hash.Equal(prev.Resource, resource) {
				collide(KindResources, resource.URI, prev.Server, name)
			}
			next.Resources[resource.URI] = Resource{Server: name, Resource: resource}
		}
		for _, prompt := range snap.Prompts {
			if prev, ok := next.Prompts[prompt.Name]; ok && !hash.Equal(prev.Prompt, prompt) {
				collide(KindPrompts, prompt.Name, prev.Server, name)
			}
			next.Prompts[prompt.Name] = Prompt{Server: name, Prompt: prompt}
		}
		for key, value := range snap.Experimental {
			if prev, ok := next.Experimental[key]; ok && !hash.Equal(prev.Value, value) {
				collide(KindExperimental, key, prev.Server, name)
			}
			next.Experimental[key] = Experimental{Server: name, Value: value}
		}
		if snap.Logging {
			next.Logging[name] = true
		}
	}

	c.warnNewConflictsLocked(conflicts)

	c.revision++
	next.Revision = c.revision
	changes := diffViews(c.view, next)
	changes.Revision = c.revision
	c.view = next
	c.conflicts = conflicts
	return changes
}

// warnNewConflictsLocked logs collisions that were not present after the
// previous recompute, so a stable conflict does not spam the log on every
// snapshot update.
func (c *Capabilities) warnNewConflictsLocked(conflicts []Conflict) {
	known := make(map[string]bool, len(c.conflicts))
	for _, prev := range c.conflicts {
		known[prev.Kind+"\x00"+prev.Key] = true
	}
	for _, cf := range conflicts {
		if known[cf.Kind+"\x00"+cf.Key] {
			continue
		}
		c.logger.Warn("capability key provided by multiple servers, last one wins",
			zap.String("kind", cf.Kind),
			zap.String("key", cf.Key),
			zap.Strings("servers", cf.Servers))
	}
}

func (c *Capabilities) reportDriftLocked(server, newHash string) {
	if c.store == nil || newHash == "" {
		return
	}
	record, err := c.store.GetCapabilities(server)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			c.logger.Warn("failed to read capability snapshot",
				zap.String("server", server),
				zap.Error(err))
		}
		return
	}
	if record.Hash != newHash {
		c.logger.Info("capabilities changed while server was offline",
			zap.String("server", server),
			zap.Time("last_seen", record.Updated))
	}
}

func (c *Capabilities) persistLocked(snap *ServerSnapshot, snapHash string) {
	if c.store == nil {
		return
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		c.logger.Warn("failed to encode capability snapshot",
			zap.String("server", snap.Server),
			zap.Error(err))
		return
	}
	record := &storage.CapabilityRecord{
		Server:   snap.Server,
		Hash:     snapHash,
		Snapshot: raw,
	}
	if err := c.store.SaveCapabilities(record); err != nil {
		c.logger.Warn("failed to persist capability snapshot",
			zap.String("server", snap.Server),
			zap.Error(err))
	}
}

// diffViews computes per-sub-map added/removed/modified key sets. An entry
// counts as modified when either its payload or its providing server changed.
func diffViews(old, next *View) *ChangeSet {
	changes := &ChangeSet{}
	changes.Tools = diffKeys(keysOf(old.Tools), keysOf(next.Tools), func(key string) bool {
		return hash.Equal(old.Tools[key], next.Tools[key])
	})
	changes.Resources = diffKeys(keysOf(old.Resources), keysOf(next.Resources), func(key string) bool {
		return hash.Equal(old.Resources[key], next.Resources[key])
	})
	changes.Prompts = diffKeys(keysOf(old.Prompts), keysOf(next.Prompts), func(key string) bool {
		return hash.Equal(old.Prompts[key], next.Prompts[key])
	})
	changes.Experimental = diffKeys(keysOf(old.Experimental), keysOf(next.Experimental), func(key string) bool {
		return hash.Equal(old.Experimental[key], next.Experimental[key])
	})
	changes.Logging = diffKeys(keysOf(old.Logging), keysOf(next.Logging), func(string) bool {
		return true
	})
	return changes
}

// diffKeys splits two key sets into added, removed, and modified. same
// reports whether a key present on both sides kept an equal value.
func diffKeys(old, next map[string]bool, same func(key string) bool) Delta {
	var delta Delta
	for key := range next {
		if !old[key] {
			delta.Added = append(delta.Added, key)
		} else if !same(key) {
			delta.Modified = append(delta.Modified, key)
		}
	}
	for key := range old {
		if !next[key] {
			delta.Removed = append(delta.Removed, key)
		}
	}
	sort.Strings(delta.Added)
	sort.Strings(delta.Removed)
	sort.Strings(delta.Modified)
	return delta
}

func keysOf[V any](m map[string]V) map[string]bool {
	out := make(map[string]bool, len(m))
	for key := range m {
		out[key] = true
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
