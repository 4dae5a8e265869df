// Package aggregate merges the capability surfaces and instruction strings
// of all connected upstream servers into the single logical view the proxy
// republishes to inbound clients. The capability side keys tools and prompts
// by name and resources by URI, resolves cross-server collisions with a
// deterministic last-seen-wins policy, and reports every recompute as a
// change-set so the notification layer can tell inbound sessions what moved.
package aggregate

import (
	"sort"
	"strings"
	"sync"
)

// instructionSeparator sits between two servers' instruction blocks in the
// merged output.
const instructionSeparator = "\n\n---\n\n"

// Instructions collects the instruction strings upstream servers report
// during their initialize handshake.
type Instructions struct {
	mu       sync.RWMutex
	byServer map[string]string
}

// NewInstructions creates an empty instruction aggregator.
func NewInstructions() *Instructions {
	return &Instructions{
		byServer: make(map[string]string),
	}
}

// Set stores the instruction string a server reported. Empty strings are
// kept as placeholders but never show up in the merged output.
func (i *Instructions) Set(server, instructions string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.byServer[server] = instructions
}

// Clear drops a server's contribution, typically on disconnect or removal.
func (i *Instructions) Clear(server string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.byServer, server)
}

// Get returns the stored instruction string for one server.
func (i *Instructions) Get(server string) (string, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	text, ok := i.byServer[server]
	return text, ok
}

// Merged concatenates all non-empty instruction strings in name-sorted
// order. The result is recomputed on every call from the current map, so a
// server that disconnected between two calls simply vanishes from the text.
func (i *Instructions) Merged() string {
	i.mu.RLock()
	defer i.mu.RUnlock()

	names := make([]string, 0, len(i.byServer))
	for name, text := range i.byServer {
		if text == "" {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, i.byServer[name])
	}
	return strings.Join(parts, instructionSeparator)
}
