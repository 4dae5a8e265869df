// Package preset persists named tag selections in presets.json. Sessions
// whose filter mode is "preset" resolve their name through the Store, so
// editing one preset retargets every session pinned to it.
package preset

import (
	"encoding/json"
	"os"
	"sort"
	"sync"

	"github.com/tailscale/hujson"
	"go.uber.org/zap"

	"github.com/onemcp/onemcp-go/internal/apperr"
	"github.com/onemcp/onemcp-go/internal/hash"
	"github.com/onemcp/onemcp-go/internal/session"
	"github.com/onemcp/onemcp-go/internal/storage"
)

// FileName is the preset document inside the data directory.
const FileName = "presets.json"

// Options configures the store.
type Options struct {
	// Path is the presets.json location.
	Path string

	// OnChanged is invoked once per preset whose effective selection
	// changed, after the mutation is durable. Called outside the store
	// lock. May be nil.
	OnChanged func(name string)
}

// Store is the preset table. The in-memory map mirrors presets.json;
// mutations write the file atomically before they announce the change.
type Store struct {
	logger *zap.Logger
	opts   Options

	mu      sync.RWMutex
	presets map[string]session.Selection
}

var _ session.PresetSource = (*Store)(nil)

// NewStore loads presets.json from opts.Path. A missing file is an empty
// store; a file that is not a JSON object fails construction. Entries
// that do not validate are skipped with a warning, matching how malformed
// session filter fields are dropped at load.
func NewStore(logger *zap.Logger, opts Options) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Path == "" {
		return nil, apperr.New(apperr.KindValidation, "preset store: no path configured")
	}

	s := &Store{
		logger:  logger.Named("preset"),
		opts:    opts,
		presets: map[string]session.Selection{},
	}

	data, err := os.ReadFile(opts.Path)
	switch {
	case os.IsNotExist(err):
		return s, nil
	case err != nil:
		return nil, apperr.IO(err, "reading presets %s", opts.Path)
	}

	presets, err := s.parse(data)
	if err != nil {
		return nil, err
	}
	s.presets = presets
	if len(presets) > 0 {
		s.logger.Info("loaded presets", zap.Int("count", len(presets)))
	}
	return s, nil
}

// Selection resolves one preset to a deep copy of its stored selection.
// This is the session.PresetSource contract.
func (s *Store) Selection(name string) (session.Selection, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sel, ok := s.presets[name]
	if !ok {
		return session.Selection{}, false
	}
	return sel.Clone(), true
}

// Names returns the stored preset names, sorted.
func (s *Store) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.presets))
	for name := range s.presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of stored presets.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.presets)
}

// Set stores sel under name and rewrites presets.json. Storing the
// selection a preset already has is a no-op with no event.
func (s *Store) Set(name string, sel session.Selection) error {
	if err := validate(name, sel); err != nil {
		return err
	}

	s.mu.Lock()
	if prev, ok := s.presets[name]; ok && hash.Equal(prev, sel) {
		s.mu.Unlock()
		return nil
	}
	next := s.cloneTableLocked()
	next[name] = sel.Clone()
	err := s.saveLocked(next)
	if err == nil {
		s.presets = next
	}
	s.mu.Unlock()

	if err != nil {
		return err
	}
	s.announce(name)
	return nil
}

// Delete removes name and rewrites presets.json. Sessions pinned to a
// deleted preset degrade to unfiltered on their next request.
func (s *Store) Delete(name string) error {
	s.mu.Lock()
	if _, ok := s.presets[name]; !ok {
		s.mu.Unlock()
		return apperr.New(apperr.KindValidation, "preset %q not found", name)
	}
	next := s.cloneTableLocked()
	delete(next, name)
	err := s.saveLocked(next)
	if err == nil {
		s.presets = next
	}
	s.mu.Unlock()

	if err != nil {
		return err
	}
	s.announce(name)
	return nil
}

// ReplaceFromBytes swaps the table for the given document bytes, as handed
// over by the file watcher. A document that fails to parse keeps the
// current table. Returns the names whose selection changed, sorted; each
// is also announced through OnChanged. A rewrite of identical content
// diffs to nothing, so the store's own saves do not echo.
func (s *Store) ReplaceFromBytes(data []byte) ([]string, error) {
	incoming, err := s.parse(data)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	changed := diffNames(s.presets, incoming)
	s.presets = incoming
	s.mu.Unlock()

	for _, name := range changed {
		s.announce(name)
	}
	if len(changed) > 0 {
		s.logger.Info("presets reloaded from file", zap.Strings("changed", changed))
	}
	return changed, nil
}

// parse decodes a presets document: a JSON/JSON5 object of name to
// selection. Entries that fail to decode or validate are skipped.
func (s *Store) parse(data []byte) (map[string]session.Selection, error) {
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return nil, apperr.Parse(err, "presets file is not valid JSON/JSON5")
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(standardized, &raw); err != nil {
		return nil, apperr.Parse(err, "presets file must be a JSON object")
	}

	presets := make(map[string]session.Selection, len(raw))
	for name, body := range raw {
		var sel session.Selection
		err := json.Unmarshal(body, &sel)
		if err == nil {
			err = validate(name, sel)
		}
		if err != nil {
			s.logger.Warn("skipping invalid preset",
				zap.String("preset", name),
				zap.Error(err))
			continue
		}
		presets[name] = sel
	}
	return presets, nil
}

// saveLocked writes the table to presets.json. Callers hold the write lock.
func (s *Store) saveLocked(presets map[string]session.Selection) error {
	if err := storage.WriteJSONAtomic(s.opts.Path, presets); err != nil {
		return apperr.IO(err, "writing presets %s", s.opts.Path)
	}
	return nil
}

func (s *Store) cloneTableLocked() map[string]session.Selection {
	next := make(map[string]session.Selection, len(s.presets)+1)
	for name, sel := range s.presets {
		next[name] = sel
	}
	return next
}

func (s *Store) announce(name string) {
	if s.opts.OnChanged != nil {
		s.opts.OnChanged(name)
	}
}

// validate checks that a selection is evaluable: the payload its mode
// reads must be present and well formed. Preset mode is rejected because
// presets do not nest.
func validate(name string, sel session.Selection) error {
	if name == "" {
		return apperr.New(apperr.KindValidation, "preset name must not be empty")
	}
	switch sel.Mode {
	case session.FilterSimpleOr, session.FilterSimpleAnd:
		if len(sel.Tags) == 0 {
			return apperr.New(apperr.KindValidation, "preset %q: mode %s needs at least one tag", name, sel.Mode)
		}
	case session.FilterAdvanced:
		if sel.Expression == nil {
			return apperr.New(apperr.KindValidation, "preset %q: advanced mode needs an expression", name)
		}
		if err := sel.Expression.Validate(); err != nil {
			return apperr.Wrap(apperr.KindValidation, err, "preset %q", name)
		}
	case session.FilterPreset:
		return apperr.New(apperr.KindValidation, "preset %q: presets do not nest", name)
	default:
		return apperr.New(apperr.KindValidation, "preset %q: unknown mode %q", name, sel.Mode)
	}
	return nil
}

// diffNames returns the sorted union of names whose selection differs
// between the two tables.
func diffNames(before, after map[string]session.Selection) []string {
	var changed []string
	for name, prev := range before {
		next, ok := after[name]
		if !ok || !hash.Equal(prev, next) {
			changed = append(changed, name)
		}
	}
	for name := range after {
		if _, ok := before[name]; !ok {
			changed = append(changed, name)
		}
	}
	sort.Strings(changed)
	return changed
}
