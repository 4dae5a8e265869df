package session

import (
	"encoding/json"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/onemcp/onemcp-go/internal/apperr"
)

// Persist trigger labels, also used as the metric label.
const (
	TriggerCount      = "count"
	TriggerInterval   = "interval"
	TriggerBackground = "background"
	TriggerStop       = "stop"
)

// Options configure a Store. Zero values fall back to the documented
// defaults, so tests set only what they exercise.
type Options struct {
	// Dir is the directory session files live in. Required when Persist.
	Dir string
	// Prefix names the files: <prefix>-<sessionId>.json. Default "session".
	Prefix string
	// Persist enables write-through. Off means memory-only semantics and a
	// restart loses all sessions.
	Persist bool
	// TTL is the idle lifetime. Default 168h.
	TTL time.Duration
	// PersistRequests is the touch count that forces a write. Default 100.
	PersistRequests int
	// PersistInterval is the wall-clock gap that forces a write. Default 5m.
	PersistInterval time.Duration
	// FlushInterval is the background sweep-and-flush cadence. Default 60s.
	FlushInterval time.Duration
	// OnPersist observes every completed disk write with its trigger label.
	OnPersist func(trigger string)
}

func (o *Options) applyDefaults() {
	if o.Prefix == "" {
		o.Prefix = "session"
	}
	if o.TTL <= 0 {
		o.TTL = 168 * time.Hour
	}
	if o.PersistRequests <= 0 {
		o.PersistRequests = 100
	}
	if o.PersistInterval <= 0 {
		o.PersistInterval = 5 * time.Minute
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = 60 * time.Second
	}
}

// entry pairs a record with its persistence counters. The entry mutex guards
// everything here; the store map lock is never taken while holding it.
type entry struct {
	mu            sync.Mutex
	rec           Record
	requestCount  int
	lastPersistAt time.Time
	dirty         bool
	dead          bool
}

func (e *entry) snapshot() *Record {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rec.Clone()
}

// Store owns all inbound session records. The in-memory map is authoritative;
// disk is a write-behind copy refreshed on a dual trigger.
type Store struct {
	logger *zap.Logger
	opts   Options
	now    func() time.Time

	mu       sync.RWMutex
	sessions map[string]*entry

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// NewStore builds the store, restores persisted sessions when persistence is
// on, and starts the background flush loop. Callers must Stop it.
func NewStore(logger *zap.Logger, opts Options) (*Store, error) {
	opts.applyDefaults()
	s := &Store{
		logger:   logger.Named("session"),
		opts:     opts,
		now:      time.Now,
		sessions: make(map[string]*entry),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	if opts.Persist {
		if opts.Dir == "" {
			return nil, apperr.New(apperr.KindValidation, "session store: persistence enabled without a directory")
		}
		if err := os.MkdirAll(opts.Dir, 0o700); err != nil {
			return nil, apperr.IO(err, "creating session directory %s", opts.Dir)
		}
		s.loadAll()
	}
	go s.flushLoop()
	return s, nil
}

// Stop flushes every dirty session and cancels the background loop. Safe to
// call more than once.
func (s *Store) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		<-s.done
		s.flushDirty(TriggerStop)
	})
}

// GetOrCreate returns the session, creating it when unknown or expired. The
// second result reports creation. Existing sessions are touched.
func (s *Store) GetOrCreate(id string) (*Record, bool) {
	if id == "" {
		return nil, false
	}
	now := s.now()

	s.mu.Lock()
	ent, ok := s.sessions[id]
	if ok && now.After(ent.snapshotExpiry()) {
		s.dropLocked(id, ent)
		ok = false
	}
	created := false
	if !ok {
		ent = &entry{
			rec: Record{
				SessionID:      id,
				CreatedAt:      now,
				LastAccessedAt: now,
				Expires:        now.Add(s.opts.TTL),
			},
			lastPersistAt: now,
			dirty:         true,
		}
		s.sessions[id] = ent
		created = true
	}
	s.mu.Unlock()

	if created {
		s.logger.Debug("session created", zap.String("session", id))
	} else {
		s.touch(ent)
	}
	return ent.snapshot(), created
}

// Get touches the session and returns a copy, or nil when the id is unknown
// or expired. Expired records are collected on the spot.
func (s *Store) Get(id string) *Record {
	ent := s.lookup(id)
	if ent == nil {
		return nil
	}
	s.touch(ent)
	return ent.snapshot()
}

// Peek returns a copy without counting an access, for re-filter passes that
// must not inflate the persistence counters. Expired sessions read as nil
// but are left for the sweeper.
func (s *Store) Peek(id string) *Record {
	s.mu.RLock()
	ent, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok || s.now().After(ent.snapshotExpiry()) {
		return nil
	}
	return ent.snapshot()
}

// Update applies fn to the record, then touches it. Returns the updated copy,
// or nil when the session is unknown or expired.
func (s *Store) Update(id string, fn func(*Record)) *Record {
	ent := s.lookup(id)
	if ent == nil {
		return nil
	}
	ent.mu.Lock()
	if ent.dead {
		ent.mu.Unlock()
		return nil
	}
	fn(&ent.rec)
	// fn must not rekey the session.
	ent.rec.SessionID = id
	ent.mu.Unlock()
	s.touch(ent)
	return ent.snapshot()
}

// Delete removes the session from memory and disk.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	ent, ok := s.sessions[id]
	if ok {
		s.dropLocked(id, ent)
	}
	s.mu.Unlock()
}

// List returns copies of every live record sorted by session id. Expired
// records are skipped but left for the sweeper.
func (s *Store) List() []*Record {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.sessions))
	for _, ent := range s.sessions {
		entries = append(entries, ent)
	}
	s.mu.RUnlock()

	now := s.now()
	out := make([]*Record, 0, len(entries))
	for _, ent := range entries {
		rec := ent.snapshot()
		if now.After(rec.Expires) {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

// Len reports the number of tracked sessions, expired stragglers included.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Sweep drops every expired session and returns how many went. It runs on
// the flush ticker and is safe to call directly.
func (s *Store) Sweep() int {
	now := s.now()
	s.mu.Lock()
	var expired []string
	for id, ent := range s.sessions {
		if now.After(ent.snapshotExpiry()) {
			expired = append(expired, id)
			s.dropLocked(id, ent)
		}
	}
	s.mu.Unlock()

	if len(expired) > 0 {
		s.logger.Debug("swept expired sessions", zap.Int("count", len(expired)))
	}
	return len(expired)
}

// Flush writes every dirty session now and returns how many were written.
func (s *Store) Flush() int {
	return s.flushDirty(TriggerBackground)
}

// lookup finds a live entry, collecting it when expired.
func (s *Store) lookup(id string) *entry {
	s.mu.RLock()
	ent, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return nil
	}
	if s.now().After(ent.snapshotExpiry()) {
		s.mu.Lock()
		if current, still := s.sessions[id]; still && current == ent {
			s.dropLocked(id, ent)
		}
		s.mu.Unlock()
		return nil
	}
	return ent
}

// dropLocked removes one entry. Caller holds the map lock.
func (s *Store) dropLocked(id string, ent *entry) {
	delete(s.sessions, id)
	ent.mu.Lock()
	ent.dead = true
	ent.mu.Unlock()
	if s.opts.Persist {
		if err := os.Remove(s.filePath(id)); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("failed to remove session file",
				zap.String("session", id),
				zap.Error(err))
		}
	}
}

// touch registers one access: bump the counter, refresh the access and
// expiry stamps, and write through when either persistence trigger fires.
func (s *Store) touch(ent *entry) {
	now := s.now()
	ent.mu.Lock()
	if ent.dead {
		ent.mu.Unlock()
		return
	}
	ent.requestCount++
	ent.rec.LastAccessedAt = now
	ent.rec.Expires = laterOf(ent.rec.CreatedAt, now).Add(s.opts.TTL)
	ent.dirty = true

	trigger := ""
	if s.opts.Persist {
		switch {
		case ent.requestCount >= s.opts.PersistRequests:
			trigger = TriggerCount
		case now.Sub(ent.lastPersistAt) >= s.opts.PersistInterval:
			trigger = TriggerInterval
		}
	}
	ent.mu.Unlock()

	if trigger != "" {
		s.persistEntry(ent, trigger)
	}
}

// persistEntry serializes one session and writes it via a temp-file rename.
// Counters reset optimistically; a failed write re-marks the entry dirty so
// the background flush retries it.
func (s *Store) persistEntry(ent *entry, trigger string) bool {
	ent.mu.Lock()
	if ent.dead {
		ent.mu.Unlock()
		return false
	}
	ent.requestCount = 0
	ent.lastPersistAt = s.now()
	ent.dirty = false
	id := ent.rec.SessionID
	data, err := json.MarshalIndent(&ent.rec, "", "  ")
	ent.mu.Unlock()

	if err != nil {
		s.logger.Warn("failed to serialize session",
			zap.String("session", id),
			zap.Error(err))
		return false
	}

	path := s.filePath(id)
	tmp := path + ".tmp"
	err = os.WriteFile(tmp, data, 0o600)
	if err == nil {
		err = os.Rename(tmp, path)
	}
	if err != nil {
		_ = os.Remove(tmp)
		ent.mu.Lock()
		ent.dirty = true
		ent.mu.Unlock()
		s.logger.Warn("failed to persist session",
			zap.String("session", id),
			zap.Error(err))
		return false
	}

	if s.opts.OnPersist != nil {
		s.opts.OnPersist(trigger)
	}
	s.logger.Debug("session persisted",
		zap.String("session", id),
		zap.String("trigger", trigger))
	return true
}

func (s *Store) flushDirty(trigger string) int {
	if !s.opts.Persist {
		return 0
	}
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.sessions))
	for _, ent := range s.sessions {
		entries = append(entries, ent)
	}
	s.mu.RUnlock()

	written := 0
	for _, ent := range entries {
		ent.mu.Lock()
		skip := ent.dead || !ent.dirty
		ent.mu.Unlock()
		if skip {
			continue
		}
		if s.persistEntry(ent, trigger) {
			written++
		}
	}
	return written
}

func (s *Store) flushLoop() {
	defer close(s.done)
	ticker := time.NewTicker(s.opts.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.Sweep()
			s.flushDirty(TriggerBackground)
		case <-s.stopCh:
			return
		}
	}
}

// loadAll restores persisted sessions. Unreadable files are skipped and
// expired ones are deleted, so a restart starts from a clean directory.
func (s *Store) loadAll() {
	pattern := filepath.Join(s.opts.Dir, s.opts.Prefix+"-*.json")
	paths, err := filepath.Glob(pattern)
	if err != nil {
		s.logger.Warn("failed to scan session directory", zap.Error(err))
		return
	}

	now := s.now()
	loaded := 0
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			s.logger.Warn("failed to read session file",
				zap.String("path", path),
				zap.Error(err))
			continue
		}
		rec, err := decodeRecord(data, s.logger)
		if err != nil || rec.SessionID == "" {
			s.logger.Warn("skipping unreadable session file",
				zap.String("path", path),
				zap.Error(err))
			continue
		}
		if now.After(rec.Expires) {
			_ = os.Remove(path)
			continue
		}
		s.sessions[rec.SessionID] = &entry{rec: *rec, lastPersistAt: now}
		loaded++
	}
	if loaded > 0 {
		s.logger.Info("restored persisted sessions", zap.Int("count", loaded))
	}
}

func (s *Store) filePath(id string) string {
	return filepath.Join(s.opts.Dir, s.opts.Prefix+"-"+url.PathEscape(id)+".json")
}

func (e *entry) snapshotExpiry() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rec.Expires
}

func laterOf(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}
