package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// DefaultDebounce is the quiet period before a file change is reported.
const DefaultDebounce = 500 * time.Millisecond

// Watcher watches the directory containing the config file, so atomic-rename
// saves (editor temp file + rename over the target) are observed. A change is
// reported once per quiescent update: each directory event for the target
// file re-arms the debounce timer, and the timer fire reads the file and
// emits its bytes.
type Watcher struct {
	path     string
	debounce time.Duration
	logger   *zap.Logger

	watcher *fsnotify.Watcher
	changes chan []byte
	done    chan struct{}

	mu           sync.Mutex
	timer        *time.Timer
	lastModTime  time.Time
	lastSize     int64
	stopped      bool
	stopOnce     sync.Once
	pendingEvent bool
}

// NewWatcher creates a watcher for path. debounce <= 0 selects the default.
func NewWatcher(path string, debounce time.Duration, logger *zap.Logger) (*Watcher, error) {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	w := &Watcher{
		path:     path,
		debounce: debounce,
		logger:   logger,
		watcher:  fsw,
		changes:  make(chan []byte, 1),
		done:     make(chan struct{}),
	}

	if info, err := os.Stat(path); err == nil {
		w.lastModTime = info.ModTime()
		w.lastSize = info.Size()
	}

	dir := filepath.Dir(path)
	if err := fsw.Add(dir); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("watching directory %s: %w", dir, err)
	}

	go w.run()
	return w, nil
}

// Changes delivers the new document bytes once per quiescent update. The
// channel has capacity one; a pending unread change is coalesced with the
// next.
func (w *Watcher) Changes() <-chan []byte {
	return w.changes
}

// Stop cancels any pending debounce timer and closes the watcher. Safe to
// call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		w.mu.Lock()
		w.stopped = true
		if w.timer != nil {
			w.timer.Stop()
			w.timer = nil
		}
		w.mu.Unlock()

		close(w.done)
		_ = w.watcher.Close()
	})
}

func (w *Watcher) run() {
	filename := filepath.Base(w.path)

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filename {
				continue
			}
			// Atomic saves surface as rename/create/remove depending on the
			// editor and OS; plain saves as write.
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			if !w.fileChanged() {
				continue
			}
			w.armTimer()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", zap.Error(err))
		}
	}
}

// fileChanged compares the file's modification time and size against the
// last seen values. A missing file (mid-rename) counts as changed so the
// debounce timer re-arms and the post-rename state gets read.
func (w *Watcher) fileChanged() bool {
	info, err := os.Stat(w.path)
	if err != nil {
		return true
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	unchanged := info.ModTime().Equal(w.lastModTime) && info.Size() == w.lastSize
	if unchanged && !w.pendingEvent {
		return false
	}
	w.lastModTime = info.ModTime()
	w.lastSize = info.Size()
	return true
}

func (w *Watcher) armTimer() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	w.pendingEvent = true
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.emit)
}

func (w *Watcher) emit() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.pendingEvent = false
	w.mu.Unlock()

	data, err := os.ReadFile(w.path)
	if err != nil {
		w.logger.Warn("config changed but could not be read", zap.String("path", w.path), zap.Error(err))
		return
	}

	select {
	case w.changes <- data:
	default:
		// A previous change is still unread; drop the stale one and queue
		// the fresh bytes.
		select {
		case <-w.changes:
		default:
		}
		select {
		case w.changes <- data:
		default:
		}
	}
}
