package source

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// WatcherConfig configures a Watcher.
type WatcherConfig struct {
	// Path is the rule file or directory to watch.
	Path string

	// Debounce is the quiet period after the last change before an event
	// is emitted (default: 100ms).
	Debounce time.Duration

	// Extensions lists the file extensions that count as rule documents.
	Extensions []string

	// SkipHidden ignores dot files and dot directories.
	SkipHidden bool
}

// DefaultWatcherConfig returns the default watcher configuration.
func DefaultWatcherConfig() WatcherConfig {
	return WatcherConfig{
		Debounce:   100 * time.Millisecond,
		Extensions: []string{".yaml", ".yml", ".json"},
		SkipHidden: true,
	}
}

// Watcher turns filesystem notifications under a path into debounced
// change events.
//
// A single file is watched through its parent directory so that editors
// replacing the file by rename keep being observed.
type Watcher struct {
	fsw      *fsnotify.Watcher
	config   WatcherConfig
	logger   *slog.Logger
	debounce *Debouncer

	root   string
	single bool // root names a file, not a directory

	mu     sync.Mutex
	closed bool
	events chan Event
}

// NewWatcher creates a watcher and registers the path. Nothing is emitted
// until Run is called.
func NewWatcher(config WatcherConfig, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if config.Debounce <= 0 {
		config.Debounce = DefaultWatcherConfig().Debounce
	}
	if len(config.Extensions) == 0 {
		config.Extensions = DefaultWatcherConfig().Extensions
	}

	root, err := filepath.Abs(config.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve watch path %q: %w", config.Path, err)
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("failed to stat watch path %q: %w", config.Path, err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	w := &Watcher{
		fsw:      fsw,
		config:   config,
		logger:   logger,
		debounce: NewDebouncer(config.Debounce),
		root:     root,
		single:   !info.IsDir(),
		events:   make(chan Event, 1),
	}

	if w.single {
		err = fsw.Add(filepath.Dir(root))
	} else {
		err = w.addTree(root)
	}
	if err != nil {
		_ = fsw.Close()
		return nil, err
	}
	return w, nil
}

// Events returns the change channel. It is closed when Run returns.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Run processes notifications until ctx is done or the watcher is closed.
func (w *Watcher) Run(ctx context.Context) {
	defer w.Close()

	w.logger.Info("rule watcher started",
		"path", w.root,
		"debounce_ms", w.config.Debounce.Milliseconds(),
	)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("rule watcher stopped")
			return

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(ev)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("rule watcher error", "error", err)
		}
	}
}

// Close stops the watcher. It is safe to call more than once.
func (w *Watcher) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	w.debounce.Stop()
	close(w.events)
	return w.fsw.Close()
}

func (w *Watcher) handle(ev fsnotify.Event) {
	if !w.single && ev.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() && !w.hidden(ev.Name) {
			if err := w.addTree(ev.Name); err != nil {
				w.logger.Warn("failed to watch new directory", "path", ev.Name, "error", err)
			}
			w.emit(ev)
			return
		}
	}

	if !w.relevant(ev) {
		return
	}
	w.logger.Debug("rule file changed", "path", ev.Name, "op", ev.Op.String())
	w.emit(ev)
}

func (w *Watcher) emit(ev fsnotify.Event) {
	path := ev.Name
	w.debounce.Trigger(func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		if w.closed {
			return
		}
		w.logger.Info("rule change detected", "path", path)
		send(w.events, Event{Source: "file:" + w.root, Path: path, Time: time.Now()})
	})
}

func (w *Watcher) relevant(ev fsnotify.Event) bool {
	if ev.Op == fsnotify.Chmod {
		return false
	}
	if w.single {
		return filepath.Clean(ev.Name) == w.root
	}
	if w.hidden(ev.Name) {
		return false
	}
	return hasExtension(ev.Name, w.config.Extensions)
}

func (w *Watcher) hidden(path string) bool {
	return w.config.SkipHidden && strings.HasPrefix(filepath.Base(path), ".")
}

func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != dir && w.hidden(path) {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(path); err != nil {
			return fmt.Errorf("failed to watch directory %q: %w", path, err)
		}
		return nil
	})
}

func hasExtension(path string, exts []string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return slices.ContainsFunc(exts, func(e string) bool {
		return strings.ToLower(e) == ext
	})
}

// Debouncer coalesces bursts of triggers into one callback that runs after
// a quiet period.
type Debouncer struct {
	interval time.Duration

	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
}

// NewDebouncer creates a debouncer with the given quiet period.
func NewDebouncer(interval time.Duration) *Debouncer {
	return &Debouncer{interval: interval}
}

// Trigger schedules fn, replacing any callback still waiting.
func (d *Debouncer) Trigger(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.interval, func() {
		d.mu.Lock()
		stopped := d.stopped
		d.mu.Unlock()
		if !stopped {
			fn()
		}
	})
}

// Stop cancels any pending callback. Later triggers are ignored.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}
