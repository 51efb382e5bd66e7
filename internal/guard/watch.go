package guard

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentsh/sigguard/internal/events"
	"github.com/agentsh/sigguard/pkg/types"
	"github.com/fsnotify/fsnotify"
)

// BinaryChange describes a modification of a protected binary on disk.
type BinaryChange struct {
	Path    string
	Removed bool
}

// WatcherConfig configures a BinaryWatcher.
type WatcherConfig struct {
	Registry *Registry
	Logger   *slog.Logger
	Recorder Recorder
	Debounce time.Duration
	OnChange func(BinaryChange)
}

// BinaryWatcher reports replacement or removal of protected binaries.
// Matching is by path, so a binary renamed away silently loses protection;
// this makes that visible.
type BinaryWatcher struct {
	paths    map[string]struct{}
	list     []string
	dirs     []string
	logger   *slog.Logger
	recorder Recorder
	debounce time.Duration
	onChange func(BinaryChange)

	watcher *fsnotify.Watcher
	running atomic.Bool
	wg      sync.WaitGroup
}

func NewBinaryWatcher(cfg WatcherConfig) (*BinaryWatcher, error) {
	if cfg.Registry.Len() == 0 {
		return nil, fmt.Errorf("%w: nothing to watch", ErrConfiguration)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Debounce == 0 {
		cfg.Debounce = 100 * time.Millisecond
	}

	w := &BinaryWatcher{
		paths:    make(map[string]struct{}),
		logger:   cfg.Logger,
		recorder: cfg.Recorder,
		debounce: cfg.Debounce,
		onChange: cfg.OnChange,
	}
	seen := make(map[string]struct{})
	for _, p := range cfg.Registry.Paths() {
		clean := filepath.Clean(p)
		if _, dup := w.paths[clean]; !dup {
			w.list = append(w.list, clean)
		}
		w.paths[clean] = struct{}{}
		dir := filepath.Dir(clean)
		if _, ok := seen[dir]; !ok {
			seen[dir] = struct{}{}
			w.dirs = append(w.dirs, dir)
		}
	}
	return w, nil
}

// CheckPresent reports protected paths that do not exist, logging and
// recording each one. Paths that go through a symlink are logged too: a
// process's executable is always reported with links resolved, so such an
// entry never matches by path.
func (w *BinaryWatcher) CheckPresent() []string {
	var missing []string
	for _, p := range w.list {
		if _, err := os.Stat(p); err != nil {
			missing = append(missing, p)
			w.logger.Warn("protected program not found", "path", p, "error", err)
			w.record(events.EventProtectedMissing, p, nil)
			continue
		}
		if real, err := filepath.EvalSymlinks(p); err == nil && real != p {
			w.logger.Warn("protected path is a symlink; processes resolve to the target",
				"path", p, "target", real)
		}
	}
	return missing
}

// Start watches the directories holding the protected binaries. Directories
// that cannot be watched are logged and skipped.
func (w *BinaryWatcher) Start(ctx context.Context) error {
	if !w.running.CompareAndSwap(false, true) {
		return fmt.Errorf("watcher already running")
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		w.running.Store(false)
		return fmt.Errorf("creating watcher: %w", err)
	}
	w.watcher = fw

	added := 0
	for _, dir := range w.dirs {
		if err := fw.Add(dir); err != nil {
			w.logger.Warn("cannot watch directory", "dir", dir, "error", err)
			continue
		}
		added++
	}
	if added == 0 {
		fw.Close()
		w.running.Store(false)
		return fmt.Errorf("no protected directory could be watched")
	}

	w.wg.Add(1)
	go w.processEvents(ctx)
	return nil
}

// Stop closes the underlying watcher and waits for the event loop.
func (w *BinaryWatcher) Stop() error {
	if !w.running.CompareAndSwap(true, false) {
		return nil
	}
	err := w.watcher.Close()
	w.wg.Wait()
	return err
}

func (w *BinaryWatcher) processEvents(ctx context.Context) {
	defer w.wg.Done()

	pending := make(map[string]time.Time)
	ticker := time.NewTicker(w.debounce / 2)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if _, watched := w.paths[filepath.Clean(ev.Name)]; !watched {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename|fsnotify.Chmod) != 0 {
				pending[filepath.Clean(ev.Name)] = time.Now()
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("binary watcher error", "error", err)

		case <-ticker.C:
			now := time.Now()
			for p, last := range pending {
				if now.Sub(last) < w.debounce {
					continue
				}
				delete(pending, p)
				w.report(p)
			}

		case <-ctx.Done():
			return
		}
	}
}

// report settles a burst of events by looking at the file as it is now.
func (w *BinaryWatcher) report(path string) {
	change := BinaryChange{Path: path}
	fields := map[string]any{}
	if st, err := os.Stat(path); err != nil {
		change.Removed = true
		fields["removed"] = true
		w.logger.Warn("protected program removed", "path", path)
	} else {
		fields["size"] = st.Size()
		fields["mode"] = st.Mode().String()
		w.logger.Warn("protected program changed on disk", "path", path, "size", st.Size())
	}
	w.record(events.EventProtectedChanged, path, fields)
	if w.onChange != nil {
		w.onChange(change)
	}
}

func (w *BinaryWatcher) record(typ events.EventType, path string, fields map[string]any) {
	if w.recorder == nil {
		return
	}
	w.recorder.Record(types.Event{Type: string(typ), Path: path, Fields: fields})
}
