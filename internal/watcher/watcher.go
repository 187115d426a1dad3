// Package watcher feeds source tree changes into the registry.
//
// Filesystem events are debounced per path, queued in arrival order and
// applied one at a time by the Run loop, which is the registry's only
// writer after the initial build.
package watcher

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/roach88/sqlpoint/internal/registry"
)

// DefaultDebounce is the quiet period after the last event on a path before
// the change is applied.
const DefaultDebounce = 100 * time.Millisecond

// Source is the registry surface the watcher drives.
type Source interface {
	Root() string
	Update(path string) (registry.Change, error)
	// TrackedFiles lists every root-relative file the source holds state
	// for, including files that publish nothing.
	TrackedFiles() []string
}

// Options configures a Watcher.
type Options struct {
	Debounce time.Duration
	Logger   *slog.Logger
	// OnChange, if set, is called from the Run loop after every applied change.
	OnChange func(registry.Change)
}

// Watcher observes a source tree and reloads changed files.
type Watcher struct {
	src      Source
	debounce time.Duration
	logger   *slog.Logger
	onChange func(registry.Change)

	queue *pathQueue

	mu     sync.Mutex
	timers map[string]*time.Timer
}

// New returns a watcher for src's root directory.
func New(src Source, opts Options) *Watcher {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	return &Watcher{
		src:      src,
		debounce: opts.Debounce,
		logger:   opts.Logger,
		onChange: opts.OnChange,
		queue:    newPathQueue(),
		timers:   make(map[string]*time.Timer),
	}
}

// Run watches until ctx is cancelled. It returns nil on cancellation and an
// error only if the watch could not be established.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fw.Close()
	defer w.stop()

	if err := w.addTree(fw, w.src.Root(), false); err != nil {
		return err
	}
	w.logger.Info("watching sources", "root", w.src.Root(), "debounce", w.debounce)

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			w.handle(fw, ev)

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watch error", "error", err)

		case <-w.queue.Wait():
			w.drain()
		}
	}
}

func (w *Watcher) handle(fw *fsnotify.Watcher, ev fsnotify.Event) {
	if ev.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := w.addTree(fw, ev.Name, true); err != nil {
				w.logger.Warn("watch new directory", "dir", ev.Name, "error", err)
			}
			return
		}
	}

	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) &&
		!ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
		return
	}

	if registry.IsSource(ev.Name) {
		w.schedule(ev.Name)
		return
	}

	// A removed or renamed directory takes its sources with it.
	if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
		w.scheduleUnder(ev.Name)
	}
}

// scheduleUnder schedules every tracked file below dir.
func (w *Watcher) scheduleUnder(dir string) {
	rel, err := filepath.Rel(w.src.Root(), dir)
	if err != nil || rel == "." {
		return
	}
	prefix := filepath.ToSlash(rel) + "/"
	for _, f := range w.src.TrackedFiles() {
		if strings.HasPrefix(f, prefix) {
			w.schedule(filepath.Join(w.src.Root(), filepath.FromSlash(f)))
		}
	}
}

// schedule (re)starts the debounce timer for path.
func (w *Watcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if t, ok := w.timers[path]; ok {
		t.Reset(w.debounce)
		return
	}
	w.timers[path] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.timers, path)
		w.mu.Unlock()
		w.queue.Enqueue(path)
	})
}

// drain applies every queued change in order.
func (w *Watcher) drain() {
	for {
		path, ok := w.queue.TryDequeue()
		if !ok {
			return
		}
		change, err := w.src.Update(path)
		if err != nil {
			w.logger.Warn("apply change", "path", path, "error", err)
			continue
		}
		w.logger.Debug("change applied",
			"file", change.File,
			"outcome", change.Outcome,
			"version", change.Version)
		if w.onChange != nil {
			w.onChange(change)
		}
	}
}

// addTree watches dir and its subdirectories. With scan set, source files
// already present are scheduled, which covers files created together with
// a new directory before its watch was in place.
func (w *Watcher) addTree(fw *fsnotify.Watcher, dir string, scan bool) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if err := fw.Add(path); err != nil {
				return fmt.Errorf("watch %s: %w", path, err)
			}
			return nil
		}
		if scan && registry.IsSource(path) {
			w.schedule(path)
		}
		return nil
	})
}

func (w *Watcher) stop() {
	w.mu.Lock()
	for path, t := range w.timers {
		t.Stop()
		delete(w.timers, path)
	}
	w.mu.Unlock()
	w.queue.Close()
}
