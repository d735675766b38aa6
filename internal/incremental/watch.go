package incremental

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"forge/internal/errdefs"
	"forge/internal/logging"
)

// debounceWindow coalesces bursts of filesystem events (editors write
// several times per save) into one rebuild trigger.
const debounceWindow = 250 * time.Millisecond

// Watcher drives watch-mode rebuilds: it observes the workspace tree and
// invokes the callback with the batch of paths that changed.
type Watcher struct {
	fs      *fsnotify.Watcher
	root    string
	skip    map[string]bool
	done    chan struct{}
	stopped chan struct{}
}

// NewWatcher recursively watches root, skipping the named directories
// (output tree, cache, VCS internals).
func NewWatcher(root string, skipDirs []string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindIO, err, "creating watcher")
	}

	w := &Watcher{
		fs:      fsw,
		root:    root,
		skip:    make(map[string]bool, len(skipDirs)),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	for _, d := range skipDirs {
		w.skip[d] = true
	}

	if err := w.addTree(root); err != nil {
		fsw.Close()
		return nil, err
	}
	return w, nil
}

func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, entry os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !entry.IsDir() {
			return nil
		}
		name := entry.Name()
		if path != w.root && (strings.HasPrefix(name, ".") || w.skip[name]) {
			return filepath.SkipDir
		}
		if err := w.fs.Add(path); err != nil {
			return errdefs.Wrap(errdefs.KindIO, err, "watching %s", path)
		}
		return nil
	})
}

// Run delivers debounced change batches to onChange until Stop. New
// directories are picked up as they appear.
func (w *Watcher) Run(onChange func(paths []string)) {
	defer close(w.stopped)

	pending := make(map[string]bool)
	var timer *time.Timer
	var timerC <-chan time.Time

	flush := func() {
		if len(pending) == 0 {
			return
		}
		batch := make([]string, 0, len(pending))
		for p := range pending {
			if rel, err := filepath.Rel(w.root, p); err == nil {
				batch = append(batch, filepath.ToSlash(rel))
			}
		}
		pending = make(map[string]bool)
		logging.Get(logging.CategoryIncremental).Info("watch: %d paths changed", len(batch))
		onChange(batch)
	}

	for {
		select {
		case <-w.done:
			flush()
			return
		case <-timerC:
			timerC = nil
			flush()
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if w.ignorable(event) {
				continue
			}
			if event.Op.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					w.addTree(event.Name)
					continue
				}
			}
			pending[event.Name] = true
			if timer == nil {
				timer = time.NewTimer(debounceWindow)
			} else {
				timer.Reset(debounceWindow)
			}
			timerC = timer.C
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			logging.Get(logging.CategoryIncremental).Warn("watch error: %v", err)
		}
	}
}

func (w *Watcher) ignorable(event fsnotify.Event) bool {
	if event.Op == fsnotify.Chmod {
		return true
	}
	base := filepath.Base(event.Name)
	if strings.HasPrefix(base, ".") || strings.HasSuffix(base, "~") {
		return true
	}
	for _, part := range strings.Split(filepath.ToSlash(event.Name), "/") {
		if w.skip[part] {
			return true
		}
	}
	return false
}

// Stop ends the watch loop and releases the OS watches.
func (w *Watcher) Stop() {
	close(w.done)
	w.fs.Close()
	<-w.stopped
}
