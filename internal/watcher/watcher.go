// Package watcher turns changes to tracked files into debounced callbacks.
package watcher

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"

	"github.com/picnotebook/configwatch/internal/probe"
)

const (
	DefaultDebounce     = 2 * time.Second
	DefaultPollInterval = 5 * time.Second
)

// Options configure a Watcher.
type Options struct {
	// Files are tracked individually. Their parent directories are watched
	// and events are filtered by path, so editors that replace files by
	// rename are still seen.
	Files []string
	// Trees are watched recursively for source files.
	Trees        []string
	Debounce     time.Duration
	PollInterval time.Duration
	OnChange     func()
}

// Watcher monitors tracked files with fsnotify, falling back to mod-time
// polling when a directory cannot be watched.
type Watcher struct {
	files        map[string]bool
	trees        []string
	debounce     time.Duration
	pollInterval time.Duration
	onChange     func()

	fsw      *fsnotify.Watcher
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu       sync.Mutex
	timer    *time.Timer
	modTimes map[string]time.Time
	polling  bool
}

// New validates opts. Nothing is watched until Start.
func New(opts Options) (*Watcher, error) {
	if opts.OnChange == nil {
		return nil, errors.New("watcher requires an OnChange callback")
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}

	w := &Watcher{
		files:        make(map[string]bool, len(opts.Files)),
		debounce:     opts.Debounce,
		pollInterval: opts.PollInterval,
		onChange:     opts.OnChange,
		stopChan:     make(chan struct{}),
	}
	for _, f := range opts.Files {
		if f != "" {
			w.files[filepath.Clean(f)] = true
		}
	}
	for _, t := range opts.Trees {
		if t != "" {
			w.trees = append(w.trees, filepath.Clean(t))
		}
	}
	return w, nil
}

// Polling reports whether the watcher fell back to polling.
func (w *Watcher) Polling() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.polling
}

// Start begins watching. It never fails hard: if fsnotify is unavailable or a
// directory cannot be added, the watcher polls instead.
func (w *Watcher) Start() error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warn().Err(err).Msg("fsnotify unavailable; falling back to polling for changes")
		w.startPolling()
		return nil
	}

	var addErr error
	for _, dir := range w.watchDirs() {
		if err := fsw.Add(dir); err != nil {
			log.Warn().Err(err).Str("path", dir).Msg("Failed to watch directory")
			addErr = err
		}
	}
	if addErr != nil {
		_ = fsw.Close()
		log.Warn().Msg("Falling back to polling for changes")
		w.startPolling()
		return nil
	}

	w.fsw = fsw
	w.wg.Add(1)
	go w.watchForChanges()
	log.Info().
		Int("files", len(w.files)).
		Strs("trees", w.trees).
		Dur("debounce", w.debounce).
		Msg("Started watching tracked files for changes")
	return nil
}

// Stop stops watching and cancels any pending callback. It is safe to call
// more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopChan)
		if w.fsw != nil {
			_ = w.fsw.Close()
		}
		w.mu.Lock()
		if w.timer != nil {
			w.timer.Stop()
		}
		w.mu.Unlock()
	})
	w.wg.Wait()
}

// watchDirs lists the parent directory of every tracked file plus every
// directory of every tree, deduplicated.
func (w *Watcher) watchDirs() []string {
	seen := make(map[string]bool)
	var dirs []string
	add := func(dir string) {
		if !seen[dir] {
			seen[dir] = true
			dirs = append(dirs, dir)
		}
	}
	for f := range w.files {
		add(filepath.Dir(f))
	}
	for _, tree := range w.trees {
		_ = filepath.WalkDir(tree, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				// Surface the missing root through fsw.Add.
				if path == tree {
					add(tree)
				}
				if d != nil && d.IsDir() {
					return fs.SkipDir
				}
				return nil
			}
			if d.IsDir() {
				if path != tree && probe.IsSkippedDir(d.Name()) {
					return fs.SkipDir
				}
				add(path)
			}
			return nil
		})
	}
	return dirs
}

func (w *Watcher) watchForChanges() {
	defer w.wg.Done()
	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("File watcher error")

		case <-w.stopChan:
			return
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	name := filepath.Clean(event.Name)

	if event.Op&fsnotify.Create != 0 {
		if tree, ok := w.treeOf(name); ok {
			if info, err := os.Stat(name); err == nil && info.IsDir() && !probe.IsSkippedDir(info.Name()) {
				if err := w.fsw.Add(name); err != nil {
					log.Warn().Err(err).Str("path", name).Str("tree", tree).Msg("Failed to watch new directory")
				}
				w.schedule(name)
				return
			}
		}
	}

	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}
	if !w.tracked(name) {
		return
	}
	log.Debug().Str("path", name).Str("event", event.Op.String()).Msg("Detected tracked file change")
	w.schedule(name)
}

func (w *Watcher) tracked(path string) bool {
	if w.files[path] {
		return true
	}
	if _, ok := w.treeOf(path); ok {
		return probe.IsSourceFile(path)
	}
	return false
}

func (w *Watcher) treeOf(path string) (string, bool) {
	for _, tree := range w.trees {
		if strings.HasPrefix(path, tree+string(filepath.Separator)) {
			rel, err := filepath.Rel(tree, path)
			if err != nil {
				continue
			}
			for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
				if probe.IsSkippedDir(part) {
					return "", false
				}
			}
			return tree, true
		}
	}
	return "", false
}

// schedule restarts the debounce timer; the callback runs once the tracked
// files have been quiet for the debounce period.
func (w *Watcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	select {
	case <-w.stopChan:
		return
	default:
	}

	if w.timer == nil {
		w.timer = time.AfterFunc(w.debounce, w.fire)
		return
	}
	w.timer.Reset(w.debounce)
	log.Trace().Str("path", path).Msg("Debounce timer reset")
}

func (w *Watcher) fire() {
	select {
	case <-w.stopChan:
		return
	default:
	}
	w.onChange()
}

func (w *Watcher) startPolling() {
	w.mu.Lock()
	w.polling = true
	w.modTimes = w.snapshot()
	w.mu.Unlock()

	w.wg.Add(1)
	go w.pollForChanges()
}

// pollForChanges is the fallback when fsnotify cannot be used.
func (w *Watcher) pollForChanges() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			current := w.snapshot()
			w.mu.Lock()
			changed := changedPath(w.modTimes, current)
			w.modTimes = current
			w.mu.Unlock()
			if changed != "" {
				log.Info().Str("path", changed).Msg("Detected tracked file change via polling")
				w.schedule(changed)
			}

		case <-w.stopChan:
			return
		}
	}
}

func (w *Watcher) snapshot() map[string]time.Time {
	out := make(map[string]time.Time)
	for f := range w.files {
		if info, err := os.Stat(f); err == nil {
			out[f] = info.ModTime()
		}
	}
	for _, tree := range w.trees {
		_ = filepath.WalkDir(tree, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if d.IsDir() {
				if path != tree && probe.IsSkippedDir(d.Name()) {
					return fs.SkipDir
				}
				return nil
			}
			if probe.IsSourceFile(path) {
				if info, err := d.Info(); err == nil {
					out[path] = info.ModTime()
				}
			}
			return nil
		})
	}
	return out
}

// changedPath returns a path that was added, removed or modified between the
// two snapshots, or "".
func changedPath(before, after map[string]time.Time) string {
	for path, mod := range after {
		if prev, ok := before[path]; !ok || !prev.Equal(mod) {
			return path
		}
	}
	for path := range before {
		if _, ok := after[path]; !ok {
			return path
		}
	}
	return ""
}
