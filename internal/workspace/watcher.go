package workspace

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
)

// DefaultIgnore lists paths never reported as drift.
var DefaultIgnore = []string{
	".git/**",
	"**/.chirality-write-*",
	"**/*.swp",
	"**/*~",
	"**/.DS_Store",
}

// Drift is a change to the watched tree that the runtime did not make.
type Drift struct {
	Path string    `json:"path"` // workspace-relative
	Op   string    `json:"op"`
	At   time.Time `json:"at"`
}

// WatcherConfig configures a Watcher.
type WatcherConfig struct {
	Root   string
	Ignore []string // doublestar patterns over workspace-relative paths

	// Expected reports changes that are accounted for, such as paths staged
	// in an open turn.
	Expected func(rel string) bool
	OnDrift  func(Drift)
	Logger   *slog.Logger
}

// Watcher reports out-of-band edits to the working tree.
type Watcher struct {
	config      WatcherConfig
	fsWatcher   *fsnotify.Watcher
	fsWatcherMu sync.Mutex

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	quietMu    sync.Mutex
	quietDepth int
	quietUntil time.Time
}

// QuietGrace is how long events are still dropped after a Quiet call returns.
const QuietGrace = time.Second

// Quiet runs fn with drift reporting suspended, for changes the runtime makes
// to the watched tree itself such as merges.
func (w *Watcher) Quiet(fn func() error) error {
	w.quietMu.Lock()
	w.quietDepth++
	w.quietMu.Unlock()
	defer func() {
		w.quietMu.Lock()
		w.quietDepth--
		w.quietUntil = time.Now().Add(QuietGrace)
		w.quietMu.Unlock()
	}()
	return fn()
}

func (w *Watcher) quiet() bool {
	w.quietMu.Lock()
	defer w.quietMu.Unlock()
	return w.quietDepth > 0 || time.Now().Before(w.quietUntil)
}

func NewWatcher(config WatcherConfig) (*Watcher, error) {
	if config.Ignore == nil {
		config.Ignore = DefaultIgnore
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	root, err := filepath.Abs(config.Root)
	if err != nil {
		return nil, err
	}
	if resolved, err := filepath.EvalSymlinks(root); err == nil {
		root = resolved
	}
	config.Root = root
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{config: config, fsWatcher: fsWatcher}
	if err := w.addToWatcher(root); err != nil {
		_ = fsWatcher.Close()
		return nil, err
	}
	w.walkAndAdd(root)
	return w, nil
}

func (w *Watcher) addToWatcher(path string) error {
	w.fsWatcherMu.Lock()
	defer w.fsWatcherMu.Unlock()
	return w.fsWatcher.Add(path)
}

func (w *Watcher) walkAndAdd(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		w.config.Logger.Debug("watcher: read dir", "path", dir, "err", err)
		return
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		full := filepath.Join(dir, entry.Name())
		if w.shouldIgnore(full) {
			continue
		}
		if err := w.addToWatcher(full); err != nil {
			w.config.Logger.Debug("watcher: add dir", "path", full, "err", err)
			continue
		}
		w.walkAndAdd(full)
	}
}

// Start begins delivering drift until ctx is done or Stop is called.
func (w *Watcher) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return
	}
	w.running = true
	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})
	go w.handleEvents(ctx)
}

// Stop ends event delivery and releases the OS watches.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.running = false
	w.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	w.fsWatcherMu.Lock()
	defer w.fsWatcherMu.Unlock()
	return w.fsWatcher.Close()
}

func (w *Watcher) handleEvents(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() && !w.shouldIgnore(event.Name) {
					if err := w.addToWatcher(event.Name); err == nil {
						w.walkAndAdd(event.Name)
					}
				}
			}
			if w.quiet() {
				continue
			}
			if d, ok := w.convertEvent(event); ok {
				w.config.Logger.Warn("workspace drift", "path", d.Path, "op", d.Op)
				if w.config.OnDrift != nil {
					w.config.OnDrift(d)
				}
			}
		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.config.Logger.Error("watcher error", "err", err)
		}
	}
}

func (w *Watcher) convertEvent(event fsnotify.Event) (Drift, bool) {
	if w.shouldIgnore(event.Name) {
		return Drift{}, false
	}
	var op string
	switch {
	case event.Has(fsnotify.Create):
		op = "create"
	case event.Has(fsnotify.Write):
		op = "modify"
	case event.Has(fsnotify.Remove):
		op = "delete"
	case event.Has(fsnotify.Rename):
		op = "rename"
	default:
		return Drift{}, false
	}
	rel, ok := w.relative(event.Name)
	if !ok {
		return Drift{}, false
	}
	if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
		return Drift{}, false
	}
	if w.config.Expected != nil && w.config.Expected(rel) {
		return Drift{}, false
	}
	return Drift{Path: rel, Op: op, At: time.Now().UTC()}, true
}

func (w *Watcher) relative(abs string) (string, bool) {
	rel, err := filepath.Rel(w.config.Root, abs)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

func (w *Watcher) shouldIgnore(abs string) bool {
	rel, ok := w.relative(abs)
	if !ok {
		return true
	}
	if rel == ".git" {
		return true
	}
	for _, pattern := range w.config.Ignore {
		if matched, _ := doublestar.Match(pattern, rel); matched {
			return true
		}
	}
	return false
}
