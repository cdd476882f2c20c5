package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultWatchDebounce = 250 * time.Millisecond

// Watcher reloads the config file when it, or the agents directory, changes.
// Invalid reloads are logged and skipped; the last good config stays active.
type Watcher struct {
	path     string
	debounce time.Duration
	onChange func(*Config)
	logger   *slog.Logger

	watcher *fsnotify.Watcher
	mu      sync.Mutex
	timer   *time.Timer
}

type WatcherConfig struct {
	Path      string
	AgentsDir string
	Debounce  time.Duration
	OnChange  func(*Config)
	Logger    *slog.Logger
}

// NewWatcher starts watching the directory holding cfg.Path (editors replace
// files by rename, so the file itself is not watched) and cfg.AgentsDir.
func NewWatcher(cfg WatcherConfig) (*Watcher, error) {
	if cfg.Debounce <= 0 {
		cfg.Debounce = defaultWatchDebounce
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	path := ExpandPath(cfg.Path)
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}
	if cfg.AgentsDir != "" {
		if err := fw.Add(cfg.AgentsDir); err != nil {
			cfg.Logger.Warn("cannot watch agents dir", "dir", cfg.AgentsDir, "err", err)
		}
	}
	return &Watcher{
		path:     path,
		debounce: cfg.Debounce,
		onChange: cfg.OnChange,
		logger:   cfg.Logger,
		watcher:  fw,
	}, nil
}

// Run processes file events until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	defer w.watcher.Close()
	for {
		select {
		case <-ctx.Done():
			w.mu.Lock()
			if w.timer != nil {
				w.timer.Stop()
			}
			w.mu.Unlock()
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if !w.relevant(event.Name) {
				continue
			}
			w.schedule()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watch error", "err", err)
		}
	}
}

func (w *Watcher) relevant(name string) bool {
	if filepath.Clean(name) == filepath.Clean(w.path) {
		return true
	}
	ext := filepath.Ext(name)
	return filepath.Dir(name) != filepath.Dir(w.path) && (ext == ".yaml" || ext == ".yml")
}

func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.reload)
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Error("config reload rejected", "path", w.path, "err", err)
		return
	}
	w.logger.Info("config reloaded", "path", w.path, "agents", len(cfg.Agents))
	if w.onChange != nil {
		w.onChange(cfg)
	}
}
