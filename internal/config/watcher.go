package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// DefaultWatchInterval is how often a [Watcher] stats the config file.
const DefaultWatchInterval = 5 * time.Second

// ChangeFunc receives the effective config before and after a reload and
// the diff between the running config and the file.
type ChangeFunc func(old, new *Config, d ConfigDiff)

// Watcher reloads the config file while the server runs. Only the
// hot-reloadable fields (log level and selection tuning) take effect; every
// other section keeps its startup value until the process restarts, and
// [Watcher.Current] reflects that. Edits that fail to parse or validate are
// logged and ignored.
type Watcher struct {
	path     string
	interval time.Duration
	onChange ChangeFunc

	mu      sync.Mutex
	live    *Config
	sum     [sha256.Size]byte
	modTime time.Time
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval overrides [DefaultWatchInterval].
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher loads the file at path. Call [Watcher.Run] to start watching.
// onChange may be nil.
func NewWatcher(path string, onChange ChangeFunc, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: DefaultWatchInterval,
		onChange: onChange,
	}
	for _, o := range opts {
		o(w)
	}

	cfg, sum, mod, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.live, w.sum, w.modTime = cfg, sum, mod
	return w, nil
}

// Current returns the effective config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.live
}

// Run polls the file until ctx is done. It always returns nil so it can run
// in an errgroup next to the servers.
func (w *Watcher) Run(ctx context.Context) error {
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	info, err := os.Stat(w.path)
	if err != nil {
		slog.Warn("config watcher: cannot stat file", "path", w.path, "err", err)
		return
	}
	w.mu.Lock()
	unchanged := info.ModTime().Equal(w.modTime)
	w.mu.Unlock()
	if unchanged {
		return
	}

	loaded, sum, mod, err := w.read()
	if err != nil {
		slog.Warn("config watcher: keeping running config", "path", w.path, "err", err)
		return
	}

	w.mu.Lock()
	w.modTime = mod
	if sum == w.sum {
		w.mu.Unlock()
		return
	}
	w.sum = sum
	old := w.live
	d := Diff(old, loaded)
	applied := d.LogLevelChanged || d.SelectionChanged
	if applied {
		next := *old
		next.Server.LogLevel = loaded.Server.LogLevel
		next.Selection = loaded.Selection
		w.live = &next
	}
	live := w.live
	w.mu.Unlock()

	if len(d.RestartRequired) > 0 {
		slog.Warn("config watcher: changes take effect after restart",
			"path", w.path,
			"sections", d.RestartRequired,
		)
	}
	if !applied {
		return
	}
	slog.Info("config watcher: applied live changes",
		"path", w.path,
		"log_level_changed", d.LogLevelChanged,
		"selection_changed", d.SelectionChanged,
	)
	if w.onChange != nil {
		w.onChange(old, live, d)
	}
}

// read loads and validates the file, returning it with its digest and
// modification time.
func (w *Watcher) read() (*Config, [sha256.Size]byte, time.Time, error) {
	var none [sha256.Size]byte
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, none, time.Time{}, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, none, time.Time{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, none, time.Time{}, err
	}
	return cfg, sha256.Sum256(data), info.ModTime(), nil
}
