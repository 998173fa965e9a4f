package config

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// snapshot is one accepted version of the file.
type snapshot struct {
	cfg   *Config
	mtime time.Time
}

// Watcher keeps a config file loaded while the daemon runs. It polls the
// file's modification time; when the file was rewritten and the result both
// validates and differs from the running config (see [Diff]), onChange is
// called with the previous and the new config. Edits that fail validation
// are logged and ignored, and so are edits that change nothing, such as
// comments or reordered keys.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, new *Config)
	log      *slog.Logger

	// reloadMu serialises reloads so callbacks see configs in file order.
	reloadMu sync.Mutex
	current  atomic.Pointer[snapshot]
	rejected time.Time // mtime of the last invalid version, guarded by reloadMu

	done     chan struct{}
	stopOnce sync.Once
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets how often the file is checked. Default: 5s.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithWatcherLogger sets the logger. Defaults to slog.Default().
func WithWatcherLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		if l != nil {
			w.log = l
		}
	}
}

// NewWatcher loads path, which must be valid, and starts polling it. Call
// Stop to end polling.
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: 5 * time.Second,
		onChange: onChange,
		log:      slog.Default(),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	snap, err := w.load()
	if err != nil {
		return nil, fmt.Errorf("config: watch %q: %w", path, err)
	}
	w.current.Store(snap)

	go w.loop()
	return w, nil
}

// Current returns the config in effect.
func (w *Watcher) Current() *Config {
	return w.current.Load().cfg
}

// Stop ends polling. Further calls do nothing.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.done) })
}

// Reload rereads the file now, even if its modification time is unchanged,
// and reports why it was rejected.
func (w *Watcher) Reload() error {
	return w.check(true)
}

func (w *Watcher) loop() {
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-w.done:
			return
		case <-t.C:
			if err := w.check(false); err != nil {
				w.log.Warn("config file rejected, keeping running config", "path", w.path, "err", err)
			}
		}
	}
}

func (w *Watcher) check(force bool) error {
	w.reloadMu.Lock()
	defer w.reloadMu.Unlock()

	prev := w.current.Load()
	if !force {
		info, err := os.Stat(w.path)
		if err != nil {
			return err
		}
		if mt := info.ModTime(); mt.Equal(prev.mtime) || mt.Equal(w.rejected) {
			return nil
		}
	}

	next, err := w.load()
	if err != nil {
		if info, serr := os.Stat(w.path); serr == nil {
			w.rejected = info.ModTime()
		}
		return err
	}
	d := Diff(prev.cfg, next.cfg)
	if d.Empty() {
		// Remember the mtime so the file is not parsed on every tick.
		w.current.Store(&snapshot{cfg: prev.cfg, mtime: next.mtime})
		w.log.Debug("config file rewritten without effective changes", "path", w.path)
		return nil
	}
	w.current.Store(next)

	w.log.Info("config file changed", "path", w.path,
		"log_level", d.LogLevelChanged, "solver", d.SolverChanged, "restart_required", d.RestartRequired)
	if w.onChange != nil {
		w.onChange(prev.cfg, next.cfg)
	}
	return nil
}

// load parses and validates the file as it is now.
func (w *Watcher) load() (*snapshot, error) {
	f, err := os.Open(w.path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, err
	}
	return &snapshot{cfg: cfg, mtime: info.ModTime()}, nil
}
