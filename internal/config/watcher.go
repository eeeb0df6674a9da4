package config

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Watcher keeps the config file at a path loaded. It polls the file's
// modification time and, when the content hash changes and the new content
// is valid, swaps the current config and calls the change callback with the
// old and new values. Invalid content is logged and skipped; the last valid
// config stays current.
//
// Checks are serialized, so the callback never runs concurrently with
// itself and always observes configs in load order.
type Watcher struct {
	path  string
	every time.Duration
	apply func(old, new *Config)

	checkMu sync.Mutex // held for a whole check
	mu      sync.Mutex // guards cur and seen
	cur     *Config
	seen    fileStamp

	quit     chan struct{}
	finished chan struct{}
	once     sync.Once
}

// fileStamp identifies one observed version of the file.
type fileStamp struct {
	mod time.Time
	sum [sha256.Size]byte
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets how often the file is polled. Non-positive values keep
// the 5 second default.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.every = d
		}
	}
}

// NewWatcher loads path, which must hold a valid config, and starts polling
// it. onChange may be nil.
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		every:    5 * time.Second,
		apply:    onChange,
		quit:     make(chan struct{}),
		finished: make(chan struct{}),
	}
	for _, o := range opts {
		o(w)
	}
	cfg, st, err := load(path)
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	w.cur, w.seen = cfg, st
	go w.loop()
	return w, nil
}

// Current returns the last valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cur
}

// Reload checks the file immediately, ignoring its modification time. It
// reports whether a changed, valid config was applied.
func (w *Watcher) Reload() bool { return w.check(true) }

// Stop ends polling. It waits for a running check and may be called more
// than once.
func (w *Watcher) Stop() {
	w.once.Do(func() { close(w.quit) })
	<-w.finished
}

func (w *Watcher) loop() {
	defer close(w.finished)
	t := time.NewTicker(w.every)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			w.check(false)
		case <-w.quit:
			return
		}
	}
}

func (w *Watcher) check(force bool) bool {
	w.checkMu.Lock()
	defer w.checkMu.Unlock()

	w.mu.Lock()
	prev := w.seen
	w.mu.Unlock()

	if !force {
		info, err := os.Stat(w.path)
		if err != nil {
			slog.Warn("config: stat failed", "path", w.path, "err", err)
			return false
		}
		if info.ModTime().Equal(prev.mod) {
			return false
		}
	}

	cfg, st, err := load(w.path)
	if err != nil {
		slog.Warn("config: ignoring invalid file", "path", w.path, "err", err)
		return false
	}
	w.mu.Lock()
	old := w.cur
	changed := !bytes.Equal(st.sum[:], prev.sum[:])
	w.seen = st
	if changed {
		w.cur = cfg
	}
	w.mu.Unlock()
	if !changed {
		return false
	}

	slog.Info("config: reloaded", "path", w.path)
	if w.apply != nil {
		w.apply(old, cfg)
	}
	return true
}

func load(path string) (*Config, fileStamp, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fileStamp{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fileStamp{}, err
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fileStamp{}, err
	}
	return cfg, fileStamp{mod: info.ModTime(), sum: sha256.Sum256(data)}, nil
}
