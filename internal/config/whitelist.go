package config

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/gobwas/glob"
)

// Whitelist is the optional slug admission list (spec §4.6 "optional
// slug-whitelist check"; hot-reload is a SPEC_FULL addition grounded on
// the teacher's file watcher). An empty whitelist means "open" — every
// syntactically valid slug is admitted.
type Whitelist struct {
	mu       sync.RWMutex
	patterns []glob.Glob
}

// NewWhitelist compiles patterns (one glob per entry) into a Whitelist.
// A nil or empty slice yields an always-open whitelist.
func NewWhitelist(patterns []string) (*Whitelist, error) {
	w := &Whitelist{}
	if err := w.set(patterns); err != nil {
		return nil, err
	}
	return w, nil
}

// Allows reports whether slug matches any compiled pattern, or whether
// the whitelist is open (no patterns configured).
func (w *Whitelist) Allows(slug string) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if len(w.patterns) == 0 {
		return true
	}
	for _, g := range w.patterns {
		if g.Match(slug) {
			return true
		}
	}
	return false
}

func (w *Whitelist) set(patterns []string) error {
	compiled := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		g, err := glob.Compile(p)
		if err != nil {
			return fmt.Errorf("compiling whitelist pattern %q: %w", p, err)
		}
		compiled = append(compiled, g)
	}

	w.mu.Lock()
	w.patterns = compiled
	w.mu.Unlock()
	return nil
}

// LoadWhitelistFile reads one glob pattern per line from path, skipping
// blank lines and lines starting with '#'.
func LoadWhitelistFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening whitelist file %s: %w", path, err)
	}
	defer f.Close()

	var patterns []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		patterns = append(patterns, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading whitelist file %s: %w", path, err)
	}
	return patterns, nil
}

// WhitelistWatcher hot-reloads a Whitelist from its backing file whenever
// the file changes on disk: watch the containing directory, match by
// base filename, re-run the load+compile path on write/create.
type WhitelistWatcher struct {
	fsWatcher *fsnotify.Watcher
	done      chan struct{}
}

// WatchWhitelistFile starts a background watcher that reloads w from
// path whenever path changes, using fsnotify (teacher dependency).
func WatchWhitelistFile(path string, w *Whitelist) (*WhitelistWatcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating whitelist watcher: %w", err)
	}

	dir := filepath.Dir(path)
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watching directory %s: %w", dir, err)
	}

	ww := &WhitelistWatcher{fsWatcher: fw, done: make(chan struct{})}
	target := filepath.Base(path)

	go ww.processEvents(path, target, w)

	slog.Info("slug whitelist watcher started", "path", path)
	return ww, nil
}

func (ww *WhitelistWatcher) processEvents(path, target string, w *Whitelist) {
	for {
		select {
		case event, ok := <-ww.fsWatcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if filepath.Base(event.Name) != target {
				continue
			}

			patterns, err := LoadWhitelistFile(path)
			if err != nil {
				slog.Error("reloading slug whitelist failed", "error", err)
				continue
			}
			if err := w.set(patterns); err != nil {
				slog.Error("recompiling slug whitelist failed", "error", err)
				continue
			}
			slog.Info("slug whitelist reloaded", "patterns", len(patterns))

		case err, ok := <-ww.fsWatcher.Errors:
			if !ok {
				return
			}
			slog.Error("whitelist watcher error", "error", err)

		case <-ww.done:
			return
		}
	}
}

// Close stops the watcher goroutine. Safe to call multiple times.
func (ww *WhitelistWatcher) Close() error {
	select {
	case <-ww.done:
		return nil
	default:
		close(ww.done)
	}
	return ww.fsWatcher.Close()
}
