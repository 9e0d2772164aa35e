package ingest

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultSettle is how long the landing area must be quiet before a watcher
// triggers discovery, so that files still being written are not picked up.
const DefaultSettle = 2 * time.Second

// Watcher triggers discovery when files appear in the landing directory tree.
type Watcher struct {
	dir     string
	settle  time.Duration
	trigger func(context.Context)
	logger  *slog.Logger
}

// NewWatcher creates a watcher for dir. trigger runs after each quiet period
// following one or more create or write events.
func NewWatcher(dir string, settle time.Duration, trigger func(context.Context), logger *slog.Logger) *Watcher {
	if settle <= 0 {
		settle = DefaultSettle
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{dir: dir, settle: settle, trigger: trigger, logger: logger}
}

// Run watches until ctx is cancelled. Tenant folders created later are added
// to the watch list as they appear.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create file watcher: %w", err)
	}
	defer fw.Close()

	if err := w.addTree(fw, w.dir); err != nil {
		return err
	}
	w.logger.Info("watching landing area", "dir", w.dir)

	timer := time.NewTimer(w.settle)
	timer.Stop()
	pending := false

	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if strings.HasPrefix(filepath.Base(ev.Name), ".") {
				continue
			}
			if ev.Has(fsnotify.Create) {
				if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
					if err := w.addTree(fw, ev.Name); err != nil {
						w.logger.Warn("failed to watch new folder", "dir", ev.Name, "error", err)
					}
				}
			}
			if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write) || ev.Has(fsnotify.Rename) {
				timer.Reset(w.settle)
				pending = true
			}

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("landing watcher error", "error", err)

		case <-timer.C:
			if pending {
				pending = false
				w.trigger(ctx)
			}
		}
	}
}

func (w *Watcher) addTree(fw *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if p != root && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		if err := fw.Add(p); err != nil {
			return fmt.Errorf("watch %s: %w", p, err)
		}
		return nil
	})
}
