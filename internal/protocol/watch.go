package protocol

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher reloads a protocol file into a catalog whenever it changes.
// Protocols are insert-only, so a reload only adds names not yet registered.
type Watcher struct {
	catalog  *Catalog
	path     string
	debounce time.Duration
	log      *zap.Logger
}

// NewWatcher creates a watcher for path.
func NewWatcher(catalog *Catalog, path string, logger *zap.Logger) *Watcher {
	return &Watcher{
		catalog:  catalog,
		path:     filepath.Clean(path),
		debounce: 250 * time.Millisecond,
		log:      logger,
	}
}

// Run watches until ctx is cancelled. The parent directory is watched rather
// than the file so that editors replacing the file by rename are seen.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(w.path), err)
	}

	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != w.path || !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			timer.Reset(w.debounce)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("protocol watcher", zap.Error(err))
		case <-timer.C:
			n, err := w.catalog.LoadFile(ctx, w.path)
			if err != nil {
				w.log.Error("reload protocol file", zap.String("file", w.path), zap.Error(err))
				continue
			}
			if n > 0 {
				w.log.Info("protocols reloaded", zap.String("file", w.path), zap.Int("added", n))
			}
		}
	}
}
