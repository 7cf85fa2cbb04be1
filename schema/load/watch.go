package load

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/syssam/vertex/schema"
)

// Watch reloads the schema file whenever it changes and hands each
// successfully loaded registry to fn. Invalid intermediate states are
// logged and skipped, keeping the last good registry in effect. Watch
// blocks until ctx ends.
func Watch(ctx context.Context, path string, logger *slog.Logger, fn func(*schema.Registry)) error {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	// Watch the directory: editors often replace the file wholesale.
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Name != abs || !ev.Op.Has(fsnotify.Write|fsnotify.Create) {
				continue
			}
			reg, err := File(abs)
			if err != nil {
				logger.Warn("schema reload failed", "path", abs, "error", err)
				continue
			}
			logger.Info("schema reloaded", "path", abs)
			fn(reg)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warn("schema watcher error", "error", err)
		}
	}
}
