package seeds

import (
	"context"
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/biome/gateway/internal/imaging"
)

// DefaultDebounce batches bursts of file events (editors and copies fire
// several per file) into a single cache validation.
const DefaultDebounce = 2 * time.Second

// Watcher revalidates the cache whenever seed files change on disk, so
// out-of-band edits are caught without waiting for a manual rescan.
type Watcher struct {
	cache    *Cache
	debounce time.Duration
	log      *slog.Logger
}

func NewWatcher(cache *Cache, debounce time.Duration) *Watcher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Watcher{
		cache:    cache,
		debounce: debounce,
		log:      slog.Default().With("component", "seed-watcher"),
	}
}

// Run watches both seed directories until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	for _, dir := range []string{w.cache.cfg.DefaultDir, w.cache.cfg.UploadsDir} {
		if err := fw.Add(dir); err != nil {
			return err
		}
	}
	w.log.Info("watching seed directories",
		"default", w.cache.cfg.DefaultDir, "uploads", w.cache.cfg.UploadsDir)

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !relevantEvent(ev) {
				continue
			}
			w.log.Debug("seed file event", "op", ev.Op.String(), "file", ev.Name)
			pending = time.After(w.debounce)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("watcher error", "error", err)
		case <-pending:
			pending = nil
			if err := w.cache.ValidateAndUpdate(ctx); err != nil {
				w.log.Error("seed revalidation failed", "error", err)
			}
		}
	}
}

func relevantEvent(ev fsnotify.Event) bool {
	if !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Write) &&
		!ev.Op.Has(fsnotify.Remove) && !ev.Op.Has(fsnotify.Rename) {
		return false
	}
	return imaging.IsSupportedExt(ev.Name)
}
