package registry

import (
	"context"
	"path/filepath"
	"time"

	"log/slog"

	"github.com/fsnotify/fsnotify"
)

const watchDebounce = 500 * time.Millisecond

// Watcher observes the registry file for out-of-band edits and invokes a
// callback after a debounce window. Writes performed through the Store are
// suppressed so the save hook remains the single broadcast path for them.
type Watcher struct {
	store    *Store
	logger   *slog.Logger
	onChange func()
}

// NewWatcher builds a watcher for the given store.
func NewWatcher(store *Store, logger *slog.Logger, onChange func()) *Watcher {
	return &Watcher{store: store, logger: logger, onChange: onChange}
}

// Run watches until the context is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()

	// Watch the directory: atomic saves replace the file by rename, which
	// would drop a watch on the file itself.
	dir := filepath.Dir(w.store.path)
	if err := fsw.Add(dir); err != nil {
		return err
	}
	target := filepath.Base(w.store.path)

	var timer *time.Timer
	var timerCh <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(watchDebounce)
				timerCh = timer.C
			} else {
				timer.Reset(watchDebounce)
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("registry watch error", "error", err)
		case <-timerCh:
			timer = nil
			timerCh = nil
			if w.store.sinceLastSave() < 2*watchDebounce {
				continue
			}
			w.logger.Info("registry file changed on disk")
			if w.onChange != nil {
				w.onChange()
			}
		}
	}
}
