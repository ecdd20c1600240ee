package store

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	xlog "livingportrait/internal/log"

	"github.com/fsnotify/fsnotify"
)

// WatchDebounce collapses bursts of filesystem events from one external save.
const WatchDebounce = 250 * time.Millisecond

// Watch reloads the document whenever another process edits the settings file. The
// directory is watched because atomic replacement swaps the file's inode.
func (s *Store) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(s.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch settings dir: %w", err)
	}
	s.logger.Info().Str(xlog.FieldEvent, "store.watcher_started").Str(xlog.FieldPath, s.path).Msg("watching settings file for external edits")

	name := filepath.Clean(s.path)
	debounce := time.NewTimer(WatchDebounce)
	debounce.Stop()
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Str(xlog.FieldEvent, "store.watcher_stopped").Msg("settings watcher stopped")
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != name {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				debounce.Reset(WatchDebounce)
			}

		case <-debounce.C:
			if _, err := s.Reload(ctx); err != nil && ctx.Err() == nil {
				s.logger.Debug().Err(err).Msg("reload after external edit failed")
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Error().Err(err).Str(xlog.FieldEvent, "store.watcher_error").Msg("settings watcher error")
		}
	}
}
