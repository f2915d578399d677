package transfer

import (
	"context"
	"fmt"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"kepler-edge-go/internal/staging"
)

// StagingWatcher wakes the manager as soon as a sentinel lands in the staging
// directory. Polling stays authoritative; a missed notification only delays
// delivery until the next tick.
type StagingWatcher struct {
	watcher *fsnotify.Watcher
	dir     string
	onReady func()
	logger  zerolog.Logger
}

func NewStagingWatcher(dir string, onReady func(), logger zerolog.Logger) (*StagingWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create staging watcher: %w", err)
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}
	return &StagingWatcher{watcher: w, dir: dir, onReady: onReady, logger: logger}, nil
}

func (s *StagingWatcher) Run(ctx context.Context) {
	defer s.watcher.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				if strings.HasSuffix(ev.Name, staging.SentinelExt) {
					s.onReady()
				}
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn().Err(err).Str("path", s.dir).Msg("Staging watcher error")
		}
	}
}
