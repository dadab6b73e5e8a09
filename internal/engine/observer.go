package engine

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Observer watches a drive's local directory for changes and emits
// batches of changed relative paths after a quiet period. fsnotify
// watches are not recursive, so the observer registers every directory
// and adds new ones as they appear.
type Observer struct {
	root     string
	debounce time.Duration
	watcher  *fsnotify.Watcher
	logger   *slog.Logger

	batches chan []string
}

// NewObserver creates an Observer for root. Call Run to start watching;
// batches of changed paths arrive on Batches.
func NewObserver(root string, debounce time.Duration, logger *slog.Logger) (*Observer, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating filesystem watcher: %w", err)
	}

	return &Observer{
		root:     root,
		debounce: debounce,
		watcher:  watcher,
		logger:   logger,
		batches:  make(chan []string, 8),
	}, nil
}

// Batches delivers debounced sets of changed relative paths. The channel
// closes when Run returns.
func (o *Observer) Batches() <-chan []string {
	return o.batches
}

// Run watches until ctx is canceled. Pending changes are flushed as a
// final batch before the channel closes.
func (o *Observer) Run(ctx context.Context) error {
	defer close(o.batches)
	defer o.watcher.Close()

	if err := o.watchTree(o.root); err != nil {
		return err
	}

	o.logger.Info("filesystem observer started", "root", o.root)

	pending := make(map[string]struct{})

	var timer *time.Timer

	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			o.flush(pending)
			return ctx.Err()

		case ev, ok := <-o.watcher.Events:
			if !ok {
				o.flush(pending)
				return nil
			}

			if rel, track := o.handleEvent(ev); track {
				pending[rel] = struct{}{}

				if timer == nil {
					timer = time.NewTimer(o.debounce)
					timerC = timer.C
				} else {
					if !timer.Stop() {
						select {
						case <-timer.C:
						default:
						}
					}
					timer.Reset(o.debounce)
				}
			}

		case err, ok := <-o.watcher.Errors:
			if !ok {
				o.flush(pending)
				return nil
			}

			o.logger.Warn("filesystem watch error", "error", err)

		case <-timerC:
			o.flush(pending)
			pending = make(map[string]struct{})
			timer = nil
			timerC = nil
		}
	}
}

// handleEvent maps one fsnotify event to a tracked relative path. New
// directories are added to the watch set; hidden and staging files are
// ignored.
func (o *Observer) handleEvent(ev fsnotify.Event) (string, bool) {
	name := filepath.Base(ev.Name)
	if strings.HasPrefix(name, ".") || strings.HasSuffix(name, partialSuffix) {
		return "", false
	}

	if ev.Has(fsnotify.Create) {
		// A created directory needs its own watch before events inside it
		// can be seen.
		if err := o.watchTree(ev.Name); err != nil {
			o.logger.Debug("cannot watch new entry", "path", ev.Name, "error", err)
		}
	}

	rel, err := filepath.Rel(o.root, ev.Name)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", false
	}

	return NormalizePath(rel), true
}

// watchTree registers path and, if it is a directory, every directory
// below it.
func (o *Observer) watchTree(path string) error {
	return filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			// The entry may already be gone; a watch on a vanished path is
			// not worth failing the observer for.
			return nil
		}

		if !d.IsDir() {
			return nil
		}

		if p != o.root && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}

		if err := o.watcher.Add(p); err != nil {
			return fmt.Errorf("watching %s: %w", p, err)
		}

		return nil
	})
}

func (o *Observer) flush(pending map[string]struct{}) {
	if len(pending) == 0 {
		return
	}

	batch := make([]string, 0, len(pending))
	for p := range pending {
		batch = append(batch, p)
	}

	o.logger.Debug("flushing change batch", "paths", len(batch))

	select {
	case o.batches <- batch:
	default:
		o.logger.Warn("change batch dropped, consumer too slow", "paths", len(batch))
	}
}
