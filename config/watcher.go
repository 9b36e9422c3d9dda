package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceWindow coalesces the editor write/rename event bursts that a
// single save produces.
const debounceWindow = 200 * time.Millisecond

// Watcher reloads the configuration file when it changes on disk and hands
// each successfully parsed version to a callback. Parse or validation
// failures keep the previous configuration and are only logged, so a bad
// edit never takes the running server down.
type Watcher struct {
	path     string
	onChange func(*Config)
	logger   *slog.Logger
	watcher  *fsnotify.Watcher
}

// NewWatcher creates a watcher for the given config path.
func NewWatcher(path string, onChange func(*Config), logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	// Watch the directory, not the file: editors replace files by rename,
	// which drops a file-level watch.
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, err
	}

	return &Watcher{
		path:     path,
		onChange: onChange,
		logger:   logger,
		watcher:  fsw,
	}, nil
}

// Watch blocks, delivering reloaded configurations until the context is
// cancelled or the underlying watcher closes.
func (w *Watcher) Watch(ctx context.Context) error {
	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	pending := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(debounceWindow, func() {
				select {
				case pending <- struct{}{}:
				default:
				}
			})

		case <-pending:
			w.reload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("config watch error", slog.String("err", err.Error()))
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Warn("config reload failed, keeping previous",
			slog.String("path", w.path),
			slog.String("err", err.Error()))
		return
	}

	w.logger.Info("config reloaded", slog.String("path", w.path))
	w.onChange(cfg)
}
