// Package tracewatch reinstalls a trace file whenever it changes on disk.
package tracewatch

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/borud/broker"
	"github.com/fsnotify/fsnotify"

	"github.com/perbu/harreplay/pkg/events"
)

const defaultDebounce = 250 * time.Millisecond

// Config holds the configuration for a Watcher
type Config struct {
	// Path is the trace file to watch
	Path string
	// Debounce is how long the file must stay quiet before OnChange runs
	Debounce time.Duration
	// OnChange is called with Path after each burst of changes
	OnChange func(ctx context.Context, path string) error

	Logger *slog.Logger
	Broker *broker.Broker
}

// Watcher watches the directory holding the trace, so files replaced by
// rename are picked up as well as files written in place.
type Watcher struct {
	cfg     Config
	logger  *slog.Logger
	watcher *fsnotify.Watcher
	name    string
}

func New(cfg Config) (*Watcher, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("path cannot be empty")
	}
	if cfg.OnChange == nil {
		return nil, fmt.Errorf("change handler cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = defaultDebounce
	}
	abs, err := filepath.Abs(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", cfg.Path, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watching %s: %w", filepath.Dir(abs), err)
	}
	return &Watcher{
		cfg:     cfg,
		logger:  cfg.Logger.With("component", "tracewatch"),
		watcher: watcher,
		name:    filepath.Clean(abs),
	}, nil
}

// Run delivers changes until ctx is cancelled, then closes the watcher.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(evt.Name) != w.name {
				continue
			}
			if !evt.Has(fsnotify.Write) && !evt.Has(fsnotify.Create) && !evt.Has(fsnotify.Rename) {
				continue
			}
			w.logger.Debug("Trace file event", "op", evt.Op.String())
			timer.Reset(w.cfg.Debounce)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("Watcher error", "error", err)
		case <-timer.C:
			events.Publish(w.cfg.Broker, events.EventTraceChanged{Path: w.cfg.Path})
			if err := w.cfg.OnChange(ctx, w.cfg.Path); err != nil {
				w.logger.Error("Reloading trace failed", "path", w.cfg.Path, "error", err)
				continue
			}
			w.logger.Info("Reloaded trace", "path", w.cfg.Path)
		}
	}
}
