package templates

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/comfyflow/internal/metrics"
)

// Watcher keeps a Registry in sync with its directory.
type Watcher struct {
	registry *Registry
	watcher  *fsnotify.Watcher
	debounce time.Duration
	logger   *zap.Logger

	mu      sync.Mutex
	started bool
	stopCh  chan struct{}
	done    chan struct{}
}

// NewWatcher creates a watcher for registry's directory.
func NewWatcher(registry *Registry, logger *zap.Logger) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	return &Watcher{
		registry: registry,
		watcher:  fw,
		debounce: 50 * time.Millisecond,
		logger:   logger,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// Start begins watching. It returns once the directory is registered with
// the watcher; events are handled until ctx is done or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return nil
	}
	if err := w.watcher.Add(w.registry.Root()); err != nil {
		return fmt.Errorf("failed to watch template directory: %w", err)
	}
	w.started = true
	go w.loop(ctx)

	w.logger.Info("Template watcher started", zap.String("dir", w.registry.Root()))
	return nil
}

// Stop ends watching and waits for the event loop to exit.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return w.watcher.Close()
	}
	w.started = false
	close(w.stopCh)
	w.mu.Unlock()

	err := w.watcher.Close()
	<-w.done
	return err
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("Template watch loop panicked", zap.Any("panic", r))
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handle(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("Template watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	if _, ok := FormatOf(event.Name); !ok {
		return
	}
	if event.Op&fsnotify.Chmod == fsnotify.Chmod && event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
		return
	}

	name := filepath.Base(event.Name)
	if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
		if err := w.registry.Reload(event.Name); err != nil {
			w.logger.Warn("Failed to drop template", zap.String("file", name), zap.Error(err))
		}
		metrics.TemplateReloads.WithLabelValues("removed").Inc()
		return
	}

	// Small delay to handle rapid successive writes
	time.Sleep(w.debounce)
	if err := w.registry.Reload(event.Name); err != nil {
		metrics.TemplateReloads.WithLabelValues("error").Inc()
		w.logger.Error("Failed to reload template",
			zap.String("file", name),
			zap.String("op", event.Op.String()),
			zap.Error(err),
		)
		return
	}
	metrics.TemplateReloads.WithLabelValues("success").Inc()
	w.logger.Debug("Reloaded template", zap.String("file", name), zap.String("op", event.Op.String()))
}
