package safety

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/patternd/internal/metrics"
)

const (
	maxConfigFileSize = 1024 * 1024
	reloadDebounce    = 250 * time.Millisecond
)

// LoadFile reads a YAML safety document. Keys absent from the file keep
// their DefaultConfig values.
func LoadFile(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("opening safety config: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxConfigFileSize+1))
	if err != nil {
		return Config{}, fmt.Errorf("reading safety config: %w", err)
	}
	if len(data) > maxConfigFileSize {
		return Config{}, fmt.Errorf("safety config %s exceeds %d bytes", path, maxConfigFileSize)
	}

	k := koanf.New(".")
	if err := k.Load(rawbytes.Provider(data), yaml.Parser()); err != nil {
		return Config{}, fmt.Errorf("parsing safety config: %w", err)
	}
	cfg := DefaultConfig()
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("decoding safety config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Watcher reloads the controller when its config file changes. Invalid
// files are logged and the running config is kept.
type Watcher struct {
	path       string
	controller *Controller
	watcher    *fsnotify.Watcher
	logger     *zap.Logger

	started  atomic.Bool
	stopOnce sync.Once
	done     chan struct{}
	stopped  chan struct{}
}

// NewWatcher watches the directory holding path so that editors which
// replace the file on save are still seen.
func NewWatcher(path string, controller *Controller, logger *zap.Logger) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving safety config path: %w", err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watching %s: %w", filepath.Dir(abs), err)
	}
	return &Watcher{
		path:       abs,
		controller: controller,
		watcher:    fw,
		logger:     logger.With(zap.String("path", abs)),
		done:       make(chan struct{}),
		stopped:    make(chan struct{}),
	}, nil
}

// Start runs the event loop until ctx is cancelled or Stop is called.
func (w *Watcher) Start(ctx context.Context) {
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	go w.run(ctx)
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.stopped)

	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(reloadDebounce)
			} else {
				timer.Reset(reloadDebounce)
			}
			fire = timer.C
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("safety config watcher error", zap.Error(err))
		case <-fire:
			fire = nil
			w.reload(ctx)
		}
	}
}

func (w *Watcher) reload(ctx context.Context) {
	cfg, err := LoadFile(w.path)
	if err != nil {
		metrics.ConfigReloadsTotal.WithLabelValues("file", metrics.Result(err)).Inc()
		w.logger.Error("safety config reload rejected", zap.Error(err))
		return
	}
	if err := w.controller.Replace(ctx, cfg, "file"); err != nil {
		w.logger.Error("safety config reload failed", zap.Error(err))
		return
	}
	w.logger.Info("safety config reloaded from file")
}

// Stop ends the event loop and releases the watcher.
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.done)
		err = w.watcher.Close()
		if w.started.Load() {
			<-w.stopped
		}
	})
	return err
}
