package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/haasonsaas/parley/internal/observability"
)

const watchDebounce = 250 * time.Millisecond

// Watch reloads the configuration whenever the file at path changes
// and hands each successfully loaded Config to onChange. A reload that
// fails to parse or validate keeps the previous config and is logged.
// The returned stop function releases the watcher; calling it more
// than once is safe.
//
// The parent directory is watched rather than the file itself, so
// editors that replace the file by rename keep triggering events.
// Included fragments are not watched.
func Watch(ctx context.Context, path string, logger *observability.Logger, onChange func(*Config)) (func(), error) {
	if logger == nil {
		logger = observability.Nop()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return nil, err
	}

	watchCtx, cancel := context.WithCancel(ctx)
	go watchLoop(watchCtx, watcher, abs, logger, onChange)

	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			watcher.Close()
		})
	}
	return stop, nil
}

func watchLoop(ctx context.Context, watcher *fsnotify.Watcher, path string, logger *observability.Logger, onChange func(*Config)) {
	var mu sync.Mutex
	var timer *time.Timer
	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
	}()

	reload := func() {
		if ctx.Err() != nil {
			return
		}
		cfg, err := Load(path)
		if err != nil {
			logger.Warn(ctx, "config reload failed, keeping previous config", "path", path, "error", err)
			return
		}
		logger.Info(ctx, "config reloaded", "path", path)
		onChange(cfg)
	}
	// Editors fire several events per save; collapse them into one
	// reload after the file settles.
	schedule := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(watchDebounce, reload)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != path {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				schedule()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logger.Warn(ctx, "config watcher error", "error", err)
		}
	}
}
