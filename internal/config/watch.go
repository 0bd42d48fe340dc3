package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 25 * time.Millisecond

// RewritesWatcher monitors the configured rewrites source (file or folder)
// and invokes the callback whenever definitions change. Stop must be called
// to release filesystem resources.
type RewritesWatcher struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Stop halts the watcher and waits for the underlying goroutine to exit.
func (w *RewritesWatcher) Stop() {
	if w == nil {
		return
	}
	w.once.Do(func() {
		w.cancel()
		<-w.done
	})
}

// WatchRewrites wires fsnotify around the configured rewrites source and
// reloads the bundle on any relevant change. cfg should come from Loader.Load
// so InlineRewrites is captured. onChange runs once with the initial bundle
// before WatchRewrites returns.
func (l *Loader) WatchRewrites(ctx context.Context, cfg Config, onChange func(RewriteBundle), onError func(error)) (*RewritesWatcher, error) {
	if onChange == nil {
		return nil, errors.New("config: watch rewrites requires a change callback")
	}
	src := cfg.Server.Rewrites
	if src.RewritesFile == "" && src.RewritesFolder == "" {
		return nil, errors.New("config: no rewrites source configured for watching")
	}
	if onError == nil {
		onError = func(error) {}
	}

	watchCtx, cancel := context.WithCancel(ctx)
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("config: watch rewrites: %w", err)
	}

	rw := &rewriteWatch{
		ctx:      watchCtx,
		fsw:      fsw,
		source:   src,
		inline:   cloneRewriteMap(cfg.InlineRewrites),
		onChange: onChange,
		onError:  onError,
		dirs:     make(map[string]struct{}),
	}

	bundle, err := buildRewriteBundle(watchCtx, rw.inline, src)
	if err != nil {
		if closeErr := fsw.Close(); closeErr != nil {
			onError(fmt.Errorf("config: watch rewrites close: %w", closeErr))
		}
		cancel()
		return nil, err
	}
	onChange(bundle)

	if err := rw.register(); err != nil {
		if closeErr := fsw.Close(); closeErr != nil {
			onError(fmt.Errorf("config: watch rewrites close: %w", closeErr))
		}
		cancel()
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		rw.run()
	}()
	return &RewritesWatcher{cancel: cancel, done: done}, nil
}

type rewriteWatch struct {
	ctx      context.Context
	fsw      *fsnotify.Watcher
	source   RewritesConfig
	inline   map[string]RewriteConfig
	onChange func(RewriteBundle)
	onError  func(error)

	// targetFile is set when a single file is watched through its parent dir.
	targetFile string
	dirs       map[string]struct{}
}

func (w *rewriteWatch) register() error {
	if w.source.RewritesFile != "" {
		resolved, err := filepath.Abs(w.source.RewritesFile)
		if err != nil {
			return fmt.Errorf("config: resolve rewrites file: %w", err)
		}
		w.targetFile = filepath.Clean(resolved)
		w.addDir(filepath.Dir(w.targetFile))
		return nil
	}
	root, err := filepath.Abs(w.source.RewritesFolder)
	if err != nil {
		return fmt.Errorf("config: resolve rewrites folder: %w", err)
	}
	return filepath.WalkDir(root, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			w.onError(fmt.Errorf("config: walk watcher %s: %w", path, walkErr))
			return nil
		}
		if d.IsDir() {
			w.addDir(path)
		}
		return nil
	})
}

func (w *rewriteWatch) addDir(dir string) {
	dir = filepath.Clean(dir)
	if _, ok := w.dirs[dir]; ok {
		return
	}
	if err := w.fsw.Add(dir); err != nil {
		w.onError(fmt.Errorf("config: watch add %s: %w", dir, err))
		return
	}
	w.dirs[dir] = struct{}{}
}

func (w *rewriteWatch) run() {
	defer func() {
		if err := w.fsw.Close(); err != nil {
			w.onError(fmt.Errorf("config: watch rewrites close: %w", err))
		}
	}()

	timer := time.NewTimer(reloadDebounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-timer.C:
			w.reload()
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if w.relevant(event) {
				timer.Reset(reloadDebounce)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.onError(fmt.Errorf("config: watch error: %w", err))
		}
	}
}

// relevant filters events down to ones that can change the bundle. New
// directories inside a watched folder are added as a side effect.
func (w *rewriteWatch) relevant(event fsnotify.Event) bool {
	const changes = fsnotify.Write | fsnotify.Create | fsnotify.Rename | fsnotify.Remove | fsnotify.Chmod
	name := filepath.Clean(event.Name)
	if w.targetFile != "" {
		if name != w.targetFile {
			return false
		}
		if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
			w.onError(fmt.Errorf("config: rewrites file %s removed", w.targetFile))
		}
		return event.Op&changes != 0
	}
	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(name); err == nil && info.IsDir() {
			w.addDir(name)
			return false
		}
	}
	return isSupportedRewritesFile(name) && event.Op&changes != 0
}

func (w *rewriteWatch) reload() {
	bundle, err := buildRewriteBundle(w.ctx, w.inline, w.source)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			w.onError(err)
		}
		return
	}
	w.onChange(bundle)
}
