// Package watch reports file changes under a workspace.
package watch

import (
	"context"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/adamavenir/codeindex/internal/workspace"
)

// Watcher calls OnChange with the relative path of every added, modified or
// removed file that the ignore rules let through.
type Watcher struct {
	root     string
	matcher  *workspace.Matcher
	onChange func(rel string)
	logger   *slog.Logger

	fs     *fsnotify.Watcher
	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// New creates a watcher for root. Call Start to begin watching.
func New(root string, matcher *workspace.Matcher, onChange func(rel string), logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Watcher{
		root:     root,
		matcher:  matcher,
		onChange: onChange,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
}

// Start adds every non-ignored directory and begins delivering events.
func (w *Watcher) Start(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	w.fs = watcher
	if err := w.addTree(w.root); err != nil {
		_ = watcher.Close()
		return err
	}
	w.wg.Add(1)
	go w.loop(ctx)
	return nil
}

// Close stops the watcher and waits for the event loop to exit.
func (w *Watcher) Close() error {
	var err error
	w.once.Do(func() {
		close(w.stopCh)
		if w.fs != nil {
			err = w.fs.Close()
		}
		w.wg.Wait()
	})
	return err
}

func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == dir {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if p != w.root && w.matcher.Ignored(w.rel(p)) {
			return filepath.SkipDir
		}
		if err := w.fs.Add(p); err != nil {
			w.logger.Debug("watch: failed to add directory", "path", p, "error", err)
		}
		return nil
	})
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			w.handle(event)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Debug("watch error", "error", err)
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	rel := w.rel(event.Name)
	if rel == "" || rel == "." || w.matcher.Ignored(rel) {
		return
	}
	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.addTree(event.Name); err != nil {
				w.logger.Debug("watch: failed to add new directory", "path", event.Name, "error", err)
			}
			w.onChange(rel)
			return
		}
	}
	if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) || event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
		w.onChange(rel)
	}
}

func (w *Watcher) rel(p string) string {
	rel, err := filepath.Rel(w.root, p)
	if err != nil {
		return ""
	}
	return filepath.ToSlash(rel)
}
