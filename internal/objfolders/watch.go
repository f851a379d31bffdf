package objfolders

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// FsWatcher abstracts filesystem event monitoring. Satisfied by
// *fsnotify.Watcher through fsnotifyWrapper; Watch always constructs that
// fsnotify-backed implementation itself.
type FsWatcher interface {
	Add(name string) error
	Remove(name string) error
	Close() error
	Events() <-chan fsnotify.Event
	Errors() <-chan error
}

type fsnotifyWrapper struct {
	w *fsnotify.Watcher
}

func (fw *fsnotifyWrapper) Add(name string) error         { return fw.w.Add(name) }
func (fw *fsnotifyWrapper) Remove(name string) error      { return fw.w.Remove(name) }
func (fw *fsnotifyWrapper) Close() error                  { return fw.w.Close() }
func (fw *fsnotifyWrapper) Events() <-chan fsnotify.Event { return fw.w.Events }
func (fw *fsnotifyWrapper) Errors() <-chan error          { return fw.w.Errors }

// ExternalMutation reports an unexpected change to an object's on-disk
// folder that did not originate from this process — e.g. a version file
// removed by hand, or the whole folder deleted out from under the cache.
type ExternalMutation struct {
	Path string
	Op   fsnotify.Op
}

// Watch watches the recent tier's root directory for changes foreign to
// the store's own writers, surfacing them on the returned channel until ctx
// is cancelled. The watch is not recursive: changes inside object folders
// below the root are not reported. This exists so a corrupted or tampered-with local store
// can be detected rather than silently trusted; it does not itself repair
// anything — callers decide whether to quarantine or re-sync the affected
// object.
func (fs *Folders) Watch(ctx context.Context, logger *slog.Logger) (<-chan ExternalMutation, error) {
	if logger == nil {
		logger = fs.logger
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	wrapped := FsWatcher(&fsnotifyWrapper{w: w})

	root := fs.recentRoot()
	if addErr := wrapped.Add(root); addErr != nil {
		wrapped.Close()
		return nil, addErr
	}

	out := make(chan ExternalMutation, 16)

	go func() {
		defer close(out)
		defer wrapped.Close()

		for {
			select {
			case <-ctx.Done():
				return

			case ev, ok := <-wrapped.Events():
				if !ok {
					return
				}

				select {
				case out <- ExternalMutation{Path: ev.Name, Op: ev.Op}:
				default:
					logger.Warn("dropped external mutation event, channel full", "path", ev.Name)
				}

			case err, ok := <-wrapped.Errors():
				if !ok {
					return
				}

				logger.Warn("fs watch error", "error", err)
			}
		}
	}()

	return out, nil
}

func (fs *Folders) recentRoot() string {
	return filepath.Join(fs.root, recentDirName)
}
