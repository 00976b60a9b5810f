// Package watch notices when a repository's references or configuration
// change, so release tracking can be re-run without waiting for a hook.
package watch

import (
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/papapumpkin/track-release/internal/logger"
)

// Change is a batch of modified paths, relative to the git directory and
// slash-separated, collected until the repository was quiet for the
// debounce interval.
type Change struct {
	Paths []string
}

// ConfigChanged reports whether the repository configuration, and with it
// possibly a branch's tracking mode, was among the changes.
func (c Change) ConfigChanged() bool {
	return slices.Contains(c.Paths, "config")
}

// Watcher monitors refs/, packed-refs and config under a git directory
// using fsnotify.
type Watcher struct {
	GitDir  string
	Changes <-chan Change // Read-only external channel

	changes  chan Change // Internal write channel
	done     chan struct{}
	watcher  *fsnotify.Watcher
	debounce time.Duration
	log      *slog.Logger
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithLogger sets the logger for watch errors.
func WithLogger(l *slog.Logger) Option {
	return func(w *Watcher) { w.log = l }
}

// New creates a watcher for gitDir that emits a Change once no event has
// arrived for debounce.
func New(gitDir string, debounce time.Duration, opts ...Option) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	// Pending changes are merged rather than queued.
	ch := make(chan Change, 1)
	w := &Watcher{
		GitDir:   gitDir,
		Changes:  ch,
		changes:  ch,
		done:     make(chan struct{}),
		watcher:  fw,
		debounce: debounce,
		log:      logger.Discard(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Start begins watching. The git directory itself is watched for
// packed-refs and config, and every directory below refs/ is watched for
// loose references.
func (w *Watcher) Start() error {
	if err := w.watcher.Add(w.GitDir); err != nil {
		return err
	}
	if _, err := w.addTree(filepath.Join(w.GitDir, "refs")); err != nil {
		return err
	}

	go w.loop()
	return nil
}

// Stop closes the watcher and channels.
func (w *Watcher) Stop() {
	w.watcher.Close()
	<-w.done // Wait for loop to exit
	close(w.changes)
}

// addTree watches root and every directory below it, returning the files
// already present.
func (w *Watcher) addTree(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return w.watcher.Add(path)
		}
		files = append(files, path)
		return nil
	})
	return files, err
}

func (w *Watcher) loop() {
	defer close(w.done)

	pending := make(map[string]struct{})
	timer := time.NewTimer(w.debounce)
	timer.Stop()

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				// Drain pending on close.
				w.emit(pending)
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
				!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}
			rel, ok := w.relevant(event.Name)
			if !ok {
				continue
			}
			pending[rel] = struct{}{}

			// A new directory under refs/ (e.g. refs/heads/feature/) needs a
			// watch of its own; refs written into it before the watch was
			// added count as changed too.
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					files, err := w.addTree(event.Name)
					if err != nil {
						w.log.Warn("watching new reference directory failed", "dir", event.Name, "error", err)
					}
					for _, f := range files {
						if rel, ok := w.relevant(f); ok {
							pending[rel] = struct{}{}
						}
					}
				}
			}
			timer.Reset(w.debounce)

		case <-timer.C:
			w.emit(pending)
			pending = make(map[string]struct{})

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			// Watch errors are non-fatal.
			w.log.Warn("watch error", "error", err)
		}
	}
}

// relevant maps an event path to its git-directory-relative name, filtering
// out lock files and everything that is not a reference or the config.
func (w *Watcher) relevant(name string) (string, bool) {
	rel, err := filepath.Rel(w.GitDir, name)
	if err != nil {
		return "", false
	}
	rel = filepath.ToSlash(rel)
	if strings.HasSuffix(rel, ".lock") {
		return "", false
	}
	switch {
	case rel == "packed-refs", rel == "config":
		return rel, true
	case strings.HasPrefix(rel, "refs/"):
		return rel, true
	}
	return "", false
}

func (w *Watcher) emit(pending map[string]struct{}) {
	if len(pending) == 0 {
		return
	}
	// A Change the consumer has not picked up yet is folded into this one.
	// The loop is the only sender, so the send below cannot block.
	select {
	case prev := <-w.changes:
		for _, p := range prev.Paths {
			pending[p] = struct{}{}
		}
	default:
	}
	paths := make([]string, 0, len(pending))
	for p := range pending {
		paths = append(paths, p)
	}
	slices.Sort(paths)
	w.changes <- Change{Paths: paths}
}
