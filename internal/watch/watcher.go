// Package watch keeps the index in step with a directory tree: created
// or modified documents are ingested, deleted or renamed ones removed.
package watch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/bull/offline-rag/internal/loader"
	"github.com/bull/offline-rag/internal/retriever"
	"github.com/bull/offline-rag/internal/storage"
)

// DefaultDebounce coalesces the bursts of events one save produces.
const DefaultDebounce = 500 * time.Millisecond

// Target receives the ingest and remove calls. *retriever.Retriever and
// *chat.Engine implement it.
type Target interface {
	Ingest(ctx context.Context, path string, hint loader.Format) (*retriever.DocumentReport, error)
	Remove(ctx context.Context, path string) (int, error)
}

// Op is the action taken for a path.
type Op string

const (
	OpIngest Op = "ingest"
	OpRemove Op = "remove"
)

// Event reports one action after it ran.
type Event struct {
	Path    string
	Op      Op
	Report  *retriever.DocumentReport // set for successful ingests
	Removed int                       // passages removed
	Err     error
}

// Options configures a Watcher.
type Options struct {
	Debounce time.Duration
	OnEvent  func(Event) // optional; called from the Run goroutine
}

// Watcher watches directories recursively. Dot-directories are skipped
// and only supported document formats are acted on.
type Watcher struct {
	fs     *fsnotify.Watcher
	target Target
	opts   Options
	logger *slog.Logger
}

// New creates a watcher. Call Add for each root, then Run.
func New(target Target, opts Options, logger *slog.Logger) (*Watcher, error) {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if logger == nil {
		logger = slog.Default()
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	return &Watcher{fs: w, target: target, opts: opts, logger: logger}, nil
}

// Add watches root and every directory below it.
func (w *Watcher) Add(root string) error {
	root, err := filepath.Abs(root)
	if err != nil {
		return err
	}
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if p != root && hidden(d.Name()) {
			return filepath.SkipDir
		}
		if err := w.fs.Add(p); err != nil {
			return fmt.Errorf("watch %s: %w", p, err)
		}
		w.logger.Debug("Watching directory", "path", p)
		return nil
	})
}

// Close stops watching.
func (w *Watcher) Close() error { return w.fs.Close() }

// Run processes events until ctx is done or the watcher is closed.
// Actions for a path are coalesced until no event arrived for the
// debounce interval; the latest action wins.
func (w *Watcher) Run(ctx context.Context) error {
	pending := make(map[string]Op)
	timer := time.NewTimer(w.opts.Debounce)
	timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.fs.Events:
			if !ok {
				return nil
			}
			if op, ok := w.classify(ev); ok {
				pending[ev.Name] = op
				timer.Reset(w.opts.Debounce)
			}

		case err, ok := <-w.fs.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("Watcher error", "error", err)

		case <-timer.C:
			w.flush(ctx, pending)
			pending = make(map[string]Op)
		}
	}
}

func (w *Watcher) classify(ev fsnotify.Event) (Op, bool) {
	switch {
	case ev.Has(fsnotify.Create):
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if !hidden(filepath.Base(ev.Name)) {
				if err := w.Add(ev.Name); err != nil {
					w.logger.Warn("Failed to watch new directory", "path", ev.Name, "error", err)
				}
			}
			return "", false
		}
		if !loader.Supported(ev.Name) {
			return "", false
		}
		return OpIngest, true
	case ev.Has(fsnotify.Write):
		if !loader.Supported(ev.Name) {
			return "", false
		}
		return OpIngest, true
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		if !loader.Supported(ev.Name) {
			return "", false
		}
		return OpRemove, true
	}
	return "", false
}

func (w *Watcher) flush(ctx context.Context, pending map[string]Op) {
	paths := make([]string, 0, len(pending))
	for p := range pending {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, p := range paths {
		if ctx.Err() != nil {
			return
		}
		ev := Event{Path: p, Op: pending[p]}
		switch ev.Op {
		case OpIngest:
			ev.Report, ev.Err = w.target.Ingest(ctx, p, "")
			if ev.Err != nil {
				w.logger.Warn("Failed to ingest changed document", "path", p, "error", ev.Err)
			}
		case OpRemove:
			ev.Removed, ev.Err = w.target.Remove(ctx, p)
			if errors.Is(ev.Err, storage.ErrDocumentNotFound) {
				continue
			}
			if ev.Err != nil {
				w.logger.Warn("Failed to remove deleted document", "path", p, "error", ev.Err)
			}
		}
		if w.opts.OnEvent != nil {
			w.opts.OnEvent(ev)
		}
	}
}

func hidden(name string) bool {
	return len(name) > 1 && name[0] == '.'
}
